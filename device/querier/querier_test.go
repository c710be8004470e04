package querier

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/srforward/srmesh/core"
	"github.com/srforward/srmesh/core/clock"
	"github.com/srforward/srmesh/routing"
)

func addr(n byte) core.NodeAddr {
	return core.NodeAddr{10, 0, 0, n}
}

type fakeClock struct {
	mu  sync.Mutex
	now clock.Timestamp
}

func (c *fakeClock) Now() clock.Timestamp {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type encapCall struct {
	payload []byte
	path    core.Path
	flags   uint8
}

type harness struct {
	mu          sync.Mutex
	encapCalls  []encapCall
	emitCalls   [][]byte
	floodCalls  []core.NodeAddr
	encapErr    error
	emitErr     error
	floodErr    error
}

func (h *harness) encap(payload []byte, path core.Path, flags uint8) ([]byte, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.encapCalls = append(h.encapCalls, encapCall{payload, path.Clone(), flags})
	if h.encapErr != nil {
		return nil, h.encapErr
	}
	return append([]byte{}, payload...), nil
}

func (h *harness) emit(frame []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.emitCalls = append(h.emitCalls, frame)
	return h.emitErr
}

func (h *harness) startFlood(dst core.NodeAddr) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.floodCalls = append(h.floodCalls, dst)
	return h.floodErr
}

func newTestQuerier(t *testing.T) (*Querier, *harness, *routing.MemLinkTable, *fakeClock) {
	t.Helper()
	self := addr(1)
	lt := routing.NewMemLinkTable(self, nil)
	fc := &fakeClock{now: 1000}
	h := &harness{}
	q, err := New(Config{
		Self:       self,
		LinkTable:  lt,
		Clock:      fc,
		Encap:      h.encap,
		Emit:       h.emit,
		StartFlood: h.startFlood,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return q, h, lt, fc
}

func TestNewRequiresCollaborators(t *testing.T) {
	lt := routing.NewMemLinkTable(addr(1), nil)
	h := &harness{}
	_, err := New(Config{Self: addr(1), LinkTable: lt, Clock: &fakeClock{}, Encap: h.encap, Emit: h.emit})
	if !errors.Is(err, ErrMissingCollaborator) {
		t.Fatalf("New() error = %v, want ErrMissingCollaborator", err)
	}
}

func TestSendNoRouteDropsAndFloods(t *testing.T) {
	q, h, _, _ := newTestQuerier(t)

	err := q.Send(addr(9), []byte("hello"))
	if !errors.Is(err, ErrNoRoute) {
		t.Fatalf("Send() error = %v, want ErrNoRoute", err)
	}
	if len(h.emitCalls) != 0 {
		t.Fatalf("emit calls = %d, want 0", len(h.emitCalls))
	}
	if len(h.floodCalls) != 1 || h.floodCalls[0] != addr(9) {
		t.Fatalf("flood calls = %+v, want one call for dst 9", h.floodCalls)
	}
}

func TestSendWithRouteEncapsAndEmits(t *testing.T) {
	q, h, lt, _ := newTestQuerier(t)
	lt.UpdateLink(addr(1), addr(9), 1, 0, 5)
	lt.UpdateLink(addr(9), addr(1), 1, 0, 5)

	if err := q.Send(addr(9), []byte("hello")); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if len(h.encapCalls) != 1 {
		t.Fatalf("encap calls = %d, want 1", len(h.encapCalls))
	}
	if len(h.emitCalls) != 1 {
		t.Fatalf("emit calls = %d, want 1", len(h.emitCalls))
	}
	if len(h.floodCalls) != 1 {
		t.Fatalf("flood calls = %+v, want one: a first Send to a new destination always queries", h.floodCalls)
	}
}

func TestSendDampensWithinSwitchWindow(t *testing.T) {
	q, _, lt, fc := newTestQuerier(t)
	lt.UpdateLink(addr(1), addr(9), 1, 0, 5)
	lt.UpdateLink(addr(9), addr(1), 1, 0, 5)

	if err := q.Send(addr(9), []byte("a")); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	// A second, better-looking route appears, but within the switch window
	// the cached route must not be re-evaluated.
	lt.UpdateLink(addr(1), addr(8), 1, 0, 1)
	lt.UpdateLink(addr(8), addr(1), 1, 0, 1)
	lt.UpdateLink(addr(8), addr(9), 1, 0, 1)
	lt.UpdateLink(addr(9), addr(8), 1, 0, 1)

	fc.Advance(1 * time.Second)
	if err := q.Send(addr(9), []byte("b")); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	snap := q.Snapshot()
	if len(snap) != 1 {
		t.Fatalf("snapshot len = %d, want 1", len(snap))
	}
	if !snap[0].Path.Equal(core.Path{addr(1), addr(9)}) {
		t.Fatalf("path = %v, want unchanged direct route to 9", snap[0].Path)
	}
}

func TestSendReEvaluatesAfterSwitchWindowExpires(t *testing.T) {
	q, h, lt, fc := newTestQuerier(t)
	lt.UpdateLink(addr(1), addr(9), 1, 0, 5)
	lt.UpdateLink(addr(9), addr(1), 1, 0, 5)

	if err := q.Send(addr(9), []byte("a")); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	_ = h

	fc.Advance(DefaultTimeBeforeSwitch + time.Second)
	if err := q.Send(addr(9), []byte("b")); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	snap := q.Snapshot()
	if len(snap) != 1 {
		t.Fatalf("snapshot len = %d, want 1", len(snap))
	}
	if snap[0].LastSwitch != fc.Now() {
		t.Fatalf("LastSwitch = %v, want refreshed to current time", snap[0].LastSwitch)
	}
}

func TestSendWithDisableRouteDampeningAlwaysReEvaluates(t *testing.T) {
	self := addr(1)
	lt := routing.NewMemLinkTable(self, nil)
	fc := &fakeClock{now: 1000}
	h := &harness{}
	q, err := New(Config{
		Self:                  self,
		LinkTable:             lt,
		Clock:                 fc,
		Encap:                 h.encap,
		Emit:                  h.emit,
		StartFlood:            h.startFlood,
		DisableRouteDampening: true,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	lt.UpdateLink(addr(1), addr(9), 1, 0, 5)
	lt.UpdateLink(addr(9), addr(1), 1, 0, 5)

	if err := q.Send(addr(9), []byte("a")); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	snap := q.Snapshot()
	firstSwitch := snap[0].LastSwitch

	fc.Advance(time.Millisecond)
	if err := q.Send(addr(9), []byte("b")); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	snap = q.Snapshot()
	if snap[0].LastSwitch == firstSwitch {
		t.Fatalf("LastSwitch did not advance with dampening disabled")
	}
}

func TestSendThrottlesRepeatFloodsWithinQueryWait(t *testing.T) {
	q, h, _, fc := newTestQuerier(t)

	if err := q.Send(addr(9), []byte("a")); !errors.Is(err, ErrNoRoute) {
		t.Fatalf("Send() error = %v, want ErrNoRoute", err)
	}
	fc.Advance(time.Millisecond)
	if err := q.Send(addr(9), []byte("b")); !errors.Is(err, ErrNoRoute) {
		t.Fatalf("Send() error = %v, want ErrNoRoute", err)
	}

	if len(h.floodCalls) != 1 {
		t.Fatalf("flood calls = %d, want 1 (throttled by QueryWait)", len(h.floodCalls))
	}

	fc.Advance(DefaultQueryWait + time.Millisecond)
	if err := q.Send(addr(9), []byte("c")); !errors.Is(err, ErrNoRoute) {
		t.Fatalf("Send() error = %v, want ErrNoRoute", err)
	}
	if len(h.floodCalls) != 2 {
		t.Fatalf("flood calls = %d, want 2 after QueryWait elapsed", len(h.floodCalls))
	}
}

func TestSetRouteInstallsStaticRoute(t *testing.T) {
	q, h, _, _ := newTestQuerier(t)
	q.SetRoute(addr(9), core.Path{addr(5), addr(9)}, 42)

	if err := q.Send(addr(9), []byte("a")); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if len(h.emitCalls) != 1 {
		t.Fatalf("emit calls = %d, want 1", len(h.emitCalls))
	}
	if len(h.encapCalls) != 1 || len(h.encapCalls[0].path) != 2 {
		t.Fatalf("encap call path = %+v, want the static 2-hop path", h.encapCalls)
	}
}

func TestQueryForcesImmediateFlood(t *testing.T) {
	q, h, _, fc := newTestQuerier(t)

	if err := q.Query(addr(9)); err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	fc.Advance(time.Millisecond)
	if err := q.Query(addr(9)); err != nil {
		t.Fatalf("Query() error = %v", err)
	}

	if len(h.floodCalls) != 2 {
		t.Fatalf("flood calls = %d, want 2 (Query bypasses QueryWait)", len(h.floodCalls))
	}
	snap := q.Snapshot()
	if len(snap) != 1 || snap[0].QueryCount != 2 {
		t.Fatalf("snapshot = %+v, want QueryCount 2", snap)
	}
}

func TestResetClearsCache(t *testing.T) {
	q, _, lt, _ := newTestQuerier(t)
	lt.UpdateLink(addr(1), addr(9), 1, 0, 5)
	lt.UpdateLink(addr(9), addr(1), 1, 0, 5)
	if err := q.Send(addr(9), []byte("a")); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if len(q.Snapshot()) != 1 {
		t.Fatalf("snapshot should have one entry before Reset")
	}

	q.Reset()
	if len(q.Snapshot()) != 0 {
		t.Fatalf("snapshot should be empty after Reset")
	}
}
