package flood

import (
	"context"
	"testing"
	"time"

	"github.com/srforward/srmesh/core"
	"github.com/srforward/srmesh/core/clock"
	"github.com/srforward/srmesh/core/codec"
	"github.com/srforward/srmesh/routing"
)

// TestSchedulerFiresRebroadcastWithinWindow drives a real clock and a real
// ticker to confirm the scheduler actually forwards a queued query within
// its jittered deadline, rather than only exercising checkTimers directly.
// Unlike the other tests in this package, this one needs wall-clock time to
// actually elapse for the ticker to observe a crossed deadline, so it builds
// its own Flood with a real clock instead of using newTestFlood's fake one.
func TestSchedulerFiresRebroadcastWithinWindow(t *testing.T) {
	self := addr(2)
	lt := routing.NewMemLinkTable(self, nil)
	rec := &emitRecorder{}
	f, err := New(Config{
		Self:      self,
		SelfMAC:   mac(1),
		EtherType: testEtherType,
		LinkTable: lt,
		Clock:     clock.New(),
		RNG:       fixedRNG{v: 5}, // 5ms jitter
		Emit:      rec.emit,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	lt.UpdateLink(addr(2), addr(1), 1, 0, 9)

	h := inboundQuery(addr(1), addr(9), 1)
	frame, _ := codec.EncodeFrame(h, core.BroadcastLinkAddr, mac(9), testEtherType)
	if _, err := f.Process(frame, h, mac(9), testEtherType); err != nil {
		t.Fatalf("Process() error = %v", err)
	}

	sched := NewScheduler(f, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sched.Start(ctx)
	defer sched.Stop()

	deadline := time.After(2 * time.Second)
	for {
		snap := f.Snapshot()
		if len(snap) == 1 && snap[0].Forwarded {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("rebroadcast did not fire within 2s; snapshot = %+v", snap)
		case <-time.After(10 * time.Millisecond):
		}
	}

	calls := rec.snapshot()
	if len(calls) != 2 || calls[1].port != 0 {
		t.Fatalf("emit calls = %+v, want a second call on port 0", calls)
	}
}

func TestSchedulerStopEndsLoop(t *testing.T) {
	f, _, _, _ := newTestFlood(t, addr(2), 1)
	sched := NewScheduler(f, nil)

	done := make(chan struct{})
	go func() {
		sched.Start(context.Background())
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	sched.Stop()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Start() did not return after Stop()")
	}
}
