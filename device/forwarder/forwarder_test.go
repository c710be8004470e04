package forwarder

import (
	"testing"

	"github.com/srforward/srmesh/core"
	"github.com/srforward/srmesh/core/codec"
	"github.com/srforward/srmesh/routing"
)

func addr(n byte) core.NodeAddr { return core.NodeAddr{10, 0, 0, n} }
func mac(n byte) core.LinkAddr  { return core.LinkAddr{n, n, n, n, n, n} }

func newTestForwarder(t *testing.T, self core.NodeAddr) (*Forwarder, routing.LinkTable, routing.ArpTable) {
	t.Helper()
	lt := routing.NewMemLinkTable(self, nil)
	at := routing.NewMemArpTable(0, nil)
	f, err := New(Config{
		Self:      self,
		SelfMAC:   mac(1),
		EtherType: 0x9000,
		LinkTable: lt,
		ArpTable:  at,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return f, lt, at
}

func TestNewRequiresArpTable(t *testing.T) {
	_, err := New(Config{EtherType: 1})
	if err != ErrMissingCollaborator {
		t.Errorf("New() without ArpTable error = %v, want ErrMissingCollaborator", err)
	}
}

func TestEncapRejectsSelfNotOnPath(t *testing.T) {
	f, _, _ := newTestForwarder(t, addr(2))
	path := core.Path{addr(9), addr(8), addr(7)}
	if _, err := f.Encap([]byte("x"), path, 0); err != ErrNotOnPath {
		t.Errorf("Encap() error = %v, want ErrNotOnPath", err)
	}
}

func TestEncapRejectsSelfAsTerminal(t *testing.T) {
	f, _, _ := newTestForwarder(t, addr(3))
	path := core.Path{addr(1), addr(2), addr(3)}
	if _, err := f.Encap([]byte("x"), path, 0); err != ErrNotOnPath {
		t.Errorf("Encap() with self as terminal error = %v, want ErrNotOnPath", err)
	}
}

func TestEncapProducesDecodableFrame(t *testing.T) {
	f, _, at := newTestForwarder(t, addr(1))
	at.Insert(addr(2), mac(2))
	path := core.Path{addr(1), addr(2), addr(3)}

	frame, err := f.Encap([]byte("payload"), path, 0)
	if err != nil {
		t.Fatalf("Encap() error = %v", err)
	}

	ethDst, ethSrc, _, h, err := codec.Decode(frame)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if ethDst != mac(2) || ethSrc != mac(1) {
		t.Errorf("ethernet addrs = %v/%v, want %v/%v", ethDst, ethSrc, mac(2), mac(1))
	}
	if h.Next != 1 {
		t.Errorf("Next = %d, want 1", h.Next)
	}
	if !h.Path().Equal(path) {
		t.Errorf("Path() = %v, want %v", h.Path(), path)
	}
	if !h.QDst.IsZero() {
		t.Errorf("QDst = %v, want zero value for a plain unicast data packet", h.QDst)
	}
}

func TestPushForwardsMiddleHop(t *testing.T) {
	self := addr(2)
	f, lt, at := newTestForwarder(t, self)
	// Pre-existing link samples at a higher seq than the inbound packet's
	// own link record, so harvesting that record doesn't clobber them
	// before the self-link-sample read happens.
	lt.UpdateLink(addr(1), self, 100, 0, 50)
	lt.UpdateLink(self, addr(1), 100, 0, 60)
	at.Insert(addr(3), mac(3))

	h := &codec.Header{
		Type:  codec.TypeData,
		Next:  1,
		Seq:   7,
		Links: []codec.LinkRecord{{Fwd: 10, Rev: 10, Seq: 1}, {Fwd: 10, Rev: 10, Seq: 1}},
		Nodes: []core.NodeAddr{addr(1), addr(2), addr(3)},
		Payload: []byte("hello"),
	}

	outcome, frame, _, err := f.Push(h, mac(9), mac(2), 0)
	if err != nil {
		t.Fatalf("Push() error = %v", err)
	}
	if outcome != Forwarded {
		t.Fatalf("outcome = %v, want Forwarded", outcome)
	}

	ethDst, _, _, decoded, err := codec.Decode(frame)
	if err != nil {
		t.Fatalf("Decode(forwarded frame) error = %v", err)
	}
	if decoded.Next != 2 {
		t.Errorf("Next = %d, want 2", decoded.Next)
	}
	if ethDst != mac(3) {
		t.Errorf("ethernet dst = %v, want %v", ethDst, mac(3))
	}
	if decoded.Links[0].Fwd != 50 || decoded.Links[0].Rev != 60 {
		t.Errorf("Links[0] = %+v, want Fwd=50 Rev=60 (self link sample)", decoded.Links[0])
	}
	if got := at.Lookup(addr(1)); got != mac(9) {
		t.Errorf("arp snoop: Lookup(prev) = %v, want %v", got, mac(9))
	}
}

func TestPushDeliversTerminalHop(t *testing.T) {
	self := addr(2)
	f, _, _ := newTestForwarder(t, self)

	h := &codec.Header{
		Type:  codec.TypeData,
		Next:  1,
		Links: []codec.LinkRecord{{Fwd: 10, Rev: 10}},
		Nodes: []core.NodeAddr{addr(1), addr(2)},
		Payload: []byte("hello"),
	}

	outcome, _, gateway, err := f.Push(h, mac(9), mac(2), 0)
	if err != nil {
		t.Fatalf("Push() error = %v", err)
	}
	if outcome != Delivered {
		t.Fatalf("outcome = %v, want Delivered", outcome)
	}
	if gateway != addr(1) {
		t.Errorf("gateway = %v, want %v", gateway, addr(1))
	}
}

func TestPushDropsWrongType(t *testing.T) {
	f, _, _ := newTestForwarder(t, addr(2))
	h := &codec.Header{
		Type:  0,
		Next:  1,
		Links: []codec.LinkRecord{{Fwd: 1, Rev: 1}},
		Nodes: []core.NodeAddr{addr(1), addr(2)},
	}
	outcome, _, _, err := f.Push(h, mac(9), mac(2), 0)
	if err != ErrWrongType || outcome != Dropped {
		t.Errorf("Push(non-data) = (%v, %v), want (Dropped, ErrWrongType)", outcome, err)
	}
}

func TestPushDropsUnicastNotForMe(t *testing.T) {
	f, _, _ := newTestForwarder(t, addr(5)) // not node 2
	h := &codec.Header{
		Type:  codec.TypeData,
		Next:  1,
		Links: []codec.LinkRecord{{Fwd: 1, Rev: 1}, {Fwd: 1, Rev: 1}},
		Nodes: []core.NodeAddr{addr(1), addr(2), addr(3)},
	}
	outcome, _, _, err := f.Push(h, mac(9), mac(2), 0)
	if err != ErrNotForMe || outcome != Dropped {
		t.Errorf("Push(not for me) = (%v, %v), want (Dropped, ErrNotForMe)", outcome, err)
	}
}

// TestPushDropsUnicastNotForMeBroadcastFallback exercises the ARP-miss
// fallback path: a unicast data frame sent to the broadcast Ethernet
// destination because the next hop's hardware address wasn't yet known.
// It must still be dropped with ErrNotForMe at a hop it wasn't addressed
// to — Push just mustn't log it as an error case.
func TestPushDropsUnicastNotForMeBroadcastFallback(t *testing.T) {
	f, _, _ := newTestForwarder(t, addr(5)) // not node 2
	h := &codec.Header{
		Type:  codec.TypeData,
		Next:  1,
		Links: []codec.LinkRecord{{Fwd: 1, Rev: 1}, {Fwd: 1, Rev: 1}},
		Nodes: []core.NodeAddr{addr(1), addr(2), addr(3)},
	}
	outcome, _, _, err := f.Push(h, mac(9), core.BroadcastLinkAddr, 0)
	if err != ErrNotForMe || outcome != Dropped {
		t.Errorf("Push(not for me, broadcast) = (%v, %v), want (Dropped, ErrNotForMe)", outcome, err)
	}
}

func TestPushHarvestsLinkSamples(t *testing.T) {
	self := addr(2)
	f, lt, _ := newTestForwarder(t, self)

	h := &codec.Header{
		Type: codec.TypeData,
		Next: 1,
		Links: []codec.LinkRecord{
			{Fwd: 111, Rev: 222, Seq: 5, Age: 1},
		},
		Nodes:   []core.NodeAddr{addr(1), addr(2)},
		Payload: []byte("x"),
	}

	if _, _, _, err := f.Push(h, mac(9), mac(2), 0); err != nil {
		t.Fatalf("Push() error = %v", err)
	}

	if got := lt.GetLinkMetric(addr(1), addr(2)); got != 111 {
		t.Errorf("forward metric harvested = %d, want 111", got)
	}
	if got := lt.GetLinkMetric(addr(2), addr(1)); got != 222 {
		t.Errorf("reverse metric harvested = %d, want 222", got)
	}
}
