package validator

import (
	"testing"

	"github.com/srforward/srmesh/core"
	"github.com/srforward/srmesh/core/codec"
)

func addr(n byte) core.NodeAddr { return core.NodeAddr{10, 0, 0, n} }

func validFrame(t *testing.T) ([]byte, *codec.Header) {
	t.Helper()
	h := &codec.Header{
		Type: codec.TypeData,
		Next: 1,
		Seq:  1,
		QDst: addr(3),
		Links: []codec.LinkRecord{
			{Fwd: 10, Rev: 10, Seq: 1},
			{Fwd: 10, Rev: 10, Seq: 1},
		},
		Nodes:   []core.NodeAddr{addr(1), addr(2), addr(3)},
		Payload: []byte("hi"),
	}
	frame, err := codec.EncodeFrame(h, core.LinkAddr{2}, core.LinkAddr{1}, 0x9000)
	if err != nil {
		t.Fatalf("EncodeFrame() error = %v", err)
	}
	return frame, h
}

func TestValidateAcceptsWellFormedFrame(t *testing.T) {
	frame, h := validFrame(t)
	v := New(Config{})

	got, _, _, err := v.Validate(frame, core.LinkAddr{1})
	if err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if got.Next != h.Next || got.NHops != h.NHops {
		t.Errorf("decoded header = %+v, want Next=%d NHops=%d", got, h.Next, h.NHops)
	}
}

func TestValidateRejectsTruncated(t *testing.T) {
	v := New(Config{})
	_, _, _, err := v.Validate(make([]byte, 10), core.LinkAddr{1})
	if err != ErrTruncated {
		t.Errorf("Validate(short) error = %v, want ErrTruncated", err)
	}
	if v.Stats().Drops != 1 {
		t.Errorf("Drops = %d, want 1", v.Stats().Drops)
	}
}

func TestValidateRejectsBadVersion(t *testing.T) {
	frame, _ := validFrame(t)
	frame[codec.EthernetHeaderSize] ^= 0xFF // corrupt version byte

	v := New(Config{})
	_, _, _, err := v.Validate(frame, core.LinkAddr{9})
	if err != ErrBadVersion {
		t.Fatalf("Validate(bad version) error = %v, want ErrBadVersion", err)
	}
	stats := v.Stats()
	if len(stats.BadVersions) != 1 || stats.BadVersions[0].SourceMAC != (core.LinkAddr{9}) {
		t.Errorf("BadVersions = %+v, want one entry for mac {9,...}", stats.BadVersions)
	}
}

func TestValidateRejectsBadChecksum(t *testing.T) {
	frame, h := validFrame(t)
	frame[codec.EthernetHeaderSize+20] ^= 0xFF // corrupt a header byte within tlen

	v := New(Config{})
	_, _, _, err := v.Validate(frame, core.LinkAddr{1})
	if err != ErrBadChecksum {
		t.Fatalf("Validate(corrupt) error = %v, want ErrBadChecksum", err)
	}
	_ = h
}

func TestValidateRejectsBadNextHop(t *testing.T) {
	h := &codec.Header{
		Type:  codec.TypeData,
		Next:  5, // exceeds NHops
		Seq:   1,
		Links: []codec.LinkRecord{{Fwd: 10, Rev: 10}},
		Nodes: []core.NodeAddr{addr(1), addr(2)},
	}
	frame, err := codec.EncodeFrame(h, core.LinkAddr{2}, core.LinkAddr{1}, 0x9000)
	if err != nil {
		t.Fatalf("EncodeFrame() error = %v", err)
	}

	v := New(Config{})
	_, _, _, verr := v.Validate(frame, core.LinkAddr{1})
	if verr != ErrBadNextHop {
		t.Errorf("Validate(bad next hop) error = %v, want ErrBadNextHop", verr)
	}
}

func TestValidateOnlyLogsFirstDropVerbosely(t *testing.T) {
	v := New(Config{})
	for i := 0; i < 3; i++ {
		v.Validate(make([]byte, 10), core.LinkAddr{1})
	}
	if got := v.Stats().Drops; got != 3 {
		t.Errorf("Drops = %d, want 3", got)
	}
}

func TestValidateFeedsDropSink(t *testing.T) {
	var got [][]byte
	v := New(Config{DropSink: func(frame []byte) {
		got = append(got, frame)
	}})

	short := make([]byte, 10)
	if _, _, _, err := v.Validate(short, core.LinkAddr{1}); err != ErrTruncated {
		t.Fatalf("Validate(short) error = %v, want ErrTruncated", err)
	}
	if len(got) != 1 {
		t.Fatalf("DropSink calls = %d, want 1", len(got))
	}
	if len(got[0]) != len(short) {
		t.Errorf("DropSink frame len = %d, want %d", len(got[0]), len(short))
	}
}

func TestResetClearsCounters(t *testing.T) {
	v := New(Config{})
	v.Validate(make([]byte, 10), core.LinkAddr{1})
	v.Reset()
	if got := v.Stats(); got.Drops != 0 || len(got.BadVersions) != 0 {
		t.Errorf("Stats() after Reset() = %+v, want zero value", got)
	}
}
