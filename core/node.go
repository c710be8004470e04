// Package core defines the wire-independent data model shared by every
// component of the source-routed data plane: node and link addressing, link
// quality metrics, and the ETT timing model.
package core

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
)

// NodeAddr is an opaque 32-bit, IPv4-shaped mesh node identifier.
// The zero value is the "invalid" sentinel.
type NodeAddr [4]byte

// IsZero reports whether a is the invalid sentinel.
func (a NodeAddr) IsZero() bool {
	return a == NodeAddr{}
}

// String returns the dotted-quad representation of a.
func (a NodeAddr) String() string {
	return net.IP(a[:]).String()
}

// Uint32 returns the node address as a big-endian unsigned integer, the form
// carried on the wire.
func (a NodeAddr) Uint32() uint32 {
	return binary.BigEndian.Uint32(a[:])
}

// NodeAddrFromUint32 builds a NodeAddr from its big-endian wire form.
func NodeAddrFromUint32(v uint32) NodeAddr {
	var a NodeAddr
	binary.BigEndian.PutUint32(a[:], v)
	return a
}

// ParseNodeAddr parses a dotted-quad string into a NodeAddr.
func ParseNodeAddr(s string) (NodeAddr, error) {
	ip := net.ParseIP(s)
	if ip == nil {
		return NodeAddr{}, fmt.Errorf("invalid node address %q", s)
	}
	v4 := ip.To4()
	if v4 == nil {
		return NodeAddr{}, fmt.Errorf("node address %q is not IPv4", s)
	}
	var a NodeAddr
	copy(a[:], v4)
	return a, nil
}

// LinkAddr is a 6-byte hardware (Ethernet-style) address.
type LinkAddr [6]byte

// BroadcastLinkAddr is the all-0xFF broadcast sentinel.
var BroadcastLinkAddr = LinkAddr{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}

// IsBroadcast reports whether a is the broadcast sentinel.
func (a LinkAddr) IsBroadcast() bool {
	return a == BroadcastLinkAddr
}

// String returns the colon-separated hex representation of a.
func (a LinkAddr) String() string {
	return net.HardwareAddr(a[:]).String()
}

// Metric is a link-quality sample. Zero means "unknown/invalid": it must
// never be forwarded into a LinkTable update and never overrides a cached
// route metric.
type Metric uint32

// IsValid reports whether m carries a real observation.
func (m Metric) IsValid() bool {
	return m != 0
}

// LinkSample is one hop's worth of observed link quality, as embedded in an
// SR header's link record.
type LinkSample struct {
	From NodeAddr
	To   NodeAddr
	Fwd  Metric
	Rev  Metric
	Seq  uint32
	Age  uint32
}

// Path is an ordered sequence of nodes; Path[0] is the origin and
// Path[len-1] is the destination. Adjacent entries are directly reachable
// links.
type Path []NodeAddr

// ErrEmptyPath is returned by operations that require at least one node.
var ErrEmptyPath = errors.New("path is empty")

// IndexOf returns the index of addr in p, or -1 if absent.
func (p Path) IndexOf(addr NodeAddr) int {
	for i, n := range p {
		if n == addr {
			return i
		}
	}
	return -1
}

// Equal reports whether p and other contain the same nodes in the same order.
func (p Path) Equal(other Path) bool {
	if len(p) != len(other) {
		return false
	}
	for i := range p {
		if p[i] != other[i] {
			return false
		}
	}
	return true
}

// Clone returns an independent copy of p.
func (p Path) Clone() Path {
	if len(p) == 0 {
		return nil
	}
	out := make(Path, len(p))
	copy(out, p)
	return out
}

// Valid reports whether p has at least one node (the minimum length invariant
// from the data model: "length >= 1").
func (p Path) Valid() bool {
	return len(p) > 0
}

// String renders the path as "a -> b -> c" for logs and control-surface dumps.
func (p Path) String() string {
	if len(p) == 0 {
		return "[]"
	}
	s := p[0].String()
	for _, n := range p[1:] {
		s += " -> " + n.String()
	}
	return s
}
