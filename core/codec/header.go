// Package codec implements the source-route header wire format: a fixed
// prefix, a per-hop link-quality record array, a node array, and (for data
// packets) a payload, all in network byte order. This mirrors the layout
// checksrheader.cc/srforwarder.cc operate on, translated to a single Header
// struct with explicit ReadFrom/WriteTo methods rather than in-place
// bitfield access over a packed C struct.
package codec

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/srforward/srmesh/core"
)

// Version is the only source-route header version this codec understands.
const Version uint8 = 1

// Type bits. TypeData marks a packet whose header is followed by a payload
// region of DataLen bytes. Both unicast data and route-discovery queries
// set it; a header without the bit carries no payload on the wire.
const (
	TypeData uint8 = 0x01
)

// Flag bits carried in the header's flags byte.
const (
	FlagNone uint8 = 0x00
)

// fixedHeaderSize is the length, in bytes, of the header up to and including
// the random link sample, before the per-hop link records and node array.
const fixedHeaderSize = 46

// perLinkBytes is the per-hop cost charged by hlenWoData: one 16-byte link
// record plus one 4-byte node slot. The trailing node slot (the path's final
// destination, which has no record of its own) is folded into fixedCost
// below so the arithmetic matches the invariant in the data model directly:
// hlen_wo_data = fixedCost + nhops*perLinkBytes.
const (
	linkRecordBytes = 16
	nodeAddrBytes   = 4
	perLinkBytes    = linkRecordBytes + nodeAddrBytes
	fixedCost       = fixedHeaderSize + nodeAddrBytes
)

// MinHeaderSize is the smallest possible SR header: the fixed prefix plus
// a single node slot (a zero-hop header with no link records and no
// payload).
const MinHeaderSize = fixedCost

var (
	// ErrTruncated is returned when a frame is shorter than the minimum
	// possible header.
	ErrTruncated = errors.New("codec: frame truncated")
	// ErrBadNHops is returned when nhops implies a header longer than the
	// supplied frame, or on encode when Links does not hold exactly
	// len(Nodes)-1 records.
	ErrBadNHops = errors.New("codec: hop count inconsistent with frame length")
	// ErrEmptyHeader is returned by WriteTo when Nodes has no entries.
	ErrEmptyHeader = errors.New("codec: header has no nodes")
)

// LinkRecord is one hop's link-quality sample as carried in the wire
// header's link array: the node addresses themselves live in the parallel
// Nodes array, indexed the same way.
type LinkRecord struct {
	Fwd core.Metric
	Rev core.Metric
	Seq uint32
	Age uint32
}

// Header is the decoded form of a source-route header. NHops equals
// len(Links) and len(Nodes)-1; Nodes[0] is the packet's origin and
// Nodes[NHops] is its final destination.
type Header struct {
	Type    uint8
	NHops   uint8
	Next    uint8
	Flags   uint8
	DataLen uint16
	DataSeq uint32
	Seq     uint32
	QDst    core.NodeAddr
	Random  core.LinkSample
	Links   []LinkRecord
	Nodes   []core.NodeAddr
	Payload []byte
}

// HlenWoData returns the header length, excluding payload, implied by NHops.
func (h *Header) HlenWoData() int {
	return fixedCost + int(h.NHops)*perLinkBytes
}

// HlenWithData returns the total header+payload length implied by NHops and
// DataLen.
func (h *Header) HlenWithData() int {
	return h.HlenWoData() + int(h.DataLen)
}

// Tlen returns the total length this header claims to occupy: HlenWithData
// when the TypeData bit is set, HlenWoData otherwise. This is the quantity
// checksrheader.cc calls tlen and validates against the physical frame
// length before trusting anything past the fixed prefix.
func (h *Header) Tlen() int {
	if h.Type&TypeData != 0 {
		return h.HlenWithData()
	}
	return h.HlenWoData()
}

// Path returns the header's node array as a core.Path.
func (h *Header) Path() core.Path {
	return core.Path(h.Nodes)
}

// Origin returns Nodes[0].
func (h *Header) Origin() core.NodeAddr {
	if len(h.Nodes) == 0 {
		return core.NodeAddr{}
	}
	return h.Nodes[0]
}

// Destination returns the final entry in Nodes.
func (h *Header) Destination() core.NodeAddr {
	if len(h.Nodes) == 0 {
		return core.NodeAddr{}
	}
	return h.Nodes[len(h.Nodes)-1]
}

// Clone returns a deep copy of h.
func (h *Header) Clone() *Header {
	clone := *h
	if h.Links != nil {
		clone.Links = append([]LinkRecord(nil), h.Links...)
	}
	if h.Nodes != nil {
		clone.Nodes = append([]core.NodeAddr(nil), h.Nodes...)
	}
	if h.Payload != nil {
		clone.Payload = append([]byte(nil), h.Payload...)
	}
	return &clone
}

// WriteTo serializes h, including its payload, ignoring the checksum field
// (callers compute and patch the checksum over the returned bytes
// afterward via InternetChecksum).
func (h *Header) WriteTo() ([]byte, error) {
	if len(h.Nodes) == 0 {
		return nil, ErrEmptyHeader
	}
	nhops := len(h.Nodes) - 1
	if len(h.Links) != nhops {
		return nil, fmt.Errorf("%w: %d links for %d hops", ErrBadNHops, len(h.Links), nhops)
	}

	h.NHops = uint8(nhops)

	// DataLen always tracks the actual payload this header carries: for a
	// non-data (route-discovery) header it's forced to zero regardless of
	// what the caller left in h.Payload, since such a header has no payload
	// region on the wire.
	if h.Type&TypeData != 0 {
		h.DataLen = uint16(len(h.Payload))
	} else {
		h.DataLen = 0
		h.Payload = nil
	}

	buf := make([]byte, fixedHeaderSize+nhops*linkRecordBytes+len(h.Nodes)*nodeAddrBytes+len(h.Payload))

	buf[0] = Version
	buf[1] = h.Type
	buf[2] = uint8(nhops)
	buf[3] = h.Next
	buf[4] = h.Flags
	buf[5] = 0 // reserved
	binary.BigEndian.PutUint16(buf[6:8], 0)
	binary.BigEndian.PutUint16(buf[8:10], h.DataLen)
	binary.BigEndian.PutUint32(buf[10:14], h.DataSeq)
	binary.BigEndian.PutUint32(buf[14:18], h.Seq)
	binary.BigEndian.PutUint32(buf[18:22], h.QDst.Uint32())
	copy(buf[22:26], h.Random.From[:])
	copy(buf[26:30], h.Random.To[:])
	binary.BigEndian.PutUint32(buf[30:34], uint32(h.Random.Fwd))
	binary.BigEndian.PutUint32(buf[34:38], uint32(h.Random.Rev))
	binary.BigEndian.PutUint32(buf[38:42], h.Random.Seq)
	binary.BigEndian.PutUint32(buf[42:46], h.Random.Age)

	off := fixedHeaderSize
	for _, l := range h.Links {
		binary.BigEndian.PutUint32(buf[off:off+4], uint32(l.Fwd))
		binary.BigEndian.PutUint32(buf[off+4:off+8], uint32(l.Rev))
		binary.BigEndian.PutUint32(buf[off+8:off+12], l.Seq)
		binary.BigEndian.PutUint32(buf[off+12:off+16], l.Age)
		off += linkRecordBytes
	}

	for _, n := range h.Nodes {
		copy(buf[off:off+nodeAddrBytes], n[:])
		off += nodeAddrBytes
	}

	copy(buf[off:], h.Payload)
	return buf, nil
}

// ReadFrom decodes a Header from the start of data; the header occupies the
// first Tlen() bytes of data. It does not verify the checksum or
// reject truncated/oversized frames beyond what's needed to safely slice the
// buffer; that validation belongs to the device/validator package.
func ReadFrom(data []byte) (*Header, error) {
	if len(data) < fixedHeaderSize {
		return nil, ErrTruncated
	}

	h := &Header{
		Type:    data[1],
		NHops:   data[2],
		Next:    data[3],
		Flags:   data[4],
		DataLen: binary.BigEndian.Uint16(data[8:10]),
		DataSeq: binary.BigEndian.Uint32(data[10:14]),
		Seq:     binary.BigEndian.Uint32(data[14:18]),
		QDst:    core.NodeAddrFromUint32(binary.BigEndian.Uint32(data[18:22])),
	}
	copy(h.Random.From[:], data[22:26])
	copy(h.Random.To[:], data[26:30])
	h.Random.Fwd = core.Metric(binary.BigEndian.Uint32(data[30:34]))
	h.Random.Rev = core.Metric(binary.BigEndian.Uint32(data[34:38]))
	h.Random.Seq = binary.BigEndian.Uint32(data[38:42])
	h.Random.Age = binary.BigEndian.Uint32(data[42:46])

	nhops := int(h.NHops)
	hlenWoData := fixedCost + nhops*perLinkBytes
	if len(data) < hlenWoData {
		return nil, ErrBadNHops
	}

	off := fixedHeaderSize
	h.Links = make([]LinkRecord, nhops)
	for i := 0; i < nhops; i++ {
		h.Links[i] = LinkRecord{
			Fwd: core.Metric(binary.BigEndian.Uint32(data[off : off+4])),
			Rev: core.Metric(binary.BigEndian.Uint32(data[off+4 : off+8])),
			Seq: binary.BigEndian.Uint32(data[off+8 : off+12]),
			Age: binary.BigEndian.Uint32(data[off+12 : off+16]),
		}
		off += linkRecordBytes
	}

	h.Nodes = make([]core.NodeAddr, nhops+1)
	for i := 0; i <= nhops; i++ {
		copy(h.Nodes[i][:], data[off:off+nodeAddrBytes])
		off += nodeAddrBytes
	}

	tlen := hlenWoData
	if h.Type&TypeData != 0 {
		tlen += int(h.DataLen)
		if len(data) < tlen {
			return nil, ErrTruncated
		}
		h.Payload = append([]byte(nil), data[off:off+int(h.DataLen)]...)
	}

	return h, nil
}

// Checksum returns the value the header's cksum field (at byte offset 6)
// should hold: InternetChecksum computed over the first Tlen() bytes of the
// serialized header with the checksum field zeroed, exactly as
// checksrheader.cc expects.
func Checksum(data []byte, tlen int) uint16 {
	return InternetChecksum(data[:tlen])
}
