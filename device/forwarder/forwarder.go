// Package forwarder implements the per-hop data-path processing of an
// established source route: encapsulating an outbound payload into a
// fresh SR header, and advancing an inbound header one hop — harvesting
// link-quality samples along the way — until it reaches its destination.
// This mirrors srforwarder.cc's encap/push pair.
package forwarder

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/srforward/srmesh/core"
	"github.com/srforward/srmesh/core/codec"
	"github.com/srforward/srmesh/routing"
)

// Errors returned by Encap/Push. NotOnPath and the type/ingress-port gate
// failures drop the packet and are returned to the caller; ArpMiss and
// LinkUpdateRejected are only logged and never abort processing.
var (
	ErrNotOnPath    = errors.New("forwarder: self not found on path, or is the terminal hop")
	ErrWrongType    = errors.New("forwarder: header is not a data packet")
	ErrNotForMe     = errors.New("forwarder: unicast frame addressed to a different next hop")
	ErrInvalidPort  = errors.New("forwarder: ingress port must be 0 or 1")
)

// Outcome reports what Push did with an inbound header.
type Outcome int

const (
	// Dropped means the header failed a gate check; it was not forwarded
	// or delivered.
	Dropped Outcome = iota
	// Delivered means this node is the header's terminal destination; the
	// payload should be handed to the upper layer (port 1).
	Delivered
	// Forwarded means the header was advanced one hop and should be
	// transmitted on the wire (port 0).
	Forwarded
)

// Config configures a Forwarder.
type Config struct {
	// Self is this node's logical address.
	Self core.NodeAddr
	// SelfMAC is this node's hardware address, written as the Ethernet
	// source on every frame this forwarder emits.
	SelfMAC core.LinkAddr
	// EtherType tags every Ethernet frame this forwarder builds.
	EtherType uint16

	// LinkTable supplies link-quality samples harvested from headers and
	// the self link sample written into each forwarded header. Required —
	// New returns an error if nil.
	LinkTable routing.LinkTable
	// ArpTable resolves next-hop hardware addresses. Required — New
	// returns an error if nil.
	ArpTable routing.ArpTable

	// Logger for forwarding events. Falls back to slog.Default() if nil.
	Logger *slog.Logger
}

// ErrMissingCollaborator is returned by New when a required collaborator
// is nil: misconfiguration at startup is fatal, per the module's error
// handling design, rather than discovered lazily on the first packet.
var ErrMissingCollaborator = errors.New("forwarder: missing required collaborator")

// Forwarder advances source-routed data packets hop by hop.
type Forwarder struct {
	cfg Config
	log *slog.Logger

	dataCount uint64
	dataBytes uint64

	mu sync.Mutex
}

// New creates a Forwarder. It fails fast if LinkTable, ArpTable or
// EtherType is unset.
func New(cfg Config) (*Forwarder, error) {
	if cfg.LinkTable == nil || cfg.ArpTable == nil {
		return nil, ErrMissingCollaborator
	}
	if cfg.EtherType == 0 {
		return nil, errors.New("forwarder: EtherType not specified")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Forwarder{cfg: cfg, log: logger.WithGroup("forwarder")}, nil
}

// Encap builds a fresh SR header carrying payload along path, as the
// originating node. path must include this node at an index other than
// the last (ErrNotOnPath otherwise). The next hop's hardware address is
// resolved via ArpTable; a miss logs a warning and falls back to the
// broadcast sentinel rather than failing the call. The header's QDst is
// left at its zero value: it names a discovery query's destination and
// ordinary data packets never carry one.
func (f *Forwarder) Encap(payload []byte, path core.Path, flags uint8) ([]byte, error) {
	idx := path.IndexOf(f.cfg.Self)
	if idx < 0 || idx >= len(path)-1 {
		return nil, ErrNotOnPath
	}
	next := idx + 1

	ethDst := f.cfg.ArpTable.Lookup(path[next])
	if ethDst.IsBroadcast() {
		f.log.Warn("arp lookup failed in encap", "next_hop", path[next].String())
	}

	h := &codec.Header{
		Type:    codec.TypeData,
		Next:    uint8(next),
		Flags:   flags,
		Links:   make([]codec.LinkRecord, len(path)-1),
		Nodes:   path.Clone(),
		Payload: append([]byte(nil), payload...),
	}

	frame, err := codec.EncodeFrame(h, ethDst, f.cfg.SelfMAC, f.cfg.EtherType)
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	f.dataCount++
	f.dataBytes += uint64(len(payload))
	f.mu.Unlock()

	return frame, nil
}

// Push advances an inbound, already-validated data header one hop: it
// harvests every link sample the header carries, snoops the previous hop's
// hardware address, overwrites this hop's link record with a fresh
// self-sample, and either delivers the header upward (terminal) or
// advances Next and re-addresses it for the wire.
//
// inEthDst is the Ethernet destination the frame actually arrived with. A
// frame not addressed to this hop is always dropped, but it is logged only
// when inEthDst was not the broadcast sentinel — an ARP miss upstream can
// legitimately fall back to broadcasting an otherwise-unicast frame, and
// that case must not be logged as an error on every intermediate hop.
//
// h is consumed: Push mutates it in place and the returned header (on
// Forwarded) is the same value, re-encoded.
func (f *Forwarder) Push(h *codec.Header, ethSrc core.LinkAddr, inEthDst core.LinkAddr, ingressPort int) (Outcome, []byte, core.NodeAddr, error) {
	if ingressPort != 0 && ingressPort != 1 {
		return Dropped, nil, core.NodeAddr{}, ErrInvalidPort
	}
	if h.Type&codec.TypeData == 0 {
		f.log.Debug("dropping non-data header in forwarder", "type", h.Type)
		return Dropped, nil, core.NodeAddr{}, ErrWrongType
	}

	if ingressPort == 0 {
		nextNode := h.Nodes[h.Next]
		if nextNode != f.cfg.Self {
			if !inEthDst.IsBroadcast() {
				f.log.Debug("data not addressed to this node", "next_node", nextNode.String())
			}
			return Dropped, nil, core.NodeAddr{}, ErrNotForMe
		}
	}

	f.harvestLinkSamples(h)

	// A correctly constructed header always reaches Push with Next >= 1:
	// Encap only ever addresses a node other than the origin as the first
	// next hop.
	prev := h.Nodes[h.Next-1]
	f.cfg.ArpTable.Insert(prev, ethSrc)

	fwd := f.linkMetric(prev, f.cfg.Self)
	rev := f.linkMetric(f.cfg.Self, prev)
	seq := f.linkSeq(f.cfg.Self, prev)
	age := f.linkAge(f.cfg.Self, prev)
	h.Links[h.Next-1] = codec.LinkRecord{Fwd: fwd, Rev: rev, Seq: seq, Age: age}

	// Next (as received) already equals nhops exactly when this node is
	// the path's terminal slot: the ingress-port-0 gate above required
	// Nodes[Next] == self, and slot nhops holds the terminal destination.
	// Checking this before advancing Next (rather than after, the way a
	// naive transcription of "increment, then compare" would read) is what
	// keeps a direct one-hop path from walking Next past the end of Nodes.
	// nhops is derived from len(Nodes) rather than read from h.NHops, the
	// same way WriteTo recomputes it fresh on encode: a header built
	// in-process (not yet round-tripped through the wire) never needs its
	// NHops field populated for Push to reason about it correctly.
	nhops := len(h.Nodes) - 1
	if int(h.Next) == nhops {
		gateway := h.Nodes[0]
		f.mu.Lock()
		f.dataCount++
		f.dataBytes += uint64(len(h.Payload))
		f.mu.Unlock()
		return Delivered, nil, gateway, nil
	}

	h.Next++

	nextNode := h.Nodes[h.Next]
	ethDst := f.cfg.ArpTable.Lookup(nextNode)
	if ethDst.IsBroadcast() {
		f.log.Warn("arp lookup failed forwarding", "next_hop", nextNode.String())
	}

	frame, err := codec.EncodeFrame(h, ethDst, f.cfg.SelfMAC, f.cfg.EtherType)
	if err != nil {
		return Dropped, nil, core.NodeAddr{}, err
	}

	f.mu.Lock()
	f.dataCount++
	f.dataBytes += uint64(len(h.Payload))
	f.mu.Unlock()

	return Forwarded, frame, core.NodeAddr{}, nil
}

// harvestLinkSamples applies every link-quality observation an inbound
// header carries: the header's random sample, and each per-hop link
// record's forward and reverse metrics.
func (f *Forwarder) harvestLinkSamples(h *codec.Header) {
	r := h.Random
	if !r.From.IsZero() && !r.To.IsZero() {
		if r.Fwd.IsValid() {
			f.updateLink(r.From, r.To, r.Seq, r.Age, r.Fwd)
		}
		if r.Rev.IsValid() {
			f.updateLink(r.To, r.From, r.Seq, r.Age, r.Rev)
		}
	}

	for i, l := range h.Links {
		a := h.Nodes[i]
		b := h.Nodes[i+1]
		if l.Fwd.IsValid() {
			f.updateLink(a, b, l.Seq, l.Age, l.Fwd)
		}
		if l.Rev.IsValid() {
			f.updateLink(b, a, l.Seq, l.Age, l.Rev)
		}
	}
}

func (f *Forwarder) updateLink(from, to core.NodeAddr, seq, age uint32, metric core.Metric) {
	if f.cfg.LinkTable == nil {
		return
	}
	if !f.cfg.LinkTable.UpdateLink(from, to, seq, age, metric) {
		f.log.Warn("link update rejected", "from", from.String(), "to", to.String(), "metric", uint32(metric))
	}
}

func (f *Forwarder) linkMetric(a, b core.NodeAddr) core.Metric {
	if f.cfg.LinkTable == nil {
		return 0
	}
	return f.cfg.LinkTable.GetLinkMetric(a, b)
}

func (f *Forwarder) linkSeq(a, b core.NodeAddr) uint32 {
	if f.cfg.LinkTable == nil {
		return 0
	}
	return f.cfg.LinkTable.GetLinkSeq(a, b)
}

func (f *Forwarder) linkAge(a, b core.NodeAddr) uint32 {
	if f.cfg.LinkTable == nil {
		return 0
	}
	return f.cfg.LinkTable.GetLinkAge(a, b)
}

// Stats returns the running count of data packets and bytes this forwarder
// has processed (encapsulated, delivered, or forwarded), for the control
// surface.
func (f *Forwarder) Stats() (packets, bytes uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dataCount, f.dataBytes
}
