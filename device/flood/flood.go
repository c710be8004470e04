// Package flood implements the expanding-broadcast route-discovery engine:
// origin-side query construction, receive-side deduplication and metric
// harvesting, and the jittered rebroadcast of queries not yet addressed to
// this node. This mirrors original_source/elements/wifi/sr/metricflood.cc's
// start_flood/process_flood pair, restructured as two named operations
// (StartFlood, Process) rather than the source element's port-number
// dispatch (push(0, ...) for in-flight queries, push(1, ...) for local
// origination) — a convention that happens to run opposite to the
// forwarder's, and is easy to get backwards when copied verbatim.
package flood

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/srforward/srmesh/core"
	"github.com/srforward/srmesh/core/clock"
	"github.com/srforward/srmesh/core/codec"
	"github.com/srforward/srmesh/routing"
)

// SeenCapacity bounds the dedup arena: the oldest record is evicted once
// this many distinct (src, seq) pairs are outstanding.
const SeenCapacity = 100

// MinJitterMs and MaxJitterMs bound the uniform rebroadcast delay, in
// milliseconds, drawn for every newly seen query not addressed to this node.
const (
	MinJitterMs = 1.0
	MaxJitterMs = 1750.0
)

// Errors returned by Process. A failing check drops the frame; none of
// these abort the flood engine itself.
var (
	ErrBadEtherType = errors.New("flood: ether_type mismatch")
	ErrFromSelf     = errors.New("flood: frame echoed from this node's own broadcast")
	ErrWrongType    = errors.New("flood: header is not a data packet")
	ErrNoNodes      = errors.New("flood: header has no node slots")
)

// ErrMissingCollaborator is returned by New when a required collaborator is
// absent: LinkTable, Clock, RNG, and Emit are all required. ArpTable is
// optional, matching the source element's "snoop if configured" behavior.
var ErrMissingCollaborator = errors.New("flood: missing required collaborator")

// Outcome reports what Process did with an inbound query frame.
type Outcome int

const (
	// Dropped means a gate check failed; the frame was not tracked.
	Dropped Outcome = iota
	// Duplicate means (src, seq) was already in the Seen arena; only the
	// record's count was incremented.
	Duplicate
	// DeliveredSelf means this node is the query's destination: delivered
	// upward immediately, no rebroadcast scheduled.
	DeliveredSelf
	// Queued means a new record was created, delivered upward, and armed
	// with a jittered rebroadcast timer.
	Queued
)

// Seen is one dedup-arena record: the state a flood query needs between
// first receipt and (if not addressed here) its single jittered
// rebroadcast. The pending payload is owned by the record. The scheduler
// collects due records by pointer under the engine's lock, so a record that
// FIFO eviction drops from the arena stays valid for a rebroadcast already
// in progress.
type Seen struct {
	Src, Dst core.NodeAddr
	Seq      uint32
	Count    int
	Forwarded bool
	When     clock.Timestamp
	ToSend   clock.Timestamp

	pendingPayload []byte
	pendingFlags   uint8
}

type seenKey struct {
	Src core.NodeAddr
	Seq uint32
}

// Config configures a Flood engine.
type Config struct {
	// Self is this node's logical address.
	Self core.NodeAddr
	// SelfMAC is this node's hardware address: the Ethernet source on every
	// frame this engine emits, and used to recognize (and drop) a frame
	// this node broadcast itself.
	SelfMAC core.LinkAddr
	// EtherType tags every Ethernet frame this engine builds, and is the
	// value an inbound frame's ether_type must match.
	EtherType uint16

	// LinkTable supplies harvested link samples and the shortest-path
	// recomputation a pending query's rebroadcast is built from. Required.
	LinkTable routing.LinkTable
	// ArpTable snoops the immediate sender's hardware address for each
	// newly observed neighbor. Optional — nil disables snooping.
	ArpTable routing.ArpTable
	// Clock is the monotonic time source for Seen.When/ToSend. Required.
	Clock clock.Clock
	// RNG draws the rebroadcast jitter delay. Required.
	RNG routing.RNG

	// Emit transmits a frame on a logical port: 0 is the wire (broadcast
	// rebroadcast), 1 is upward to the local query/route resolver. Required.
	Emit func(port int, frame []byte) error

	// Logger for flood events. Falls back to slog.Default() if nil.
	Logger *slog.Logger
}

// Flood is the route-discovery broadcast engine for one node.
type Flood struct {
	cfg Config
	log *slog.Logger

	mu    sync.Mutex
	seq   uint32
	order []seenKey
	byKey map[seenKey]*Seen

	neighbors     map[core.NodeAddr]struct{}
	neighborOrder []core.NodeAddr
}

// New creates a Flood engine. The sequence counter seeds from Clock.Now(),
// matching the source element's _seq = Timestamp::now().usec() so two nodes
// started at different times don't collide on low sequence numbers.
func New(cfg Config) (*Flood, error) {
	if cfg.LinkTable == nil || cfg.Clock == nil || cfg.RNG == nil || cfg.Emit == nil {
		return nil, ErrMissingCollaborator
	}
	if cfg.EtherType == 0 {
		return nil, errors.New("flood: EtherType not specified")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Flood{
		cfg:       cfg,
		log:       logger.WithGroup("flood"),
		seq:       uint32(cfg.Clock.Now()),
		byKey:     make(map[seenKey]*Seen),
		neighbors: make(map[core.NodeAddr]struct{}),
	}, nil
}

// StartFlood originates a new route-discovery query for qdst carrying
// payload, and emits it on the wire (port 0) as a zero-hop broadcast. The
// origin's own query is never tracked in the Seen arena — only receivers
// dedup.
func (f *Flood) StartFlood(qdst core.NodeAddr, payload []byte, flags uint8) error {
	f.mu.Lock()
	f.seq++
	seq := f.seq
	f.mu.Unlock()

	h := &codec.Header{
		Type:    codec.TypeData,
		Flags:   flags,
		QDst:    qdst,
		Seq:     seq,
		Links:   nil,
		Nodes:   []core.NodeAddr{f.cfg.Self},
		Payload: append([]byte(nil), payload...),
	}

	frame, err := codec.EncodeFrame(h, core.BroadcastLinkAddr, f.cfg.SelfMAC, f.cfg.EtherType)
	if err != nil {
		return err
	}
	return f.cfg.Emit(0, frame)
}

// Process handles an inbound, already-validated query frame: dedup,
// metric harvesting, neighbor tracking, and (for a newly seen query not
// addressed to this node) arming the jittered rebroadcast timer.
//
// h and frame must decode the same header; frame is passed through
// unmodified to the upward port (1) on every non-duplicate outcome,
// matching the source element's "forward the original upward so the local
// route-resolver can learn from it" behavior.
func (f *Flood) Process(frame []byte, h *codec.Header, ethSrc core.LinkAddr, etherType uint16) (Outcome, error) {
	if etherType != f.cfg.EtherType {
		return Dropped, ErrBadEtherType
	}
	if ethSrc == f.cfg.SelfMAC {
		return Dropped, ErrFromSelf
	}
	if h.Type&codec.TypeData == 0 {
		return Dropped, ErrWrongType
	}
	if len(h.Nodes) == 0 {
		return Dropped, ErrNoNodes
	}

	f.harvestLinkSamples(h)

	neighbor := h.Nodes[len(h.Nodes)-1]
	f.recordNeighbor(neighbor)
	if f.cfg.ArpTable != nil {
		f.cfg.ArpTable.Insert(neighbor, ethSrc)
	}

	src := h.Nodes[0]
	key := seenKey{Src: src, Seq: h.Seq}

	f.mu.Lock()
	if s, ok := f.byKey[key]; ok {
		s.Count++
		f.mu.Unlock()
		return Duplicate, nil
	}

	now := f.cfg.Clock.Now()
	s := &Seen{Src: src, Dst: h.QDst, Seq: h.Seq, Count: 1, When: now}

	selfDst := h.QDst == f.cfg.Self
	if selfDst {
		// Reached its destination: deliver upward, no rebroadcast bookkeeping.
		s.Forwarded = true
	} else {
		s.pendingPayload = append([]byte(nil), h.Payload...)
		s.pendingFlags = h.Flags
		delayMs := f.cfg.RNG.Uniform(MinJitterMs, MaxJitterMs)
		s.ToSend = now.Add(time.Duration(delayMs * float64(time.Millisecond)))
	}
	f.insertLocked(key, s)
	f.mu.Unlock()

	if err := f.cfg.Emit(1, frame); err != nil {
		f.log.Warn("emit upward failed", "err", err)
	}

	if selfDst {
		return DeliveredSelf, nil
	}
	return Queued, nil
}

// insertLocked records s under key, evicting the oldest entry first if the
// arena is at capacity. Must be called with f.mu held.
func (f *Flood) insertLocked(key seenKey, s *Seen) {
	if len(f.order) >= SeenCapacity {
		oldest := f.order[0]
		f.order = f.order[1:]
		delete(f.byKey, oldest)
	}
	f.order = append(f.order, key)
	f.byKey[key] = s
}

// harvestLinkSamples applies every link-quality observation an inbound
// query carries: the header's random sample, and each per-hop link
// record's forward and reverse metrics read from their own fields. This is
// the same harvesting forwarder.Push does, and deliberately does not
// reproduce the reverse-metric bug in the source element's process_flood
// (which substituted the forward accessor for the reverse one): the
// forward and reverse metrics here come from the link record's own Fwd/Rev
// fields, never from a single shared read.
func (f *Flood) harvestLinkSamples(h *codec.Header) {
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
		if i+1 >= len(h.Nodes) {
			break
		}
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

func (f *Flood) updateLink(from, to core.NodeAddr, seq, age uint32, metric core.Metric) {
	if !f.cfg.LinkTable.UpdateLink(from, to, seq, age, metric) {
		f.log.Warn("link update rejected", "from", from.String(), "to", to.String(), "metric", uint32(metric))
	}
}

func (f *Flood) recordNeighbor(n core.NodeAddr) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.neighbors[n]; !ok {
		f.neighbors[n] = struct{}{}
		f.neighborOrder = append(f.neighborOrder, n)
	}
}

// RandomNeighbor returns a uniformly random immediate neighbor this engine
// has observed relaying a query, or the zero NodeAddr if none have been
// observed yet.
func (f *Flood) RandomNeighbor() core.NodeAddr {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.neighborOrder) == 0 {
		return core.NodeAddr{}
	}
	idx := int(f.cfg.RNG.Uniform(0, float64(len(f.neighborOrder))))
	if idx < 0 {
		idx = 0
	}
	if idx >= len(f.neighborOrder) {
		idx = len(f.neighborOrder) - 1
	}
	return f.neighborOrder[idx]
}

// SeenSnapshot is a point-in-time copy of one Seen record, for the control
// surface's "floods" read handler.
type SeenSnapshot struct {
	Src, Dst  core.NodeAddr
	Seq       uint32
	Count     int
	Forwarded bool
	When      clock.Timestamp
	ToSend    clock.Timestamp
}

// Snapshot returns every Seen record, oldest first.
func (f *Flood) Snapshot() []SeenSnapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]SeenSnapshot, 0, len(f.order))
	for _, key := range f.order {
		s := f.byKey[key]
		out = append(out, SeenSnapshot{
			Src: s.Src, Dst: s.Dst, Seq: s.Seq,
			Count: s.Count, Forwarded: s.Forwarded,
			When: s.When, ToSend: s.ToSend,
		})
	}
	return out
}

// Clear empties the Seen arena, as used by the control surface's "clear"
// write handler. Any timer already armed for an evicted record simply finds
// nothing to do the next time it fires.
func (f *Flood) Clear() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.order = nil
	f.byKey = make(map[seenKey]*Seen)
}

// checkTimers scans the Seen arena for records whose rebroadcast deadline
// has passed and haven't fired yet, and forwards each. Called by
// Scheduler's tick loop.
func (f *Flood) checkTimers() {
	now := f.cfg.Clock.Now()

	f.mu.Lock()
	var due []*Seen
	for _, key := range f.order {
		s, ok := f.byKey[key]
		if !ok || s.Forwarded {
			continue
		}
		if !now.Before(s.ToSend) {
			due = append(due, s)
		}
	}
	f.mu.Unlock()

	for _, s := range due {
		f.forwardQuery(s)
	}
}

// forwardQuery rebuilds a pending query's SR header from the current best
// known path to its source and broadcasts it, per the source element's
// forward_query: shortest paths are recomputed fresh (not read from the
// query's own stale metrics) so each hop's rebroadcast reflects its own
// up-to-date view of the topology.
func (f *Flood) forwardQuery(s *Seen) {
	f.mu.Lock()
	s.Forwarded = true
	payload := s.pendingPayload
	flags := s.pendingFlags
	qdst := s.Dst
	seq := s.Seq
	src := s.Src
	f.mu.Unlock()

	f.cfg.LinkTable.Dijkstra(false)
	best, ok := f.cfg.LinkTable.BestRoute(src, false)
	if !ok || !f.cfg.LinkTable.ValidRoute(best) {
		f.log.Debug("dropping pending query: no valid route to source", "src", src.String())
		return
	}

	links := make([]codec.LinkRecord, len(best)-1)
	for i := 0; i < len(best)-1; i++ {
		a, b := best[i], best[i+1]
		links[i] = codec.LinkRecord{
			Fwd: f.cfg.LinkTable.GetLinkMetric(a, b),
			Rev: f.cfg.LinkTable.GetLinkMetric(b, a),
			Seq: f.cfg.LinkTable.GetLinkSeq(a, b),
			Age: f.cfg.LinkTable.GetLinkAge(a, b),
		}
	}

	h := &codec.Header{
		Type:    codec.TypeData,
		Flags:   flags,
		QDst:    qdst,
		Seq:     seq,
		Links:   links,
		Nodes:   best.Clone(),
		Payload: payload,
	}

	frame, err := codec.EncodeFrame(h, core.BroadcastLinkAddr, f.cfg.SelfMAC, f.cfg.EtherType)
	if err != nil {
		f.log.Warn("failed to encode query rebroadcast", "err", err)
		return
	}
	if err := f.cfg.Emit(0, frame); err != nil {
		f.log.Warn("emit query rebroadcast failed", "err", err)
	}
}
