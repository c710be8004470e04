// Package node wires the header validator, forwarder, flood engine, and
// querier into a single runnable data-plane node: one WireIO for port 0,
// an upward application-delivery callback standing in for port 1, and the
// dispatch that routes every validated inbound frame to the forwarder
// (ordinary data, QDst zero) or the flood engine (a discovery query, QDst
// set), per srforwarder.cc and metricflood.cc's own split — each sees only
// its own port-0 traffic in the original, recombined here behind one
// ingress path since this module has no separate element graph to split
// them for it.
package node

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/srforward/srmesh/core"
	"github.com/srforward/srmesh/core/clock"
	"github.com/srforward/srmesh/core/codec"
	"github.com/srforward/srmesh/device/flood"
	"github.com/srforward/srmesh/device/forwarder"
	"github.com/srforward/srmesh/device/querier"
	"github.com/srforward/srmesh/device/validator"
	"github.com/srforward/srmesh/routing"
	"github.com/srforward/srmesh/transport"
)

// ErrMissingCollaborator is returned by New when a required collaborator is
// absent: Wire, LinkTable, and ArpTable are all required.
var ErrMissingCollaborator = errors.New("node: missing required collaborator")

// Config configures a Node.
type Config struct {
	// Self is this node's logical address.
	Self core.NodeAddr
	// SelfMAC is this node's hardware address.
	SelfMAC core.LinkAddr
	// EtherType tags every SR frame this node builds or accepts.
	EtherType uint16

	// Wire is the physical WireIO supplying port 0 (the radio/MQTT/serial
	// link). Required.
	Wire transport.WireIO

	// LinkTable supplies routing decisions and receives harvested link
	// samples. Required.
	LinkTable routing.LinkTable
	// ArpTable resolves next-hop hardware addresses. Required.
	ArpTable routing.ArpTable
	// Clock is the monotonic time source driving the flood scheduler and
	// querier dampening windows. Defaults to clock.SystemClock.
	Clock clock.Clock
	// RNG draws flood rebroadcast jitter. Defaults to routing.SystemRNG.
	RNG routing.RNG

	// TimeBeforeSwitch and QueryWait configure the querier. Zero uses its
	// package defaults.
	TimeBeforeSwitch      time.Duration
	QueryWait             time.Duration
	DisableRouteDampening bool

	// Deliver receives a payload and its origin once a unicast frame
	// reaches this node as its terminal destination, or a broadcast query
	// reaches this node as qdst. Required.
	Deliver func(origin core.NodeAddr, payload []byte)

	// DropSink, if set, receives a copy of every frame the validator
	// rejects. Optional.
	DropSink func([]byte)

	// Logger is the base logger every component derives its own named
	// sub-logger from. Falls back to slog.Default() if nil.
	Logger *slog.Logger
}

// Node is a complete data-plane node: one physical link in, four
// processing components wired together, one physical link out.
type Node struct {
	cfg Config
	log *slog.Logger

	validator *validator.Validator
	forwarder *forwarder.Forwarder
	flood     *flood.Flood
	querier   *querier.Querier
	scheduler *flood.Scheduler
}

// New builds a Node from its collaborators. It fails if Wire, LinkTable,
// ArpTable, or Deliver is nil, or EtherType is unset.
func New(cfg Config) (*Node, error) {
	if cfg.Wire == nil || cfg.LinkTable == nil || cfg.ArpTable == nil || cfg.Deliver == nil {
		return nil, ErrMissingCollaborator
	}
	if cfg.EtherType == 0 {
		return nil, fmt.Errorf("node: EtherType not specified")
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.RNG == nil {
		cfg.RNG = routing.NewSystemRNG()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	n := &Node{cfg: cfg, log: logger.WithGroup("node")}

	n.validator = validator.New(validator.Config{Logger: logger, DropSink: cfg.DropSink})

	fwd, err := forwarder.New(forwarder.Config{
		Self: cfg.Self, SelfMAC: cfg.SelfMAC, EtherType: cfg.EtherType,
		LinkTable: cfg.LinkTable, ArpTable: cfg.ArpTable, Logger: logger,
	})
	if err != nil {
		return nil, err
	}
	n.forwarder = fwd

	fl, err := flood.New(flood.Config{
		Self: cfg.Self, SelfMAC: cfg.SelfMAC, EtherType: cfg.EtherType,
		LinkTable: cfg.LinkTable, ArpTable: cfg.ArpTable,
		Clock: cfg.Clock, RNG: cfg.RNG,
		Emit:   n.emit,
		Logger: logger,
	})
	if err != nil {
		return nil, err
	}
	n.flood = fl
	n.scheduler = flood.NewScheduler(fl, logger)

	q, err := querier.New(querier.Config{
		Self: cfg.Self, LinkTable: cfg.LinkTable, Clock: cfg.Clock,
		Encap:                 fwd.Encap,
		Emit:                  func(frame []byte) error { return n.cfg.Wire.Send(frame) },
		StartFlood:            func(dst core.NodeAddr) error { return fl.StartFlood(dst, nil, codec.FlagNone) },
		TimeBeforeSwitch:      cfg.TimeBeforeSwitch,
		QueryWait:             cfg.QueryWait,
		DisableRouteDampening: cfg.DisableRouteDampening,
		Logger:                logger,
	})
	if err != nil {
		return nil, err
	}
	n.querier = q

	cfg.Wire.SetIngressHandler(n.handleWireFrame)

	return n, nil
}

// emit implements the PacketIO contract flood.Flood's Config.Emit expects:
// port 0 is the wire, port 1 is upward delivery (every inbound query frame
// the flood engine accepts, whether or not it is addressed to self).
func (n *Node) emit(port int, frame []byte) error {
	switch port {
	case 0:
		return n.cfg.Wire.Send(frame)
	case 1:
		n.deliverUpward(frame)
		return nil
	default:
		return fmt.Errorf("node: invalid emit port %d", port)
	}
}

// deliverUpward decodes a frame handed to port 1 by the flood engine and,
// if it is addressed to this node, hands its payload to Deliver. A query
// still in flight toward another destination is learned from (the frame
// passed Process, so its link samples were already harvested) but produces
// no delivery.
func (n *Node) deliverUpward(frame []byte) {
	_, _, _, h, err := codec.Decode(frame)
	if err != nil {
		n.log.Debug("failed to decode frame handed upward", "err", err)
		return
	}
	if h.QDst != n.cfg.Self {
		return
	}
	origin := h.Origin()
	n.cfg.Deliver(origin, h.Payload)
}

// Start begins the node's background work: the wire link and the flood
// engine's rebroadcast scheduler. It blocks until ctx is cancelled.
func (n *Node) Start(ctx context.Context) error {
	if err := n.cfg.Wire.Start(ctx); err != nil {
		return fmt.Errorf("starting wire: %w", err)
	}
	n.scheduler.Start(ctx)
	return n.cfg.Wire.Stop()
}

// Stop halts the flood scheduler and closes the wire link.
func (n *Node) Stop() error {
	n.scheduler.Stop()
	return n.cfg.Wire.Stop()
}

// Send originates an application payload toward dst through the querier:
// encapsulated and emitted immediately if a route is cached, or dropped
// with a route-discovery flood triggered in the background otherwise.
func (n *Node) Send(dst core.NodeAddr, payload []byte) error {
	return n.querier.Send(dst, payload)
}

// handleWireFrame is the WireIO ingress callback: every frame received on
// port 0 passes the validator gate, then is dispatched by header content —
// QDst set means a discovery query bound for the flood engine, QDst zero
// means ordinary unicast data bound for the forwarder. Dispatching on QDst
// rather than the Ethernet destination means an ARP-miss fallback (a
// unicast data frame sent to the broadcast MAC because the next hop's
// hardware address wasn't yet known) still reaches the forwarder instead of
// being mistaken for a flood rebroadcast.
func (n *Node) handleWireFrame(frame []byte) {
	_, preSrc, etherType, _, err := codec.UnwrapEthernet(frame)
	if err != nil {
		return
	}

	h, ethDst, ethSrc, err := n.validator.Validate(frame, preSrc)
	if err != nil {
		return
	}

	if !h.QDst.IsZero() {
		if _, err := n.flood.Process(frame, h, ethSrc, etherType); err != nil {
			n.log.Debug("flood process rejected frame", "err", err)
		}
		return
	}

	outcome, out, gateway, err := n.forwarder.Push(h, ethSrc, ethDst, 0)
	if err != nil {
		n.log.Debug("forwarder push rejected frame", "err", err)
		return
	}
	switch outcome {
	case forwarder.Delivered:
		n.cfg.Deliver(gateway, h.Payload)
	case forwarder.Forwarded:
		if err := n.cfg.Wire.Send(out); err != nil {
			n.log.Warn("failed to send forwarded frame", "err", err)
		}
	}
}

// StartFlood originates a route-discovery query toward dst carrying an
// application payload, bypassing the querier's cache entirely. Exposed for
// callers that want to force discovery without going through Send; the
// control surface's "query" handler goes through Querier.Query instead.
func (n *Node) StartFlood(dst core.NodeAddr, payload []byte) error {
	return n.flood.StartFlood(dst, payload, codec.FlagNone)
}

// Validator, Forwarder, Flood, and Querier expose the underlying
// components for the control surface to register read/write handlers
// against.
func (n *Node) Validator() *validator.Validator { return n.validator }
func (n *Node) Forwarder() *forwarder.Forwarder { return n.forwarder }
func (n *Node) Flood() *flood.Flood             { return n.flood }
func (n *Node) Querier() *querier.Querier       { return n.querier }
