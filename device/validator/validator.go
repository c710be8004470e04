// Package validator implements the header-validation gate every inbound
// frame passes through before any other component trusts its contents: an
// ordered sequence of checks, any one of which drops the frame and stops
// further processing. This mirrors checksrheader.cc's gate order exactly.
package validator

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/srforward/srmesh/core"
	"github.com/srforward/srmesh/core/codec"
)

// Reject reasons, checked in this exact order by Validate. Only the first
// failing check is reported.
var (
	ErrTruncated   = errors.New("validator: frame shorter than ethernet+minimum header")
	ErrBadVersion  = errors.New("validator: unsupported header version")
	ErrBadLength   = errors.New("validator: claimed header length exceeds frame")
	ErrBadChecksum = errors.New("validator: checksum mismatch")
	ErrBadNextHop  = errors.New("validator: next exceeds nhops")
)

// minFrameLength is the smallest frame Validate will even inspect: an
// Ethernet header plus a zero-hop SR header (fixed prefix + one node slot,
// no link records, no payload).
const minFrameLength = codec.EthernetHeaderSize + codec.MinHeaderSize

// badVersionEntry records one offending (source MAC, version) pair for the
// control surface's "bad_version" read handler.
type badVersionEntry struct {
	SourceMAC core.LinkAddr
	Version   uint8
}

// Stats is a point-in-time snapshot of the validator's counters, returned
// by Validator.Stats for the control surface's "drops" and "bad_version"
// read handlers.
type Stats struct {
	Drops       uint64
	BadVersions []badVersionEntry
}

// Config configures a Validator.
type Config struct {
	// Logger for validation events. Falls back to slog.Default() if nil.
	Logger *slog.Logger

	// DropSink, if set, receives a copy of every frame rejected by
	// Validate — the second output port the source element emits dropped
	// frames on when one is configured. If nil, rejected frames are
	// simply freed.
	DropSink func([]byte)
}

// Validator runs the ordered header-validation gate. Each instance keeps
// its own one-shot "first drop" and "first bad version" logging state —
// these were process-wide globals in the source element, reimplemented
// here as per-instance fields per the module's design notes on global
// mutable state.
type Validator struct {
	log      *slog.Logger
	dropSink func([]byte)

	mu                    sync.Mutex
	drops                 uint64
	loggedFirstDrop       bool
	loggedFirstBadVersion bool
	badVersions           []badVersionEntry
}

// New creates a Validator.
func New(cfg Config) *Validator {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Validator{log: logger.WithGroup("validator"), dropSink: cfg.DropSink}
}

// Validate runs the ordered gate over a raw Ethernet frame containing an SR
// header. On success it returns the decoded header and the Ethernet
// addressing that wrapped it. On failure it returns the first gate that
// rejected the frame and bumps the appropriate counter.
func (v *Validator) Validate(frame []byte, sourceMAC core.LinkAddr) (hdr *codec.Header, ethDst, ethSrc core.LinkAddr, err error) {
	if len(frame) < minFrameLength {
		v.reject(ErrTruncated, frame)
		return nil, ethDst, ethSrc, ErrTruncated
	}

	ethDst, ethSrc, _, rest, uerr := codec.UnwrapEthernet(frame)
	if uerr != nil {
		v.reject(ErrTruncated, frame)
		return nil, ethDst, ethSrc, ErrTruncated
	}

	if rest[0] != codec.Version {
		v.recordBadVersion(sourceMAC, rest[0])
		v.reject(ErrBadVersion, frame)
		return nil, ethDst, ethSrc, ErrBadVersion
	}

	h, derr := codec.ReadFrom(rest)
	if derr != nil {
		// A truncated or internally-inconsistent header at this point means
		// the claimed tlen can't be trusted either; treat as BadLength,
		// since length is the next gate in sequence.
		v.reject(ErrBadLength, frame)
		return nil, ethDst, ethSrc, ErrBadLength
	}

	tlen := h.Tlen()
	if tlen > len(rest) {
		v.reject(ErrBadLength, frame)
		return nil, ethDst, ethSrc, ErrBadLength
	}

	if !codec.VerifyChecksum(rest[:tlen]) {
		v.reject(ErrBadChecksum, frame)
		return nil, ethDst, ethSrc, ErrBadChecksum
	}

	if h.Next > h.NHops {
		v.reject(ErrBadNextHop, frame)
		return nil, ethDst, ethSrc, ErrBadNextHop
	}

	return h, ethDst, ethSrc, nil
}

func (v *Validator) recordBadVersion(mac core.LinkAddr, version uint8) {
	v.mu.Lock()
	v.badVersions = append(v.badVersions, badVersionEntry{SourceMAC: mac, Version: version})
	first := !v.loggedFirstBadVersion
	v.loggedFirstBadVersion = true
	v.mu.Unlock()

	// version_warning is a one-shot flag independent of the general
	// "first drop" log, since a run that drops for other reasons first
	// should still get a verbose log the first time a bad version shows up.
	if first {
		v.log.Warn("bad header version", "source_mac", mac.String(), "version", version)
	}
}

func (v *Validator) reject(reason error, frame []byte) {
	v.mu.Lock()
	v.drops++
	first := !v.loggedFirstDrop
	v.loggedFirstDrop = true
	v.mu.Unlock()

	if first {
		v.log.Warn("dropping header", "reason", reason, "frame_len", len(frame))
	} else {
		v.log.Debug("dropping header", "reason", reason)
	}

	if v.dropSink != nil {
		v.dropSink(append([]byte(nil), frame...))
	}
}

// Stats returns a snapshot of the validator's counters.
func (v *Validator) Stats() Stats {
	v.mu.Lock()
	defer v.mu.Unlock()
	return Stats{
		Drops:       v.drops,
		BadVersions: append([]badVersionEntry(nil), v.badVersions...),
	}
}

// Reset clears all counters and one-shot logging state. The control
// surface's "reset" write handler does not call it; that handler clears
// only the querier's cache.
func (v *Validator) Reset() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.drops = 0
	v.loggedFirstDrop = false
	v.loggedFirstBadVersion = false
	v.badVersions = nil
}
