// Package querier implements the route-selection cache sitting above the
// forwarder and flood engine: it resolves a destination to a path from the
// LinkTable, dampens route flapping by only re-evaluating periodically, and
// triggers a route-discovery flood when it has nothing good enough to send
// on. This mirrors original_source/elements/wifi/sr/srquerier.cc's push/
// send_query pair.
package querier

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/srforward/srmesh/core"
	"github.com/srforward/srmesh/core/clock"
	"github.com/srforward/srmesh/routing"
)

// DefaultTimeBeforeSwitch is the default route re-evaluation window: once a
// destination's path has been selected, it's trusted for this long before
// the LinkTable is asked again, to avoid oscillating between near-equal
// routes on metric noise.
const DefaultTimeBeforeSwitch = 10 * time.Second

// DefaultQueryWait is the default minimum interval between two
// route-discovery floods for the same destination.
const DefaultQueryWait = 5 * time.Second

// ErrMissingCollaborator is returned by New when a required collaborator is
// absent.
var ErrMissingCollaborator = errors.New("querier: missing required collaborator")

// ErrNoRoute is returned by Send when no route to dst is currently known and
// the payload was dropped.
var ErrNoRoute = errors.New("querier: no valid route to destination")

// DstInfo is the querier's per-destination cache entry: the currently
// selected path, its metric, and the bookkeeping needed to dampen route
// switches and throttle repeat floods.
type DstInfo struct {
	Dst           core.NodeAddr
	Path          core.Path
	BestMetric    core.Metric
	LastSwitch    clock.Timestamp
	FirstSelected clock.Timestamp
	LastQuery     clock.Timestamp
	QueryCount    int
}

// Config configures a Querier.
type Config struct {
	// Self is this node's logical address.
	Self core.NodeAddr

	// LinkTable supplies the best known path and its metric. Required.
	LinkTable routing.LinkTable
	// Clock is the monotonic time source for dampening and query-wait
	// windows. Required.
	Clock clock.Clock

	// Encap builds a wire frame carrying payload along path, normally
	// (*forwarder.Forwarder).Encap. Required.
	Encap func(payload []byte, path core.Path, flags uint8) ([]byte, error)
	// Emit transmits a built frame on the wire (port 0). Required.
	Emit func(frame []byte) error
	// StartFlood begins route discovery toward dst, normally
	// (*flood.Flood).StartFlood called with an empty payload — the querier
	// only ever originates empty probes, never piggybacks user data on a
	// query. Required.
	StartFlood func(dst core.NodeAddr) error

	// TimeBeforeSwitch is the route re-evaluation window. Default: 10s.
	TimeBeforeSwitch time.Duration
	// QueryWait is the minimum interval between two floods for the same
	// destination. Default: 5s.
	QueryWait time.Duration
	// DisableRouteDampening, if true, re-evaluates the route on every Send
	// call instead of only once TimeBeforeSwitch has elapsed. Default false
	// (dampening enabled), matching the source element's default.
	DisableRouteDampening bool

	// Logger for querier events. Falls back to slog.Default() if nil.
	Logger *slog.Logger
}

// Querier is the route-selection cache for one node.
type Querier struct {
	cfg Config
	log *slog.Logger

	mu      sync.Mutex
	queries map[core.NodeAddr]*DstInfo
}

// New creates a Querier.
func New(cfg Config) (*Querier, error) {
	if cfg.LinkTable == nil || cfg.Clock == nil || cfg.Encap == nil || cfg.Emit == nil || cfg.StartFlood == nil {
		return nil, ErrMissingCollaborator
	}
	if cfg.TimeBeforeSwitch <= 0 {
		cfg.TimeBeforeSwitch = DefaultTimeBeforeSwitch
	}
	if cfg.QueryWait <= 0 {
		cfg.QueryWait = DefaultQueryWait
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Querier{
		cfg:     cfg,
		log:     logger.WithGroup("querier"),
		queries: make(map[core.NodeAddr]*DstInfo),
	}, nil
}

// Send resolves dst to a path, encapsulates and emits payload along it if a
// route is known, and triggers a route-discovery flood if the cached route
// is missing or stale. Returns ErrNoRoute (not a fatal error — the payload
// is simply dropped) when no valid route exists yet.
func (q *Querier) Send(dst core.NodeAddr, payload []byte) error {
	now := q.cfg.Clock.Now()

	q.mu.Lock()
	info, ok := q.queries[dst]
	doQuery := false
	if !ok {
		info = &DstInfo{Dst: dst}
		q.queries[dst] = info
		doQuery = true
	}

	expired := info.LastSwitch.Add(q.cfg.TimeBeforeSwitch)
	if info.BestMetric == 0 || len(info.Path) == 0 || q.cfg.DisableRouteDampening || !now.Before(expired) {
		q.cfg.LinkTable.Dijkstra(true)
		best, ok := q.cfg.LinkTable.BestRoute(dst, true)
		valid := ok && q.cfg.LinkTable.ValidRoute(best)
		info.LastSwitch = now
		if valid {
			if !info.Path.Equal(best) {
				info.FirstSelected = now
			}
			info.Path = best
			info.BestMetric = q.cfg.LinkTable.GetRouteMetric(best)
		} else {
			doQuery = true
			info.Path = nil
			info.BestMetric = 0
		}
	}

	var (
		path       core.Path
		bestMetric core.Metric
	)
	if info.BestMetric != 0 {
		path = info.Path.Clone()
		bestMetric = info.BestMetric
	}
	q.mu.Unlock()

	var sendErr error
	if bestMetric != 0 {
		frame, err := q.cfg.Encap(payload, path, 0)
		if err != nil {
			sendErr = err
		} else if err := q.cfg.Emit(frame); err != nil {
			sendErr = err
		}
	} else {
		q.log.Debug("no valid route, dropping packet", "dst", dst.String())
		sendErr = ErrNoRoute
	}

	if doQuery {
		q.maybeStartFlood(dst, now)
	}

	return sendErr
}

// maybeStartFlood triggers a route-discovery flood toward dst if QueryWait
// has elapsed since the last one. A destination that has never been
// queried bypasses the wait entirely (QueryCount tracks this rather than
// comparing against a zero-valued LastQuery, since this module's clock is
// relative to process start rather than to a fixed epoch, unlike the
// element this is grounded on).
func (q *Querier) maybeStartFlood(dst core.NodeAddr, now clock.Timestamp) {
	q.mu.Lock()
	info := q.queries[dst]
	if info.QueryCount > 0 {
		expire := info.LastQuery.Add(q.cfg.QueryWait)
		if !expire.Before(now) {
			q.mu.Unlock()
			return
		}
	}
	info.LastQuery = now
	info.QueryCount++
	q.mu.Unlock()

	if err := q.cfg.StartFlood(dst); err != nil {
		q.log.Warn("failed to start flood", "dst", dst.String(), "err", err)
	}
}

// SetRoute installs an explicit static route for dst, bypassing LinkTable
// resolution until it next expires. The control surface's "set_route"
// write handler requires the first hop to equal Self; that check is the
// caller's responsibility (control/handlers.go), not this method's, since
// Self is only known to the caller's wider configuration in some wirings.
func (q *Querier) SetRoute(dst core.NodeAddr, path core.Path, metric core.Metric) {
	now := q.cfg.Clock.Now()
	q.mu.Lock()
	defer q.mu.Unlock()
	info, ok := q.queries[dst]
	if !ok {
		info = &DstInfo{Dst: dst}
		q.queries[dst] = info
	}
	info.Path = path.Clone()
	info.BestMetric = metric
	info.LastSwitch = now
	info.FirstSelected = now
}

// Snapshot returns a copy of every tracked destination's cache entry, for
// the control surface's "queries" read handler.
func (q *Querier) Snapshot() []DstInfo {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]DstInfo, 0, len(q.queries))
	for _, info := range q.queries {
		cp := *info
		cp.Path = info.Path.Clone()
		out = append(out, cp)
	}
	return out
}

// Reset clears the destination cache, as used by the control surface's
// "reset" write handler.
func (q *Querier) Reset() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.queries = make(map[core.NodeAddr]*DstInfo)
}

// Query forces an immediate route-discovery flood toward dst, as used by
// the control surface's "query <ip>" write handler, independent of
// QueryWait throttling.
func (q *Querier) Query(dst core.NodeAddr) error {
	now := q.cfg.Clock.Now()
	q.mu.Lock()
	info, ok := q.queries[dst]
	if !ok {
		info = &DstInfo{Dst: dst}
		q.queries[dst] = info
	}
	info.LastQuery = now
	info.QueryCount++
	q.mu.Unlock()

	return q.cfg.StartFlood(dst)
}
