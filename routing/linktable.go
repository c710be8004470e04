// Package routing holds the external collaborator interfaces the data
// plane depends on for topology and address-resolution state — LinkTable
// and ArpTable — plus a reference in-memory implementation of each and an
// RNG wrapper, so the module is runnable standalone without a production
// routing daemon behind it.
package routing

import "github.com/srforward/srmesh/core"

// LinkTable answers shortest-path and per-link quality questions over the
// mesh topology. Implementations are free to maintain the topology however
// they like (a routing daemon, a static config, or — as here — an
// in-memory link-state table); the data plane only ever calls through this
// interface, per the module's external-interfaces contract.
type LinkTable interface {
	// UpdateLink records an observed link sample. metric of zero must never
	// reach an implementation (callers check core.Metric.IsValid() first);
	// implementations may additionally ignore samples with a stale seq.
	// Reports whether the sample was accepted.
	UpdateLink(from, to core.NodeAddr, seq, age uint32, metric core.Metric) bool

	// BestRoute returns the current shortest known path from this table's
	// local node to dst. When reverse is true, the path is computed using
	// each link's reverse-direction metric instead of its forward one. The
	// second return is false if no valid route is currently known.
	BestRoute(dst core.NodeAddr, reverse bool) (core.Path, bool)

	// ValidRoute reports whether every hop in p corresponds to a link this
	// table currently has a non-zero metric for.
	ValidRoute(p core.Path) bool

	// GetLinkMetric, GetLinkSeq, and GetLinkAge return the most recently
	// recorded forward-direction sample for the directed link a->b. They
	// return zero for an unknown link.
	GetLinkMetric(a, b core.NodeAddr) core.Metric
	GetLinkSeq(a, b core.NodeAddr) uint32
	GetLinkAge(a, b core.NodeAddr) uint32

	// Dijkstra recomputes shortest paths from the local node to every known
	// destination, in the given direction, caching the result for
	// subsequent BestRoute calls.
	Dijkstra(reverse bool)

	// GetRouteMetric returns the sum of each hop's forward metric along p,
	// or zero if p traverses any link this table has no sample for.
	GetRouteMetric(p core.Path) core.Metric
}
