package routing

import (
	"container/heap"
	"log/slog"
	"sync"

	"github.com/srforward/srmesh/core"
)

// linkKey identifies a directed link (from, to). Each recorded link stores
// both its forward and reverse metric, since an SR header's link record
// carries both directions for the same physical hop in one sample.
type linkKey struct {
	From core.NodeAddr
	To   core.NodeAddr
}

type linkEntry struct {
	Fwd core.Metric
	Rev core.Metric
	Seq uint32
	Age uint32
}

// MemLinkTable is an in-memory LinkTable keyed on directed link samples,
// with Dijkstra-computed shortest paths cached per direction. It mirrors
// the teacher's contact manager in shape — a mutex-guarded map with a
// config-carrying constructor and a WithGroup logger — generalized from a
// flat contact list to a link-state graph.
type MemLinkTable struct {
	mu  sync.RWMutex
	log *slog.Logger

	self core.NodeAddr

	links map[linkKey]linkEntry

	// routesFwd and routesRev cache the most recent Dijkstra(false) and
	// Dijkstra(true) results, keyed by
	// destination. BestRoute only ever reads from this cache; it never
	// recomputes on the fly, matching the source element's "dijkstra then
	// best_route" two-step contract.
	routesFwd map[core.NodeAddr]core.Path
	routesRev map[core.NodeAddr]core.Path
}

// NewMemLinkTable creates a MemLinkTable for the given local node. A nil
// logger falls back to slog.Default().
func NewMemLinkTable(self core.NodeAddr, logger *slog.Logger) *MemLinkTable {
	if logger == nil {
		logger = slog.Default()
	}
	return &MemLinkTable{
		log:       logger.WithGroup("linktable"),
		self:      self,
		links:     make(map[linkKey]linkEntry),
		routesFwd: make(map[core.NodeAddr]core.Path),
		routesRev: make(map[core.NodeAddr]core.Path),
	}
}

// UpdateLink records a directed link sample. Per invariant #7, a zero
// metric must never reach this table; UpdateLink rejects it defensively
// rather than trusting every caller to have checked Metric.IsValid()
// first. A sample whose seq is older than what's on file is also rejected,
// so a delayed or replayed packet can't roll a link's quality backward.
func (t *MemLinkTable) UpdateLink(from, to core.NodeAddr, seq, age uint32, metric core.Metric) bool {
	if !metric.IsValid() {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	key := linkKey{From: from, To: to}
	existing, ok := t.links[key]
	if ok && seq < existing.Seq {
		return false
	}

	entry := existing
	entry.Fwd = metric
	entry.Seq = seq
	entry.Age = age
	t.links[key] = entry

	// The reverse entry tracks this same physical hop's quality in the
	// other direction, so a forward sample for (from,to) also updates the
	// Rev field of (to,from).
	revKey := linkKey{From: to, To: from}
	revEntry := t.links[revKey]
	revEntry.Rev = metric
	if seq > revEntry.Seq {
		revEntry.Seq = seq
		revEntry.Age = age
	}
	t.links[revKey] = revEntry

	return true
}

// GetLinkMetric returns the forward metric of a->b, or 0 if unknown.
func (t *MemLinkTable) GetLinkMetric(a, b core.NodeAddr) core.Metric {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.links[linkKey{From: a, To: b}].Fwd
}

// GetLinkSeq returns the sequence number last recorded for a->b.
func (t *MemLinkTable) GetLinkSeq(a, b core.NodeAddr) uint32 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.links[linkKey{From: a, To: b}].Seq
}

// GetLinkAge returns the age last recorded for a->b.
func (t *MemLinkTable) GetLinkAge(a, b core.NodeAddr) uint32 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.links[linkKey{From: a, To: b}].Age
}

// ValidRoute reports whether every hop in p has a known, non-zero forward
// metric.
func (t *MemLinkTable) ValidRoute(p core.Path) bool {
	if !p.Valid() {
		return false
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	for i := 0; i+1 < len(p); i++ {
		if !t.links[linkKey{From: p[i], To: p[i+1]}].Fwd.IsValid() {
			return false
		}
	}
	return true
}

// GetRouteMetric sums the forward metric of each hop in p, or returns 0 if
// any hop's metric is unknown.
func (t *MemLinkTable) GetRouteMetric(p core.Path) core.Metric {
	if !p.Valid() {
		return 0
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	var total uint64
	for i := 0; i+1 < len(p); i++ {
		m := t.links[linkKey{From: p[i], To: p[i+1]}].Fwd
		if !m.IsValid() {
			return 0
		}
		total += uint64(m)
	}
	return core.Metric(total)
}

// BestRoute returns the cached shortest path from the local node to dst,
// last computed by Dijkstra(reverse). It does not recompute the graph.
func (t *MemLinkTable) BestRoute(dst core.NodeAddr, reverse bool) (core.Path, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	cache := t.routesFwd
	if reverse {
		cache = t.routesRev
	}
	p, ok := cache[dst]
	if !ok || !p.Valid() {
		return nil, false
	}
	return p.Clone(), true
}

// dijkstraItem is one entry in the shortest-path priority queue.
type dijkstraItem struct {
	node core.NodeAddr
	dist uint64
	path core.Path
}

type dijkstraQueue []dijkstraItem

func (q dijkstraQueue) Len() int            { return len(q) }
func (q dijkstraQueue) Less(i, j int) bool  { return q[i].dist < q[j].dist }
func (q dijkstraQueue) Swap(i, j int)       { q[i], q[j] = q[j], q[i] }
func (q *dijkstraQueue) Push(x interface{}) { *q = append(*q, x.(dijkstraItem)) }
func (q *dijkstraQueue) Pop() interface{} {
	old := *q
	n := len(old)
	item := old[n-1]
	*q = old[:n-1]
	return item
}

// Dijkstra recomputes shortest paths from the local node to every node
// reachable in the current link graph, using each link's forward metric
// when reverse is false and its reverse metric when reverse is true, and
// caches the results for BestRoute.
func (t *MemLinkTable) Dijkstra(reverse bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	adj := make(map[core.NodeAddr][]struct {
		to     core.NodeAddr
		weight uint64
	})
	for k, e := range t.links {
		w := e.Fwd
		if reverse {
			w = e.Rev
		}
		if !w.IsValid() {
			continue
		}
		adj[k.From] = append(adj[k.From], struct {
			to     core.NodeAddr
			weight uint64
		}{to: k.To, weight: uint64(w)})
	}

	dist := map[core.NodeAddr]uint64{t.self: 0}
	best := map[core.NodeAddr]core.Path{t.self: core.Path{t.self}}

	pq := &dijkstraQueue{{node: t.self, dist: 0, path: core.Path{t.self}}}
	heap.Init(pq)

	for pq.Len() > 0 {
		cur := heap.Pop(pq).(dijkstraItem)
		if d, ok := dist[cur.node]; ok && cur.dist > d {
			continue
		}
		for _, edge := range adj[cur.node] {
			nd := cur.dist + edge.weight
			if d, ok := dist[edge.to]; !ok || nd < d {
				dist[edge.to] = nd
				path := append(cur.path.Clone(), edge.to)
				best[edge.to] = path
				heap.Push(pq, dijkstraItem{node: edge.to, dist: nd, path: path})
			}
		}
	}

	delete(best, t.self)
	if reverse {
		t.routesRev = best
	} else {
		t.routesFwd = best
	}
}

var _ LinkTable = (*MemLinkTable)(nil)
