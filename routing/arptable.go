package routing

import (
	"log/slog"
	"sync"

	"github.com/srforward/srmesh/core"
)

// ArpTable resolves a node's logical address to its hardware address. A
// miss returns the broadcast sentinel rather than an error: the forwarder
// treats a failed resolution as "send to everyone and let the driver sort
// it out", never as a fatal condition, per the module's error-handling
// rules.
type ArpTable interface {
	Insert(ip core.NodeAddr, mac core.LinkAddr)
	Lookup(ip core.NodeAddr) core.LinkAddr
}

// MemArpTable is a map-backed ArpTable, the reference implementation used
// when no external resolver is wired in. Its eviction policy — oldest entry
// evicted once Capacity is reached — mirrors the fixed-size, no-favorites
// allocation path in the teacher's contact manager.
type MemArpTable struct {
	mu       sync.RWMutex
	log      *slog.Logger
	capacity int
	order    []core.NodeAddr
	entries  map[core.NodeAddr]core.LinkAddr
}

// DefaultArpTableCapacity bounds MemArpTable when no explicit capacity is
// configured.
const DefaultArpTableCapacity = 256

// NewMemArpTable creates a MemArpTable holding at most capacity entries.
// A non-positive capacity falls back to DefaultArpTableCapacity. A nil
// logger falls back to slog.Default().
func NewMemArpTable(capacity int, logger *slog.Logger) *MemArpTable {
	if capacity <= 0 {
		capacity = DefaultArpTableCapacity
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &MemArpTable{
		log:      logger.WithGroup("arptable"),
		capacity: capacity,
		entries:  make(map[core.NodeAddr]core.LinkAddr, capacity),
	}
}

// Insert records or updates ip's hardware address, evicting the oldest
// entry if the table is full and ip is not already present.
func (t *MemArpTable) Insert(ip core.NodeAddr, mac core.LinkAddr) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.entries[ip]; exists {
		t.entries[ip] = mac
		return
	}

	if len(t.entries) >= t.capacity && len(t.order) > 0 {
		oldest := t.order[0]
		t.order = t.order[1:]
		delete(t.entries, oldest)
		t.log.Debug("evicted arp entry", "node", oldest.String())
	}

	t.entries[ip] = mac
	t.order = append(t.order, ip)
}

// Lookup returns ip's known hardware address, or core.BroadcastLinkAddr if
// ip has never been seen.
func (t *MemArpTable) Lookup(ip core.NodeAddr) core.LinkAddr {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if mac, ok := t.entries[ip]; ok {
		return mac
	}
	return core.BroadcastLinkAddr
}

var _ ArpTable = (*MemArpTable)(nil)
