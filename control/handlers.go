// Package control implements the read/write control surface every
// component exposes for inspection and operator commands: counters and
// cache dumps on the read side, resets and route overrides on the write
// side. This mirrors device/room/cli.go's executeCLI dispatch — a single
// name-keyed registry instead of per-element ad hoc getters/setters.
package control

import (
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"github.com/srforward/srmesh/core"
	"github.com/srforward/srmesh/device/node"
)

// ErrUnknownCommand is returned by Read/Write when no handler is
// registered under the requested name.
var ErrUnknownCommand = errors.New("control: unknown command")

// ReadFunc produces a read handler's reply text.
type ReadFunc func() (string, error)

// WriteFunc applies a write handler's arguments, returning an error for
// the caller to report back to the operator.
type WriteFunc func(args []string) error

// Handlers is a name-dispatched registry of read and write control-surface
// handlers, aggregated across every component on a node.
type Handlers struct {
	mu     sync.RWMutex
	reads  map[string]ReadFunc
	writes map[string]WriteFunc
}

// New creates an empty Handlers registry.
func New() *Handlers {
	return &Handlers{
		reads:  make(map[string]ReadFunc),
		writes: make(map[string]WriteFunc),
	}
}

// RegisterRead adds a read handler under name, overwriting any existing
// registration.
func (h *Handlers) RegisterRead(name string, fn ReadFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.reads[name] = fn
}

// RegisterWrite adds a write handler under name, overwriting any existing
// registration.
func (h *Handlers) RegisterWrite(name string, fn WriteFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.writes[name] = fn
}

// Read invokes the read handler registered under name.
func (h *Handlers) Read(name string) (string, error) {
	h.mu.RLock()
	fn := h.reads[name]
	h.mu.RUnlock()
	if fn == nil {
		return "", fmt.Errorf("%w: %s", ErrUnknownCommand, name)
	}
	return fn()
}

// Write invokes the write handler registered under name with args.
func (h *Handlers) Write(name string, args []string) error {
	h.mu.RLock()
	fn := h.writes[name]
	h.mu.RUnlock()
	if fn == nil {
		return fmt.Errorf("%w: %s", ErrUnknownCommand, name)
	}
	return fn(args)
}

// ReadNames and WriteNames list every registered handler name, in no
// particular order; callers that need a stable order sort the result
// themselves.
func (h *Handlers) ReadNames() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	names := make([]string, 0, len(h.reads))
	for name := range h.reads {
		names = append(names, name)
	}
	return names
}

func (h *Handlers) WriteNames() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	names := make([]string, 0, len(h.writes))
	for name := range h.writes {
		names = append(names, name)
	}
	return names
}

// staticRoute is one entry installed via the "set_route" write handler,
// tracked here (rather than inside device/querier) since the distinction
// between an operator-pinned route and one the querier resolved from the
// LinkTable on its own is purely a control-surface concern.
type staticRoute struct {
	dst  core.NodeAddr
	path core.Path
}

// RegisterNode wires every control-surface handler spec.md §6 names
// against n: drops/bad_version (validator), floods/clear (flood),
// queries/reset/query/set_route (querier), debug (log level, shared).
// self is required to enforce set_route's "first hop must equal self"
// rule.
func RegisterNode(h *Handlers, n *node.Node, self core.NodeAddr, level *slog.LevelVar) {
	v := n.Validator()
	h.RegisterRead("drops", func() (string, error) {
		return strconv.FormatUint(v.Stats().Drops, 10), nil
	})
	h.RegisterRead("bad_version", func() (string, error) {
		stats := v.Stats()
		if len(stats.BadVersions) == 0 {
			return "", nil
		}
		var b strings.Builder
		for _, e := range stats.BadVersions {
			fmt.Fprintf(&b, "%s version %d\n", e.SourceMAC.String(), e.Version)
		}
		return strings.TrimRight(b.String(), "\n"), nil
	})

	fl := n.Flood()
	h.RegisterRead("floods", func() (string, error) {
		records := fl.Snapshot()
		if len(records) == 0 {
			return "", nil
		}
		var b strings.Builder
		for _, s := range records {
			fmt.Fprintf(&b, "%s %s %d %d %d %d\n",
				s.Src.String(), s.Dst.String(), s.Seq, s.Count, s.When, s.ToSend)
		}
		return strings.TrimRight(b.String(), "\n"), nil
	})
	h.RegisterWrite("clear", func(args []string) error {
		fl.Clear()
		return nil
	})

	q := n.Querier()
	h.RegisterRead("queries", func() (string, error) {
		entries := q.Snapshot()
		if len(entries) == 0 {
			return "", nil
		}
		var b strings.Builder
		for _, e := range entries {
			fmt.Fprintf(&b, "%s %s metric=%d queries=%d\n",
				e.Dst.String(), e.Path.String(), uint32(e.BestMetric), e.QueryCount)
		}
		return strings.TrimRight(b.String(), "\n"), nil
	})
	h.RegisterWrite("reset", func(args []string) error {
		q.Reset()
		return nil
	})
	h.RegisterWrite("query", func(args []string) error {
		if len(args) != 1 {
			return errors.New("control: usage: query <ip>")
		}
		dst, err := core.ParseNodeAddr(args[0])
		if err != nil {
			return fmt.Errorf("control: bad address: %w", err)
		}
		return q.Query(dst)
	})

	var (
		routesMu sync.Mutex
		routes   []staticRoute
	)
	h.RegisterRead("routes", func() (string, error) {
		routesMu.Lock()
		defer routesMu.Unlock()
		if len(routes) == 0 {
			return "", nil
		}
		var b strings.Builder
		for _, r := range routes {
			fmt.Fprintf(&b, "%s %s\n", r.dst.String(), r.path.String())
		}
		return strings.TrimRight(b.String(), "\n"), nil
	})
	h.RegisterWrite("set_route", func(args []string) error {
		if len(args) < 2 {
			return errors.New("control: usage: set_route <ip> <ip...>")
		}
		path := make(core.Path, 0, len(args))
		for _, a := range args {
			addr, err := core.ParseNodeAddr(a)
			if err != nil {
				return fmt.Errorf("control: bad address %q: %w", a, err)
			}
			path = append(path, addr)
		}
		if path[0] != self {
			return errors.New("control: set_route: first hop must equal self")
		}
		dst := path[len(path)-1]
		metric := core.Metric(1)
		q.SetRoute(dst, path, metric)

		routesMu.Lock()
		routes = append(routes, staticRoute{dst: dst, path: path})
		routesMu.Unlock()
		return nil
	})

	if level != nil {
		h.RegisterWrite("debug", func(args []string) error {
			if len(args) != 1 {
				return errors.New("control: usage: debug <bool>")
			}
			on, err := strconv.ParseBool(args[0])
			if err != nil {
				return fmt.Errorf("control: bad bool: %w", err)
			}
			if on {
				level.Set(slog.LevelDebug)
			} else {
				level.Set(slog.LevelInfo)
			}
			return nil
		})
	}
}
