package viewgate

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/okiedoc/viewgate/store"
)

// Gate owns the registered role profiles and the metrics and audit pipeline shared by
// every [Router] it opens. Build one with [New].
//
// Gate methods are safe for concurrent use.
type Gate struct {
	config   Config
	profiles map[string]RoleProfile
	metrics  *Metrics
	audit    *auditor
	logger   *slog.Logger

	mu      sync.Mutex
	closed  bool
	routers map[*Router]struct{}
}

// NewRouter creates an unstarted router for the named profile over st. Callers drive it
// with Initialize and OnExternalStorageChange themselves, or call Start.
func (g *Gate) NewRouter(profile string, st store.Store) (*Router, error) {
	if st == nil {
		return nil, ErrStoreRequired
	}
	p, ok := g.profiles[profile]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProfile, profile)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if g.closed {
		return nil, ErrGateClosed
	}

	r := newRouter(p, st, g.config.Router, g.metrics, g.audit,
		g.logger.With("profile", p.Name, "origin", st.Origin()))
	r.onClose = g.forget
	g.routers[r] = struct{}{}
	return r, nil
}

// Open creates a router for the named profile and starts it: the initial view is selected
// and external changes to st are followed until the router is closed.
func (g *Gate) Open(ctx context.Context, profile string, st store.Store) (*Router, error) {
	r, err := g.NewRouter(profile, st)
	if err != nil {
		return nil, err
	}
	if err := r.Start(ctx); err != nil {
		_ = r.Close()
		return nil, err
	}
	return r, nil
}

func (g *Gate) forget(r *Router) {
	g.mu.Lock()
	delete(g.routers, r)
	g.mu.Unlock()
}

// Profile returns the registered profile with the given name.
func (g *Gate) Profile(name string) (RoleProfile, bool) {
	p, ok := g.profiles[name]
	return p, ok
}

// Profiles returns every registered profile ordered by name.
func (g *Gate) Profiles() []RoleProfile {
	out := make([]RoleProfile, 0, len(g.profiles))
	for _, p := range g.profiles {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ActiveRouters returns how many routers opened by g are not yet closed.
func (g *Gate) ActiveRouters() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.routers)
}

// Metrics exposes the shared counter set for exporters.
func (g *Gate) Metrics() *Metrics {
	return g.metrics
}

// MetricsSnapshot copies the current counters.
func (g *Gate) MetricsSnapshot() MetricsSnapshot {
	return g.metrics.Snapshot()
}

// AuditDropped returns how many audit events were discarded because the buffer was full.
func (g *Gate) AuditDropped() uint64 {
	return g.audit.Dropped()
}

// Close closes every open router, then flushes the audit dispatcher.
func (g *Gate) Close() error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return nil
	}
	g.closed = true
	routers := make([]*Router, 0, len(g.routers))
	for r := range g.routers {
		routers = append(routers, r)
	}
	g.mu.Unlock()

	var firstErr error
	for _, r := range routers {
		if err := r.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	g.audit.Close()
	return firstErr
}
