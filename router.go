package viewgate

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/okiedoc/viewgate/internal/sessioncheck"
	"github.com/okiedoc/viewgate/store"
)

// Router maps Session Store contents to exactly one [View] for one role and keeps that
// mapping live while other execution contexts write to the store.
//
// All state transitions are serialized; View never blocks. Routers are created by
// [Gate.NewRouter] or [Gate.Open].
type Router struct {
	profile RoleProfile
	store   store.Store
	cfg     RouterConfig
	metrics *Metrics
	audit   *auditor
	log     *slog.Logger
	onClose func(*Router)

	mu      sync.Mutex
	sub     store.Subscription
	started bool
	closed  bool

	view atomic.Value // View

	watchMu   sync.RWMutex
	watchers  map[uint64]func(View)
	nextWatch uint64
}

func newRouter(profile RoleProfile, st store.Store, cfg RouterConfig, m *Metrics, a *auditor, log *slog.Logger) *Router {
	r := &Router{
		profile:  profile,
		store:    st,
		cfg:      cfg,
		metrics:  m,
		audit:    a,
		log:      log,
		watchers: make(map[uint64]func(View)),
	}
	r.view.Store(profile.DefaultView)
	return r
}

// Profile returns the role profile the router was built for.
func (r *Router) Profile() RoleProfile {
	return r.profile
}

// Origin returns the store context identifier of this router.
func (r *Router) Origin() string {
	return r.store.Origin()
}

// View returns the currently selected view.
func (r *Router) View() View {
	return r.view.Load().(View)
}

// Watch registers fn to be called with the new view after every change of the selected
// view. fn runs while the router holds its transition lock: it may call View but must not
// call any other Router method. The returned func unregisters fn.
func (r *Router) Watch(fn func(View)) (cancel func()) {
	if fn == nil {
		return func() {}
	}

	r.watchMu.Lock()
	r.nextWatch++
	id := r.nextWatch
	r.watchers[id] = fn
	r.watchMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			r.watchMu.Lock()
			delete(r.watchers, id)
			r.watchMu.Unlock()
		})
	}
}

// Start runs Initialize and subscribes to external store changes. The subscription is
// established before the initial read, so no change between the two is missed; change
// handlers queue behind Initialize.
func (r *Router) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrRouterClosed
	}
	if r.started {
		return ErrRouterStarted
	}

	subCtx, cancel := context.WithTimeout(ctx, r.cfg.SubscribeTimeout)
	sub, err := r.store.Subscribe(subCtx, r.handleChange)
	cancel()
	if err != nil {
		r.metrics.Inc(MetricStoreError)
		return fmt.Errorf("subscribe to session store: %w", err)
	}

	r.sub = sub
	r.started = true
	r.metrics.Inc(MetricRouterStarted)

	r.initializeLocked(ctx)
	return nil
}

// Close releases the store subscription. After Close returns no store notification touches
// the router, Initialize and OnExternalStorageChange return the last view unchanged, and
// NavigateTo reports ErrRouterClosed. Close is idempotent.
func (r *Router) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	sub := r.sub
	r.sub = nil
	r.mu.Unlock()

	var err error
	if sub != nil {
		// Outside r.mu: an in-flight handler may be waiting for it.
		err = sub.Close()
		r.metrics.Inc(MetricRouterClosed)
	}

	r.watchMu.Lock()
	clear(r.watchers)
	r.watchMu.Unlock()

	if r.onClose != nil {
		r.onClose(r)
	}
	return err
}

// Initialize selects the view from the store as on first mount.
//
// A valid session selects the dashboard. Otherwise the default view is selected and, only
// when the session flag is off, a leftover current-user key is removed. A flag that is on
// with a missing key or record is left untouched here; OnExternalStorageChange cleans it.
func (r *Router) Initialize(ctx context.Context) View {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return r.View()
	}
	return r.initializeLocked(ctx)
}

func (r *Router) initializeLocked(ctx context.Context) View {
	start := time.Now()
	defer func() { r.metrics.Observe(MetricEvaluateLatency, time.Since(start)) }()
	r.metrics.Inc(MetricInitialize)

	ctx, cancel := context.WithTimeout(ctx, r.cfg.StoreTimeout)
	defer cancel()

	st, err := r.readSession(ctx)
	if err != nil {
		return r.storeFailure(ctx, auditEventInitialize, err)
	}

	if st.Valid() {
		return r.transition(ctx, auditEventInitialize, ViewDashboard, st.UserKey)
	}

	if !st.Flag && st.UserKeyExists {
		r.clearStaleUserKey(ctx, st.UserKey)
	}
	return r.transition(ctx, auditEventInitialize, r.profile.DefaultView, st.UserKey)
}

// OnExternalStorageChange re-evaluates the store after another context wrote to it.
//
// Flag off or no current user selects the default view without writing. A current user
// whose record is gone is a broken session: both the current-user key and the flag are
// removed before selecting the default view. A valid session selects the dashboard.
func (r *Router) OnExternalStorageChange(ctx context.Context) View {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return r.View()
	}
	return r.storageChangeLocked(ctx)
}

func (r *Router) handleChange(change store.Change) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return
	}
	r.log.Debug("session store changed", "profile", r.profile.Name, "key", change.Key, "op", string(change.Op), "from", change.Origin)
	r.storageChangeLocked(context.Background())
}

func (r *Router) storageChangeLocked(ctx context.Context) View {
	start := time.Now()
	defer func() { r.metrics.Observe(MetricEvaluateLatency, time.Since(start)) }()
	r.metrics.Inc(MetricStorageChange)

	ctx, cancel := context.WithTimeout(ctx, r.cfg.StoreTimeout)
	defer cancel()

	st, err := r.readSession(ctx)
	if err != nil {
		return r.storeFailure(ctx, auditEventStorageChange, err)
	}

	switch {
	case !st.Flag || st.UserKey == "":
		return r.transition(ctx, auditEventStorageChange, r.profile.DefaultView, st.UserKey)
	case !st.Record:
		r.clearOrphanSession(ctx, st.UserKey)
		return r.transition(ctx, auditEventStorageChange, r.profile.DefaultView, st.UserKey)
	default:
		return r.transition(ctx, auditEventStorageChange, ViewDashboard, st.UserKey)
	}
}

// NavigateTo switches to view without consulting the store. Screens call it right after
// their own writes, which never reach this context's subscription.
func (r *Router) NavigateTo(view View) error {
	return r.NavigateToContext(context.Background(), view)
}

// NavigateToContext is NavigateTo with request attributes for audit events.
func (r *Router) NavigateToContext(ctx context.Context, view View) error {
	if !view.Valid() {
		r.metrics.Inc(MetricNavigateRejected)
		return fmt.Errorf("%w: %q", ErrInvalidView, string(view))
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrRouterClosed
	}

	r.metrics.Inc(MetricNavigate)
	r.transition(ctx, auditEventNavigate, view, "")
	return nil
}

func (r *Router) readSession(ctx context.Context) (sessioncheck.State, error) {
	return sessioncheck.Read(ctx, r.store, sessioncheck.Keys{
		Flag:        r.profile.SessionFlagKey,
		CurrentUser: r.profile.CurrentUserKey,
	}, r.cfg.SessionFlagTrueValue)
}

func (r *Router) clearStaleUserKey(ctx context.Context, userKey string) {
	err := r.store.Remove(ctx, r.profile.CurrentUserKey)
	if err != nil {
		r.metrics.Inc(MetricStoreError)
		r.log.Warn("stale current-user key not cleared", "profile", r.profile.Name, "error", err)
	} else {
		r.metrics.Inc(MetricStaleUserKeyCleared)
	}
	r.audit.record(ctx, AuditEvent{
		EventType: auditEventStaleUserKeyClear,
		Profile:   r.profile.Name,
		Origin:    r.store.Origin(),
		UserKey:   userKey,
		Success:   err == nil,
		Error:     errString(err),
	})
}

func (r *Router) clearOrphanSession(ctx context.Context, userKey string) {
	err := r.store.Remove(ctx, r.profile.CurrentUserKey)
	if flagErr := r.store.Remove(ctx, r.profile.SessionFlagKey); err == nil {
		err = flagErr
	}
	if err != nil {
		r.metrics.Inc(MetricStoreError)
		r.log.Warn("orphan session not fully cleared", "profile", r.profile.Name, "user", userKey, "error", err)
	} else {
		r.metrics.Inc(MetricOrphanSessionCleared)
		r.log.Debug("orphan session cleared", "profile", r.profile.Name, "user", userKey)
	}
	r.audit.record(ctx, AuditEvent{
		EventType: auditEventOrphanSessionClear,
		Profile:   r.profile.Name,
		Origin:    r.store.Origin(),
		UserKey:   userKey,
		Success:   err == nil,
		Error:     errString(err),
	})
}

// storeFailure treats an unreadable store as logged out, without writing to it.
func (r *Router) storeFailure(ctx context.Context, eventType string, err error) View {
	r.metrics.Inc(MetricStoreError)
	r.log.Warn("session store read failed", "profile", r.profile.Name, "error", err)
	r.audit.record(ctx, AuditEvent{
		EventType: auditEventStoreError,
		Profile:   r.profile.Name,
		Origin:    r.store.Origin(),
		Error:     err.Error(),
		Metadata:  map[string]string{"during": eventType},
	})
	return r.transition(ctx, eventType, r.profile.DefaultView, "")
}

// transition must be called with r.mu held.
func (r *Router) transition(ctx context.Context, eventType string, to View, userKey string) View {
	from := r.View()

	if to.Authenticated() {
		r.metrics.Inc(MetricDashboardSelected)
	} else if eventType != auditEventNavigate {
		r.metrics.Inc(MetricUnauthenticatedSelected)
	}

	r.audit.record(ctx, AuditEvent{
		EventType: eventType,
		Profile:   r.profile.Name,
		Origin:    r.store.Origin(),
		UserKey:   userKey,
		FromView:  from,
		ToView:    to,
		Success:   true,
	})

	if from == to {
		return to
	}

	r.view.Store(to)
	r.metrics.Inc(MetricViewChanged)

	r.watchMu.RLock()
	defer r.watchMu.RUnlock()
	for _, fn := range r.watchers {
		fn(to)
	}
	return to
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
