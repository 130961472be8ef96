package viewgate

import (
	"context"
	"errors"
	"maps"
	"testing"
	"time"

	"github.com/okiedoc/viewgate/store"
)

func newTestGate(t *testing.T) *Gate {
	t.Helper()

	g, err := New().WithMetricsEnabled(true).Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	t.Cleanup(func() { _ = g.Close() })
	return g
}

func newTestRouter(t *testing.T, g *Gate, profile string, st store.Store) *Router {
	t.Helper()

	r, err := g.NewRouter(profile, st)
	if err != nil {
		t.Fatalf("NewRouter failed: %v", err)
	}
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func seed(t *testing.T, st store.Store, kv map[string]string) {
	t.Helper()
	for k, v := range kv {
		if err := st.Set(context.Background(), k, v); err != nil {
			t.Fatalf("seed %q: %v", k, err)
		}
	}
}

func waitView(t *testing.T, ch <-chan View, want View) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case got := <-ch:
			if got == want {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for view %q", want)
		}
	}
}

const (
	testEmail  = "a@b.com"
	testRecord = `{"email":"a@b.com","firstName":"A"}`
)

// sessionFixture builds the patient store for one combination of the three facts.
func sessionFixture(flag, user, record bool) map[string]string {
	kv := map[string]string{}
	if flag {
		kv["isLoggedIn"] = "true"
	} else {
		kv["isLoggedIn"] = "false"
	}
	if user {
		kv["currentUser"] = testEmail
	}
	if record {
		kv[testEmail] = testRecord
	}
	return kv
}

func TestInitializeAllCombinations(t *testing.T) {
	tests := []struct {
		flag, user, record bool
		want               View
		userKeyCleared     bool
	}{
		{true, true, true, ViewDashboard, false},
		{true, true, false, ViewLogin, false},
		{true, false, true, ViewLogin, false},
		{true, false, false, ViewLogin, false},
		{false, true, true, ViewLogin, true},
		{false, true, false, ViewLogin, true},
		{false, false, true, ViewLogin, false},
		{false, false, false, ViewLogin, false},
	}

	for _, tc := range tests {
		mem := store.NewMemory()
		st := mem.Context()
		before := sessionFixture(tc.flag, tc.user, tc.record)
		seed(t, st, before)

		g := newTestGate(t)
		r := newTestRouter(t, g, "patient", st)

		if got := r.Initialize(context.Background()); got != tc.want {
			t.Fatalf("flag=%v user=%v record=%v: expected %q, got %q", tc.flag, tc.user, tc.record, tc.want, got)
		}
		if r.View() != tc.want {
			t.Fatalf("View() disagrees with Initialize result: %q", r.View())
		}

		after := mem.Snapshot()
		want := maps.Clone(before)
		if tc.userKeyCleared {
			delete(want, "currentUser")
		}
		if !maps.Equal(after, want) {
			t.Fatalf("flag=%v user=%v record=%v: store %v, expected %v", tc.flag, tc.user, tc.record, after, want)
		}
	}
}

func TestOnExternalStorageChangeAllCombinations(t *testing.T) {
	tests := []struct {
		flag, user, record bool
		want               View
		sessionCleared     bool
	}{
		{true, true, true, ViewDashboard, false},
		{true, true, false, ViewLogin, true},
		{true, false, true, ViewLogin, false},
		{true, false, false, ViewLogin, false},
		{false, true, true, ViewLogin, false},
		{false, true, false, ViewLogin, false},
		{false, false, true, ViewLogin, false},
		{false, false, false, ViewLogin, false},
	}

	for _, tc := range tests {
		mem := store.NewMemory()
		st := mem.Context()
		before := sessionFixture(tc.flag, tc.user, tc.record)
		seed(t, st, before)

		g := newTestGate(t)
		r := newTestRouter(t, g, "patient", st)

		if got := r.OnExternalStorageChange(context.Background()); got != tc.want {
			t.Fatalf("flag=%v user=%v record=%v: expected %q, got %q", tc.flag, tc.user, tc.record, tc.want, got)
		}

		after := mem.Snapshot()
		want := maps.Clone(before)
		if tc.sessionCleared {
			delete(want, "currentUser")
			delete(want, "isLoggedIn")
		}
		if !maps.Equal(after, want) {
			t.Fatalf("flag=%v user=%v record=%v: store %v, expected %v", tc.flag, tc.user, tc.record, after, want)
		}
	}
}

func TestEvaluationsAreIdempotent(t *testing.T) {
	for _, fixture := range []map[string]string{
		sessionFixture(true, true, true),
		sessionFixture(true, true, false),
		sessionFixture(false, true, true),
	} {
		mem := store.NewMemory()
		st := mem.Context()
		seed(t, st, fixture)

		g := newTestGate(t)
		r := newTestRouter(t, g, "patient", st)
		ctx := context.Background()

		first := r.Initialize(ctx)
		snap := mem.Snapshot()
		if second := r.Initialize(ctx); second != first || !maps.Equal(snap, mem.Snapshot()) {
			t.Fatalf("Initialize not idempotent for %v", fixture)
		}

		first = r.OnExternalStorageChange(ctx)
		snap = mem.Snapshot()
		if second := r.OnExternalStorageChange(ctx); second != first || !maps.Equal(snap, mem.Snapshot()) {
			t.Fatalf("OnExternalStorageChange not idempotent for %v", fixture)
		}
	}
}

func TestFlagMustEqualTrueValue(t *testing.T) {
	st := store.NewMemory().Context()
	seed(t, st, map[string]string{
		"isLoggedIn":  "TRUE",
		"currentUser": testEmail,
		testEmail:     testRecord,
	})

	g := newTestGate(t)
	r := newTestRouter(t, g, "patient", st)

	if got := r.Initialize(context.Background()); got != ViewLogin {
		t.Fatalf("expected login for non-canonical flag, got %q", got)
	}
}

func TestSpecialistProfileDefaultsToRegistration(t *testing.T) {
	mem := store.NewMemory()
	st := mem.Context()
	seed(t, st, map[string]string{
		"specialistIsLoggedIn": "false",
		"currentSpecialist":    "doc@clinic.com",
		"doc@clinic.com":       "{}",
		// Patient keys are ignored by the specialist router.
		"isLoggedIn":  "true",
		"currentUser": testEmail,
		testEmail:     testRecord,
	})

	g := newTestGate(t)
	r := newTestRouter(t, g, "specialist", st)

	if got := r.Initialize(context.Background()); got != ViewRegistration {
		t.Fatalf("expected registration, got %q", got)
	}
	snap := mem.Snapshot()
	if _, ok := snap["currentSpecialist"]; ok {
		t.Fatal("expected stale currentSpecialist removed")
	}
	if snap["currentUser"] != testEmail {
		t.Fatal("patient keys must not be touched")
	}
}

func TestInitializeLeavesBrokenSessionForChangeHandler(t *testing.T) {
	mem := store.NewMemory()
	st := mem.Context()
	seed(t, st, map[string]string{"isLoggedIn": "true", "currentUser": testEmail})

	g := newTestGate(t)
	r := newTestRouter(t, g, "patient", st)

	if got := r.Initialize(context.Background()); got != ViewLogin {
		t.Fatalf("expected login, got %q", got)
	}
	if len(mem.Snapshot()) != 2 {
		t.Fatalf("Initialize must not clear a flagged session, store=%v", mem.Snapshot())
	}

	r.OnExternalStorageChange(context.Background())
	if len(mem.Snapshot()) != 0 {
		t.Fatalf("expected orphaned session cleared, store=%v", mem.Snapshot())
	}
	if got := g.Metrics().Value(MetricOrphanSessionCleared); got != 1 {
		t.Fatalf("expected 1 orphan cleanup, got %d", got)
	}
}

func TestNavigateToSkipsValidation(t *testing.T) {
	st := store.NewMemory().Context()
	g := newTestGate(t)
	r := newTestRouter(t, g, "patient", st)

	r.Initialize(context.Background())
	if err := r.NavigateTo(ViewDashboard); err != nil {
		t.Fatalf("NavigateTo: %v", err)
	}
	if r.View() != ViewDashboard {
		t.Fatalf("expected dashboard, got %q", r.View())
	}
	if err := r.NavigateTo(ViewRegistration); err != nil {
		t.Fatalf("NavigateTo: %v", err)
	}
	if r.View() != ViewRegistration {
		t.Fatalf("expected registration, got %q", r.View())
	}
}

func TestNavigateToRejectsUnknownView(t *testing.T) {
	st := store.NewMemory().Context()
	g := newTestGate(t)
	r := newTestRouter(t, g, "patient", st)

	if err := r.NavigateTo(View("settings")); !errors.Is(err, ErrInvalidView) {
		t.Fatalf("expected ErrInvalidView, got %v", err)
	}
	if r.View() != ViewLogin {
		t.Fatalf("view changed on rejected navigation: %q", r.View())
	}
	if got := g.Metrics().Value(MetricNavigateRejected); got != 1 {
		t.Fatalf("expected 1 rejection, got %d", got)
	}
}

func TestWatchReportsOnlyChanges(t *testing.T) {
	st := store.NewMemory().Context()
	g := newTestGate(t)
	r := newTestRouter(t, g, "patient", st)

	var seen []View
	cancel := r.Watch(func(v View) { seen = append(seen, v) })

	_ = r.NavigateTo(ViewLogin) // already login
	_ = r.NavigateTo(ViewDashboard)
	_ = r.NavigateTo(ViewDashboard)
	cancel()
	_ = r.NavigateTo(ViewLogin)

	if len(seen) != 1 || seen[0] != ViewDashboard {
		t.Fatalf("unexpected notifications: %v", seen)
	}
}

func TestLoginInOtherContextSwitchesToDashboard(t *testing.T) {
	mem := store.NewMemory()
	tabA := mem.Context()
	tabB := mem.Context()

	g := newTestGate(t)
	ctx := context.Background()

	r, err := g.Open(ctx, "patient", tabB)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = r.Close() })
	if r.View() != ViewLogin {
		t.Fatalf("expected login, got %q", r.View())
	}

	views := make(chan View, 8)
	r.Watch(func(v View) { views <- v })

	seed(t, tabA, map[string]string{testEmail: testRecord})
	seed(t, tabA, map[string]string{"currentUser": testEmail})
	seed(t, tabA, map[string]string{"isLoggedIn": "true"})

	waitView(t, views, ViewDashboard)
}

func TestAccountDeletionInOtherContextClearsSession(t *testing.T) {
	mem := store.NewMemory()
	tabA := mem.Context()
	tabB := mem.Context()
	seed(t, tabA, sessionFixture(true, true, true))

	g := newTestGate(t)
	r, err := g.Open(context.Background(), "patient", tabB)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = r.Close() })
	if r.View() != ViewDashboard {
		t.Fatalf("expected dashboard, got %q", r.View())
	}

	views := make(chan View, 8)
	r.Watch(func(v View) { views <- v })

	if err := tabA.Remove(context.Background(), testEmail); err != nil {
		t.Fatalf("remove record: %v", err)
	}
	waitView(t, views, ViewLogin)

	snap := mem.Snapshot()
	if _, ok := snap["currentUser"]; ok {
		t.Fatal("expected currentUser cleared")
	}
	if _, ok := snap["isLoggedIn"]; ok {
		t.Fatal("expected isLoggedIn cleared")
	}
}

func TestLogoutInOtherContextReturnsToDefault(t *testing.T) {
	mem := store.NewMemory()
	tabA := mem.Context()
	tabB := mem.Context()
	seed(t, tabA, sessionFixture(true, true, true))

	g := newTestGate(t)
	r, err := g.Open(context.Background(), "patient", tabB)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = r.Close() })

	views := make(chan View, 8)
	r.Watch(func(v View) { views <- v })

	seed(t, tabA, map[string]string{"isLoggedIn": "false"})
	waitView(t, views, ViewLogin)

	// Flag off is not a broken session: nothing is removed.
	if mem.Snapshot()["currentUser"] != testEmail {
		t.Fatal("change handler must not remove currentUser when the flag is off")
	}
}

func TestOwnWritesDoNotTriggerReevaluation(t *testing.T) {
	mem := store.NewMemory()
	tab := mem.Context()

	g := newTestGate(t)
	r, err := g.Open(context.Background(), "patient", tab)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = r.Close() })

	seed(t, tab, sessionFixture(true, true, true))
	time.Sleep(50 * time.Millisecond)

	if r.View() != ViewLogin {
		t.Fatalf("own writes must not move the router, got %q", r.View())
	}
	if got := g.Metrics().Value(MetricStorageChange); got != 0 {
		t.Fatalf("expected no change evaluations, got %d", got)
	}
}

func TestCloseStopsFollowingChanges(t *testing.T) {
	mem := store.NewMemory()
	tabA := mem.Context()
	tabB := mem.Context()

	g := newTestGate(t)
	r, err := g.Open(context.Background(), "patient", tabB)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if g.ActiveRouters() != 1 {
		t.Fatalf("expected 1 active router, got %d", g.ActiveRouters())
	}
	if err := r.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := r.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if g.ActiveRouters() != 0 {
		t.Fatalf("expected 0 active routers, got %d", g.ActiveRouters())
	}

	seed(t, tabA, sessionFixture(true, true, true))
	time.Sleep(50 * time.Millisecond)

	if r.View() != ViewLogin {
		t.Fatalf("closed router moved to %q", r.View())
	}
	if err := r.NavigateTo(ViewDashboard); !errors.Is(err, ErrRouterClosed) {
		t.Fatalf("expected ErrRouterClosed, got %v", err)
	}
	if err := r.Start(context.Background()); !errors.Is(err, ErrRouterClosed) {
		t.Fatalf("expected ErrRouterClosed from Start, got %v", err)
	}
}

func TestStartTwiceFails(t *testing.T) {
	g := newTestGate(t)
	r := newTestRouter(t, g, "patient", store.NewMemory().Context())

	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := r.Start(context.Background()); !errors.Is(err, ErrRouterStarted) {
		t.Fatalf("expected ErrRouterStarted, got %v", err)
	}
}

type failingStore struct {
	store.Store
	getErr    error
	removes   int
	subscribe error
}

func (f *failingStore) Get(ctx context.Context, key string) (string, bool, error) {
	if f.getErr != nil {
		return "", false, f.getErr
	}
	return f.Store.Get(ctx, key)
}

func (f *failingStore) Remove(ctx context.Context, key string) error {
	f.removes++
	return f.Store.Remove(ctx, key)
}

func (f *failingStore) Subscribe(ctx context.Context, fn func(store.Change)) (store.Subscription, error) {
	if f.subscribe != nil {
		return nil, f.subscribe
	}
	return f.Store.Subscribe(ctx, fn)
}

func TestStoreReadFailureRoutesToDefaultWithoutWriting(t *testing.T) {
	mem := store.NewMemory()
	fs := &failingStore{Store: mem.Context(), getErr: store.ErrUnavailable}
	seed(t, fs.Store, sessionFixture(false, true, true))

	g := newTestGate(t)
	r := newTestRouter(t, g, "patient", fs)
	_ = r.NavigateTo(ViewDashboard)

	if got := r.Initialize(context.Background()); got != ViewLogin {
		t.Fatalf("expected login, got %q", got)
	}
	if got := r.OnExternalStorageChange(context.Background()); got != ViewLogin {
		t.Fatalf("expected login, got %q", got)
	}
	if fs.removes != 0 {
		t.Fatalf("expected no removes on read failure, got %d", fs.removes)
	}
	if got := g.Metrics().Value(MetricStoreError); got != 2 {
		t.Fatalf("expected 2 store errors, got %d", got)
	}
}

func TestOpenFailsWhenSubscribeFails(t *testing.T) {
	fs := &failingStore{Store: store.NewMemory().Context(), subscribe: store.ErrUnavailable}

	g := newTestGate(t)
	if _, err := g.Open(context.Background(), "patient", fs); !errors.Is(err, store.ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	if g.ActiveRouters() != 0 {
		t.Fatalf("failed Open must not leak a router, got %d", g.ActiveRouters())
	}
}

func TestRedisBackedRoutersFollowEachOther(t *testing.T) {
	backend, cleanup := newTestRedisBackend(t)
	defer cleanup()

	tabA := backend.Context()
	tabB := backend.Context()
	g := newTestGate(t)

	r, err := g.Open(context.Background(), "patient", tabB)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = r.Close() })

	views := make(chan View, 8)
	r.Watch(func(v View) { views <- v })

	seed(t, tabA, map[string]string{testEmail: testRecord})
	seed(t, tabA, map[string]string{"currentUser": testEmail})
	seed(t, tabA, map[string]string{"isLoggedIn": "true"})
	waitView(t, views, ViewDashboard)

	if err := tabA.Remove(context.Background(), testEmail); err != nil {
		t.Fatalf("remove record: %v", err)
	}
	waitView(t, views, ViewLogin)

	if _, ok, _ := tabA.Get(context.Background(), "isLoggedIn"); ok {
		t.Fatal("expected flag cleared through redis")
	}
}
