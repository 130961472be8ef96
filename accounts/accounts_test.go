package accounts

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/okiedoc/viewgate"
	"github.com/okiedoc/viewgate/password"
	"github.com/okiedoc/viewgate/store"
)

func testHasher(t *testing.T) *password.Hasher {
	t.Helper()
	cfg := password.DefaultConfig()
	cfg.Memory = 8 * 1024
	cfg.Time = 1
	cfg.Parallelism = 1
	h, err := password.NewArgon2(cfg)
	if err != nil {
		t.Fatalf("NewArgon2: %v", err)
	}
	return h
}

func newTestService(t *testing.T, mem *store.Memory) *Service {
	t.Helper()
	return NewService(viewgate.PatientProfile(), mem.Context(), testHasher(t), "true")
}

func TestRegisterSignsIn(t *testing.T) {
	mem := store.NewMemory()
	svc := newTestService(t, mem)
	ctx := context.Background()

	rec, err := svc.Register(ctx, RegisterInput{Email: "  A@B.com ", Password: "long-enough", FirstName: "Ann"})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if rec.Email != "a@b.com" {
		t.Fatalf("expected normalized email, got %q", rec.Email)
	}

	snap := mem.Snapshot()
	if snap["isLoggedIn"] != "true" || snap["currentUser"] != "a@b.com" || snap["a@b.com"] == "" {
		t.Fatalf("unexpected store after register: %v", snap)
	}

	cur, err := svc.Current(ctx)
	if err != nil || cur.FirstName != "Ann" {
		t.Fatalf("Current: %+v %v", cur, err)
	}
}

func TestRegisterValidation(t *testing.T) {
	mem := store.NewMemory()
	svc := newTestService(t, mem)
	ctx := context.Background()

	if _, err := svc.Register(ctx, RegisterInput{Email: "not-an-email", Password: "long-enough"}); !errors.Is(err, ErrInvalidEmail) {
		t.Fatalf("expected ErrInvalidEmail, got %v", err)
	}
	if _, err := svc.Register(ctx, RegisterInput{Email: "Ann <a@b.com>", Password: "long-enough"}); !errors.Is(err, ErrInvalidEmail) {
		t.Fatalf("expected ErrInvalidEmail for display name form, got %v", err)
	}
	if _, err := svc.Register(ctx, RegisterInput{Email: "a@b.com", Password: "short"}); !errors.Is(err, password.ErrPolicy) {
		t.Fatalf("expected ErrPolicy, got %v", err)
	}
	if len(mem.Snapshot()) != 0 {
		t.Fatal("rejected registrations must not write")
	}

	if _, err := svc.Register(ctx, RegisterInput{Email: "a@b.com", Password: "long-enough"}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if _, err := svc.Register(ctx, RegisterInput{Email: "A@b.com", Password: "long-enough"}); !errors.Is(err, ErrAccountExists) {
		t.Fatalf("expected ErrAccountExists, got %v", err)
	}
}

func TestLoginAndLogout(t *testing.T) {
	mem := store.NewMemory()
	svc := newTestService(t, mem)
	ctx := context.Background()

	if _, err := svc.Register(ctx, RegisterInput{Email: "a@b.com", Password: "long-enough"}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := svc.Logout(ctx); err != nil {
		t.Fatalf("Logout: %v", err)
	}
	if _, err := svc.Current(ctx); !errors.Is(err, ErrNoSession) {
		t.Fatalf("expected ErrNoSession, got %v", err)
	}

	if _, err := svc.Login(ctx, "a@b.com", "wrong-password"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
	if _, err := svc.Login(ctx, "nobody@b.com", "long-enough"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials for unknown user, got %v", err)
	}
	if _, ok := mem.Snapshot()["isLoggedIn"]; ok {
		t.Fatal("failed login must not set the flag")
	}

	if _, err := svc.Login(ctx, "A@B.COM", "long-enough"); err != nil {
		t.Fatalf("Login: %v", err)
	}
	if mem.Snapshot()["currentUser"] != "a@b.com" {
		t.Fatal("expected current user set")
	}
}

func TestDeleteOrphansSessionInOtherContext(t *testing.T) {
	mem := store.NewMemory()
	tabA := NewService(viewgate.PatientProfile(), mem.Context(), testHasher(t), "true")
	ctx := context.Background()

	if _, err := tabA.Register(ctx, RegisterInput{Email: "a@b.com", Password: "long-enough"}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	g, err := viewgate.New().Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	defer g.Close()

	r, err := g.Open(ctx, "patient", mem.Context())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if r.View() != viewgate.ViewDashboard {
		t.Fatalf("expected dashboard, got %q", r.View())
	}

	views := make(chan viewgate.View, 4)
	r.Watch(func(v viewgate.View) { views <- v })

	if err := tabA.Delete(ctx, "a@b.com"); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	select {
	case v := <-views:
		if v != viewgate.ViewLogin {
			t.Fatalf("expected login, got %q", v)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("router did not react to account deletion")
	}
	if _, err := tabA.Current(ctx); !errors.Is(err, ErrNoSession) {
		t.Fatalf("expected ErrNoSession after cleanup, got %v", err)
	}
	if err := tabA.Delete(ctx, "a@b.com"); !errors.Is(err, ErrAccountNotFound) {
		t.Fatalf("expected ErrAccountNotFound, got %v", err)
	}
}
