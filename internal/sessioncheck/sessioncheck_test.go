package sessioncheck

import (
	"context"
	"testing"

	"github.com/okiedoc/viewgate/store"
)

type countingStore struct {
	store.Store
	gets int
}

func (c *countingStore) Get(ctx context.Context, key string) (string, bool, error) {
	c.gets++
	return c.Store.Get(ctx, key)
}

var keys = Keys{Flag: "isLoggedIn", CurrentUser: "currentUser"}

func TestReadValidSession(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory().Context()
	_ = st.Set(ctx, "isLoggedIn", "true")
	_ = st.Set(ctx, "currentUser", "a@b.com")
	_ = st.Set(ctx, "a@b.com", "{}")

	s, err := Read(ctx, st, keys, "true")
	if err != nil || !s.Valid() {
		t.Fatalf("expected valid session, got %+v err=%v", s, err)
	}
}

func TestReadSkipsRecordLookupWithoutFlag(t *testing.T) {
	ctx := context.Background()
	cs := &countingStore{Store: store.NewMemory().Context()}
	_ = cs.Store.Set(ctx, "isLoggedIn", "false")
	_ = cs.Store.Set(ctx, "currentUser", "a@b.com")

	s, err := Read(ctx, cs, keys, "true")
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if s.Valid() || s.Flag || !s.UserKeyExists {
		t.Fatalf("unexpected state %+v", s)
	}
	if cs.gets != 2 {
		t.Fatalf("expected 2 reads, got %d", cs.gets)
	}
}

func TestReadMissingRecord(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory().Context()
	_ = st.Set(ctx, "isLoggedIn", "true")
	_ = st.Set(ctx, "currentUser", "gone@b.com")

	s, err := Read(ctx, st, keys, "true")
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if s.Valid() || s.Record || s.UserKey != "gone@b.com" {
		t.Fatalf("unexpected state %+v", s)
	}
}
