// Package sessioncheck reads the three facts that decide session validity from a store.
package sessioncheck

import (
	"context"

	"github.com/okiedoc/viewgate/store"
)

// Keys names a role's session keys.
type Keys struct {
	Flag        string
	CurrentUser string
}

// State is one read of a role's session.
type State struct {
	Flag          bool
	UserKey       string
	UserKeyExists bool
	Record        bool
}

// Valid reports flag on, a non-empty current user, and that user's record present.
func (s State) Valid() bool {
	return s.Flag && s.UserKey != "" && s.Record
}

// Read performs the minimum reads needed to decide validity: the record is only looked up
// when flag and current user are both present.
func Read(ctx context.Context, st store.Store, keys Keys, flagValue string) (State, error) {
	var s State

	flag, ok, err := st.Get(ctx, keys.Flag)
	if err != nil {
		return s, err
	}
	s.Flag = ok && flag == flagValue

	user, ok, err := st.Get(ctx, keys.CurrentUser)
	if err != nil {
		return s, err
	}
	s.UserKey = user
	s.UserKeyExists = ok

	if !s.Flag || s.UserKey == "" {
		return s, nil
	}

	_, s.Record, err = st.Get(ctx, s.UserKey)
	return s, err
}
