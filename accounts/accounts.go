// Package accounts implements the register, sign-in, and sign-out actions that write a role's
// session keys and user records into a session store context.
//
// These writes are what other contexts' routers react to. The acting context does not see
// its own writes as change events, so callers navigate their own router afterwards.
package accounts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/okiedoc/viewgate"
	"github.com/okiedoc/viewgate/password"
	"github.com/okiedoc/viewgate/store"
)

var (
	ErrInvalidEmail       = errors.New("invalid email address")
	ErrAccountExists      = errors.New("account already exists")
	ErrInvalidCredentials = errors.New("invalid email or password")
	ErrNoSession          = errors.New("no active session")
	ErrAccountNotFound    = errors.New("account not found")
)

// Record is the JSON document stored at the key equal to the user's email.
type Record struct {
	Email        string    `json:"email"`
	FirstName    string    `json:"firstName,omitempty"`
	LastName     string    `json:"lastName,omitempty"`
	Phone        string    `json:"phone,omitempty"`
	PasswordHash string    `json:"passwordHash"`
	CreatedAt    time.Time `json:"createdAt"`
}

// RegisterInput is the registration form.
type RegisterInput struct {
	Email     string `json:"email"`
	Password  string `json:"password"`
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
	Phone     string `json:"phone"`
}

// Service performs account actions for one role profile through one store context.
type Service struct {
	profile   viewgate.RoleProfile
	store     store.Store
	hasher    *password.Hasher
	flagValue string
	now       func() time.Time
}

// NewService binds profile and st. flagValue is written to the session flag on sign-in and
// must match the Gate's RouterConfig.SessionFlagTrueValue.
func NewService(profile viewgate.RoleProfile, st store.Store, hasher *password.Hasher, flagValue string) *Service {
	if flagValue == "" {
		flagValue = viewgate.DefaultConfig().Router.SessionFlagTrueValue
	}
	return &Service{
		profile:   profile,
		store:     st,
		hasher:    hasher,
		flagValue: flagValue,
		now:       time.Now,
	}
}

// NormalizeEmail trims and lowercases s and checks it is a bare address.
func NormalizeEmail(s string) (string, error) {
	email := strings.ToLower(strings.TrimSpace(s))
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email || addr.Name != "" {
		return "", fmt.Errorf("%w: %q", ErrInvalidEmail, s)
	}
	return email, nil
}

// Register stores a new user record and signs the user in.
func (s *Service) Register(ctx context.Context, in RegisterInput) (*Record, error) {
	email, err := NormalizeEmail(in.Email)
	if err != nil {
		return nil, err
	}
	if err := s.hasher.Check(in.Password); err != nil {
		return nil, err
	}

	if _, exists, err := s.store.Get(ctx, email); err != nil {
		return nil, err
	} else if exists {
		return nil, ErrAccountExists
	}

	hash, err := s.hasher.Hash(in.Password)
	if err != nil {
		return nil, err
	}

	rec := &Record{
		Email:        email,
		FirstName:    strings.TrimSpace(in.FirstName),
		LastName:     strings.TrimSpace(in.LastName),
		Phone:        strings.TrimSpace(in.Phone),
		PasswordHash: hash,
		CreatedAt:    s.now().UTC(),
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, err
	}
	if err := s.store.Set(ctx, email, string(data)); err != nil {
		return nil, err
	}

	if err := s.signIn(ctx, email); err != nil {
		return nil, err
	}
	return rec, nil
}

// Login verifies credentials against the stored record and signs the user in.
func (s *Service) Login(ctx context.Context, email, pass string) (*Record, error) {
	email, err := NormalizeEmail(email)
	if err != nil {
		return nil, ErrInvalidCredentials
	}

	rec, err := s.load(ctx, email)
	if errors.Is(err, ErrAccountNotFound) {
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, err
	}

	ok, err := s.hasher.Verify(pass, rec.PasswordHash)
	if err != nil {
		return nil, fmt.Errorf("verify %s: %w", email, err)
	}
	if !ok {
		return nil, ErrInvalidCredentials
	}

	if err := s.signIn(ctx, email); err != nil {
		return nil, err
	}
	return rec, nil
}

// signIn writes the current user before the flag, so a context reacting to the flag sees
// a complete session.
func (s *Service) signIn(ctx context.Context, email string) error {
	if err := s.store.Set(ctx, s.profile.CurrentUserKey, email); err != nil {
		return err
	}
	return s.store.Set(ctx, s.profile.SessionFlagKey, s.flagValue)
}

// Logout removes the current user and the session flag.
func (s *Service) Logout(ctx context.Context) error {
	if err := s.store.Remove(ctx, s.profile.CurrentUserKey); err != nil {
		return err
	}
	return s.store.Remove(ctx, s.profile.SessionFlagKey)
}

// Current returns the signed-in user's record.
func (s *Service) Current(ctx context.Context) (*Record, error) {
	flag, ok, err := s.store.Get(ctx, s.profile.SessionFlagKey)
	if err != nil {
		return nil, err
	}
	if !ok || flag != s.flagValue {
		return nil, ErrNoSession
	}

	email, ok, err := s.store.Get(ctx, s.profile.CurrentUserKey)
	if err != nil {
		return nil, err
	}
	if !ok || email == "" {
		return nil, ErrNoSession
	}

	rec, err := s.load(ctx, email)
	if errors.Is(err, ErrAccountNotFound) {
		return nil, ErrNoSession
	}
	return rec, err
}

// Delete removes the user record for email. Sessions pointing at it become orphaned and
// are cleared by the routers that observe the removal.
func (s *Service) Delete(ctx context.Context, email string) error {
	email, err := NormalizeEmail(email)
	if err != nil {
		return err
	}
	if _, ok, err := s.store.Get(ctx, email); err != nil {
		return err
	} else if !ok {
		return ErrAccountNotFound
	}
	return s.store.Remove(ctx, email)
}

func (s *Service) load(ctx context.Context, email string) (*Record, error) {
	raw, ok, err := s.store.Get(ctx, email)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrAccountNotFound
	}

	var rec Record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, fmt.Errorf("decode record %s: %w", email, err)
	}
	return &rec, nil
}
