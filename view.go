package viewgate

import (
	"errors"
	"strings"
)

// View names one top-level screen a router can select.
type View string

const (
	// ViewLogin is the sign-in screen.
	ViewLogin View = "login"
	// ViewRegistration is the sign-up screen.
	ViewRegistration View = "registration"
	// ViewDashboard is the authenticated home screen.
	ViewDashboard View = "dashboard"
)

// Valid reports whether v is one of the closed set of views.
func (v View) Valid() bool {
	switch v {
	case ViewLogin, ViewRegistration, ViewDashboard:
		return true
	}
	return false
}

// Authenticated reports whether v is the authenticated view.
func (v View) Authenticated() bool {
	return v == ViewDashboard
}

func (v View) String() string {
	return string(v)
}

// ParseView converts a wire name into a View.
func ParseView(s string) (View, error) {
	v := View(strings.ToLower(strings.TrimSpace(s)))
	if !v.Valid() {
		return "", ErrInvalidView
	}
	return v, nil
}

// RoleProfile parametrizes a router for one user role: which unauthenticated screen it falls
// back to and which store keys hold that role's session flag and current user.
//
// User records are looked up at the key equal to the current user value (an email).
type RoleProfile struct {
	Name           string
	DefaultView    View
	SessionFlagKey string
	CurrentUserKey string
}

// PatientProfile is the patient portal: sign-in first, session under isLoggedIn/currentUser.
func PatientProfile() RoleProfile {
	return RoleProfile{
		Name:           "patient",
		DefaultView:    ViewLogin,
		SessionFlagKey: "isLoggedIn",
		CurrentUserKey: "currentUser",
	}
}

// SpecialistProfile is the specialist portal: onboarding starts at registration.
func SpecialistProfile() RoleProfile {
	return RoleProfile{
		Name:           "specialist",
		DefaultView:    ViewRegistration,
		SessionFlagKey: "specialistIsLoggedIn",
		CurrentUserKey: "currentSpecialist",
	}
}

// Validate checks a profile before it is registered with a Builder.
func (p RoleProfile) Validate() error {
	if strings.TrimSpace(p.Name) == "" {
		return errors.New("RoleProfile Name must not be empty")
	}
	if p.DefaultView != ViewLogin && p.DefaultView != ViewRegistration {
		return errors.New("RoleProfile DefaultView must be login or registration")
	}
	if p.SessionFlagKey == "" || p.CurrentUserKey == "" {
		return errors.New("RoleProfile store keys must not be empty")
	}
	if p.SessionFlagKey == p.CurrentUserKey {
		return errors.New("RoleProfile SessionFlagKey and CurrentUserKey must differ")
	}
	return nil
}
