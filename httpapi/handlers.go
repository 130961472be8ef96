package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/okiedoc/viewgate"
	"github.com/okiedoc/viewgate/accounts"
	"github.com/okiedoc/viewgate/password"
)

type openTabResponse struct {
	Token   string        `json:"token"`
	TabID   string        `json:"tab_id"`
	Profile string        `json:"profile"`
	View    viewgate.View `json:"view"`
}

type viewResponse struct {
	View viewgate.View `json:"view"`
	User *userResponse `json:"user,omitempty"`
}

type userResponse struct {
	Email     string `json:"email"`
	FirstName string `json:"firstName,omitempty"`
	LastName  string `json:"lastName,omitempty"`
	Phone     string `json:"phone,omitempty"`
}

type navigateRequest struct {
	View string `json:"view"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func toUser(rec *accounts.Record) *userResponse {
	if rec == nil {
		return nil
	}
	return &userResponse{Email: rec.Email, FirstName: rec.FirstName, LastName: rec.LastName, Phone: rec.Phone}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "tabs": s.OpenTabs()})
}

func (s *Server) handleOpenTab(w http.ResponseWriter, r *http.Request) {
	profile := chi.URLParam(r, "profile")
	if _, ok := s.cfg.Gate.Profile(profile); !ok {
		writeError(w, http.StatusNotFound, "unknown profile")
		return
	}

	ctx := viewgate.WithUserAgent(viewgate.WithClientIP(r.Context(), r.RemoteAddr), r.UserAgent())
	st := s.cfg.Backend.Context()
	router, err := s.cfg.Gate.Open(ctx, profile, st)
	if err != nil {
		s.log.Error("open tab failed", "profile", profile, "error", err)
		writeError(w, http.StatusServiceUnavailable, "session store unavailable")
		return
	}

	issued := time.Now()
	token, tabID, err := s.cfg.Tokens.Issue(profile)
	if err != nil {
		_ = router.Close()
		s.log.Error("issue tab token failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	t := &tab{
		id:       tabID,
		router:   router,
		accounts: accounts.NewService(router.Profile(), st, s.cfg.Hasher, s.cfg.FlagValue),
		expires:  issued.Add(s.cfg.Tokens.Lifetime()),
		done:     make(chan struct{}),
	}
	s.mu.Lock()
	s.tabs[tabID] = t
	s.mu.Unlock()

	s.log.Info("tab opened", "tab", tabID, "profile", profile, "view", router.View().String())
	writeJSON(w, http.StatusCreated, openTabResponse{Token: token, TabID: tabID, Profile: profile, View: router.View()})
}

func (s *Server) handleView(w http.ResponseWriter, r *http.Request) {
	t := tabFromContext(r.Context())
	resp := viewResponse{View: t.router.View()}
	if resp.View.Authenticated() {
		if rec, err := t.accounts.Current(r.Context()); err == nil {
			resp.User = toUser(rec)
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleNavigate(w http.ResponseWriter, r *http.Request) {
	t := tabFromContext(r.Context())

	var req navigateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	view, err := viewgate.ParseView(req.View)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid view")
		return
	}
	if err := t.router.NavigateToContext(r.Context(), view); err != nil {
		writeError(w, http.StatusGone, "tab closed")
		return
	}
	writeJSON(w, http.StatusOK, viewResponse{View: t.router.View()})
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	t := tabFromContext(r.Context())

	var req accounts.RegisterInput
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}

	rec, err := t.accounts.Register(r.Context(), req)
	switch {
	case errors.Is(err, accounts.ErrInvalidEmail), errors.Is(err, password.ErrPolicy):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, accounts.ErrAccountExists):
		writeError(w, http.StatusConflict, "account already exists")
		return
	case err != nil:
		s.log.Error("register failed", "tab", t.id, "error", err)
		writeError(w, http.StatusServiceUnavailable, "session store unavailable")
		return
	}

	s.afterSignIn(w, r, t, rec)
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	t := tabFromContext(r.Context())

	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}

	rec, err := t.accounts.Login(r.Context(), req.Email, req.Password)
	switch {
	case errors.Is(err, accounts.ErrInvalidCredentials):
		writeError(w, http.StatusUnauthorized, "invalid email or password")
		return
	case err != nil:
		s.log.Error("login failed", "tab", t.id, "error", err)
		writeError(w, http.StatusServiceUnavailable, "session store unavailable")
		return
	}

	s.afterSignIn(w, r, t, rec)
}

// afterSignIn moves the acting tab itself; its own writes never reach its subscription.
func (s *Server) afterSignIn(w http.ResponseWriter, r *http.Request, t *tab, rec *accounts.Record) {
	if err := t.router.NavigateToContext(r.Context(), viewgate.ViewDashboard); err != nil {
		writeError(w, http.StatusGone, "tab closed")
		return
	}
	writeJSON(w, http.StatusOK, viewResponse{View: t.router.View(), User: toUser(rec)})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	t := tabFromContext(r.Context())

	if err := t.accounts.Logout(r.Context()); err != nil {
		s.log.Error("logout failed", "tab", t.id, "error", err)
		writeError(w, http.StatusServiceUnavailable, "session store unavailable")
		return
	}
	if err := t.router.NavigateToContext(r.Context(), t.router.Profile().DefaultView); err != nil {
		writeError(w, http.StatusGone, "tab closed")
		return
	}
	writeJSON(w, http.StatusOK, viewResponse{View: t.router.View()})
}

func (s *Server) handleCloseTab(w http.ResponseWriter, r *http.Request) {
	t := tabFromContext(r.Context())
	if _, ok := s.forget(t.id); ok {
		if err := t.close(); err != nil {
			s.log.Warn("tab close", "tab", t.id, "error", err)
		}
		s.log.Info("tab closed", "tab", t.id)
	}
	w.WriteHeader(http.StatusNoContent)
}
