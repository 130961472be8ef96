// Package httpapi serves viewgate routers over HTTP. Each opened tab owns one store
// context and one router; the tab's client drives account actions and navigation through
// JSON endpoints and receives view changes made by other tabs over a WebSocket.
package httpapi

import (
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/okiedoc/viewgate"
	"github.com/okiedoc/viewgate/accounts"
	"github.com/okiedoc/viewgate/password"
	"github.com/okiedoc/viewgate/store"
	"github.com/okiedoc/viewgate/tabtoken"
)

// Config wires a Server.
type Config struct {
	Gate    *viewgate.Gate
	Backend store.Backend
	Tokens  *tabtoken.Manager
	Hasher  *password.Hasher
	Logger  *slog.Logger
	// FlagValue is written as the session flag on sign-in. It must match the Gate's
	// RouterConfig.SessionFlagTrueValue.
	FlagValue string
	// MetricsHandler is mounted at /metrics when set.
	MetricsHandler http.Handler
	// AllowedOrigins restricts WebSocket upgrades. Empty allows any origin.
	AllowedOrigins []string
	// ReapInterval is how often tabs whose token has expired are closed. Default 30s.
	ReapInterval time.Duration
}

const defaultReapInterval = 30 * time.Second

// Server holds the open tabs.
type Server struct {
	cfg      Config
	log      *slog.Logger
	upgrader websocket.Upgrader

	mu   sync.RWMutex
	tabs map[string]*tab

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

type tab struct {
	id       string
	router   *viewgate.Router
	accounts *accounts.Service
	// expires is when the tab token stops passing the guard. Nobody can reach the tab
	// after that, so the reaper closes it.
	expires time.Time
	done    chan struct{}
	once    sync.Once
}

func (t *tab) close() error {
	var err error
	t.once.Do(func() {
		err = t.router.Close()
		close(t.done)
	})
	return err
}

// New validates cfg and returns a Server. The Server closes tabs with expired tokens in the
// background until Close.
func New(cfg Config) (*Server, error) {
	if cfg.Gate == nil {
		return nil, errors.New("httpapi: Gate required")
	}
	if cfg.Backend == nil {
		return nil, errors.New("httpapi: Backend required")
	}
	if cfg.Tokens == nil {
		return nil, errors.New("httpapi: Tokens required")
	}
	if cfg.Hasher == nil {
		return nil, errors.New("httpapi: Hasher required")
	}
	if cfg.FlagValue == "" {
		cfg.FlagValue = viewgate.DefaultConfig().Router.SessionFlagTrueValue
	}
	if cfg.ReapInterval <= 0 {
		cfg.ReapInterval = defaultReapInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		cfg:  cfg,
		log:  logger,
		tabs: make(map[string]*tab),
		stop: make(chan struct{}),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}

	s.wg.Add(1)
	go s.reapLoop()
	return s, nil
}

func (s *Server) reapLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.ReapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case now := <-ticker.C:
			s.reapExpired(now)
		}
	}
}

// reapExpired closes every tab whose token expired at or before now.
func (s *Server) reapExpired(now time.Time) int {
	s.mu.Lock()
	var expired []*tab
	for id, t := range s.tabs {
		if !now.Before(t.expires) {
			expired = append(expired, t)
			delete(s.tabs, id)
		}
	}
	s.mu.Unlock()

	for _, t := range expired {
		if err := t.close(); err != nil {
			s.log.Warn("expired tab close failed", "tab", t.id, "error", err)
		}
	}
	if len(expired) > 0 {
		s.log.Info("expired tabs closed", "count", len(expired))
	}
	return len(expired)
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	for _, allowed := range s.cfg.AllowedOrigins {
		if origin == allowed {
			return true
		}
	}
	return false
}

// Handler returns the chi router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(s.log))
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	if s.cfg.MetricsHandler != nil {
		r.Handle("/metrics", s.cfg.MetricsHandler)
	}

	r.Route("/v1", func(r chi.Router) {
		r.Post("/{profile}/tabs", s.handleOpenTab)
		r.Route("/tab", func(r chi.Router) {
			r.Use(s.guard)
			r.Get("/view", s.handleView)
			r.Post("/navigate", s.handleNavigate)
			r.Post("/register", s.handleRegister)
			r.Post("/login", s.handleLogin)
			r.Post("/logout", s.handleLogout)
			r.Get("/events", s.handleEvents)
			r.Delete("/", s.handleCloseTab)
		})
	})
	return r
}

// OpenTabs returns the number of open tabs.
func (s *Server) OpenTabs() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tabs)
}

// Close stops the reaper and closes every open tab.
func (s *Server) Close() error {
	s.stopOnce.Do(func() { close(s.stop) })
	s.wg.Wait()

	s.mu.Lock()
	tabs := s.tabs
	s.tabs = make(map[string]*tab)
	s.mu.Unlock()

	var firstErr error
	for _, t := range tabs {
		if err := t.close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (s *Server) lookup(id string) (*tab, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tabs[id]
	return t, ok
}

func (s *Server) forget(id string) (*tab, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tabs[id]
	delete(s.tabs, id)
	return t, ok
}
