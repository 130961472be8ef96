// Command viewgate serves session-gated view routing over HTTP and WebSocket.
//
// Configuration comes from the environment, optionally seeded from a .env file.
// VIEWGATE_STORE selects memory, redis, postgres, or miniredis (an embedded Redis for
// local development).
package main

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/joho/godotenv"
	"github.com/okiedoc/viewgate"
	"github.com/okiedoc/viewgate/httpapi"
	promexport "github.com/okiedoc/viewgate/metrics/export/prometheus"
	"github.com/okiedoc/viewgate/password"
	"github.com/okiedoc/viewgate/store"
	"github.com/okiedoc/viewgate/tabtoken"
	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "viewgate:", err)
		os.Exit(1)
	}
}

func run() error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("load .env: %w", err)
	}

	cfg := loadConfig()
	log := newLogger(cfg.LogLevel)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	backend, stopStore, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer stopStore()

	gcfg := viewgate.DefaultConfig()
	gcfg.Router.StoreTimeout = cfg.StoreTimeout
	gcfg.Metrics.Enabled = cfg.MetricsEnabled
	gcfg.Metrics.EnableLatencyHistograms = cfg.MetricsEnabled
	gcfg.Audit.Enabled = cfg.AuditEnabled
	for _, w := range gcfg.Lint() {
		log.Warn("config lint", "code", w.Code, "message", w.Message)
	}

	gate, err := viewgate.New().
		WithConfig(gcfg).
		WithLogger(log).
		WithAuditSink(viewgate.NewSlogSink(log.With("component", "audit"))).
		Build()
	if err != nil {
		return fmt.Errorf("build gate: %w", err)
	}
	defer gate.Close()

	tokens, err := newTokenManager(cfg, log)
	if err != nil {
		return err
	}
	hasher, err := password.NewArgon2(password.DefaultConfig())
	if err != nil {
		return err
	}

	reg := promclient.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	if _, err := promexport.Register(reg, gate); err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}

	api, err := httpapi.New(httpapi.Config{
		Gate:           gate,
		Backend:        backend,
		Tokens:         tokens,
		Hasher:         hasher,
		Logger:         log,
		FlagValue:      gcfg.Router.SessionFlagTrueValue,
		MetricsHandler: promexport.Handler(reg),
		AllowedOrigins: cfg.AllowedOrigins,
		ReapInterval:   cfg.TabReap,
	})
	if err != nil {
		return err
	}
	defer api.Close()

	srv := &http.Server{
		Addr:    cfg.Addr,
		Handler: api.Handler(),
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("listening", "addr", cfg.Addr, "store", cfg.StoreDriver)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancelShutdown()
	// Hijacked WebSocket connections are not tracked by Shutdown; closing the tabs ends them.
	_ = api.Close()
	return srv.Shutdown(shutdownCtx)
}

func openStore(ctx context.Context, cfg config, log *slog.Logger) (store.Backend, func(), error) {
	scfg := store.Config{
		Driver:           cfg.StoreDriver,
		Prefix:           cfg.StorePrefix,
		RedisAddr:        cfg.RedisAddr,
		RedisPassword:    cfg.RedisPassword,
		RedisDB:          cfg.RedisDB,
		PostgresURL:      cfg.PostgresURL,
		PostgresSchema:   cfg.PostgresSchema,
		FallbackToMemory: cfg.FallbackToMemory,
		Logger:           log,
	}

	stopEmbedded := func() {}
	if cfg.StoreDriver == "miniredis" {
		mr, err := miniredis.Run()
		if err != nil {
			return nil, nil, fmt.Errorf("start embedded redis: %w", err)
		}
		log.Info("using embedded redis", "addr", mr.Addr())
		scfg.Driver = store.DriverRedis
		scfg.RedisAddr = mr.Addr()
		stopEmbedded = mr.Close
	}

	backend, err := store.Open(ctx, scfg)
	if err != nil {
		stopEmbedded()
		return nil, nil, fmt.Errorf("open session store: %w", err)
	}
	return backend, func() {
		_ = backend.Close()
		stopEmbedded()
	}, nil
}

func newTokenManager(cfg config, log *slog.Logger) (*tabtoken.Manager, error) {
	tcfg := tabtoken.Config{
		TTL:      cfg.TabTTL,
		Issuer:   "viewgate",
		Audience: "viewgate-tabs",
		Leeway:   5 * time.Second,
	}
	if cfg.TabSecret != "" {
		tcfg.Method = tabtoken.MethodHS256
		tcfg.Secret = []byte(cfg.TabSecret)
		return tabtoken.NewManager(tcfg)
	}

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	log.Warn("VIEWGATE_TAB_SECRET not set; tab tokens are signed with an ephemeral key")
	tcfg.Method = tabtoken.MethodEd25519
	tcfg.PrivateKey = priv
	return tabtoken.NewManager(tcfg)
}
