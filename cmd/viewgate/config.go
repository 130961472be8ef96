package main

import (
	"log/slog"
	"os"
	"strings"
	"time"
)

type config struct {
	Addr            string
	LogLevel        string
	ShutdownTimeout time.Duration

	StoreDriver      string
	StorePrefix      string
	RedisAddr        string
	RedisPassword    string
	RedisDB          int
	PostgresURL      string
	PostgresSchema   string
	FallbackToMemory bool

	StoreTimeout   time.Duration
	AuditEnabled   bool
	MetricsEnabled bool
	TabSecret      string
	TabTTL         time.Duration
	TabReap        time.Duration
	AllowedOrigins []string
}

func loadConfig() config {
	return config{
		Addr:            envString("VIEWGATE_ADDR", ":8080"),
		LogLevel:        envString("VIEWGATE_LOG_LEVEL", "info"),
		ShutdownTimeout: envDuration("VIEWGATE_SHUTDOWN_TIMEOUT", 10*time.Second),

		StoreDriver:      envString("VIEWGATE_STORE", "memory"),
		StorePrefix:      envString("VIEWGATE_STORE_PREFIX", "okd"),
		RedisAddr:        envString("REDIS_ADDR", ""),
		RedisPassword:    envString("REDIS_PASSWORD", ""),
		RedisDB:          envInt("REDIS_DB", 0),
		PostgresURL:      envString("VIEWGATE_DATABASE_URL", ""),
		PostgresSchema:   envString("VIEWGATE_DATABASE_SCHEMA", "viewgate"),
		FallbackToMemory: envBool("VIEWGATE_STORE_FALLBACK", true),

		StoreTimeout:   envDuration("VIEWGATE_STORE_TIMEOUT", 2*time.Second),
		AuditEnabled:   envBool("VIEWGATE_AUDIT", true),
		MetricsEnabled: envBool("VIEWGATE_METRICS", true),
		TabSecret:      envString("VIEWGATE_TAB_SECRET", ""),
		TabTTL:         envDuration("VIEWGATE_TAB_TTL", 12*time.Hour),
		TabReap:        envDuration("VIEWGATE_TAB_REAP_INTERVAL", 30*time.Second),
		AllowedOrigins: envList("VIEWGATE_ALLOWED_ORIGINS"),
	}
}

func newLogger(level string) *slog.Logger {
	lvl := slog.LevelInfo
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	}

	log := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(log)
	return log
}
