package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
)

// Supported Config.Driver values.
const (
	DriverMemory   = "memory"
	DriverRedis    = "redis"
	DriverPostgres = "postgres"
)

// ErrUnknownDriver is returned by [Open] for an unsupported driver name.
var ErrUnknownDriver = errors.New("unknown session store driver")

// Config selects and configures a backend for [Open].
type Config struct {
	Driver             string
	Prefix             string
	SubscriptionBuffer int

	RedisAddr     string
	RedisUsername string
	RedisPassword string
	RedisDB       int

	PostgresURL     string
	PostgresSchema  string
	PostgresChannel string

	// FallbackToMemory switches to the in-memory backend when Redis cannot be reached.
	FallbackToMemory bool
	PingTimeout      time.Duration

	Logger *slog.Logger
}

// Open builds the configured backend. Redis and Postgres backends returned here own their
// client or pool and release it on Close.
func Open(ctx context.Context, cfg Config) (Backend, error) {
	log := cfg.Logger
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	pingTimeout := cfg.PingTimeout
	if pingTimeout <= 0 {
		pingTimeout = 3 * time.Second
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", DriverMemory:
		log.Info("using in-memory session store")
		return NewMemory(WithMemorySubscriptionBuffer(cfg.SubscriptionBuffer)), nil

	case DriverRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Username: cfg.RedisUsername,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})

		pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
		err := client.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			_ = client.Close()
			if cfg.FallbackToMemory {
				log.Warn("redis unreachable, falling back to in-memory session store",
					"addr", cfg.RedisAddr, "error", err)
				return NewMemory(WithMemorySubscriptionBuffer(cfg.SubscriptionBuffer)), nil
			}
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}

		backend := NewRedis(client, RedisOptions{
			Prefix:             cfg.Prefix,
			SubscriptionBuffer: cfg.SubscriptionBuffer,
		})
		backend.closer = client.Close
		log.Info("using redis session store", "addr", cfg.RedisAddr, "prefix", backend.prefix)
		return backend, nil

	case DriverPostgres:
		pool, err := pgxpool.New(ctx, cfg.PostgresURL)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}

		pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
		err = pool.Ping(pingCtx)
		cancel()
		if err != nil {
			pool.Close()
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}

		backend, err := NewPostgres(pool, PostgresOptions{
			Schema:             cfg.PostgresSchema,
			Channel:            cfg.PostgresChannel,
			SubscriptionBuffer: cfg.SubscriptionBuffer,
		})
		if err != nil {
			pool.Close()
			return nil, err
		}
		if err := backend.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, err
		}
		backend.closer = pool.Close
		log.Info("using postgres session store", "schema", backend.schema)
		return backend, nil
	}

	return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, cfg.Driver)
}
