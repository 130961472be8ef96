package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	defaultPostgresSchema  = "viewgate"
	defaultPostgresChannel = "viewgate_changes"
)

var pgIdent = regexp.MustCompile(`^[a-z_][a-z0-9_]{0,62}$`)

// PostgresOptions configures a [Postgres] backend.
type PostgresOptions struct {
	// Schema holding the session_kv table. Default "viewgate".
	Schema string
	// Channel used with LISTEN/NOTIFY. Default "viewgate_changes".
	Channel string
	// SubscriptionBuffer bounds queued notifications per subscription.
	SubscriptionBuffer int
}

// Postgres is a PostgreSQL-backed [Backend] and one execution context of it. Writes commit
// together with a pg_notify, so listeners only hear about committed changes.
//
// All contexts of one backend share a single pooled connection for LISTEN, so open
// subscriptions never starve Get, Set, and Remove of pool connections.
//
// Ownership: a Postgres built with [NewPostgres] does not own the pool; Close only ends
// subscriptions.
type Postgres struct {
	pool    *pgxpool.Pool
	schema  string
	channel string
	buffer  int
	origin  string
	closer  func()

	listener *pgListener
}

// NewPostgres validates identifiers and constructs the backend. Call EnsureSchema before
// first use on a fresh database.
func NewPostgres(pool *pgxpool.Pool, opts PostgresOptions) (*Postgres, error) {
	if pool == nil {
		return nil, errors.New("store: nil pool")
	}

	schema := strings.TrimSpace(opts.Schema)
	if schema == "" {
		schema = defaultPostgresSchema
	}
	if !pgIdent.MatchString(schema) {
		return nil, errors.New("store: invalid schema identifier")
	}

	channel := strings.TrimSpace(opts.Channel)
	if channel == "" {
		channel = defaultPostgresChannel
	}
	if !pgIdent.MatchString(channel) {
		return nil, errors.New("store: invalid channel identifier")
	}

	buffer := opts.SubscriptionBuffer
	if buffer <= 0 {
		buffer = defaultSubscriptionBuffer
	}

	return &Postgres{
		pool:     pool,
		schema:   schema,
		channel:  channel,
		buffer:   buffer,
		origin:   uuid.NewString(),
		listener: newPgListener(pool, channel),
	}, nil
}

func (p *Postgres) table() string {
	return pgx.Identifier{p.schema, "session_kv"}.Sanitize()
}

// EnsureSchema creates the schema and table when missing.
func (p *Postgres) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE SCHEMA IF NOT EXISTS ` + pgx.Identifier{p.schema}.Sanitize(),
		`CREATE TABLE IF NOT EXISTS ` + p.table() + ` (
			key        text PRIMARY KEY,
			value      text NOT NULL,
			updated_at timestamptz NOT NULL DEFAULT now()
		)`,
	}
	for _, stmt := range stmts {
		if _, err := p.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
	}
	return nil
}

// Context returns a new execution context sharing the pool and the listener.
func (p *Postgres) Context() Store {
	next := *p
	next.origin = uuid.NewString()
	next.closer = nil
	return &next
}

// Close releases every open subscription, then the pool when the backend owns it.
func (p *Postgres) Close() error {
	if p == nil {
		return nil
	}
	p.listener.closeAll()
	if p.closer != nil {
		p.closer()
	}
	return nil
}

// Origin returns the context identifier stamped on changes it makes.
func (p *Postgres) Origin() string {
	return p.origin
}

// Get reads key. Absent keys report ok == false.
func (p *Postgres) Get(ctx context.Context, key string) (string, bool, error) {
	if err := validateKey(key); err != nil {
		return "", false, err
	}

	var v string
	err := p.pool.QueryRow(ctx, `SELECT value FROM `+p.table()+` WHERE key = $1`, key).Scan(&v)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return v, true, nil
}

// Set upserts key. An unchanged value writes nothing and notifies nobody.
func (p *Postgres) Set(ctx context.Context, key, value string) error {
	if err := validateKey(key); err != nil {
		return err
	}

	const q = `
INSERT INTO %s AS kv (key, value, updated_at)
VALUES ($1, $2, now())
ON CONFLICT (key) DO UPDATE
SET value = EXCLUDED.value, updated_at = now()
WHERE kv.value IS DISTINCT FROM EXCLUDED.value
RETURNING key`

	return p.writeAndNotify(ctx, OpSet, key, fmt.Sprintf(q, p.table()), key, value)
}

// Remove deletes key and notifies when a row was deleted.
func (p *Postgres) Remove(ctx context.Context, key string) error {
	if err := validateKey(key); err != nil {
		return err
	}

	q := `DELETE FROM ` + p.table() + ` WHERE key = $1 RETURNING key`
	return p.writeAndNotify(ctx, OpRemove, key, q, key)
}

func (p *Postgres) writeAndNotify(ctx context.Context, op Op, key, query string, args ...any) error {
	envelope, err := json.Marshal(Change{Origin: p.origin, Key: key, Op: op})
	if err != nil {
		return err
	}

	err = pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		var touched string
		if err := tx.QueryRow(ctx, query, args...).Scan(&touched); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return nil
			}
			return err
		}
		_, err := tx.Exec(ctx, `SELECT pg_notify($1, $2)`, p.channel, string(envelope))
		return err
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// Subscribe registers fn with the backend's listener. Every context of one backend shares a
// single LISTEN connection, taken from the pool on the first subscription and returned when
// the last one closes. ctx bounds only acquiring that connection and issuing LISTEN.
func (p *Postgres) Subscribe(ctx context.Context, fn func(Change)) (Subscription, error) {
	if fn == nil {
		return nil, ErrInvalidSubscriber
	}
	return p.listener.subscribe(ctx, p.origin, p.buffer, fn)
}

const (
	listenRetryMin = 100 * time.Millisecond
	listenRetryMax = 5 * time.Second
)

// pgListener multiplexes one LISTEN connection across the subscriptions of a backend.
type pgListener struct {
	pool    *pgxpool.Pool
	channel string

	mu     sync.Mutex
	subs   map[uint64]*postgresSubscription
	nextID uint64
	cancel context.CancelFunc
	done   chan struct{}
}

type postgresSubscription struct {
	origin string
	*dispatcher
}

func newPgListener(pool *pgxpool.Pool, channel string) *pgListener {
	return &pgListener{
		pool:    pool,
		channel: channel,
		subs:    make(map[uint64]*postgresSubscription),
	}
}

func (l *pgListener) subscribe(ctx context.Context, origin string, buffer int, fn func(Change)) (Subscription, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.cancel == nil {
		conn, err := l.listen(ctx)
		if err != nil {
			return nil, err
		}
		runCtx, cancel := context.WithCancel(context.Background())
		l.cancel = cancel
		l.done = make(chan struct{})
		go l.run(runCtx, conn, l.done)
	}

	l.nextID++
	id := l.nextID
	sub := &postgresSubscription{origin: origin}
	sub.dispatcher = newDispatcher(buffer, fn, func() { l.unsubscribe(id) })
	l.subs[id] = sub
	return sub, nil
}

// unsubscribe stops the listener once nobody is subscribed.
func (l *pgListener) unsubscribe(id uint64) {
	l.mu.Lock()
	delete(l.subs, id)
	if len(l.subs) > 0 || l.cancel == nil {
		l.mu.Unlock()
		return
	}
	cancel, done := l.cancel, l.done
	l.cancel, l.done = nil, nil
	l.mu.Unlock()

	cancel()
	<-done
}

func (l *pgListener) closeAll() {
	l.mu.Lock()
	subs := make([]*postgresSubscription, 0, len(l.subs))
	for _, sub := range l.subs {
		subs = append(subs, sub)
	}
	l.mu.Unlock()

	for _, sub := range subs {
		_ = sub.Close()
	}
}

func (l *pgListener) listen(ctx context.Context) (*pgxpool.Conn, error) {
	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if _, err := conn.Exec(ctx, `LISTEN `+pgx.Identifier{l.channel}.Sanitize()); err != nil {
		conn.Release()
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return conn, nil
}

// run owns conn until ctx is cancelled. A lost connection is re-established with backoff,
// and every subscriber then gets an OpResync since notifications may have been missed.
func (l *pgListener) run(ctx context.Context, conn *pgxpool.Conn, done chan struct{}) {
	defer close(done)

	for {
		l.drain(ctx, conn)
		// A connection interrupted mid-wait is not reusable; drop it from the pool.
		_ = conn.Conn().Close(context.Background())
		conn.Release()
		if ctx.Err() != nil {
			return
		}

		backoff := listenRetryMin
		for {
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			var err error
			if conn, err = l.listen(ctx); err == nil {
				break
			}
			backoff = min(backoff*2, listenRetryMax)
		}
		l.fanOut(Change{Op: OpResync})
	}
}

func (l *pgListener) drain(ctx context.Context, conn *pgxpool.Conn) {
	for {
		n, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			return
		}
		var change Change
		if err := json.Unmarshal([]byte(n.Payload), &change); err != nil || change.Key == "" {
			continue
		}
		l.fanOut(change)
	}
}

// fanOut delivers change to every subscriber except the context that made it.
func (l *pgListener) fanOut(change Change) {
	l.mu.Lock()
	targets := make([]*postgresSubscription, 0, len(l.subs))
	for _, sub := range l.subs {
		if change.Origin == "" || sub.origin != change.Origin {
			targets = append(targets, sub)
		}
	}
	l.mu.Unlock()

	for _, sub := range targets {
		sub.deliver(change)
	}
}
