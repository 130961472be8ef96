package store

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// MemoryOption configures a [Memory] backend.
type MemoryOption func(*Memory)

// WithMemorySubscriptionBuffer sets the per-subscription change buffer.
func WithMemorySubscriptionBuffer(n int) MemoryOption {
	return func(m *Memory) {
		if n > 0 {
			m.buffer = n
		}
	}
}

// Memory is an in-process [Backend]. It is the test double for browser local storage and
// the fallback backend for single-process deployments.
type Memory struct {
	mu     sync.RWMutex
	data   map[string]string
	subs   map[uint64]*memorySubscription
	nextID uint64
	buffer int
	closed bool
}

type memorySubscription struct {
	origin string
	*dispatcher
}

// NewMemory creates an empty in-memory backend.
func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		data:   make(map[string]string),
		subs:   make(map[uint64]*memorySubscription),
		buffer: defaultSubscriptionBuffer,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

// Context returns a new execution context over the shared map.
func (m *Memory) Context() Store {
	return &MemoryContext{backend: m, origin: uuid.NewString()}
}

// Snapshot copies the current contents. Intended for tests and load verification.
func (m *Memory) Snapshot() map[string]string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]string, len(m.data))
	for k, v := range m.data {
		out[k] = v
	}
	return out
}

// Close releases every open subscription. Later operations return [ErrClosed].
func (m *Memory) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	subs := make([]*memorySubscription, 0, len(m.subs))
	for _, sub := range m.subs {
		subs = append(subs, sub)
	}
	m.mu.Unlock()

	for _, sub := range subs {
		_ = sub.Close()
	}
	return nil
}

// fanOut must be called without m.mu held.
func (m *Memory) fanOut(targets []*memorySubscription, change Change) {
	for _, sub := range targets {
		sub.deliver(change)
	}
}

func (m *Memory) othersLocked(origin string) []*memorySubscription {
	if len(m.subs) == 0 {
		return nil
	}
	out := make([]*memorySubscription, 0, len(m.subs))
	for _, sub := range m.subs {
		if sub.origin != origin {
			out = append(out, sub)
		}
	}
	return out
}

// MemoryContext is one execution context of a [Memory] backend.
type MemoryContext struct {
	backend *Memory
	origin  string
}

// Origin returns the context identifier stamped on changes it makes.
func (c *MemoryContext) Origin() string {
	return c.origin
}

// Get reads key. Absent keys report ok == false.
func (c *MemoryContext) Get(ctx context.Context, key string) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	if err := validateKey(key); err != nil {
		return "", false, err
	}

	m := c.backend
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return "", false, ErrClosed
	}
	v, ok := m.data[key]
	return v, ok, nil
}

// Set writes key. Writing the value already stored is a no-op and notifies nobody.
func (c *MemoryContext) Set(ctx context.Context, key, value string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := validateKey(key); err != nil {
		return err
	}

	m := c.backend
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if old, ok := m.data[key]; ok && old == value {
		m.mu.Unlock()
		return nil
	}
	m.data[key] = value
	targets := m.othersLocked(c.origin)
	m.mu.Unlock()

	m.fanOut(targets, Change{Origin: c.origin, Key: key, Op: OpSet})
	return nil
}

// Remove deletes key. Removing an absent key is a no-op and notifies nobody.
func (c *MemoryContext) Remove(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := validateKey(key); err != nil {
		return err
	}

	m := c.backend
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if _, ok := m.data[key]; !ok {
		m.mu.Unlock()
		return nil
	}
	delete(m.data, key)
	targets := m.othersLocked(c.origin)
	m.mu.Unlock()

	m.fanOut(targets, Change{Origin: c.origin, Key: key, Op: OpRemove})
	return nil
}

// Subscribe registers fn for writes made through other contexts of the same backend.
func (c *MemoryContext) Subscribe(ctx context.Context, fn func(Change)) (Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if fn == nil {
		return nil, ErrInvalidSubscriber
	}

	m := c.backend
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrClosed
	}

	m.nextID++
	id := m.nextID
	sub := &memorySubscription{origin: c.origin}
	sub.dispatcher = newDispatcher(m.buffer, fn, func() {
		m.mu.Lock()
		delete(m.subs, id)
		m.mu.Unlock()
	})
	m.subs[id] = sub

	return sub, nil
}
