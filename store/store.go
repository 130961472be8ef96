package store

import (
	"context"
	"errors"
)

// ErrUnavailable wraps backend failures (network, driver, closed client).
var ErrUnavailable = errors.New("session store unavailable")

// ErrClosed is returned by operations on a closed backend or subscription.
var ErrClosed = errors.New("session store closed")

// ErrInvalidKey is returned for empty keys.
var ErrInvalidKey = errors.New("invalid session store key")

// ErrInvalidSubscriber is returned when Subscribe is called with a nil callback.
var ErrInvalidSubscriber = errors.New("nil change subscriber")

// Op names the kind of write that produced a [Change].
type Op string

const (
	// OpSet reports a key written with a new value.
	OpSet Op = "set"
	// OpRemove reports a key deleted.
	OpRemove Op = "remove"
	// OpResync reports that notifications may have been lost. It carries no key or origin;
	// subscribers re-read whatever they depend on.
	OpResync Op = "resync"
)

// Change describes one write observed by another execution context.
type Change struct {
	Origin string `json:"origin"`
	Key    string `json:"key"`
	Op     Op     `json:"op"`
}

// Store is one execution context's view of a shared key space.
//
// Get reports absence with ok == false and a nil error. Set and Remove are single writes
// with no transactional grouping across keys. Subscribe registers fn for writes made by
// other contexts; fn runs on a dispatcher goroutine owned by the returned [Subscription].
type Store interface {
	Origin() string
	Get(ctx context.Context, key string) (value string, ok bool, err error)
	Set(ctx context.Context, key, value string) error
	Remove(ctx context.Context, key string) error
	Subscribe(ctx context.Context, fn func(Change)) (Subscription, error)
}

// Subscription is a registered change callback. Close releases it; after Close returns the
// callback is never invoked again. Close is idempotent.
type Subscription interface {
	Close() error
}

// Backend hands out execution contexts over one shared key space.
type Backend interface {
	Context() Store
	Close() error
}

func validateKey(key string) error {
	if key == "" {
		return ErrInvalidKey
	}
	return nil
}
