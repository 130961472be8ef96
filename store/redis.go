package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const defaultRedisPrefix = "okd"

// setAndPublishScript writes KEYS[1] and announces it on KEYS[2] unless the stored value
// already equals ARGV[1].
const setAndPublishScript = `
local old = redis.call("GET", KEYS[1])
if old == ARGV[1] then
  return 0
end
redis.call("SET", KEYS[1], ARGV[1])
redis.call("PUBLISH", KEYS[2], ARGV[2])
return 1
`

// removeAndPublishScript deletes KEYS[1] and announces it on KEYS[2] only if it existed.
const removeAndPublishScript = `
local existed = redis.call("DEL", KEYS[1])
if existed == 1 then
  redis.call("PUBLISH", KEYS[2], ARGV[1])
end
return existed
`

var (
	setAndPublishLua    = redis.NewScript(setAndPublishScript)
	removeAndPublishLua = redis.NewScript(removeAndPublishScript)
)

// RedisOptions configures a [Redis] backend.
type RedisOptions struct {
	// Prefix namespaces every key as prefix + ":" + key. Default "okd".
	Prefix string
	// Channel carries change envelopes. Default prefix + ":changes".
	Channel string
	// SubscriptionBuffer bounds queued notifications per subscription.
	SubscriptionBuffer int
}

// Redis is a Redis-backed [Backend] and, at the same time, one execution context of it.
// Cross-context notifications travel over Redis pub/sub, so contexts in different
// processes observe each other's writes.
//
// Ownership: a Redis built with [NewRedis] does not own the client; Close is a no-op.
// Backends returned by [Open] own their client and close it.
type Redis struct {
	client  redis.UniversalClient
	prefix  string
	channel string
	buffer  int
	origin  string
	closer  func() error
}

// NewRedis creates a Redis backend over an existing client.
func NewRedis(client redis.UniversalClient, opts RedisOptions) *Redis {
	prefix := opts.Prefix
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	channel := opts.Channel
	if channel == "" {
		channel = prefix + ":changes"
	}
	buffer := opts.SubscriptionBuffer
	if buffer <= 0 {
		buffer = defaultSubscriptionBuffer
	}

	return &Redis{
		client:  client,
		prefix:  prefix,
		channel: channel,
		buffer:  buffer,
		origin:  uuid.NewString(),
	}
}

// Context returns a new execution context sharing the client and key space.
func (r *Redis) Context() Store {
	next := *r
	next.origin = uuid.NewString()
	next.closer = nil
	return &next
}

// Close releases the client when the backend owns it.
func (r *Redis) Close() error {
	if r == nil || r.closer == nil {
		return nil
	}
	return r.closer()
}

// Origin returns the context identifier stamped on changes it makes.
func (r *Redis) Origin() string {
	return r.origin
}

func (r *Redis) key(key string) string {
	return r.prefix + ":" + key
}

// Get reads key. Absent keys report ok == false.
//
//	Performance: 1 Redis GET.
func (r *Redis) Get(ctx context.Context, key string) (string, bool, error) {
	if err := validateKey(key); err != nil {
		return "", false, err
	}

	v, err := r.client.Get(ctx, r.key(key)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return v, true, nil
}

// Set writes key and publishes the change in one script execution.
//
//	Performance: 1 EVALSHA (GET + SET + PUBLISH).
func (r *Redis) Set(ctx context.Context, key, value string) error {
	if err := validateKey(key); err != nil {
		return err
	}

	envelope, err := json.Marshal(Change{Origin: r.origin, Key: key, Op: OpSet})
	if err != nil {
		return err
	}

	keys := []string{r.key(key), r.channel}
	if err := setAndPublishLua.Run(ctx, r.client, keys, value, envelope).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// Remove deletes key and publishes the change when the key existed.
//
//	Performance: 1 EVALSHA (DEL + PUBLISH).
func (r *Redis) Remove(ctx context.Context, key string) error {
	if err := validateKey(key); err != nil {
		return err
	}

	envelope, err := json.Marshal(Change{Origin: r.origin, Key: key, Op: OpRemove})
	if err != nil {
		return err
	}

	keys := []string{r.key(key), r.channel}
	if err := removeAndPublishLua.Run(ctx, r.client, keys, envelope).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// Subscribe listens on the change channel and forwards envelopes written by other
// contexts. ctx bounds only the SUBSCRIBE handshake; the subscription lives until Close.
func (r *Redis) Subscribe(ctx context.Context, fn func(Change)) (Subscription, error) {
	if fn == nil {
		return nil, ErrInvalidSubscriber
	}

	pubsub := r.client.Subscribe(ctx, r.channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	sub := &redisSubscription{pubsub: pubsub}
	sub.dispatcher = newDispatcher(r.buffer, fn, nil)

	messages := pubsub.Channel()
	sub.wg.Add(1)
	go func() {
		defer sub.wg.Done()
		for msg := range messages {
			var change Change
			if err := json.Unmarshal([]byte(msg.Payload), &change); err != nil {
				continue
			}
			if change.Origin == r.origin || change.Key == "" {
				continue
			}
			sub.dispatcher.deliver(change)
		}
	}()

	return sub, nil
}

type redisSubscription struct {
	pubsub     *redis.PubSub
	dispatcher *dispatcher
	wg         sync.WaitGroup
	closeOnce  sync.Once
	closeErr   error
}

func (s *redisSubscription) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.pubsub.Close()
		s.wg.Wait()
		_ = s.dispatcher.Close()
	})
	return s.closeErr
}
