// Package redisstore provides a Redis-backed counter store shared by every
// evaluator instance.
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Sentinel-Gate/credgate/internal/domain/counter"
	"github.com/Sentinel-Gate/credgate/internal/domain/policy"
)

// incrScript increments a key and sets its expiry only when the key is new,
// so the TTL of a window is fixed by its first request.
var incrScript = redis.NewScript(`
local v = redis.call('INCR', KEYS[1])
local ttl = tonumber(ARGV[1])
if v == 1 and ttl > 0 then
  redis.call('PEXPIRE', KEYS[1], ttl)
end
return v
`)

// decrScript decrements a key without going below zero or creating it.
var decrScript = redis.NewScript(`
local v = tonumber(redis.call('GET', KEYS[1]) or '0')
if v > 0 then
  return redis.call('DECR', KEYS[1])
end
return 0
`)

// Options holds connection settings for Open.
type Options struct {
	Addr     string
	Password string
	DB       int
}

// CounterStore implements counter.Store on Redis. Increments run as Lua
// scripts, so check-and-expire is atomic across evaluator instances.
type CounterStore struct {
	client redis.UniversalClient
	prefix string
	logger *slog.Logger
}

// Option configures CounterStore.
type Option func(*CounterStore)

// WithKeyPrefix namespaces every key, e.g. "credgate:".
func WithKeyPrefix(prefix string) Option {
	return func(s *CounterStore) {
		s.prefix = prefix
	}
}

// NewCounterStore wraps an existing client.
func NewCounterStore(client redis.UniversalClient, logger *slog.Logger, opts ...Option) *CounterStore {
	s := &CounterStore{client: client, logger: logger}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Open connects to Redis, verifies the connection with PING and returns a store.
func Open(ctx context.Context, o Options, logger *slog.Logger, opts ...Option) (*CounterStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     o.Addr,
		Password: o.Password,
		DB:       o.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis at %s: %w", o.Addr, err)
	}

	logger.Info("connected to redis counter store", "addr", o.Addr, "db", o.DB)
	return NewCounterStore(client, logger, opts...), nil
}

// IncrementAndGet atomically adds one to key and returns the new value.
func (s *CounterStore) IncrementAndGet(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	v, err := incrScript.Run(ctx, s.client, []string{s.prefix + key}, ttl.Milliseconds()).Int64()
	if err != nil {
		return 0, unavailable("increment", key, err)
	}
	return v, nil
}

// Get returns the current value of key, 0 if absent or expired.
func (s *CounterStore) Get(ctx context.Context, key string) (int64, error) {
	v, err := s.client.Get(ctx, s.prefix+key).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, unavailable("get", key, err)
	}
	return v, nil
}

// Decrement atomically subtracts one from key, never going below zero.
func (s *CounterStore) Decrement(ctx context.Context, key string) error {
	if err := decrScript.Run(ctx, s.client, []string{s.prefix + key}).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return unavailable("decrement", key, err)
	}
	return nil
}

// Ping reports whether Redis is reachable. Used by the health check.
func (s *CounterStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the underlying client.
func (s *CounterStore) Close() error {
	return s.client.Close()
}

func unavailable(op, key string, err error) error {
	return fmt.Errorf("%w: redis %s %s: %v", policy.ErrStoreUnavailable, op, key, err)
}

// Compile-time interface verification.
var _ counter.Store = (*CounterStore)(nil)
