package counter

import (
	"context"
	"time"
)

// Store is a shared, atomically updatable key/value counter service.
//
// Every mutating call must be atomic at the store level: the evaluator never
// performs a read-then-write against shared state. Implementations may be
// backed by Redis or by process memory.
type Store interface {
	// IncrementAndGet atomically adds one to key and returns the new value.
	// When ttl > 0 and the key did not exist, the key expires after ttl.
	IncrementAndGet(ctx context.Context, key string, ttl time.Duration) (int64, error)

	// Get returns the current value of key, 0 if absent or expired.
	Get(ctx context.Context, key string) (int64, error)

	// Decrement atomically subtracts one from key, never going below zero.
	// Used to compensate a staged increment that must not be kept.
	Decrement(ctx context.Context, key string) error
}
