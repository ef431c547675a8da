package counter

import (
	"context"
	"errors"
	"time"
)

// ErrReadOnly is returned by mutating calls on a read-only view.
var ErrReadOnly = errors.New("counter store is read-only")

type readOnly struct {
	store Store
}

// ReadOnly wraps a store so that only Get reaches it. Simulations use it to
// guarantee counters are never written.
func ReadOnly(s Store) Store {
	if ro, ok := s.(readOnly); ok {
		return ro
	}
	return readOnly{store: s}
}

func (r readOnly) IncrementAndGet(context.Context, string, time.Duration) (int64, error) {
	return 0, ErrReadOnly
}

func (r readOnly) Get(ctx context.Context, key string) (int64, error) {
	return r.store.Get(ctx, key)
}

func (r readOnly) Decrement(context.Context, string) error {
	return ErrReadOnly
}
