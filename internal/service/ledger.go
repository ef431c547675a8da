package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Sentinel-Gate/credgate/internal/domain/counter"
	"github.com/Sentinel-Gate/credgate/internal/domain/handler"
)

// compensationTimeout bounds the decrements issued when staged quota is released.
const compensationTimeout = 2 * time.Second

// stagedLedger tracks counter increments reserved during one LIVE evaluation.
// Exactly one of commit or rollback ends its life.
type stagedLedger struct {
	store     counter.Store
	keys      []string
	committed bool
}

func (l *stagedLedger) add(s *handler.Staged) {
	if s != nil {
		l.keys = append(l.keys, s.Key)
	}
}

// commit makes the staged increments durable. No rollback is attempted afterwards.
func (l *stagedLedger) commit() {
	l.committed = true
}

// rollback releases every staged increment. It runs on a context detached
// from the caller's cancellation so abandoned requests still give quota back.
// Returns the number of keys released.
func (l *stagedLedger) rollback(ctx context.Context) (int, error) {
	if l.committed || len(l.keys) == 0 {
		return 0, nil
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), compensationTimeout)
	defer cancel()

	var errs []error
	released := 0
	for _, key := range l.keys {
		if err := l.store.Decrement(ctx, key); err != nil {
			errs = append(errs, fmt.Errorf("decrement %s: %w", key, err))
			continue
		}
		released++
	}
	l.keys = nil
	return released, errors.Join(errs...)
}
