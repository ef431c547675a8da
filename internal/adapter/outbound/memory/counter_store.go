// Package memory provides in-memory implementations of outbound ports.
package memory

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/Sentinel-Gate/credgate/internal/domain/counter"
)

type counterCell struct {
	value     int64
	expiresAt time.Time // zero = never
}

func (c counterCell) expired(now time.Time) bool {
	return !c.expiresAt.IsZero() && !now.Before(c.expiresAt)
}

// MemoryCounterStore implements counter.Store with a mutex-guarded map.
// Thread-safe for concurrent access within one process. Deployments with
// several evaluator instances use the Redis store instead.
// Includes background cleanup of expired keys.
type MemoryCounterStore struct {
	cells           map[string]counterCell
	mu              sync.Mutex
	now             func() time.Time
	stopChan        chan struct{}
	wg              sync.WaitGroup
	once            sync.Once
	cleanupInterval time.Duration
	logger          *slog.Logger
}

// NewCounterStore creates a new in-memory counter store with a cleanup
// interval of 5 minutes and no logging.
func NewCounterStore() *MemoryCounterStore {
	return NewCounterStoreWithConfig(5*time.Minute, nil)
}

// NewCounterStoreWithConfig creates a new in-memory counter store with a
// custom cleanup interval. A nil logger discards cleanup logs.
func NewCounterStoreWithConfig(cleanupInterval time.Duration, logger *slog.Logger) *MemoryCounterStore {
	if cleanupInterval <= 0 {
		cleanupInterval = 5 * time.Minute
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &MemoryCounterStore{
		cells:           make(map[string]counterCell),
		now:             time.Now,
		stopChan:        make(chan struct{}),
		cleanupInterval: cleanupInterval,
		logger:          logger,
	}
}

// IncrementAndGet atomically adds one to key and returns the new value.
// The TTL is only applied when the key is created.
func (s *MemoryCounterStore) IncrementAndGet(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	cell, ok := s.cells[key]
	if !ok || cell.expired(now) {
		cell = counterCell{}
		if ttl > 0 {
			cell.expiresAt = now.Add(ttl)
		}
	}
	cell.value++
	s.cells[key] = cell
	return cell.value, nil
}

// Get returns the current value of key, 0 if absent or expired.
func (s *MemoryCounterStore) Get(ctx context.Context, key string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	cell, ok := s.cells[key]
	if !ok || cell.expired(s.now()) {
		return 0, nil
	}
	return cell.value, nil
}

// Decrement subtracts one from key, never going below zero. Decrementing an
// absent or expired key is a no-op.
func (s *MemoryCounterStore) Decrement(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	cell, ok := s.cells[key]
	if !ok || cell.expired(s.now()) {
		return nil
	}
	if cell.value > 0 {
		cell.value--
	}
	s.cells[key] = cell
	return nil
}

// StartCleanup starts the background goroutine that removes expired keys.
// It stops when ctx is cancelled or Stop() is called.
func (s *MemoryCounterStore) StartCleanup(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.cleanupInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stopChan:
				return
			case <-ticker.C:
				s.cleanup()
			}
		}
	}()
}

func (s *MemoryCounterStore) cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	cleaned := 0
	for key, cell := range s.cells {
		if cell.expired(now) {
			delete(s.cells, key)
			cleaned++
		}
	}

	if cleaned > 0 {
		s.logger.Debug("counter store cleanup completed",
			"cleaned_keys", cleaned,
			"remaining_keys", len(s.cells))
	}
}

// Stop gracefully stops the cleanup goroutine and waits for it to exit.
// Safe to call multiple times.
func (s *MemoryCounterStore) Stop() {
	s.once.Do(func() {
		close(s.stopChan)
	})
	s.wg.Wait()
}

// Size returns the current number of tracked keys, expired ones included
// until the next cleanup.
func (s *MemoryCounterStore) Size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.cells)
}

// Compile-time interface verification.
var _ counter.Store = (*MemoryCounterStore)(nil)
