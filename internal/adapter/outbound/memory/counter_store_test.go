package memory

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"
)

func TestCounterStore_IncrementAndGet(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewCounterStore()

	for want := int64(1); want <= 3; want++ {
		got, err := store.IncrementAndGet(ctx, "counter:count:p1:c1", 0)
		if err != nil {
			t.Fatalf("IncrementAndGet() error: %v", err)
		}
		if got != want {
			t.Errorf("IncrementAndGet() = %d, want %d", got, want)
		}
	}

	v, err := store.Get(ctx, "counter:count:p1:c1")
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if v != 3 {
		t.Errorf("Get() = %d, want 3", v)
	}
}

func TestCounterStore_GetMissing(t *testing.T) {
	t.Parallel()

	v, err := NewCounterStore().Get(context.Background(), "absent")
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if v != 0 {
		t.Errorf("Get() = %d, want 0", v)
	}
}

func TestCounterStore_DecrementFloorsAtZero(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewCounterStore()

	if _, err := store.IncrementAndGet(ctx, "k", 0); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		if err := store.Decrement(ctx, "k"); err != nil {
			t.Fatalf("Decrement() error: %v", err)
		}
	}
	if v, _ := store.Get(ctx, "k"); v != 0 {
		t.Errorf("Get() after over-decrement = %d, want 0", v)
	}

	if err := store.Decrement(ctx, "never-set"); err != nil {
		t.Errorf("Decrement() on absent key error: %v", err)
	}
	if store.Size() != 1 {
		t.Errorf("Size() = %d, want 1 (decrement must not create keys)", store.Size())
	}
}

func TestCounterStore_TTLExpiry(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewCounterStore()
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return now }

	if _, err := store.IncrementAndGet(ctx, "k", time.Minute); err != nil {
		t.Fatal(err)
	}
	// TTL is fixed at creation; later increments do not extend it.
	now = now.Add(30 * time.Second)
	if v, _ := store.IncrementAndGet(ctx, "k", time.Minute); v != 2 {
		t.Fatalf("second increment = %d, want 2", v)
	}

	now = now.Add(30 * time.Second)
	if v, _ := store.Get(ctx, "k"); v != 0 {
		t.Errorf("Get() after expiry = %d, want 0", v)
	}
	if v, _ := store.IncrementAndGet(ctx, "k", time.Minute); v != 1 {
		t.Errorf("increment after expiry = %d, want 1", v)
	}
}

func TestCounterStore_KeyIsolation(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewCounterStore()

	for i := 0; i < 5; i++ {
		_, _ = store.IncrementAndGet(ctx, "key-1", 0)
	}
	v, err := store.IncrementAndGet(ctx, "key-2", 0)
	if err != nil {
		t.Fatal(err)
	}
	if v != 1 {
		t.Errorf("key-2 = %d, want 1 (keys are isolated)", v)
	}
}

func TestCounterStore_ConcurrentIncrements(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewCounterStore()

	const workers = 50
	const limit = 10
	var admitted atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := store.IncrementAndGet(ctx, "shared", 0)
			if err != nil {
				t.Errorf("IncrementAndGet() error: %v", err)
				return
			}
			if v > limit {
				_ = store.Decrement(ctx, "shared")
				return
			}
			admitted.Add(1)
		}()
	}
	wg.Wait()

	if admitted.Load() != limit {
		t.Errorf("admitted = %d, want %d", admitted.Load(), limit)
	}
	if v, _ := store.Get(ctx, "shared"); v != limit {
		t.Errorf("final value = %d, want %d", v, limit)
	}
}

func TestCounterStore_CancelledContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := NewCounterStore().IncrementAndGet(ctx, "k", 0); err == nil {
		t.Error("IncrementAndGet() with cancelled context should fail")
	}
}

func TestCounterStoreCleanup(t *testing.T) {
	defer goleak.VerifyNone(t)

	store := NewCounterStoreWithConfig(20*time.Millisecond, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for _, key := range []string{"a", "b", "c"} {
		if _, err := store.IncrementAndGet(ctx, key, 30*time.Millisecond); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := store.IncrementAndGet(ctx, "forever", 0); err != nil {
		t.Fatal(err)
	}

	store.StartCleanup(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for store.Size() != 1 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	store.Stop()

	if store.Size() != 1 {
		t.Errorf("Size() after cleanup = %d, want 1", store.Size())
	}
}

func TestCounterStore_StopIdempotent(t *testing.T) {
	defer goleak.VerifyNone(t)

	store := NewCounterStoreWithConfig(time.Hour, nil)
	store.StartCleanup(context.Background())
	store.Stop()
	store.Stop()
}

func TestCounterStoreCleanup_LogsToInjectedLogger(t *testing.T) {
	var logBuf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logBuf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	store := NewCounterStoreWithConfig(time.Hour, logger)
	ctx := context.Background()

	for _, key := range []string{"a", "b"} {
		if _, err := store.IncrementAndGet(ctx, key, time.Minute); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := store.IncrementAndGet(ctx, "forever", 0); err != nil {
		t.Fatal(err)
	}

	later := time.Now().Add(2 * time.Minute)
	store.now = func() time.Time { return later }
	store.cleanup()

	out := logBuf.String()
	if !strings.Contains(out, "counter store cleanup completed") {
		t.Fatalf("cleanup not logged through injected logger, got: %q", out)
	}
	if !strings.Contains(out, "cleaned_keys=2") || !strings.Contains(out, "remaining_keys=1") {
		t.Errorf("cleanup log missing key counts: %q", out)
	}
}
