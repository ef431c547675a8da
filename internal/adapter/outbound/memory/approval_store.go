package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Sentinel-Gate/credgate/internal/domain/approval"
)

// DefaultMaxApprovals is the default capacity of the in-memory approval store.
const DefaultMaxApprovals = 1000

// MemoryApprovalStore implements approval.Store with bounded capacity.
// When full, the oldest resolved entry is evicted first; if every entry is
// still pending, the oldest pending entry goes.
type MemoryApprovalStore struct {
	mu      sync.RWMutex
	entries map[string]*approval.PendingApproval
	order   []string
	maxSize int
	now     func() time.Time
}

// NewApprovalStore creates a new MemoryApprovalStore with the given maximum capacity.
func NewApprovalStore(maxSize int) *MemoryApprovalStore {
	if maxSize <= 0 {
		maxSize = DefaultMaxApprovals
	}
	return &MemoryApprovalStore{
		entries: make(map[string]*approval.PendingApproval),
		order:   make([]string, 0, maxSize),
		maxSize: maxSize,
		now:     time.Now,
	}
}

// Add stores a new pending approval.
func (s *MemoryApprovalStore) Add(ctx context.Context, p approval.PendingApproval) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.entries[p.Token]; exists {
		return fmt.Errorf("approval %s already exists", p.Token)
	}
	if len(s.order) >= s.maxSize {
		s.evictLocked()
	}
	c := p.Clone()
	s.entries[p.Token] = &c
	s.order = append(s.order, p.Token)
	return nil
}

func (s *MemoryApprovalStore) evictLocked() {
	victim := 0
	for i, token := range s.order {
		if s.entries[token].Status != approval.StatusPending {
			victim = i
			break
		}
	}
	delete(s.entries, s.order[victim])
	s.order = append(s.order[:victim], s.order[victim+1:]...)
}

// Get returns an approval by token.
func (s *MemoryApprovalStore) Get(ctx context.Context, token string) (approval.PendingApproval, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.entries[token]
	if !ok {
		return approval.PendingApproval{}, fmt.Errorf("approval %s: %w", token, approval.ErrApprovalNotFound)
	}
	return p.Clone(), nil
}

// Transition moves an approval from one status to another atomically.
func (s *MemoryApprovalStore) Transition(ctx context.Context, token string, from, to approval.Status, reason string) (approval.PendingApproval, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.entries[token]
	if !ok {
		return approval.PendingApproval{}, fmt.Errorf("approval %s: %w", token, approval.ErrApprovalNotFound)
	}
	if p.Status != from {
		return approval.PendingApproval{}, fmt.Errorf("approval %s is already %s: %w", token, p.Status, approval.ErrApprovalResolved)
	}
	p.Status = to
	if reason != "" {
		p.Reason = reason
	}
	if from == approval.StatusPending {
		p.ResolvedAt = s.now().UTC()
	}
	return p.Clone(), nil
}

// ListPending returns unresolved approvals, oldest first.
func (s *MemoryApprovalStore) ListPending(ctx context.Context) ([]approval.PendingApproval, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []approval.PendingApproval
	for _, token := range s.order {
		if p := s.entries[token]; p.Status == approval.StatusPending {
			result = append(result, p.Clone())
		}
	}
	return result, nil
}

// Size returns the number of stored approvals.
func (s *MemoryApprovalStore) Size() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Compile-time interface verification.
var _ approval.Store = (*MemoryApprovalStore)(nil)
