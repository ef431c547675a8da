package memory

import (
	"context"
	"sync"

	"github.com/Sentinel-Gate/credgate/internal/domain/policy"
)

// MemoryPolicyStore implements policy.PolicyWriter with an in-memory map.
// Thread-safe for concurrent access. Policies are indexed by scope so the
// evaluation path never scans unrelated scopes.
type MemoryPolicyStore struct {
	policies map[string]*policy.Policy          // ID -> Policy
	byScope  map[policy.Scope]map[string]struct{} // scope -> IDs
	mu       sync.RWMutex
}

// NewPolicyStore creates a new in-memory policy store.
func NewPolicyStore() *MemoryPolicyStore {
	return &MemoryPolicyStore{
		policies: make(map[string]*policy.Policy),
		byScope:  make(map[policy.Scope]map[string]struct{}),
	}
}

// ListActivePolicies returns copies of the active policies attached to scope.
func (s *MemoryPolicyStore) ListActivePolicies(ctx context.Context, scope policy.Scope) ([]policy.Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.byScope[scope]
	result := make([]policy.Policy, 0, len(ids))
	for id := range ids {
		p := s.policies[id]
		if p.IsActive {
			result = append(result, p.Clone())
		}
	}
	return result, nil
}

// ListPolicies returns copies of every policy, active or not.
func (s *MemoryPolicyStore) ListPolicies(ctx context.Context) ([]policy.Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]policy.Policy, 0, len(s.policies))
	for _, p := range s.policies {
		result = append(result, p.Clone())
	}
	return result, nil
}

// GetPolicy returns a policy by ID.
// Returns policy.ErrPolicyNotFound if the policy doesn't exist.
func (s *MemoryPolicyStore) GetPolicy(ctx context.Context, id string) (*policy.Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.policies[id]
	if !ok {
		return nil, policy.ErrPolicyNotFound
	}
	c := p.Clone()
	return &c, nil
}

// SavePolicy creates or replaces a policy.
func (s *MemoryPolicyStore) SavePolicy(ctx context.Context, p *policy.Policy) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.put(p)
	return nil
}

// AddPolicy adds a policy (for testing/seeding).
func (s *MemoryPolicyStore) AddPolicy(p *policy.Policy) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.put(p)
}

func (s *MemoryPolicyStore) put(p *policy.Policy) {
	if old, ok := s.policies[p.ID]; ok {
		s.unindex(old)
	}
	c := p.Clone()
	s.policies[p.ID] = &c
	ids, ok := s.byScope[c.Scope]
	if !ok {
		ids = make(map[string]struct{})
		s.byScope[c.Scope] = ids
	}
	ids[c.ID] = struct{}{}
}

func (s *MemoryPolicyStore) unindex(p *policy.Policy) {
	ids := s.byScope[p.Scope]
	delete(ids, p.ID)
	if len(ids) == 0 {
		delete(s.byScope, p.Scope)
	}
}

// DeletePolicy removes a policy by ID.
// Returns policy.ErrPolicyNotFound if the policy doesn't exist.
func (s *MemoryPolicyStore) DeletePolicy(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.policies[id]
	if !ok {
		return policy.ErrPolicyNotFound
	}
	s.unindex(p)
	delete(s.policies, id)
	return nil
}

// Compile-time interface verification.
var _ policy.PolicyWriter = (*MemoryPolicyStore)(nil)
