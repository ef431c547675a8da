package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Sentinel-Gate/credgate/internal/domain/handler"
	"github.com/Sentinel-Gate/credgate/internal/domain/policy"
)

// PolicyCompiler compiles a validated policy into an executable rule.
// Evaluator satisfies it, so a policy accepted here is one the cascade can run.
type PolicyCompiler interface {
	Compile(p policy.Policy) (handler.Rule, error)
}

// PolicyAdminService provides CRUD operations on policies.
// Every write is validated in full (definition, JSON Schema, typed config and
// semantic compile) before anything reaches the store.
type PolicyAdminService struct {
	store    policy.PolicyWriter
	compiler PolicyCompiler
	logger   *slog.Logger
	now      func() time.Time
	mu       sync.Mutex // serializes read-modify-write on Update
}

// NewPolicyAdminService creates a new PolicyAdminService.
func NewPolicyAdminService(store policy.PolicyWriter, compiler PolicyCompiler, logger *slog.Logger) *PolicyAdminService {
	return &PolicyAdminService{
		store:    store,
		compiler: compiler,
		logger:   logger,
		now:      time.Now,
	}
}

// List returns all policies from the store.
func (s *PolicyAdminService) List(ctx context.Context) ([]policy.Policy, error) {
	policies, err := s.store.ListPolicies(ctx)
	if err != nil {
		return nil, fmt.Errorf("list policies: %w", err)
	}
	SortPolicies(policies)
	return policies, nil
}

// Get returns a single policy by ID.
// Returns policy.ErrPolicyNotFound if the policy does not exist.
func (s *PolicyAdminService) Get(ctx context.Context, id string) (*policy.Policy, error) {
	p, err := s.store.GetPolicy(ctx, id)
	if err != nil {
		if errors.Is(err, policy.ErrPolicyNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("get policy: %w", err)
	}
	return p, nil
}

// Validate checks a policy without persisting it.
// Errors wrap policy.ErrInvalidPolicy.
func (s *PolicyAdminService) Validate(p policy.Policy) error {
	if _, err := policy.Validate(p); err != nil {
		return err
	}
	if s.compiler == nil {
		return nil
	}
	if _, err := s.compiler.Compile(p); err != nil {
		if errors.Is(err, policy.ErrInvalidPolicy) {
			return err
		}
		return fmt.Errorf("%w: %w", policy.ErrInvalidPolicy, err)
	}
	return nil
}

// Create validates and stores a new policy under a generated ID.
func (s *PolicyAdminService) Create(ctx context.Context, p *policy.Policy) (*policy.Policy, error) {
	now := s.now().UTC()
	p.ID = uuid.New().String()
	p.CreatedAt = now
	p.UpdatedAt = now

	if err := s.Validate(*p); err != nil {
		return nil, err
	}

	if err := s.store.SavePolicy(ctx, p); err != nil {
		return nil, fmt.Errorf("save policy: %w", err)
	}

	s.logger.Info("policy created",
		"policy_id", p.ID,
		"name", p.Name,
		"type", p.Type,
		"scope", p.Scope.String(),
	)
	return s.store.GetPolicy(ctx, p.ID)
}

// Update replaces an existing policy. ID and CreatedAt are preserved.
// Returns policy.ErrPolicyNotFound if the policy does not exist.
func (s *PolicyAdminService) Update(ctx context.Context, id string, p *policy.Policy) (*policy.Policy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, err := s.store.GetPolicy(ctx, id)
	if err != nil {
		if errors.Is(err, policy.ErrPolicyNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("get existing policy: %w", err)
	}

	p.ID = id
	p.CreatedAt = existing.CreatedAt
	p.UpdatedAt = s.now().UTC()

	if err := s.Validate(*p); err != nil {
		return nil, err
	}

	if err := s.store.SavePolicy(ctx, p); err != nil {
		return nil, fmt.Errorf("save policy: %w", err)
	}

	s.logger.Info("policy updated", "policy_id", id, "name", p.Name, "active", p.IsActive)
	return s.store.GetPolicy(ctx, id)
}

// Delete removes a policy by ID.
// Returns policy.ErrPolicyNotFound if the policy does not exist.
func (s *PolicyAdminService) Delete(ctx context.Context, id string) error {
	if err := s.store.DeletePolicy(ctx, id); err != nil {
		if errors.Is(err, policy.ErrPolicyNotFound) {
			return err
		}
		return fmt.Errorf("delete policy: %w", err)
	}
	s.logger.Info("policy deleted", "policy_id", id)
	return nil
}

// Import validates every policy first and then saves them all, keeping
// supplied IDs. Nothing is written when any policy is invalid.
// Used to seed the store from a policy file at startup.
func (s *PolicyAdminService) Import(ctx context.Context, policies []policy.Policy) (int, error) {
	now := s.now().UTC()
	prepared := make([]policy.Policy, 0, len(policies))
	for i, p := range policies {
		if p.ID == "" {
			p.ID = uuid.New().String()
		}
		if p.CreatedAt.IsZero() {
			p.CreatedAt = now
		}
		if p.UpdatedAt.IsZero() {
			p.UpdatedAt = p.CreatedAt
		}
		if err := s.Validate(p); err != nil {
			return 0, fmt.Errorf("policy %d (%s): %w", i, p.Name, err)
		}
		prepared = append(prepared, p)
	}

	for i := range prepared {
		if err := s.store.SavePolicy(ctx, &prepared[i]); err != nil {
			return i, fmt.Errorf("save policy %s: %w", prepared[i].ID, err)
		}
	}

	s.logger.Info("policies imported", "count", len(prepared))
	return len(prepared), nil
}
