package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/Sentinel-Gate/credgate/internal/domain/policy"
)

// Simulator previews verdicts without side effects. It runs the same
// Evaluator in SIMULATE mode: counters are read but never written and no
// audit record is emitted.
type Simulator struct {
	evaluator *Evaluator
	logger    *slog.Logger
}

// NewSimulator creates a Simulator over an evaluator.
func NewSimulator(evaluator *Evaluator, logger *slog.Logger) *Simulator {
	return &Simulator{evaluator: evaluator, logger: logger}
}

// Simulate evaluates req in SIMULATE mode and returns the result with a full trace.
//
// When overrides are supplied, every scope that has at least one override
// uses the overrides in place of the stored policies for that scope; other
// scopes read from the policy store. Overrides are treated as active, keep
// their declared priority and are sorted like stored policies.
func (s *Simulator) Simulate(ctx context.Context, req policy.OperationRequest, overrides ...policy.Policy) (policy.EvaluationResult, error) {
	byScope := make(map[policy.Scope][]policy.Policy)
	for i, p := range overrides {
		if err := p.Scope.Validate(); err != nil {
			return policy.EvaluationResult{}, fmt.Errorf("%w: override %d: %v", policy.ErrInvalidRequest, i, err)
		}
		if p.ID == "" {
			p.ID = fmt.Sprintf("draft-%d", i+1)
		}
		// Drafts are simulated as if they were already activated.
		p.IsActive = true
		byScope[p.Scope] = append(byScope[p.Scope], p)
	}

	source := s.evaluator.store.ListActivePolicies
	if len(byScope) > 0 {
		source = func(ctx context.Context, scope policy.Scope) ([]policy.Policy, error) {
			if spliced, ok := byScope[scope]; ok {
				return spliced, nil
			}
			return s.evaluator.store.ListActivePolicies(ctx, scope)
		}
	}

	result, err := s.evaluator.evaluate(ctx, req, policy.ModeSimulate, source)
	if err != nil {
		return policy.EvaluationResult{}, err
	}

	s.logger.Debug("simulation completed",
		"credential_id", req.CredentialID,
		"operation", req.Operation,
		"status", result.Status,
		"overrides", len(overrides),
		"policies_examined", len(result.Trace),
	)
	return result, nil
}
