package policy

import "context"

// Engine evaluates operation requests against the configured policies.
type Engine interface {
	// Evaluate runs the cascade for a request. A non-nil error means no
	// trustworthy verdict could be produced (see ErrStoreUnavailable).
	Evaluate(ctx context.Context, req OperationRequest, mode Mode) (EvaluationResult, error)
}

// PolicyStore is the read side used on the evaluation path.
type PolicyStore interface {
	// ListActivePolicies returns the active policies attached to exactly this scope.
	// Order is unspecified; the evaluator sorts.
	ListActivePolicies(ctx context.Context, scope Scope) ([]Policy, error)
}

// PolicyWriter is the administrative side of a policy store.
type PolicyWriter interface {
	PolicyStore
	// GetPolicy returns a policy by ID or ErrPolicyNotFound.
	GetPolicy(ctx context.Context, id string) (*Policy, error)
	// ListPolicies returns every policy, active or not.
	ListPolicies(ctx context.Context) ([]Policy, error)
	// SavePolicy creates or replaces a policy.
	SavePolicy(ctx context.Context, p *Policy) error
	// DeletePolicy removes a policy by ID or returns ErrPolicyNotFound.
	DeletePolicy(ctx context.Context, id string) error
}
