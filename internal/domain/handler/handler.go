// Package handler implements one evaluator per policy type behind a uniform contract.
//
// A Handler turns a validated policy into a compiled Rule. Rules are immutable
// and safe for concurrent use; all shared mutable state lives in the counter
// store passed through Input.
package handler

import (
	"context"
	"fmt"
	"time"

	"github.com/Sentinel-Gate/credgate/internal/domain/counter"
	"github.com/Sentinel-Gate/credgate/internal/domain/policy"
)

// Input is everything a Rule needs to judge one request.
type Input struct {
	// Request is the operation being evaluated.
	Request policy.OperationRequest
	// Mode is LIVE or SIMULATE. SIMULATE rules must not write counters.
	Mode policy.Mode
	// Now is the request time, used by time windows and conditions.
	Now time.Time
	// Clock is the evaluator's own time. Counter windows are keyed on it,
	// never on the caller-supplied request timestamp.
	Clock time.Time
	// Counters is the counter store. Read-only in SIMULATE mode.
	Counters counter.Store
	// Decisions holds resolved manual approval decisions keyed by policy ID.
	Decisions map[string]policy.ApprovalDecision
}

// Staged is a counter increment that has been applied eagerly and must be
// compensated unless the overall verdict is ALLOWED.
type Staged struct {
	Key string
}

// Result is a Rule's verdict for one request.
type Result struct {
	Outcome policy.Outcome
	Detail  string
	// Staged is non-nil when the rule reserved counter quota.
	Staged *Staged
}

// Rule is a compiled policy ready for evaluation.
type Rule interface {
	// Evaluate judges a request. Errors wrapping policy.ErrStoreUnavailable
	// mean the counter store failed; any other error is a configuration error.
	Evaluate(ctx context.Context, in Input) (Result, error)
}

// Handler compiles policies of one type into Rules.
type Handler interface {
	// Type is the policy type this handler serves.
	Type() policy.Type
	// Compile builds a Rule from a policy and its decoded config.
	Compile(p policy.Policy, cfg policy.Config) (Rule, error)
}

// Condition is a compiled boolean expression over a request.
type Condition interface {
	Match(ctx context.Context, req policy.OperationRequest, now time.Time) (bool, error)
}

// ConditionCompiler compiles expressions used in OperationRule.Condition.
type ConditionCompiler interface {
	CompileCondition(expr string) (Condition, error)
}

// Registry dispatches policies to the handler of their type.
type Registry struct {
	handlers map[policy.Type]Handler
}

// NewRegistry returns a registry with a handler for every policy type.
// conditions may be nil, in which case policies using conditions fail to compile.
func NewRegistry(conditions ConditionCompiler) *Registry {
	r := &Registry{handlers: make(map[policy.Type]Handler, len(policy.Types))}
	for _, h := range []Handler{
		&AllowListHandler{conditions: conditions},
		&DenyListHandler{conditions: conditions},
		&TimeBasedHandler{},
		&CountBasedHandler{},
		&RateLimitingHandler{},
		&PatternMatchHandler{},
		&IPRestrictionHandler{},
		&ManualApprovalHandler{},
	} {
		r.handlers[h.Type()] = h
	}
	return r
}

// Compile validates a policy's config and compiles it into a Rule.
// All failures are configuration errors wrapping policy.ErrInvalidConfig.
func (r *Registry) Compile(p policy.Policy) (Rule, error) {
	h, ok := r.handlers[p.Type]
	if !ok {
		return nil, fmt.Errorf("%w: %w: %q", policy.ErrInvalidConfig, policy.ErrUnknownType, p.Type)
	}
	cfg, err := policy.DecodeConfig(p.Type, p.Config)
	if err != nil {
		return nil, err
	}
	rule, err := h.Compile(p, cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", policy.ErrInvalidConfig, p.Type, err)
	}
	return rule, nil
}

func configAs[T policy.Config](cfg policy.Config) (T, error) {
	c, ok := cfg.(T)
	if !ok {
		var zero T
		return zero, fmt.Errorf("unexpected config %T for %s", cfg, zero.PolicyType())
	}
	return c, nil
}

func notApplicable(detail string) Result {
	return Result{Outcome: policy.OutcomeNotApplicable, Detail: detail}
}

func allow(detail string) Result {
	return Result{Outcome: policy.OutcomeAllow, Detail: detail}
}

func deny(detail string) Result {
	return Result{Outcome: policy.OutcomeDeny, Detail: detail}
}

func storeError(op string, err error) error {
	return fmt.Errorf("%w: counter %s: %v", policy.ErrStoreUnavailable, op, err)
}
