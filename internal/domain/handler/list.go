package handler

import (
	"context"
	"fmt"

	"github.com/Sentinel-Gate/credgate/internal/domain/policy"
)

// AllowListHandler permits only the listed operations.
type AllowListHandler struct {
	conditions ConditionCompiler
}

// Type implements Handler.
func (h *AllowListHandler) Type() policy.Type { return policy.TypeAllowList }

// Compile implements Handler.
func (h *AllowListHandler) Compile(_ policy.Policy, cfg policy.Config) (Rule, error) {
	c, err := configAs[policy.AllowListConfig](cfg)
	if err != nil {
		return nil, err
	}
	matchers, err := compileOperations(c.Operations, h.conditions)
	if err != nil {
		return nil, err
	}
	return &allowListRule{matchers: matchers}, nil
}

type allowListRule struct {
	matchers []operationMatcher
}

func (r *allowListRule) Evaluate(ctx context.Context, in Input) (Result, error) {
	if len(r.matchers) == 0 {
		return notApplicable("allow list is empty"), nil
	}
	m, err := firstMatch(ctx, r.matchers, in)
	if err != nil {
		return Result{}, err
	}
	if m == nil {
		return deny(fmt.Sprintf("operation %q is not in the allow list", in.Request.Operation)), nil
	}
	return allow(fmt.Sprintf("operation %q allowed by %s", in.Request.Operation, m)), nil
}

// DenyListHandler rejects the listed operations.
type DenyListHandler struct {
	conditions ConditionCompiler
}

// Type implements Handler.
func (h *DenyListHandler) Type() policy.Type { return policy.TypeDenyList }

// Compile implements Handler.
func (h *DenyListHandler) Compile(_ policy.Policy, cfg policy.Config) (Rule, error) {
	c, err := configAs[policy.DenyListConfig](cfg)
	if err != nil {
		return nil, err
	}
	matchers, err := compileOperations(c.Operations, h.conditions)
	if err != nil {
		return nil, err
	}
	return &denyListRule{matchers: matchers}, nil
}

type denyListRule struct {
	matchers []operationMatcher
}

func (r *denyListRule) Evaluate(ctx context.Context, in Input) (Result, error) {
	m, err := firstMatch(ctx, r.matchers, in)
	if err != nil {
		return Result{}, err
	}
	if m == nil {
		return notApplicable(fmt.Sprintf("operation %q is not in the deny list", in.Request.Operation)), nil
	}
	return deny(fmt.Sprintf("operation %q denied by %s", in.Request.Operation, m)), nil
}
