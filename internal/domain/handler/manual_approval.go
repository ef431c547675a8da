package handler

import (
	"context"
	"fmt"

	"github.com/Sentinel-Gate/credgate/internal/domain/policy"
)

// ManualApprovalHandler parks matching operations until an approver decides.
type ManualApprovalHandler struct{}

// Type implements Handler.
func (h *ManualApprovalHandler) Type() policy.Type { return policy.TypeManualApproval }

// Compile implements Handler.
func (h *ManualApprovalHandler) Compile(p policy.Policy, cfg policy.Config) (Rule, error) {
	c, err := configAs[policy.ManualApprovalConfig](cfg)
	if err != nil {
		return nil, err
	}
	return &manualApprovalRule{policyID: p.ID, operations: c.Operations, reason: c.Reason}, nil
}

type manualApprovalRule struct {
	policyID   string
	operations []string
	reason     string
}

func (r *manualApprovalRule) Evaluate(_ context.Context, in Input) (Result, error) {
	if len(r.operations) > 0 && !matchAnyGlob(r.operations, in.Request.Operation) {
		return notApplicable(fmt.Sprintf("operation %q does not require approval", in.Request.Operation)), nil
	}
	switch in.Decisions[r.policyID] {
	case policy.DecisionApprove:
		return allow("approved by approver"), nil
	case policy.DecisionDeny:
		return deny("denied by approver"), nil
	case policy.DecisionExpire:
		return deny("approval expired"), nil
	}
	detail := "awaiting manual approval"
	if r.reason != "" {
		detail += ": " + r.reason
	}
	return Result{Outcome: policy.OutcomePending, Detail: detail}, nil
}
