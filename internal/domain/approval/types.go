// Package approval contains domain types for manual approval of parked requests.
package approval

import (
	"context"
	"errors"
	"time"

	"github.com/Sentinel-Gate/credgate/internal/domain/policy"
)

var (
	// ErrApprovalNotFound is returned when a token is unknown.
	ErrApprovalNotFound = errors.New("approval not found")
	// ErrApprovalResolved is returned when a token has already been resolved.
	ErrApprovalResolved = errors.New("approval already resolved")
)

// Status is the lifecycle state of a parked request.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusDenied   Status = "denied"
	StatusExpired  Status = "expired"
	// StatusConsumed marks an approval whose ALLOWED verdict has been used by a LIVE evaluation.
	StatusConsumed Status = "consumed"
)

// StatusFor maps an approver's decision to the resolved status.
func StatusFor(d policy.ApprovalDecision) Status {
	switch d {
	case policy.DecisionApprove:
		return StatusApproved
	case policy.DecisionExpire:
		return StatusExpired
	default:
		return StatusDenied
	}
}

// PendingApproval is a request parked by a MANUAL_APPROVAL policy.
type PendingApproval struct {
	// Token is the resumable continuation token handed to the caller.
	Token string `json:"token"`
	// PolicyID is the MANUAL_APPROVAL policy that parked the request.
	PolicyID string `json:"policy_id"`
	// PolicyName is the display name of that policy.
	PolicyName string `json:"policy_name,omitempty"`
	// Request is the parked operation request.
	Request policy.OperationRequest `json:"request"`
	// Fingerprint binds the token to the request it was issued for.
	Fingerprint string `json:"fingerprint"`
	// Inherited carries decisions resolved by earlier tokens in the same chain,
	// keyed by policy ID, so a request guarded by several approval policies
	// does not loop.
	Inherited map[string]policy.ApprovalDecision `json:"inherited,omitempty"`
	// Status is the lifecycle state.
	Status Status `json:"status"`
	// Reason is the approver's note, if any.
	Reason string `json:"reason,omitempty"`
	// CreatedAt is when the request was parked.
	CreatedAt time.Time `json:"created_at"`
	// ResolvedAt is when the decision arrived.
	ResolvedAt time.Time `json:"resolved_at,omitempty"`
}

// Clone returns a copy that shares no maps with p.
func (p PendingApproval) Clone() PendingApproval {
	c := p
	if p.Inherited != nil {
		c.Inherited = make(map[string]policy.ApprovalDecision, len(p.Inherited))
		for id, d := range p.Inherited {
			c.Inherited[id] = d
		}
	}
	if p.Request.Parameters != nil {
		c.Request.Parameters = make(map[string]any, len(p.Request.Parameters))
		for k, v := range p.Request.Parameters {
			c.Request.Parameters[k] = v
		}
	}
	return c
}

// Decision returns the decision recorded by this approval, if resolved.
func (p PendingApproval) Decision() (policy.ApprovalDecision, bool) {
	switch p.Status {
	case StatusApproved:
		return policy.DecisionApprove, true
	case StatusDenied:
		return policy.DecisionDeny, true
	case StatusExpired:
		return policy.DecisionExpire, true
	}
	return "", false
}

// Decisions returns every decision available to a resumed evaluation,
// keyed by policy ID: the inherited ones plus this approval's own.
func (p PendingApproval) Decisions() map[string]policy.ApprovalDecision {
	out := make(map[string]policy.ApprovalDecision, len(p.Inherited)+1)
	for id, d := range p.Inherited {
		out[id] = d
	}
	if d, ok := p.Decision(); ok {
		out[p.PolicyID] = d
	}
	return out
}

// Store persists parked requests.
type Store interface {
	// Add stores a new pending approval.
	Add(ctx context.Context, p PendingApproval) error
	// Get returns an approval by token or ErrApprovalNotFound.
	Get(ctx context.Context, token string) (PendingApproval, error)
	// Transition atomically moves an approval from one status to another.
	// Returns ErrApprovalNotFound for unknown tokens and ErrApprovalResolved
	// when the current status is not from.
	Transition(ctx context.Context, token string, from, to Status, reason string) (PendingApproval, error)
	// ListPending returns unresolved approvals, oldest first.
	ListPending(ctx context.Context) ([]PendingApproval, error)
}
