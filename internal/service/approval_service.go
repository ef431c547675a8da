package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/Sentinel-Gate/credgate/internal/domain/approval"
	"github.com/Sentinel-Gate/credgate/internal/domain/policy"
)

// ApprovalService parks requests stopped by MANUAL_APPROVAL policies and
// resolves them when an approver decides. Resolution never blocks an
// evaluation: the caller re-invokes Evaluate with the token.
type ApprovalService struct {
	store  approval.Store
	logger *slog.Logger
	now    func() time.Time
}

// NewApprovalService creates an ApprovalService backed by store.
func NewApprovalService(store approval.Store, logger *slog.Logger) *ApprovalService {
	return &ApprovalService{store: store, logger: logger, now: time.Now}
}

// Park stores a pending approval for req and returns its token.
func (s *ApprovalService) Park(ctx context.Context, req policy.OperationRequest, p policy.Policy, inherited map[string]policy.ApprovalDecision) (string, error) {
	pending := approval.PendingApproval{
		Token:       uuid.New().String(),
		PolicyID:    p.ID,
		PolicyName:  p.Name,
		Request:     req,
		Fingerprint: approval.Fingerprint(req),
		Status:      approval.StatusPending,
		CreatedAt:   s.now().UTC(),
	}
	pending.Request.ApprovalToken = ""
	if len(inherited) > 0 {
		pending.Inherited = make(map[string]policy.ApprovalDecision, len(inherited))
		for id, d := range inherited {
			pending.Inherited[id] = d
		}
	}
	if err := s.store.Add(ctx, pending); err != nil {
		return "", fmt.Errorf("store approval: %w", err)
	}

	s.logger.Info("operation parked pending approval",
		"token", pending.Token,
		"policy_id", p.ID,
		"credential_id", req.CredentialID,
		"application_id", req.ApplicationID,
		"operation", req.Operation,
	)
	return pending.Token, nil
}

// Resume returns the approval referenced by req.ApprovalToken if it exists,
// was issued for the same request and has not been consumed. Tokens that do
// not apply are ignored so the request is simply parked again.
func (s *ApprovalService) Resume(ctx context.Context, req policy.OperationRequest) (*approval.PendingApproval, error) {
	if req.ApprovalToken == "" {
		return nil, nil
	}
	pa, err := s.store.Get(ctx, req.ApprovalToken)
	if err != nil {
		if errors.Is(err, approval.ErrApprovalNotFound) {
			s.logger.Debug("approval token not found, ignoring", "token", req.ApprovalToken)
			return nil, nil
		}
		return nil, err
	}
	if pa.Fingerprint != approval.Fingerprint(req) {
		s.logger.Warn("approval token presented for a different request, ignoring",
			"token", pa.Token,
			"credential_id", req.CredentialID,
			"operation", req.Operation,
		)
		return nil, nil
	}
	if pa.Status == approval.StatusConsumed {
		return nil, nil
	}
	return &pa, nil
}

// Consume marks an approved token as used by a LIVE evaluation.
func (s *ApprovalService) Consume(ctx context.Context, token string) error {
	_, err := s.store.Transition(ctx, token, approval.StatusApproved, approval.StatusConsumed, "")
	return err
}

// ResolveApproval records an approver's decision for a parked request.
// Returns approval.ErrApprovalNotFound for unknown tokens and
// approval.ErrApprovalResolved when the token was already resolved.
func (s *ApprovalService) ResolveApproval(ctx context.Context, token string, decision policy.ApprovalDecision) (approval.PendingApproval, error) {
	return s.ResolveApprovalWithReason(ctx, token, decision, "")
}

// ResolveApprovalWithReason is ResolveApproval with an approver note.
func (s *ApprovalService) ResolveApprovalWithReason(ctx context.Context, token string, decision policy.ApprovalDecision, reason string) (approval.PendingApproval, error) {
	if _, err := policy.ParseApprovalDecision(string(decision)); err != nil {
		return approval.PendingApproval{}, err
	}
	pa, err := s.store.Transition(ctx, token, approval.StatusPending, approval.StatusFor(decision), reason)
	if err != nil {
		return approval.PendingApproval{}, err
	}

	s.logger.Info("approval resolved",
		"token", token,
		"policy_id", pa.PolicyID,
		"decision", decision,
	)
	return pa, nil
}

// Get returns an approval by token.
func (s *ApprovalService) Get(ctx context.Context, token string) (approval.PendingApproval, error) {
	return s.store.Get(ctx, token)
}

// ListPending returns unresolved approvals, oldest first.
func (s *ApprovalService) ListPending(ctx context.Context) ([]approval.PendingApproval, error) {
	return s.store.ListPending(ctx)
}

// ExpireOlderThan resolves every approval pending for longer than age as
// expired, so re-evaluation denies it. Returns the number expired.
func (s *ApprovalService) ExpireOlderThan(ctx context.Context, age time.Duration) (int, error) {
	pending, err := s.store.ListPending(ctx)
	if err != nil {
		return 0, err
	}
	cutoff := s.now().Add(-age)
	expired := 0
	for _, pa := range pending {
		if pa.CreatedAt.After(cutoff) {
			continue
		}
		_, err := s.store.Transition(ctx, pa.Token, approval.StatusPending, approval.StatusExpired, "approval window elapsed")
		if err != nil {
			if errors.Is(err, approval.ErrApprovalResolved) || errors.Is(err, approval.ErrApprovalNotFound) {
				continue
			}
			return expired, err
		}
		expired++
	}
	if expired > 0 {
		s.logger.Info("expired stale approvals", "count", expired, "max_age", age)
	}
	return expired, nil
}

// Compile-time interface verification.
var _ ApprovalBroker = (*ApprovalService)(nil)
