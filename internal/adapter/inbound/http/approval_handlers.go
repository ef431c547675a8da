package http

import (
	"net/http"
	"time"

	"github.com/Sentinel-Gate/credgate/internal/domain/approval"
	"github.com/Sentinel-Gate/credgate/internal/domain/policy"
)

// approvalResponse is the JSON response for a single approval.
type approvalResponse struct {
	Token         string          `json:"token"`
	PolicyID      string          `json:"policy_id"`
	PolicyName    string          `json:"policy_name,omitempty"`
	CredentialID  string          `json:"credential_id"`
	ApplicationID string          `json:"application_id"`
	Operation     string          `json:"operation"`
	Status        approval.Status `json:"status"`
	Reason        string          `json:"reason,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	ResolvedAt    *time.Time      `json:"resolved_at,omitempty"`
}

func toApprovalResponse(p approval.PendingApproval) approvalResponse {
	resp := approvalResponse{
		Token:         p.Token,
		PolicyID:      p.PolicyID,
		PolicyName:    p.PolicyName,
		CredentialID:  p.Request.CredentialID,
		ApplicationID: p.Request.ApplicationID,
		Operation:     p.Request.Operation,
		Status:        p.Status,
		Reason:        p.Reason,
		CreatedAt:     p.CreatedAt,
	}
	if !p.ResolvedAt.IsZero() {
		resolved := p.ResolvedAt
		resp.ResolvedAt = &resolved
	}
	return resp
}

// resolveRequest is the JSON body for resolving an approval.
type resolveRequest struct {
	Decision string `json:"decision"`
	Reason   string `json:"reason,omitempty"`
}

// handleListApprovals returns all pending approvals as a JSON array.
// GET /api/v1/approvals
func (h *APIHandler) handleListApprovals(w http.ResponseWriter, r *http.Request) {
	pending, err := h.approvals.ListPending(r.Context())
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}

	result := make([]approvalResponse, len(pending))
	for i, p := range pending {
		result[i] = toApprovalResponse(p)
	}
	h.respondJSON(w, http.StatusOK, result)
}

// handleResolveApproval records approve, deny or expire for a parked request.
// POST /api/v1/approvals/{token}/resolve
func (h *APIHandler) handleResolveApproval(w http.ResponseWriter, r *http.Request) {
	token := r.PathValue("token")
	if token == "" {
		h.respondError(w, http.StatusBadRequest, "approval token is required")
		return
	}

	var body resolveRequest
	if err := h.readJSON(w, r, &body); err != nil {
		h.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	decision, err := policy.ParseApprovalDecision(body.Decision)
	if err != nil {
		h.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	pa, err := h.approvals.ResolveApprovalWithReason(r.Context(), token, decision, body.Reason)
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusOK, toApprovalResponse(pa))
}
