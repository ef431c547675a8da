package http

import (
	"net/http"
	"time"

	"github.com/Sentinel-Gate/credgate/internal/domain/policy"
)

// evaluateResponse is the JSON response for evaluate and simulate.
type evaluateResponse struct {
	// Status is the audit-facing verdict: APPROVED, DENIED or PENDING.
	Status          string              `json:"status"`
	Verdict         policy.Status       `json:"verdict"`
	MatchedPolicyID string              `json:"matched_policy_id,omitempty"`
	Reason          string              `json:"reason"`
	ApprovalToken   string              `json:"approval_token,omitempty"`
	ConfigError     bool                `json:"config_error,omitempty"`
	Mode            policy.Mode         `json:"mode"`
	EvaluatedAt     time.Time           `json:"evaluated_at"`
	LatencyMicros   int64               `json:"latency_us"`
	RequestID       string              `json:"request_id,omitempty"`
	Trace           []policy.TraceEntry `json:"trace,omitempty"`
}

func toEvaluateResponse(res policy.EvaluationResult, requestID string) evaluateResponse {
	return evaluateResponse{
		Status:          res.Status.AuditStatus(),
		Verdict:         res.Status,
		MatchedPolicyID: res.MatchedPolicyID,
		Reason:          res.Reason,
		ApprovalToken:   res.ApprovalToken,
		ConfigError:     res.ConfigError,
		Mode:            res.Mode,
		EvaluatedAt:     res.EvaluatedAt,
		LatencyMicros:   res.Duration.Microseconds(),
		RequestID:       requestID,
		Trace:           res.Trace,
	}
}

// simulateRequest is the JSON body for POST /api/v1/simulate.
type simulateRequest struct {
	Request  policy.OperationRequest `json:"request"`
	Policies []policy.Policy         `json:"policies,omitempty"`
}

// handleEvaluate runs a LIVE evaluation.
// POST /api/v1/evaluate
func (h *APIHandler) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	var req policy.OperationRequest
	if err := h.readJSON(w, r, &req); err != nil {
		h.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.SourceIP == "" {
		req.SourceIP = extractRealIP(r)
	}

	res, err := h.engine.Evaluate(r.Context(), req, policy.ModeLive)
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}

	LoggerFromContext(r.Context()).Debug("operation evaluated",
		"credential_id", req.CredentialID,
		"operation", req.Operation,
		"status", res.Status,
		"policy_id", res.MatchedPolicyID,
	)
	h.respondJSON(w, http.StatusOK, toEvaluateResponse(res, RequestIDFromContext(r.Context())))
}

// handleSimulate runs a SIMULATE evaluation, optionally with draft policies
// replacing the stored policies of their scopes.
// POST /api/v1/simulate
func (h *APIHandler) handleSimulate(w http.ResponseWriter, r *http.Request) {
	var body simulateRequest
	if err := h.readJSON(w, r, &body); err != nil {
		h.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	res, err := h.simulator.Simulate(r.Context(), body.Request, body.Policies...)
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusOK, toEvaluateResponse(res, RequestIDFromContext(r.Context())))
}
