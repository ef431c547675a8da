package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/Sentinel-Gate/credgate/internal/domain/approval"
	"github.com/Sentinel-Gate/credgate/internal/domain/audit"
	"github.com/Sentinel-Gate/credgate/internal/domain/policy"
)

// maxRequestBodySize is the maximum allowed request body size (1 MB).
const maxRequestBodySize = 1 << 20

// Simulator previews verdicts with optional draft policies.
type Simulator interface {
	Simulate(ctx context.Context, req policy.OperationRequest, overrides ...policy.Policy) (policy.EvaluationResult, error)
}

// ApprovalResolver resolves and lists parked approvals.
type ApprovalResolver interface {
	ResolveApprovalWithReason(ctx context.Context, token string, decision policy.ApprovalDecision, reason string) (approval.PendingApproval, error)
	ListPending(ctx context.Context) ([]approval.PendingApproval, error)
}

// PolicyAdmin manages stored policies.
type PolicyAdmin interface {
	List(ctx context.Context) ([]policy.Policy, error)
	Get(ctx context.Context, id string) (*policy.Policy, error)
	Create(ctx context.Context, p *policy.Policy) (*policy.Policy, error)
	Update(ctx context.Context, id string, p *policy.Policy) (*policy.Policy, error)
	Delete(ctx context.Context, id string) error
}

// AuditQuerier reads recent audit records.
type AuditQuerier interface {
	Query(filter audit.AuditFilter) []audit.AuditRecord
}

// APIHandler serves the /api/v1 routes.
type APIHandler struct {
	engine    policy.Engine
	simulator Simulator
	approvals ApprovalResolver
	policies  PolicyAdmin
	audit     AuditQuerier
	logger    *slog.Logger
}

// APIOption configures an APIHandler.
type APIOption func(*APIHandler)

// WithSimulator enables POST /api/v1/simulate.
func WithSimulator(s Simulator) APIOption {
	return func(h *APIHandler) { h.simulator = s }
}

// WithApprovals enables the approval routes.
func WithApprovals(a ApprovalResolver) APIOption {
	return func(h *APIHandler) { h.approvals = a }
}

// WithPolicyAdmin enables the policy CRUD routes.
func WithPolicyAdmin(p PolicyAdmin) APIOption {
	return func(h *APIHandler) { h.policies = p }
}

// WithAuditQuerier enables GET /api/v1/audit.
func WithAuditQuerier(q AuditQuerier) APIOption {
	return func(h *APIHandler) { h.audit = q }
}

// NewAPIHandler creates an APIHandler around an evaluation engine.
func NewAPIHandler(engine policy.Engine, logger *slog.Logger, opts ...APIOption) *APIHandler {
	h := &APIHandler{
		engine: engine,
		logger: logger,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Routes registers the API routes on mux. Routes whose collaborator is not
// configured are not registered and answer 404.
func (h *APIHandler) Routes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/v1/evaluate", h.handleEvaluate)
	if h.simulator != nil {
		mux.HandleFunc("POST /api/v1/simulate", h.handleSimulate)
	}
	if h.approvals != nil {
		mux.HandleFunc("GET /api/v1/approvals", h.handleListApprovals)
		mux.HandleFunc("POST /api/v1/approvals/{token}/resolve", h.handleResolveApproval)
	}
	if h.policies != nil {
		mux.HandleFunc("GET /api/v1/policies", h.handleListPolicies)
		mux.HandleFunc("POST /api/v1/policies", h.handleCreatePolicy)
		mux.HandleFunc("GET /api/v1/policies/{id}", h.handleGetPolicy)
		mux.HandleFunc("PUT /api/v1/policies/{id}", h.handleUpdatePolicy)
		mux.HandleFunc("DELETE /api/v1/policies/{id}", h.handleDeletePolicy)
	}
	if h.audit != nil {
		mux.HandleFunc("GET /api/v1/audit", h.handleQueryAudit)
	}
}

// respondJSON writes data as JSON with the given status code.
func (h *APIHandler) respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to encode JSON response", "error", err)
	}
}

// respondError writes a JSON error response with the given status code and message.
func (h *APIHandler) respondError(w http.ResponseWriter, status int, message string) {
	h.respondJSON(w, status, map[string]string{"error": message})
}

// respondServiceError maps a domain error to its HTTP status.
func (h *APIHandler) respondServiceError(w http.ResponseWriter, r *http.Request, err error) {
	status, message := errorStatus(err)
	if status >= http.StatusInternalServerError {
		LoggerFromContext(r.Context()).Error("request failed",
			"path", r.URL.Path,
			"error", err,
		)
	}
	h.respondError(w, status, message)
}

// errorStatus returns the HTTP status and client-facing message for err.
// Store outages expose no detail.
func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, policy.ErrStoreUnavailable):
		return http.StatusServiceUnavailable, "store unavailable"
	case errors.Is(err, policy.ErrPolicyNotFound):
		return http.StatusNotFound, "policy not found"
	case errors.Is(err, approval.ErrApprovalNotFound):
		return http.StatusNotFound, "approval not found"
	case errors.Is(err, approval.ErrApprovalResolved):
		return http.StatusConflict, "approval already resolved"
	case errors.Is(err, policy.ErrInvalidRequest),
		errors.Is(err, policy.ErrInvalidPolicy),
		errors.Is(err, policy.ErrInvalidConfig),
		errors.Is(err, policy.ErrInvalidScope),
		errors.Is(err, policy.ErrUnknownType):
		return http.StatusBadRequest, err.Error()
	default:
		return http.StatusInternalServerError, "internal error"
	}
}

// readJSON decodes the request body into v, rejecting unknown fields and
// bodies larger than maxRequestBodySize.
func (h *APIHandler) readJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBodySize))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is empty")
		}
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	return nil
}
