package http

import (
	"encoding/json"
	"net/http"

	"github.com/Sentinel-Gate/credgate/internal/domain/policy"
)

// policyRequest is the JSON request body for creating/updating a policy.
type policyRequest struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Scope       policy.Scope    `json:"scope"`
	Type        string          `json:"type"`
	Config      json.RawMessage `json:"config"`
	Priority    int             `json:"priority"`
	// IsActive defaults to true when omitted.
	IsActive *bool `json:"is_active,omitempty"`
}

func (req policyRequest) toPolicy() *policy.Policy {
	active := true
	if req.IsActive != nil {
		active = *req.IsActive
	}
	return &policy.Policy{
		Name:        req.Name,
		Description: req.Description,
		Scope:       req.Scope,
		Type:        policy.Type(req.Type),
		Config:      req.Config,
		Priority:    req.Priority,
		IsActive:    active,
	}
}

// handleListPolicies returns all policies in evaluation order.
// GET /api/v1/policies
func (h *APIHandler) handleListPolicies(w http.ResponseWriter, r *http.Request) {
	policies, err := h.policies.List(r.Context())
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	if policies == nil {
		policies = []policy.Policy{}
	}
	h.respondJSON(w, http.StatusOK, policies)
}

// handleGetPolicy returns a single policy.
// GET /api/v1/policies/{id}
func (h *APIHandler) handleGetPolicy(w http.ResponseWriter, r *http.Request) {
	p, err := h.policies.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusOK, p)
}

// handleCreatePolicy validates and stores a new policy.
// POST /api/v1/policies
func (h *APIHandler) handleCreatePolicy(w http.ResponseWriter, r *http.Request) {
	var req policyRequest
	if err := h.readJSON(w, r, &req); err != nil {
		h.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	created, err := h.policies.Create(r.Context(), req.toPolicy())
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusCreated, created)
}

// handleUpdatePolicy replaces an existing policy.
// PUT /api/v1/policies/{id}
func (h *APIHandler) handleUpdatePolicy(w http.ResponseWriter, r *http.Request) {
	var req policyRequest
	if err := h.readJSON(w, r, &req); err != nil {
		h.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	updated, err := h.policies.Update(r.Context(), r.PathValue("id"), req.toPolicy())
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusOK, updated)
}

// handleDeletePolicy removes a policy.
// DELETE /api/v1/policies/{id}
func (h *APIHandler) handleDeletePolicy(w http.ResponseWriter, r *http.Request) {
	if err := h.policies.Delete(r.Context(), r.PathValue("id")); err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
