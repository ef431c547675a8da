// Package audit contains domain types for auditing credential operation verdicts.
package audit

import (
	"strings"
	"time"
)

// Status constants mirror the states shown in audit logs and the dashboard.
const (
	// StatusApproved indicates the operation was permitted.
	StatusApproved = "APPROVED"
	// StatusDenied indicates the operation was blocked.
	StatusDenied = "DENIED"
	// StatusPending indicates the operation is waiting for manual approval.
	StatusPending = "PENDING"
)

// AuditRecord captures one LIVE evaluation of a credential operation.
type AuditRecord struct {
	// Timestamp is when the operation was evaluated.
	Timestamp time.Time `json:"timestamp"`
	// RequestID is for correlation across systems.
	RequestID string `json:"request_id"`
	// CredentialID is the credential the operation targets.
	CredentialID string `json:"credential_id"`
	// CredentialName is the display name (best-effort, may be empty).
	CredentialName string `json:"credential_name,omitempty"`
	// ApplicationID is the calling application.
	ApplicationID string `json:"application_id"`
	// PluginType is the credential's plugin type.
	PluginType string `json:"plugin_type,omitempty"`
	// Operation is the verb that was requested.
	Operation string `json:"operation"`
	// SourceIP is the caller's address.
	SourceIP string `json:"source_ip,omitempty"`
	// Status is APPROVED, DENIED or PENDING.
	Status string `json:"status"`
	// Reason explains the verdict.
	Reason string `json:"reason"`
	// PolicyID is the policy that decided the verdict (empty for the default verdict).
	PolicyID string `json:"policy_id,omitempty"`
	// ConfigError is true when the deciding policy was misconfigured.
	ConfigError bool `json:"config_error,omitempty"`
	// ApprovalToken is set for PENDING verdicts.
	ApprovalToken string `json:"approval_token,omitempty"`
	// LatencyMicros is the evaluation latency in microseconds.
	LatencyMicros int64 `json:"latency_us"`
}

// AuditFilter specifies query parameters for recent-record queries.
type AuditFilter struct {
	// StartTime is the beginning of the time range (optional).
	StartTime time.Time
	// EndTime is the end of the time range (optional).
	EndTime time.Time
	// CredentialID filters by credential (optional).
	CredentialID string
	// ApplicationID filters by application (optional).
	ApplicationID string
	// Operation filters by operation (optional).
	Operation string
	// Status filters by status (optional: APPROVED, DENIED, PENDING).
	Status string
	// Limit is the maximum number of records to return (default 100, max 100).
	Limit int
}

// MaxQueryLimit caps the number of records a single query returns.
const MaxQueryLimit = 100

// EffectiveLimit returns Limit clamped to (0, MaxQueryLimit].
func (f AuditFilter) EffectiveLimit() int {
	if f.Limit <= 0 || f.Limit > MaxQueryLimit {
		return MaxQueryLimit
	}
	return f.Limit
}

// Matches reports whether rec satisfies every set field of the filter.
func (f AuditFilter) Matches(rec AuditRecord) bool {
	if !f.StartTime.IsZero() && rec.Timestamp.Before(f.StartTime) {
		return false
	}
	if !f.EndTime.IsZero() && rec.Timestamp.After(f.EndTime) {
		return false
	}
	if f.Status != "" && !strings.EqualFold(rec.Status, f.Status) {
		return false
	}
	if f.CredentialID != "" && rec.CredentialID != f.CredentialID {
		return false
	}
	if f.ApplicationID != "" && rec.ApplicationID != f.ApplicationID {
		return false
	}
	if f.Operation != "" && rec.Operation != f.Operation {
		return false
	}
	return true
}
