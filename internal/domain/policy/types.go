// Package policy contains domain types for credential policy evaluation.
package policy

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Type identifies the kind of rule a policy applies.
type Type string

const (
	// TypeAllowList permits only the listed operations.
	TypeAllowList Type = "ALLOW_LIST"
	// TypeDenyList rejects the listed operations.
	TypeDenyList Type = "DENY_LIST"
	// TypeTimeBased restricts operations to a day/time window.
	TypeTimeBased Type = "TIME_BASED"
	// TypeCountBased caps the total number of operations per credential.
	TypeCountBased Type = "COUNT_BASED"
	// TypeRateLimiting caps operations per time window.
	TypeRateLimiting Type = "RATE_LIMITING"
	// TypePatternMatch tests a regular expression against the request.
	TypePatternMatch Type = "PATTERN_MATCH"
	// TypeIPRestriction tests the source IP against CIDR ranges.
	TypeIPRestriction Type = "IP_RESTRICTION"
	// TypeManualApproval parks the request until a human decides.
	TypeManualApproval Type = "MANUAL_APPROVAL"
)

// Types lists every supported policy type in declaration order.
var Types = []Type{
	TypeAllowList,
	TypeDenyList,
	TypeTimeBased,
	TypeCountBased,
	TypeRateLimiting,
	TypePatternMatch,
	TypeIPRestriction,
	TypeManualApproval,
}

// ParseType converts a string into a Type. Matching is case-insensitive.
// Unknown values return ErrUnknownType.
func ParseType(s string) (Type, error) {
	candidate := Type(strings.ToUpper(strings.TrimSpace(s)))
	for _, t := range Types {
		if t == candidate {
			return t, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownType, s)
}

// Stateful reports whether policies of this type read or write the counter store.
func (t Type) Stateful() bool {
	return t == TypeCountBased || t == TypeRateLimiting
}

// ScopeKind is the breadth at which a policy applies.
type ScopeKind string

const (
	// ScopeGlobal applies to every request.
	ScopeGlobal ScopeKind = "GLOBAL"
	// ScopePlugin applies to every credential of one plugin type.
	ScopePlugin ScopeKind = "PLUGIN"
	// ScopeCredential applies to a single credential.
	ScopeCredential ScopeKind = "CREDENTIAL"
)

// ScopeOrder is the fixed evaluation order of the cascade.
var ScopeOrder = []ScopeKind{ScopeGlobal, ScopePlugin, ScopeCredential}

// Scope is a tagged variant: Global, Plugin(pluginType) or Credential(credentialID).
// The zero value is not a valid scope; use the constructors.
type Scope struct {
	kind   ScopeKind
	target string
}

// GlobalScope returns the scope that applies to all requests.
func GlobalScope() Scope {
	return Scope{kind: ScopeGlobal}
}

// PluginScope returns the scope for all credentials of the given plugin type.
func PluginScope(pluginType string) Scope {
	return Scope{kind: ScopePlugin, target: pluginType}
}

// CredentialScope returns the scope for a single credential.
func CredentialScope(credentialID string) Scope {
	return Scope{kind: ScopeCredential, target: credentialID}
}

// NewScope builds a scope from its kind and target, enforcing the
// target invariant for each kind.
func NewScope(kind ScopeKind, target string) (Scope, error) {
	s := Scope{kind: ScopeKind(strings.ToUpper(string(kind))), target: target}
	if err := s.Validate(); err != nil {
		return Scope{}, err
	}
	return s, nil
}

// Kind returns the scope kind.
func (s Scope) Kind() ScopeKind { return s.kind }

// Target returns the plugin type or credential id. Empty for global scope.
func (s Scope) Target() string { return s.target }

// PluginType returns the plugin type for plugin scopes.
func (s Scope) PluginType() (string, bool) {
	if s.kind != ScopePlugin {
		return "", false
	}
	return s.target, true
}

// CredentialID returns the credential id for credential scopes.
func (s Scope) CredentialID() (string, bool) {
	if s.kind != ScopeCredential {
		return "", false
	}
	return s.target, true
}

// IsZero reports whether the scope was never set.
func (s Scope) IsZero() bool { return s.kind == "" }

// Validate checks that exactly the target required by the kind is present.
func (s Scope) Validate() error {
	switch s.kind {
	case ScopeGlobal:
		if s.target != "" {
			return fmt.Errorf("%w: global scope must not have a target", ErrInvalidScope)
		}
	case ScopePlugin:
		if strings.TrimSpace(s.target) == "" {
			return fmt.Errorf("%w: plugin scope requires a plugin type", ErrInvalidScope)
		}
	case ScopeCredential:
		if strings.TrimSpace(s.target) == "" {
			return fmt.Errorf("%w: credential scope requires a credential id", ErrInvalidScope)
		}
	default:
		return fmt.Errorf("%w: unknown scope kind %q", ErrInvalidScope, s.kind)
	}
	return nil
}

// String renders the scope as "global", "plugin:<type>" or "credential:<id>".
func (s Scope) String() string {
	switch s.kind {
	case ScopeGlobal:
		return "global"
	case ScopePlugin:
		return "plugin:" + s.target
	case ScopeCredential:
		return "credential:" + s.target
	default:
		return "invalid"
	}
}

type scopeJSON struct {
	Kind   ScopeKind `json:"kind"`
	Target string    `json:"target,omitempty"`
}

// MarshalJSON encodes the scope as {"kind": ..., "target": ...}.
func (s Scope) MarshalJSON() ([]byte, error) {
	return json.Marshal(scopeJSON{Kind: s.kind, Target: s.target})
}

// UnmarshalJSON decodes and validates a scope.
func (s *Scope) UnmarshalJSON(data []byte) error {
	var raw scopeJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	parsed, err := NewScope(raw.Kind, raw.Target)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Policy is a named rule attached to one scope.
type Policy struct {
	// ID is the unique identifier for this policy.
	ID string `json:"id"`
	// Name is the human-readable name for this policy.
	Name string `json:"name"`
	// Description provides additional context about the policy.
	Description string `json:"description,omitempty"`
	// Scope is where the policy applies.
	Scope Scope `json:"scope"`
	// Type selects the handler and the shape of Config.
	Type Type `json:"type"`
	// Config is the type-specific payload as stored. Use DecodeConfig for the typed form.
	Config json.RawMessage `json:"config"`
	// Priority orders policies within a scope (higher = evaluated first).
	Priority int `json:"priority"`
	// IsActive controls whether the policy participates in evaluation.
	IsActive bool `json:"is_active"`
	// CreatedAt is when the policy was created (UTC).
	CreatedAt time.Time `json:"created_at"`
	// UpdatedAt is when the policy was last modified (UTC).
	UpdatedAt time.Time `json:"updated_at"`
}

// Clone returns a deep copy of the policy.
func (p Policy) Clone() Policy {
	c := p
	if p.Config != nil {
		c.Config = append(json.RawMessage(nil), p.Config...)
	}
	return c
}

// Mode selects whether an evaluation has durable effects.
type Mode string

const (
	// ModeLive commits counter side effects and emits audit records.
	ModeLive Mode = "LIVE"
	// ModeSimulate reads counters only, emits nothing, and returns a full trace.
	ModeSimulate Mode = "SIMULATE"
)

// Outcome is the per-policy result produced by a handler.
type Outcome string

const (
	// OutcomeNotApplicable means the policy does not pertain to the request.
	OutcomeNotApplicable Outcome = "NOT_APPLICABLE"
	// OutcomeAllow means the policy does not deny the request.
	OutcomeAllow Outcome = "ALLOW"
	// OutcomeDeny stops the cascade with a DENIED verdict.
	OutcomeDeny Outcome = "DENY"
	// OutcomePending stops the cascade awaiting manual approval.
	OutcomePending Outcome = "PENDING"
)

// Status is the final verdict of an evaluation.
type Status string

const (
	// StatusAllowed permits the operation.
	StatusAllowed Status = "ALLOWED"
	// StatusDenied rejects the operation.
	StatusDenied Status = "DENIED"
	// StatusPending parks the operation until an approval decision arrives.
	StatusPending Status = "PENDING"
)

// AuditStatus maps the verdict to the states used by audit logs and the dashboard.
func (s Status) AuditStatus() string {
	switch s {
	case StatusAllowed:
		return "APPROVED"
	case StatusPending:
		return "PENDING"
	default:
		return "DENIED"
	}
}

// OperationRequest is the unit being evaluated.
type OperationRequest struct {
	// CredentialID identifies the credential the operation runs against.
	CredentialID string `json:"credential_id"`
	// ApplicationID identifies the calling third-party application.
	ApplicationID string `json:"application_id"`
	// PluginType is the credential's type. Resolved from CredentialID when empty.
	PluginType string `json:"plugin_type,omitempty"`
	// Operation is the verb identifier (e.g., "s3:GetObject").
	Operation string `json:"operation"`
	// Parameters are operation-specific arguments.
	Parameters map[string]any `json:"parameters,omitempty"`
	// SourceIP is the caller's address.
	SourceIP string `json:"source_ip,omitempty"`
	// Timestamp is when the request was made. Zero means "now".
	Timestamp time.Time `json:"timestamp,omitempty"`
	// ApprovalToken resumes a previously PENDING evaluation.
	ApprovalToken string `json:"approval_token,omitempty"`
}

// ApprovalDecision is the resolved outcome of a manual approval.
type ApprovalDecision string

const (
	// DecisionApprove lets the parked request continue.
	DecisionApprove ApprovalDecision = "approve"
	// DecisionDeny rejects the parked request.
	DecisionDeny ApprovalDecision = "deny"
	// DecisionExpire rejects the parked request because nobody decided in time.
	DecisionExpire ApprovalDecision = "expire"
)

// ParseApprovalDecision validates an approval decision string.
func ParseApprovalDecision(s string) (ApprovalDecision, error) {
	switch d := ApprovalDecision(strings.ToLower(strings.TrimSpace(s))); d {
	case DecisionApprove, DecisionDeny, DecisionExpire:
		return d, nil
	}
	return "", fmt.Errorf("invalid approval decision %q (must be approve, deny or expire)", s)
}

// TraceEntry records how one policy responded during an evaluation.
type TraceEntry struct {
	PolicyID    string  `json:"policy_id"`
	PolicyName  string  `json:"policy_name,omitempty"`
	Type        Type    `json:"type"`
	Scope       Scope   `json:"scope"`
	ScopeLabel  string  `json:"scope_label,omitempty"`
	Outcome     Outcome `json:"outcome"`
	Detail      string  `json:"detail"`
	ConfigError bool    `json:"config_error,omitempty"`
}

// EvaluationResult is the verdict for one OperationRequest.
type EvaluationResult struct {
	// Status is the final verdict.
	Status Status `json:"status"`
	// MatchedPolicyID is the policy that decided the verdict.
	// Empty means no policy matched and the default verdict applied.
	MatchedPolicyID string `json:"matched_policy_id,omitempty"`
	// Reason is a human-readable explanation.
	Reason string `json:"reason"`
	// ApprovalToken resumes the evaluation when Status is PENDING.
	ApprovalToken string `json:"approval_token,omitempty"`
	// ConfigError is true when the deciding policy was misconfigured.
	ConfigError bool `json:"config_error,omitempty"`
	// Trace lists every policy examined, in evaluation order.
	Trace []TraceEntry `json:"trace,omitempty"`
	// Mode is the mode the evaluation ran in.
	Mode Mode `json:"mode"`
	// EvaluatedAt is the request time used for time-based rules.
	EvaluatedAt time.Time `json:"evaluated_at"`
	// Duration is how long the evaluation took.
	Duration time.Duration `json:"duration_ns"`
}

// DefaultMatched reports whether the verdict came from the default rather than a policy.
func (r EvaluationResult) DefaultMatched() bool {
	return r.MatchedPolicyID == ""
}
