package policy

import "errors"

// Sentinel errors for policy definition and evaluation.
var (
	// ErrUnknownType is returned when a policy type is not one of the supported types.
	ErrUnknownType = errors.New("unknown policy type")
	// ErrInvalidScope is returned when a scope's target does not match its kind.
	ErrInvalidScope = errors.New("invalid scope")
	// ErrInvalidConfig is returned when a policy config fails validation.
	ErrInvalidConfig = errors.New("invalid policy config")
	// ErrInvalidPolicy is returned when a policy is rejected at save time.
	ErrInvalidPolicy = errors.New("invalid policy")
	// ErrPolicyNotFound is returned when a policy id does not exist.
	ErrPolicyNotFound = errors.New("policy not found")
	// ErrInvalidRequest is returned when an operation request lacks required fields.
	ErrInvalidRequest = errors.New("invalid operation request")
	// ErrStoreUnavailable is returned when the policy or counter store cannot be reached.
	// Callers must treat it as "could not decide", which is distinct from DENIED.
	ErrStoreUnavailable = errors.New("store unavailable")
)
