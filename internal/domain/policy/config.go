package policy

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/netip"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"
	_ "time/tzdata" // policy timezones must resolve on hosts without a zoneinfo database

	"github.com/go-playground/validator/v10"
)

// Config is the closed set of typed policy configurations.
// Each policy Type has exactly one Config implementation.
type Config interface {
	// PolicyType returns the policy type this config belongs to.
	PolicyType() Type
	// check performs semantic validation that struct tags cannot express.
	check() error
}

// OperationRule matches an operation and, optionally, its parameters.
// In JSON it may be written as a bare string (the operation) or an object.
type OperationRule struct {
	// Operation is an exact operation identifier or a glob ("s3:*").
	Operation string `json:"operation" validate:"required,max=256"`
	// Parameters maps parameter names to RE2 patterns the value must match.
	Parameters map[string]string `json:"parameters,omitempty" validate:"omitempty,dive,keys,required,endkeys,required,max=1024"`
	// Condition is an optional CEL expression over the request.
	Condition string `json:"condition,omitempty" validate:"max=1024"`
}

// UnmarshalJSON accepts either "op" or {"operation": "op", ...}.
func (r *OperationRule) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var op string
		if err := json.Unmarshal(data, &op); err != nil {
			return err
		}
		*r = OperationRule{Operation: op}
		return nil
	}
	type plain OperationRule
	var p plain
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&p); err != nil {
		return err
	}
	*r = OperationRule(p)
	return nil
}

func (r OperationRule) check() error {
	for name, pattern := range r.Parameters {
		if _, err := regexp.Compile(pattern); err != nil {
			return fmt.Errorf("operation %q parameter %q: invalid pattern: %w", r.Operation, name, err)
		}
	}
	return nil
}

// AllowListConfig permits only the listed operations.
type AllowListConfig struct {
	Operations []OperationRule `json:"operations" validate:"dive"`
}

// PolicyType implements Config.
func (AllowListConfig) PolicyType() Type { return TypeAllowList }

func (c AllowListConfig) check() error { return checkRules(c.Operations) }

// DenyListConfig rejects the listed operations.
type DenyListConfig struct {
	Operations []OperationRule `json:"operations" validate:"required,min=1,dive"`
}

// PolicyType implements Config.
func (DenyListConfig) PolicyType() Type { return TypeDenyList }

func (c DenyListConfig) check() error { return checkRules(c.Operations) }

func checkRules(rules []OperationRule) error {
	for _, r := range rules {
		if err := r.check(); err != nil {
			return err
		}
	}
	return nil
}

// PatternTarget selects what a PATTERN_MATCH regex is tested against.
type PatternTarget string

const (
	// PatternTargetResource tests the resource parameter (falls back to the operation).
	PatternTargetResource PatternTarget = "resource"
	// PatternTargetOperation tests the operation identifier.
	PatternTargetOperation PatternTarget = "operation"
)

// PatternAction is what a PATTERN_MATCH policy does on a match.
type PatternAction string

const (
	PatternActionAllow PatternAction = "allow"
	PatternActionDeny  PatternAction = "deny"
)

// DefaultResourceParameter is the request parameter holding the resource path.
const DefaultResourceParameter = "resource"

// PatternMatchConfig tests a regular expression against the request.
type PatternMatchConfig struct {
	Pattern           string        `json:"pattern" validate:"required,max=1024"`
	Target            PatternTarget `json:"target,omitempty" validate:"omitempty,oneof=resource operation"`
	ResourceParameter string        `json:"resourceParameter,omitempty" validate:"max=128"`
	ActionPatterns    []string      `json:"actionPatterns,omitempty" validate:"dive,required,max=256"`
	// Action defaults to deny when absent.
	Action PatternAction `json:"action,omitempty" validate:"omitempty,oneof=allow deny"`
}

// PolicyType implements Config.
func (PatternMatchConfig) PolicyType() Type { return TypePatternMatch }

func (c PatternMatchConfig) check() error {
	if _, err := regexp.Compile(c.Pattern); err != nil {
		return fmt.Errorf("invalid pattern: %w", err)
	}
	return nil
}

// EffectiveAction returns the configured action, deny when unset.
func (c PatternMatchConfig) EffectiveAction() PatternAction {
	if c.Action == "" {
		return PatternActionDeny
	}
	return c.Action
}

// EffectiveTarget returns the configured target, resource when unset.
func (c PatternMatchConfig) EffectiveTarget() PatternTarget {
	if c.Target == "" {
		return PatternTargetResource
	}
	return c.Target
}

// EffectiveResourceParameter returns the parameter name carrying the resource path.
func (c PatternMatchConfig) EffectiveResourceParameter() string {
	if c.ResourceParameter == "" {
		return DefaultResourceParameter
	}
	return c.ResourceParameter
}

// IPRestrictionConfig tests the source IP against CIDR ranges.
// Entries may be CIDRs or single addresses.
type IPRestrictionConfig struct {
	AllowedCIDRs []string `json:"allowedCidrs,omitempty" validate:"dive,cidr_or_ip"`
	DeniedCIDRs  []string `json:"deniedCidrs,omitempty" validate:"dive,cidr_or_ip"`
}

// PolicyType implements Config.
func (IPRestrictionConfig) PolicyType() Type { return TypeIPRestriction }

func (c IPRestrictionConfig) check() error {
	if len(c.AllowedCIDRs) == 0 && len(c.DeniedCIDRs) == 0 {
		return errors.New("at least one of allowedCidrs or deniedCidrs is required")
	}
	return nil
}

// ParsePrefix parses a CIDR or a single address into a prefix.
func ParsePrefix(s string) (netip.Prefix, error) {
	s = strings.TrimSpace(s)
	if strings.Contains(s, "/") {
		p, err := netip.ParsePrefix(s)
		if err != nil {
			return netip.Prefix{}, err
		}
		return p.Masked(), nil
	}
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Prefix{}, err
	}
	addr = addr.Unmap()
	return netip.PrefixFrom(addr, addr.BitLen()), nil
}

// TimeBasedConfig restricts operations to a window in a given timezone.
// Use HoursOfDay or StartTime/EndTime, not both.
type TimeBasedConfig struct {
	DaysOfWeek []string `json:"daysOfWeek,omitempty" validate:"dive,weekday"`
	HoursOfDay []int    `json:"hoursOfDay,omitempty" validate:"dive,min=0,max=23"`
	StartTime  string   `json:"startTime,omitempty" validate:"omitempty,hhmm"`
	EndTime    string   `json:"endTime,omitempty" validate:"omitempty,hhmm"`
	Timezone   string   `json:"timezone,omitempty" validate:"omitempty,max=64"`
}

// PolicyType implements Config.
func (TimeBasedConfig) PolicyType() Type { return TypeTimeBased }

func (c TimeBasedConfig) check() error {
	if (c.StartTime == "") != (c.EndTime == "") {
		return errors.New("startTime and endTime must be set together")
	}
	if len(c.HoursOfDay) > 0 && c.StartTime != "" {
		return errors.New("hoursOfDay and startTime/endTime are mutually exclusive")
	}
	if len(c.DaysOfWeek) == 0 && len(c.HoursOfDay) == 0 && c.StartTime == "" {
		return errors.New("at least one of daysOfWeek, hoursOfDay or startTime/endTime is required")
	}
	if c.StartTime != "" && c.StartTime == c.EndTime {
		return errors.New("startTime and endTime must differ")
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	return nil
}

// Location loads the configured timezone, UTC when unset.
func (c TimeBasedConfig) Location() (*time.Location, error) {
	if c.Timezone == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid timezone %q: %w", c.Timezone, err)
	}
	return loc, nil
}

var weekdays = map[string]time.Weekday{
	"sun": time.Sunday, "sunday": time.Sunday,
	"mon": time.Monday, "monday": time.Monday,
	"tue": time.Tuesday, "tuesday": time.Tuesday,
	"wed": time.Wednesday, "wednesday": time.Wednesday,
	"thu": time.Thursday, "thursday": time.Thursday,
	"fri": time.Friday, "friday": time.Friday,
	"sat": time.Saturday, "saturday": time.Saturday,
}

// ParseWeekday parses "mon", "Monday", etc.
func ParseWeekday(s string) (time.Weekday, bool) {
	d, ok := weekdays[strings.ToLower(strings.TrimSpace(s))]
	return d, ok
}

// ParseClock parses "HH:MM" into minutes since midnight.
func ParseClock(s string) (int, error) {
	h, m, ok := strings.Cut(s, ":")
	if !ok || len(h) != 2 || len(m) != 2 {
		return 0, fmt.Errorf("invalid time %q (want HH:MM)", s)
	}
	hh, err := strconv.Atoi(h)
	if err != nil || hh < 0 || hh > 23 {
		return 0, fmt.Errorf("invalid hour in %q", s)
	}
	mm, err := strconv.Atoi(m)
	if err != nil || mm < 0 || mm > 59 {
		return 0, fmt.Errorf("invalid minute in %q", s)
	}
	return hh*60 + mm, nil
}

// Duration is a JSON duration written as "24h" or as a number of seconds.
type Duration time.Duration

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	switch v := raw.(type) {
	case float64:
		*d = Duration(time.Duration(v * float64(time.Second)))
	case string:
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return err
		}
		*d = Duration(parsed)
	case nil:
		*d = 0
	default:
		return fmt.Errorf("invalid duration %s", string(data))
	}
	return nil
}

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// CountBasedConfig caps the total number of operations per credential.
type CountBasedConfig struct {
	MaxCount int `json:"maxCount" validate:"required,min=1"`
	// ResetWindow, when set, expires the counter after this duration.
	ResetWindow Duration `json:"resetWindow,omitempty" validate:"min=0"`
}

// PolicyType implements Config.
func (CountBasedConfig) PolicyType() Type { return TypeCountBased }

func (c CountBasedConfig) check() error {
	if c.ResetWindow != 0 && time.Duration(c.ResetWindow) < time.Second {
		return errors.New("resetWindow must be at least 1s")
	}
	return nil
}

// RateLimitingConfig caps operations per fixed time window.
type RateLimitingConfig struct {
	MaxRequests       int  `json:"maxRequests" validate:"required,min=1"`
	TimeWindowSeconds int  `json:"timeWindowSeconds" validate:"required,min=1,max=2592000"`
	PerIP             bool `json:"perIp,omitempty"`
}

// PolicyType implements Config.
func (RateLimitingConfig) PolicyType() Type { return TypeRateLimiting }

func (RateLimitingConfig) check() error { return nil }

// Window returns the window length.
func (c RateLimitingConfig) Window() time.Duration {
	return time.Duration(c.TimeWindowSeconds) * time.Second
}

// ManualApprovalConfig parks matching operations until a human decides.
type ManualApprovalConfig struct {
	// Operations are globs; empty means every operation requires approval.
	Operations []string `json:"operations,omitempty" validate:"dive,required,max=256"`
	Approvers  []string `json:"approvers,omitempty"`
	Reason     string   `json:"reason,omitempty" validate:"max=512"`
}

// PolicyType implements Config.
func (ManualApprovalConfig) PolicyType() Type { return TypeManualApproval }

func (ManualApprovalConfig) check() error { return nil }

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func configValidator() *validator.Validate {
	validateOnce.Do(func() {
		v := validator.New(validator.WithRequiredStructEnabled())
		_ = v.RegisterValidation("cidr_or_ip", func(fl validator.FieldLevel) bool {
			_, err := ParsePrefix(fl.Field().String())
			return err == nil
		})
		_ = v.RegisterValidation("weekday", func(fl validator.FieldLevel) bool {
			_, ok := ParseWeekday(fl.Field().String())
			return ok
		})
		_ = v.RegisterValidation("hhmm", func(fl validator.FieldLevel) bool {
			_, err := ParseClock(fl.Field().String())
			return err == nil
		})
		validate = v
	})
	return validate
}

func newConfig(t Type) (Config, error) {
	switch t {
	case TypeAllowList:
		return &AllowListConfig{}, nil
	case TypeDenyList:
		return &DenyListConfig{}, nil
	case TypeTimeBased:
		return &TimeBasedConfig{}, nil
	case TypeCountBased:
		return &CountBasedConfig{}, nil
	case TypeRateLimiting:
		return &RateLimitingConfig{}, nil
	case TypePatternMatch:
		return &PatternMatchConfig{}, nil
	case TypeIPRestriction:
		return &IPRestrictionConfig{}, nil
	case TypeManualApproval:
		return &ManualApprovalConfig{}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownType, t)
}

// DecodeConfig validates a raw config against its type's JSON Schema,
// decodes it into the typed struct and runs struct and semantic checks.
// The returned Config is a value (e.g. CountBasedConfig, not a pointer).
// Every validation failure wraps ErrInvalidConfig.
func DecodeConfig(t Type, raw json.RawMessage) (Config, error) {
	target, err := newConfig(t)
	if err != nil {
		return nil, err
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		raw = json.RawMessage("{}")
	}
	if err := validateSchema(t, raw); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidConfig, t, err)
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(target); err != nil {
		return nil, fmt.Errorf("%w: %s: decode: %v", ErrInvalidConfig, t, err)
	}
	if err := configValidator().Struct(target); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidConfig, t, formatValidationErrors(err))
	}
	if err := target.check(); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidConfig, t, err)
	}

	switch c := target.(type) {
	case *AllowListConfig:
		return *c, nil
	case *DenyListConfig:
		return *c, nil
	case *TimeBasedConfig:
		return *c, nil
	case *CountBasedConfig:
		return *c, nil
	case *RateLimitingConfig:
		return *c, nil
	case *PatternMatchConfig:
		return *c, nil
	case *IPRestrictionConfig:
		return *c, nil
	case *ManualApprovalConfig:
		return *c, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownType, t)
}

// EncodeConfig marshals a typed config into its stored form.
func EncodeConfig(c Config) (json.RawMessage, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("encode %s config: %w", c.PolicyType(), err)
	}
	return data, nil
}

func formatValidationErrors(err error) error {
	var validationErrors validator.ValidationErrors
	if !errors.As(err, &validationErrors) {
		return err
	}
	messages := make([]string, 0, len(validationErrors))
	for _, e := range validationErrors {
		field := e.Namespace()
		if i := strings.Index(field, "."); i >= 0 {
			field = field[i+1:]
		}
		switch e.Tag() {
		case "required":
			messages = append(messages, fmt.Sprintf("%s is required", field))
		case "min", "max":
			messages = append(messages, fmt.Sprintf("%s must be %s %s", field, e.Tag(), e.Param()))
		case "oneof":
			messages = append(messages, fmt.Sprintf("%s must be one of: %s", field, e.Param()))
		case "cidr_or_ip":
			messages = append(messages, fmt.Sprintf("%s must be a CIDR or IP address", field))
		case "weekday":
			messages = append(messages, fmt.Sprintf("%s must be a day of the week", field))
		case "hhmm":
			messages = append(messages, fmt.Sprintf("%s must be HH:MM", field))
		default:
			messages = append(messages, fmt.Sprintf("%s failed validation: %s", field, e.Tag()))
		}
	}
	return errors.New(strings.Join(messages, "; "))
}
