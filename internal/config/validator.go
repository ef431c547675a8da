package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// RegisterCustomValidators registers credgate-specific validation rules.
// Must be called before validating Config.
func RegisterCustomValidators(v *validator.Validate) error {
	for tag, fn := range map[string]validator.Func{
		"verdict":      validateVerdict,
		"store_driver": validateStoreDriver,
		"audit_output": validateAuditOutput,
		"duration":     validateDuration,
	} {
		if err := v.RegisterValidation(tag, fn); err != nil {
			return fmt.Errorf("failed to register %s validator: %w", tag, err)
		}
	}
	return nil
}

// validateVerdict accepts "allow" or "deny", case-insensitive.
func validateVerdict(fl validator.FieldLevel) bool {
	switch strings.ToLower(fl.Field().String()) {
	case "allow", "deny":
		return true
	}
	return false
}

// validateStoreDriver accepts one of the space-separated drivers in the tag param.
func validateStoreDriver(fl validator.FieldLevel) bool {
	driver := fl.Field().String()
	for _, allowed := range strings.Fields(fl.Param()) {
		if driver == allowed {
			return true
		}
	}
	return false
}

// validateAuditOutput accepts "stdout", "file://<absolute-path>" or "dir://<absolute-path>".
func validateAuditOutput(fl validator.FieldLevel) bool {
	output := fl.Field().String()
	if output == "stdout" {
		return true
	}
	for _, scheme := range []string{"file://", "dir://"} {
		if path, ok := strings.CutPrefix(output, scheme); ok {
			return path != "" && filepath.IsAbs(path)
		}
	}
	return false
}

// validateDuration accepts anything time.ParseDuration accepts, and "0".
func validateDuration(fl validator.FieldLevel) bool {
	_, err := time.ParseDuration(fl.Field().String())
	return err == nil
}

// Validate validates the Config using struct tags and cross-field rules.
// Returns an error with actionable messages if validation fails.
func (c *Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := RegisterCustomValidators(v); err != nil {
		return err
	}
	if err := v.Struct(c); err != nil {
		return formatValidationErrors(err)
	}
	if err := c.validateDrivers(); err != nil {
		return err
	}
	return c.validateCredentials()
}

// validateDrivers checks that each selected driver has what it needs.
func (c *Config) validateDrivers() error {
	if c.PolicyStore.Driver == "sqlite" && c.PolicyStore.SQLitePath == "" {
		return errors.New("policy_store: sqlite driver requires sqlite_path")
	}
	if c.CounterStore.Driver == "redis" && c.CounterStore.Redis.Addr == "" {
		return errors.New("counter_store: redis driver requires redis.addr")
	}
	if c.Approvals.Driver == "file" && c.Approvals.FilePath == "" {
		return errors.New("approvals: file driver requires file_path")
	}
	return nil
}

// validateCredentials rejects duplicate credential IDs.
func (c *Config) validateCredentials() error {
	seen := make(map[string]struct{}, len(c.Credentials))
	for i, cred := range c.Credentials {
		if _, dup := seen[cred.ID]; dup {
			return fmt.Errorf("credentials[%d]: duplicate id %q", i, cred.ID)
		}
		seen[cred.ID] = struct{}{}
	}
	return nil
}

// formatValidationErrors converts validator.ValidationErrors to user-friendly messages.
func formatValidationErrors(err error) error {
	var validationErrors validator.ValidationErrors
	if !errors.As(err, &validationErrors) {
		return err
	}
	messages := make([]string, 0, len(validationErrors))
	for _, e := range validationErrors {
		messages = append(messages, formatSingleValidationError(e))
	}
	return errors.New(strings.Join(messages, "; "))
}

func formatSingleValidationError(e validator.FieldError) string {
	field := e.Namespace()
	switch e.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "min", "max":
		return fmt.Sprintf("%s must be %s %s", field, e.Tag(), e.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", field, e.Param())
	case "hostname_port":
		return fmt.Sprintf("%s must be a valid host:port", field)
	case "file":
		return fmt.Sprintf("%s must be an existing file", field)
	case "verdict":
		return fmt.Sprintf("%s must be 'allow' or 'deny'", field)
	case "store_driver":
		return fmt.Sprintf("%s must be one of: %s", field, e.Param())
	case "audit_output":
		return fmt.Sprintf("%s must be 'stdout', 'file://<absolute-path>' or 'dir://<absolute-path>'", field)
	case "duration":
		return fmt.Sprintf("%s must be a duration like '30s' or '5m'", field)
	default:
		return fmt.Sprintf("%s failed validation: %s", field, e.Tag())
	}
}
