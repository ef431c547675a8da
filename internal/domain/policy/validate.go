package policy

import (
	"errors"
	"fmt"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/gowebpki/jcs"
)

// ValidateDefinition checks the parts of a policy that do not depend on its
// config: name, scope and type. The config is checked by DecodeConfig.
func ValidateDefinition(p Policy) error {
	var problems []string
	if strings.TrimSpace(p.Name) == "" {
		problems = append(problems, "name is required")
	}
	if err := p.Scope.Validate(); err != nil {
		problems = append(problems, err.Error())
	}
	if _, err := ParseType(string(p.Type)); err != nil {
		problems = append(problems, err.Error())
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidPolicy, strings.Join(problems, "; "))
	}
	return nil
}

// Validate runs definition and config validation for a policy.
func Validate(p Policy) (Config, error) {
	if err := ValidateDefinition(p); err != nil {
		return nil, err
	}
	cfg, err := DecodeConfig(p.Type, p.Config)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidPolicy, err)
	}
	return cfg, nil
}

// ConfigDigest identifies a policy's (id, type, config) triple independently of
// JSON key order and whitespace. Configs that are not valid JSON fall back to
// hashing the raw bytes.
func ConfigDigest(p Policy) uint64 {
	h := xxhash.New()
	_, _ = h.WriteString(p.ID)
	_, _ = h.Write([]byte{0})
	_, _ = h.WriteString(string(p.Type))
	_, _ = h.Write([]byte{0})

	canonical, err := jcs.Transform(p.Config)
	if err != nil || len(p.Config) == 0 {
		canonical = p.Config
	}
	_, _ = h.Write(canonical)
	return h.Sum64()
}

// IsConfigError reports whether err stems from an invalid policy definition or config.
func IsConfigError(err error) bool {
	return errors.Is(err, ErrInvalidConfig) || errors.Is(err, ErrInvalidPolicy) || errors.Is(err, ErrUnknownType)
}
