package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/Sentinel-Gate/credgate/internal/domain/policy"
)

// SeedFile is the YAML document that seeds the policy store at startup.
//
//	policies:
//	  - id: block-deletes
//	    name: Block deletes
//	    scope: {kind: GLOBAL}
//	    type: DENY_LIST
//	    priority: 100
//	    config:
//	      operations: ["s3:Delete*"]
type SeedFile struct {
	Policies []SeedPolicy `yaml:"policies"`
}

// SeedPolicy is one policy in a seed file. Config is free-form YAML that is
// re-encoded as JSON and validated like any API-submitted config.
type SeedPolicy struct {
	ID          string         `yaml:"id"`
	Name        string         `yaml:"name"`
	Description string         `yaml:"description"`
	Scope       SeedScope      `yaml:"scope"`
	Type        string         `yaml:"type"`
	Priority    int            `yaml:"priority"`
	IsActive    *bool          `yaml:"is_active"`
	Config      map[string]any `yaml:"config"`
}

// SeedScope is the YAML form of policy.Scope.
type SeedScope struct {
	Kind   string `yaml:"kind"`
	Target string `yaml:"target"`
}

// LoadSeedFile reads and converts a policy seed file.
func LoadSeedFile(path string) ([]policy.Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read seed file: %w", err)
	}
	policies, err := ParseSeed(data)
	if err != nil {
		return nil, fmt.Errorf("seed file %s: %w", path, err)
	}
	return policies, nil
}

// ParseSeed converts a YAML seed document into policies. Types and scopes
// are checked here; configs are validated on import.
func ParseSeed(data []byte) ([]policy.Policy, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var doc SeedFile
	if err := dec.Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, fmt.Errorf("parse YAML: %w", err)
	}

	policies := make([]policy.Policy, 0, len(doc.Policies))
	for i, sp := range doc.Policies {
		p, err := sp.toPolicy()
		if err != nil {
			return nil, fmt.Errorf("policies[%d] (%s): %w", i, sp.Name, err)
		}
		policies = append(policies, p)
	}
	return policies, nil
}

func (sp SeedPolicy) toPolicy() (policy.Policy, error) {
	typ, err := policy.ParseType(sp.Type)
	if err != nil {
		return policy.Policy{}, err
	}
	scope, err := policy.NewScope(policy.ScopeKind(sp.Scope.Kind), sp.Scope.Target)
	if err != nil {
		return policy.Policy{}, err
	}

	cfg := sp.Config
	if cfg == nil {
		cfg = map[string]any{}
	}
	raw, err := json.Marshal(cfg)
	if err != nil {
		return policy.Policy{}, fmt.Errorf("%w: config is not JSON-compatible: %v", policy.ErrInvalidConfig, err)
	}

	active := true
	if sp.IsActive != nil {
		active = *sp.IsActive
	}
	return policy.Policy{
		ID:          sp.ID,
		Name:        sp.Name,
		Description: sp.Description,
		Scope:       scope,
		Type:        typ,
		Config:      raw,
		Priority:    sp.Priority,
		IsActive:    active,
	}, nil
}
