package policy

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/kaptinlin/jsonschema"
)

const operationRuleSchema = `{
	"oneOf": [
		{"type": "string", "minLength": 1, "maxLength": 256},
		{
			"type": "object",
			"required": ["operation"],
			"additionalProperties": false,
			"properties": {
				"operation": {"type": "string", "minLength": 1, "maxLength": 256},
				"parameters": {"type": "object", "additionalProperties": {"type": "string"}},
				"condition": {"type": "string", "maxLength": 1024}
			}
		}
	]
}`

const durationSchema = `{"oneOf": [{"type": "string", "minLength": 2}, {"type": "number", "minimum": 0}]}`

// configSchemas holds the JSON Schema of each policy type's config payload.
var configSchemas = map[Type]string{
	TypeAllowList: `{
		"type": "object",
		"additionalProperties": false,
		"properties": {"operations": {"type": "array", "items": ` + operationRuleSchema + `}}
	}`,
	TypeDenyList: `{
		"type": "object",
		"required": ["operations"],
		"additionalProperties": false,
		"properties": {"operations": {"type": "array", "minItems": 1, "items": ` + operationRuleSchema + `}}
	}`,
	TypePatternMatch: `{
		"type": "object",
		"required": ["pattern"],
		"additionalProperties": false,
		"properties": {
			"pattern": {"type": "string", "minLength": 1},
			"target": {"enum": ["resource", "operation"]},
			"resourceParameter": {"type": "string"},
			"actionPatterns": {"type": "array", "items": {"type": "string", "minLength": 1}},
			"action": {"enum": ["allow", "deny"]}
		}
	}`,
	TypeIPRestriction: `{
		"type": "object",
		"additionalProperties": false,
		"properties": {
			"allowedCidrs": {"type": "array", "items": {"type": "string"}},
			"deniedCidrs": {"type": "array", "items": {"type": "string"}}
		}
	}`,
	TypeTimeBased: `{
		"type": "object",
		"additionalProperties": false,
		"properties": {
			"daysOfWeek": {"type": "array", "items": {"type": "string"}},
			"hoursOfDay": {"type": "array", "items": {"type": "integer", "minimum": 0, "maximum": 23}},
			"startTime": {"type": "string", "pattern": "^[0-2][0-9]:[0-5][0-9]$"},
			"endTime": {"type": "string", "pattern": "^[0-2][0-9]:[0-5][0-9]$"},
			"timezone": {"type": "string"}
		}
	}`,
	TypeCountBased: `{
		"type": "object",
		"required": ["maxCount"],
		"additionalProperties": false,
		"properties": {
			"maxCount": {"type": "integer", "minimum": 1},
			"resetWindow": ` + durationSchema + `
		}
	}`,
	TypeRateLimiting: `{
		"type": "object",
		"required": ["maxRequests", "timeWindowSeconds"],
		"additionalProperties": false,
		"properties": {
			"maxRequests": {"type": "integer", "minimum": 1},
			"timeWindowSeconds": {"type": "integer", "minimum": 1},
			"perIp": {"type": "boolean"}
		}
	}`,
	TypeManualApproval: `{
		"type": "object",
		"additionalProperties": false,
		"properties": {
			"operations": {"type": "array", "items": {"type": "string", "minLength": 1}},
			"approvers": {"type": "array", "items": {"type": "string"}},
			"reason": {"type": "string"}
		}
	}`,
}

var (
	schemasOnce sync.Once
	schemas     map[Type]*jsonschema.Schema
	schemasErr  error
)

func compiledSchemas() (map[Type]*jsonschema.Schema, error) {
	schemasOnce.Do(func() {
		out := make(map[Type]*jsonschema.Schema, len(configSchemas))
		for t, src := range configSchemas {
			s, err := jsonschema.NewCompiler().Compile([]byte(src))
			if err != nil {
				schemasErr = fmt.Errorf("compile %s schema: %w", t, err)
				return
			}
			out[t] = s
		}
		schemas = out
	})
	return schemas, schemasErr
}

// ConfigSchema returns the JSON Schema source for a policy type's config.
func ConfigSchema(t Type) (string, bool) {
	s, ok := configSchemas[t]
	return s, ok
}

func validateSchema(t Type, raw []byte) error {
	all, err := compiledSchemas()
	if err != nil {
		return err
	}
	schema, ok := all[t]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownType, t)
	}
	result := schema.ValidateJSON(raw)
	if result.IsValid() {
		return nil
	}
	messages := make([]string, 0, len(result.Errors))
	for key, e := range result.Errors {
		messages = append(messages, fmt.Sprintf("%s: %v", key, e))
	}
	sort.Strings(messages)
	return fmt.Errorf("schema validation failed: %s", strings.Join(messages, "; "))
}
