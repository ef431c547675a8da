package handler

import (
	"context"
	"fmt"
	"path"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/Sentinel-Gate/credgate/internal/domain/policy"
)

// matchGlob reports whether value matches pattern. Patterns without glob
// metacharacters compare exactly; malformed patterns never match.
func matchGlob(pattern, value string) bool {
	if !strings.ContainsAny(pattern, "*?[\\") {
		return pattern == value
	}
	ok, err := path.Match(pattern, value)
	return err == nil && ok
}

func matchAnyGlob(patterns []string, value string) bool {
	for _, p := range patterns {
		if matchGlob(p, value) {
			return true
		}
	}
	return false
}

// paramString renders a request parameter as a string for pattern tests.
func paramString(params map[string]any, name string) (string, bool) {
	v, ok := params[name]
	if !ok || v == nil {
		return "", false
	}
	switch t := v.(type) {
	case string:
		return t, true
	case bool:
		return strconv.FormatBool(t), true
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), true
	case int:
		return strconv.Itoa(t), true
	case int64:
		return strconv.FormatInt(t, 10), true
	default:
		return fmt.Sprint(t), true
	}
}

// operationMatcher is a compiled policy.OperationRule.
type operationMatcher struct {
	operation  string
	parameters map[string]*regexp.Regexp
	condition  Condition
	expr       string
}

func compileOperations(rules []policy.OperationRule, conditions ConditionCompiler) ([]operationMatcher, error) {
	out := make([]operationMatcher, 0, len(rules))
	for _, r := range rules {
		m := operationMatcher{operation: r.Operation, expr: r.Condition}
		if len(r.Parameters) > 0 {
			m.parameters = make(map[string]*regexp.Regexp, len(r.Parameters))
			for name, pattern := range r.Parameters {
				re, err := regexp.Compile(pattern)
				if err != nil {
					return nil, fmt.Errorf("operation %q parameter %q: %w", r.Operation, name, err)
				}
				m.parameters[name] = re
			}
		}
		if r.Condition != "" {
			if conditions == nil {
				return nil, fmt.Errorf("operation %q: conditions are not supported", r.Operation)
			}
			c, err := conditions.CompileCondition(r.Condition)
			if err != nil {
				return nil, fmt.Errorf("operation %q: %w", r.Operation, err)
			}
			m.condition = c
		}
		out = append(out, m)
	}
	return out, nil
}

// matches reports whether the request satisfies every part of the rule.
// A condition that fails to evaluate is returned as an error.
func (m operationMatcher) matches(ctx context.Context, req policy.OperationRequest, now time.Time) (bool, error) {
	if !matchGlob(m.operation, req.Operation) {
		return false, nil
	}
	for name, re := range m.parameters {
		v, ok := paramString(req.Parameters, name)
		if !ok || !re.MatchString(v) {
			return false, nil
		}
	}
	if m.condition != nil {
		ok, err := m.condition.Match(ctx, req, now)
		if err != nil {
			return false, fmt.Errorf("operation %q condition %q: %w", m.operation, m.expr, err)
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

func (m operationMatcher) String() string {
	if len(m.parameters) == 0 && m.condition == nil {
		return m.operation
	}
	return m.operation + " (with constraints)"
}

func firstMatch(ctx context.Context, matchers []operationMatcher, in Input) (*operationMatcher, error) {
	for i := range matchers {
		ok, err := matchers[i].matches(ctx, in.Request, in.Now)
		if err != nil {
			return nil, err
		}
		if ok {
			return &matchers[i], nil
		}
	}
	return nil, nil
}
