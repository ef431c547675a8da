package handler

import (
	"context"
	"fmt"
	"regexp"

	"github.com/Sentinel-Gate/credgate/internal/domain/policy"
)

// PatternMatchHandler tests a regular expression against the request's
// resource path or operation.
type PatternMatchHandler struct{}

// Type implements Handler.
func (h *PatternMatchHandler) Type() policy.Type { return policy.TypePatternMatch }

// Compile implements Handler.
func (h *PatternMatchHandler) Compile(_ policy.Policy, cfg policy.Config) (Rule, error) {
	c, err := configAs[policy.PatternMatchConfig](cfg)
	if err != nil {
		return nil, err
	}
	re, err := regexp.Compile(c.Pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid pattern: %w", err)
	}
	return &patternMatchRule{
		re:             re,
		target:         c.EffectiveTarget(),
		param:          c.EffectiveResourceParameter(),
		actionPatterns: c.ActionPatterns,
		action:         c.EffectiveAction(),
	}, nil
}

type patternMatchRule struct {
	re             *regexp.Regexp
	target         policy.PatternTarget
	param          string
	actionPatterns []string
	action         policy.PatternAction
}

// subject derives the string the pattern is tested against.
func (r *patternMatchRule) subject(req policy.OperationRequest) (string, string) {
	if r.target == policy.PatternTargetResource {
		if v, ok := paramString(req.Parameters, r.param); ok {
			return v, "resource"
		}
	}
	return req.Operation, "operation"
}

func (r *patternMatchRule) Evaluate(_ context.Context, in Input) (Result, error) {
	if len(r.actionPatterns) > 0 && !matchAnyGlob(r.actionPatterns, in.Request.Operation) {
		return notApplicable(fmt.Sprintf("operation %q not covered by actionPatterns", in.Request.Operation)), nil
	}
	subject, kind := r.subject(in.Request)
	if !r.re.MatchString(subject) {
		return notApplicable(fmt.Sprintf("%s %q does not match %s", kind, subject, r.re)), nil
	}
	detail := fmt.Sprintf("%s %q matches %s (action=%s)", kind, subject, r.re, r.action)
	if r.action == policy.PatternActionAllow {
		return allow(detail), nil
	}
	return deny(detail), nil
}
