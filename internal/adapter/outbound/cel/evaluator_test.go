package cel

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/Sentinel-Gate/credgate/internal/domain/policy"
)

func newTestEvaluator(t *testing.T) *Evaluator {
	t.Helper()
	eval, err := NewEvaluator()
	if err != nil {
		t.Fatalf("NewEvaluator() error: %v", err)
	}
	return eval
}

func baseRequest() policy.OperationRequest {
	return policy.OperationRequest{
		CredentialID:  "cred-1",
		ApplicationID: "app-1",
		PluginType:    "aws",
		Operation:     "s3:GetObject",
		Parameters:    map[string]any{"bucket": "reports", "size": 42},
		SourceIP:      "10.1.2.3",
		Timestamp:     time.Date(2026, 3, 2, 10, 30, 0, 0, time.UTC),
	}
}

func TestNewEvaluator(t *testing.T) {
	eval := newTestEvaluator(t)
	if eval == nil {
		t.Fatal("NewEvaluator() returned nil")
	}
}

func TestCompile_InvalidExpression(t *testing.T) {
	eval := newTestEvaluator(t)

	if _, err := eval.Compile(`this is not valid CEL !!!`); err == nil {
		t.Fatal("Compile() expected error for invalid expression, got nil")
	}
}

func TestCompile_NonBoolOutput(t *testing.T) {
	eval := newTestEvaluator(t)

	_, err := eval.Compile(`operation + "x"`)
	if err == nil {
		t.Fatal("Compile() expected error for string-valued expression")
	}
	if !strings.Contains(err.Error(), "must return bool") {
		t.Errorf("error %q should mention bool", err.Error())
	}
}

func TestCondition_Match(t *testing.T) {
	eval := newTestEvaluator(t)
	now := time.Date(2026, 3, 2, 23, 0, 0, 0, time.UTC)

	tests := []struct {
		name   string
		expr   string
		mutate func(*policy.OperationRequest)
		want   bool
	}{
		{"operation equality", `operation == "s3:GetObject"`, nil, true},
		{"operation mismatch", `operation == "s3:PutObject"`, nil, false},
		{"glob on operation", `glob("s3:*", operation)`, nil, true},
		{"glob no match", `glob("ec2:*", operation)`, nil, false},
		{"parameter access", `parameters["bucket"] == "reports"`, nil, true},
		{"parameter presence", `has(parameters.prefix)`, nil, false},
		{"numeric parameter", `parameters["size"] < 100`, nil, true},
		{"credential and application", `credential_id == "cred-1" && application_id == "app-1"`, nil, true},
		{"plugin type", `plugin_type in ["aws", "gcp"]`, nil, true},
		{"ip in cidr", `ip_in_cidr(source_ip, "10.0.0.0/8")`, nil, true},
		{"ip outside cidr", `ip_in_cidr(source_ip, "192.168.0.0/16")`, nil, false},
		{"bad cidr is false", `ip_in_cidr(source_ip, "not-a-cidr")`, nil, false},
		{
			"missing ip is false", `ip_in_cidr(source_ip, "0.0.0.0/0")`,
			func(r *policy.OperationRequest) { r.SourceIP = "" }, false,
		},
		{"request time hour", `request_time.getHours() == 10`, nil, true},
		{
			"zero timestamp falls back to now", `request_time.getHours() == 23`,
			func(r *policy.OperationRequest) { r.Timestamp = time.Time{} }, true,
		},
		{
			"nil parameters", `size(parameters) == 0`,
			func(r *policy.OperationRequest) { r.Parameters = nil }, true,
		},
		{"strings extension", `operation.lowerAscii().startsWith("s3:")`, nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cond, err := eval.CompileCondition(tt.expr)
			if err != nil {
				t.Fatalf("CompileCondition(%q) error: %v", tt.expr, err)
			}
			req := baseRequest()
			if tt.mutate != nil {
				tt.mutate(&req)
			}
			got, err := cond.Match(context.Background(), req, now)
			if err != nil {
				t.Fatalf("Match() error: %v", err)
			}
			if got != tt.want {
				t.Errorf("Match() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCondition_MatchMissingKeyErrors(t *testing.T) {
	eval := newTestEvaluator(t)

	cond, err := eval.CompileCondition(`parameters["missing"] == "x"`)
	if err != nil {
		t.Fatalf("CompileCondition() error: %v", err)
	}
	_, err = cond.Match(context.Background(), baseRequest(), time.Now())
	if err == nil {
		t.Fatal("Match() expected error for missing map key")
	}
	if !strings.Contains(err.Error(), `parameters["missing"]`) {
		t.Errorf("error %q should name the expression", err.Error())
	}
}

func TestCondition_MatchCancelledContext(t *testing.T) {
	eval := newTestEvaluator(t)

	cond, err := eval.CompileCondition(`[1, 2, 3].all(x, x > 0)`)
	if err != nil {
		t.Fatalf("CompileCondition() error: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	// Short comprehensions may finish before the interrupt check; either
	// outcome is fine as long as the result is not a false positive.
	got, err := cond.Match(ctx, baseRequest(), time.Now())
	if err == nil && !got {
		t.Error("Match() returned false without error")
	}
}

func TestCompileCondition_Rejects(t *testing.T) {
	eval := newTestEvaluator(t)

	tests := []struct {
		name    string
		expr    string
		wantErr string
	}{
		{"empty", "", "empty"},
		{"too long", strings.Repeat("a", maxExpressionLength+1), "too long"},
		{"too deep", strings.Repeat("(", 51) + "true" + strings.Repeat(")", 51), "nesting too deep"},
		{"unknown variable", `tool_name == "x"`, "invalid CEL expression"},
		{"unknown function", `regex_all(operation)`, "invalid CEL expression"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := eval.CompileCondition(tt.expr)
			if err == nil {
				t.Fatalf("CompileCondition(%q) expected error", tt.name)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q should contain %q", err.Error(), tt.wantErr)
			}
		})
	}
}

func TestValidateExpression_MaxLength(t *testing.T) {
	eval := newTestEvaluator(t)

	// Exactly at the limit: a long but valid string comparison.
	prefix := `operation == "`
	suffix := `"`
	padding := strings.Repeat("a", maxExpressionLength-len(prefix)-len(suffix))
	expr := prefix + padding + suffix
	if len(expr) != maxExpressionLength {
		t.Fatalf("test setup: len = %d", len(expr))
	}
	if err := eval.ValidateExpression(expr); err != nil {
		t.Errorf("ValidateExpression() at limit error: %v", err)
	}
}

func TestEvaluate_Program(t *testing.T) {
	eval := newTestEvaluator(t)

	prg, err := eval.Compile(`glob("s3:Get*", operation) && parameters["bucket"] != "secrets"`)
	if err != nil {
		t.Fatalf("Compile() error: %v", err)
	}
	got, err := eval.Evaluate(context.Background(), prg, baseRequest(), time.Now())
	if err != nil {
		t.Fatalf("Evaluate() error: %v", err)
	}
	if !got {
		t.Error("Evaluate() = false, want true")
	}
}

func TestBuildActivation(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	act := BuildActivation(policy.OperationRequest{Operation: "op"}, now)

	if act["operation"] != "op" {
		t.Errorf("operation = %v", act["operation"])
	}
	if params, ok := act["parameters"].(map[string]any); !ok || params == nil {
		t.Errorf("parameters = %#v, want empty map", act["parameters"])
	}
	if act["request_time"] != now {
		t.Errorf("request_time = %v, want %v", act["request_time"], now)
	}
	for _, key := range []string{"credential_id", "application_id", "plugin_type", "source_ip"} {
		if _, ok := act[key]; !ok {
			t.Errorf("activation missing %q", key)
		}
	}
}

func TestValidateNesting(t *testing.T) {
	tests := []struct {
		name    string
		expr    string
		wantErr bool
	}{
		{"no_nesting", "true", false},
		{"single_level", "(true)", false},
		{"50_levels", strings.Repeat("(", 50) + "true" + strings.Repeat(")", 50), false},
		{"51_levels", strings.Repeat("(", 51) + "true" + strings.Repeat(")", 51), true},
		{"interleaved_types", "([{true}])", false},
		{"empty_string", "", false},
		{"only_openers", strings.Repeat("(", 60), true},
		{"deep_square_brackets", strings.Repeat("[", 51) + strings.Repeat("]", 51), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateNesting(tt.expr)
			if tt.wantErr && err == nil {
				t.Errorf("validateNesting(%q) expected error, got nil", tt.name)
			}
			if !tt.wantErr && err != nil {
				t.Errorf("validateNesting(%q) unexpected error: %v", tt.name, err)
			}
		})
	}
}
