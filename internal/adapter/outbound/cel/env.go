package cel

import (
	"net"
	"path/filepath"
	"time"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"github.com/google/cel-go/ext"

	"github.com/Sentinel-Gate/credgate/internal/domain/policy"
)

// NewConditionEnvironment creates the CEL environment used for operation rule
// conditions. It exposes:
//   - Request variables: operation, parameters, credential_id, application_id, plugin_type, source_ip, request_time
//   - Custom functions: glob, ip_in_cidr
func NewConditionEnvironment() (*cel.Env, error) {
	return cel.NewEnv(
		ext.Strings(),
		ext.Sets(),

		cel.Variable("operation", cel.StringType),
		cel.Variable("parameters", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("credential_id", cel.StringType),
		cel.Variable("application_id", cel.StringType),
		cel.Variable("plugin_type", cel.StringType),
		cel.Variable("source_ip", cel.StringType),
		cel.Variable("request_time", cel.TimestampType),

		// glob(pattern, value): shell-style match, e.g. glob("s3:*", operation)
		cel.Function("glob",
			cel.Overload("glob_string_string",
				[]*cel.Type{cel.StringType, cel.StringType},
				cel.BoolType,
				cel.BinaryBinding(func(pattern, value ref.Val) ref.Val {
					p, ok1 := pattern.Value().(string)
					v, ok2 := value.Value().(string)
					if !ok1 || !ok2 {
						return types.Bool(false)
					}
					matched, _ := filepath.Match(p, v)
					return types.Bool(matched)
				}),
			),
		),

		// ip_in_cidr(ip, cidr): false for unparseable input.
		cel.Function("ip_in_cidr",
			cel.Overload("ip_in_cidr_string_string",
				[]*cel.Type{cel.StringType, cel.StringType},
				cel.BoolType,
				cel.BinaryBinding(func(ipVal, cidrVal ref.Val) ref.Val {
					ipStr, _ := ipVal.Value().(string)
					cidrStr, _ := cidrVal.Value().(string)

					ip := net.ParseIP(ipStr)
					if ip == nil {
						return types.Bool(false)
					}
					_, network, err := net.ParseCIDR(cidrStr)
					if err != nil {
						return types.Bool(false)
					}
					return types.Bool(network.Contains(ip))
				}),
			),
		),
	)
}

// BuildActivation creates a CEL activation map from an operation request.
// now is used for request_time when the request carries no timestamp.
func BuildActivation(req policy.OperationRequest, now time.Time) map[string]any {
	params := req.Parameters
	if params == nil {
		params = map[string]any{}
	}
	ts := req.Timestamp
	if ts.IsZero() {
		ts = now
	}

	return map[string]any{
		"operation":      req.Operation,
		"parameters":     params,
		"credential_id":  req.CredentialID,
		"application_id": req.ApplicationID,
		"plugin_type":    req.PluginType,
		"source_ip":      req.SourceIP,
		"request_time":   ts,
	}
}
