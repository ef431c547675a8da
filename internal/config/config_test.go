package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/viper"
)

func TestConfig_SetDefaults(t *testing.T) {
	var cfg Config
	cfg.SetDefaults()

	checks := map[string][2]string{
		"Server.HTTPAddr":              {cfg.Server.HTTPAddr, "127.0.0.1:8080"},
		"LogLevel":                     {cfg.LogLevel, "info"},
		"LogFormat":                    {cfg.LogFormat, "text"},
		"Evaluator.DefaultVerdict":     {cfg.Evaluator.DefaultVerdict, "allow"},
		"PolicyStore.Driver":           {cfg.PolicyStore.Driver, "memory"},
		"CounterStore.Driver":          {cfg.CounterStore.Driver, "memory"},
		"CounterStore.CleanupInterval": {cfg.CounterStore.CleanupInterval, "1m"},
		"Approvals.Driver":             {cfg.Approvals.Driver, "memory"},
		"Approvals.Timeout":            {cfg.Approvals.Timeout, "24h"},
		"Audit.Output":                 {cfg.Audit.Output, "stdout"},
		"Audit.FlushInterval":          {cfg.Audit.FlushInterval, "1s"},
	}
	for name, c := range checks {
		if c[0] != c[1] {
			t.Errorf("%s = %q, want %q", name, c[0], c[1])
		}
	}
	if cfg.Evaluator.ValidationCacheSize != 1024 {
		t.Errorf("ValidationCacheSize = %d, want 1024", cfg.Evaluator.ValidationCacheSize)
	}
	if !cfg.Approvals.Enabled {
		t.Error("Approvals.Enabled should default to true")
	}
	if cfg.Audit.ChannelSize != 1000 || cfg.Audit.BatchSize != 100 || cfg.Audit.RingSize != 1000 {
		t.Errorf("audit sizes = %d/%d/%d", cfg.Audit.ChannelSize, cfg.Audit.BatchSize, cfg.Audit.RingSize)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaulted config should validate: %v", err)
	}
}

func TestConfig_SetDefaults_DriverSpecific(t *testing.T) {
	cfg := Config{
		PolicyStore:  PolicyStoreConfig{Driver: "sqlite"},
		CounterStore: CounterStoreConfig{Driver: "redis"},
		Approvals:    ApprovalsConfig{Driver: "file"},
	}
	cfg.SetDefaults()

	if cfg.PolicyStore.SQLitePath != "credgate.db" {
		t.Errorf("SQLitePath = %q", cfg.PolicyStore.SQLitePath)
	}
	if cfg.CounterStore.Redis.Addr != "127.0.0.1:6379" {
		t.Errorf("Redis.Addr = %q", cfg.CounterStore.Redis.Addr)
	}
	if cfg.Approvals.FilePath != "credgate-approvals.json" {
		t.Errorf("Approvals.FilePath = %q", cfg.Approvals.FilePath)
	}
}

func TestConfig_SetDefaults_PreservesExistingValues(t *testing.T) {
	cfg := Config{
		Server:    ServerConfig{HTTPAddr: ":9090"},
		Evaluator: EvaluatorConfig{DefaultVerdict: "deny", ValidationCacheSize: 16},
		Audit:     AuditConfig{Output: "file:///var/log/credgate.jsonl", BatchSize: 7},
	}
	cfg.SetDefaults()

	if cfg.Server.HTTPAddr != ":9090" {
		t.Errorf("HTTPAddr = %q, want :9090", cfg.Server.HTTPAddr)
	}
	if cfg.Evaluator.DefaultVerdict != "deny" || cfg.Evaluator.ValidationCacheSize != 16 {
		t.Errorf("Evaluator = %+v", cfg.Evaluator)
	}
	if cfg.Audit.Output != "file:///var/log/credgate.jsonl" || cfg.Audit.BatchSize != 7 {
		t.Errorf("Audit = %+v", cfg.Audit)
	}
}

func TestFindConfigFileInPaths(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		files []string
		want  string
	}{
		{"empty dir", nil, ""},
		{"yaml", []string{"credgate.yaml"}, "credgate.yaml"},
		{"yml", []string{"credgate.yml"}, "credgate.yml"},
		{"ignores binary name", []string{"credgate"}, ""},
		{"prefers yaml over yml", []string{"credgate.yml", "credgate.yaml"}, "credgate.yaml"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			dir := t.TempDir()
			for _, f := range tt.files {
				if err := os.WriteFile(filepath.Join(dir, f), []byte("log_level: info\n"), 0o600); err != nil {
					t.Fatal(err)
				}
			}
			got := findConfigFileInPaths([]string{filepath.Join(dir, "missing"), dir})
			want := ""
			if tt.want != "" {
				want = filepath.Join(dir, tt.want)
			}
			if got != want {
				t.Errorf("findConfigFileInPaths() = %q, want %q", got, want)
			}
		})
	}
}

// loadFrom resets the global viper instance and loads path.
func loadFrom(t *testing.T, yaml string) (*Config, error) {
	t.Helper()
	viper.Reset()
	t.Cleanup(viper.Reset)

	path := filepath.Join(t.TempDir(), "credgate.yaml")
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatal(err)
	}
	InitViper(path)
	return LoadConfig()
}

func TestLoadConfig_File(t *testing.T) {
	cfg, err := loadFrom(t, `
server:
  http_addr: "0.0.0.0:9000"
log_format: json
evaluator:
  default_verdict: deny
counter_store:
  driver: redis
  redis:
    addr: "redis:6379"
    db: 2
approvals:
  enabled: false
credentials:
  - id: cred-1
    plugin_type: aws
    name: Prod AWS
plugins:
  aws: Amazon Web Services
`)
	if err != nil {
		t.Fatalf("LoadConfig() error: %v", err)
	}
	if cfg.Server.HTTPAddr != "0.0.0.0:9000" || cfg.LogFormat != "json" {
		t.Errorf("server/log = %q/%q", cfg.Server.HTTPAddr, cfg.LogFormat)
	}
	if cfg.Evaluator.DefaultVerdict != "deny" {
		t.Errorf("DefaultVerdict = %q", cfg.Evaluator.DefaultVerdict)
	}
	if cfg.CounterStore.Redis.Addr != "redis:6379" || cfg.CounterStore.Redis.DB != 2 {
		t.Errorf("Redis = %+v", cfg.CounterStore.Redis)
	}
	if cfg.Approvals.Enabled {
		t.Error("explicit approvals.enabled=false was overridden")
	}
	if len(cfg.Credentials) != 1 || cfg.Credentials[0].PluginType != "aws" {
		t.Errorf("Credentials = %+v", cfg.Credentials)
	}
	if cfg.Plugins["aws"] != "Amazon Web Services" {
		t.Errorf("Plugins = %v", cfg.Plugins)
	}
	if ConfigFileUsed() == "" {
		t.Error("ConfigFileUsed() is empty")
	}
}

func TestLoadConfig_EnvOverride(t *testing.T) {
	t.Setenv("CREDGATE_EVALUATOR_DEFAULT_VERDICT", "deny")
	t.Setenv("CREDGATE_AUDIT_BATCH_SIZE", "5")

	cfg, err := loadFrom(t, "evaluator:\n  default_verdict: allow\n")
	if err != nil {
		t.Fatalf("LoadConfig() error: %v", err)
	}
	if cfg.Evaluator.DefaultVerdict != "deny" {
		t.Errorf("DefaultVerdict = %q, want env override", cfg.Evaluator.DefaultVerdict)
	}
	if cfg.Audit.BatchSize != 5 {
		t.Errorf("BatchSize = %d, want 5", cfg.Audit.BatchSize)
	}
}

func TestLoadConfig_Invalid(t *testing.T) {
	if _, err := loadFrom(t, "evaluator:\n  default_verdict: maybe\n"); err == nil {
		t.Error("invalid verdict should fail validation")
	}
	if _, err := loadFrom(t, "server: [not a map\n"); err == nil {
		t.Error("malformed YAML should fail")
	}
}
