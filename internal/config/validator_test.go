package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// validConfig returns a defaulted, valid Config.
func validConfig() *Config {
	cfg := &Config{Approvals: ApprovalsConfig{Enabled: true}}
	cfg.SetDefaults()
	return cfg
}

func TestValidate_ValidConfig(t *testing.T) {
	t.Parallel()

	if err := validConfig().Validate(); err != nil {
		t.Errorf("Validate() unexpected error: %v", err)
	}
}

func TestValidate_Fields(t *testing.T) {
	t.Parallel()

	seed := filepath.Join(t.TempDir(), "policies.yaml")
	if err := os.WriteFile(seed, []byte("policies: []\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"verdict deny", func(c *Config) { c.Evaluator.DefaultVerdict = "deny" }, ""},
		{"verdict case-insensitive", func(c *Config) { c.Evaluator.DefaultVerdict = "DENY" }, ""},
		{"verdict invalid", func(c *Config) { c.Evaluator.DefaultVerdict = "maybe" }, "must be 'allow' or 'deny'"},
		{"verdict missing", func(c *Config) { c.Evaluator.DefaultVerdict = "" }, "is required"},
		{"policy driver sqlite", func(c *Config) { c.PolicyStore.Driver = "sqlite"; c.PolicyStore.SQLitePath = "x.db" }, ""},
		{"policy driver invalid", func(c *Config) { c.PolicyStore.Driver = "postgres" }, "must be one of: memory sqlite"},
		{"counter driver invalid", func(c *Config) { c.CounterStore.Driver = "sqlite" }, "must be one of: memory redis"},
		{"approvals driver invalid", func(c *Config) { c.Approvals.Driver = "redis" }, "must be one of: memory file"},
		{"sqlite without path", func(c *Config) { c.PolicyStore.Driver = "sqlite"; c.PolicyStore.SQLitePath = "" }, "requires sqlite_path"},
		{"redis without addr", func(c *Config) { c.CounterStore.Driver = "redis" }, "requires redis.addr"},
		{"redis bad addr", func(c *Config) { c.CounterStore.Driver = "redis"; c.CounterStore.Redis.Addr = "nohost" }, "host:port"},
		{"redis db range", func(c *Config) { c.CounterStore.Redis.DB = 16 }, "must be max 15"},
		{"file approvals without path", func(c *Config) { c.Approvals.Driver = "file" }, "requires file_path"},
		{"seed file exists", func(c *Config) { c.PolicyStore.SeedFile = seed }, ""},
		{"seed file missing", func(c *Config) { c.PolicyStore.SeedFile = seed + ".missing" }, "existing file"},
		{"audit file", func(c *Config) { c.Audit.Output = "file:///var/log/credgate.jsonl" }, ""},
		{"audit dir", func(c *Config) { c.Audit.Output = "dir:///var/log/credgate" }, ""},
		{"audit relative", func(c *Config) { c.Audit.Output = "file://credgate.jsonl" }, "absolute-path"},
		{"audit unknown", func(c *Config) { c.Audit.Output = "syslog" }, "absolute-path"},
		{"bad duration", func(c *Config) { c.Audit.FlushInterval = "soon" }, "duration"},
		{"bad log level", func(c *Config) { c.LogLevel = "trace" }, "must be one of"},
		{"bad log format", func(c *Config) { c.LogFormat = "xml" }, "must be one of"},
		{"bad listen addr", func(c *Config) { c.Server.HTTPAddr = "localhost" }, "host:port"},
		{"credential missing plugin", func(c *Config) { c.Credentials = []CredentialConfig{{ID: "c1"}} }, "PluginType is required"},
		{
			"duplicate credential",
			func(c *Config) {
				c.Credentials = []CredentialConfig{{ID: "c1", PluginType: "aws"}, {ID: "c1", PluginType: "gcp"}}
			},
			"duplicate id",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() unexpected error: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("Validate() should fail with %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %v, want substring %q", err, tt.wantErr)
			}
		})
	}
}
