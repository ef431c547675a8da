package cmd

import (
	"bytes"
	"context"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/Sentinel-Gate/credgate/internal/config"
	"github.com/Sentinel-Gate/credgate/internal/domain/audit"
	"github.com/Sentinel-Gate/credgate/internal/domain/policy"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
}

func TestCommands_Registered(t *testing.T) {
	want := map[string]bool{"serve": false, "version": false}
	for _, c := range rootCmd.Commands() {
		if _, ok := want[c.Name()]; ok {
			want[c.Name()] = true
		}
	}
	for name, found := range want {
		if !found {
			t.Errorf("%s command not registered with rootCmd", name)
		}
	}
}

func TestServeCmd_FlagDefaults(t *testing.T) {
	for _, name := range []string{"addr", "default-verdict", "seed"} {
		f := serveCmd.Flags().Lookup(name)
		if f == nil {
			t.Fatalf("--%s flag not defined", name)
		}
		if f.DefValue != "" {
			t.Errorf("--%s default = %q, want empty", name, f.DefValue)
		}
	}
}

func TestVersionCmd_Output(t *testing.T) {
	var out bytes.Buffer
	versionCmd.SetOut(&out)
	versionCmd.Run(versionCmd, nil)
	if !strings.Contains(out.String(), "credgate "+Version) {
		t.Errorf("version output = %q", out.String())
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"DEBUG", slog.LevelDebug},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"info", slog.LevelInfo},
		{"", slog.LevelInfo},
		{"verbose", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := parseLogLevel(tt.in); got != tt.want {
			t.Errorf("parseLogLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestParseVerdict(t *testing.T) {
	if got := parseVerdict("DENY"); got != policy.StatusDenied {
		t.Errorf("parseVerdict(DENY) = %s", got)
	}
	if got := parseVerdict("allow"); got != policy.StatusAllowed {
		t.Errorf("parseVerdict(allow) = %s", got)
	}
}

func TestMustDuration(t *testing.T) {
	if got := mustDuration("1m30s"); got != 90*time.Second {
		t.Errorf("mustDuration(1m30s) = %v", got)
	}
	if got := mustDuration("soon"); got != 0 {
		t.Errorf("mustDuration(soon) = %v, want 0", got)
	}
}

func TestOpenAuditStore(t *testing.T) {
	dir := t.TempDir()
	base := config.AuditConfig{RingSize: 10, RetentionDays: 1, MaxFileSizeMB: 1}

	tests := []struct {
		name   string
		output string
	}{
		{"stdout", "stdout"},
		{"single file", "file://" + filepath.Join(dir, "audit.jsonl")},
		{"rotated directory", "dir://" + filepath.Join(dir, "audit")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base
			cfg.Output = tt.output
			s, err := openAuditStore(cfg, discardLogger())
			if err != nil {
				t.Fatalf("openAuditStore(%s) error: %v", tt.output, err)
			}
			defer func() { _ = s.Close() }()

			if tt.output == "stdout" {
				return
			}
			rec := audit.AuditRecord{CredentialID: "cred-1", Operation: "s3:GetObject", Status: "APPROVED"}
			if err := s.Append(context.Background(), rec); err != nil {
				t.Fatalf("Append() error: %v", err)
			}
			if got := s.Query(audit.AuditFilter{CredentialID: "cred-1"}); len(got) != 1 {
				t.Errorf("Query() = %d records, want 1", len(got))
			}
		})
	}
}

func TestOpenAuditStore_BadPath(t *testing.T) {
	cfg := config.AuditConfig{Output: "file://" + filepath.Join(t.TempDir(), "missing", "audit.jsonl")}
	if _, err := openAuditStore(cfg, discardLogger()); err == nil {
		t.Error("openAuditStore() should fail when the parent directory is missing")
	}
}

func TestOpenCounterStore_Redis(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()

	b, err := openCounterStore(ctx, config.CounterStoreConfig{
		Driver: "redis",
		Redis:  config.RedisConfig{Addr: mr.Addr(), KeyPrefix: "test:"},
	}, discardLogger())
	if err != nil {
		t.Fatalf("openCounterStore(redis) error: %v", err)
	}
	defer func() { _ = b.Close() }()

	if b.pinger == nil {
		t.Fatal("redis backend should expose a pinger")
	}
	if err := b.pinger.Ping(ctx); err != nil {
		t.Errorf("Ping() error: %v", err)
	}
}

func TestOpenCounterStore_Memory(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b, err := openCounterStore(ctx, config.CounterStoreConfig{Driver: "memory", CleanupInterval: "1m"}, discardLogger())
	if err != nil {
		t.Fatalf("openCounterStore(memory) error: %v", err)
	}
	if b.pinger != nil {
		t.Error("memory backend should not expose a pinger")
	}
	if err := b.Close(); err != nil {
		t.Errorf("Close() error: %v", err)
	}
}

func TestOpenPolicyStore_SQLite(t *testing.T) {
	b, err := openPolicyStore(config.PolicyStoreConfig{Driver: "sqlite", SQLitePath: filepath.Join(t.TempDir(), "credgate.db")})
	if err != nil {
		t.Fatalf("openPolicyStore(sqlite) error: %v", err)
	}
	defer func() { _ = b.Close() }()
	if err := b.pinger.Ping(context.Background()); err != nil {
		t.Errorf("Ping() error: %v", err)
	}
}

func TestNewCredentialDirectory(t *testing.T) {
	cfg := &config.Config{
		Credentials: []config.CredentialConfig{{ID: "cred-1", PluginType: "aws", Name: "Prod AWS"}},
		Plugins:     map[string]string{"aws": "Amazon Web Services"},
	}
	d := newCredentialDirectory(cfg)
	ctx := context.Background()

	meta, err := d.Credential(ctx, "cred-1")
	if err != nil || meta.PluginType != "aws" {
		t.Errorf("Credential(cred-1) = %+v, %v", meta, err)
	}
	if got := d.PluginName(ctx, "aws"); got != "Amazon Web Services" {
		t.Errorf("PluginName(aws) = %q", got)
	}
}
