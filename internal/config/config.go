// Package config provides configuration types for the credgate policy engine.
//
// Configuration is file-based (credgate.yaml) with environment overrides
// (CREDGATE_*). Policies themselves are not configured here: they live in
// the policy store and may be seeded from a YAML file at startup.
package config

import "github.com/spf13/viper"

// Config is the top-level configuration.
type Config struct {
	// Server configures the HTTP listener.
	Server ServerConfig `yaml:"server" mapstructure:"server"`

	// LogLevel sets the minimum log level: debug, info, warn, error.
	LogLevel string `yaml:"log_level" mapstructure:"log_level" validate:"omitempty,oneof=debug info warn warning error"`

	// LogFormat selects the slog handler: text or json.
	LogFormat string `yaml:"log_format" mapstructure:"log_format" validate:"omitempty,oneof=text json"`

	// Evaluator configures the policy cascade.
	Evaluator EvaluatorConfig `yaml:"evaluator" mapstructure:"evaluator"`

	// PolicyStore selects where policies are persisted.
	PolicyStore PolicyStoreConfig `yaml:"policy_store" mapstructure:"policy_store"`

	// CounterStore selects where COUNT_BASED and RATE_LIMITING counters live.
	CounterStore CounterStoreConfig `yaml:"counter_store" mapstructure:"counter_store"`

	// Approvals configures manual approval persistence.
	Approvals ApprovalsConfig `yaml:"approvals" mapstructure:"approvals"`

	// Audit configures where audit records are written.
	Audit AuditConfig `yaml:"audit" mapstructure:"audit"`

	// Credentials seeds the credential metadata directory used to resolve
	// plugin types and display names.
	Credentials []CredentialConfig `yaml:"credentials" mapstructure:"credentials" validate:"omitempty,dive"`

	// Plugins maps plugin types to display names.
	Plugins map[string]string `yaml:"plugins" mapstructure:"plugins"`

	// Tracing enables OpenTelemetry spans around evaluations.
	Tracing TracingConfig `yaml:"tracing" mapstructure:"tracing"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	// HTTPAddr is the listen address. Defaults to "127.0.0.1:8080".
	HTTPAddr string `yaml:"http_addr" mapstructure:"http_addr" validate:"omitempty,hostname_port"`

	// ShutdownTimeout bounds graceful shutdown (e.g. "10s").
	ShutdownTimeout string `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout" validate:"omitempty,duration"`
}

// EvaluatorConfig configures the cascade.
type EvaluatorConfig struct {
	// DefaultVerdict applies when no policy decides: "allow" or "deny".
	DefaultVerdict string `yaml:"default_verdict" mapstructure:"default_verdict" validate:"required,verdict"`

	// ValidationCacheSize bounds the compiled-policy cache.
	ValidationCacheSize int `yaml:"validation_cache_size" mapstructure:"validation_cache_size" validate:"omitempty,min=1"`
}

// PolicyStoreConfig selects the policy store.
type PolicyStoreConfig struct {
	// Driver is "memory" or "sqlite".
	Driver string `yaml:"driver" mapstructure:"driver" validate:"required,store_driver=memory sqlite"`

	// SQLitePath is the database file used by the sqlite driver.
	SQLitePath string `yaml:"sqlite_path" mapstructure:"sqlite_path"`

	// SeedFile is an optional YAML file of policies imported at startup.
	SeedFile string `yaml:"seed_file" mapstructure:"seed_file" validate:"omitempty,file"`
}

// CounterStoreConfig selects the counter store.
type CounterStoreConfig struct {
	// Driver is "memory" or "redis".
	Driver string `yaml:"driver" mapstructure:"driver" validate:"required,store_driver=memory redis"`

	// Redis configures the redis driver.
	Redis RedisConfig `yaml:"redis" mapstructure:"redis"`

	// CleanupInterval is how often the memory driver drops expired counters.
	CleanupInterval string `yaml:"cleanup_interval" mapstructure:"cleanup_interval" validate:"omitempty,duration"`
}

// RedisConfig configures a Redis connection.
type RedisConfig struct {
	Addr     string `yaml:"addr" mapstructure:"addr" validate:"omitempty,hostname_port"`
	Password string `yaml:"password" mapstructure:"password"`
	DB       int    `yaml:"db" mapstructure:"db" validate:"min=0,max=15"`
	// KeyPrefix namespaces counter keys when the Redis instance is shared.
	KeyPrefix string `yaml:"key_prefix" mapstructure:"key_prefix"`
}

// ApprovalsConfig configures manual approvals.
type ApprovalsConfig struct {
	// Enabled turns manual approval parking on. When off, MANUAL_APPROVAL
	// policies still return PENDING but no token is issued.
	Enabled bool `yaml:"enabled" mapstructure:"enabled"`

	// Driver is "memory" or "file".
	Driver string `yaml:"driver" mapstructure:"driver" validate:"required,store_driver=memory file"`

	// FilePath is the JSON state file used by the file driver.
	FilePath string `yaml:"file_path" mapstructure:"file_path"`

	// MaxResolved bounds how many resolved approvals are kept.
	MaxResolved int `yaml:"max_resolved" mapstructure:"max_resolved" validate:"omitempty,min=1"`

	// Timeout expires approvals left pending longer than this (e.g. "24h").
	Timeout string `yaml:"timeout" mapstructure:"timeout" validate:"omitempty,duration"`
}

// AuditConfig configures audit output.
type AuditConfig struct {
	// Output is "stdout", "file:///abs/path.jsonl" (single file) or
	// "dir:///abs/dir" (daily rotated files with retention).
	Output string `yaml:"output" mapstructure:"output" validate:"required,audit_output"`

	// ChannelSize is the buffer between evaluations and the audit worker.
	ChannelSize int `yaml:"channel_size" mapstructure:"channel_size" validate:"omitempty,min=1"`

	// BatchSize is the number of records written per batch.
	BatchSize int `yaml:"batch_size" mapstructure:"batch_size" validate:"omitempty,min=1"`

	// FlushInterval is how often partial batches are written.
	FlushInterval string `yaml:"flush_interval" mapstructure:"flush_interval" validate:"omitempty,duration"`

	// SendTimeout is how long Record may block on a full channel before dropping.
	SendTimeout string `yaml:"send_timeout" mapstructure:"send_timeout" validate:"omitempty,duration"`

	// WarningThreshold is the channel fill percentage that triggers a warning.
	WarningThreshold int `yaml:"warning_threshold" mapstructure:"warning_threshold" validate:"omitempty,min=0,max=100"`

	// RingSize is the number of recent records kept in memory.
	RingSize int `yaml:"ring_size" mapstructure:"ring_size" validate:"omitempty,min=1"`

	// RetentionDays and MaxFileSizeMB apply to dir:// output.
	RetentionDays int `yaml:"retention_days" mapstructure:"retention_days" validate:"omitempty,min=1"`
	MaxFileSizeMB int `yaml:"max_file_size_mb" mapstructure:"max_file_size_mb" validate:"omitempty,min=1"`
}

// CredentialConfig describes one credential known to the metadata directory.
type CredentialConfig struct {
	ID         string `yaml:"id" mapstructure:"id" validate:"required"`
	PluginType string `yaml:"plugin_type" mapstructure:"plugin_type" validate:"required"`
	Name       string `yaml:"name" mapstructure:"name"`
}

// TracingConfig configures OpenTelemetry.
type TracingConfig struct {
	// Enabled exports evaluation spans to stdout.
	Enabled bool `yaml:"enabled" mapstructure:"enabled"`
}

// SetDefaults fills unset optional fields.
func (c *Config) SetDefaults() {
	if c.Server.HTTPAddr == "" {
		c.Server.HTTPAddr = "127.0.0.1:8080"
	}
	if c.Server.ShutdownTimeout == "" {
		c.Server.ShutdownTimeout = "10s"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.LogFormat == "" {
		c.LogFormat = "text"
	}

	if c.Evaluator.DefaultVerdict == "" {
		c.Evaluator.DefaultVerdict = "allow"
	}
	if c.Evaluator.ValidationCacheSize == 0 {
		c.Evaluator.ValidationCacheSize = 1024
	}

	if c.PolicyStore.Driver == "" {
		c.PolicyStore.Driver = "memory"
	}
	if c.PolicyStore.Driver == "sqlite" && c.PolicyStore.SQLitePath == "" {
		c.PolicyStore.SQLitePath = "credgate.db"
	}

	if c.CounterStore.Driver == "" {
		c.CounterStore.Driver = "memory"
	}
	if c.CounterStore.CleanupInterval == "" {
		c.CounterStore.CleanupInterval = "1m"
	}
	if c.CounterStore.Driver == "redis" && c.CounterStore.Redis.Addr == "" {
		c.CounterStore.Redis.Addr = "127.0.0.1:6379"
	}

	// Approvals are on unless explicitly disabled.
	if !viper.IsSet("approvals.enabled") {
		c.Approvals.Enabled = true
	}
	if c.Approvals.Driver == "" {
		c.Approvals.Driver = "memory"
	}
	if c.Approvals.Driver == "file" && c.Approvals.FilePath == "" {
		c.Approvals.FilePath = "credgate-approvals.json"
	}
	if c.Approvals.MaxResolved == 0 {
		c.Approvals.MaxResolved = 1000
	}
	if c.Approvals.Timeout == "" {
		c.Approvals.Timeout = "24h"
	}

	if c.Audit.Output == "" {
		c.Audit.Output = "stdout"
	}
	if c.Audit.ChannelSize == 0 {
		c.Audit.ChannelSize = 1000
	}
	if c.Audit.BatchSize == 0 {
		c.Audit.BatchSize = 100
	}
	if c.Audit.FlushInterval == "" {
		c.Audit.FlushInterval = "1s"
	}
	if c.Audit.SendTimeout == "" {
		c.Audit.SendTimeout = "100ms"
	}
	if c.Audit.WarningThreshold == 0 {
		c.Audit.WarningThreshold = 80
	}
	if c.Audit.RingSize == 0 {
		c.Audit.RingSize = 1000
	}
	if c.Audit.RetentionDays == 0 {
		c.Audit.RetentionDays = 30
	}
	if c.Audit.MaxFileSizeMB == 0 {
		c.Audit.MaxFileSizeMB = 100
	}
}
