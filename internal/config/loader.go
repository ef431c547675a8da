package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// InitViper points Viper at configFile, or at the first credgate.yaml/.yml
// found in the standard locations, and enables CREDGATE_* environment overrides.
func InitViper(configFile string) {
	if configFile != "" {
		viper.SetConfigFile(configFile)
	} else if found := findConfigFile(); found != "" {
		viper.SetConfigFile(found)
	} else {
		// No file anywhere: ReadInConfig returns ConfigFileNotFoundError,
		// which LoadConfig tolerates.
		viper.SetConfigName("credgate")
		viper.SetConfigType("yaml")
	}

	// CREDGATE_EVALUATOR_DEFAULT_VERDICT overrides evaluator.default_verdict.
	viper.SetEnvPrefix("CREDGATE")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()
	bindNestedEnvKeys()
}

func findConfigFile() string {
	home, _ := os.UserHomeDir()
	return findConfigFileInPaths([]string{
		".",
		filepath.Join(home, ".credgate"),
		"/etc/credgate",
	})
}

// findConfigFileInPaths returns the first credgate.yaml or credgate.yml in paths.
func findConfigFileInPaths(paths []string) string {
	for _, dir := range paths {
		for _, ext := range []string{".yaml", ".yml"} {
			path := filepath.Join(dir, "credgate"+ext)
			if _, err := os.Stat(path); err == nil {
				return path
			}
		}
	}
	return ""
}

// bindNestedEnvKeys makes nested keys visible to Unmarshal when they are
// only set through the environment. Lists (credentials) are file-only.
func bindNestedEnvKeys() {
	for _, key := range []string{
		"server.http_addr",
		"server.shutdown_timeout",
		"log_level",
		"log_format",
		"evaluator.default_verdict",
		"evaluator.validation_cache_size",
		"policy_store.driver",
		"policy_store.sqlite_path",
		"policy_store.seed_file",
		"counter_store.driver",
		"counter_store.cleanup_interval",
		"counter_store.redis.addr",
		"counter_store.redis.password",
		"counter_store.redis.db",
		"counter_store.redis.key_prefix",
		"approvals.enabled",
		"approvals.driver",
		"approvals.file_path",
		"approvals.max_resolved",
		"approvals.timeout",
		"audit.output",
		"audit.channel_size",
		"audit.batch_size",
		"audit.flush_interval",
		"audit.send_timeout",
		"audit.retention_days",
		"tracing.enabled",
	} {
		_ = viper.BindEnv(key)
	}
}

// LoadConfig reads the configuration file (if any), applies environment
// overrides and defaults, and validates the result.
func LoadConfig() (*Config, error) {
	cfg, err := LoadConfigRaw()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// LoadConfigRaw reads and defaults the configuration without validating it,
// so CLI flags can override fields first.
func LoadConfigRaw() (*Config, error) {
	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg.SetDefaults()
	return &cfg, nil
}

// ConfigFileUsed returns the loaded configuration file, or "" when running
// from environment variables only.
func ConfigFileUsed() string {
	return viper.ConfigFileUsed()
}
