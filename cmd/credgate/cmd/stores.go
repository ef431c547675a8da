package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	httpapi "github.com/Sentinel-Gate/credgate/internal/adapter/inbound/http"
	auditstore "github.com/Sentinel-Gate/credgate/internal/adapter/outbound/audit"
	"github.com/Sentinel-Gate/credgate/internal/adapter/outbound/memory"
	"github.com/Sentinel-Gate/credgate/internal/adapter/outbound/redisstore"
	"github.com/Sentinel-Gate/credgate/internal/adapter/outbound/sqlite"
	"github.com/Sentinel-Gate/credgate/internal/adapter/outbound/state"
	"github.com/Sentinel-Gate/credgate/internal/config"
	"github.com/Sentinel-Gate/credgate/internal/domain/approval"
	"github.com/Sentinel-Gate/credgate/internal/domain/audit"
	"github.com/Sentinel-Gate/credgate/internal/domain/counter"
	"github.com/Sentinel-Gate/credgate/internal/domain/credential"
	"github.com/Sentinel-Gate/credgate/internal/domain/policy"
)

// policyBackend is an opened policy store. pinger is nil for memory.
type policyBackend struct {
	store  policy.PolicyWriter
	pinger httpapi.Pinger
	close  func() error
}

func (b policyBackend) Close() error {
	if b.close == nil {
		return nil
	}
	return b.close()
}

func openPolicyStore(cfg config.PolicyStoreConfig) (policyBackend, error) {
	switch cfg.Driver {
	case "sqlite":
		s, err := sqlite.Open(cfg.SQLitePath)
		if err != nil {
			return policyBackend{}, fmt.Errorf("failed to open policy store: %w", err)
		}
		return policyBackend{store: s, pinger: s, close: s.Close}, nil
	default:
		return policyBackend{store: memory.NewPolicyStore()}, nil
	}
}

// counterBackend is an opened counter store. pinger is nil for memory.
type counterBackend struct {
	store  counter.Store
	pinger httpapi.Pinger
	close  func() error
}

func (b counterBackend) Close() error {
	if b.close == nil {
		return nil
	}
	return b.close()
}

func openCounterStore(ctx context.Context, cfg config.CounterStoreConfig, logger *slog.Logger) (counterBackend, error) {
	switch cfg.Driver {
	case "redis":
		s, err := redisstore.Open(ctx, redisstore.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		}, logger, redisstore.WithKeyPrefix(cfg.Redis.KeyPrefix))
		if err != nil {
			return counterBackend{}, fmt.Errorf("failed to open counter store: %w", err)
		}
		return counterBackend{store: s, pinger: s, close: s.Close}, nil
	default:
		s := memory.NewCounterStoreWithConfig(mustDuration(cfg.CleanupInterval), logger)
		s.StartCleanup(ctx)
		return counterBackend{store: s, close: func() error {
			s.Stop()
			return nil
		}}, nil
	}
}

// queryableAuditStore is an audit store that also serves recent records.
type queryableAuditStore interface {
	audit.AuditStore
	Query(filter audit.AuditFilter) []audit.AuditRecord
}

// openAuditStore creates the audit store for output. file:// appends JSON
// lines to one file; dir:// rotates daily files with retention.
func openAuditStore(cfg config.AuditConfig, logger *slog.Logger) (queryableAuditStore, error) {
	if path, ok := strings.CutPrefix(cfg.Output, "file://"); ok {
		s, err := memory.OpenAuditFile(path, cfg.RingSize)
		if err != nil {
			return nil, fmt.Errorf("failed to open audit file: %w", err)
		}
		return s, nil
	}
	if dir, ok := strings.CutPrefix(cfg.Output, "dir://"); ok {
		s, err := auditstore.NewDirStore(auditstore.DirConfig{
			Dir:           dir,
			RetentionDays: cfg.RetentionDays,
			MaxFileSizeMB: cfg.MaxFileSizeMB,
			CacheSize:     cfg.RingSize,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to open audit directory: %w", err)
		}
		return s, nil
	}
	return memory.NewAuditStoreWithWriter(os.Stdout, cfg.RingSize), nil
}

func openApprovalStore(cfg config.ApprovalsConfig, logger *slog.Logger) approval.Store {
	if cfg.Driver == "file" {
		return state.NewApprovalFileStore(cfg.FilePath, cfg.MaxResolved, logger)
	}
	return memory.NewApprovalStore(cfg.MaxResolved)
}

func newCredentialDirectory(cfg *config.Config) *memory.CredentialDirectory {
	creds := make([]credential.Metadata, 0, len(cfg.Credentials))
	for _, c := range cfg.Credentials {
		creds = append(creds, credential.Metadata{ID: c.ID, PluginType: c.PluginType, Name: c.Name})
	}
	d := memory.NewCredentialDirectory(creds...)
	for pluginType, name := range cfg.Plugins {
		d.SetPluginName(pluginType, name)
	}
	return d
}
