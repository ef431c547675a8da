package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	httpapi "github.com/Sentinel-Gate/credgate/internal/adapter/inbound/http"
	"github.com/Sentinel-Gate/credgate/internal/adapter/outbound/cel"
	"github.com/Sentinel-Gate/credgate/internal/config"
	"github.com/Sentinel-Gate/credgate/internal/domain/handler"
	"github.com/Sentinel-Gate/credgate/internal/domain/policy"
	"github.com/Sentinel-Gate/credgate/internal/service"
)

var (
	serveAddr           string
	serveDefaultVerdict string
	serveSeedFile       string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the policy evaluation API",
	Long: `Start the HTTP API that evaluates operation requests against the
policy cascade.

Endpoints:
  POST /api/v1/evaluate                 live evaluation (counters, approvals, audit)
  POST /api/v1/simulate                 dry run, optionally against draft policies
  GET  /api/v1/policies                 policy administration
  GET  /api/v1/approvals                pending manual approvals
  POST /api/v1/approvals/{token}/resolve approve or reject
  GET  /api/v1/audit                    recent audit records
  GET  /health                          component health
  GET  /metrics                         Prometheus metrics

Examples:
  credgate serve
  credgate serve --addr :9090 --default-verdict deny
  credgate serve --seed policies.yaml`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "listen address (overrides server.http_addr)")
	serveCmd.Flags().StringVar(&serveDefaultVerdict, "default-verdict", "", "verdict when no policy decides: allow or deny")
	serveCmd.Flags().StringVar(&serveSeedFile, "seed", "", "YAML file of policies imported at startup")
	rootCmd.AddCommand(serveCmd)
}

func runServe(_ *cobra.Command, _ []string) error {
	cfg, err := config.LoadConfigRaw()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if serveAddr != "" {
		cfg.Server.HTTPAddr = serveAddr
	}
	if serveDefaultVerdict != "" {
		cfg.Evaluator.DefaultVerdict = serveDefaultVerdict
	}
	if serveSeedFile != "" {
		cfg.PolicyStore.SeedFile = serveSeedFile
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), gracefulSignals()...)
	defer stop()

	logger := newLogger(cfg.LogLevel, cfg.LogFormat)
	if used := config.ConfigFileUsed(); used != "" {
		logger.Info("loaded config", "file", used)
	}
	return run(ctx, cfg, logger)
}

// run wires every component from cfg and serves until ctx is cancelled.
func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := httpapi.NewMetrics(reg)

	var healthOpts []httpapi.HealthOption

	policies, err := openPolicyStore(cfg.PolicyStore)
	if err != nil {
		return err
	}
	defer func() { _ = policies.Close() }()
	healthOpts = append(healthOpts, httpapi.WithPinger("policy_store", policies.pinger))

	counters, err := openCounterStore(ctx, cfg.CounterStore, logger)
	if err != nil {
		return err
	}
	defer func() { _ = counters.Close() }()
	healthOpts = append(healthOpts, httpapi.WithPinger("counter_store", counters.pinger))

	auditStore, err := openAuditStore(cfg.Audit, logger)
	if err != nil {
		return err
	}
	defer func() { _ = auditStore.Close() }()

	directory := newCredentialDirectory(cfg)

	auditSvc := service.NewAuditService(auditStore, logger,
		service.WithChannelSize(cfg.Audit.ChannelSize),
		service.WithBatchSize(cfg.Audit.BatchSize),
		service.WithFlushInterval(mustDuration(cfg.Audit.FlushInterval)),
		service.WithSendTimeout(mustDuration(cfg.Audit.SendTimeout)),
		service.WithWarningThreshold(cfg.Audit.WarningThreshold),
		service.WithAuditMetadata(directory),
	)
	auditSvc.Start(ctx)
	// Deferred before the server starts so it runs after the server has
	// drained in-flight evaluations.
	defer auditSvc.Stop()
	httpapi.RegisterAuditMetrics(reg, auditSvc)
	healthOpts = append(healthOpts, httpapi.WithAuditStats(auditSvc))

	conditions, err := cel.NewEvaluator()
	if err != nil {
		return fmt.Errorf("failed to create condition evaluator: %w", err)
	}
	registry := handler.NewRegistry(conditions)

	evalOpts := []service.EvaluatorOption{
		service.WithDefaultVerdict(parseVerdict(cfg.Evaluator.DefaultVerdict)),
		service.WithRuleCacheSize(cfg.Evaluator.ValidationCacheSize),
		service.WithAuditEmitter(auditSvc),
		service.WithMetadata(directory),
		service.WithObserver(metrics),
	}

	if cfg.Tracing.Enabled {
		tp, err := newTracerProvider()
		if err != nil {
			return err
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = tp.Shutdown(shutdownCtx)
		}()
		otel.SetTracerProvider(tp)
		evalOpts = append(evalOpts, service.WithTracer(tp.Tracer("credgate")))
	}

	var approvals *service.ApprovalService
	if cfg.Approvals.Enabled {
		approvals = service.NewApprovalService(openApprovalStore(cfg.Approvals, logger), logger)
		evalOpts = append(evalOpts, service.WithApprovals(approvals))
		go expireApprovals(ctx, approvals, mustDuration(cfg.Approvals.Timeout), logger)
	}

	evaluator := service.NewEvaluator(policies.store, counters.store, registry, logger, evalOpts...)
	admin := service.NewPolicyAdminService(policies.store, evaluator, logger)

	if cfg.PolicyStore.SeedFile != "" {
		seed, err := config.LoadSeedFile(cfg.PolicyStore.SeedFile)
		if err != nil {
			return err
		}
		n, err := admin.Import(ctx, seed)
		if err != nil {
			return fmt.Errorf("failed to import seed policies: %w", err)
		}
		logger.Info("seeded policies", "file", cfg.PolicyStore.SeedFile, "count", n)
	}

	apiOpts := []httpapi.APIOption{
		httpapi.WithSimulator(service.NewSimulator(evaluator, logger)),
		httpapi.WithPolicyAdmin(admin),
		httpapi.WithAuditQuerier(auditStore),
	}
	if approvals != nil {
		apiOpts = append(apiOpts, httpapi.WithApprovals(approvals))
	}
	api := httpapi.NewAPIHandler(evaluator, logger, apiOpts...)

	server := httpapi.NewServer(api,
		httpapi.WithAddr(cfg.Server.HTTPAddr),
		httpapi.WithLogger(logger),
		httpapi.WithMetrics(metrics, reg),
		httpapi.WithHealthChecker(httpapi.NewHealthChecker(Version, healthOpts...)),
		httpapi.WithShutdownTimeout(mustDuration(cfg.Server.ShutdownTimeout)),
	)

	logger.Info("credgate ready",
		"addr", cfg.Server.HTTPAddr,
		"policy_store", cfg.PolicyStore.Driver,
		"counter_store", cfg.CounterStore.Driver,
		"approvals", cfg.Approvals.Enabled,
		"audit", cfg.Audit.Output,
	)
	if err := server.Start(ctx); err != nil {
		return fmt.Errorf("server error: %w", err)
	}
	logger.Info("credgate stopped")
	return nil
}

// expireApprovals rejects approvals left pending longer than timeout. The
// sweep runs at a tenth of the timeout, bounded to [1s, 1m].
func expireApprovals(ctx context.Context, approvals *service.ApprovalService, timeout time.Duration, logger *slog.Logger) {
	if timeout <= 0 {
		return
	}
	interval := min(max(timeout/10, time.Second), time.Minute)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := approvals.ExpireOlderThan(ctx, timeout)
			if err != nil {
				logger.Warn("approval expiry failed", "error", err)
				continue
			}
			if n > 0 {
				logger.Info("expired pending approvals", "count", n)
			}
		}
	}
}

func newTracerProvider() (*sdktrace.TracerProvider, error) {
	exporter, err := stdouttrace.New(stdouttrace.WithWriter(os.Stderr))
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}
	return sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter)), nil
}

func newLogger(level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLogLevel(level)}
	if strings.EqualFold(format, "json") {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

// parseLogLevel converts a string log level to slog.Level.
func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func parseVerdict(s string) policy.Status {
	if strings.EqualFold(s, "deny") {
		return policy.StatusDenied
	}
	return policy.StatusAllowed
}

// mustDuration parses a duration already checked by config validation.
func mustDuration(s string) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0
	}
	return d
}
