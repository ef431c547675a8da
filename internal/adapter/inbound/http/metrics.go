package http

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/Sentinel-Gate/credgate/internal/domain/policy"
	"github.com/Sentinel-Gate/credgate/internal/service"
)

const metricsNamespace = "credgate"

// Metrics holds all Prometheus metrics for credgate.
// It doubles as the evaluator's service.EvaluationObserver.
type Metrics struct {
	RequestsTotal      *prometheus.CounterVec
	RequestDuration    *prometheus.HistogramVec
	EvaluationsTotal   *prometheus.CounterVec
	EvaluationDuration *prometheus.HistogramVec
	ConfigErrorsTotal  *prometheus.CounterVec
	StoreErrorsTotal   *prometheus.CounterVec
	CompensationsTotal prometheus.Counter
}

// NewMetrics creates and registers all metrics with the given registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		RequestsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "http_requests_total",
				Help:      "Total number of API requests processed",
			},
			[]string{"method", "status"}, // status=ok/error
		),
		RequestDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "http_request_duration_seconds",
				Help:      "API request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method"},
		),
		EvaluationsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "evaluations_total",
				Help:      "Total policy evaluations by mode and verdict",
			},
			[]string{"mode", "status"},
		),
		EvaluationDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "evaluation_duration_seconds",
				Help:      "Policy cascade duration in seconds",
				Buckets:   []float64{.0001, .00025, .0005, .001, .0025, .005, .01, .025, .05, .1},
			},
			[]string{"mode"},
		),
		ConfigErrorsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "policy_config_errors_total",
				Help:      "Policies that failed closed because their config was invalid",
			},
			[]string{"type"},
		),
		StoreErrorsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "store_errors_total",
				Help:      "Evaluations aborted by a store outage",
			},
			[]string{"store"},
		),
		CompensationsTotal: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "counter_compensations_total",
				Help:      "Staged counter increments released because the verdict was not ALLOWED",
			},
		),
	}
}

// ObserveEvaluation implements service.EvaluationObserver.
func (m *Metrics) ObserveEvaluation(mode policy.Mode, status policy.Status, d time.Duration) {
	m.EvaluationsTotal.WithLabelValues(string(mode), string(status)).Inc()
	m.EvaluationDuration.WithLabelValues(string(mode)).Observe(d.Seconds())
}

// ObserveConfigError implements service.EvaluationObserver.
func (m *Metrics) ObserveConfigError(t policy.Type) {
	m.ConfigErrorsTotal.WithLabelValues(string(t)).Inc()
}

// ObserveStoreError implements service.EvaluationObserver.
func (m *Metrics) ObserveStoreError(store string) {
	m.StoreErrorsTotal.WithLabelValues(store).Inc()
}

// ObserveCompensation implements service.EvaluationObserver.
func (m *Metrics) ObserveCompensation(released int) {
	m.CompensationsTotal.Add(float64(released))
}

// AuditStats is the view of the audit emitter exported as metrics and health.
type AuditStats interface {
	DroppedRecords() int64
	ChannelDepth() int
	ChannelCapacity() int
}

// RegisterAuditMetrics exports audit backpressure as function-backed metrics.
func RegisterAuditMetrics(reg prometheus.Registerer, a AuditStats) {
	promauto.With(reg).NewCounterFunc(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "audit_drops_total",
			Help:      "Total audit records dropped due to backpressure",
		},
		func() float64 { return float64(a.DroppedRecords()) },
	)
	promauto.With(reg).NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "audit_queue_depth",
			Help:      "Audit records waiting to be written",
		},
		func() float64 { return float64(a.ChannelDepth()) },
	)
}

var _ service.EvaluationObserver = (*Metrics)(nil)
