package metrics

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/inferloop/ehrprivacy/internal/privacy"
)

// PrometheusMetrics records engine outcomes, query releases, budget levels
// and HTTP traffic. It implements privacy.Observer.
type PrometheusMetrics struct {
	logger   *logrus.Logger
	registry *prometheus.Registry
	config   *PrometheusConfig

	anonymizationRunsTotal *prometheus.CounterVec
	recordsRetainedTotal   *prometheus.CounterVec
	recordsSuppressedTotal *prometheus.CounterVec
	queriesTotal           *prometheus.CounterVec
	epsilonSpentTotal      *prometheus.CounterVec
	budgetRemaining        *prometheus.GaugeVec
	storageOperationsTotal *prometheus.CounterVec
	httpRequestsTotal      *prometheus.CounterVec
	httpRequestDuration    *prometheus.HistogramVec
}

var _ privacy.Observer = (*PrometheusMetrics)(nil)

// PrometheusConfig configures Prometheus metrics
type PrometheusConfig struct {
	Enabled   bool   `json:"enabled"`
	Path      string `json:"path"`
	Namespace string `json:"namespace"`
	Subsystem string `json:"subsystem"`
}

// NewPrometheusMetrics creates collectors on a private registry.
func NewPrometheusMetrics(config *PrometheusConfig, logger *logrus.Logger) (*PrometheusMetrics, error) {
	if config == nil {
		config = getDefaultPrometheusConfig()
	}
	if logger == nil {
		logger = logrus.New()
	}

	pm := &PrometheusMetrics{
		logger:   logger,
		registry: prometheus.NewRegistry(),
		config:   config,
	}

	pm.initializeMetrics()

	if err := pm.registerMetrics(); err != nil {
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}

	return pm, nil
}

// ObserveAnonymization counts one k, l or t run.
func (pm *PrometheusMetrics) ObserveAnonymization(technique string, compliance privacy.Compliance, retained, suppressed int) {
	pm.anonymizationRunsTotal.WithLabelValues(technique, string(compliance)).Inc()
	pm.recordsRetainedTotal.WithLabelValues(technique).Add(float64(retained))
	pm.recordsSuppressedTotal.WithLabelValues(technique).Add(float64(suppressed))
}

// ObserveQuery counts a DP query; epsilon is only accumulated for releases.
func (pm *PrometheusMetrics) ObserveQuery(query string, epsilon float64, err error) {
	status := "released"
	if err != nil {
		status = "refused"
	}
	pm.queriesTotal.WithLabelValues(query, status).Inc()
	if err == nil && epsilon > 0 {
		pm.epsilonSpentTotal.WithLabelValues(query).Add(epsilon)
	}
}

func (pm *PrometheusMetrics) ObserveBudget(session string, remaining float64) {
	pm.budgetRemaining.WithLabelValues(session).Set(remaining)
}

func (pm *PrometheusMetrics) RecordStorageOperation(backend, operation, status string) {
	pm.storageOperationsTotal.WithLabelValues(backend, operation, status).Inc()
}

func (pm *PrometheusMetrics) RecordHTTPRequest(method, path, status string, duration time.Duration) {
	pm.httpRequestsTotal.WithLabelValues(method, path, status).Inc()
	pm.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// Handler serves the registry in the Prometheus exposition format.
func (pm *PrometheusMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(pm.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

func (pm *PrometheusMetrics) initializeMetrics() {
	namespace := pm.config.Namespace
	subsystem := pm.config.Subsystem

	pm.anonymizationRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "anonymization_runs_total",
			Help:      "Total number of anonymization runs by outcome",
		},
		[]string{"technique", "compliance"},
	)

	pm.recordsRetainedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "records_retained_total",
			Help:      "Total number of records released by anonymization runs",
		},
		[]string{"technique"},
	)

	pm.recordsSuppressedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "records_suppressed_total",
			Help:      "Total number of records suppressed by anonymization runs",
		},
		[]string{"technique"},
	)

	pm.queriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "dp_queries_total",
			Help:      "Total number of differentially private queries",
		},
		[]string{"query", "status"},
	)

	pm.epsilonSpentTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "epsilon_spent_total",
			Help:      "Total privacy budget spent on released queries",
		},
		[]string{"query"},
	)

	pm.budgetRemaining = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "budget_remaining_epsilon",
			Help:      "Remaining privacy budget per analyst session",
		},
		[]string{"session"},
	)

	pm.storageOperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "storage_operations_total",
			Help:      "Total number of budget store operations",
		},
		[]string{"backend", "operation", "status"},
	)

	pm.httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	pm.httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
}

func (pm *PrometheusMetrics) registerMetrics() error {
	metrics := []prometheus.Collector{
		pm.anonymizationRunsTotal,
		pm.recordsRetainedTotal,
		pm.recordsSuppressedTotal,
		pm.queriesTotal,
		pm.epsilonSpentTotal,
		pm.budgetRemaining,
		pm.storageOperationsTotal,
		pm.httpRequestsTotal,
		pm.httpRequestDuration,
	}

	for _, metric := range metrics {
		if err := pm.registry.Register(metric); err != nil {
			return fmt.Errorf("failed to register metric: %w", err)
		}
	}

	return nil
}

// GetRegistry returns the Prometheus registry
func (pm *PrometheusMetrics) GetRegistry() *prometheus.Registry {
	return pm.registry
}

func (pm *PrometheusMetrics) GetConfig() *PrometheusConfig {
	return pm.config
}

func getDefaultPrometheusConfig() *PrometheusConfig {
	return &PrometheusConfig{
		Enabled:   true,
		Path:      "/metrics",
		Namespace: "ehrprivacy",
	}
}
