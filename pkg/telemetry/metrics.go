package telemetry

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// Metrics provides Prometheus metrics for stackctl. A disabled instance is
// safe to use; every recorder becomes a no-op.
type Metrics struct {
	config MetricsConfig

	// Deployment metrics
	deploymentsStarted   prometheus.Counter
	deploymentsCompleted *prometheus.CounterVec
	deploymentDuration   *prometheus.HistogramVec
	activeDeployments    prometheus.Gauge

	// Pipeline step metrics
	stepsExecuted *prometheus.CounterVec
	stepDuration  *prometheus.HistogramVec

	// Cloud API metrics
	cloudCalls        *prometheus.CounterVec
	cloudCallDuration *prometheus.HistogramVec
	cloudErrors       *prometheus.CounterVec

	// Error metrics
	errorsByClass *prometheus.CounterVec
	errorsByCode  *prometheus.CounterVec

	// Reconciliation metrics
	reconcileCycles  *prometheus.CounterVec
	driftCorrections *prometheus.CounterVec
	computeNodes     *prometheus.GaugeVec
	reachable        *prometheus.GaugeVec

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		deploymentsStarted: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "deployments_started_total",
				Help:      "Total number of full deployments started",
			},
		),
		deploymentsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "deployments_completed_total",
				Help:      "Total number of full deployments by outcome",
			},
			[]string{"outcome"},
		),
		deploymentDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "deployment_duration_seconds",
				Help:      "Duration of full deployments in seconds",
				Buckets:   buckets,
			},
			[]string{"outcome"},
		),
		activeDeployments: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_deployments",
				Help:      "Number of deployments currently running",
			},
		),

		stepsExecuted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "steps_executed_total",
				Help:      "Total number of pipeline steps executed",
			},
			[]string{"step", "status"},
		),
		stepDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "step_duration_seconds",
				Help:      "Duration of pipeline steps in seconds",
				Buckets:   buckets,
			},
			[]string{"step"},
		),

		cloudCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cloud_calls_total",
				Help:      "Total number of cloud API calls",
			},
			[]string{"operation"},
		),
		cloudCallDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "cloud_call_duration_seconds",
				Help:      "Duration of cloud API calls in seconds",
				Buckets:   buckets,
			},
			[]string{"operation"},
		),
		cloudErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cloud_errors_total",
				Help:      "Total number of failed cloud API calls",
			},
			[]string{"operation"},
		),

		errorsByClass: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_class_total",
				Help:      "Total number of errors by error class",
			},
			[]string{"class"},
		),
		errorsByCode: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_code_total",
				Help:      "Total number of errors by error code",
			},
			[]string{"code"},
		),

		reconcileCycles: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "reconcile_cycles_total",
				Help:      "Total number of reconciliation cycles",
			},
			[]string{"status"},
		),
		driftCorrections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "drift_corrections_total",
				Help:      "Total number of inventory corrections by drift kind",
			},
			[]string{"kind"},
		),
		computeNodes: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "compute_nodes",
				Help:      "Live compute nodes by lifecycle state",
			},
			[]string{"state"},
		),
		reachable: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "target_reachable",
				Help:      "Reachability of stack members (1=reachable, 0=unreachable)",
			},
			[]string{"target"},
		),
	}

	registry.MustRegister(
		m.deploymentsStarted,
		m.deploymentsCompleted,
		m.deploymentDuration,
		m.activeDeployments,
		m.stepsExecuted,
		m.stepDuration,
		m.cloudCalls,
		m.cloudCallDuration,
		m.cloudErrors,
		m.errorsByClass,
		m.errorsByCode,
		m.reconcileCycles,
		m.driftCorrections,
		m.computeNodes,
		m.reachable,
	)

	return m, nil
}

// Deployment Metrics

// RecordDeploymentStarted increments the started counter.
func (m *Metrics) RecordDeploymentStarted() {
	if m == nil || m.deploymentsStarted == nil {
		return
	}
	m.deploymentsStarted.Inc()
	m.activeDeployments.Inc()
}

// RecordDeploymentCompleted records a finished deployment with its outcome.
func (m *Metrics) RecordDeploymentCompleted(outcome string, duration time.Duration) {
	if m == nil || m.deploymentsCompleted == nil {
		return
	}
	m.deploymentsCompleted.WithLabelValues(outcome).Inc()
	m.deploymentDuration.WithLabelValues(outcome).Observe(duration.Seconds())
	m.activeDeployments.Dec()
}

// RecordStep records one pipeline step.
func (m *Metrics) RecordStep(step, status string, duration time.Duration) {
	if m == nil || m.stepsExecuted == nil {
		return
	}
	m.stepsExecuted.WithLabelValues(step, status).Inc()
	m.stepDuration.WithLabelValues(step).Observe(duration.Seconds())
}

// Cloud Metrics

// RecordCloudCall records a cloud API call with its duration.
func (m *Metrics) RecordCloudCall(operation string, duration time.Duration, err error) {
	if m == nil || m.cloudCalls == nil {
		return
	}
	m.cloudCalls.WithLabelValues(operation).Inc()
	m.cloudCallDuration.WithLabelValues(operation).Observe(duration.Seconds())
	if err != nil {
		m.cloudErrors.WithLabelValues(operation).Inc()
	}
}

// Error Metrics

// RecordError records an error by class and optionally by code.
func (m *Metrics) RecordError(errorClass, errorCode string) {
	if m == nil || m.errorsByClass == nil {
		return
	}
	m.errorsByClass.WithLabelValues(errorClass).Inc()
	if errorCode != "" {
		m.errorsByCode.WithLabelValues(errorCode).Inc()
	}
}

// Reconciliation Metrics

// RecordReconcileCycle counts a reconciliation cycle by status.
func (m *Metrics) RecordReconcileCycle(status string) {
	if m == nil || m.reconcileCycles == nil {
		return
	}
	m.reconcileCycles.WithLabelValues(status).Inc()
}

// RecordDriftCorrection counts an inventory correction.
func (m *Metrics) RecordDriftCorrection(kind string) {
	if m == nil || m.driftCorrections == nil {
		return
	}
	m.driftCorrections.WithLabelValues(kind).Inc()
}

// SetComputeNodes sets the live node count for a lifecycle state.
func (m *Metrics) SetComputeNodes(state string, count float64) {
	if m == nil || m.computeNodes == nil {
		return
	}
	m.computeNodes.WithLabelValues(state).Set(count)
}

// SetReachable records the reachability of a stack member.
func (m *Metrics) SetReachable(target string, ok bool) {
	if m == nil || m.reachable == nil {
		return
	}
	value := 0.0
	if ok {
		value = 1.0
	}
	m.reachable.WithLabelValues(target).Set(value)
}

// Registry exposes the underlying registry, nil when metrics are disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Timer provides a convenient way to time operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time since the timer was created.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// StartMetricsServer starts an HTTP server exposing the metrics. The server
// stops when ctx is cancelled.
func (m *Metrics) StartMetricsServer(ctx context.Context) error {
	if m == nil || !m.config.Enabled {
		return nil
	}

	path := m.config.Path
	if path == "" {
		path = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())

	server := &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Str("address", server.Addr).Msg("Metrics server stopped")
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	log.Info().Str("address", server.Addr).Str("path", path).Msg("Metrics server listening")
	return nil
}
