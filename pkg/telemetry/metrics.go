package telemetry

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for workflow execution. Every Record
// method is a no-op on a disabled instance.
type Metrics struct {
	config MetricsConfig

	runsStarted   *prometheus.CounterVec
	runsCompleted *prometheus.CounterVec
	runDuration   *prometheus.HistogramVec
	activeRuns    prometheus.Gauge

	stepsExecuted *prometheus.CounterVec
	stepDuration  *prometheus.HistogramVec
	stepRetries   *prometheus.CounterVec
	compensations *prometheus.CounterVec

	transitions *prometheus.CounterVec
	resources   *prometheus.GaugeVec

	fanoutOperations *prometheus.CounterVec

	cloudCalls    *prometheus.CounterVec
	cloudDuration *prometheus.HistogramVec
	cloudErrors   *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	ns := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	counter := func(name, help string, labels ...string) *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: ns, Name: name, Help: help}, labels)
	}
	histogram := func(name, help string, labels ...string) *prometheus.HistogramVec {
		return prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: ns, Name: name, Help: help, Buckets: buckets,
		}, labels)
	}

	m := &Metrics{
		config:   cfg,
		registry: prometheus.NewRegistry(),

		runsStarted:   counter("runs_started_total", "Total number of workflow runs started", "workflow"),
		runsCompleted: counter("runs_completed_total", "Total number of workflow runs completed", "workflow", "status"),
		runDuration:   histogram("run_duration_seconds", "Duration of workflow runs in seconds", "workflow", "status"),
		activeRuns: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: ns, Name: "active_runs", Help: "Current number of executing runs",
		}),

		stepsExecuted: counter("steps_executed_total", "Total number of step invocations",
			"workflow", "step", "direction", "outcome"),
		stepDuration: histogram("step_duration_seconds", "Duration of step invocations including retries",
			"step", "direction"),
		stepRetries:   counter("step_retries_total", "Total number of step retries", "workflow", "step"),
		compensations: counter("compensations_total", "Total number of compensation passes", "workflow", "result"),

		transitions: counter("lifecycle_transitions_total", "Resource lifecycle transitions",
			"from", "to", "result"),
		resources: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: ns, Name: "resources", Help: "Current number of resources by type and state",
		}, []string{"type", "state"}),

		fanoutOperations: counter("fanout_operations_total", "Fan-out sub-operations by terminal status", "status"),

		cloudCalls:    counter("cloud_calls_total", "Total number of cloud API calls", "provider", "operation"),
		cloudDuration: histogram("cloud_call_duration_seconds", "Duration of cloud API calls", "provider", "operation"),
		cloudErrors:   counter("cloud_errors_total", "Total number of cloud API errors", "provider", "operation"),
	}

	m.registry.MustRegister(
		m.runsStarted, m.runsCompleted, m.runDuration, m.activeRuns,
		m.stepsExecuted, m.stepDuration, m.stepRetries, m.compensations,
		m.transitions, m.resources,
		m.fanoutOperations,
		m.cloudCalls, m.cloudDuration, m.cloudErrors,
	)

	return m, nil
}

// NewNopMetrics returns a disabled collector.
func NewNopMetrics() *Metrics {
	return &Metrics{}
}

// Registry exposes the underlying registry, nil when disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RecordRunStarted increments the counter for started runs.
func (m *Metrics) RecordRunStarted(workflow string) {
	if m.runsStarted == nil {
		return
	}
	m.runsStarted.WithLabelValues(workflow).Inc()
	m.activeRuns.Inc()
}

// RecordRunCompleted records a completed run with its status and duration.
func (m *Metrics) RecordRunCompleted(workflow, status string, duration time.Duration) {
	if m.runsCompleted == nil {
		return
	}
	m.runsCompleted.WithLabelValues(workflow, status).Inc()
	m.runDuration.WithLabelValues(workflow, status).Observe(duration.Seconds())
	m.activeRuns.Dec()
}

// RecordStep records one Execute or Compensate invocation.
func (m *Metrics) RecordStep(workflow, step, direction, outcome string, duration time.Duration) {
	if m.stepsExecuted == nil {
		return
	}
	m.stepsExecuted.WithLabelValues(workflow, step, direction, outcome).Inc()
	m.stepDuration.WithLabelValues(step, direction).Observe(duration.Seconds())
}

// RecordStepRetry records a retryable step failure.
func (m *Metrics) RecordStepRetry(workflow, step string) {
	if m.stepRetries == nil {
		return
	}
	m.stepRetries.WithLabelValues(workflow, step).Inc()
}

// RecordCompensation records the result of a compensation pass.
func (m *Metrics) RecordCompensation(workflow, result string) {
	if m.compensations == nil {
		return
	}
	m.compensations.WithLabelValues(workflow, result).Inc()
}

// RecordTransition records a lifecycle transition attempt.
func (m *Metrics) RecordTransition(from, to, result string) {
	if m.transitions == nil {
		return
	}
	m.transitions.WithLabelValues(from, to, result).Inc()
}

// SetResourceCount sets the number of resources of a type in a state.
func (m *Metrics) SetResourceCount(resourceType, state string, count float64) {
	if m.resources == nil {
		return
	}
	m.resources.WithLabelValues(resourceType, state).Set(count)
}

// RecordFanOutOperation records the terminal status of one sub-operation.
func (m *Metrics) RecordFanOutOperation(status string) {
	if m.fanoutOperations == nil {
		return
	}
	m.fanoutOperations.WithLabelValues(status).Inc()
}

// RecordCloudCall records a cloud API call with its duration.
func (m *Metrics) RecordCloudCall(provider, operation string, duration time.Duration) {
	if m.cloudCalls == nil {
		return
	}
	m.cloudCalls.WithLabelValues(provider, operation).Inc()
	m.cloudDuration.WithLabelValues(provider, operation).Observe(duration.Seconds())
}

// RecordCloudError records a failed cloud API call.
func (m *Metrics) RecordCloudError(provider, operation string) {
	if m.cloudErrors == nil {
		return
	}
	m.cloudErrors.WithLabelValues(provider, operation).Inc()
}

// Timer measures elapsed time.
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
	if m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// Serve exposes the metrics endpoint until ctx is cancelled.
func (m *Metrics) Serve(ctx context.Context, logger *Logger) error {
	if !m.config.Enabled {
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

	errCh := make(chan error, 1)
	go func() {
		logger.Infof("serving metrics on %s%s", m.config.ListenAddress, path)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
