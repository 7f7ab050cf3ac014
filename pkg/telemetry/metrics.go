package telemetry

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for the OpenVHM transaction engine.
type Metrics struct {
	config MetricsConfig

	// Transaction metrics
	txStarted   *prometheus.CounterVec
	txCompleted *prometheus.CounterVec
	txDuration  *prometheus.HistogramVec

	// Attempt metrics
	attempts        *prometheus.CounterVec
	attemptDuration *prometheus.HistogramVec

	// Conflict metrics
	conflicts prometheus.Counter
	retries   prometheus.Counter

	// Error metrics
	errorsByClass *prometheus.CounterVec

	// Worker pool metrics
	workersActive prometheus.Gauge
	workersIdle   prometheus.Gauge
	queueDepth    prometheus.Gauge
	queueRejected prometheus.Counter

	// Integrity validation metrics
	validations *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		// Return a no-op metrics instance
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	// Create a new registry
	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		// Transaction metrics
		txStarted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "transactions_started_total",
				Help:      "Total number of transactions submitted",
			},
			[]string{"mode"},
		),
		txCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "transactions_completed_total",
				Help:      "Total number of transactions completed",
			},
			[]string{"mode", "status"},
		),
		txDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "transaction_duration_seconds",
				Help:      "Duration of transactions including retries in seconds",
				Buckets:   buckets,
			},
			[]string{"mode", "status"},
		),

		// Attempt metrics
		attempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "attempts_total",
				Help:      "Total number of transaction attempts by outcome",
			},
			[]string{"outcome"},
		),
		attemptDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "attempt_duration_seconds",
				Help:      "Duration of individual transaction attempts in seconds",
				Buckets:   buckets,
			},
			[]string{"mode"},
		),

		// Conflict metrics
		conflicts: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "conflicts_total",
				Help:      "Total number of optimistic concurrency conflicts",
			},
		),
		retries: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "retries_total",
				Help:      "Total number of transaction retries after a conflict",
			},
		),

		// Error metrics
		errorsByClass: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_class_total",
				Help:      "Total number of transaction errors by error class",
			},
			[]string{"class"},
		),

		// Worker pool metrics
		workersActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "workers_active",
				Help:      "Current number of workers executing a transaction",
			},
		),
		workersIdle: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "workers_idle",
				Help:      "Current number of idle workers holding a store connection",
			},
		),
		queueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "queue_depth",
				Help:      "Current number of queued transactions",
			},
		),
		queueRejected: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "queue_rejected_total",
				Help:      "Total number of transactions rejected because the queue was full",
			},
		),

		// Integrity validation metrics
		validations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "validations_total",
				Help:      "Total number of integrity validation checks by status",
			},
			[]string{"status"},
		),
	}

	// Register all metrics
	registry.MustRegister(
		m.txStarted,
		m.txCompleted,
		m.txDuration,
		m.attempts,
		m.attemptDuration,
		m.conflicts,
		m.retries,
		m.errorsByClass,
		m.workersActive,
		m.workersIdle,
		m.queueDepth,
		m.queueRejected,
		m.validations,
	)

	return m, nil
}

// Transaction Metrics

// RecordTxStarted increments the counter for submitted transactions.
func (m *Metrics) RecordTxStarted(mode string) {
	if m.txStarted == nil {
		return
	}
	m.txStarted.WithLabelValues(mode).Inc()
}

// RecordTxCompleted records a completed transaction with its status and
// total duration across all attempts.
func (m *Metrics) RecordTxCompleted(mode, status string, duration time.Duration) {
	if m.txCompleted == nil {
		return
	}
	m.txCompleted.WithLabelValues(mode, status).Inc()
	m.txDuration.WithLabelValues(mode, status).Observe(duration.Seconds())
}

// Attempt Metrics

// RecordAttempt records a single transaction attempt.
func (m *Metrics) RecordAttempt(mode, outcome string, duration time.Duration) {
	if m.attempts == nil {
		return
	}
	m.attempts.WithLabelValues(outcome).Inc()
	m.attemptDuration.WithLabelValues(mode).Observe(duration.Seconds())
}

// RecordConflict records an optimistic concurrency conflict.
func (m *Metrics) RecordConflict() {
	if m.conflicts == nil {
		return
	}
	m.conflicts.Inc()
}

// RecordRetry records a retry scheduled after a conflict.
func (m *Metrics) RecordRetry() {
	if m.retries == nil {
		return
	}
	m.retries.Inc()
}

// Error Metrics

// RecordError records an error by class.
func (m *Metrics) RecordError(errorClass string) {
	if m.errorsByClass == nil {
		return
	}
	m.errorsByClass.WithLabelValues(errorClass).Inc()
}

// Worker Pool Metrics

// SetWorkers sets the current worker counts.
func (m *Metrics) SetWorkers(active, idle float64) {
	if m.workersActive == nil {
		return
	}
	m.workersActive.Set(active)
	m.workersIdle.Set(idle)
}

// SetQueueDepth sets the current number of queued transactions.
func (m *Metrics) SetQueueDepth(count float64) {
	if m.queueDepth == nil {
		return
	}
	m.queueDepth.Set(count)
}

// RecordQueueRejection records a transaction rejected at submission.
func (m *Metrics) RecordQueueRejection() {
	if m.queueRejected == nil {
		return
	}
	m.queueRejected.Inc()
}

// Validation Metrics

// RecordValidation records an integrity validation check result.
func (m *Metrics) RecordValidation(status string) {
	if m.validations == nil {
		return
	}
	m.validations.WithLabelValues(status).Inc()
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

// ObserveDuration is a helper to time an operation and record it.
func (t *Timer) ObserveDuration(observer prometheus.Observer) {
	observer.Observe(t.Duration().Seconds())
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

// StartMetricsServer starts an HTTP server to expose metrics.
func (m *Metrics) StartMetricsServer() error {
	if !m.config.Enabled {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(m.config.Path, m.Handler())

	server := &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			// Log error but don't fail the application
			fmt.Printf("metrics server error: %v\n", err)
		}
	}()

	return nil
}
