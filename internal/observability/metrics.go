package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics collects execution metrics.
//
// Usage:
//
//	metrics := observability.NewMetrics(prometheus.NewRegistry())
//	metrics.ExecutionStarted("worker")
//	defer metrics.ExecutionFinished("worker")
type Metrics struct {
	// ExecutionsTotal counts finished executions.
	// Labels: backend (native|direct|realm|worker), outcome (success|SECURITY|PERMISSION|TIMEOUT|MEMORY|RUNTIME)
	ExecutionsTotal *prometheus.CounterVec

	// ExecutionDuration measures execution wall time in seconds.
	// Labels: backend
	ExecutionDuration *prometheus.HistogramVec

	// ActiveExecutions tracks executions currently registered.
	// Labels: backend
	ActiveExecutions *prometheus.GaugeVec

	// SecurityRejections counts sources refused by the static scan.
	// Labels: backend
	SecurityRejections *prometheus.CounterVec

	// Fallbacks counts trusted direct calls retried in a sandbox.
	// Labels: target (realm|worker)
	Fallbacks *prometheus.CounterVec

	// WorkerSpawns counts worker processes started.
	WorkerSpawns prometheus.Counter

	// StatementRejections counts storage statements refused by the filter.
	StatementRejections prometheus.Counter

	// MemoryLimitBytes reports the configured per-execution memory limit.
	// It is enforced for workers and advisory for realms.
	MemoryLimitBytes prometheus.Gauge

	gatherer prometheus.Gatherer
}

// NewMetrics creates and registers all metrics with reg. A nil reg uses the
// default registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	gatherer := prometheus.DefaultGatherer
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	} else if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}
	factory := promauto.With(reg)

	return &Metrics{
		ExecutionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "warden_executions_total",
				Help: "Total number of agent executions by backend and outcome",
			},
			[]string{"backend", "outcome"},
		),

		ExecutionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "warden_execution_duration_seconds",
				Help:    "Duration of agent executions in seconds",
				Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
			},
			[]string{"backend"},
		),

		ActiveExecutions: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "warden_active_executions",
				Help: "Current number of registered executions by backend",
			},
			[]string{"backend"},
		),

		SecurityRejections: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "warden_security_rejections_total",
				Help: "Total number of agent sources rejected by the static scan",
			},
			[]string{"backend"},
		),

		Fallbacks: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "warden_fallbacks_total",
				Help: "Total number of trusted direct executions retried in a sandbox",
			},
			[]string{"target"},
		),

		WorkerSpawns: factory.NewCounter(prometheus.CounterOpts{
			Name: "warden_worker_spawns_total",
			Help: "Total number of worker processes started",
		}),

		StatementRejections: factory.NewCounter(prometheus.CounterOpts{
			Name: "warden_statement_rejections_total",
			Help: "Total number of storage statements rejected for sandboxed agents",
		}),

		MemoryLimitBytes: factory.NewGauge(prometheus.GaugeOpts{
			Name: "warden_memory_limit_bytes",
			Help: "Configured per-execution memory limit in bytes",
		}),

		gatherer: gatherer,
	}
}

// RecordExecution records a finished execution. An empty kind means success.
func (m *Metrics) RecordExecution(backend, kind string, d time.Duration) {
	if m == nil {
		return
	}
	outcome := kind
	if outcome == "" {
		outcome = "success"
	}
	m.ExecutionsTotal.WithLabelValues(backend, outcome).Inc()
	m.ExecutionDuration.WithLabelValues(backend).Observe(d.Seconds())
}

// ExecutionStarted increments the active gauge for backend.
func (m *Metrics) ExecutionStarted(backend string) {
	if m == nil {
		return
	}
	m.ActiveExecutions.WithLabelValues(backend).Inc()
}

// ExecutionFinished decrements the active gauge for backend.
func (m *Metrics) ExecutionFinished(backend string) {
	if m == nil {
		return
	}
	m.ActiveExecutions.WithLabelValues(backend).Dec()
}

// RecordSecurityRejection counts a source refused before execution.
func (m *Metrics) RecordSecurityRejection(backend string) {
	if m == nil {
		return
	}
	m.SecurityRejections.WithLabelValues(backend).Inc()
}

// RecordFallback counts a trusted direct failure retried on target.
func (m *Metrics) RecordFallback(target string) {
	if m == nil {
		return
	}
	m.Fallbacks.WithLabelValues(target).Inc()
}

// WorkerSpawned counts a started worker process.
func (m *Metrics) WorkerSpawned() {
	if m == nil {
		return
	}
	m.WorkerSpawns.Inc()
}

// StatementRejected counts a refused storage statement.
func (m *Metrics) StatementRejected() {
	if m == nil {
		return
	}
	m.StatementRejections.Inc()
}

// SetMemoryLimit publishes the configured memory limit.
func (m *Metrics) SetMemoryLimit(bytes int64) {
	if m == nil {
		return
	}
	m.MemoryLimitBytes.Set(float64(bytes))
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
