// Package monitoring exposes Prometheus metrics for the engine.
package monitoring

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the engine.
type Metrics struct {
	// Execution metrics
	ExecutionsTotal   *prometheus.CounterVec
	ExecutionDuration prometheus.Histogram
	TimeoutsTotal     prometheus.Counter
	MemoryAbortsTotal prometheus.Counter
	ViolationsTotal   *prometheus.CounterVec

	// Cache metrics
	CacheHits      prometheus.Counter
	CacheMisses    prometheus.Counter
	CacheEvictions prometheus.Counter
	CacheEntries   prometheus.Gauge

	// Pool metrics
	WorkersBusy     prometheus.Gauge
	WorkersTotal    prometheus.Gauge
	WorkersReplaced prometheus.Counter
	QueueDepth      prometheus.Gauge

	// Hook metrics
	HookEventsTotal *prometheus.CounterVec
	HookOverflow    prometheus.Counter
	HookFailures    prometheus.Counter
}

// New creates a metrics collector registered on the given registerer. Tests
// pass a private prometheus.NewRegistry to avoid duplicate registration.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		ExecutionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scriptbox_executions_total",
				Help: "Total guest executions by result status",
			},
			[]string{"status"},
		),
		ExecutionDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "scriptbox_execution_duration_seconds",
				Help:    "Guest execution duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
		),
		TimeoutsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "scriptbox_timeouts_total",
				Help: "Executions aborted by the CPU deadline supervisor",
			},
		),
		MemoryAbortsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "scriptbox_memory_aborts_total",
				Help: "Executions aborted by the memory ceiling supervisor",
			},
		),
		ViolationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scriptbox_security_violations_total",
				Help: "Blocked capability requests by class",
			},
			[]string{"class"},
		),
		CacheHits: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "scriptbox_cache_hits_total",
				Help: "Compiled-script cache hits",
			},
		),
		CacheMisses: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "scriptbox_cache_misses_total",
				Help: "Compiled-script cache misses",
			},
		),
		CacheEvictions: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "scriptbox_cache_evictions_total",
				Help: "Compiled-script cache evictions",
			},
		),
		CacheEntries: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "scriptbox_cache_entries",
				Help: "Current compiled-script cache size",
			},
		),
		WorkersBusy: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "scriptbox_pool_workers_busy",
				Help: "Pool workers currently executing",
			},
		),
		WorkersTotal: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "scriptbox_pool_workers_total",
				Help: "Pool workers currently alive",
			},
		),
		WorkersReplaced: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "scriptbox_pool_workers_replaced_total",
				Help: "Workers destroyed and replaced after a supervisor trip",
			},
		),
		QueueDepth: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "scriptbox_pool_queue_depth",
				Help: "Jobs waiting for a pool worker",
			},
		),
		HookEventsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scriptbox_hook_events_total",
				Help: "Hook events dispatched by phase",
			},
			[]string{"phase"},
		),
		HookOverflow: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "scriptbox_hook_overflow_total",
				Help: "Hook events dropped because the dispatch buffer was full",
			},
		),
		HookFailures: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "scriptbox_hook_failures_total",
				Help: "Hook handlers that panicked during dispatch",
			},
		),
	}
}

// ObserveExecution records one finished execution.
func (m *Metrics) ObserveExecution(status string, d time.Duration) {
	m.ExecutionsTotal.WithLabelValues(status).Inc()
	m.ExecutionDuration.Observe(d.Seconds())
}
