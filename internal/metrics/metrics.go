// Package metrics exposes the Prometheus metrics named in SPEC_FULL.md
// §4.7: executions by terminal status, execution queue depth, risk
// verdicts by action, LLM gateway cache hit/miss, and LLM gateway
// retries.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is the set of counters/gauges cybercmd reports at GET /metrics.
type Metrics struct {
	// ExecutionsTotal counts Executions by terminal status
	// (completed|failed|cancelled|timedout).
	ExecutionsTotal *prometheus.CounterVec

	// ExecutionQueueDepth is the current number of queued (not yet
	// dispatched) Executions.
	ExecutionQueueDepth prometheus.Gauge

	// RiskVerdictsTotal counts risk verdicts by the resulting action
	// (allow|warn|require-confirm|block).
	RiskVerdictsTotal *prometheus.CounterVec

	// LLMCacheTotal counts LLM Gateway cache lookups by outcome (hit|miss).
	LLMCacheTotal *prometheus.CounterVec

	// LLMRetriesTotal counts LLM Gateway call retries.
	LLMRetriesTotal prometheus.Counter
}

// New creates and registers cybercmd's metrics with the default registry.
// Call once at process startup.
func New() *Metrics {
	return &Metrics{
		ExecutionsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cybercmd_executions_total",
				Help: "Total number of Executions by terminal status",
			},
			[]string{"status"},
		),
		ExecutionQueueDepth: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "cybercmd_execution_queue_depth",
				Help: "Current number of Executions waiting to be dispatched",
			},
		),
		RiskVerdictsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cybercmd_risk_verdicts_total",
				Help: "Total number of risk verdicts by resulting action",
			},
			[]string{"action"},
		),
		LLMCacheTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cybercmd_llm_cache_total",
				Help: "Total number of LLM Gateway cache lookups by outcome",
			},
			[]string{"outcome"},
		),
		LLMRetriesTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "cybercmd_llm_retries_total",
				Help: "Total number of LLM Gateway call retries",
			},
		),
	}
}

// RecordExecution records an Execution reaching a terminal status.
func (m *Metrics) RecordExecution(status string) {
	m.ExecutionsTotal.WithLabelValues(status).Inc()
}

// SetQueueDepth sets the current execution queue depth.
func (m *Metrics) SetQueueDepth(depth int) {
	m.ExecutionQueueDepth.Set(float64(depth))
}

// RecordRiskVerdict records a risk verdict's resulting action.
func (m *Metrics) RecordRiskVerdict(action string) {
	m.RiskVerdictsTotal.WithLabelValues(action).Inc()
}

// RecordCacheHit records an LLM Gateway cache hit.
func (m *Metrics) RecordCacheHit() {
	m.LLMCacheTotal.WithLabelValues("hit").Inc()
}

// RecordCacheMiss records an LLM Gateway cache miss.
func (m *Metrics) RecordCacheMiss() {
	m.LLMCacheTotal.WithLabelValues("miss").Inc()
}

// RecordRetry records one LLM Gateway call retry.
func (m *Metrics) RecordRetry() {
	m.LLMRetriesTotal.Inc()
}
