// Package observability exposes Prometheus metrics for LLM calls and chain
// runs.
package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the engine's Prometheus collectors.
type Metrics struct {
	registry *prometheus.Registry

	LLMCalls      *prometheus.CounterVec
	LLMFailures   *prometheus.CounterVec
	LLMFallbacks  *prometheus.CounterVec
	LLMTokens     *prometheus.CounterVec
	LLMCostUSD    *prometheus.CounterVec
	LLMDuration   *prometheus.HistogramVec
	ChainRuns     *prometheus.CounterVec
	ChainDuration prometheus.Histogram
}

// NewMetrics creates and registers all collectors on a private registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,
		LLMCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "maestro_llm_calls_total",
			Help: "Completed LLM calls by agent and model.",
		}, []string{"agent", "model"}),
		LLMFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "maestro_llm_failures_total",
			Help: "LLM calls that exhausted every candidate model.",
		}, []string{"agent"}),
		LLMFallbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "maestro_llm_fallbacks_total",
			Help: "LLM calls served by a non-primary model, by failure reason.",
		}, []string{"agent", "reason"}),
		LLMTokens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "maestro_llm_tokens_total",
			Help: "Tokens consumed by direction.",
		}, []string{"agent", "direction"}),
		LLMCostUSD: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "maestro_llm_cost_usd_total",
			Help: "Estimated spend in USD.",
		}, []string{"agent", "model"}),
		LLMDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "maestro_llm_call_duration_seconds",
			Help:    "LLM call latency.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}, []string{"agent"}),
		ChainRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "maestro_chain_runs_total",
			Help: "Chain runs by outcome.",
		}, []string{"outcome"}),
		ChainDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "maestro_chain_duration_seconds",
			Help:    "End to end chain latency.",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 12),
		}),
	}

	reg.MustRegister(m.LLMCalls, m.LLMFailures, m.LLMFallbacks, m.LLMTokens,
		m.LLMCostUSD, m.LLMDuration, m.ChainRuns, m.ChainDuration)
	return m
}

// RecordCall updates the per-call collectors.
func (m *Metrics) RecordCall(agent, model string, promptTokens, completionTokens int, costUSD, durationSeconds float64, fallbackReason string) {
	m.LLMCalls.WithLabelValues(agent, model).Inc()
	m.LLMTokens.WithLabelValues(agent, "prompt").Add(float64(promptTokens))
	m.LLMTokens.WithLabelValues(agent, "completion").Add(float64(completionTokens))
	m.LLMCostUSD.WithLabelValues(agent, model).Add(costUSD)
	m.LLMDuration.WithLabelValues(agent).Observe(durationSeconds)
	if fallbackReason != "" {
		m.LLMFallbacks.WithLabelValues(agent, fallbackReason).Inc()
	}
}

// Handler serves the Prometheus exposition endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
