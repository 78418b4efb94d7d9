// Package observability provides the Prometheus metrics this module
// exposes on /metrics: turn, tool, and HTTP request counters/histograms.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is the process-wide metrics registry for a loomctl agent.
type Metrics struct {
	// TurnCounter counts completed agent turns.
	// Labels: agent_id, outcome (complete|error|capped)
	TurnCounter *prometheus.CounterVec

	// TurnDuration measures wall-clock turn latency in seconds.
	// Labels: agent_id
	TurnDuration *prometheus.HistogramVec

	// ToolExecutionCounter counts tool invocations by outcome.
	// Labels: tool_name, status (success|error)
	ToolExecutionCounter *prometheus.CounterVec

	// ToolExecutionDuration measures tool execution time in seconds.
	// Labels: tool_name
	ToolExecutionDuration *prometheus.HistogramVec

	// LLMTokensUsed tracks token consumption by provider/model/kind.
	// Labels: provider, model, type (input|output)
	LLMTokensUsed *prometheus.CounterVec

	// ContextWindowTokens tracks assembled context window size.
	// Labels: strategy
	ContextWindowTokens *prometheus.HistogramVec

	// HTTPRequestDuration measures HTTP API request latency.
	// Labels: method, path, status_code
	HTTPRequestDuration *prometheus.HistogramVec
}

// NewMetrics registers and returns a fresh Metrics against the default
// Prometheus registry.
func NewMetrics() *Metrics {
	return &Metrics{
		TurnCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{Name: "loomctx_turns_total", Help: "Agent turns by outcome."},
			[]string{"agent_id", "outcome"},
		),
		TurnDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "loomctx_turn_duration_seconds",
				Help:    "Agent turn latency in seconds.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
			},
			[]string{"agent_id"},
		),
		ToolExecutionCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{Name: "loomctx_tool_executions_total", Help: "Tool invocations by outcome."},
			[]string{"tool_name", "status"},
		),
		ToolExecutionDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "loomctx_tool_execution_duration_seconds",
				Help:    "Tool execution latency in seconds.",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"tool_name"},
		),
		LLMTokensUsed: promauto.NewCounterVec(
			prometheus.CounterOpts{Name: "loomctx_llm_tokens_total", Help: "Token consumption by provider, model, and kind."},
			[]string{"provider", "model", "type"},
		),
		ContextWindowTokens: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "loomctx_context_window_tokens",
				Help:    "Assembled context window size in tokens.",
				Buckets: []float64{1000, 2000, 4000, 8000, 16000, 32000, 64000, 128000},
			},
			[]string{"strategy"},
		),
		HTTPRequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "loomctx_http_request_duration_seconds",
				Help:    "HTTP API request latency in seconds.",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"method", "path", "status_code"},
		),
	}
}
