package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides a centralized interface for collecting application metrics.
//
// The metrics system is built on Prometheus and tracks:
//   - LLM request performance, token usage, and estimated cost
//   - Tool execution counts and latencies, keyed by tool name
//   - Run attempts (retry tracking for the agent loop)
//   - Error rates categorized by component
//   - Session store activity (active sessions, query latency)
//
// Usage:
//
//	metrics := observability.NewMetrics()
//	defer metrics.RecordToolExecution("web_search", "success", time.Since(start).Seconds())
type Metrics struct {
	// LLMRequestDuration measures LLM API call latency in seconds.
	// Labels: provider (anthropic|openai|bedrock), model
	// Buckets: 0.1s, 0.5s, 1s, 2s, 5s, 10s, 30s, 60s
	LLMRequestDuration *prometheus.HistogramVec

	// LLMRequestCounter counts LLM requests by provider and model.
	// Labels: provider, model, status (success|error)
	LLMRequestCounter *prometheus.CounterVec

	// LLMTokensUsed tracks token consumption.
	// Labels: provider, model, type (prompt|completion)
	LLMTokensUsed *prometheus.CounterVec

	// LLMCostUSD tracks estimated cost in USD.
	// Labels: provider, model
	LLMCostUSD *prometheus.CounterVec

	// ContextWindowUsed tracks context window utilization.
	// Labels: provider, model
	// Buckets: 1000, 4000, 8000, 16000, 32000, 64000, 128000
	ContextWindowUsed *prometheus.HistogramVec

	// ToolExecutionCounter counts tool invocations.
	// Labels: tool_name, status (success|error)
	ToolExecutionCounter *prometheus.CounterVec

	// ToolExecutionDuration measures tool execution time in seconds.
	// Labels: tool_name
	// Buckets: 0.01s, 0.05s, 0.1s, 0.5s, 1s, 5s, 10s, 30s, 60s
	ToolExecutionDuration *prometheus.HistogramVec

	// ToolConcurrencyWait measures time spent waiting for a per-tool
	// concurrency slot, including waits that time out.
	// Labels: tool_name, outcome (acquired|timeout)
	ToolConcurrencyWait *prometheus.HistogramVec

	// ToolRecoveryCounter counts recovery-manager interventions.
	// Labels: tool_name, strategy (retry|fallback|skip|error)
	ToolRecoveryCounter *prometheus.CounterVec

	// ErrorCounter tracks errors by component and error type.
	// Labels: component (agent|tool|session|provider), error_type
	ErrorCounter *prometheus.CounterVec

	// RunAttempts counts agent-loop run attempts by status.
	// Labels: status (success|retry|failed)
	RunAttempts *prometheus.CounterVec

	// ActiveSessions is a gauge tracking current active sessions.
	// Labels: agent_id
	ActiveSessions *prometheus.GaugeVec

	// DatabaseQueryDuration measures session-store query latency.
	// Labels: operation (select|insert|update|delete), table
	// Buckets: 0.001s, 0.005s, 0.01s, 0.05s, 0.1s, 0.5s, 1s, 5s
	DatabaseQueryDuration *prometheus.HistogramVec

	// DatabaseQueryCounter counts session-store queries.
	// Labels: operation, table, status (success|error)
	DatabaseQueryCounter *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics.
// This should be called once at application startup. All metrics are
// registered with Prometheus's default registry and are available at the
// /metrics endpoint when using the prometheus HTTP handler.
func NewMetrics() *Metrics {
	return &Metrics{
		LLMRequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "agentcore_llm_request_duration_seconds",
				Help:    "Duration of LLM API requests in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"provider", "model"},
		),

		LLMRequestCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentcore_llm_requests_total",
				Help: "Total number of LLM requests by provider, model, and status",
			},
			[]string{"provider", "model", "status"},
		),

		LLMTokensUsed: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentcore_llm_tokens_total",
				Help: "Total number of tokens used by provider, model, and type",
			},
			[]string{"provider", "model", "type"},
		),

		LLMCostUSD: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentcore_llm_cost_usd_total",
				Help: "Estimated LLM API cost in USD",
			},
			[]string{"provider", "model"},
		),

		ContextWindowUsed: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "agentcore_context_window_tokens",
				Help:    "Context window tokens used per request",
				Buckets: []float64{1000, 4000, 8000, 16000, 32000, 64000, 128000},
			},
			[]string{"provider", "model"},
		),

		ToolExecutionCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentcore_tool_executions_total",
				Help: "Total number of tool executions by tool name and status",
			},
			[]string{"tool_name", "status"},
		),

		ToolExecutionDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "agentcore_tool_execution_duration_seconds",
				Help:    "Duration of tool executions in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"tool_name"},
		),

		ToolConcurrencyWait: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "agentcore_tool_concurrency_wait_seconds",
				Help:    "Time a tool call waited for a concurrency slot",
				Buckets: []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"tool_name", "outcome"},
		),

		ToolRecoveryCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentcore_tool_recovery_total",
				Help: "Total number of recovery-manager interventions by tool name and strategy",
			},
			[]string{"tool_name", "strategy"},
		),

		ErrorCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentcore_errors_total",
				Help: "Total number of errors by component and error type",
			},
			[]string{"component", "error_type"},
		),

		RunAttempts: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentcore_run_attempts_total",
				Help: "Total number of agent-loop run attempts by status",
			},
			[]string{"status"},
		),

		ActiveSessions: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "agentcore_active_sessions",
				Help: "Current number of active sessions by agent",
			},
			[]string{"agent_id"},
		),

		DatabaseQueryDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "agentcore_database_query_duration_seconds",
				Help:    "Duration of session-store database queries in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"operation", "table"},
		),

		DatabaseQueryCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentcore_database_queries_total",
				Help: "Total number of session-store database queries",
			},
			[]string{"operation", "table", "status"},
		),
	}
}

// RecordLLMRequest records metrics for an LLM API request.
func (m *Metrics) RecordLLMRequest(provider, model, status string, durationSeconds float64, promptTokens, completionTokens int) {
	if m == nil {
		return
	}
	m.LLMRequestCounter.WithLabelValues(provider, model, status).Inc()
	m.LLMRequestDuration.WithLabelValues(provider, model).Observe(durationSeconds)
	if promptTokens > 0 {
		m.LLMTokensUsed.WithLabelValues(provider, model, "prompt").Add(float64(promptTokens))
	}
	if completionTokens > 0 {
		m.LLMTokensUsed.WithLabelValues(provider, model, "completion").Add(float64(completionTokens))
	}
	if promptTokens+completionTokens > 0 {
		m.ContextWindowUsed.WithLabelValues(provider, model).Observe(float64(promptTokens + completionTokens))
	}
}

// RecordToolExecution records metrics for a tool execution.
func (m *Metrics) RecordToolExecution(toolName, status string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.ToolExecutionCounter.WithLabelValues(toolName, status).Inc()
	m.ToolExecutionDuration.WithLabelValues(toolName).Observe(durationSeconds)
}

// RecordToolConcurrencyWait records how long a tool call waited for a
// concurrency slot, and whether it was eventually acquired or timed out.
func (m *Metrics) RecordToolConcurrencyWait(toolName, outcome string, waitSeconds float64) {
	if m == nil {
		return
	}
	m.ToolConcurrencyWait.WithLabelValues(toolName, outcome).Observe(waitSeconds)
}

// RecordToolRecovery records a recovery-manager intervention for a tool.
func (m *Metrics) RecordToolRecovery(toolName, strategy string) {
	if m == nil {
		return
	}
	m.ToolRecoveryCounter.WithLabelValues(toolName, strategy).Inc()
}

// RecordError increments the error counter for a given component and error type.
func (m *Metrics) RecordError(component, errorType string) {
	if m == nil {
		return
	}
	m.ErrorCounter.WithLabelValues(component, errorType).Inc()
}

// RecordRunAttempt records an agent-loop run attempt.
func (m *Metrics) RecordRunAttempt(status string) {
	if m == nil {
		return
	}
	m.RunAttempts.WithLabelValues(status).Inc()
}

// SessionStarted increments the active sessions gauge.
func (m *Metrics) SessionStarted(agentID string) {
	if m == nil {
		return
	}
	m.ActiveSessions.WithLabelValues(agentID).Inc()
}

// SessionEnded decrements the active sessions gauge.
func (m *Metrics) SessionEnded(agentID string) {
	if m == nil {
		return
	}
	m.ActiveSessions.WithLabelValues(agentID).Dec()
}

// RecordDatabaseQuery records metrics for a session-store database query.
func (m *Metrics) RecordDatabaseQuery(operation, table, status string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.DatabaseQueryCounter.WithLabelValues(operation, table, status).Inc()
	m.DatabaseQueryDuration.WithLabelValues(operation, table).Observe(durationSeconds)
}
