// Package observability provides diagnostic event types and emission.
package observability

import (
	"sync"
	"sync/atomic"
	"time"
)

// DiagnosticSessionState represents the state of a session.
type DiagnosticSessionState string

const (
	SessionStateIdle       DiagnosticSessionState = "idle"
	SessionStateProcessing DiagnosticSessionState = "processing"
	SessionStateWaiting    DiagnosticSessionState = "waiting"
)

// DiagnosticEventType identifies the type of diagnostic event.
type DiagnosticEventType string

const (
	EventTypeModelUsage          DiagnosticEventType = "model.usage"
	EventTypeSessionState        DiagnosticEventType = "session.state"
	EventTypeSessionStuck        DiagnosticEventType = "session.stuck"
	EventTypeToolExecuted        DiagnosticEventType = "tool.executed"
	EventTypeToolConcurrencyWait DiagnosticEventType = "tool.concurrency_wait"
	EventTypeToolRecovery        DiagnosticEventType = "tool.recovery"
	EventTypeRunAttempt          DiagnosticEventType = "run.attempt"
	EventTypeDiagnosticHeartbeat DiagnosticEventType = "diagnostic.heartbeat"
)

// DiagnosticEvent is the base event structure.
type DiagnosticEvent struct {
	Type DiagnosticEventType `json:"type"`
	Seq  int64               `json:"seq"`
	Ts   int64               `json:"ts"`
}

// ModelUsageEvent tracks token usage for an LLM request.
type ModelUsageEvent struct {
	DiagnosticEvent
	SessionID  string          `json:"session_id,omitempty"`
	Provider   string          `json:"provider,omitempty"`
	Model      string          `json:"model,omitempty"`
	Usage      UsageDetails    `json:"usage"`
	Context    *ContextDetails `json:"context,omitempty"`
	CostUSD    float64         `json:"cost_usd,omitempty"`
	DurationMs int64           `json:"duration_ms,omitempty"`
}

// UsageDetails contains token usage breakdown.
type UsageDetails struct {
	Input      int64 `json:"input,omitempty"`
	Output     int64 `json:"output,omitempty"`
	CacheRead  int64 `json:"cache_read,omitempty"`
	CacheWrite int64 `json:"cache_write,omitempty"`
	Total      int64 `json:"total,omitempty"`
}

// ContextDetails contains context window information.
type ContextDetails struct {
	Limit int64 `json:"limit,omitempty"`
	Used  int64 `json:"used,omitempty"`
}

// SessionStateEvent tracks session state changes.
type SessionStateEvent struct {
	DiagnosticEvent
	SessionID string                 `json:"session_id,omitempty"`
	PrevState DiagnosticSessionState `json:"prev_state,omitempty"`
	State     DiagnosticSessionState `json:"state"`
	Reason    string                 `json:"reason,omitempty"`
}

// SessionStuckEvent tracks a session that has exceeded its expected
// processing time, usually because the agent loop is stuck retrying or
// hit the doom-loop fingerprint guard.
type SessionStuckEvent struct {
	DiagnosticEvent
	SessionID string                 `json:"session_id,omitempty"`
	State     DiagnosticSessionState `json:"state"`
	AgeMs     int64                  `json:"age_ms"`
}

// ToolExecutedEvent tracks a single tool execution outcome.
type ToolExecutedEvent struct {
	DiagnosticEvent
	SessionID  string `json:"session_id,omitempty"`
	ToolName   string `json:"tool_name"`
	ToolCallID string `json:"tool_call_id,omitempty"`
	Outcome    string `json:"outcome"` // "success", "error", "timeout"
	DurationMs int64  `json:"duration_ms,omitempty"`
	Retries    int    `json:"retries,omitempty"`
}

// ToolConcurrencyWaitEvent tracks a tool call waiting for a per-tool
// concurrency slot, including waits that exhaust the deadline.
type ToolConcurrencyWaitEvent struct {
	DiagnosticEvent
	ToolName string `json:"tool_name"`
	Outcome  string `json:"outcome"` // "acquired", "timeout"
	WaitMs   int64  `json:"wait_ms"`
}

// ToolRecoveryEvent tracks a recovery-manager intervention after a tool's
// retries were exhausted.
type ToolRecoveryEvent struct {
	DiagnosticEvent
	ToolName   string `json:"tool_name"`
	ToolCallID string `json:"tool_call_id,omitempty"`
	Strategy   string `json:"strategy"`
	Detail     string `json:"detail,omitempty"`
}

// RunAttemptEvent tracks agent-loop run attempts.
type RunAttemptEvent struct {
	DiagnosticEvent
	SessionID string `json:"session_id,omitempty"`
	RunID     string `json:"run_id"`
	Attempt   int    `json:"attempt"`
}

// DiagnosticHeartbeatEvent reports aggregate activity since the last
// heartbeat.
type DiagnosticHeartbeatEvent struct {
	DiagnosticEvent
	ActiveTools   int `json:"active_tools"`
	ActiveRuns    int `json:"active_runs"`
	RecoveryCount int `json:"recovery_count"`
}

// DiagnosticEventPayload is a union type for all diagnostic events.
type DiagnosticEventPayload interface {
	EventType() DiagnosticEventType
	Sequence() int64
	Timestamp() int64
}

func (e *DiagnosticEvent) EventType() DiagnosticEventType { return e.Type }
func (e *DiagnosticEvent) Sequence() int64                { return e.Seq }
func (e *DiagnosticEvent) Timestamp() int64               { return e.Ts }

// DiagnosticListener receives diagnostic events.
type DiagnosticListener func(event DiagnosticEventPayload)

// DiagnosticEmitter manages diagnostic event emission.
type DiagnosticEmitter struct {
	mu        sync.RWMutex
	seq       int64
	enabled   bool
	listeners []DiagnosticListener
}

var globalEmitter = &DiagnosticEmitter{}

// SetDiagnosticsEnabled enables or disables diagnostic events.
func SetDiagnosticsEnabled(enabled bool) {
	globalEmitter.mu.Lock()
	defer globalEmitter.mu.Unlock()
	globalEmitter.enabled = enabled
}

// IsDiagnosticsEnabled returns whether diagnostics are enabled.
func IsDiagnosticsEnabled() bool {
	globalEmitter.mu.RLock()
	defer globalEmitter.mu.RUnlock()
	return globalEmitter.enabled
}

// OnDiagnosticEvent registers a listener for diagnostic events and returns
// an unsubscribe function.
func OnDiagnosticEvent(listener DiagnosticListener) func() {
	globalEmitter.mu.Lock()
	id := len(globalEmitter.listeners)
	globalEmitter.listeners = append(globalEmitter.listeners, listener)
	globalEmitter.mu.Unlock()

	return func() {
		globalEmitter.mu.Lock()
		defer globalEmitter.mu.Unlock()
		if id < len(globalEmitter.listeners) {
			globalEmitter.listeners[id] = nil
		}
	}
}

func nextSeq() int64 {
	return atomic.AddInt64(&globalEmitter.seq, 1)
}

func emit(event DiagnosticEventPayload) {
	globalEmitter.mu.RLock()
	if !globalEmitter.enabled {
		globalEmitter.mu.RUnlock()
		return
	}
	listeners := make([]DiagnosticListener, len(globalEmitter.listeners))
	copy(listeners, globalEmitter.listeners)
	globalEmitter.mu.RUnlock()

	for _, listener := range listeners {
		if listener == nil {
			continue
		}
		func() {
			defer func() { recover() }() //nolint:errcheck
			listener(event)
		}()
	}
}

// EmitModelUsage emits a model usage event.
func EmitModelUsage(e *ModelUsageEvent) {
	e.Type = EventTypeModelUsage
	e.Seq = nextSeq()
	e.Ts = time.Now().UnixMilli()
	emit(e)
}

// EmitSessionState emits a session state event.
func EmitSessionState(e *SessionStateEvent) {
	e.Type = EventTypeSessionState
	e.Seq = nextSeq()
	e.Ts = time.Now().UnixMilli()
	emit(e)
}

// EmitSessionStuck emits a session stuck event.
func EmitSessionStuck(e *SessionStuckEvent) {
	e.Type = EventTypeSessionStuck
	e.Seq = nextSeq()
	e.Ts = time.Now().UnixMilli()
	emit(e)
}

// EmitToolExecuted emits a tool execution event.
func EmitToolExecuted(e *ToolExecutedEvent) {
	e.Type = EventTypeToolExecuted
	e.Seq = nextSeq()
	e.Ts = time.Now().UnixMilli()
	emit(e)
}

// EmitToolConcurrencyWait emits a tool concurrency wait event.
func EmitToolConcurrencyWait(e *ToolConcurrencyWaitEvent) {
	e.Type = EventTypeToolConcurrencyWait
	e.Seq = nextSeq()
	e.Ts = time.Now().UnixMilli()
	emit(e)
}

// EmitToolRecovery emits a tool recovery event.
func EmitToolRecovery(e *ToolRecoveryEvent) {
	e.Type = EventTypeToolRecovery
	e.Seq = nextSeq()
	e.Ts = time.Now().UnixMilli()
	emit(e)
}

// EmitRunAttempt emits a run attempt event.
func EmitRunAttempt(e *RunAttemptEvent) {
	e.Type = EventTypeRunAttempt
	e.Seq = nextSeq()
	e.Ts = time.Now().UnixMilli()
	emit(e)
}

// EmitDiagnosticHeartbeat emits a diagnostic heartbeat event.
func EmitDiagnosticHeartbeat(e *DiagnosticHeartbeatEvent) {
	e.Type = EventTypeDiagnosticHeartbeat
	e.Seq = nextSeq()
	e.Ts = time.Now().UnixMilli()
	emit(e)
}

// ResetDiagnosticsForTest resets diagnostic state for testing.
func ResetDiagnosticsForTest() {
	globalEmitter.mu.Lock()
	defer globalEmitter.mu.Unlock()
	atomic.StoreInt64(&globalEmitter.seq, 0)
	globalEmitter.listeners = nil
}
