package agent

import (
	"context"
	"sync"

	"github.com/relaycore/agentcore/pkg/models"
)

// RecoveryStrategy names how the Executor should respond once a tool call
// has exhausted its retries.
type RecoveryStrategy string

const (
	// RecoveryRetry runs the call again immediately, outside the normal
	// backoff schedule — used by custom handlers that know a condition has
	// since cleared (e.g. a dependent resource finished provisioning).
	RecoveryRetry RecoveryStrategy = "retry"

	// RecoveryFallback substitutes a fallback tool name and re-dispatches
	// through the registry instead of surfacing the original failure.
	RecoveryFallback RecoveryStrategy = "fallback"

	// RecoverySkip swallows the failure and returns an empty success result,
	// for tools whose absence shouldn't halt the run (best-effort side
	// effects like telemetry pings).
	RecoverySkip RecoveryStrategy = "skip"

	// RecoveryError is the default: surface the failure as-is.
	RecoveryError RecoveryStrategy = "error"
)

// RecoveryAction is the outcome a RecoveryStrategy produced for one failed
// call, recorded in the manager's history for later inspection.
type RecoveryAction struct {
	ToolName   string
	ToolCallID string
	Strategy   RecoveryStrategy
	Detail     string
}

// maxRecoveryHistory bounds the per-tool failure history the manager keeps;
// older entries are evicted FIFO once a tool's history hits this size.
const maxRecoveryHistory = 100

// RecoveryHandler lets a tool customize how its own exhausted failures are
// handled, rather than falling through to the manager's configured default
// strategy for that tool.
type RecoveryHandler func(ctx context.Context, call models.ToolCall, lastErr error) (*models.ToolResult, RecoveryStrategy, error)

// RecoveryManager decides what happens to a tool call after the Executor's
// retry loop has exhausted its attempts: retry again, fall back to another
// tool, skip silently, or surface the error — and keeps a bounded history of
// what it decided, per tool, for diagnostics.
type RecoveryManager struct {
	mu        sync.Mutex
	defaults  map[string]RecoveryStrategy
	fallbacks map[string]string
	handlers  map[string]RecoveryHandler
	history   map[string][]RecoveryAction
}

// NewRecoveryManager creates an empty manager; every tool defaults to
// RecoveryError until configured otherwise.
func NewRecoveryManager() *RecoveryManager {
	return &RecoveryManager{
		defaults:  make(map[string]RecoveryStrategy),
		fallbacks: make(map[string]string),
		handlers:  make(map[string]RecoveryHandler),
		history:   make(map[string][]RecoveryAction),
	}
}

// SetStrategy configures the strategy used once toolName exhausts retries.
func (m *RecoveryManager) SetStrategy(toolName string, strategy RecoveryStrategy) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.defaults[toolName] = strategy
}

// SetFallback configures the tool name RecoveryFallback dispatches to in
// place of toolName.
func (m *RecoveryManager) SetFallback(toolName, fallbackName string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fallbacks[toolName] = fallbackName
	m.defaults[toolName] = RecoveryFallback
}

// SetHandler installs a custom handler for toolName, taking priority over
// any configured strategy.
func (m *RecoveryManager) SetHandler(toolName string, handler RecoveryHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[toolName] = handler
}

func (m *RecoveryManager) record(toolName string, action RecoveryAction) {
	m.mu.Lock()
	defer m.mu.Unlock()
	hist := append(m.history[toolName], action)
	if len(hist) > maxRecoveryHistory {
		hist = hist[len(hist)-maxRecoveryHistory:]
	}
	m.history[toolName] = hist
}

// History returns a copy of the recorded recovery actions for toolName,
// oldest first.
func (m *RecoveryManager) History(toolName string) []RecoveryAction {
	m.mu.Lock()
	defer m.mu.Unlock()
	hist := m.history[toolName]
	out := make([]RecoveryAction, len(hist))
	copy(out, hist)
	return out
}

func (m *RecoveryManager) strategyFor(toolName string) RecoveryStrategy {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.defaults[toolName]; ok {
		return s
	}
	return RecoveryError
}

func (m *RecoveryManager) fallbackFor(toolName string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fallbacks[toolName]
}

func (m *RecoveryManager) handlerFor(toolName string) RecoveryHandler {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.handlers[toolName]
}

// Recover is invoked by the Executor once a call's retries are exhausted.
// dispatch is the Executor's own call-a-tool-by-name function, used to run a
// RecoveryFallback's substitute tool or a handler-requested RecoveryRetry.
// It always returns a non-nil ToolResult on the RecoverySkip/RecoveryFallback/
// RecoveryRetry paths; on RecoveryError it returns lastErr unchanged so the
// Executor's normal error plumbing applies.
func (m *RecoveryManager) Recover(ctx context.Context, call models.ToolCall, lastErr error, dispatch func(context.Context, models.ToolCall) (*models.ToolResult, error)) (*models.ToolResult, error) {
	if handler := m.handlerFor(call.Name); handler != nil {
		result, strategy, err := handler(ctx, call, lastErr)
		m.record(call.Name, RecoveryAction{ToolName: call.Name, ToolCallID: call.ID, Strategy: strategy, Detail: "custom handler"})
		return result, err
	}

	strategy := m.strategyFor(call.Name)
	switch strategy {
	case RecoverySkip:
		m.record(call.Name, RecoveryAction{ToolName: call.Name, ToolCallID: call.ID, Strategy: strategy, Detail: "skipped after retries exhausted"})
		return &models.ToolResult{ToolCallID: call.ID, Success: true, Output: ""}, nil

	case RecoveryFallback:
		fallbackName := m.fallbackFor(call.Name)
		if fallbackName == "" {
			m.record(call.Name, RecoveryAction{ToolName: call.Name, ToolCallID: call.ID, Strategy: RecoveryError, Detail: "fallback configured with no target"})
			return nil, lastErr
		}
		fallbackCall := call
		fallbackCall.Name = fallbackName
		result, err := dispatch(ctx, fallbackCall)
		m.record(call.Name, RecoveryAction{ToolName: call.Name, ToolCallID: call.ID, Strategy: strategy, Detail: "fell back to " + fallbackName})
		if result != nil {
			result.ToolCallID = call.ID
		}
		return result, err

	case RecoveryRetry:
		result, err := dispatch(ctx, call)
		m.record(call.Name, RecoveryAction{ToolName: call.Name, ToolCallID: call.ID, Strategy: strategy, Detail: "retried once more outside backoff schedule"})
		return result, err

	default:
		m.record(call.Name, RecoveryAction{ToolName: call.Name, ToolCallID: call.ID, Strategy: RecoveryError, Detail: lastErr.Error()})
		return nil, lastErr
	}
}
