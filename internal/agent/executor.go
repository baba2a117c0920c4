package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/relaycore/agentcore/internal/observability"
	"github.com/relaycore/agentcore/pkg/models"
)

// ExecutorConfig configures the parallel tool executor behavior including
// concurrency limits, timeouts, and retry strategies.
type ExecutorConfig struct {
	// MaxConcurrency is the default per-tool concurrency limit enforced by
	// the ConcurrencyManager (each tool name gets its own pool of slots).
	// Default: 10
	MaxConcurrency int

	// MaxWaitTime bounds how long a call queues for a concurrency slot
	// before it's handed back as a slot-exhausted ToolResult.
	// Default: 60s
	MaxWaitTime time.Duration

	// DefaultTimeout is the default timeout for tool execution
	// Default: 30s
	DefaultTimeout time.Duration

	// DefaultRetries is the default number of retries for retryable errors
	// Default: 2
	DefaultRetries int

	// RetryBackoff is the initial backoff duration between retries
	// Default: 100ms
	RetryBackoff time.Duration

	// MaxRetryBackoff caps the exponential backoff
	// Default: 5s
	MaxRetryBackoff time.Duration
}

// DefaultExecutorConfig returns the default executor configuration.
func DefaultExecutorConfig() *ExecutorConfig {
	return &ExecutorConfig{
		MaxConcurrency:  DefaultToolConcurrencyLimit,
		MaxWaitTime:     DefaultMaxWaitTime,
		DefaultTimeout:  30 * time.Second,
		DefaultRetries:  2,
		RetryBackoff:    100 * time.Millisecond,
		MaxRetryBackoff: 5 * time.Second,
	}
}

// ToolConfig holds per-tool configuration overrides for timeout, retry, and priority settings.
type ToolConfig struct {
	// Timeout overrides the default timeout for this tool
	Timeout time.Duration

	// Retries overrides the default retries for this tool
	Retries int

	// RetryBackoff overrides the initial backoff for this tool
	RetryBackoff time.Duration

	// Concurrency overrides the default per-tool concurrency limit.
	Concurrency int

	// Priority affects execution order (higher = first)
	// Default: 0
	Priority int
}

// Executor manages parallel tool execution with retry and backpressure handling.
// It enforces a per-tool concurrency limit via ConcurrencyManager, applies a
// RecoveryManager once retries are exhausted, and tracks execution metrics.
type Executor struct {
	registry   *ToolRegistry
	config     *ExecutorConfig
	toolConfig map[string]*ToolConfig
	mu         sync.RWMutex

	concurrency *ConcurrencyManager
	recovery    *RecoveryManager

	// Metrics
	metrics *ExecutorMetrics

	// obsMetrics and tracer report to Prometheus/OTel when configured via
	// SetObservability; both are nil-safe so an Executor built without them
	// behaves exactly as before.
	obsMetrics *observability.Metrics
	tracer     *observability.Tracer
}

// SetObservability wires a Prometheus metrics recorder and an OTel tracer
// into the executor's dispatch path. Either argument may be nil.
func (e *Executor) SetObservability(metrics *observability.Metrics, tracer *observability.Tracer) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.obsMetrics = metrics
	e.tracer = tracer
}

// ExecutorMetrics tracks executor performance metrics including execution counts,
// retries, failures, timeouts, and panics.
type ExecutorMetrics struct {
	mu              sync.Mutex
	TotalExecutions int64
	TotalRetries    int64
	TotalFailures   int64
	TotalTimeouts   int64
	TotalPanics     int64
}

// NewExecutor creates a new parallel tool executor with the given registry and configuration.
// If config is nil, DefaultExecutorConfig is used.
func NewExecutor(registry *ToolRegistry, config *ExecutorConfig) *Executor {
	if config == nil {
		config = DefaultExecutorConfig()
	}

	return &Executor{
		registry:    registry,
		config:      config,
		toolConfig:  make(map[string]*ToolConfig),
		concurrency: NewConcurrencyManager(config.MaxConcurrency, config.MaxWaitTime),
		recovery:    NewRecoveryManager(),
		metrics:     &ExecutorMetrics{},
	}
}

// Recovery returns the executor's RecoveryManager so callers can configure
// per-tool strategies, fallbacks, and custom handlers.
func (e *Executor) Recovery() *RecoveryManager {
	return e.recovery
}

// ConfigureTool sets per-tool configuration overrides for the named tool.
func (e *Executor) ConfigureTool(name string, config *ToolConfig) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.toolConfig[name] = config
}

// GetToolConfig returns the configuration for a tool.
func (e *Executor) getToolConfig(name string) *ToolConfig {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if tc, ok := e.toolConfig[name]; ok {
		return tc
	}
	return nil
}

// ExecutionResult holds the result of a single tool execution including
// timing information and retry attempts.
type ExecutionResult struct {
	ToolCallID string
	ToolName   string
	Result     *models.ToolResult
	Error      error
	Duration   time.Duration
	Attempts   int
}

// ExecuteAll executes multiple tool calls in parallel with per-tool
// concurrency limits. Results are returned in the same order as the input calls.
func (e *Executor) ExecuteAll(ctx context.Context, tctx ToolContext, calls []models.ToolCall) []*ExecutionResult {
	if len(calls) == 0 {
		return nil
	}

	results := make([]*ExecutionResult, len(calls))
	var wg sync.WaitGroup

	for i, call := range calls {
		wg.Add(1)
		go func(idx int, c models.ToolCall) {
			defer wg.Done()
			results[idx] = e.Execute(ctx, tctx, c)
		}(i, call)
	}

	wg.Wait()
	return results
}

// Execute executes a single tool call with retry logic, timeout handling,
// and per-tool concurrency limiting. A call that can't acquire a concurrency
// slot within the configured wait time comes back as a slot-exhausted
// ExecutionResult.Result rather than an error. Once retries are exhausted,
// the RecoveryManager gets a chance to retry, fall back, or skip before the
// failure is surfaced.
func (e *Executor) Execute(ctx context.Context, tctx ToolContext, call models.ToolCall) *ExecutionResult {
	start := time.Now()
	result := &ExecutionResult{
		ToolCallID: call.ID,
		ToolName:   call.Name,
		Attempts:   0,
	}

	var span trace.Span
	if e.tracer != nil {
		ctx, span = e.tracer.TraceToolExecution(ctx, call.Name)
		defer span.End()
	}

	tc := e.getToolConfig(call.Name)
	concurrencyLimit := 0
	if tc != nil {
		concurrencyLimit = tc.Concurrency
	}

	waitStart := time.Now()
	release, exhausted, ok := e.concurrency.Acquire(ctx, call.Name, call.ID, concurrencyLimit)
	waitDuration := time.Since(waitStart)
	if !ok {
		e.obsMetrics.RecordToolConcurrencyWait(call.Name, "timeout", waitDuration.Seconds())
		observability.EmitToolConcurrencyWait(&observability.ToolConcurrencyWaitEvent{
			ToolName: call.Name,
			Outcome:  "timeout",
			WaitMs:   waitDuration.Milliseconds(),
		})
		if span != nil {
			e.tracer.RecordError(span, ctx.Err())
		}

		result.Duration = time.Since(start)
		if exhausted != nil {
			result.Result = exhausted
			return result
		}
		result.Error = NewToolError(call.Name, ctx.Err()).
			WithType(ToolErrorTimeout).
			WithToolCallID(call.ID)
		return result
	}
	defer release()
	if waitDuration > time.Millisecond {
		e.obsMetrics.RecordToolConcurrencyWait(call.Name, "acquired", waitDuration.Seconds())
	}

	timeout := e.config.DefaultTimeout
	maxRetries := e.config.DefaultRetries
	backoff := e.config.RetryBackoff

	if tc != nil {
		if tc.Timeout > 0 {
			timeout = tc.Timeout
		}
		if tc.Retries >= 0 {
			maxRetries = tc.Retries
		}
		if tc.RetryBackoff > 0 {
			backoff = tc.RetryBackoff
		}
	}

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		result.Attempts = attempt + 1

		// Execute with timeout
		execResult, execErr := e.executeWithTimeout(ctx, tctx, call, timeout)

		if execErr == nil {
			result.Result = execResult
			result.Duration = time.Since(start)

			e.metrics.mu.Lock()
			e.metrics.TotalExecutions++
			if attempt > 0 {
				e.metrics.TotalRetries += int64(attempt)
			}
			e.metrics.mu.Unlock()

			e.obsMetrics.RecordToolExecution(call.Name, "success", result.Duration.Seconds())
			observability.EmitToolExecuted(&observability.ToolExecutedEvent{
				ToolName:   call.Name,
				ToolCallID: call.ID,
				Outcome:    "success",
				DurationMs: result.Duration.Milliseconds(),
				Retries:    attempt,
			})

			return result
		}

		lastErr = execErr

		// Check if error is retryable
		if !IsToolRetryable(execErr) {
			break
		}

		// Don't retry if context is done
		if ctx.Err() != nil {
			break
		}

		// Don't retry on last attempt
		if attempt >= maxRetries {
			break
		}

		// Exponential backoff
		sleepDuration := backoff * time.Duration(1<<uint(attempt))
		if sleepDuration > e.config.MaxRetryBackoff {
			sleepDuration = e.config.MaxRetryBackoff
		}

		select {
		case <-time.After(sleepDuration):
			// Continue to next attempt
		case <-ctx.Done():
			lastErr = NewToolError(call.Name, ctx.Err()).
				WithType(ToolErrorTimeout).
				WithToolCallID(call.ID)
			break
		}
	}

	if recovered, recoverErr := e.recovery.Recover(ctx, call, lastErr, func(rctx context.Context, rc models.ToolCall) (*models.ToolResult, error) {
		return e.executeWithTimeout(rctx, tctx, rc, timeout)
	}); recoverErr == nil && recovered != nil {
		result.Result = recovered
		result.Duration = time.Since(start)

		e.metrics.mu.Lock()
		e.metrics.TotalExecutions++
		e.metrics.mu.Unlock()

		strategy := e.lastRecoveryStrategy(call.Name)
		e.obsMetrics.RecordToolRecovery(call.Name, string(strategy))
		observability.EmitToolRecovery(&observability.ToolRecoveryEvent{
			ToolName:   call.Name,
			ToolCallID: call.ID,
			Strategy:   string(strategy),
		})
		e.obsMetrics.RecordToolExecution(call.Name, "recovered", result.Duration.Seconds())

		return result
	} else if recoverErr != nil {
		lastErr = recoverErr
	}

	result.Error = lastErr
	result.Duration = time.Since(start)

	e.metrics.mu.Lock()
	e.metrics.TotalExecutions++
	e.metrics.TotalFailures++
	if toolErr, ok := GetToolError(lastErr); ok {
		if toolErr.Type == ToolErrorTimeout {
			e.metrics.TotalTimeouts++
		} else if toolErr.Type == ToolErrorPanic {
			e.metrics.TotalPanics++
		}
	}
	e.metrics.mu.Unlock()

	e.obsMetrics.RecordToolExecution(call.Name, "error", result.Duration.Seconds())
	observability.EmitToolExecuted(&observability.ToolExecutedEvent{
		ToolName:   call.Name,
		ToolCallID: call.ID,
		Outcome:    "error",
		DurationMs: result.Duration.Milliseconds(),
		Retries:    result.Attempts - 1,
	})
	if span != nil {
		e.tracer.RecordError(span, lastErr)
	}

	return result
}

// lastRecoveryStrategy returns the strategy used for the most recent
// RecoveryManager decision for toolName, for metrics/diagnostics reporting.
func (e *Executor) lastRecoveryStrategy(toolName string) RecoveryStrategy {
	hist := e.recovery.History(toolName)
	if len(hist) == 0 {
		return RecoveryError
	}
	return hist[len(hist)-1].Strategy
}

// executeWithTimeout executes a tool call with a timeout.
func (e *Executor) executeWithTimeout(ctx context.Context, tctx ToolContext, call models.ToolCall, timeout time.Duration) (*models.ToolResult, error) {
	// Create timeout context
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// Channel for result
	type execResult struct {
		result *models.ToolResult
		err    error
	}
	resultCh := make(chan execResult, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				stack := debug.Stack()
				err := NewToolError(call.Name, fmt.Errorf("panic: %v\n%s", r, stack)).
					WithType(ToolErrorPanic).
					WithToolCallID(call.ID)
				resultCh <- execResult{err: err}
			}
		}()

		result, err := e.registry.Execute(execCtx, call.Name, tctx, call.Input)
		if err != nil {
			toolErr := NewToolError(call.Name, err).WithToolCallID(call.ID)
			resultCh <- execResult{err: toolErr}
			return
		}
		resultCh <- execResult{result: result}
	}()

	select {
	case res := <-resultCh:
		return res.result, res.err
	case <-execCtx.Done():
		if ctx.Err() != nil {
			// Parent context cancelled
			return nil, NewToolError(call.Name, ctx.Err()).
				WithType(ToolErrorTimeout).
				WithToolCallID(call.ID).
				WithMessage("context cancelled")
		}
		// Timeout
		return nil, NewToolError(call.Name, ErrToolTimeout).
			WithType(ToolErrorTimeout).
			WithToolCallID(call.ID).
			WithMessage(fmt.Sprintf("execution timed out after %s", timeout))
	}
}

// Metrics returns a copy-safe snapshot of the executor metrics.
func (e *Executor) Metrics() *ExecutorMetricsSnapshot {
	e.metrics.mu.Lock()
	defer e.metrics.mu.Unlock()
	return &ExecutorMetricsSnapshot{
		TotalExecutions: e.metrics.TotalExecutions,
		TotalRetries:    e.metrics.TotalRetries,
		TotalFailures:   e.metrics.TotalFailures,
		TotalTimeouts:   e.metrics.TotalTimeouts,
		TotalPanics:     e.metrics.TotalPanics,
	}
}

// ExecutorMetricsSnapshot is a thread-safe copy of executor metrics at a point in time.
type ExecutorMetricsSnapshot struct {
	TotalExecutions int64
	TotalRetries    int64
	TotalFailures   int64
	TotalTimeouts   int64
	TotalPanics     int64
}

// ResultsToMessages converts execution results to tool result messages suitable for
// including in conversation history.
func ResultsToMessages(results []*ExecutionResult) []models.ToolResult {
	toolResults := make([]models.ToolResult, len(results))

	for i, r := range results {
		if r.Error != nil {
			toolResults[i] = models.ToolResult{
				ToolCallID: r.ToolCallID,
				Error:      r.Error.Error(),
				Success:    false,
			}
		} else if r.Result != nil {
			toolResults[i] = *r.Result
			toolResults[i].ToolCallID = r.ToolCallID
		}
	}

	return toolResults
}

// AnyErrors returns true if any execution result contains an error or failure.
func AnyErrors(results []*ExecutionResult) bool {
	for _, r := range results {
		if r.Error != nil {
			return true
		}
	}
	return false
}

// AsJSON converts tool input to JSON if it is not already a json.RawMessage, []byte, or string.
func AsJSON(input any) json.RawMessage {
	switch v := input.(type) {
	case json.RawMessage:
		return v
	case []byte:
		return json.RawMessage(v)
	case string:
		return json.RawMessage(v)
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return json.RawMessage("null")
		}
		return data
	}
}
