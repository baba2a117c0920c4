package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/relaycore/agentcore/internal/abort"
	"github.com/relaycore/agentcore/internal/observability"
	"github.com/relaycore/agentcore/internal/sessions"
	"github.com/relaycore/agentcore/internal/tools/policy"
	"github.com/relaycore/agentcore/pkg/models"
)

// LoopConfig configures the agentic loop's iteration budget, error-retry
// policy, and loop-detection threshold.
type LoopConfig struct {
	// MaxIterations bounds the number of LLM turns one run may take.
	// Default: 100
	MaxIterations int

	// MaxErrorRetries bounds how many times a failed LLM call is retried
	// within the same iteration before the run gives up.
	// Default: 3
	MaxErrorRetries int

	// RetryDelay is the base backoff delay before the first retry.
	// Default: 1s
	RetryDelay time.Duration

	// RetryBackoffFactor multiplies RetryDelay on each successive retry.
	// Default: 2
	RetryBackoffFactor float64

	// MaxRetryDelay caps the exponential backoff.
	// Default: 30s
	MaxRetryDelay time.Duration

	// DoomLoopThreshold is the number of consecutive identical tool calls
	// (by canonical fingerprint) that trigger loop detection.
	// Default: 5
	DoomLoopThreshold int

	// ExecutorConfig configures the tool executor used to dispatch calls.
	ExecutorConfig *ExecutorConfig

	// ToolResultGuard redacts/truncates tool output before it is appended
	// to history or streamed.
	ToolResultGuard ToolResultGuard

	// ToolPolicy, when set together with Resolver, restricts which
	// registered tools are offered to the LLM and dispatched.
	ToolPolicy *policy.Policy
	Resolver   *policy.Resolver
}

// DefaultLoopConfig returns the default loop configuration per the
// configuration options recognized by the agent loop.
func DefaultLoopConfig() *LoopConfig {
	return &LoopConfig{
		MaxIterations:      100,
		MaxErrorRetries:    3,
		RetryDelay:         time.Second,
		RetryBackoffFactor: 2,
		MaxRetryDelay:      30 * time.Second,
		DoomLoopThreshold:  5,
		ExecutorConfig:     DefaultExecutorConfig(),
	}
}

func sanitizeLoopConfig(config *LoopConfig) *LoopConfig {
	if config == nil {
		return DefaultLoopConfig()
	}
	cfg := *config
	defaults := DefaultLoopConfig()
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = defaults.MaxIterations
	}
	if cfg.MaxErrorRetries < 0 {
		cfg.MaxErrorRetries = defaults.MaxErrorRetries
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = defaults.RetryDelay
	}
	if cfg.RetryBackoffFactor <= 0 {
		cfg.RetryBackoffFactor = defaults.RetryBackoffFactor
	}
	if cfg.MaxRetryDelay <= 0 {
		cfg.MaxRetryDelay = defaults.MaxRetryDelay
	}
	if cfg.DoomLoopThreshold <= 0 {
		cfg.DoomLoopThreshold = defaults.DoomLoopThreshold
	}
	if cfg.ExecutorConfig == nil {
		cfg.ExecutorConfig = defaults.ExecutorConfig
	}
	return &cfg
}

// RunContext carries the per-run parameters the agent loop needs beyond the
// query text: session identity, the branch to persist into, the caller's
// abort signal, and an observer hook invoked for every message appended to
// history.
type RunContext struct {
	SessionID string
	BranchID  string // "" means the session's trunk branch.
	WorkDir   string
	UserID    string
	MessageID string

	// Abort, when set, is polled before every LLM call and tool dispatch.
	Abort *abort.Signal

	// OnMessageAdded is called once per message appended to history. A
	// panic from the observer is recovered and ignored: observer faults
	// must never corrupt the run (spec open question, log-and-continue).
	OnMessageAdded func(msg *models.Message)

	// Sink receives StreamEvents for this run. Nil is treated as NopSink.
	Sink EventSink
}

func (rc *RunContext) notify(msg *models.Message) {
	if rc.OnMessageAdded == nil {
		return
	}
	defer func() { _ = recover() }()
	rc.OnMessageAdded(msg)
}

// AgenticLoop drives one query to completion by alternating LLM calls and
// tool dispatches, per the state machine described in the package's design
// notes: init → stream → (execute tools → continue)* → complete.
type AgenticLoop struct {
	provider LLMProvider
	executor *Executor
	sessions sessions.Store
	config   *LoopConfig

	defaultModel  string
	defaultSystem string

	// registry, when set, resolves a "providerId/modelId" model string to the
	// LLMProvider that should serve it instead of always using provider.
	registry *ProviderRegistry

	// behaviors, when set, supplies the lazily-loaded/cached system prompt
	// and tool allow/deny policy for a run's environment+agent pairing.
	behaviors *BehaviorCache

	// obsMetrics and tracer report LLM request metrics/spans when configured
	// via SetObservability; both are nil-safe.
	obsMetrics *observability.Metrics
	tracer     *observability.Tracer
}

// SetObservability wires a Prometheus metrics recorder and an OTel tracer
// into the loop's LLM call path, and propagates both to the underlying
// Executor so tool dispatch is instrumented as well. Either argument may be
// nil.
func (l *AgenticLoop) SetObservability(metrics *observability.Metrics, tracer *observability.Tracer) {
	l.obsMetrics = metrics
	l.tracer = tracer
	if l.executor != nil {
		l.executor.SetObservability(metrics, tracer)
	}
}

// NewAgenticLoop constructs a loop over the given provider, tool executor,
// and session store. If config is nil, DefaultLoopConfig is used.
func NewAgenticLoop(provider LLMProvider, executor *Executor, store sessions.Store, config *LoopConfig) *AgenticLoop {
	return &AgenticLoop{
		provider: provider,
		executor: executor,
		sessions: store,
		config:   sanitizeLoopConfig(config),
	}
}

// SetDefaultModel sets the model string used when a run doesn't specify one.
func (l *AgenticLoop) SetDefaultModel(model string) { l.defaultModel = model }

// SetDefaultSystem sets the combined system prompt prepended to every run.
func (l *AgenticLoop) SetDefaultSystem(system string) { l.defaultSystem = system }

// SetProviderRegistry installs a ProviderRegistry used to resolve a run's
// model string ("providerId/modelId") to the provider that should serve it,
// in place of the single provider injected at construction time.
func (l *AgenticLoop) SetProviderRegistry(registry *ProviderRegistry) { l.registry = registry }

// SetBehaviorCache installs the BehaviorSpec cache a run's system prompt and
// tool policy are resolved from.
func (l *AgenticLoop) SetBehaviorCache(cache *BehaviorCache) { l.behaviors = cache }

// ConfigureTool sets per-tool executor overrides (timeout, retries, priority).
func (l *AgenticLoop) ConfigureTool(name string, cfg *ToolConfig) {
	l.executor.ConfigureTool(name, cfg)
}

// Metrics returns a snapshot of the underlying executor's metrics.
func (l *AgenticLoop) Metrics() *ExecutorMetricsSnapshot { return l.executor.Metrics() }

// fingerprintCache tracks consecutive-identical-call counts within one run
// for loop detection. It is scoped to a single Run call, never shared
// across runs, matching the spec's "clear on synthesis" semantics.
type fingerprintCache map[string]int

// toolFingerprint builds a canonical fingerprint from a tool name and its
// JSON arguments with keys sorted, so semantically identical calls collide
// regardless of key order in the model's emitted JSON.
func toolFingerprint(name string, args json.RawMessage) string {
	var decoded map[string]any
	if err := json.Unmarshal(args, &decoded); err != nil {
		// Not an object (or invalid) - fingerprint the raw bytes verbatim.
		return name + "|" + string(args)
	}
	keys := make([]string, 0, len(decoded))
	for k := range decoded {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteString(name)
	b.WriteByte('|')
	for _, k := range keys {
		b.WriteString(k)
		b.WriteByte('=')
		v, _ := json.Marshal(decoded[k])
		b.Write(v)
		b.WriteByte(';')
	}
	return b.String()
}

// Run drives query to completion for the session named in rc, returning the
// final assistant text on success, an error-tagged string on non-fatal
// budget exhaustion, or a non-nil error if the run was aborted or the
// context was cancelled.
func (l *AgenticLoop) Run(ctx context.Context, query string, rc RunContext, allowedTools []string) (string, error) {
	emitter := NewEventEmitter(rc.SessionID, uuid.NewString(), rc.Sink)
	model := l.defaultModel

	emitter.Start(ctx, model)

	messages, err := l.buildInitialMessages(ctx, rc, query)
	if err != nil {
		emitter.Error(ctx, err)
		return "", err
	}

	fingerprints := make(fingerprintCache)
	consecutiveErrors := 0

	for iteration := 0; iteration < l.config.MaxIterations; iteration++ {
		if rc.Abort != nil && rc.Abort.Fired() {
			abortErr := fmt.Errorf("agent run was aborted")
			emitter.Error(ctx, abortErr)
			return "", abortErr
		}

		llmStart := time.Now()
		var llmSpan trace.Span
		spanCtx := ctx
		if l.tracer != nil {
			spanCtx, llmSpan = l.tracer.TraceLLMRequest(ctx, "unresolved", model)
		}

		chunks, providerName, modelID, llmErr := l.callLLM(spanCtx, rc, model, messages)
		if llmErr != nil {
			if llmSpan != nil {
				l.tracer.RecordError(llmSpan, llmErr)
				llmSpan.End()
			}
			l.obsMetrics.RecordLLMRequest("unresolved", model, "error", time.Since(llmStart).Seconds(), 0, 0)

			consecutiveErrors++
			if consecutiveErrors <= l.config.MaxErrorRetries && IsRetryableLoopError(llmErr) {
				select {
				case <-time.After(l.retryDelay(consecutiveErrors)):
				case <-ctx.Done():
					emitter.Error(ctx, ctx.Err())
					return "", ctx.Err()
				case <-abortDone(rc.Abort):
					abortErr := fmt.Errorf("agent run was aborted")
					emitter.Error(ctx, abortErr)
					return "", abortErr
				}
				iteration--
				continue
			}
			emitter.Error(ctx, llmErr)
			return "Error: " + llmErr.Error(), nil
		}
		consecutiveErrors = 0

		text, reasoning, toolCalls, inputTokens, outputTokens := l.drainChunks(ctx, emitter, chunks)
		if llmSpan != nil {
			l.tracer.SetAttributes(llmSpan, "input_tokens", inputTokens, "output_tokens", outputTokens)
			llmSpan.End()
		}
		l.obsMetrics.RecordLLMRequest(providerName, modelID, "success", time.Since(llmStart).Seconds(), inputTokens, outputTokens)

		if len(toolCalls) == 0 {
			assistant := models.NewAssistantMessage(rc.SessionID, rc.BranchID, text, reasoning, nil)
			l.appendAndNotify(ctx, rc, assistant)
			emitter.Completed(ctx)
			return text, nil
		}

		assistant := models.NewAssistantMessage(rc.SessionID, rc.BranchID, text, reasoning, toolCallsFrom(toolCalls))
		l.appendAndNotify(ctx, rc, assistant)
		messages = append(messages, completionFromMessage(assistant))

		for _, call := range toolCalls {
			if rc.Abort != nil && rc.Abort.Fired() {
				abortErr := fmt.Errorf("agent run was aborted")
				emitter.Error(ctx, abortErr)
				return "", abortErr
			}

			result, handled := l.resolveToolCall(call, allowedTools, fingerprints)
			if !handled {
				tctx := ToolContext{
					WorkDir:   rc.WorkDir,
					SessionID: rc.SessionID,
					UserID:    rc.UserID,
					Abort:     rc.Abort,
				}
				execResult := l.executor.Execute(ctx, tctx, models.ToolCall{ID: call.ID, Name: call.Name, Input: call.Input})
				result = toolResultFromExecution(execResult)
				result = guardToolResult(l.config.ToolResultGuard, call.Name, result, l.config.Resolver)
			}

			l.appendToolResult(ctx, rc, emitter, call, result)
			messages = append(messages, completionFromToolResult(call, result))
		}
	}

	return "Error: max iterations reached", nil
}

// RunWithBranch behaves like Run but persists the run's messages to the
// named branch rather than the trunk. Branch identity is carried entirely
// by RunContext.BranchID and the sessions.Store's branch-scoped
// AppendMessage/GetHistory contract - no separate branch store is required.
func (l *AgenticLoop) RunWithBranch(ctx context.Context, query, branchID string, rc RunContext, allowedTools []string) (string, error) {
	rc.BranchID = branchID
	return l.Run(ctx, query, rc, allowedTools)
}

func (l *AgenticLoop) buildInitialMessages(ctx context.Context, rc RunContext, query string) ([]CompletionMessage, error) {
	var history []*models.Message
	if l.sessions != nil {
		h, err := l.sessions.GetHistory(ctx, rc.SessionID, rc.BranchID, 0)
		if err != nil {
			return nil, fmt.Errorf("loading session history: %w", err)
		}
		history = h
	}

	userMsg := models.NewUserMessage(rc.SessionID, rc.BranchID, query)
	l.appendAndNotify(ctx, rc, userMsg)

	messages := make([]CompletionMessage, 0, len(history)+1)
	for _, m := range history {
		messages = append(messages, completionFromMessage(m))
	}
	messages = append(messages, completionFromMessage(userMsg))
	return messages, nil
}

func (l *AgenticLoop) appendAndNotify(ctx context.Context, rc RunContext, msg *models.Message) {
	if l.sessions != nil {
		_ = l.sessions.AppendMessage(ctx, rc.SessionID, msg)
	}
	rc.notify(msg)
}

func (l *AgenticLoop) callLLM(ctx context.Context, rc RunContext, model string, messages []CompletionMessage) (<-chan *CompletionChunk, string, string, error) {
	provider, modelID, err := l.resolveProvider(model)
	if err != nil {
		return nil, "", "", err
	}

	tools := l.executor.registry.AsLLMTools()
	tools = filterToolsByPolicy(l.config.Resolver, l.config.ToolPolicy, tools)

	system := l.defaultSystem
	if l.behaviors != nil {
		if spec, err := l.behaviors.Get(ctx, rc.UserID); err == nil && spec != nil {
			if combined := spec.CombinedPrompt(); combined != "" {
				system = combined
			}
			tools = filterToolsBySpec(spec, tools)
		}
	}

	runCtx := ctx
	if rc.Abort != nil {
		var cancel context.CancelFunc
		runCtx, cancel = rc.Abort.WithSignal(ctx)
		defer cancel()
	}

	chunks, err := provider.Complete(runCtx, &CompletionRequest{
		Model:    modelID,
		System:   system,
		Messages: messages,
		Tools:    tools,
	})
	return chunks, provider.Name(), modelID, err
}

// resolveProvider picks the LLMProvider that should serve model: the
// registry's resolution when a registry is configured, falling back to the
// loop's single injected provider (with model passed through unchanged)
// otherwise or when the registry doesn't recognize the providerId.
func (l *AgenticLoop) resolveProvider(model string) (LLMProvider, string, error) {
	if l.registry != nil {
		if provider, modelID, err := l.registry.Resolve(model); err == nil {
			return provider, modelID, nil
		}
	}
	if l.provider == nil {
		return nil, "", ErrNoProvider
	}
	return l.provider, model, nil
}

func filterToolsBySpec(spec *models.BehaviorSpec, tools []Tool) []Tool {
	if spec == nil || (len(spec.AllowedTools) == 0 && len(spec.DeniedTools) == 0) {
		return tools
	}
	filtered := make([]Tool, 0, len(tools))
	for _, t := range tools {
		if spec.ToolAllowed(t.Name()) {
			filtered = append(filtered, t)
		}
	}
	return filtered
}

// drainChunks consumes a provider's completion stream, emitting text/reasoning/
// tool_call stream events as they arrive, and returns the cumulative text,
// cumulative reasoning, and the fully-assembled tool calls in emission order.
func (l *AgenticLoop) drainChunks(ctx context.Context, emitter *EventEmitter, chunks <-chan *CompletionChunk) (text, reasoning string, calls []*ToolCallChunk, inputTokens, outputTokens int) {
	for chunk := range chunks {
		if chunk.Error != nil {
			emitter.Error(ctx, chunk.Error)
			continue
		}
		if chunk.Text != "" {
			text += chunk.Text
			emitter.Text(ctx, text, chunk.Text)
		}
		if chunk.Reasoning != "" {
			reasoning += chunk.Reasoning
			emitter.Reasoning(ctx, reasoning)
		}
		if chunk.ToolCall != nil && chunk.ToolCall.Name != "" {
			calls = append(calls, chunk.ToolCall)
			emitter.ToolCall(ctx, chunk.ToolCall.ID, chunk.ToolCall.Name, chunk.ToolCall.Input)
		}
		if chunk.InputTokens > 0 {
			inputTokens = chunk.InputTokens
		}
		if chunk.OutputTokens > 0 {
			outputTokens = chunk.OutputTokens
		}
	}
	return text, reasoning, calls, inputTokens, outputTokens
}

// resolveToolCall applies the pre-dispatch checks required before a tool
// call reaches the executor: JSON validity, loop detection, and allow-list
// membership. If any check produces a terminal result, handled is true and
// result carries the synthetic tool-result to append; otherwise the caller
// dispatches the call normally.
func (l *AgenticLoop) resolveToolCall(call *ToolCallChunk, allowedTools []string, fingerprints fingerprintCache) (models.ToolResult, bool) {
	if !json.Valid(call.Input) {
		msg := fmt.Sprintf("Invalid JSON in arguments: %s", string(call.Input))
		return models.ToolResult{ToolCallID: call.ID, Error: msg, Output: msg}, true
	}

	fp := toolFingerprint(call.Name, call.Input)
	fingerprints[fp]++
	if fingerprints[fp] >= l.config.DoomLoopThreshold {
		msg := fmt.Sprintf(
			"Doom loop detected: tool %q has been called %d times with the same arguments. Try a different approach.",
			call.Name, fingerprints[fp],
		)
		for k := range fingerprints {
			delete(fingerprints, k)
		}
		return models.ToolResult{ToolCallID: call.ID, Error: msg, Output: msg}, true
	}

	if len(allowedTools) > 0 && !matchesToolPatterns(allowedTools, call.Name, l.config.Resolver) {
		msg := fmt.Sprintf("Tool %s is not available. Available: %s", call.Name, strings.Join(allowedTools, ", "))
		return models.ToolResult{ToolCallID: call.ID, Error: msg, Output: msg}, true
	}

	return models.ToolResult{}, false
}

func (l *AgenticLoop) appendToolResult(ctx context.Context, rc RunContext, emitter *EventEmitter, call *ToolCallChunk, result models.ToolResult) {
	text := toolResultText(result)
	toolMsg := models.NewToolMessage(rc.SessionID, rc.BranchID, call.ID, call.Name, text, result.IsError())
	l.appendAndNotify(ctx, rc, toolMsg)
	emitter.ToolResult(ctx, call.ID, text, result.IsError(), result.Metadata)
}

func (l *AgenticLoop) retryDelay(attempt int) time.Duration {
	delay := float64(l.config.RetryDelay) * pow(l.config.RetryBackoffFactor, attempt-1)
	if time.Duration(delay) > l.config.MaxRetryDelay {
		return l.config.MaxRetryDelay
	}
	return time.Duration(delay)
}

func pow(base float64, exp int) float64 {
	result := 1.0
	for i := 0; i < exp; i++ {
		result *= base
	}
	return result
}

func abortDone(sig *abort.Signal) <-chan struct{} {
	if sig == nil {
		return nil
	}
	return sig.Done()
}

func toolResultText(r models.ToolResult) string {
	if r.IsError() {
		return "Error: " + r.Error
	}
	return r.Output
}

func toolResultFromExecution(r *ExecutionResult) models.ToolResult {
	if r.Error != nil {
		return models.ToolResult{ToolCallID: r.ToolCallID, Error: r.Error.Error(), Output: r.Error.Error()}
	}
	if r.Result != nil {
		res := *r.Result
		res.ToolCallID = r.ToolCallID
		return res
	}
	return models.ToolResult{ToolCallID: r.ToolCallID, Success: true}
}

func toolCallsFrom(calls []*ToolCallChunk) []models.ToolCall {
	out := make([]models.ToolCall, 0, len(calls))
	for _, c := range calls {
		out = append(out, models.ToolCall{ID: c.ID, Name: c.Name, Input: c.Input})
	}
	return out
}

// completionFromMessage projects a persisted models.Message onto the
// provider-facing CompletionMessage shape, preserving part order so a
// single pass over content yields the exact emission order (see design
// note on cyclic content).
func completionFromMessage(m *models.Message) CompletionMessage {
	cm := CompletionMessage{Role: string(m.Role)}
	for _, part := range m.Content {
		switch part.Type {
		case models.PartText, models.PartReasoning:
			cm.Content = append(cm.Content, CompletionPart{Type: CompletionPartText, Text: part.Text})
		case models.PartToolCall:
			cm.Content = append(cm.Content, CompletionPart{
				Type: CompletionPartToolCall, ToolCallID: part.ToolCallID,
				ToolName: part.ToolName, ToolArgs: part.ToolArgs,
			})
		case models.PartToolResult:
			cm.Content = append(cm.Content, CompletionPart{
				Type: CompletionPartToolResult, ToolCallID: part.ToolCallID,
				ToolOutput: part.ToolOutput, ToolIsError: part.ToolIsError,
			})
		}
	}
	return cm
}

func completionFromToolResult(call *ToolCallChunk, result models.ToolResult) CompletionMessage {
	return CompletionMessage{
		Role: string(models.RoleTool),
		Content: []CompletionPart{{
			Type: CompletionPartToolResult, ToolCallID: call.ID,
			ToolOutput: toolResultText(result), ToolIsError: result.IsError(),
		}},
	}
}
