package agent

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/relaycore/agentcore/internal/abort"
	"github.com/relaycore/agentcore/internal/sessions"
	"github.com/relaycore/agentcore/pkg/models"
)

// loopTestProvider allows a test to control LLM responses call by call.
type loopTestProvider struct {
	responses   [][]CompletionChunk
	currentCall int32
	completeFn  func(ctx context.Context, req *CompletionRequest) (<-chan *CompletionChunk, error)
}

func (p *loopTestProvider) Complete(ctx context.Context, req *CompletionRequest) (<-chan *CompletionChunk, error) {
	if p.completeFn != nil {
		return p.completeFn(ctx, req)
	}

	call := int(atomic.AddInt32(&p.currentCall, 1)) - 1
	ch := make(chan *CompletionChunk, 10)

	go func() {
		defer close(ch)
		if call < len(p.responses) {
			for i := range p.responses[call] {
				chunk := p.responses[call][i]
				select {
				case ch <- &chunk:
				case <-ctx.Done():
					ch <- &CompletionChunk{Error: ctx.Err()}
					return
				}
			}
		}
	}()

	return ch, nil
}

func (p *loopTestProvider) Name() string        { return "loop-test" }
func (p *loopTestProvider) Models() []Model     { return nil }
func (p *loopTestProvider) SupportsTools() bool { return true }

// loopMemoryStore is a minimal sessions.Store for loop tests.
type loopMemoryStore struct {
	history  []*models.Message
	messages []*models.Message
}

func newLoopMemoryStore() *loopMemoryStore {
	return &loopMemoryStore{}
}

func (s *loopMemoryStore) Create(ctx context.Context, session *models.Session) error { return nil }
func (s *loopMemoryStore) Get(ctx context.Context, id string) (*models.Session, error) {
	return nil, nil
}
func (s *loopMemoryStore) Update(ctx context.Context, session *models.Session) error { return nil }
func (s *loopMemoryStore) Delete(ctx context.Context, id string) error               { return nil }
func (s *loopMemoryStore) GetByKey(ctx context.Context, key string) (*models.Session, error) {
	return nil, nil
}
func (s *loopMemoryStore) GetOrCreate(ctx context.Context, key string, agentID string) (*models.Session, error) {
	return nil, nil
}
func (s *loopMemoryStore) List(ctx context.Context, agentID string, opts sessions.ListOptions) ([]*models.Session, error) {
	return nil, nil
}
func (s *loopMemoryStore) AppendMessage(ctx context.Context, sessionID string, msg *models.Message) error {
	s.messages = append(s.messages, msg)
	return nil
}
func (s *loopMemoryStore) GetHistory(ctx context.Context, sessionID, branchID string, limit int) ([]*models.Message, error) {
	return s.history, nil
}

func newTestLoop(provider LLMProvider, registry *ToolRegistry, store sessions.Store, config *LoopConfig) *AgenticLoop {
	return NewAgenticLoop(provider, NewExecutor(registry, nil), store, config)
}

// Scenario 1: text-only reply.
func TestAgenticLoop_TextOnlyReply(t *testing.T) {
	provider := &loopTestProvider{
		responses: [][]CompletionChunk{
			{{Text: "Hello! How can I help you?"}},
		},
	}

	loop := newTestLoop(provider, NewToolRegistry(), newLoopMemoryStore(), nil)

	text, err := loop.Run(context.Background(), "hi", RunContext{SessionID: "s1"}, nil)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if text != "Hello! How can I help you?" {
		t.Errorf("text = %q, want %q", text, "Hello! How can I help you?")
	}
	if provider.currentCall != 1 {
		t.Errorf("provider called %d times, want 1", provider.currentCall)
	}
}

func TestAgenticLoop_RecordsLLMMetrics(t *testing.T) {
	provider := &loopTestProvider{
		responses: [][]CompletionChunk{
			{{Text: "hi", InputTokens: 12, OutputTokens: 3}},
		},
	}

	loop := newTestLoop(provider, NewToolRegistry(), newLoopMemoryStore(), nil)
	loop.SetObservability(testObsMetrics, nil)

	if _, err := loop.Run(context.Background(), "hi", RunContext{SessionID: "s1"}, nil); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	count := testutil.ToFloat64(testObsMetrics.LLMRequestCounter.WithLabelValues("loop-test", "", "success"))
	if count != 1 {
		t.Errorf("LLMRequestCounter = %v, want 1", count)
	}
}

// Scenario 2: single tool call, then a final answer.
func TestAgenticLoop_SingleToolCall(t *testing.T) {
	provider := &loopTestProvider{
		responses: [][]CompletionChunk{
			{{ToolCall: &ToolCallChunk{ID: "call_123", Name: "bash", Input: json.RawMessage(`{"command":"echo test"}`)}}},
			{{Text: "Final answer"}},
		},
	}

	registry := NewToolRegistry()
	registry.Register(&mockTool{
		name: "bash",
		execFunc: func(ctx context.Context, params json.RawMessage) (*models.ToolResult, error) {
			return &models.ToolResult{Output: "tool output", Success: true}, nil
		},
	})

	store := newLoopMemoryStore()
	loop := newTestLoop(provider, registry, store, nil)

	text, err := loop.Run(context.Background(), "hi", RunContext{SessionID: "s1"}, nil)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if text != "Final answer" {
		t.Errorf("text = %q, want %q", text, "Final answer")
	}

	if len(store.messages) != 4 {
		t.Fatalf("got %d persisted messages, want 4", len(store.messages))
	}
	wantRoles := []models.Role{models.RoleUser, models.RoleAssistant, models.RoleTool, models.RoleAssistant}
	for i, want := range wantRoles {
		if store.messages[i].Role != want {
			t.Errorf("message %d role = %s, want %s", i, store.messages[i].Role, want)
		}
	}
	if store.messages[2].ToolCallID != "call_123" {
		t.Errorf("tool message ToolCallID = %q, want %q", store.messages[2].ToolCallID, "call_123")
	}
	if store.messages[2].Text() != "tool output" {
		t.Errorf("tool message text = %q, want %q", store.messages[2].Text(), "tool output")
	}
}

// Scenario 3: tool failure surfaces as an error tool-result and the run continues.
func TestAgenticLoop_ToolFailureThenRecovery(t *testing.T) {
	provider := &loopTestProvider{
		responses: [][]CompletionChunk{
			{{ToolCall: &ToolCallChunk{ID: "call-1", Name: "bash", Input: json.RawMessage(`{}`)}}},
			{{Text: "Got error"}},
		},
	}

	registry := NewToolRegistry()
	registry.Register(&mockTool{
		name: "bash",
		execFunc: func(ctx context.Context, params json.RawMessage) (*models.ToolResult, error) {
			return &models.ToolResult{Error: "Command not found", Success: false}, nil
		},
	})

	store := newLoopMemoryStore()
	loop := newTestLoop(provider, registry, store, nil)

	text, err := loop.Run(context.Background(), "hi", RunContext{SessionID: "s1"}, nil)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if text != "Got error" {
		t.Errorf("text = %q, want %q", text, "Got error")
	}
	if !strings.Contains(store.messages[2].Text(), "Error: Command not found") {
		t.Errorf("tool message text = %q, want it to contain %q", store.messages[2].Text(), "Error: Command not found")
	}
}

// Scenario 4: loop detection after N identical calls.
func TestAgenticLoop_LoopDetection(t *testing.T) {
	callCount := 0
	provider := &loopTestProvider{
		completeFn: func(ctx context.Context, req *CompletionRequest) (<-chan *CompletionChunk, error) {
			callCount++
			ch := make(chan *CompletionChunk, 1)
			if callCount <= 5 {
				ch <- &CompletionChunk{ToolCall: &ToolCallChunk{ID: "call-x", Name: "bash", Input: json.RawMessage(`{"c":"x"}`)}}
			} else {
				ch <- &CompletionChunk{Text: "done"}
			}
			close(ch)
			return ch, nil
		},
	}

	var execCount int32
	registry := NewToolRegistry()
	registry.Register(&mockTool{
		name: "bash",
		execFunc: func(ctx context.Context, params json.RawMessage) (*models.ToolResult, error) {
			atomic.AddInt32(&execCount, 1)
			return &models.ToolResult{Output: "ok", Success: true}, nil
		},
	})

	store := newLoopMemoryStore()
	loop := newTestLoop(provider, registry, store, nil)

	text, err := loop.Run(context.Background(), "hi", RunContext{SessionID: "s1"}, nil)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if text != "done" {
		t.Errorf("text = %q, want %q", text, "done")
	}
	// Only 4 dispatches should have reached the tool; the 5th is intercepted.
	if execCount != 4 {
		t.Errorf("tool executed %d times, want 4", execCount)
	}
	found := false
	for _, m := range store.messages {
		if m.Role == models.RoleTool && strings.Contains(m.Text(), "Doom loop detected") {
			found = true
		}
	}
	if !found {
		t.Error("expected a doom-loop tool-result message in history")
	}
}

// Scenario 5: invalid JSON arguments produce a synthetic tool-result.
func TestAgenticLoop_InvalidJSONArguments(t *testing.T) {
	provider := &loopTestProvider{
		responses: [][]CompletionChunk{
			{{ToolCall: &ToolCallChunk{ID: "call_9", Name: "bash", Input: json.RawMessage(`invalid json`)}}},
			{{Text: "handled"}},
		},
	}

	registry := NewToolRegistry()
	registry.Register(&mockTool{name: "bash"})

	store := newLoopMemoryStore()
	loop := newTestLoop(provider, registry, store, nil)

	text, err := loop.Run(context.Background(), "hi", RunContext{SessionID: "s1"}, nil)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if text != "handled" {
		t.Errorf("text = %q, want %q", text, "handled")
	}
	if !strings.Contains(store.messages[2].Text(), "Invalid JSON in arguments") {
		t.Errorf("tool message text = %q, want it to contain %q", store.messages[2].Text(), "Invalid JSON in arguments")
	}
}

// Scenario 6: abort mid-run raises rather than returning an error string.
func TestAgenticLoop_AbortMidRun(t *testing.T) {
	mgr := abort.NewManager()
	sig := mgr.Create("s1")

	started := make(chan struct{})
	provider := &loopTestProvider{
		completeFn: func(ctx context.Context, req *CompletionRequest) (<-chan *CompletionChunk, error) {
			close(started)
			<-ctx.Done()
			ch := make(chan *CompletionChunk, 1)
			ch <- &CompletionChunk{Error: ctx.Err()}
			close(ch)
			return ch, nil
		},
	}

	loop := newTestLoop(provider, NewToolRegistry(), newLoopMemoryStore(), nil)

	done := make(chan struct{})
	var gotErr error
	go func() {
		defer close(done)
		_, gotErr = loop.Run(context.Background(), "hi", RunContext{SessionID: "s1", Abort: sig}, nil)
	}()

	<-started
	mgr.Abort("s1")
	<-done

	if gotErr == nil {
		t.Fatal("expected an abort error")
	}
	if !strings.Contains(gotErr.Error(), "aborted") {
		t.Errorf("error = %v, want it to mention abort", gotErr)
	}
}

func TestAgenticLoop_MaxIterationsReached(t *testing.T) {
	provider := &loopTestProvider{
		completeFn: func(ctx context.Context, req *CompletionRequest) (<-chan *CompletionChunk, error) {
			ch := make(chan *CompletionChunk, 1)
			ch <- &CompletionChunk{ToolCall: &ToolCallChunk{ID: "call-infinite", Name: "noop", Input: json.RawMessage(`{"n":1}`)}}
			close(ch)
			return ch, nil
		},
	}

	registry := NewToolRegistry()
	n := 0
	registry.Register(&mockTool{
		name: "noop",
		execFunc: func(ctx context.Context, params json.RawMessage) (*models.ToolResult, error) {
			n++
			return &models.ToolResult{Output: "ok", Success: true}, nil
		},
	})

	config := DefaultLoopConfig()
	config.MaxIterations = 3
	config.DoomLoopThreshold = 1000 // keep loop detection out of the way for this test

	loop := newTestLoop(provider, registry, newLoopMemoryStore(), config)

	text, err := loop.Run(context.Background(), "loop forever", RunContext{SessionID: "s1"}, nil)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if text != "Error: max iterations reached" {
		t.Errorf("text = %q, want %q", text, "Error: max iterations reached")
	}
}

func TestAgenticLoop_ToolNotInAllowedList(t *testing.T) {
	provider := &loopTestProvider{
		responses: [][]CompletionChunk{
			{{ToolCall: &ToolCallChunk{ID: "call-1", Name: "dangerous", Input: json.RawMessage(`{}`)}}},
			{{Text: "ok"}},
		},
	}

	registry := NewToolRegistry()
	registry.Register(&mockTool{name: "dangerous"})

	store := newLoopMemoryStore()
	loop := newTestLoop(provider, registry, store, nil)

	_, err := loop.Run(context.Background(), "hi", RunContext{SessionID: "s1"}, []string{"bash"})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if !strings.Contains(store.messages[2].Text(), "is not available") {
		t.Errorf("tool message text = %q, want it to mention unavailability", store.messages[2].Text())
	}
}

func TestAgenticLoop_ProviderErrorRetriesThenGivesUp(t *testing.T) {
	attempts := 0
	provider := &loopTestProvider{
		completeFn: func(ctx context.Context, req *CompletionRequest) (<-chan *CompletionChunk, error) {
			attempts++
			return nil, errors.New("connection reset")
		},
	}

	config := DefaultLoopConfig()
	config.RetryDelay = time.Millisecond
	config.MaxRetryDelay = 5 * time.Millisecond
	config.MaxErrorRetries = 2

	loop := newTestLoop(provider, NewToolRegistry(), newLoopMemoryStore(), config)

	text, err := loop.Run(context.Background(), "hi", RunContext{SessionID: "s1"}, nil)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if !strings.HasPrefix(text, "Error:") {
		t.Errorf("text = %q, want it to start with %q", text, "Error:")
	}
	if attempts != 3 { // initial + 2 retries
		t.Errorf("attempts = %d, want 3", attempts)
	}
}

func TestAgenticLoop_ProviderErrorNonRetryable(t *testing.T) {
	attempts := 0
	provider := &loopTestProvider{
		completeFn: func(ctx context.Context, req *CompletionRequest) (<-chan *CompletionChunk, error) {
			attempts++
			return nil, errors.New("401 unauthorized: invalid api key")
		},
	}

	loop := newTestLoop(provider, NewToolRegistry(), newLoopMemoryStore(), nil)

	text, err := loop.Run(context.Background(), "hi", RunContext{SessionID: "s1"}, nil)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if !strings.HasPrefix(text, "Error:") {
		t.Errorf("text = %q, want it to start with %q", text, "Error:")
	}
	if attempts != 1 {
		t.Errorf("attempts = %d, want 1 (non-retryable)", attempts)
	}
}

func TestAgenticLoop_NilConfigUsesDefaults(t *testing.T) {
	provider := &loopTestProvider{responses: [][]CompletionChunk{{{Text: "ok"}}}}
	loop := newTestLoop(provider, NewToolRegistry(), newLoopMemoryStore(), nil)

	text, err := loop.Run(context.Background(), "hi", RunContext{SessionID: "s1"}, nil)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if text != "ok" {
		t.Errorf("text = %q, want %q", text, "ok")
	}
}

func TestAgenticLoop_RunWithBranch(t *testing.T) {
	provider := &loopTestProvider{responses: [][]CompletionChunk{{{Text: "branched response"}}}}
	store := newLoopMemoryStore()
	loop := newTestLoop(provider, NewToolRegistry(), store, nil)

	text, err := loop.RunWithBranch(context.Background(), "hi", "branch-abc", RunContext{SessionID: "s1"}, nil)
	if err != nil {
		t.Fatalf("RunWithBranch() error = %v", err)
	}
	if text != "branched response" {
		t.Errorf("text = %q, want %q", text, "branched response")
	}
	for _, m := range store.messages {
		if m.BranchID != "branch-abc" {
			t.Errorf("message BranchID = %q, want %q", m.BranchID, "branch-abc")
		}
	}
}

func TestAgenticLoop_OnMessageAddedPanicIsSwallowed(t *testing.T) {
	provider := &loopTestProvider{responses: [][]CompletionChunk{{{Text: "ok"}}}}
	loop := newTestLoop(provider, NewToolRegistry(), newLoopMemoryStore(), nil)

	rc := RunContext{
		SessionID: "s1",
		OnMessageAdded: func(msg *models.Message) {
			panic("observer exploded")
		},
	}

	text, err := loop.Run(context.Background(), "hi", rc, nil)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if text != "ok" {
		t.Errorf("text = %q, want %q", text, "ok")
	}
}

func TestAgenticLoop_SetDefaultModelAndSystem(t *testing.T) {
	var capturedModel, capturedSystem string
	provider := &loopTestProvider{
		completeFn: func(ctx context.Context, req *CompletionRequest) (<-chan *CompletionChunk, error) {
			capturedModel = req.Model
			capturedSystem = req.System
			ch := make(chan *CompletionChunk, 1)
			ch <- &CompletionChunk{Text: "ok"}
			close(ch)
			return ch, nil
		},
	}

	loop := newTestLoop(provider, NewToolRegistry(), newLoopMemoryStore(), nil)
	loop.SetDefaultModel("gpt-4-turbo")
	loop.SetDefaultSystem("You are a helpful assistant.")

	if _, err := loop.Run(context.Background(), "hi", RunContext{SessionID: "s1"}, nil); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if capturedModel != "gpt-4-turbo" {
		t.Errorf("model = %q, want %q", capturedModel, "gpt-4-turbo")
	}
	if capturedSystem != "You are a helpful assistant." {
		t.Errorf("system = %q, want %q", capturedSystem, "You are a helpful assistant.")
	}
}

func TestAgenticLoop_ConfigureTool(t *testing.T) {
	provider := &loopTestProvider{responses: [][]CompletionChunk{{{Text: "ok"}}}}
	registry := NewToolRegistry()
	registry.Register(&mockTool{name: "slow_tool"})

	loop := newTestLoop(provider, registry, newLoopMemoryStore(), nil)
	loop.ConfigureTool("slow_tool", &ToolConfig{Timeout: 5 * time.Second, Retries: 3, Priority: 10})

	tc := loop.executor.getToolConfig("slow_tool")
	if tc == nil {
		t.Fatal("expected tool config to be set")
	}
	if tc.Timeout != 5*time.Second {
		t.Errorf("timeout = %v, want 5s", tc.Timeout)
	}
}

func TestDefaultLoopConfig(t *testing.T) {
	config := DefaultLoopConfig()
	if config.MaxIterations != 100 {
		t.Errorf("MaxIterations = %d, want 100", config.MaxIterations)
	}
	if config.MaxErrorRetries != 3 {
		t.Errorf("MaxErrorRetries = %d, want 3", config.MaxErrorRetries)
	}
	if config.DoomLoopThreshold != 5 {
		t.Errorf("DoomLoopThreshold = %d, want 5", config.DoomLoopThreshold)
	}
	if config.ExecutorConfig == nil {
		t.Error("ExecutorConfig should not be nil")
	}
}

func TestToolFingerprint_StableAcrossKeyOrder(t *testing.T) {
	a := toolFingerprint("bash", json.RawMessage(`{"a":1,"b":2}`))
	b := toolFingerprint("bash", json.RawMessage(`{"b":2,"a":1}`))
	if a != b {
		t.Errorf("fingerprints differ across key order: %q vs %q", a, b)
	}
}

func TestLoopError_Error(t *testing.T) {
	tests := []struct {
		name     string
		err      *LoopError
		contains string
	}{
		{"with message", &LoopError{Phase: PhaseStream, Iteration: 2, Message: "streaming failed"}, "streaming failed"},
		{"with cause", &LoopError{Phase: PhaseExecuteTools, Iteration: 1, Cause: errors.New("tool error")}, "tool error"},
		{"phase only", &LoopError{Phase: PhaseComplete, Iteration: 3}, "complete"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			errStr := tt.err.Error()
			if !strings.Contains(strings.ToLower(errStr), strings.ToLower(tt.contains)) {
				t.Errorf("error string %q should contain %q", errStr, tt.contains)
			}
		})
	}
}

func TestLoopError_Unwrap(t *testing.T) {
	cause := errors.New("underlying error")
	loopErr := &LoopError{Phase: PhaseInit, Cause: cause}
	if !errors.Is(loopErr, cause) {
		t.Error("LoopError should unwrap to its cause")
	}
}
