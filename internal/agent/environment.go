package agent

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/relaycore/agentcore/pkg/models"
)

// Environment is the single façade external callers (CLI, RPC handlers, MCP
// bridges) use to drive an agent: run a query, dispatch a one-off action
// outside a run, register a tool, call the LLM Gateway directly, and
// subscribe to the run's event stream. It owns no state of its own beyond
// the subscriber list — everything else is delegated to the loop/executor/
// registry it wraps.
type Environment struct {
	loop     *AgenticLoop
	executor *Executor
	registry *ToolRegistry

	mu     sync.RWMutex
	nextID int
	sinks  map[int]EventSink
}

// NewEnvironment wraps a loop, its executor, and its tool registry behind
// the Environment façade.
func NewEnvironment(loop *AgenticLoop, executor *Executor, registry *ToolRegistry) *Environment {
	return &Environment{
		loop:     loop,
		executor: executor,
		registry: registry,
		sinks:    make(map[int]EventSink),
	}
}

// HandleQuery runs query to completion, fanning out stream events to every
// subscriber in addition to whatever sink rc.Sink already names.
func (e *Environment) HandleQuery(ctx context.Context, query string, rc RunContext, allowedTools []string) (string, error) {
	rc.Sink = e.fanout(rc.Sink)
	return e.loop.Run(ctx, query, rc, allowedTools)
}

// HandleAction dispatches a single Action directly through the tool
// registry, bypassing the agent loop — for callers driving a tool call that
// didn't originate from an LLM turn (a scheduled job, a UI button, a replay).
func (e *Environment) HandleAction(ctx context.Context, action models.Action, tc ToolContext) (*models.ToolResult, error) {
	if tc.Metadata == nil && action.Metadata != nil {
		tc.Metadata = action.Metadata
	}
	params, err := json.Marshal(action.Args)
	if err != nil {
		msg := "invalid action arguments: " + err.Error()
		return &models.ToolResult{Error: msg, Output: msg}, nil
	}
	result, err := e.registry.Execute(ctx, action.ToolName, tc, params)
	if result != nil && action.ActionID != "" {
		result.ToolCallID = action.ActionID
	}
	return result, err
}

// RegisterTool adds tool to the environment's registry, making it available
// to both HandleQuery runs and direct HandleAction dispatch.
func (e *Environment) RegisterTool(tool Tool) {
	e.registry.Register(tool)
}

// InvokeLLM calls the LLM Gateway directly with req, resolving req.Model
// through the loop's provider registry the same way a run would.
func (e *Environment) InvokeLLM(ctx context.Context, req *CompletionRequest) (<-chan *CompletionChunk, error) {
	provider, modelID, err := e.loop.resolveProvider(req.Model)
	if err != nil {
		return nil, err
	}
	req.Model = modelID
	return provider.Complete(ctx, req)
}

// Subscribe registers sink to receive every StreamEvent emitted by any
// HandleQuery run, returning an id to later Unsubscribe with.
func (e *Environment) Subscribe(sink EventSink) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nextID++
	e.sinks[e.nextID] = sink
	return e.nextID
}

// Unsubscribe removes a subscriber previously added with Subscribe.
func (e *Environment) Unsubscribe(id int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.sinks, id)
}

func (e *Environment) fanout(extra EventSink) EventSink {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if len(e.sinks) == 0 {
		return extra
	}
	sinks := make([]EventSink, 0, len(e.sinks)+1)
	for _, s := range e.sinks {
		sinks = append(sinks, s)
	}
	if extra != nil {
		sinks = append(sinks, extra)
	}
	return NewMultiSink(sinks...)
}
