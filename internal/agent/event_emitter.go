package agent

import (
	"context"
	"encoding/json"
	"time"

	"github.com/relaycore/agentcore/pkg/models"
)

// EventEmitter builds and dispatches models.StreamEvents for one agent run,
// stamping the common SessionID/RunID fields so call sites only supply the
// variant-specific data.
type EventEmitter struct {
	sessionID string
	runID     string
	sink      EventSink
}

// NewEventEmitter creates a new event emitter for an agent run with the given
// sink. If sink is nil, a NopSink is used.
func NewEventEmitter(sessionID, runID string, sink EventSink) *EventEmitter {
	if sink == nil {
		sink = NopSink{}
	}
	return &EventEmitter{sessionID: sessionID, runID: runID, sink: sink}
}

func (e *EventEmitter) base(t models.StreamEventType) models.StreamEvent {
	return models.StreamEvent{
		Type:      t,
		Time:      time.Now(),
		SessionID: e.sessionID,
		RunID:     e.runID,
	}
}

func (e *EventEmitter) emit(ctx context.Context, event models.StreamEvent) models.StreamEvent {
	if e.sink != nil {
		e.sink.Emit(ctx, event)
	}
	return event
}

// Start emits the stream-opening event naming the model that will answer.
func (e *EventEmitter) Start(ctx context.Context, model string) models.StreamEvent {
	event := e.base(models.StreamStart)
	event.Model = model
	return e.emit(ctx, event)
}

// Text emits a text delta, carrying both the incremental delta and the
// cumulative content produced so far.
func (e *EventEmitter) Text(ctx context.Context, content, delta string) models.StreamEvent {
	event := e.base(models.StreamText)
	event.Content = content
	event.Delta = delta
	return e.emit(ctx, event)
}

// Reasoning emits a reasoning delta from the model's extended-thinking stream.
func (e *EventEmitter) Reasoning(ctx context.Context, reasoning string) models.StreamEvent {
	event := e.base(models.StreamReasoning)
	event.Reasoning = reasoning
	return e.emit(ctx, event)
}

// ToolCall emits the moment the model has finished requesting a tool call.
func (e *EventEmitter) ToolCall(ctx context.Context, callID, name string, args json.RawMessage) models.StreamEvent {
	event := e.base(models.StreamToolCall)
	event.ToolCallID = callID
	event.ToolName = name
	event.ToolArgs = args
	return e.emit(ctx, event)
}

// ToolResult emits the outcome of a dispatched tool call.
func (e *EventEmitter) ToolResult(ctx context.Context, callID, output string, isErr bool, metadata map[string]any) models.StreamEvent {
	event := e.base(models.StreamToolResult)
	event.ToolCallID = callID
	event.ToolResult = output
	event.ToolIsErr = isErr
	event.Metadata = metadata
	return e.emit(ctx, event)
}

// Completed emits the stream-closing event for a successful run.
func (e *EventEmitter) Completed(ctx context.Context) models.StreamEvent {
	return e.emit(ctx, e.base(models.StreamCompleted))
}

// Error emits the stream-closing event for a failed run.
func (e *EventEmitter) Error(ctx context.Context, err error) models.StreamEvent {
	event := e.base(models.StreamError)
	if err != nil {
		event.Err = err.Error()
	}
	return e.emit(ctx, event)
}

// RunStats accumulates lightweight statistics about one agent run by
// observing the StreamEvents it produced. It is derived from the stream
// rather than a superset of it, so it only tracks what the stream contract
// actually exposes.
type RunStats struct {
	RunID       string
	StartedAt   time.Time
	FinishedAt  time.Time
	WallTime    time.Duration
	ToolCalls   int
	ToolErrors  int
	InputChars  int
	OutputChars int
	Errored     bool
}

// StatsCollector accumulates RunStats by processing StreamEvents as they're emitted.
type StatsCollector struct {
	stats RunStats
}

// NewStatsCollector creates a new stats collector for the given run ID.
func NewStatsCollector(runID string) *StatsCollector {
	return &StatsCollector{stats: RunStats{RunID: runID, StartedAt: time.Now()}}
}

// OnEvent processes one event and updates the accumulated statistics.
func (c *StatsCollector) OnEvent(_ context.Context, e models.StreamEvent) {
	switch e.Type {
	case models.StreamText:
		c.stats.OutputChars += len(e.Delta)
	case models.StreamToolCall:
		c.stats.ToolCalls++
		c.stats.InputChars += len(e.ToolArgs)
	case models.StreamToolResult:
		if e.ToolIsErr {
			c.stats.ToolErrors++
		}
	case models.StreamError:
		c.stats.Errored = true
	case models.StreamCompleted:
		c.stats.FinishedAt = e.Time
		c.stats.WallTime = e.Time.Sub(c.stats.StartedAt)
	}
}

// Stats returns a copy of the accumulated statistics, finalizing WallTime
// against the current time if the run hasn't emitted a completed/error event yet.
func (c *StatsCollector) Stats() RunStats {
	stats := c.stats
	if stats.FinishedAt.IsZero() {
		stats.FinishedAt = time.Now()
		stats.WallTime = stats.FinishedAt.Sub(stats.StartedAt)
	}
	return stats
}
