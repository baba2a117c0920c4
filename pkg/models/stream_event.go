package models

import (
	"encoding/json"
	"time"
)

// StreamEventType is one of the seven variants the core emits to subscribers
// during a HandleQuery run.
type StreamEventType string

const (
	StreamStart      StreamEventType = "start"
	StreamText       StreamEventType = "text"
	StreamReasoning  StreamEventType = "reasoning"
	StreamToolCall   StreamEventType = "tool_call"
	StreamToolResult StreamEventType = "tool_result"
	StreamCompleted  StreamEventType = "completed"
	StreamError      StreamEventType = "error"
)

// StreamEvent is one frame emitted from the core to subscribers during a run.
// Exactly one of the variant-specific field groups below is meaningful for a
// given Type; the rest are zero-valued.
type StreamEvent struct {
	Type      StreamEventType `json:"type"`
	Time      time.Time       `json:"time"`
	SessionID string          `json:"session_id,omitempty"`
	RunID     string          `json:"run_id,omitempty"`

	// start
	Model string `json:"model,omitempty"`

	// text: Content is cumulative, Delta is the latest increment.
	Content string `json:"content,omitempty"`
	Delta   string `json:"delta,omitempty"`

	// reasoning
	Reasoning string `json:"reasoning,omitempty"`

	// tool_call
	ToolName   string          `json:"tool_name,omitempty"`
	ToolArgs   json.RawMessage `json:"tool_args,omitempty"`
	ToolCallID string          `json:"tool_call_id,omitempty"`

	// tool_result
	ToolResult string         `json:"tool_result,omitempty"`
	ToolIsErr  bool           `json:"tool_is_error,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`

	// error
	Err string `json:"error,omitempty"`
}
