package models

import (
	"encoding/json"
	"time"
)

// Role indicates the message author type.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// PartType discriminates the tagged variants that make up a Message's content.
//
// Assistant turns interleave free text, model reasoning, and tool calls in the
// order the provider emitted them. Representing that as parallel slices loses
// the interleaving; Part preserves it by keeping one ordered []Part per message.
type PartType string

const (
	PartText       PartType = "text"
	PartReasoning  PartType = "reasoning"
	PartToolCall   PartType = "tool_call"
	PartToolResult PartType = "tool_result"
)

// Part is one tagged variant of a Message's content, in emission order.
// Exactly one of the variant-specific field groups is populated, selected by Type.
type Part struct {
	Type PartType `json:"type"`

	// Text holds the payload for PartText and PartReasoning.
	Text string `json:"text,omitempty"`

	// ToolCallID identifies the call for PartToolCall and PartToolResult.
	ToolCallID string `json:"tool_call_id,omitempty"`

	// ToolName is set on PartToolCall and mirrored onto PartToolResult for readability.
	ToolName string `json:"tool_name,omitempty"`

	// ToolArgs carries PartToolCall's raw, provider-reported argument JSON.
	ToolArgs json.RawMessage `json:"tool_args,omitempty"`

	// ToolOutput and ToolIsError carry PartToolResult's outcome.
	ToolOutput  string `json:"tool_output,omitempty"`
	ToolIsError bool   `json:"tool_is_error,omitempty"`
}

// NewTextPart builds a PartText variant.
func NewTextPart(text string) Part { return Part{Type: PartText, Text: text} }

// NewReasoningPart builds a PartReasoning variant. Reasoning is stored verbatim
// so replays see exactly what the model produced.
func NewReasoningPart(text string) Part { return Part{Type: PartReasoning, Text: text} }

// NewToolCallPart builds a PartToolCall variant.
func NewToolCallPart(id, name string, args json.RawMessage) Part {
	return Part{Type: PartToolCall, ToolCallID: id, ToolName: name, ToolArgs: args}
}

// NewToolResultPart builds a PartToolResult variant.
func NewToolResultPart(id, name, output string, isError bool) Part {
	return Part{Type: PartToolResult, ToolCallID: id, ToolName: name, ToolOutput: output, ToolIsError: isError}
}

// Message is one entry in a session's append-only history.
//
// ToolCallID is populated on tool-role messages both here and inside the
// lone PartToolResult the message carries, so providers that only look at
// top-level fields and providers that walk Content both see the correlation id.
type Message struct {
	ID          string         `json:"id"`
	SessionID   string         `json:"session_id"`
	BranchID    string         `json:"branch_id,omitempty"`
	SequenceNum int64          `json:"sequence_num,omitempty"`
	Role        Role           `json:"role"`
	Content     []Part         `json:"content"`
	ToolCallID  string         `json:"tool_call_id,omitempty"`
	Attachments []Attachment   `json:"attachments,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}

// Text concatenates every PartText in the message, in order. Useful for
// callers that only care about the final textual answer.
func (m *Message) Text() string {
	var out string
	for _, p := range m.Content {
		if p.Type == PartText {
			out += p.Text
		}
	}
	return out
}

// ToolCalls returns every PartToolCall in the message, in emission order.
func (m *Message) ToolCalls() []Part {
	var out []Part
	for _, p := range m.Content {
		if p.Type == PartToolCall {
			out = append(out, p)
		}
	}
	return out
}

// NewAssistantMessage composes an assistant turn from the spec §4.1(d) ordering:
// text-part (if any), reasoning-part (if any), then one tool-call-part per call.
func NewAssistantMessage(sessionID, branchID string, text, reasoning string, calls []ToolCall) *Message {
	msg := &Message{
		SessionID: sessionID,
		BranchID:  branchID,
		Role:      RoleAssistant,
		CreatedAt: time.Now(),
	}
	if text != "" {
		msg.Content = append(msg.Content, NewTextPart(text))
	}
	if reasoning != "" {
		msg.Content = append(msg.Content, NewReasoningPart(reasoning))
	}
	for _, c := range calls {
		msg.Content = append(msg.Content, NewToolCallPart(c.ID, c.Name, c.Input))
	}
	return msg
}

// NewToolMessage builds a tool-role message carrying a single PartToolResult,
// with ToolCallID set at both the message level and the part level.
func NewToolMessage(sessionID, branchID, toolCallID, toolName, output string, isError bool) *Message {
	return &Message{
		SessionID:  sessionID,
		BranchID:   branchID,
		Role:       RoleTool,
		ToolCallID: toolCallID,
		Content:    []Part{NewToolResultPart(toolCallID, toolName, output, isError)},
		CreatedAt:  time.Now(),
	}
}

// NewUserMessage builds a single-text-part user message.
func NewUserMessage(sessionID, branchID, text string) *Message {
	return &Message{
		SessionID: sessionID,
		BranchID:  branchID,
		Role:      RoleUser,
		Content:   []Part{NewTextPart(text)},
		CreatedAt: time.Now(),
	}
}

// Attachment represents a file or media attachment carried alongside a message.
type Attachment struct {
	ID       string `json:"id"`
	Type     string `json:"type"` // image, audio, video, document
	URL      string `json:"url"`
	Filename string `json:"filename,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
	Size     int64  `json:"size,omitempty"`
}

// ToolCall represents an LLM's request to execute a tool, as reported by the
// LLM Gateway before it is folded into an assistant Message's Content.
type ToolCall struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

// ToolResult represents the outcome of a single tool execution.
type ToolResult struct {
	ToolCallID string         `json:"tool_call_id"`
	Success    bool           `json:"success"`
	Output     string         `json:"output"`
	Error      string         `json:"error,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// IsError mirrors Success for callers that think in terms of failure, matching
// the teacher's ToolResult.IsError naming on the parts that still use it.
func (r ToolResult) IsError() bool { return !r.Success }

// User represents an authenticated user.
type User struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	Name      string    `json:"name,omitempty"`
	AvatarURL string    `json:"avatar_url,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Agent represents a configured AI agent.
type Agent struct {
	ID           string         `json:"id"`
	UserID       string         `json:"user_id"`
	Name         string         `json:"name"`
	SystemPrompt string         `json:"system_prompt,omitempty"`
	Model        string         `json:"model"`
	Provider     string         `json:"provider"`
	Tools        []string       `json:"tools,omitempty"`
	Config       map[string]any `json:"config,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// APIKey represents an API key for programmatic access.
type APIKey struct {
	ID         string    `json:"id"`
	UserID     string    `json:"user_id"`
	Name       string    `json:"name"`
	Prefix     string    `json:"prefix"`
	Scopes     []string  `json:"scopes,omitempty"`
	LastUsedAt time.Time `json:"last_used_at,omitempty"`
	ExpiresAt  time.Time `json:"expires_at,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}
