package agent

import (
	"context"
	"encoding/json"

	"github.com/relaycore/agentcore/internal/abort"
	"github.com/relaycore/agentcore/pkg/models"
)

// CompletionMessage is the provider-facing view of one conversation turn.
// Content carries the same ordered tagged-union Parts as models.Message so a
// provider adapter never has to juggle parallel text/tool-call/tool-result
// fields when assembling a request.
type CompletionMessage struct {
	Role    string
	Content []CompletionPart
}

// CompletionPartType mirrors models.PartType for the subset a provider needs
// to see on the way into a completion request.
type CompletionPartType string

const (
	CompletionPartText       CompletionPartType = "text"
	CompletionPartToolCall   CompletionPartType = "tool_call"
	CompletionPartToolResult CompletionPartType = "tool_result"
)

type CompletionPart struct {
	Type CompletionPartType

	Text string // text

	ToolCallID string          // tool_call, tool_result
	ToolName   string          // tool_call
	ToolArgs   json.RawMessage // tool_call

	ToolOutput  string // tool_result
	ToolIsError bool   // tool_result
}

// ToolContext carries the per-call identity and environment a tool's
// Execute method needs but which never belongs in its JSON parameters:
// working directory, session/user identity, the run's abort signal, and
// caller-supplied metadata. The dispatcher builds one per call and passes
// it alongside the model-supplied params.
type ToolContext struct {
	WorkDir   string
	SessionID string
	UserID    string

	// Abort, when non-nil, is the run's cancellation signal; a long-running
	// tool should select on Abort.Done() the same way it would on ctx.Done().
	Abort *abort.Signal

	Metadata map[string]any
}

// Tool is a callable tool: its name, its prompt description, and its
// JSON-Schema parameter contract for LLM providers to advertise, plus the
// Execute method the dispatcher invokes once the model calls it.
type Tool interface {
	Name() string
	Description() string
	Schema() json.RawMessage
	Execute(ctx context.Context, tc ToolContext, params json.RawMessage) (*models.ToolResult, error)
}

// CompletionRequest is one InvokeLLM call normalized for a provider adapter.
type CompletionRequest struct {
	Model     string
	System    string
	Messages  []CompletionMessage
	Tools     []Tool
	MaxTokens int

	// EnableThinking requests the provider's extended-reasoning mode, surfaced
	// back to the caller as reasoning-delta chunks, where the provider
	// supports it. Providers that don't support it ignore the field.
	EnableThinking       bool
	ThinkingBudgetTokens int
}

// CompletionChunk is one frame of a provider's streamed response. Exactly one
// of Text/Reasoning/ToolCall/Done/Error is meaningful per chunk.
type CompletionChunk struct {
	Text      string
	Reasoning string
	ToolCall  *ToolCallChunk

	InputTokens  int
	OutputTokens int
	Done         bool

	Error error
}

// ToolCallChunk is a fully-assembled tool call as reported by a provider once
// its streamed arguments are complete.
type ToolCallChunk struct {
	ID    string
	Name  string
	Input json.RawMessage
}

// Model describes one model a provider exposes, for capability lookups the
// LLM Gateway needs before dispatching a request (context window sizing,
// vision support, and so on).
type Model struct {
	ID             string
	Name           string
	ContextWindow  int
	SupportsVision bool
	SupportsTools  bool
}

// LLMProvider is the seam every provider adapter implements. A provider never
// sees a models.Message directly — the Gateway normalizes to CompletionMessage
// first, keeping provider code independent of the session/store data model.
type LLMProvider interface {
	Name() string
	Models() []Model
	SupportsTools() bool
	Complete(ctx context.Context, req *CompletionRequest) (<-chan *CompletionChunk, error)
}
