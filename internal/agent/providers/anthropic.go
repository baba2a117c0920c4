package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"
	"github.com/relaycore/agentcore/internal/agent"
)

// maxEmptyStreamEvents bounds how many consecutive events carrying no
// meaningful delta we tolerate before treating the stream as malformed.
const maxEmptyStreamEvents = 50

// AnthropicProvider implements agent.LLMProvider against Claude's Messages
// API, converting the Gateway's Part-based CompletionMessage into Anthropic's
// content-block format and re-emitting its SSE stream as CompletionChunks.
type AnthropicProvider struct {
	BaseProvider

	client       anthropic.Client
	defaultModel string
}

// AnthropicConfig configures an AnthropicProvider.
type AnthropicConfig struct {
	APIKey       string
	BaseURL      string
	MaxRetries   int
	RetryDelay   time.Duration
	DefaultModel string
}

// NewAnthropicProvider validates config and returns a ready-to-use provider.
func NewAnthropicProvider(config AnthropicConfig) (*AnthropicProvider, error) {
	if config.APIKey == "" {
		return nil, fmt.Errorf("anthropic: API key is required")
	}
	if config.DefaultModel == "" {
		config.DefaultModel = "claude-sonnet-4-20250514"
	}

	opts := []option.RequestOption{option.WithAPIKey(config.APIKey)}
	if strings.TrimSpace(config.BaseURL) != "" {
		opts = append(opts, option.WithBaseURL(config.BaseURL))
	}

	return &AnthropicProvider{
		BaseProvider: NewBaseProvider("anthropic", config.MaxRetries, config.RetryDelay),
		client:       anthropic.NewClient(opts...),
		defaultModel: config.DefaultModel,
	}, nil
}

func (p *AnthropicProvider) Name() string { return "anthropic" }

func (p *AnthropicProvider) SupportsTools() bool { return true }

func (p *AnthropicProvider) Models() []agent.Model {
	return []agent.Model{
		{ID: "claude-opus-4-20250514", Name: "Claude Opus 4", ContextWindow: 200000, SupportsVision: true, SupportsTools: true},
		{ID: "claude-sonnet-4-20250514", Name: "Claude Sonnet 4", ContextWindow: 200000, SupportsVision: true, SupportsTools: true},
		{ID: "claude-3-5-haiku-20241022", Name: "Claude 3.5 Haiku", ContextWindow: 200000, SupportsVision: true, SupportsTools: true},
	}
}

// Complete issues a streaming Messages request, retrying stream setup on
// retryable errors with exponential backoff, then hands the SSE stream to
// processStream which does the frame-by-frame translation into chunks.
func (p *AnthropicProvider) Complete(ctx context.Context, req *agent.CompletionRequest) (<-chan *agent.CompletionChunk, error) {
	chunks := make(chan *agent.CompletionChunk)

	go func() {
		defer close(chunks)

		var stream *ssestream.Stream[anthropic.MessageStreamEventUnion]
		var err error

		for attempt := 0; attempt <= p.maxRetries; attempt++ {
			stream, err = p.createStream(ctx, req)
			if err == nil {
				break
			}
			if !p.isRetryableError(err) {
				chunks <- &agent.CompletionChunk{Error: fmt.Errorf("anthropic: %w", err)}
				return
			}
			if attempt >= p.maxRetries {
				break
			}
			backoff := p.retryDelay * time.Duration(math.Pow(2, float64(attempt)))
			select {
			case <-ctx.Done():
				chunks <- &agent.CompletionChunk{Error: ctx.Err()}
				return
			case <-time.After(backoff):
			}
		}
		if err != nil {
			chunks <- &agent.CompletionChunk{Error: fmt.Errorf("anthropic: max retries exceeded: %w", err)}
			return
		}

		p.processStream(stream, chunks)
	}()

	return chunks, nil
}

func (p *AnthropicProvider) createStream(ctx context.Context, req *agent.CompletionRequest) (*ssestream.Stream[anthropic.MessageStreamEventUnion], error) {
	messages, err := p.convertMessages(req.Messages)
	if err != nil {
		return nil, fmt.Errorf("failed to convert messages: %w", err)
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(p.getModel(req.Model)),
		Messages:  messages,
		MaxTokens: int64(p.getMaxTokens(req.MaxTokens)),
	}
	if req.System != "" {
		// The system prompt is the most stable prefix of every request for a
		// given run — mark it as a cache breakpoint so repeated turns within
		// the same conversation don't re-bill it as fresh input.
		block := anthropic.TextBlockParam{Type: "text", Text: req.System}
		block.CacheControl = anthropic.NewCacheControlEphemeralParam()
		params.System = []anthropic.TextBlockParam{block}
	}
	if len(req.Tools) > 0 {
		tools, err := p.convertTools(req.Tools)
		if err != nil {
			return nil, fmt.Errorf("failed to convert tools: %w", err)
		}
		params.Tools = tools
	}
	if req.EnableThinking {
		budget := int64(req.ThinkingBudgetTokens)
		if budget < 1024 {
			budget = 10000
		}
		params.Thinking = anthropic.ThinkingConfigParamOfEnabled(budget)
	}

	return p.client.Messages.NewStreaming(ctx, params), nil
}

// convertMessages folds each CompletionMessage's ordered Parts into the
// content-block array Anthropic expects, in the same order they appear.
func (p *AnthropicProvider) convertMessages(messages []agent.CompletionMessage) ([]anthropic.MessageParam, error) {
	var result []anthropic.MessageParam

	for _, msg := range messages {
		if msg.Role == "system" {
			continue
		}

		var content []anthropic.ContentBlockParamUnion
		for _, part := range msg.Content {
			switch part.Type {
			case agent.CompletionPartText:
				if part.Text != "" {
					content = append(content, anthropic.NewTextBlock(part.Text))
				}
			case agent.CompletionPartToolCall:
				var input map[string]any
				if len(part.ToolArgs) > 0 {
					if err := json.Unmarshal(part.ToolArgs, &input); err != nil {
						return nil, fmt.Errorf("invalid tool call input: %w", err)
					}
				}
				content = append(content, anthropic.NewToolUseBlock(part.ToolCallID, input, part.ToolName))
			case agent.CompletionPartToolResult:
				content = append(content, anthropic.NewToolResultBlock(part.ToolCallID, part.ToolOutput, part.ToolIsError))
			}
		}
		if len(content) == 0 {
			continue
		}

		if msg.Role == "assistant" {
			result = append(result, anthropic.NewAssistantMessage(content...))
		} else {
			result = append(result, anthropic.NewUserMessage(content...))
		}
	}

	return result, nil
}

// convertTools builds the provider's tool list, dropping any tool the
// recursion guard flags as an internal helper (never advertise a tool whose
// job is to drive the agent loop itself back to the model) and marking a
// cache breakpoint on the last tool definition, since the tool list is
// stable across a run's turns just like the system prompt.
func (p *AnthropicProvider) convertTools(tools []agent.Tool) ([]anthropic.ToolUnionParam, error) {
	var result []anthropic.ToolUnionParam
	for _, tool := range tools {
		if agent.IsInternalTool(tool.Name()) {
			continue
		}
		var schema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(tool.Schema(), &schema); err != nil {
			return nil, fmt.Errorf("invalid tool schema for %s: %w", tool.Name(), err)
		}
		toolParam := anthropic.ToolUnionParamOfTool(schema, tool.Name())
		if toolParam.OfTool == nil {
			return nil, fmt.Errorf("invalid tool schema for %s: missing tool definition", tool.Name())
		}
		toolParam.OfTool.Description = anthropic.String(tool.Description())
		result = append(result, toolParam)
	}
	if len(result) > 0 && result[len(result)-1].OfTool != nil {
		result[len(result)-1].OfTool.CacheControl = anthropic.NewCacheControlEphemeralParam()
	}
	return result, nil
}

// processStream translates Anthropic's SSE frame types into CompletionChunks,
// assembling a tool call's streamed JSON fragments across input_json_delta
// events until its content_block_stop.
func (p *AnthropicProvider) processStream(stream *ssestream.Stream[anthropic.MessageStreamEventUnion], chunks chan<- *agent.CompletionChunk) {
	var currentToolCall *agent.ToolCallChunk
	var currentToolInput strings.Builder
	inThinkingBlock := false
	emptyEvents := 0

	var inputTokens, outputTokens int

	for stream.Next() {
		event := stream.Current()
		processed := false

		switch event.Type {
		case "message_start":
			start := event.AsMessageStart()
			if start.Message.Usage.InputTokens > 0 {
				inputTokens = int(start.Message.Usage.InputTokens)
			}
			processed = true

		case "content_block_start":
			block := event.AsContentBlockStart().ContentBlock
			switch block.Type {
			case "thinking":
				inThinkingBlock = true
				processed = true
			case "tool_use":
				toolUse := block.AsToolUse()
				currentToolCall = &agent.ToolCallChunk{ID: toolUse.ID, Name: toolUse.Name}
				currentToolInput.Reset()
				processed = true
			}

		case "content_block_delta":
			delta := event.AsContentBlockDelta().Delta
			switch delta.Type {
			case "text_delta":
				if delta.Text != "" {
					chunks <- &agent.CompletionChunk{Text: delta.Text}
					processed = true
				}
			case "thinking_delta":
				if delta.Thinking != "" {
					chunks <- &agent.CompletionChunk{Reasoning: delta.Thinking}
					processed = true
				}
			case "input_json_delta":
				if delta.PartialJSON != "" {
					currentToolInput.WriteString(delta.PartialJSON)
					processed = true
				}
			}

		case "content_block_stop":
			if inThinkingBlock {
				inThinkingBlock = false
				processed = true
			} else if currentToolCall != nil {
				currentToolCall.Input = json.RawMessage(currentToolInput.String())
				// A tool call with no name is not dispatchable; drop it here
				// rather than let it reach the loop and be mistaken for a
				// completed turn with no tool calls.
				if currentToolCall.Name != "" {
					chunks <- &agent.CompletionChunk{ToolCall: currentToolCall}
				}
				currentToolCall = nil
				processed = true
			}

		case "message_delta":
			delta := event.AsMessageDelta()
			if delta.Usage.OutputTokens > 0 {
				outputTokens = int(delta.Usage.OutputTokens)
			}
			processed = true

		case "message_stop":
			chunks <- &agent.CompletionChunk{Done: true, InputTokens: inputTokens, OutputTokens: outputTokens}
			return

		case "error":
			chunks <- &agent.CompletionChunk{Error: fmt.Errorf("anthropic: stream error")}
			return
		}

		if processed {
			emptyEvents = 0
		} else {
			emptyEvents++
			if emptyEvents >= maxEmptyStreamEvents {
				chunks <- &agent.CompletionChunk{Error: fmt.Errorf("anthropic: stream appears malformed after %d empty events", emptyEvents)}
				return
			}
		}
	}

	if err := stream.Err(); err != nil {
		chunks <- &agent.CompletionChunk{Error: fmt.Errorf("anthropic: %w", err)}
	}
}

func (p *AnthropicProvider) getModel(model string) string {
	if model == "" {
		return p.defaultModel
	}
	return model
}

func (p *AnthropicProvider) getMaxTokens(maxTokens int) int {
	if maxTokens <= 0 {
		return 4096
	}
	return maxTokens
}

// isRetryableError classifies transient Anthropic failures (rate limits,
// 5xx, timeouts, connection resets) as retryable; everything else, including
// authentication and validation errors, is not.
func (p *AnthropicProvider) isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, s := range []string{
		"rate_limit", "429", "too many requests",
		"500", "502", "503", "504",
		"internal server error", "bad gateway", "service unavailable", "gateway timeout",
		"timeout", "deadline exceeded",
		"connection reset", "connection refused", "no such host",
	} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}
