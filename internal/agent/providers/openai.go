package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/relaycore/agentcore/internal/agent"
)

// OpenAIProvider implements agent.LLMProvider against the Chat Completions
// streaming API, assembling each tool call's argument fragments across
// successive stream deltas the way the SDK's ToolCalls delta array requires.
type OpenAIProvider struct {
	BaseProvider

	client       *openai.Client
	defaultModel string
}

// OpenAIConfig configures an OpenAIProvider.
type OpenAIConfig struct {
	APIKey       string
	BaseURL      string
	MaxRetries   int
	RetryDelay   time.Duration
	DefaultModel string
}

// NewOpenAIProvider validates config and returns a ready-to-use provider.
func NewOpenAIProvider(config OpenAIConfig) (*OpenAIProvider, error) {
	if config.APIKey == "" {
		return nil, fmt.Errorf("openai: API key is required")
	}
	if config.DefaultModel == "" {
		config.DefaultModel = "gpt-4o"
	}

	clientConfig := openai.DefaultConfig(config.APIKey)
	if strings.TrimSpace(config.BaseURL) != "" {
		clientConfig.BaseURL = config.BaseURL
	}

	return &OpenAIProvider{
		BaseProvider: NewBaseProvider("openai", config.MaxRetries, config.RetryDelay),
		client:       openai.NewClientWithConfig(clientConfig),
		defaultModel: config.DefaultModel,
	}, nil
}

func (p *OpenAIProvider) Name() string { return "openai" }

func (p *OpenAIProvider) SupportsTools() bool { return true }

func (p *OpenAIProvider) Models() []agent.Model {
	return []agent.Model{
		{ID: "gpt-4o", Name: "GPT-4o", ContextWindow: 128000, SupportsVision: true, SupportsTools: true},
		{ID: "gpt-4o-mini", Name: "GPT-4o mini", ContextWindow: 128000, SupportsVision: true, SupportsTools: true},
		{ID: "o3-mini", Name: "o3-mini", ContextWindow: 200000, SupportsVision: false, SupportsTools: true},
	}
}

func (p *OpenAIProvider) Complete(ctx context.Context, req *agent.CompletionRequest) (<-chan *agent.CompletionChunk, error) {
	chunks := make(chan *agent.CompletionChunk)

	go func() {
		defer close(chunks)

		var stream *openai.ChatCompletionStream
		err := p.Retry(ctx, p.isRetryableError, func() error {
			var streamErr error
			stream, streamErr = p.client.CreateChatCompletionStream(ctx, p.buildRequest(req))
			return streamErr
		})
		if err != nil {
			chunks <- &agent.CompletionChunk{Error: fmt.Errorf("openai: %w", err)}
			return
		}
		defer stream.Close()

		p.processStream(stream, chunks)
	}()

	return chunks, nil
}

func (p *OpenAIProvider) buildRequest(req *agent.CompletionRequest) openai.ChatCompletionRequest {
	messages := p.convertMessages(req)
	ccr := openai.ChatCompletionRequest{
		Model:     p.getModel(req.Model),
		Messages:  messages,
		Stream:    true,
		MaxTokens: p.getMaxTokens(req.MaxTokens),
	}
	if len(req.Tools) > 0 {
		ccr.Tools = p.convertTools(req.Tools)
	}
	return ccr
}

func (p *OpenAIProvider) convertMessages(req *agent.CompletionRequest) []openai.ChatCompletionMessage {
	var messages []openai.ChatCompletionMessage
	if req.System != "" {
		messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: req.System})
	}

	for _, msg := range req.Messages {
		if msg.Role == "system" {
			continue
		}
		role := msg.Role
		if role == "user" || role == "" {
			role = openai.ChatMessageRoleUser
		} else if role == "assistant" {
			role = openai.ChatMessageRoleAssistant
		}

		var text strings.Builder
		var toolCalls []openai.ToolCall
		for _, part := range msg.Content {
			switch part.Type {
			case agent.CompletionPartText:
				text.WriteString(part.Text)
			case agent.CompletionPartToolCall:
				toolCalls = append(toolCalls, openai.ToolCall{
					ID:   part.ToolCallID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      part.ToolName,
						Arguments: string(part.ToolArgs),
					},
				})
			case agent.CompletionPartToolResult:
				messages = append(messages, openai.ChatCompletionMessage{
					Role:       openai.ChatMessageRoleTool,
					Content:    part.ToolOutput,
					ToolCallID: part.ToolCallID,
				})
			}
		}

		if text.Len() > 0 || len(toolCalls) > 0 {
			messages = append(messages, openai.ChatCompletionMessage{
				Role:      role,
				Content:   text.String(),
				ToolCalls: toolCalls,
			})
		}
	}
	return messages
}

// convertTools builds the provider's tool list, applying the same recursion
// guard as the other adapters: internal agent-loop helper tools never reach
// the model. Unlike Anthropic, the Chat Completions API has no client-set
// cache_control field — OpenAI caches stable prompt prefixes automatically
// server-side, so there's no breakpoint to mark here.
func (p *OpenAIProvider) convertTools(tools []agent.Tool) []openai.Tool {
	result := make([]openai.Tool, 0, len(tools))
	for _, tool := range tools {
		if agent.IsInternalTool(tool.Name()) {
			continue
		}
		var params map[string]any
		_ = json.Unmarshal(tool.Schema(), &params)
		result = append(result, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        tool.Name(),
				Description: tool.Description(),
				Parameters:  params,
			},
		})
	}
	return result
}

// processStream accumulates each choice's tool_call argument fragments by
// index, since OpenAI streams a tool call's name once and its arguments in
// pieces, emitting the assembled call only once the stream finishes.
func (p *OpenAIProvider) processStream(stream *openai.ChatCompletionStream, chunks chan<- *agent.CompletionChunk) {
	type building struct {
		id   string
		name string
		args strings.Builder
	}
	calls := map[int]*building{}

	for {
		resp, err := stream.Recv()
		if err != nil {
			if err.Error() == "EOF" {
				break
			}
			chunks <- &agent.CompletionChunk{Error: fmt.Errorf("openai: %w", err)}
			return
		}
		if len(resp.Choices) == 0 {
			continue
		}
		delta := resp.Choices[0].Delta

		if delta.Content != "" {
			chunks <- &agent.CompletionChunk{Text: delta.Content}
		}
		for _, tc := range delta.ToolCalls {
			idx := 0
			if tc.Index != nil {
				idx = *tc.Index
			}
			b, ok := calls[idx]
			if !ok {
				b = &building{}
				calls[idx] = b
			}
			if tc.ID != "" {
				b.id = tc.ID
			}
			if tc.Function.Name != "" {
				b.name = tc.Function.Name
			}
			b.args.WriteString(tc.Function.Arguments)
		}
		if resp.Choices[0].FinishReason == openai.FinishReasonToolCalls {
			for _, b := range calls {
				// A tool call assembled with no name never reached a real
				// function; don't hand it to the loop as a dispatchable call.
				if b.name == "" {
					continue
				}
				chunks <- &agent.CompletionChunk{ToolCall: &agent.ToolCallChunk{
					ID: b.id, Name: b.name, Input: json.RawMessage(b.args.String()),
				}}
			}
			calls = map[int]*building{}
		}
	}
	chunks <- &agent.CompletionChunk{Done: true}
}

func (p *OpenAIProvider) getModel(model string) string {
	if model == "" {
		return p.defaultModel
	}
	return model
}

func (p *OpenAIProvider) getMaxTokens(maxTokens int) int {
	if maxTokens <= 0 {
		return 4096
	}
	return maxTokens
}

func (p *OpenAIProvider) isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, s := range []string{"rate limit", "429", "500", "502", "503", "504", "timeout", "deadline exceeded", "connection reset"} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}
