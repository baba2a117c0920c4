package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"google.golang.org/genai"

	"github.com/relaycore/agentcore/internal/agent"
)

// GeminiProvider implements agent.LLMProvider against Google's GenAI SDK,
// streaming GenerateContent responses and re-assembling function-call parts
// into CompletionChunks.
type GeminiProvider struct {
	BaseProvider

	client       *genai.Client
	defaultModel string
}

// GeminiConfig configures a GeminiProvider.
type GeminiConfig struct {
	APIKey       string
	MaxRetries   int
	RetryDelay   time.Duration
	DefaultModel string
}

// NewGeminiProvider validates config and returns a ready-to-use provider.
func NewGeminiProvider(ctx context.Context, cfg GeminiConfig) (*GeminiProvider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("gemini: API key is required")
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = "gemini-2.0-flash"
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("gemini: create client: %w", err)
	}

	return &GeminiProvider{
		BaseProvider: NewBaseProvider("gemini", cfg.MaxRetries, cfg.RetryDelay),
		client:       client,
		defaultModel: cfg.DefaultModel,
	}, nil
}

func (p *GeminiProvider) Name() string { return "gemini" }

func (p *GeminiProvider) SupportsTools() bool { return true }

func (p *GeminiProvider) Models() []agent.Model {
	return []agent.Model{
		{ID: "gemini-2.0-flash", Name: "Gemini 2.0 Flash", ContextWindow: 1000000, SupportsVision: true, SupportsTools: true},
		{ID: "gemini-2.0-pro", Name: "Gemini 2.0 Pro", ContextWindow: 2000000, SupportsVision: true, SupportsTools: true},
	}
}

func (p *GeminiProvider) Complete(ctx context.Context, req *agent.CompletionRequest) (<-chan *agent.CompletionChunk, error) {
	chunks := make(chan *agent.CompletionChunk)

	go func() {
		defer close(chunks)

		contents := p.convertMessages(req.Messages)
		config := &genai.GenerateContentConfig{
			MaxOutputTokens: int32(p.getMaxTokens(req.MaxTokens)),
		}
		if req.System != "" {
			config.SystemInstruction = genai.NewContentFromText(req.System, genai.RoleUser)
		}
		if len(req.Tools) > 0 {
			config.Tools = p.convertTools(req.Tools)
		}

		var stream func(yield func(*genai.GenerateContentResponse, error) bool)
		err := p.Retry(ctx, p.isRetryableError, func() error {
			stream = p.client.Models.GenerateContentStream(ctx, p.getModel(req.Model), contents, config)
			return nil
		})
		if err != nil {
			chunks <- &agent.CompletionChunk{Error: fmt.Errorf("gemini: %w", err)}
			return
		}

		p.processStream(stream, chunks)
	}()

	return chunks, nil
}

func (p *GeminiProvider) convertMessages(messages []agent.CompletionMessage) []*genai.Content {
	var result []*genai.Content
	for _, msg := range messages {
		if msg.Role == "system" {
			continue
		}
		role := genai.RoleUser
		if msg.Role == "assistant" {
			role = genai.RoleModel
		}

		var parts []*genai.Part
		for _, part := range msg.Content {
			switch part.Type {
			case agent.CompletionPartText:
				if part.Text != "" {
					parts = append(parts, genai.NewPartFromText(part.Text))
				}
			case agent.CompletionPartToolCall:
				var args map[string]any
				_ = json.Unmarshal(part.ToolArgs, &args)
				parts = append(parts, genai.NewPartFromFunctionCall(part.ToolName, args))
			case agent.CompletionPartToolResult:
				response := map[string]any{"output": part.ToolOutput}
				if part.ToolIsError {
					response = map[string]any{"error": part.ToolOutput}
				}
				parts = append(parts, genai.NewPartFromFunctionResponse(part.ToolName, response))
			}
		}
		if len(parts) == 0 {
			continue
		}
		result = append(result, &genai.Content{Role: role, Parts: parts})
	}
	return result
}

func (p *GeminiProvider) convertTools(tools []agent.Tool) []*genai.Tool {
	declarations := make([]*genai.FunctionDeclaration, 0, len(tools))
	for _, tool := range tools {
		var schema genai.Schema
		_ = json.Unmarshal(tool.Schema(), &schema)
		declarations = append(declarations, &genai.FunctionDeclaration{
			Name:        tool.Name(),
			Description: tool.Description(),
			Parameters:  &schema,
		})
	}
	return []*genai.Tool{{FunctionDeclarations: declarations}}
}

// processStream walks genai's iterator of full-content responses (the SDK
// does not deliver incremental function-call deltas the way text is
// streamed) and emits one chunk per part as each response arrives.
func (p *GeminiProvider) processStream(stream func(yield func(*genai.GenerateContentResponse, error) bool), chunks chan<- *agent.CompletionChunk) {
	var inputTokens, outputTokens int

	stream(func(resp *genai.GenerateContentResponse, err error) bool {
		if err != nil {
			chunks <- &agent.CompletionChunk{Error: fmt.Errorf("gemini: %w", err)}
			return false
		}
		if resp.UsageMetadata != nil {
			inputTokens = int(resp.UsageMetadata.PromptTokenCount)
			outputTokens = int(resp.UsageMetadata.CandidatesTokenCount)
		}
		for _, candidate := range resp.Candidates {
			if candidate.Content == nil {
				continue
			}
			for _, part := range candidate.Content.Parts {
				if part.Text != "" {
					chunks <- &agent.CompletionChunk{Text: part.Text}
				}
				if part.FunctionCall != nil {
					args, _ := json.Marshal(part.FunctionCall.Args)
					chunks <- &agent.CompletionChunk{ToolCall: &agent.ToolCallChunk{
						ID:    part.FunctionCall.Name,
						Name:  part.FunctionCall.Name,
						Input: args,
					}}
				}
			}
		}
		return true
	})

	chunks <- &agent.CompletionChunk{Done: true, InputTokens: inputTokens, OutputTokens: outputTokens}
}

func (p *GeminiProvider) getModel(model string) string {
	if model == "" {
		return p.defaultModel
	}
	return model
}

func (p *GeminiProvider) getMaxTokens(maxTokens int) int {
	if maxTokens <= 0 {
		return 4096
	}
	return maxTokens
}

func (p *GeminiProvider) isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, s := range []string{"429", "500", "502", "503", "resource_exhausted", "unavailable", "deadline exceeded", "timeout"} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}
