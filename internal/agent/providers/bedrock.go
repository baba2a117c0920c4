package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	bedrocktypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/aws/smithy-go/document"

	"github.com/relaycore/agentcore/internal/agent"
)

// BedrockProvider implements agent.LLMProvider against Bedrock's
// model-agnostic Converse/ConverseStream API, so the same adapter serves any
// Converse-compatible model id (Anthropic, Amazon Titan/Nova, Meta Llama).
type BedrockProvider struct {
	BaseProvider

	client       *bedrockruntime.Client
	defaultModel string
}

// BedrockConfig configures a BedrockProvider.
type BedrockConfig struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
	MaxRetries      int
	RetryDelay      time.Duration
	DefaultModel    string
}

// NewBedrockProvider loads AWS credentials (static if provided, otherwise the
// default provider chain) and returns a ready-to-use provider.
func NewBedrockProvider(ctx context.Context, cfg BedrockConfig) (*BedrockProvider, error) {
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = "anthropic.claude-sonnet-4-20250514-v1:0"
	}

	var optFns []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		optFns = append(optFns, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.AccessKeyID != "" {
		optFns = append(optFns, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, cfg.SessionToken),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, optFns...)
	if err != nil {
		return nil, fmt.Errorf("bedrock: load aws config: %w", err)
	}

	return &BedrockProvider{
		BaseProvider: NewBaseProvider("bedrock", cfg.MaxRetries, cfg.RetryDelay),
		client:       bedrockruntime.NewFromConfig(awsCfg),
		defaultModel: cfg.DefaultModel,
	}, nil
}

func (p *BedrockProvider) Name() string { return "bedrock" }

func (p *BedrockProvider) SupportsTools() bool { return true }

func (p *BedrockProvider) Models() []agent.Model {
	return []agent.Model{
		{ID: "anthropic.claude-sonnet-4-20250514-v1:0", Name: "Claude Sonnet 4 (Bedrock)", ContextWindow: 200000, SupportsTools: true},
		{ID: "amazon.nova-pro-v1:0", Name: "Amazon Nova Pro", ContextWindow: 300000, SupportsTools: true},
		{ID: "meta.llama3-1-70b-instruct-v1:0", Name: "Llama 3.1 70B", ContextWindow: 128000, SupportsTools: true},
	}
}

func (p *BedrockProvider) Complete(ctx context.Context, req *agent.CompletionRequest) (<-chan *agent.CompletionChunk, error) {
	chunks := make(chan *agent.CompletionChunk)

	go func() {
		defer close(chunks)

		input := p.buildInput(req)

		var out *bedrockruntime.ConverseStreamOutput
		err := p.Retry(ctx, p.isRetryableError, func() error {
			var streamErr error
			out, streamErr = p.client.ConverseStream(ctx, input)
			return streamErr
		})
		if err != nil {
			chunks <- &agent.CompletionChunk{Error: fmt.Errorf("bedrock: %w", err)}
			return
		}

		p.processStream(out, chunks)
	}()

	return chunks, nil
}

func (p *BedrockProvider) buildInput(req *agent.CompletionRequest) *bedrockruntime.ConverseStreamInput {
	input := &bedrockruntime.ConverseStreamInput{
		ModelId:  aws.String(p.getModel(req.Model)),
		Messages: p.convertMessages(req.Messages),
		InferenceConfig: &bedrocktypes.InferenceConfiguration{
			MaxTokens: aws.Int32(int32(p.getMaxTokens(req.MaxTokens))),
		},
	}
	if req.System != "" {
		// A CachePoint block after the system text marks everything before it
		// as a stable, cacheable prefix, the way Bedrock's Converse API
		// exposes Anthropic's prompt caching.
		input.System = []bedrocktypes.SystemContentBlock{
			&bedrocktypes.SystemContentBlockMemberText{Value: req.System},
			&bedrocktypes.SystemContentBlockMemberCachePoint{Value: bedrocktypes.CachePointBlock{Type: bedrocktypes.CachePointTypeDefault}},
		}
	}
	if len(req.Tools) > 0 {
		input.ToolConfig = p.convertTools(req.Tools)
	}
	return input
}

func (p *BedrockProvider) convertMessages(messages []agent.CompletionMessage) []bedrocktypes.Message {
	var result []bedrocktypes.Message
	for _, msg := range messages {
		if msg.Role == "system" {
			continue
		}
		role := bedrocktypes.ConversationRoleUser
		if msg.Role == "assistant" {
			role = bedrocktypes.ConversationRoleAssistant
		}

		var blocks []bedrocktypes.ContentBlock
		for _, part := range msg.Content {
			switch part.Type {
			case agent.CompletionPartText:
				if part.Text != "" {
					blocks = append(blocks, &bedrocktypes.ContentBlockMemberText{Value: part.Text})
				}
			case agent.CompletionPartToolCall:
				var input document.Interface
				if len(part.ToolArgs) > 0 {
					input = jsonDocument(part.ToolArgs)
				}
				blocks = append(blocks, &bedrocktypes.ContentBlockMemberToolUse{
					Value: bedrocktypes.ToolUseBlock{
						ToolUseId: aws.String(part.ToolCallID),
						Name:      aws.String(part.ToolName),
						Input:     input,
					},
				})
			case agent.CompletionPartToolResult:
				status := bedrocktypes.ToolResultStatusSuccess
				if part.ToolIsError {
					status = bedrocktypes.ToolResultStatusError
				}
				blocks = append(blocks, &bedrocktypes.ContentBlockMemberToolResult{
					Value: bedrocktypes.ToolResultBlock{
						ToolUseId: aws.String(part.ToolCallID),
						Status:    status,
						Content:   []bedrocktypes.ToolResultContentBlock{&bedrocktypes.ToolResultContentBlockMemberText{Value: part.ToolOutput}},
					},
				})
			}
		}
		if len(blocks) == 0 {
			continue
		}
		result = append(result, bedrocktypes.Message{Role: role, Content: blocks})
	}
	return result
}

// convertTools builds the Converse API's tool list, dropping internal
// agent-loop helper tools (the recursion guard) and, when any tool survives
// that filter, appending a CachePoint so the tool definitions — stable
// across every turn of a run — are cached the same way the system prompt is.
func (p *BedrockProvider) convertTools(tools []agent.Tool) *bedrocktypes.ToolConfiguration {
	specs := make([]bedrocktypes.Tool, 0, len(tools))
	for _, tool := range tools {
		if agent.IsInternalTool(tool.Name()) {
			continue
		}
		specs = append(specs, &bedrocktypes.ToolMemberToolSpec{
			Value: bedrocktypes.ToolSpecification{
				Name:        aws.String(tool.Name()),
				Description: aws.String(tool.Description()),
				InputSchema: &bedrocktypes.ToolInputSchemaMemberJson{Value: jsonDocument(tool.Schema())},
			},
		})
	}
	if len(specs) > 0 {
		specs = append(specs, &bedrocktypes.ToolMemberCachePoint{Value: bedrocktypes.CachePointBlock{Type: bedrocktypes.CachePointTypeDefault}})
	}
	return &bedrocktypes.ToolConfiguration{Tools: specs}
}

// processStream translates Bedrock's ConverseStream event union into
// CompletionChunks, accumulating a tool_use block's streamed JSON input
// across ContentBlockDelta events until its ContentBlockStop.
func (p *BedrockProvider) processStream(out *bedrockruntime.ConverseStreamOutput, chunks chan<- *agent.CompletionChunk) {
	stream := out.GetStream()
	defer stream.Close()

	var currentToolCall *agent.ToolCallChunk
	var currentToolInput strings.Builder

	for event := range stream.Events() {
		switch e := event.(type) {
		case *bedrocktypes.ConverseStreamOutputMemberContentBlockStart:
			if toolUse, ok := e.Value.Start.(*bedrocktypes.ContentBlockStartMemberToolUse); ok {
				currentToolCall = &agent.ToolCallChunk{
					ID:   aws.ToString(toolUse.Value.ToolUseId),
					Name: aws.ToString(toolUse.Value.Name),
				}
				currentToolInput.Reset()
			}

		case *bedrocktypes.ConverseStreamOutputMemberContentBlockDelta:
			switch d := e.Value.Delta.(type) {
			case *bedrocktypes.ContentBlockDeltaMemberText:
				if d.Value != "" {
					chunks <- &agent.CompletionChunk{Text: d.Value}
				}
			case *bedrocktypes.ContentBlockDeltaMemberToolUse:
				if d.Value.Input != nil {
					currentToolInput.WriteString(aws.ToString(d.Value.Input))
				}
			}

		case *bedrocktypes.ConverseStreamOutputMemberContentBlockStop:
			if currentToolCall != nil {
				currentToolCall.Input = json.RawMessage(currentToolInput.String())
				if currentToolCall.Name != "" {
					chunks <- &agent.CompletionChunk{ToolCall: currentToolCall}
				}
				currentToolCall = nil
			}

		case *bedrocktypes.ConverseStreamOutputMemberMetadata:
			var in, out int
			if usage := e.Value.Usage; usage != nil {
				in = int(aws.ToInt32(usage.InputTokens))
				out = int(aws.ToInt32(usage.OutputTokens))
			}
			chunks <- &agent.CompletionChunk{Done: true, InputTokens: in, OutputTokens: out}
			return
		}
	}

	if err := stream.Err(); err != nil {
		chunks <- &agent.CompletionChunk{Error: fmt.Errorf("bedrock: %w", err)}
	}
}

func (p *BedrockProvider) getModel(model string) string {
	if model == "" {
		return p.defaultModel
	}
	return model
}

func (p *BedrockProvider) getMaxTokens(maxTokens int) int {
	if maxTokens <= 0 {
		return 4096
	}
	return maxTokens
}

func (p *BedrockProvider) isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, s := range []string{"throttl", "timeout", "deadline exceeded", "connection reset", "503", "500", "serviceunavailable"} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

// jsonDocument adapts a json.RawMessage to the smithy document.Interface the
// Bedrock SDK requires for free-form tool input/schema fields.
type rawJSONDocument struct {
	raw json.RawMessage
}

func jsonDocument(raw json.RawMessage) document.Interface {
	return rawJSONDocument{raw: raw}
}

func (d rawJSONDocument) UnmarshalSmithyDocument(v any) error {
	return json.Unmarshal(d.raw, v)
}

func (d rawJSONDocument) MarshalSmithyDocument() ([]byte, error) {
	return d.raw, nil
}
