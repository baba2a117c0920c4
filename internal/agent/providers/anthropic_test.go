package providers

import (
	"encoding/json"
	"testing"

	"github.com/relaycore/agentcore/internal/agent"
)

func newTestAnthropicProvider(t *testing.T) *AnthropicProvider {
	t.Helper()
	p, err := NewAnthropicProvider(AnthropicConfig{APIKey: "sk-ant-test"})
	if err != nil {
		t.Fatalf("NewAnthropicProvider: %v", err)
	}
	return p
}

func TestAnthropicConvertMessagesOrdersParts(t *testing.T) {
	p := newTestAnthropicProvider(t)

	msgs := []agent.CompletionMessage{
		{
			Role: "assistant",
			Content: []agent.CompletionPart{
				{Type: agent.CompletionPartText, Text: "let me check"},
				{Type: agent.CompletionPartToolCall, ToolCallID: "call-1", ToolName: "lookup", ToolArgs: json.RawMessage(`{"q":"x"}`)},
			},
		},
		{
			Role: "user",
			Content: []agent.CompletionPart{
				{Type: agent.CompletionPartToolResult, ToolCallID: "call-1", ToolOutput: "result", ToolIsError: false},
			},
		},
	}

	converted, err := p.convertMessages(msgs)
	if err != nil {
		t.Fatalf("convertMessages: %v", err)
	}
	if len(converted) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(converted))
	}
}

func TestAnthropicConvertMessagesSkipsSystemRole(t *testing.T) {
	p := newTestAnthropicProvider(t)
	msgs := []agent.CompletionMessage{
		{Role: "system", Content: []agent.CompletionPart{{Type: agent.CompletionPartText, Text: "rules"}}},
		{Role: "user", Content: []agent.CompletionPart{{Type: agent.CompletionPartText, Text: "hi"}}},
	}
	converted, err := p.convertMessages(msgs)
	if err != nil {
		t.Fatalf("convertMessages: %v", err)
	}
	if len(converted) != 1 {
		t.Fatalf("expected system message to be skipped, got %d messages", len(converted))
	}
}

func TestAnthropicConvertMessagesRejectsInvalidToolArgs(t *testing.T) {
	p := newTestAnthropicProvider(t)
	msgs := []agent.CompletionMessage{
		{Role: "assistant", Content: []agent.CompletionPart{
			{Type: agent.CompletionPartToolCall, ToolCallID: "c1", ToolName: "t", ToolArgs: json.RawMessage(`not json`)},
		}},
	}
	if _, err := p.convertMessages(msgs); err == nil {
		t.Fatalf("expected an error for malformed tool call input")
	}
}

func TestAnthropicIsRetryableError(t *testing.T) {
	p := newTestAnthropicProvider(t)

	retryable := []string{"rate_limit exceeded", "503 Service Unavailable", "context deadline exceeded", "connection reset by peer"}
	for _, msg := range retryable {
		if !p.isRetryableError(errString(msg)) {
			t.Errorf("expected %q to be retryable", msg)
		}
	}

	notRetryable := []string{"invalid api key", "400 bad request", "unsupported model"}
	for _, msg := range notRetryable {
		if p.isRetryableError(errString(msg)) {
			t.Errorf("expected %q to not be retryable", msg)
		}
	}
}

func TestAnthropicDefaultsModelAndMaxTokens(t *testing.T) {
	p := newTestAnthropicProvider(t)
	if got := p.getModel(""); got != p.defaultModel {
		t.Errorf("getModel(\"\") = %q, want default %q", got, p.defaultModel)
	}
	if got := p.getModel("claude-opus-4-20250514"); got != "claude-opus-4-20250514" {
		t.Errorf("getModel should pass through an explicit model, got %q", got)
	}
	if got := p.getMaxTokens(0); got != 4096 {
		t.Errorf("getMaxTokens(0) = %d, want 4096", got)
	}
	if got := p.getMaxTokens(200); got != 200 {
		t.Errorf("getMaxTokens(200) = %d, want 200", got)
	}
}

type errString string

func (e errString) Error() string { return string(e) }
