package models

import (
	"encoding/json"
	"testing"
	"time"
)

func TestRole_Constants(t *testing.T) {
	tests := []struct {
		constant Role
		expected string
	}{
		{RoleUser, "user"},
		{RoleAssistant, "assistant"},
		{RoleSystem, "system"},
		{RoleTool, "tool"},
	}

	for _, tt := range tests {
		t.Run(string(tt.constant), func(t *testing.T) {
			if string(tt.constant) != tt.expected {
				t.Errorf("constant = %q, want %q", tt.constant, tt.expected)
			}
		})
	}
}

func TestNewAssistantMessage_OrdersParts(t *testing.T) {
	calls := []ToolCall{{ID: "tc-1", Name: "search", Input: json.RawMessage(`{"q":"test"}`)}}
	msg := NewAssistantMessage("session-1", "", "here is my answer", "let me think", calls)

	if len(msg.Content) != 3 {
		t.Fatalf("len(Content) = %d, want 3", len(msg.Content))
	}
	if msg.Content[0].Type != PartText || msg.Content[0].Text != "here is my answer" {
		t.Errorf("Content[0] = %+v, want text part", msg.Content[0])
	}
	if msg.Content[1].Type != PartReasoning || msg.Content[1].Text != "let me think" {
		t.Errorf("Content[1] = %+v, want reasoning part", msg.Content[1])
	}
	if msg.Content[2].Type != PartToolCall || msg.Content[2].ToolCallID != "tc-1" {
		t.Errorf("Content[2] = %+v, want tool_call part for tc-1", msg.Content[2])
	}
	if msg.Role != RoleAssistant {
		t.Errorf("Role = %v, want assistant", msg.Role)
	}
}

func TestNewAssistantMessage_OmitsEmptyParts(t *testing.T) {
	msg := NewAssistantMessage("session-1", "", "", "", nil)
	if len(msg.Content) != 0 {
		t.Errorf("len(Content) = %d, want 0 for an empty turn", len(msg.Content))
	}
}

func TestNewToolMessage(t *testing.T) {
	msg := NewToolMessage("session-1", "", "tc-1", "search", "result text", false)

	if msg.Role != RoleTool {
		t.Errorf("Role = %v, want tool", msg.Role)
	}
	if msg.ToolCallID != "tc-1" {
		t.Errorf("ToolCallID = %q, want %q", msg.ToolCallID, "tc-1")
	}
	if len(msg.Content) != 1 || msg.Content[0].Type != PartToolResult {
		t.Fatalf("Content = %+v, want a single tool_result part", msg.Content)
	}
	if msg.Content[0].ToolCallID != "tc-1" {
		t.Errorf("part.ToolCallID = %q, want %q (must match message-level id)", msg.Content[0].ToolCallID, "tc-1")
	}
}

func TestNewUserMessage(t *testing.T) {
	msg := NewUserMessage("session-1", "branch-1", "hello")

	if msg.Role != RoleUser {
		t.Errorf("Role = %v, want user", msg.Role)
	}
	if msg.BranchID != "branch-1" {
		t.Errorf("BranchID = %q, want %q", msg.BranchID, "branch-1")
	}
	if msg.Text() != "hello" {
		t.Errorf("Text() = %q, want %q", msg.Text(), "hello")
	}
}

func TestMessage_TextConcatenatesInOrder(t *testing.T) {
	msg := &Message{Content: []Part{
		NewTextPart("a"),
		NewReasoningPart("ignored"),
		NewTextPart("b"),
	}}
	if got := msg.Text(); got != "ab" {
		t.Errorf("Text() = %q, want %q", got, "ab")
	}
}

func TestMessage_ToolCallsFiltersByType(t *testing.T) {
	msg := &Message{Content: []Part{
		NewTextPart("text"),
		NewToolCallPart("tc-1", "search", json.RawMessage(`{}`)),
		NewToolCallPart("tc-2", "fetch", json.RawMessage(`{}`)),
	}}
	calls := msg.ToolCalls()
	if len(calls) != 2 {
		t.Fatalf("len(ToolCalls()) = %d, want 2", len(calls))
	}
	if calls[0].ToolCallID != "tc-1" || calls[1].ToolCallID != "tc-2" {
		t.Errorf("ToolCalls() out of order: %+v", calls)
	}
}

func TestMessage_JSONRoundTrip(t *testing.T) {
	now := time.Now().Truncate(time.Second)
	original := Message{
		ID:        "msg-123",
		SessionID: "session-456",
		BranchID:  "branch-789",
		Role:      RoleAssistant,
		Content: []Part{
			NewTextPart("Hello!"),
			NewToolCallPart("tc-1", "search", json.RawMessage(`{"q":"test"}`)),
		},
		Attachments: []Attachment{{ID: "att-1", Type: "image", URL: "http://example.com/img.png"}},
		Metadata:    map[string]any{"source": "test"},
		CreatedAt:   now,
	}

	data, err := json.Marshal(original)
	if err != nil {
		t.Fatalf("Marshal error: %v", err)
	}

	var decoded Message
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal error: %v", err)
	}

	if decoded.ID != original.ID {
		t.Errorf("ID = %q, want %q", decoded.ID, original.ID)
	}
	if len(decoded.Content) != 2 {
		t.Errorf("Content length = %d, want 2", len(decoded.Content))
	}
	if len(decoded.Attachments) != 1 {
		t.Errorf("Attachments length = %d, want 1", len(decoded.Attachments))
	}
}

func TestToolResult_IsError(t *testing.T) {
	ok := ToolResult{ToolCallID: "tc-123", Output: "search results", Success: true}
	if ok.IsError() {
		t.Error("IsError() should be false when Success is true")
	}

	failed := ToolResult{ToolCallID: "tc-456", Error: "boom", Success: false}
	if !failed.IsError() {
		t.Error("IsError() should be true when Success is false")
	}
}

func TestSession_Clone(t *testing.T) {
	now := time.Now()
	session := &Session{
		ID:        "session-123",
		AgentID:   "agent-456",
		Key:       "unique-key",
		Title:     "Test Session",
		Metadata:  map[string]any{"test": true},
		CreatedAt: now,
		UpdatedAt: now,
	}

	clone := session.Clone()
	clone.Metadata["test"] = false
	if session.Metadata["test"] != true {
		t.Error("mutating a clone's metadata must not affect the original session")
	}
}

func TestUser_Struct(t *testing.T) {
	now := time.Now()
	user := User{
		ID:        "user-123",
		Email:     "test@example.com",
		Name:      "Test User",
		AvatarURL: "http://example.com/avatar.png",
		CreatedAt: now,
		UpdatedAt: now,
	}

	if user.ID != "user-123" {
		t.Errorf("ID = %q, want %q", user.ID, "user-123")
	}
	if user.Email != "test@example.com" {
		t.Errorf("Email = %q, want %q", user.Email, "test@example.com")
	}
}

func TestAgent_Struct(t *testing.T) {
	now := time.Now()
	agent := Agent{
		ID:           "agent-123",
		UserID:       "user-456",
		Name:         "Test Agent",
		SystemPrompt: "You are a helpful assistant.",
		Model:        "gpt-4",
		Provider:     "openai",
		Tools:        []string{"web_search", "calculator"},
		Config:       map[string]any{"temperature": 0.7},
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	if agent.ID != "agent-123" {
		t.Errorf("ID = %q, want %q", agent.ID, "agent-123")
	}
	if len(agent.Tools) != 2 {
		t.Errorf("Tools length = %d, want 2", len(agent.Tools))
	}
}

func TestAPIKey_Struct(t *testing.T) {
	now := time.Now()
	apiKey := APIKey{
		ID:         "key-123",
		UserID:     "user-456",
		Name:       "Test API Key",
		Prefix:     "nxs_1234",
		Scopes:     []string{"read", "write"},
		LastUsedAt: now,
		ExpiresAt:  now.Add(24 * time.Hour),
		CreatedAt:  now,
	}

	if apiKey.ID != "key-123" {
		t.Errorf("ID = %q, want %q", apiKey.ID, "key-123")
	}
	if len(apiKey.Scopes) != 2 {
		t.Errorf("Scopes length = %d, want 2", len(apiKey.Scopes))
	}
}
