package models

import "encoding/json"

// ToolSpec describes a registered tool's catalog entry: its name, the prompt
// text shown to the model, and its JSON-Schema parameter contract. The
// executable side (the Go function that runs it) lives behind the agent.Tool
// interface; ToolSpec is the data the dispatcher and the LLM Gateway share.
type ToolSpec struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"` // JSON-Schema document
}

// Action is one dispatcher-bound tool invocation: a tool name, its resolved
// arguments, and optional identifying/override metadata.
type Action struct {
	ToolName string         `json:"tool_name"`
	Args     map[string]any `json:"args"`
	ActionID string         `json:"action_id,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"` // e.g. "timeout_ms" override
}

// BehaviorSpec is the resolved prompt and tool-permission set for one agent id.
type BehaviorSpec struct {
	EnvName      string   `json:"env_name"`
	AgentID      string   `json:"agent_id"`
	EnvRules     string   `json:"env_rules"`
	AgentPrompt  string   `json:"agent_prompt"`
	AllowedTools []string `json:"allowed_tools,omitempty"`
	DeniedTools  []string `json:"denied_tools,omitempty"`
}

// CombinedPrompt concatenates the environment-wide rules and the agent's own
// prompt into the single system message the Agent Loop seeds each run with.
func (b *BehaviorSpec) CombinedPrompt() string {
	if b.EnvRules == "" {
		return b.AgentPrompt
	}
	if b.AgentPrompt == "" {
		return b.EnvRules
	}
	return b.EnvRules + "\n\n" + b.AgentPrompt
}

// ToolAllowed reports whether name is permitted by this spec's allow/deny
// lists: an explicit deny always wins, an explicit non-empty allow-list
// requires membership, and an empty allow-list permits anything not denied.
func (b *BehaviorSpec) ToolAllowed(name string) bool {
	for _, denied := range b.DeniedTools {
		if denied == name {
			return false
		}
	}
	if len(b.AllowedTools) == 0 {
		return true
	}
	for _, allowed := range b.AllowedTools {
		if allowed == name {
			return true
		}
	}
	return false
}
