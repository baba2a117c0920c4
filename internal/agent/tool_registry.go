package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/relaycore/agentcore/internal/tools/policy"
	"github.com/relaycore/agentcore/pkg/models"
)

// Tool parameter limits to prevent resource exhaustion
const (
	// MaxToolNameLength is the maximum length of a tool name.
	MaxToolNameLength = 256

	// MaxToolParamsSize is the maximum size of tool parameters JSON (10MB).
	MaxToolParamsSize = 10 << 20
)

// registeredTool pairs a Tool with its compiled JSON-Schema, compiled once at
// registration time so Execute never pays schema-compile cost per call.
type registeredTool struct {
	tool   Tool
	schema *jsonschema.Schema
}

// ToolRegistry manages available tools with thread-safe registration and lookup.
// Tools are registered by name and can be retrieved for execution during agent conversations.
type ToolRegistry struct {
	mu    sync.RWMutex
	tools map[string]*registeredTool
}

// NewToolRegistry creates a new empty tool registry ready for tool registration.
func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{
		tools: make(map[string]*registeredTool),
	}
}

// Register adds a tool to the registry by its name, compiling its parameter
// schema up front. If the schema fails to compile, the tool is registered
// without validation rather than rejected outright — a malformed schema
// shouldn't take an otherwise-working tool out of service.
func (r *ToolRegistry) Register(tool Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rt := &registeredTool{tool: tool}
	if schema := tool.Schema(); len(schema) > 0 {
		if compiled, err := compileToolSchema(tool.Name(), schema); err == nil {
			rt.schema = compiled
		}
	}
	r.tools[tool.Name()] = rt
}

func compileToolSchema(name string, schema json.RawMessage) (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	resourceName := "tool:" + name
	if err := compiler.AddResource(resourceName, bytes.NewReader(schema)); err != nil {
		return nil, err
	}
	return compiler.Compile(resourceName)
}

// Unregister removes a tool from the registry by name.
func (r *ToolRegistry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tools, name)
}

// Get returns a tool by name and a boolean indicating if it was found.
func (r *ToolRegistry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rt, ok := r.tools[name]
	if !ok {
		return nil, false
	}
	return rt.tool, true
}

// Execute runs a tool by name with the given JSON parameters, validating the
// parameters against the tool's registered schema (if any) before invoking it.
// Returns a failed ToolResult, rather than an error, for anything the caller
// should surface back to the model as a tool result — not-found, oversized
// input, and schema violations are all model-recoverable.
func (r *ToolRegistry) Execute(ctx context.Context, name string, tc ToolContext, params json.RawMessage) (*models.ToolResult, error) {
	if len(name) > MaxToolNameLength {
		return &models.ToolResult{
			Error:  fmt.Sprintf("tool name exceeds maximum length of %d characters", MaxToolNameLength),
			Output: fmt.Sprintf("tool name exceeds maximum length of %d characters", MaxToolNameLength),
		}, nil
	}
	if len(params) > MaxToolParamsSize {
		return &models.ToolResult{
			Error:  fmt.Sprintf("tool parameters exceed maximum size of %d bytes", MaxToolParamsSize),
			Output: fmt.Sprintf("tool parameters exceed maximum size of %d bytes", MaxToolParamsSize),
		}, nil
	}

	r.mu.RLock()
	rt, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		msg := "tool not found: " + name
		return &models.ToolResult{Error: msg, Output: msg}, nil
	}

	if rt.schema != nil {
		if err := validateToolParams(rt.schema, params); err != nil {
			msg := fmt.Sprintf("invalid tool arguments: %v", err)
			return &models.ToolResult{Error: msg, Output: msg}, nil
		}
	}

	result, err := rt.tool.Execute(ctx, tc, params)
	if err != nil {
		return nil, err
	}
	if result != nil {
		result.Success = result.Error == ""
	}
	return result, nil
}

func validateToolParams(schema *jsonschema.Schema, params json.RawMessage) error {
	if len(params) == 0 {
		params = []byte("{}")
	}
	var decoded any
	if err := json.Unmarshal(params, &decoded); err != nil {
		return fmt.Errorf("parse error: %w", err)
	}
	return schema.Validate(decoded)
}

// AsLLMTools returns all registered tools as a slice for passing to LLM providers.
func (r *ToolRegistry) AsLLMTools() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tools := make([]Tool, 0, len(r.tools))
	for _, rt := range r.tools {
		tools = append(tools, rt.tool)
	}
	return tools
}

func filterToolsByPolicy(resolver *policy.Resolver, toolPolicy *policy.Policy, tools []Tool) []Tool {
	if resolver == nil || toolPolicy == nil {
		return tools
	}
	filtered := make([]Tool, 0, len(tools))
	for _, tool := range tools {
		if resolver.IsAllowed(toolPolicy, tool.Name()) {
			filtered = append(filtered, tool)
		}
	}
	return filtered
}

// InternalToolPrefix marks tools that exist purely to support the agent
// loop's own bookkeeping (sub-agent dispatch helpers, loop-internal
// reflection calls) rather than to do real work. A provider adapter's
// recursion guard strips these before building a request, so the model is
// never handed a tool whose only effect is to call the agent loop again.
const InternalToolPrefix = "agent_internal:"

// IsInternalTool reports whether name carries the internal-tool prefix.
func IsInternalTool(name string) bool {
	return strings.HasPrefix(name, InternalToolPrefix)
}

func normalizeToolName(name string, resolver *policy.Resolver) string {
	if resolver == nil {
		return policy.NormalizeTool(name)
	}
	return resolver.CanonicalName(name)
}

func matchesToolPatterns(patterns []string, toolName string, resolver *policy.Resolver) bool {
	if len(patterns) == 0 {
		return false
	}
	name := normalizeToolName(toolName, resolver)
	for _, pattern := range patterns {
		if matchToolPattern(normalizeToolName(pattern, resolver), name) {
			return true
		}
	}
	return false
}

func matchToolPattern(pattern, toolName string) bool {
	if pattern == "" || toolName == "" {
		return false
	}
	if pattern == "mcp:*" {
		return strings.HasPrefix(toolName, "mcp:")
	}
	if strings.HasSuffix(pattern, ".*") {
		prefix := strings.TrimSuffix(pattern, "*")
		return strings.HasPrefix(toolName, prefix)
	}
	return pattern == toolName
}

func guardToolResult(guard ToolResultGuard, toolName string, result models.ToolResult, resolver *policy.Resolver) models.ToolResult {
	return guard.Apply(toolName, result, resolver)
}

func guardToolResults(guard ToolResultGuard, toolCalls []models.ToolCall, results []models.ToolResult, resolver *policy.Resolver) []models.ToolResult {
	if !guard.active() {
		return results
	}
	if len(results) == 0 {
		return results
	}

	namesByID := make(map[string]string, len(toolCalls))
	for _, tc := range toolCalls {
		if tc.ID != "" {
			namesByID[tc.ID] = tc.Name
		}
	}

	guarded := make([]models.ToolResult, len(results))
	for i, res := range results {
		toolName := namesByID[res.ToolCallID]
		if toolName == "" && i < len(toolCalls) {
			toolName = toolCalls[i].Name
		}
		guarded[i] = guardToolResult(guard, toolName, res, resolver)
	}
	return guarded
}

// sessionLock is a reference-counted mutex keyed by session id, so concurrent
// tool calls against the same session serialize while calls against different
// sessions proceed independently.
type sessionLock struct {
	mu   sync.Mutex
	refs int
}
