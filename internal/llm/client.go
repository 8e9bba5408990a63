// Package llm abstracts chat completion with tool calling behind a single
// synchronous Run call. Grounded on the teacher's
// internal/agent/providers/anthropic.go AnthropicProvider, adapted from its
// streaming CompletionRequest/chunks API into one blocking call: the spec
// has no streaming requirement, so a Turn is returned whole once the model
// finishes (or asks for tools).
package llm

import (
	"context"
	"time"
)

// Role is a chat message role.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one turn of conversation history fed back into the model,
// including prior tool results rendered as ToolResults.
type Message struct {
	Role        Role
	Text        string
	ToolCalls   []ToolCall   // set when Role == assistant and the model asked for tools
	ToolResults []ToolResult // set when Role == user carrying tool outcomes back
}

// ToolSpec describes one callable tool to the model, mirroring
// ToolRegistry.AsLLMTools in the teacher's tool_registry.go.
type ToolSpec struct {
	Name        string
	Description string
	Schema      map[string]any // JSON Schema document
}

// ToolCall is one tool invocation the model requested.
type ToolCall struct {
	ID        string
	Name      string
	Arguments []byte // raw JSON
}

// ToolResult is the outcome of one tool call fed back to the model.
type ToolResult struct {
	ToolCallID string
	Content    string
	IsError    bool
}

// StopReason classifies why a Turn ended.
type StopReason string

const (
	StopEndTurn   StopReason = "end_turn"
	StopToolUse   StopReason = "tool_use"
	StopMaxTokens StopReason = "max_tokens"
)

// Turn is one model response: either a terminal assistant message or a
// batch of tool calls awaiting execution.
type Turn struct {
	Text       string
	ToolCalls  []ToolCall
	StopReason StopReason
	Usage      Usage
}

// Usage records token counts for one Run call, accumulated by the caller
// into a CostSink across an agent's whole tool loop.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// CostSink receives token usage as it is spent, mirroring the teacher's
// LLMTokensUsed/LLMCostUSD metrics counters in internal/observability/metrics.go.
type CostSink interface {
	Add(model string, usage Usage)
}

// RunOptions parameterizes one Run call.
type RunOptions struct {
	Model       string
	MaxTokens   int
	Temperature float64
	CostSink    CostSink
}

// Client runs one chat-completion turn with tool definitions attached.
type Client interface {
	// Run sends system + messages + tools to the model and returns the
	// resulting Turn. Run enforces ctx's deadline itself rather than relying
	// solely on the transport's timeout, so a caller-supplied short deadline
	// always wins.
	Run(ctx context.Context, system string, messages []Message, tools []ToolSpec, opts RunOptions) (Turn, error)
}

// DefaultRequestTimeout bounds a single Run call when ctx carries no deadline.
const DefaultRequestTimeout = 60 * time.Second
