// Package llm defines the language-model capability the runtime consumes.
// Concrete provider clients (Anthropic, OpenAI, ...) live outside the core
// and are handed in as a Model.
package llm

import (
	"context"
	"regexp"
)

// Model is the single capability the agent engine needs from a provider.
type Model interface {
	// Generate sends one request and returns the model's step: assistant
	// text and/or tool calls.
	Generate(ctx context.Context, req Request) (*Response, error)

	// Name returns the provider/model identifier for logging.
	Name() string
}

// Request contains the input for a Generate call.
type Request struct {
	System      string           `json:"system,omitempty"`
	Messages    []Message        `json:"messages"`
	Tools       []ToolDefinition `json:"tools,omitempty"`
	MaxTokens   int              `json:"max_tokens,omitempty"`
	Temperature float64          `json:"temperature,omitempty"`
}

// Response is the result of one model step.
type Response struct {
	Content      string     `json:"content"`
	ToolCalls    []ToolCall `json:"tool_calls,omitempty"`
	FinishReason string     `json:"finish_reason"` // "stop", "tool_calls", "length"
	Usage        *Usage     `json:"usage,omitempty"`
}

// Message represents a conversation message in model-wire shape.
type Message struct {
	Role       string     `json:"role"` // "system", "user", "assistant", "tool"
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"` // for role="tool" responses
}

// ToolCall represents a tool invocation requested by the model.
type ToolCall struct {
	ID        string                 `json:"id"`
	Name      string                 `json:"name"`
	Arguments map[string]interface{} `json:"arguments"`
}

// ToolDefinition describes a tool available to the model.
type ToolDefinition struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Parameters  map[string]interface{} `json:"parameters"`
}

// Usage tracks token consumption.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Add accumulates another usage record.
func (u *Usage) Add(other *Usage) {
	if other == nil {
		return
	}
	u.PromptTokens += other.PromptTokens
	u.CompletionTokens += other.CompletionTokens
	u.TotalTokens += other.TotalTokens
}

var overflowRe = regexp.MustCompile(`(?i)context_length|too long|maximum context|context window`)

// IsContextOverflow reports whether err is a provider context-length failure
// recoverable by compacting history.
func IsContextOverflow(err error) bool {
	return err != nil && overflowRe.MatchString(err.Error())
}
