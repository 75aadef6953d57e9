// Package llmtest provides a deterministic scripted Model for tests.
package llmtest

import (
	"context"
	"sync"

	"github.com/shipyardhq/sma/internal/llm"
)

// Step is one scripted Generate outcome.
type Step struct {
	Response *llm.Response
	Err      error
}

// ScriptedModel replays a fixed sequence of steps. After the script is
// exhausted it keeps returning the last step.
type ScriptedModel struct {
	mu    sync.Mutex
	steps []Step
	calls []llm.Request
	name  string
}

// New returns a ScriptedModel that replays steps in order.
func New(steps ...Step) *ScriptedModel {
	return &ScriptedModel{steps: steps, name: "scripted"}
}

// Reply is shorthand for a plain-text final step.
func Reply(text string) Step {
	return Step{Response: &llm.Response{Content: text, FinishReason: "stop"}}
}

// CallTool is shorthand for a step requesting a single tool call.
func CallTool(id, name string, args map[string]interface{}) Step {
	return Step{Response: &llm.Response{
		ToolCalls:    []llm.ToolCall{{ID: id, Name: name, Arguments: args}},
		FinishReason: "tool_calls",
	}}
}

// Fail is shorthand for an error step.
func Fail(err error) Step { return Step{Err: err} }

func (m *ScriptedModel) Generate(_ context.Context, req llm.Request) (*llm.Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls = append(m.calls, req)
	idx := len(m.calls) - 1
	if idx >= len(m.steps) {
		idx = len(m.steps) - 1
	}
	if idx < 0 {
		return &llm.Response{Content: "", FinishReason: "stop"}, nil
	}
	step := m.steps[idx]
	if step.Err != nil {
		return nil, step.Err
	}
	resp := *step.Response
	return &resp, nil
}

func (m *ScriptedModel) Name() string { return m.name }

// Calls returns a copy of the requests seen so far.
func (m *ScriptedModel) Calls() []llm.Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]llm.Request, len(m.calls))
	copy(out, m.calls)
	return out
}

// CallCount returns how many Generate calls were made.
func (m *ScriptedModel) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}
