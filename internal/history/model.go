package history

import (
	"log/slog"

	"github.com/shipyardhq/sma/internal/llm"
)

// ToModelMessages converts stored messages into the model-wire shape,
// repairing tool invocation/result pairing on the way:
//
//   - leading orphaned tool results (after truncation) are dropped
//   - results without a matching invocation are dropped
//   - invocations with no surviving result get a synthesised placeholder
func ToModelMessages(msgs []Message) []llm.Message {
	var out []llm.Message

	// Pending invocations from the most recent assistant message that have
	// not yet seen their result.
	pending := map[string]bool{}

	flushMissing := func() {
		for id := range pending {
			slog.Warn("history.synthesizing_tool_result", "tool_call_id", id)
			out = append(out, llm.Message{
				Role:       "tool",
				Content:    "[tool result missing; history was compacted]",
				ToolCallID: id,
			})
		}
		pending = map[string]bool{}
	}

	for _, m := range msgs {
		switch m.Role {
		case RoleUser:
			flushMissing()
			out = append(out, llm.Message{Role: "user", Content: m.Text()})

		case RoleAssistant:
			flushMissing()

			var calls []llm.ToolCall
			var results []llm.Message
			for _, p := range m.Parts {
				switch p.Type {
				case PartToolInvocation:
					calls = append(calls, llm.ToolCall{ID: p.ToolCallID, Name: p.ToolName, Arguments: p.Args})
					pending[p.ToolCallID] = true
				case PartToolResult:
					if pending[p.ToolCallID] {
						delete(pending, p.ToolCallID)
						results = append(results, llm.Message{
							Role:       "tool",
							Content:    p.Output,
							ToolCallID: p.ToolCallID,
						})
					} else {
						slog.Warn("history.dropping_orphan_tool_result", "tool_call_id", p.ToolCallID)
					}
				}
			}

			out = append(out, llm.Message{Role: "assistant", Content: m.Text(), ToolCalls: calls})
			out = append(out, results...)
		}
	}
	flushMissing()
	return out
}
