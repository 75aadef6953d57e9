// Package agent runs one conversation turn: a think → act → observe loop
// over the model and the tool registry, with history persistence and
// overflow-triggered compaction.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shipyardhq/sma/internal/history"
	"github.com/shipyardhq/sma/internal/llm"
	"github.com/shipyardhq/sma/internal/reqctx"
	"github.com/shipyardhq/sma/internal/skills"
	"github.com/shipyardhq/sma/internal/telemetry"
	"github.com/shipyardhq/sma/internal/tools"
)

const (
	// DefaultMaxSteps bounds model iterations per turn.
	DefaultMaxSteps = 30

	// DefaultMaxTokens is the per-step completion budget.
	DefaultMaxTokens = 8192

	// DefaultTemperature is used when the config leaves temperature unset.
	DefaultTemperature = 0.7

	// HistoryTailMessages is how much stored history a turn sees.
	HistoryTailMessages = 60

	maxCompactRetries = 3
)

var (
	ErrEmptyMessage = errors.New("agent: message is empty")
	ErrStepBudget   = errors.New("agent: step budget exhausted")
)

// Event is emitted as the turn progresses, for live surfaces (/ws).
type Event struct {
	Type    string      `json:"type"` // "turn.started", "text", "tool.call", "tool.result", "compaction", "turn.completed", "turn.failed"
	Payload interface{} `json:"payload,omitempty"`
}

// Engine drives agent turns for one runtime.
type Engine struct {
	model       llm.Model
	skills      *skills.Library
	agentFile   string
	workspace   string
	maxSteps    int
	maxTokens   int
	temperature float64
	keepLast    int
	maxInput    int
	archive     bool
}

// EngineConfig configures a new Engine.
type EngineConfig struct {
	Model     llm.Model
	Skills    *skills.Library
	AgentFile string // path to workspace Agent.md
	Workspace string

	MaxSteps    int
	MaxTokens   int
	Temperature float64

	// Compaction tuning, applied when overflow forces a compact.
	KeepLastMessages     int
	MaxInputTokensApprox int
	DisableArchive       bool
}

func NewEngine(cfg EngineConfig) *Engine {
	if cfg.MaxSteps <= 0 {
		cfg.MaxSteps = DefaultMaxSteps
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = DefaultMaxTokens
	}
	if cfg.Temperature == 0 {
		cfg.Temperature = DefaultTemperature
	}
	return &Engine{
		model:       cfg.Model,
		skills:      cfg.Skills,
		agentFile:   cfg.AgentFile,
		workspace:   cfg.Workspace,
		maxSteps:    cfg.MaxSteps,
		maxTokens:   cfg.MaxTokens,
		temperature: cfg.Temperature,
		keepLast:    cfg.KeepLastMessages,
		maxInput:    cfg.MaxInputTokensApprox,
		archive:     !cfg.DisableArchive,
	}
}

// TurnRequest is one inbound message plus its per-turn bindings.
type TurnRequest struct {
	Store    *history.Store
	Registry *tools.Registry
	Message  string

	// Sent reports texts already delivered mid-turn (chat_send); the final
	// collapse skips content the user has seen.
	Sent func() []string

	OnEvent func(Event)
}

// TurnResult is the outcome of a completed turn. Success is false when any
// tool call failed during the turn, even if the model recovered and produced
// a final text.
type TurnResult struct {
	Content    string    `json:"content"`
	Success    bool      `json:"success"`
	Steps      int       `json:"steps"`
	Usage      llm.Usage `json:"usage"`
	ToolErrors []string  `json:"toolErrors,omitempty"`
	Compacted  bool      `json:"compacted,omitempty"`
}

// Run executes one turn. It blocks until the model stops calling tools, the
// step budget runs out, or ctx is cancelled. Buffered messages are flushed
// to history even on cancellation so partial work survives.
func (e *Engine) Run(ctx context.Context, req TurnRequest) (*TurnResult, error) {
	if strings.TrimSpace(req.Message) == "" {
		return nil, ErrEmptyMessage
	}
	emit := req.OnEvent
	if emit == nil {
		emit = func(Event) {}
	}
	rc := reqctx.From(ctx)

	emit(Event{Type: "turn.started", Payload: map[string]string{"contextId": rc.ContextID}})

	system := buildSystemPrompt(
		loadBasePrompt(e.agentFile),
		pinnedSkills(req.Store, e.skills),
		rc, e.workspace, time.Now())

	messages, err := e.loadTail(req.Store)
	if err != nil {
		return nil, err
	}

	// New messages are buffered and written to history only at turn end, so
	// concurrent readers never see a half-finished turn.
	pending := []history.Message{history.NewUserMessage(rc.ContextID, req.Message)}
	messages = append(messages, llm.Message{Role: "user", Content: req.Message})

	var (
		usage          llm.Usage
		toolErrors     []string
		lastText       string
		compacted      bool
		compactRetries int
		step           int
	)

	flush := func() {
		if err := req.Store.Append(pending...); err != nil {
			slog.Error("agent.flush_failed", "context_id", rc.ContextID, "error", err)
		}
	}

	for step < e.maxSteps {
		step++
		slog.Debug("agent.step", "context_id", rc.ContextID, "step", step, "messages", len(messages))

		resp, err := e.model.Generate(ctx, llm.Request{
			System:      system,
			Messages:    messages,
			Tools:       req.Registry.Definitions(),
			MaxTokens:   e.maxTokens,
			Temperature: e.temperature,
		})
		if err != nil {
			if ctx.Err() != nil {
				// Cancelled mid-turn: keep what we have.
				flush()
				emit(Event{Type: "turn.failed", Payload: map[string]string{"error": ctx.Err().Error()}})
				return nil, fmt.Errorf("agent: turn cancelled: %w", ctx.Err())
			}
			if llm.IsContextOverflow(err) && compactRetries < maxCompactRetries {
				compactRetries++
				step-- // retries do not consume the step budget
				messages, err = e.compactAndRebuild(ctx, req, pending, rc.ContextID)
				if err != nil {
					return nil, err
				}
				compacted = true
				emit(Event{Type: "compaction", Payload: map[string]int{"attempt": compactRetries}})
				continue
			}
			if llm.IsContextOverflow(err) {
				// Compaction could not shrink the input enough; drop the log
				// rather than wedging the context forever.
				slog.Error("agent.overflow_unrecoverable", "context_id", rc.ContextID)
				if cerr := req.Store.Clear(); cerr != nil {
					slog.Error("agent.clear_failed", "context_id", rc.ContextID, "error", cerr)
				}
				emit(Event{Type: "turn.failed", Payload: map[string]string{"error": "context overflow"}})
				return nil, fmt.Errorf("agent: context overflow after %d compactions: %w", maxCompactRetries, err)
			}
			emit(Event{Type: "turn.failed", Payload: map[string]string{"error": err.Error()}})
			return nil, fmt.Errorf("agent: model call failed (step %d): %w", step, err)
		}

		usage.Add(resp.Usage)

		if len(resp.ToolCalls) == 0 {
			if resp.Content != "" {
				lastText = resp.Content
			}
			parts := []history.Part{{Type: history.PartText, Text: resp.Content}}
			pending = append(pending, history.NewAssistantMessage(rc.ContextID, parts))
			emit(Event{Type: "text", Payload: map[string]string{"content": resp.Content}})
			break
		}

		if resp.Content != "" {
			lastText = resp.Content
			emit(Event{Type: "text", Payload: map[string]string{"content": resp.Content}})
		}

		assistant, toolMsgs, errs := e.executeCalls(ctx, req.Registry, rc.ContextID, resp, emit)
		toolErrors = append(toolErrors, errs...)
		pending = append(pending, assistant)
		messages = append(messages, llm.Message{Role: "assistant", Content: resp.Content, ToolCalls: resp.ToolCalls})
		messages = append(messages, toolMsgs...)
	}

	flush()
	e.maintainHistory(ctx, req.Store)

	content := e.collapse(lastText, req.Sent)
	if len(toolErrors) > 0 {
		content = appendToolFailures(content, toolErrors)
	}
	emit(Event{Type: "turn.completed", Payload: map[string]int{"steps": step}})

	res := &TurnResult{
		Content:    content,
		Success:    len(toolErrors) == 0,
		Steps:      step,
		Usage:      usage,
		ToolErrors: toolErrors,
		Compacted:  compacted,
	}
	if step >= e.maxSteps && lastText == "" {
		return res, ErrStepBudget
	}
	return res, nil
}

// executeCalls runs the step's tool calls in order and returns the stored
// assistant message (invocations + results as parts), the model-wire tool
// messages, and any tool error strings.
func (e *Engine) executeCalls(ctx context.Context, reg *tools.Registry, contextID string, resp *llm.Response, emit func(Event)) (history.Message, []llm.Message, []string) {
	var parts []history.Part
	if resp.Content != "" {
		parts = append(parts, history.Part{Type: history.PartText, Text: resp.Content})
	}

	var toolMsgs []llm.Message
	var errs []string

	for _, tc := range resp.ToolCalls {
		emit(Event{Type: "tool.call", Payload: map[string]string{"name": tc.Name, "id": tc.ID}})

		argsJSON, _ := json.Marshal(tc.Arguments)
		slog.Info("agent.tool_call", "context_id", contextID, "tool", tc.Name, "args_len", len(argsJSON))

		toolCtx, span := telemetry.StartToolSpan(ctx, tc.Name)
		result := reg.Execute(toolCtx, tc.Name, tc.Arguments)
		span.End()
		if result.IsError {
			msg := result.ForLLM
			if len(msg) > 200 {
				msg = msg[:200] + "..."
			}
			slog.Warn("agent.tool_error", "context_id", contextID, "tool", tc.Name, "error", msg)
			errs = append(errs, tc.Name+": "+msg)
		}

		emit(Event{Type: "tool.result", Payload: map[string]interface{}{
			"name": tc.Name, "id": tc.ID, "is_error": result.IsError,
		}})

		parts = append(parts,
			history.Part{Type: history.PartToolInvocation, ToolCallID: tc.ID, ToolName: tc.Name, Args: tc.Arguments},
			history.Part{Type: history.PartToolResult, ToolCallID: tc.ID, ToolName: tc.Name, Output: result.ForLLM, IsError: result.IsError},
		)
		toolMsgs = append(toolMsgs, llm.Message{Role: "tool", Content: result.ForLLM, ToolCallID: tc.ID})
	}

	return history.NewAssistantMessage(contextID, parts), toolMsgs, errs
}

// maintainHistory bounds the log after a turn: once it outgrows the tail
// window, a size-gated compaction pass may fold older messages into a
// summary. CompactIfNeeded no-ops below the token threshold.
func (e *Engine) maintainHistory(ctx context.Context, store *history.Store) {
	n, err := store.CountMessages()
	if err != nil || n <= HistoryTailMessages {
		return
	}
	if _, err := store.CompactIfNeeded(ctx, history.CompactOptions{
		Model:                e.model,
		KeepLastMessages:     e.keepLast,
		MaxInputTokensApprox: e.maxInput,
		ArchiveOnCompact:     e.archive,
	}); err != nil {
		slog.Warn("agent.maintenance_compact_failed", "context_id", store.ContextID(), "error", err)
	}
}

// compactAndRebuild force-compacts the store and rebuilds the model message
// list: compacted tail plus this turn's still-buffered messages.
func (e *Engine) compactAndRebuild(ctx context.Context, req TurnRequest, pending []history.Message, contextID string) ([]llm.Message, error) {
	slog.Info("agent.compacting_on_overflow", "context_id", contextID)
	if _, err := req.Store.CompactIfNeeded(ctx, history.CompactOptions{
		Model:                e.model,
		Force:                true,
		KeepLastMessages:     e.keepLast,
		MaxInputTokensApprox: e.maxInput,
		ArchiveOnCompact:     e.archive,
	}); err != nil {
		return nil, fmt.Errorf("agent: compaction after overflow: %w", err)
	}

	messages, err := e.loadTail(req.Store)
	if err != nil {
		return nil, err
	}
	messages = append(messages, history.ToModelMessages(pending)...)
	return messages, nil
}

func (e *Engine) loadTail(store *history.Store) ([]llm.Message, error) {
	tail, err := store.Tail(HistoryTailMessages)
	if err != nil {
		return nil, fmt.Errorf("agent: load history: %w", err)
	}
	return history.ToModelMessages(tail), nil
}

// appendToolFailures tacks the turn's tool failures onto the reply, so the
// caller sees them even when the final text glosses over them.
func appendToolFailures(content string, errs []string) string {
	var b strings.Builder
	if content != "" {
		b.WriteString(content)
		b.WriteString("\n\n")
	}
	b.WriteString("Tool failures:")
	for _, e := range errs {
		b.WriteString("\n- " + e)
	}
	return b.String()
}

// collapse picks the user-facing text for the turn: the last non-empty model
// text, suppressed when chat_send already delivered the same content.
func (e *Engine) collapse(lastText string, sent func() []string) string {
	text := strings.TrimSpace(lastText)
	if text == "" || sent == nil {
		return text
	}
	for _, s := range sent() {
		if strings.TrimSpace(s) == text {
			return ""
		}
	}
	return text
}
