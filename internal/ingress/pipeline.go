// Package ingress normalises inbound messages from every surface (chat
// platforms, the HTTP API, task runs) into scheduled agent turns: derive the
// context id, gate group noise, drop redeliveries, and admit into the lane
// scheduler.
package ingress

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/shipyardhq/sma/internal/agent"
	"github.com/shipyardhq/sma/internal/egress"
	"github.com/shipyardhq/sma/internal/history"
	"github.com/shipyardhq/sma/internal/lane"
	"github.com/shipyardhq/sma/internal/reqctx"
	"github.com/shipyardhq/sma/internal/tools"
)

// busyReply is sent when a conversation's lane is saturated.
const busyReply = "I'm still working through earlier messages in this chat. Please try again in a moment."

// Event is one normalised inbound message.
type Event struct {
	Channel   string // "telegram", "feishu", "qq", "api"
	ChatID    string
	ThreadID  string // telegram forum topic, empty or "0" when absent
	ChatType  string // qq only: "group" or "private"
	SenderID  string
	MessageID string
	Text      string
	IsGroup   bool
	Mentioned bool // bot was @mentioned (group surfaces)
}

// ContextIDFor derives the stable conversation key for an event.
func ContextIDFor(ev Event) string {
	switch ev.Channel {
	case "telegram":
		id := "telegram-chat-" + ev.ChatID
		if ev.ThreadID != "" && ev.ThreadID != "0" {
			id += "-topic-" + ev.ThreadID
		}
		return id
	case "feishu":
		return "feishu-chat-" + ev.ChatID
	case "qq":
		kind := ev.ChatType
		if kind == "" {
			kind = "private"
		}
		return fmt.Sprintf("qq-%s-%s", kind, ev.ChatID)
	case "api":
		return "api:chat:" + ev.ChatID
	default:
		return ev.Channel + "-chat-" + ev.ChatID
	}
}

// TaskContextID derives the one-shot context key for a scheduled task run.
func TaskContextID(taskID, runTimestamp string) string {
	return fmt.Sprintf("task-run:%s:%s", taskID, runTimestamp)
}

// Disposition reports what the pipeline did with an event.
type Disposition string

const (
	DispositionQueued    Disposition = "queued"
	DispositionDuplicate Disposition = "duplicate"
	DispositionUnmention Disposition = "ignored_not_mentioned"
	DispositionBusy      Disposition = "busy"
)

// TurnFunc runs one agent turn for a context. The pipeline supplies a ctx
// already carrying the request context.
type TurnFunc func(ctx context.Context, contextID, message string) (*agent.TurnResult, error)

// Pipeline wires inbound events into the scheduler and delivers replies.
type Pipeline struct {
	sched      *lane.Scheduler
	runTurn    TurnFunc
	dispatcher *egress.Dispatcher
	stores     tools.StoreResolver
	cacheDir   string

	mu     sync.Mutex
	dedupe map[string]*Dedupe
}

func NewPipeline(sched *lane.Scheduler, runTurn TurnFunc, dispatcher *egress.Dispatcher, stores tools.StoreResolver, cacheDir string) *Pipeline {
	return &Pipeline{
		sched:      sched,
		runTurn:    runTurn,
		dispatcher: dispatcher,
		stores:     stores,
		dedupe:     make(map[string]*Dedupe),
		cacheDir:   cacheDir,
	}
}

// Handle admits one event. When the disposition is DispositionQueued the
// returned channel yields the turn outcome (Value is *agent.TurnResult);
// otherwise the channel is nil.
func (p *Pipeline) Handle(ctx context.Context, ev Event) (Disposition, <-chan lane.Outcome, error) {
	if strings.TrimSpace(ev.Text) == "" {
		return "", nil, agent.ErrEmptyMessage
	}

	// Group chats only engage the agent when addressed or commanded. The
	// message is still recorded so the conversation log keeps the
	// surrounding chatter.
	if ev.IsGroup && !ev.Mentioned && !strings.HasPrefix(strings.TrimSpace(ev.Text), "/") {
		p.recordUnaddressed(ev)
		return DispositionUnmention, nil, nil
	}

	if ev.MessageID != "" {
		seen, err := p.seenBefore(ev)
		if err != nil {
			slog.Warn("ingress.dedupe_unavailable", "channel", ev.Channel, "error", err)
		} else if seen {
			slog.Debug("ingress.duplicate_dropped", "channel", ev.Channel, "message_id", ev.MessageID)
			return DispositionDuplicate, nil, nil
		}
	}

	contextID := ContextIDFor(ev)
	rc := reqctx.RequestContext{
		RequestID: uuid.NewString(),
		ContextID: contextID,
		Channel:   ev.Channel,
		TargetID:  ev.ChatID,
		ActorID:   ev.SenderID,
		MessageID: ev.MessageID,
	}

	_, out, err := p.sched.Enqueue(ctx, lane.Turn{
		ContextID: contextID,
		Run: func(runCtx context.Context) (interface{}, error) {
			runCtx = reqctx.With(runCtx, rc)
			res, err := p.runTurn(runCtx, contextID, ev.Text)
			if err != nil {
				return nil, err
			}
			p.deliver(runCtx, contextID, res)
			return res, nil
		},
	})
	if err != nil {
		if errors.Is(err, lane.ErrLaneSaturated) {
			p.sendBusyReply(ctx, contextID)
			return DispositionBusy, nil, nil
		}
		return "", nil, err
	}

	slog.Info("ingress.queued",
		"channel", ev.Channel,
		"context_id", contextID,
		"request_id", rc.RequestID,
		"group", ev.IsGroup,
	)
	return DispositionQueued, out, nil
}

// deliver pushes the turn's collapsed text to the chat. API contexts get
// their reply in the HTTP response instead, and contexts with no sender
// (task runs) have nowhere to deliver.
func (p *Pipeline) deliver(ctx context.Context, contextID string, res *agent.TurnResult) {
	if res.Content == "" || p.dispatcher == nil {
		return
	}
	if !p.dispatcher.CanDeliver(contextID) {
		return
	}
	if err := p.dispatcher.Send(ctx, contextID, res.Content); err != nil {
		slog.Error("ingress.delivery_failed", "context_id", contextID, "error", err)
	}
}

// recordUnaddressed appends an unaddressed group message to the context's
// history without waking the agent.
func (p *Pipeline) recordUnaddressed(ev Event) {
	if p.stores == nil {
		return
	}
	contextID := ContextIDFor(ev)
	store, err := p.stores(contextID)
	if err != nil {
		slog.Warn("ingress.record_failed", "context_id", contextID, "error", err)
		return
	}
	if err := store.Append(history.NewUserMessage(contextID, ev.Text)); err != nil {
		slog.Warn("ingress.record_failed", "context_id", contextID, "error", err)
	}
}

func (p *Pipeline) sendBusyReply(ctx context.Context, contextID string) {
	if p.dispatcher == nil || !p.dispatcher.CanDeliver(contextID) {
		return
	}
	if err := p.dispatcher.Send(ctx, contextID, busyReply); err != nil {
		slog.Warn("ingress.busy_reply_failed", "context_id", contextID, "error", err)
	}
}

func (p *Pipeline) seenBefore(ev Event) (bool, error) {
	p.mu.Lock()
	d, ok := p.dedupe[ev.Channel]
	if !ok {
		var err error
		d, err = OpenDedupe(p.cacheDir, ev.Channel)
		if err != nil {
			p.mu.Unlock()
			return false, err
		}
		p.dedupe[ev.Channel] = d
	}
	p.mu.Unlock()
	return d.Seen(ev.ChatID + ":" + ev.MessageID), nil
}
