package ingress

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/shipyardhq/sma/internal/agent"
	"github.com/shipyardhq/sma/internal/egress"
	"github.com/shipyardhq/sma/internal/history"
	"github.com/shipyardhq/sma/internal/lane"
	"github.com/shipyardhq/sma/internal/reqctx"
	"github.com/shipyardhq/sma/internal/tools"
)

func TestContextIDFor(t *testing.T) {
	tests := []struct {
		ev   Event
		want string
	}{
		{Event{Channel: "telegram", ChatID: "12345"}, "telegram-chat-12345"},
		{Event{Channel: "telegram", ChatID: "12345", ThreadID: "7"}, "telegram-chat-12345-topic-7"},
		{Event{Channel: "telegram", ChatID: "12345", ThreadID: "0"}, "telegram-chat-12345"},
		{Event{Channel: "feishu", ChatID: "oc_99"}, "feishu-chat-oc_99"},
		{Event{Channel: "qq", ChatID: "777", ChatType: "group"}, "qq-group-777"},
		{Event{Channel: "qq", ChatID: "42"}, "qq-private-42"},
		{Event{Channel: "api", ChatID: "thread-1"}, "api:chat:thread-1"},
	}
	for _, tt := range tests {
		if got := ContextIDFor(tt.ev); got != tt.want {
			t.Errorf("ContextIDFor(%+v) = %q, want %q", tt.ev, got, tt.want)
		}
	}
	if got := TaskContextID("daily-report", "20260824-070000-000"); got != "task-run:daily-report:20260824-070000-000" {
		t.Errorf("TaskContextID = %q", got)
	}
}

type capturedTurn struct {
	contextID string
	message   string
	rc        reqctx.RequestContext
}

func testStoreResolver(t *testing.T) tools.StoreResolver {
	t.Helper()
	dir := t.TempDir()
	var mu sync.Mutex
	stores := make(map[string]*history.Store)
	return func(contextID string) (*history.Store, error) {
		mu.Lock()
		defer mu.Unlock()
		if s, ok := stores[contextID]; ok {
			return s, nil
		}
		s, err := history.Open(filepath.Join(dir, contextID), contextID)
		if err != nil {
			return nil, err
		}
		stores[contextID] = s
		return s, nil
	}
}

func newTestPipeline(t *testing.T, reply string) (*Pipeline, *[]capturedTurn, tools.StoreResolver) {
	t.Helper()
	var mu sync.Mutex
	turns := &[]capturedTurn{}
	run := func(ctx context.Context, contextID, message string) (*agent.TurnResult, error) {
		mu.Lock()
		*turns = append(*turns, capturedTurn{contextID, message, reqctx.From(ctx)})
		mu.Unlock()
		return &agent.TurnResult{Content: reply, Steps: 1}, nil
	}
	sched := lane.NewScheduler(lane.Config{Workers: 2})
	t.Cleanup(func() { sched.Shutdown(5 * time.Second) })
	resolve := testStoreResolver(t)
	return NewPipeline(sched, run, egress.NewDispatcher(), resolve, t.TempDir()), turns, resolve
}

func TestHandleQueuesAndRuns(t *testing.T) {
	p, turns, _ := newTestPipeline(t, "hello back")

	disp, out, err := p.Handle(context.Background(), Event{
		Channel:   "telegram",
		ChatID:    "5",
		SenderID:  "u1",
		MessageID: "m1",
		Text:      "hi",
	})
	if err != nil || disp != DispositionQueued {
		t.Fatalf("Handle = %v, %v", disp, err)
	}

	outcome := <-out
	if outcome.Err != nil {
		t.Fatalf("outcome: %v", outcome.Err)
	}
	res := outcome.Value.(*agent.TurnResult)
	if res.Content != "hello back" {
		t.Errorf("content = %q", res.Content)
	}

	got := (*turns)[0]
	if got.contextID != "telegram-chat-5" || got.message != "hi" {
		t.Errorf("turn = %+v", got)
	}
	if got.rc.Channel != "telegram" || got.rc.ActorID != "u1" || got.rc.RequestID == "" {
		t.Errorf("request context = %+v", got.rc)
	}
}

func TestHandleMentionGate(t *testing.T) {
	p, turns, _ := newTestPipeline(t, "")

	disp, _, err := p.Handle(context.Background(), Event{
		Channel: "qq", ChatID: "g1", ChatType: "group", IsGroup: true,
		MessageID: "m1", Text: "random chatter",
	})
	if err != nil || disp != DispositionUnmention {
		t.Fatalf("unmentioned = %v, %v", disp, err)
	}
	if len(*turns) != 0 {
		t.Error("unmentioned group message reached the agent")
	}

	disp, out, err := p.Handle(context.Background(), Event{
		Channel: "qq", ChatID: "g1", ChatType: "group", IsGroup: true,
		Mentioned: true, MessageID: "m2", Text: "@bot do it",
	})
	if err != nil || disp != DispositionQueued {
		t.Fatalf("mentioned = %v, %v", disp, err)
	}
	<-out

	// Slash commands bypass the mention requirement.
	disp, out, err = p.Handle(context.Background(), Event{
		Channel: "qq", ChatID: "g1", ChatType: "group", IsGroup: true,
		MessageID: "m3", Text: "/status",
	})
	if err != nil || disp != DispositionQueued {
		t.Fatalf("command = %v, %v", disp, err)
	}
	<-out
	if len(*turns) != 2 {
		t.Errorf("turns = %d", len(*turns))
	}
}

func TestHandleStoresUnaddressedGroupMessage(t *testing.T) {
	p, turns, resolve := newTestPipeline(t, "")

	disp, out, err := p.Handle(context.Background(), Event{
		Channel: "qq", ChatID: "g7", ChatType: "group", IsGroup: true,
		SenderID: "u9", MessageID: "m1", Text: "random chatter",
	})
	if err != nil || disp != DispositionUnmention || out != nil {
		t.Fatalf("Handle = %v, %v, %v", disp, out, err)
	}
	if len(*turns) != 0 {
		t.Fatal("unaddressed message reached the agent")
	}

	store, err := resolve("qq-group-g7")
	if err != nil {
		t.Fatal(err)
	}
	msgs, err := store.LoadAll()
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 || msgs[0].Role != history.RoleUser || msgs[0].Text() != "random chatter" {
		t.Fatalf("stored messages = %+v", msgs)
	}
}

func TestHandleDeduplicates(t *testing.T) {
	p, turns, _ := newTestPipeline(t, "")

	ev := Event{Channel: "feishu", ChatID: "c1", MessageID: "mm1", Text: "once"}
	disp, out, err := p.Handle(context.Background(), ev)
	if err != nil || disp != DispositionQueued {
		t.Fatalf("first = %v, %v", disp, err)
	}
	<-out

	disp, _, err = p.Handle(context.Background(), ev)
	if err != nil || disp != DispositionDuplicate {
		t.Fatalf("second = %v, %v", disp, err)
	}
	if len(*turns) != 1 {
		t.Errorf("turns = %d, want 1", len(*turns))
	}
}

func TestDedupePersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()

	d, err := OpenDedupe(dir, "telegram")
	if err != nil {
		t.Fatal(err)
	}
	if d.Seen("5:m1") {
		t.Fatal("fresh key reported seen")
	}

	reopened, err := OpenDedupe(dir, "telegram")
	if err != nil {
		t.Fatal(err)
	}
	if !reopened.Seen("5:m1") {
		t.Error("key lost across reopen")
	}
}

func TestDedupeTTLExpiry(t *testing.T) {
	old := dedupeTTL
	dedupeTTL = 50 * time.Millisecond
	defer func() { dedupeTTL = old }()

	d, err := OpenDedupe(t.TempDir(), "qq")
	if err != nil {
		t.Fatal(err)
	}
	if d.Seen("k") {
		t.Fatal("fresh key seen")
	}
	time.Sleep(1100 * time.Millisecond) // unix-second resolution needs > 1s
	if d.Seen("k") {
		t.Error("expired key still reported seen")
	}
}

func TestHandleBusyLane(t *testing.T) {
	block := make(chan struct{})
	defer close(block)

	run := func(ctx context.Context, contextID, message string) (*agent.TurnResult, error) {
		<-block
		return &agent.TurnResult{}, nil
	}
	sched := lane.NewScheduler(lane.Config{Workers: 1, LaneCap: 1})
	t.Cleanup(func() { sched.Shutdown(5 * time.Second) })

	d := egress.NewDispatcher()
	sender := &busySender{}
	d.Register(sender)
	p := NewPipeline(sched, run, d, testStoreResolver(t), t.TempDir())

	ev := func(id string) Event {
		return Event{Channel: "telegram", ChatID: "1", MessageID: id, Text: "go"}
	}

	// First occupies the worker, second fills the lane, third saturates.
	if disp, _, _ := p.Handle(context.Background(), ev("a")); disp != DispositionQueued {
		t.Fatalf("first disp = %v", disp)
	}
	time.Sleep(20 * time.Millisecond)
	if disp, _, _ := p.Handle(context.Background(), ev("b")); disp != DispositionQueued {
		t.Fatalf("second disp = %v", disp)
	}
	disp, _, err := p.Handle(context.Background(), ev("c"))
	if err != nil || disp != DispositionBusy {
		t.Fatalf("third = %v, %v", disp, err)
	}
	if len(sender.sent) != 1 {
		t.Errorf("busy replies = %d, want 1", len(sender.sent))
	}
}

type busySender struct{ sent []string }

func (s *busySender) Name() string { return "telegram" }
func (s *busySender) Send(_ context.Context, _, text string) error {
	s.sent = append(s.sent, text)
	return nil
}

func TestHandleEmptyText(t *testing.T) {
	p, _, _ := newTestPipeline(t, "")
	_, _, err := p.Handle(context.Background(), Event{Channel: "api", ChatID: "x", Text: " "})
	if !errors.Is(err, agent.ErrEmptyMessage) {
		t.Errorf("err = %v, want ErrEmptyMessage", err)
	}
}
