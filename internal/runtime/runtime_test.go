package runtime

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shipyardhq/sma/internal/agent"
	"github.com/shipyardhq/sma/internal/bus"
	"github.com/shipyardhq/sma/internal/config"
	"github.com/shipyardhq/sma/internal/ingress"
	"github.com/shipyardhq/sma/internal/lane"
	"github.com/shipyardhq/sma/internal/llm"
	"github.com/shipyardhq/sma/internal/llm/llmtest"
)

func newTestRuntime(t *testing.T, model llm.Model) *Runtime {
	t.Helper()
	cfg := config.Default()
	cfg.Tasks.Enabled = false
	rt, err := New(cfg, Options{Root: t.TempDir(), Model: model})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { rt.Shutdown(2 * time.Second) })
	return rt
}

// echoModel replies with the text of the last user message.
type echoModel struct{}

func (echoModel) Name() string { return "echo" }

func (echoModel) Generate(_ context.Context, req llm.Request) (*llm.Response, error) {
	var last string
	for _, m := range req.Messages {
		if m.Role == "user" {
			last = m.Content
		}
	}
	return &llm.Response{Content: "reply:" + last, FinishReason: "stop"}, nil
}

func TestExecuteSingleTurn(t *testing.T) {
	rt := newTestRuntime(t, llmtest.New(llmtest.Reply("hello from the agent")))

	var mu sync.Mutex
	var events []string
	rt.Bus().Subscribe("test", func(ev bus.Event) {
		mu.Lock()
		events = append(events, ev.Name)
		mu.Unlock()
	})
	defer rt.Bus().Unsubscribe("test")

	res, err := rt.Execute(context.Background(), "api:chat:t1", "echo hello")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Content != "hello from the agent" {
		t.Errorf("Content = %q", res.Content)
	}

	store, err := rt.StoreFor("api:chat:t1")
	if err != nil {
		t.Fatal(err)
	}
	msgs, err := store.LoadAll()
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 2 || msgs[0].Role != "user" || msgs[1].Role != "assistant" {
		t.Fatalf("history = %d messages", len(msgs))
	}

	mu.Lock()
	defer mu.Unlock()
	var started, completed bool
	for _, name := range events {
		switch name {
		case "turn.started":
			started = true
		case "turn.completed":
			completed = true
		}
	}
	if !started || !completed {
		t.Errorf("events = %v", events)
	}
}

func TestSerialOrderingWithinContext(t *testing.T) {
	rt := newTestRuntime(t, echoModel{})

	var outs []<-chan lane.Outcome
	for _, text := range []string{"A", "B", "C"} {
		disp, out, err := rt.Pipeline().Handle(context.Background(), ingress.Event{
			Channel: "api", ChatID: "t2", SenderID: "api", Text: text,
		})
		if err != nil || disp != ingress.DispositionQueued {
			t.Fatalf("Handle(%s) = %v, %v", text, disp, err)
		}
		outs = append(outs, out)
	}
	for _, out := range outs {
		if oc := <-out; oc.Err != nil {
			t.Fatalf("turn failed: %v", oc.Err)
		}
	}

	store, _ := rt.StoreFor("api:chat:t2")
	msgs, err := store.LoadAll()
	if err != nil {
		t.Fatal(err)
	}
	var replies []string
	for _, m := range msgs {
		if m.Role == "assistant" {
			replies = append(replies, m.Text())
		}
	}
	want := []string{"reply:A", "reply:B", "reply:C"}
	if len(replies) != 3 {
		t.Fatalf("replies = %v", replies)
	}
	for i := range want {
		if replies[i] != want[i] {
			t.Errorf("replies[%d] = %q, want %q", i, replies[i], want[i])
		}
	}
}

// barrierModel blocks every Generate until two calls are in flight, proving
// the two lanes run concurrently.
type barrierModel struct {
	mu      sync.Mutex
	waiting int
	release chan struct{}
}

func (b *barrierModel) Name() string { return "barrier" }

func (b *barrierModel) Generate(ctx context.Context, req llm.Request) (*llm.Response, error) {
	b.mu.Lock()
	b.waiting++
	if b.waiting == 2 {
		close(b.release)
	}
	b.mu.Unlock()

	select {
	case <-b.release:
	case <-time.After(5 * time.Second):
		return nil, fmt.Errorf("no concurrent peer arrived")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return &llm.Response{Content: "done", FinishReason: "stop"}, nil
}

func TestParallelismAcrossContexts(t *testing.T) {
	model := &barrierModel{release: make(chan struct{})}
	rt := newTestRuntime(t, model)

	var outs []<-chan lane.Outcome
	for _, chat := range []string{"t3", "t4"} {
		_, out, err := rt.Pipeline().Handle(context.Background(), ingress.Event{
			Channel: "api", ChatID: chat, SenderID: "api", Text: "go",
		})
		if err != nil {
			t.Fatalf("Handle(%s): %v", chat, err)
		}
		outs = append(outs, out)
	}
	for i, out := range outs {
		oc := <-out
		if oc.Err != nil {
			t.Fatalf("turn %d failed: %v", i, oc.Err)
		}
		if oc.Value.(*agent.TurnResult).Content != "done" {
			t.Errorf("turn %d = %+v", i, oc.Value)
		}
	}
}

type captureSender struct {
	mu   sync.Mutex
	sent []string
}

func (s *captureSender) Name() string { return "telegram" }
func (s *captureSender) Send(_ context.Context, chatID, text string) error {
	s.mu.Lock()
	s.sent = append(s.sent, chatID+"|"+text)
	s.mu.Unlock()
	return nil
}

func TestChatRepliesDeliverToRegisteredSender(t *testing.T) {
	rt := newTestRuntime(t, llmtest.New(llmtest.Reply("on my way")))
	sender := &captureSender{}
	rt.Dispatcher().Register(sender)

	_, out, err := rt.Pipeline().Handle(context.Background(), ingress.Event{
		Channel: "telegram", ChatID: "99", SenderID: "u1", MessageID: "m1", Text: "where are you",
	})
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if oc := <-out; oc.Err != nil {
		t.Fatalf("turn: %v", oc.Err)
	}

	sender.mu.Lock()
	defer sender.mu.Unlock()
	if len(sender.sent) != 1 || sender.sent[0] != "99|on my way" {
		t.Errorf("sent = %v", sender.sent)
	}
}

func TestStoreForTaskRunContext(t *testing.T) {
	rt := newTestRuntime(t, llmtest.New())

	store, err := rt.StoreFor("task-run:digest:20260101-090000-000")
	if err != nil {
		t.Fatalf("StoreFor: %v", err)
	}
	if want := rt.layout.RunDir("digest", "20260101-090000-000"); store.Dir() != want {
		t.Errorf("Dir = %q, want %q", store.Dir(), want)
	}

	// Same context id yields the same cached store.
	again, err := rt.StoreFor("task-run:digest:20260101-090000-000")
	if err != nil {
		t.Fatal(err)
	}
	if again != store {
		t.Error("store not cached")
	}
}

func TestStoreForRejectsMalformedTaskRun(t *testing.T) {
	rt := newTestRuntime(t, llmtest.New())
	if _, err := rt.StoreFor("task-run:no-timestamp"); err == nil {
		t.Fatal("expected error for malformed task-run context id")
	}
}
