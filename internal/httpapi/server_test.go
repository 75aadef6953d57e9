package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/shipyardhq/sma/internal/agent"
	"github.com/shipyardhq/sma/internal/bus"
	"github.com/shipyardhq/sma/internal/egress"
	"github.com/shipyardhq/sma/internal/history"
	"github.com/shipyardhq/sma/internal/lane"
	"github.com/shipyardhq/sma/internal/paths"
	"github.com/shipyardhq/sma/internal/skills"
	"github.com/shipyardhq/sma/internal/task"
)

type fakeSender struct {
	sent []string
}

func (f *fakeSender) Name() string { return "telegram" }

func (f *fakeSender) Send(ctx context.Context, chatID, text string) error {
	f.sent = append(f.sent, chatID+"|"+text)
	return nil
}

type testEnv struct {
	layout paths.Layout
	sender *fakeSender
	broker *bus.Broker
	server *Server
	ts     *httptest.Server
}

func newTestEnv(t *testing.T, mutate func(*Config)) *testEnv {
	t.Helper()
	layout := paths.New(t.TempDir())

	sender := &fakeSender{}
	dispatcher := egress.NewDispatcher()
	dispatcher.Register(sender)

	sched := lane.NewScheduler(lane.Config{Workers: 2, LaneCap: 8})
	t.Cleanup(func() { sched.Shutdown(time.Second) })

	taskStore := task.NewStore(layout)
	runner := task.NewRunner(task.RunnerConfig{
		Store:  taskStore,
		Layout: layout,
		Sched:  sched,
		RunTurn: func(ctx context.Context, contextID, prompt string) (*agent.TurnResult, error) {
			return &agent.TurnResult{Content: "ran: " + strings.TrimSpace(prompt), Success: true, Steps: 1}, nil
		},
	})

	broker := bus.NewBroker()
	cfg := Config{
		Name:       "sma",
		Execute: func(ctx context.Context, contextID, instructions string) (*agent.TurnResult, error) {
			return &agent.TurnResult{Content: "echo: " + instructions, Steps: 1}, nil
		},
		Dispatcher: dispatcher,
		Skills:     skills.NewLibrary(layout.SkillsDir()),
		Stores: func(contextID string) (*history.Store, error) {
			return history.Open(layout.MessagesDir(contextID), contextID)
		},
		Tasks:     taskStore,
		Runner:    runner,
		Lanes:     sched,
		Shell:     nil,
		Bus:       broker,
		PublicDir: layout.PublicDir(),
	}
	if mutate != nil {
		mutate(&cfg)
	}

	srv := NewServer(cfg)
	ts := httptest.NewServer(srv.BuildMux())
	t.Cleanup(ts.Close)
	return &testEnv{layout: layout, sender: sender, broker: broker, server: srv, ts: ts}
}

func (e *testEnv) post(t *testing.T, path string, body interface{}, token string) *http.Response {
	t.Helper()
	data, _ := json.Marshal(body)
	req, _ := http.NewRequest(http.MethodPost, e.ts.URL+path, strings.NewReader(string(data)))
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	return resp
}

func decode(t *testing.T, resp *http.Response, into interface{}) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(into); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, nil)
	resp, err := http.Get(env.ts.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	var body map[string]string
	decode(t, resp, &body)
	if body["status"] != "ok" || body["timestamp"] == "" {
		t.Errorf("health = %+v", body)
	}
}

func TestStatusReportsLanes(t *testing.T) {
	env := newTestEnv(t, nil)
	resp, err := http.Get(env.ts.URL + "/api/status")
	if err != nil {
		t.Fatal(err)
	}
	var body map[string]interface{}
	decode(t, resp, &body)
	if body["name"] != "sma" || body["status"] != "running" {
		t.Errorf("status = %+v", body)
	}
	if _, ok := body["lanes"]; !ok {
		t.Error("lanes stats missing")
	}
}

func TestExecuteEcho(t *testing.T) {
	env := newTestEnv(t, nil)
	resp := env.post(t, "/api/execute", map[string]string{
		"instructions": "echo hello",
		"chatId":       "t1",
	}, "")
	var body executeResponse
	decode(t, resp, &body)
	if !body.Success || body.ContextID != "api:chat:t1" {
		t.Errorf("execute = %+v", body)
	}
	if !strings.Contains(body.Output, "hello") {
		t.Errorf("Output = %q", body.Output)
	}
}

func TestExecuteTurnFailure(t *testing.T) {
	env := newTestEnv(t, func(cfg *Config) {
		cfg.Execute = func(ctx context.Context, contextID, instructions string) (*agent.TurnResult, error) {
			return nil, errors.New("model down")
		}
	})
	resp := env.post(t, "/api/execute", map[string]string{"instructions": "x"}, "")
	var body executeResponse
	decode(t, resp, &body)
	if body.Success || body.Error != "model down" {
		t.Errorf("execute = %+v", body)
	}
}

func TestExecuteRejectsEmptyInstructions(t *testing.T) {
	env := newTestEnv(t, nil)
	resp := env.post(t, "/api/execute", map[string]string{"chatId": "t1"}, "")
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestBearerAuth(t *testing.T) {
	env := newTestEnv(t, func(cfg *Config) { cfg.Token = "secret" })

	resp := env.post(t, "/api/execute", map[string]string{"instructions": "x"}, "")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("no token status = %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = env.post(t, "/api/execute", map[string]string{"instructions": "x"}, "wrong")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("wrong token status = %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = env.post(t, "/api/execute", map[string]string{"instructions": "x"}, "secret")
	if resp.StatusCode != http.StatusOK {
		t.Errorf("good token status = %d", resp.StatusCode)
	}
	resp.Body.Close()

	// Health stays open.
	hr, err := http.Get(env.ts.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	if hr.StatusCode != http.StatusOK {
		t.Errorf("health status = %d", hr.StatusCode)
	}
	hr.Body.Close()
}

func TestExecuteRateLimit(t *testing.T) {
	env := newTestEnv(t, func(cfg *Config) { cfg.RateLimitRPM = 60 })

	var last int
	for i := 0; i < 6; i++ {
		resp := env.post(t, "/api/execute", map[string]string{"instructions": "x"}, "")
		last = resp.StatusCode
		resp.Body.Close()
	}
	if last != http.StatusTooManyRequests {
		t.Errorf("6th request status = %d, want 429", last)
	}
}

func TestChatSend(t *testing.T) {
	env := newTestEnv(t, nil)
	resp := env.post(t, "/api/chat/send", map[string]string{
		"chatKey": "telegram-chat-42",
		"text":    "hi there",
	}, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	resp.Body.Close()
	if len(env.sender.sent) != 1 || env.sender.sent[0] != "42|hi there" {
		t.Errorf("sent = %v", env.sender.sent)
	}
}

func TestChatSendUnroutable(t *testing.T) {
	env := newTestEnv(t, nil)
	resp := env.post(t, "/api/chat/send", map[string]string{
		"chatKey": "task-run:x:y",
		"text":    "hi",
	}, "")
	if resp.StatusCode != http.StatusBadGateway {
		t.Errorf("status = %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func writeSkill(t *testing.T, layout paths.Layout, id, name string) {
	t.Helper()
	dir := filepath.Join(layout.SkillsDir(), id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	content := fmt.Sprintf("---\nname: %q\ndescription: \"test skill\"\n---\nDo the thing.\n", name)
	if err := os.WriteFile(filepath.Join(dir, "SKILL.md"), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestSkillListLoadUnload(t *testing.T) {
	env := newTestEnv(t, nil)
	writeSkill(t, env.layout, "release-notes", "Release notes")

	resp, err := http.Get(env.ts.URL + "/api/skill/list")
	if err != nil {
		t.Fatal(err)
	}
	var listBody struct {
		Skills []skills.Info `json:"skills"`
	}
	decode(t, resp, &listBody)
	if len(listBody.Skills) != 1 || listBody.Skills[0].ID != "release-notes" {
		t.Fatalf("skills = %+v", listBody.Skills)
	}

	resp = env.post(t, "/api/skill/load", map[string]string{
		"name": "release-notes", "contextId": "telegram-chat-1",
	}, "")
	var pinBody struct {
		Pinned []string `json:"pinned"`
	}
	decode(t, resp, &pinBody)
	if len(pinBody.Pinned) != 1 || pinBody.Pinned[0] != "release-notes" {
		t.Errorf("pinned = %v", pinBody.Pinned)
	}

	resp = env.post(t, "/api/skill/unload", map[string]string{
		"name": "release-notes", "contextId": "telegram-chat-1",
	}, "")
	decode(t, resp, &pinBody)
	if len(pinBody.Pinned) != 0 {
		t.Errorf("pinned after unload = %v", pinBody.Pinned)
	}
}

func TestSkillLoadUnknown(t *testing.T) {
	env := newTestEnv(t, nil)
	resp := env.post(t, "/api/skill/load", map[string]string{
		"name": "ghost", "contextId": "telegram-chat-1",
	}, "")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestTaskCRUDAndRun(t *testing.T) {
	env := newTestEnv(t, nil)

	resp := env.post(t, "/api/task", map[string]interface{}{
		"id":     "digest",
		"title":  "Digest",
		"cron":   "0 9 * * *",
		"prompt": "compile the digest",
	}, "")
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d", resp.StatusCode)
	}
	resp.Body.Close()

	// Duplicate id conflicts.
	resp = env.post(t, "/api/task", map[string]interface{}{"id": "digest", "prompt": "x"}, "")
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("duplicate status = %d", resp.StatusCode)
	}
	resp.Body.Close()

	gr, err := http.Get(env.ts.URL + "/api/task/digest")
	if err != nil {
		t.Fatal(err)
	}
	var view map[string]interface{}
	decode(t, gr, &view)
	if view["cron"] != "0 9 * * *" || view["prompt"] != "compile the digest" {
		t.Errorf("task = %+v", view)
	}

	resp = env.post(t, "/api/task/digest/run", nil, "")
	var record task.RunRecord
	decode(t, resp, &record)
	if record.Status != "success" || record.Trigger != "manual" {
		t.Errorf("record = %+v", record)
	}
	if _, err := os.Stat(filepath.Join(env.layout.RunDir("digest", record.Timestamp), "run.json")); err != nil {
		t.Errorf("run.json missing: %v", err)
	}

	req, _ := http.NewRequest(http.MethodDelete, env.ts.URL+"/api/task/digest", nil)
	dr, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	if dr.StatusCode != http.StatusOK {
		t.Errorf("delete status = %d", dr.StatusCode)
	}
	dr.Body.Close()

	gr, err = http.Get(env.ts.URL + "/api/task/digest")
	if err != nil {
		t.Fatal(err)
	}
	if gr.StatusCode != http.StatusNotFound {
		t.Errorf("get after delete = %d", gr.StatusCode)
	}
	gr.Body.Close()
}

func TestTaskCreateRejectsBadCron(t *testing.T) {
	env := newTestEnv(t, nil)
	resp := env.post(t, "/api/task", map[string]interface{}{
		"id": "bad", "cron": "whenever", "prompt": "x",
	}, "")
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestPublicFiles(t *testing.T) {
	env := newTestEnv(t, nil)
	if err := os.MkdirAll(env.layout.PublicDir(), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(env.layout.PublicDir(), "hello.txt"), []byte("world"), 0o644); err != nil {
		t.Fatal(err)
	}
	resp, err := http.Get(env.ts.URL + "/ship/public/hello.txt")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	buf := make([]byte, 16)
	n, _ := resp.Body.Read(buf)
	if string(buf[:n]) != "world" {
		t.Errorf("body = %q", buf[:n])
	}
}

func TestWebSocketStreamsEvents(t *testing.T) {
	env := newTestEnv(t, nil)

	wsURL := "ws" + strings.TrimPrefix(env.ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// Subscription is registered during the upgrade handshake; give the
	// handler a moment to attach before broadcasting.
	deadline := time.Now().Add(2 * time.Second)
	var got bus.Event
	for {
		env.broker.Broadcast(bus.Event{Name: "run.completed", Payload: map[string]interface{}{"contextId": "t1"}})
		conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
		if err := conn.ReadJSON(&got); err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("no event received")
		}
	}
	if got.Name != "run.completed" {
		t.Errorf("event = %+v", got)
	}
}
