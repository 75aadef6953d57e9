// Package runtime assembles the whole agent process: configuration, model,
// history stores, shell sessions, tools, scheduler, ingress, tasks, and the
// HTTP surface. It is the only package that owns registries; everything
// below it receives ids and narrow capabilities.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/shipyardhq/sma/internal/agent"
	"github.com/shipyardhq/sma/internal/bus"
	"github.com/shipyardhq/sma/internal/config"
	"github.com/shipyardhq/sma/internal/egress"
	"github.com/shipyardhq/sma/internal/history"
	"github.com/shipyardhq/sma/internal/httpapi"
	"github.com/shipyardhq/sma/internal/ingress"
	"github.com/shipyardhq/sma/internal/lane"
	"github.com/shipyardhq/sma/internal/llm"
	"github.com/shipyardhq/sma/internal/paths"
	"github.com/shipyardhq/sma/internal/reqctx"
	"github.com/shipyardhq/sma/internal/shell"
	"github.com/shipyardhq/sma/internal/skills"
	"github.com/shipyardhq/sma/internal/task"
	"github.com/shipyardhq/sma/internal/telemetry"
	"github.com/shipyardhq/sma/internal/tools"
)

// Runtime owns every registry and wires them together.
type Runtime struct {
	cfg    *config.Config
	layout paths.Layout

	model      llm.Model
	shell      *shell.Registry
	dispatcher *egress.Dispatcher
	skills     *skills.Library
	engine     *agent.Engine
	sched      *lane.Scheduler
	pipeline   *ingress.Pipeline
	tasks      *task.Store
	runner     *task.Runner
	broker     *bus.Broker
	server     *httpapi.Server

	mu     sync.Mutex
	stores map[string]*history.Store
}

// Options overrides parts of the assembly, mainly for tests.
type Options struct {
	Root  string
	Model llm.Model // nil builds the provider client from config
}

// New assembles a runtime from config. Nothing starts running until Start.
func New(cfg *config.Config, opts Options) (*Runtime, error) {
	layout := paths.New(opts.Root)
	if err := paths.EnsureDir(layout.ShipDir()); err != nil {
		return nil, fmt.Errorf("runtime: create state dir: %w", err)
	}

	model := opts.Model
	if model == nil {
		switch cfg.Agent.Provider {
		case "", "anthropic":
			if cfg.Agent.APIKey == "" {
				return nil, errors.New("runtime: SMA_API_KEY is not set")
			}
			model = llm.NewAnthropicClient(cfg.Agent.APIKey, cfg.Agent.Model)
		default:
			return nil, fmt.Errorf("runtime: unknown provider %q", cfg.Agent.Provider)
		}
	}

	sessions := shell.NewRegistry(layout.Root,
		shell.WithMaxSessions(cfg.Shell.MaxSessions),
		shell.WithDefaultShell(cfg.Shell.DefaultShell))

	r := &Runtime{
		cfg:        cfg,
		layout:     layout,
		model:      model,
		shell:      sessions,
		dispatcher: egress.NewDispatcher(),
		skills:     skills.NewLibrary(layout.SkillsDir()),
		broker:     bus.NewBroker(),
		stores:     make(map[string]*history.Store),
	}

	r.engine = agent.NewEngine(agent.EngineConfig{
		Model:                model,
		Skills:               r.skills,
		AgentFile:            layout.AgentFile(),
		Workspace:            layout.Root,
		MaxSteps:             cfg.Agent.MaxSteps,
		MaxTokens:            cfg.Agent.MaxTokens,
		Temperature:          cfg.Agent.Temperature,
		KeepLastMessages:     cfg.History.KeepLastMessages,
		MaxInputTokensApprox: cfg.History.MaxInputTokensApprox,
		DisableArchive:       !cfg.History.ArchiveOnCompact,
	})

	r.sched = lane.NewScheduler(lane.Config{
		Workers: cfg.Lanes.Workers,
		LaneCap: cfg.Lanes.LaneCap,
	})

	r.pipeline = ingress.NewPipeline(r.sched, r.RunTurn, r.dispatcher, r.StoreFor, filepath.Join(layout.ShipDir(), "cache"))

	r.tasks = task.NewStore(layout)
	r.runner = task.NewRunner(task.RunnerConfig{
		Store:    r.tasks,
		Layout:   layout,
		Sched:    r.sched,
		RunTurn:  r.RunTurn,
		Notify:   r.dispatcher.Send,
		Timezone: cfg.Tasks.Timezone,
	})

	if cfg.Channels.Telegram.Enabled {
		r.dispatcher.Register(egress.NewTelegramSender(cfg.Channels.Telegram.Token))
	}
	if cfg.Channels.Feishu.Enabled {
		slog.Warn("runtime.channel_unavailable", "channel", "feishu")
	}
	if cfg.Channels.QQ.Enabled {
		slog.Warn("runtime.channel_unavailable", "channel", "qq")
	}

	r.server = httpapi.NewServer(httpapi.Config{
		Name:         "sma",
		Host:         cfg.Server.Host,
		Port:         cfg.Server.Port,
		Token:        cfg.Server.Token,
		RateLimitRPM: cfg.Server.RateLimitRPM,
		Execute:      r.Execute,
		Dispatcher:   r.dispatcher,
		Skills:       r.skills,
		Stores:       r.StoreFor,
		Tasks:        r.tasks,
		Runner:       r.runner,
		Lanes:        r.sched,
		Shell:        r.shell,
		Bus:          r.broker,
		PublicDir:    layout.PublicDir(),
	})

	return r, nil
}

// Dispatcher exposes the egress router for registering platform senders.
func (r *Runtime) Dispatcher() *egress.Dispatcher { return r.dispatcher }

// Pipeline exposes the ingress pipeline for platform adapters.
func (r *Runtime) Pipeline() *ingress.Pipeline { return r.pipeline }

// Bus exposes the event broker.
func (r *Runtime) Bus() bus.EventPublisher { return r.broker }

// Tasks exposes the task store.
func (r *Runtime) Tasks() *task.Store { return r.tasks }

// Runner exposes the task runner.
func (r *Runtime) Runner() *task.Runner { return r.runner }

// StoreFor resolves the history store for a context id. Task-run contexts
// write into their run directory; everything else lives under
// context/<id>/messages. Stores are created lazily and cached.
func (r *Runtime) StoreFor(contextID string) (*history.Store, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.stores[contextID]; ok {
		return s, nil
	}

	dir := r.layout.MessagesDir(contextID)
	if rest, ok := strings.CutPrefix(contextID, "task-run:"); ok {
		taskID, ts, ok := strings.Cut(rest, ":")
		if !ok {
			return nil, fmt.Errorf("runtime: malformed task-run context %q", contextID)
		}
		dir = r.layout.RunDir(taskID, ts)
	}

	s, err := history.Open(dir, contextID)
	if err != nil {
		return nil, err
	}
	r.stores[contextID] = s
	return s, nil
}

// RunTurn executes one agent turn for contextID: resolve the store, bind a
// fresh tool registry, run the engine, and broadcast step events. Callers
// are responsible for lane admission.
func (r *Runtime) RunTurn(ctx context.Context, contextID, message string) (*agent.TurnResult, error) {
	store, err := r.StoreFor(contextID)
	if err != nil {
		return nil, err
	}

	ctx, span := telemetry.StartTurnSpan(ctx, contextID, reqctx.From(ctx).RequestID)
	defer span.End()

	reg, send := r.buildRegistry()
	return r.engine.Run(ctx, agent.TurnRequest{
		Store:    store,
		Registry: reg,
		Message:  message,
		Sent:     send.Sent,
		OnEvent: func(ev agent.Event) {
			r.broker.Broadcast(bus.Event{Name: ev.Type, Payload: ev.Payload})
		},
	})
}

// buildRegistry assembles the per-turn tool set. A fresh registry per turn
// keeps chat_send's sent-text tracking scoped to one turn.
func (r *Runtime) buildRegistry() (*tools.Registry, *tools.ChatSendTool) {
	reg := tools.NewRegistry()
	send := tools.NewChatSendTool(r.dispatcher)
	reg.Register(tools.NewExecCommandTool(r.shell))
	reg.Register(tools.NewWriteStdinTool(r.shell))
	reg.Register(tools.NewCloseSessionTool(r.shell))
	reg.Register(send)
	reg.Register(tools.NewContextStatsTool(r.StoreFor))
	reg.Register(tools.NewContextClearTool(r.StoreFor))
	reg.Register(tools.NewSkillPinTool(r.skills, r.StoreFor))
	reg.Register(tools.NewSkillUnpinTool(r.StoreFor))
	return reg, send
}

// Execute runs one synchronous turn on an api:chat:* context through the
// ingress pipeline, so API calls share lane ordering and busy handling with
// every other surface.
func (r *Runtime) Execute(ctx context.Context, contextID, instructions string) (*agent.TurnResult, error) {
	chatID := strings.TrimPrefix(contextID, "api:chat:")
	disp, out, err := r.pipeline.Handle(ctx, ingress.Event{
		Channel:  "api",
		ChatID:   chatID,
		SenderID: "api",
		Text:     instructions,
	})
	if err != nil {
		return nil, err
	}
	if disp != ingress.DispositionQueued {
		return nil, fmt.Errorf("runtime: turn not queued: %s", disp)
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case oc := <-out:
		if oc.Err != nil {
			return nil, oc.Err
		}
		res, _ := oc.Value.(*agent.TurnResult)
		if res == nil {
			return nil, errors.New("runtime: turn returned no result")
		}
		return res, nil
	}
}

// Start runs the runtime until ctx is cancelled: load tasks, start the cron
// loop and the task watcher, then serve HTTP (blocking).
func (r *Runtime) Start(ctx context.Context) error {
	if err := r.tasks.Load(); err != nil {
		return err
	}

	if r.cfg.Tasks.Enabled {
		go r.runner.Start(ctx)
		go func() {
			if err := r.tasks.Watch(ctx); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("runtime.task_watch_failed", "error", err)
			}
		}()
	}

	slog.Info("runtime.started",
		"root", r.layout.Root,
		"model", r.model.Name(),
		"workers", r.cfg.Lanes.Workers,
	)
	return r.server.Start(ctx)
}

// Shutdown drains the scheduler and kills live shell sessions.
func (r *Runtime) Shutdown(timeout time.Duration) error {
	err := r.sched.Shutdown(timeout)
	r.shell.Shutdown()
	return err
}
