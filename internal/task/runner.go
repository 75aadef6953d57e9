package task

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/adhocore/gronx"
	"github.com/google/uuid"

	"github.com/shipyardhq/sma/internal/agent"
	"github.com/shipyardhq/sma/internal/ingress"
	"github.com/shipyardhq/sma/internal/lane"
	"github.com/shipyardhq/sma/internal/paths"
	"github.com/shipyardhq/sma/internal/reqctx"
)

// RunFunc executes one agent turn for a task-run context.
type RunFunc func(ctx context.Context, contextID, prompt string) (*agent.TurnResult, error)

// NotifyFunc delivers a completion notice to a chat context.
type NotifyFunc func(ctx context.Context, contextID, text string) error

// RunRecord is the run.json audit record.
type RunRecord struct {
	TaskID     string    `json:"taskId"`
	Timestamp  string    `json:"timestamp"`
	ContextID  string    `json:"contextId"`
	Trigger    string    `json:"trigger"` // "cron" or "manual"
	Status     string    `json:"status"`  // "success" or "failure"
	Steps      int       `json:"steps,omitempty"`
	Error      string    `json:"error,omitempty"`
	StartedAt  time.Time `json:"startedAt"`
	FinishedAt time.Time `json:"finishedAt"`
}

// Runner ticks the cron schedules and executes due tasks through the lane
// scheduler, one fresh context per run.
type Runner struct {
	store    *Store
	layout   paths.Layout
	sched    *lane.Scheduler
	runTurn  RunFunc
	notify   NotifyFunc
	location *time.Location

	mu        sync.Mutex
	lastFired map[string]string // task id → minute it last fired
}

type RunnerConfig struct {
	Store    *Store
	Layout   paths.Layout
	Sched    *lane.Scheduler
	RunTurn  RunFunc
	Notify   NotifyFunc
	Timezone string // IANA name; empty or invalid falls back to UTC
}

func NewRunner(cfg RunnerConfig) *Runner {
	loc := time.UTC
	if cfg.Timezone != "" {
		if l, err := time.LoadLocation(cfg.Timezone); err == nil {
			loc = l
		} else {
			slog.Warn("task.bad_timezone", "timezone", cfg.Timezone, "error", err)
		}
	}
	return &Runner{
		store:     cfg.Store,
		layout:    cfg.Layout,
		sched:     cfg.Sched,
		runTurn:   cfg.RunTurn,
		notify:    cfg.Notify,
		location:  loc,
		lastFired: make(map[string]string),
	}
}

// Start ticks every second until ctx is done. Cron matching is minute
// granular; the fired-minute set keeps a schedule from double-firing.
func (r *Runner) Start(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	g := gronx.New()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			r.tick(ctx, g, now.In(r.location))
		}
	}
}

func (r *Runner) tick(ctx context.Context, g *gronx.Gronx, now time.Time) {
	for _, def := range r.store.List() {
		if !def.Active() || def.Cron == "" {
			continue
		}
		local := now
		if def.Timezone != "" {
			if loc, err := time.LoadLocation(def.Timezone); err == nil {
				local = now.In(loc)
			}
		}
		minute := local.Format("200601021504")

		r.mu.Lock()
		fired := r.lastFired[def.ID] == minute
		r.mu.Unlock()
		if fired {
			continue
		}

		due, err := g.IsDue(def.Cron, local)
		if err != nil {
			slog.Warn("task.schedule_error", "task_id", def.ID, "error", err)
			continue
		}
		if !due {
			continue
		}

		r.mu.Lock()
		r.lastFired[def.ID] = minute
		r.mu.Unlock()

		if _, err := r.Enqueue(ctx, def, "cron"); err != nil {
			slog.Error("task.enqueue_failed", "task_id", def.ID, "error", err)
		}
	}
}

// Enqueue schedules one run of def and returns its outcome channel. Each
// run gets a unique context id, so runs of the same task never queue behind
// each other.
func (r *Runner) Enqueue(ctx context.Context, def *Definition, trigger string) (<-chan lane.Outcome, error) {
	ts := paths.RunTimestamp(time.Now())
	contextID := ingress.TaskContextID(def.ID, ts)

	_, out, err := r.sched.Enqueue(ctx, lane.Turn{
		ContextID: contextID,
		Run: func(runCtx context.Context) (interface{}, error) {
			return r.execute(runCtx, def, contextID, ts, trigger)
		},
	})
	if err != nil {
		return nil, err
	}
	slog.Info("task.queued", "task_id", def.ID, "context_id", contextID)
	return out, nil
}

// execute performs one run: audit dir, agent turn, result files, notify.
func (r *Runner) execute(ctx context.Context, def *Definition, contextID, ts, trigger string) (*RunRecord, error) {
	runDir := r.layout.RunDir(def.ID, ts)
	if err := paths.EnsureDir(runDir); err != nil {
		return nil, fmt.Errorf("task: create run dir: %w", err)
	}

	ctx = reqctx.With(ctx, reqctx.RequestContext{
		RequestID: uuid.NewString(),
		ContextID: contextID,
		Channel:   "task",
		TargetID:  def.ID,
	})

	record := &RunRecord{
		TaskID:    def.ID,
		Timestamp: ts,
		ContextID: contextID,
		Trigger:   trigger,
		StartedAt: time.Now().UTC(),
	}

	// Snapshot of the definition as it was when the run fired.
	writeFile(runDir, "input.md", string(def.Encode()))

	res, err := r.runTurn(ctx, contextID, def.Prompt)
	record.FinishedAt = time.Now().UTC()

	switch {
	case err != nil:
		record.Status = "failure"
		record.Error = err.Error()
		writeFile(runDir, "error.md", err.Error())
	case !res.Success:
		// The turn finished but one or more tool calls failed; that counts
		// as a failed run.
		record.Status = "failure"
		record.Error = "tool failures: " + strings.Join(res.ToolErrors, "; ")
		record.Steps = res.Steps
		writeFile(runDir, "error.md", strings.Join(res.ToolErrors, "\n"))
		writeFile(runDir, "output.md", res.Content)
	default:
		record.Status = "success"
		record.Steps = res.Steps
		writeFile(runDir, "output.md", res.Content)
	}
	writeFile(runDir, "result.md", runSummary(def, record, res))

	if data, merr := json.MarshalIndent(record, "", "  "); merr == nil {
		writeFile(runDir, "run.json", string(data))
	}

	r.sendNotice(ctx, def, record, res)

	slog.Info("task.finished",
		"task_id", def.ID,
		"status", record.Status,
		"duration", record.FinishedAt.Sub(record.StartedAt),
	)
	if err != nil {
		return record, fmt.Errorf("task %s: %w", def.ID, err)
	}
	return record, nil
}

func (r *Runner) sendNotice(ctx context.Context, def *Definition, record *RunRecord, res *agent.TurnResult) {
	if r.notify == nil || def.ContextID == "" {
		return
	}
	var b strings.Builder
	fmt.Fprintf(&b, "[Task] %s\nstatus: %s", def.Title, record.Status)
	if record.Error != "" {
		fmt.Fprintf(&b, "\nerror: %s", record.Error)
	} else if res != nil && res.Content != "" {
		fmt.Fprintf(&b, "\n\n%s", res.Content)
	}
	if err := r.notify(ctx, def.ContextID, b.String()); err != nil {
		slog.Warn("task.notify_failed", "task_id", def.ID, "notify", def.ContextID, "error", err)
	}
}

func runSummary(def *Definition, record *RunRecord, res *agent.TurnResult) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", def.Title)
	fmt.Fprintf(&b, "- status: %s\n", record.Status)
	fmt.Fprintf(&b, "- steps: %d\n", record.Steps)
	fmt.Fprintf(&b, "- started: %s\n", record.StartedAt.Format(time.RFC3339))
	fmt.Fprintf(&b, "- finished: %s\n", record.FinishedAt.Format(time.RFC3339))
	if record.Error != "" {
		fmt.Fprintf(&b, "- error: %s\n", record.Error)
	}
	if res != nil && len(res.ToolErrors) > 0 {
		b.WriteString("- tool errors:\n")
		for _, e := range res.ToolErrors {
			fmt.Fprintf(&b, "  - %s\n", e)
		}
	}
	return b.String()
}

func writeFile(dir, name, content string) {
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
		slog.Error("task.write_failed", "file", name, "error", err)
	}
}
