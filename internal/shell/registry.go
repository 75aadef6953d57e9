package shell

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/shipyardhq/sma/internal/reqctx"
)

// Registry ceilings.
const (
	MaxSessions = 64
	idleGCAfter = 10 * time.Minute
	gcInterval  = time.Minute
)

var (
	ErrSessionNotFound  = errors.New("shell: session not found")
	ErrTooManySessions  = errors.New("shell: too many active sessions")
	ErrSessionExited    = errors.New("shell: session already exited")
	ErrEmptyCommand     = errors.New("shell: command is required")
	errRegistryShutdown = errors.New("shell: registry closed")
)

// Registry owns all live shell sessions for the process.
type Registry struct {
	root         string
	maxSessions  int
	defaultShell string

	mu       sync.Mutex
	sessions map[string]*Session
	closed   bool

	stopGC chan struct{}
	gcOnce sync.Once
}

// Option tunes a Registry at construction.
type Option func(*Registry)

// WithMaxSessions caps concurrent sessions (ceiling MaxSessions).
func WithMaxSessions(n int) Option {
	return func(r *Registry) {
		if n > 0 && n <= MaxSessions {
			r.maxSessions = n
		}
	}
}

// WithDefaultShell sets the shell used when ExecParams.Shell is empty.
func WithDefaultShell(shell string) Option {
	return func(r *Registry) {
		if shell != "" {
			r.defaultShell = shell
		}
	}
}

// NewRegistry creates a registry; relative workdirs resolve against root.
func NewRegistry(root string, opts ...Option) *Registry {
	r := &Registry{
		root:         root,
		maxSessions:  MaxSessions,
		defaultShell: "bash",
		sessions:     make(map[string]*Session),
		stopGC:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	go r.gcLoop()
	return r
}

// ExecParams configures a new session.
type ExecParams struct {
	Command         string
	Workdir         string
	Shell           string // default "bash"
	Login           bool   // default set by the tool layer (true)
	YieldMs         int    // default 10000
	MaxOutputTokens int    // 0 = page-char default
}

// Page is one read of a session's output.
type Page struct {
	Output    string `json:"output"`
	SessionID string `json:"session_id,omitempty"`
	HasMore   bool   `json:"has_more_output"`
	Exited    bool   `json:"exited"`
	ExitCode  *int   `json:"exit_code,omitempty"`
	Note      string `json:"note,omitempty"`
}

// Exec starts a session, waits within the yield window for output, and
// returns the first page. The session id is set whenever the process is
// still alive or output remains buffered.
func (r *Registry) Exec(ctx context.Context, p ExecParams) (*Page, error) {
	if p.Command == "" {
		return nil, ErrEmptyCommand
	}
	if err := checkDenied(p.Command); err != nil {
		return nil, err
	}

	shellBin := p.Shell
	if shellBin == "" {
		shellBin = r.defaultShell
	}
	args := []string{"-c", p.Command}
	if p.Login {
		args = []string{"-lc", p.Command}
	}

	cwd := r.root
	if p.Workdir != "" {
		if filepath.IsAbs(p.Workdir) {
			cwd = p.Workdir
		} else {
			cwd = filepath.Join(r.root, p.Workdir)
		}
	}

	cmd := exec.Command(shellBin, args...)
	cmd.Dir = cwd
	cmd.Env = append(os.Environ(), reqctx.From(ctx).Env()...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("shell: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("shell: stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("shell: stderr pipe: %w", err)
	}

	sess := &Session{
		ID:         uuid.NewString()[:8],
		Command:    p.Command,
		Cwd:        cwd,
		cmd:        cmd,
		stdin:      stdin,
		signal:     make(chan struct{}, 1),
		lastActive: time.Now(),
	}

	if err := r.register(sess); err != nil {
		return nil, err
	}

	if err := cmd.Start(); err != nil {
		r.remove(sess.ID)
		return nil, fmt.Errorf("shell: start %q: %w", p.Command, err)
	}

	slog.Debug("shell.session_started", "session_id", sess.ID, "command", p.Command, "cwd", cwd)

	var pumps sync.WaitGroup
	pump := func(rd io.Reader) {
		defer pumps.Done()
		buf := make([]byte, 8192)
		for {
			n, err := rd.Read(buf)
			if n > 0 {
				sess.appendOutput(buf[:n])
			}
			if err != nil {
				return
			}
		}
	}
	pumps.Add(2)
	go pump(stdout)
	go pump(stderr)
	go func() {
		// Wait closes the pipes, so both pumps must hit EOF first. This
		// also means exited is only observable once all output is buffered.
		pumps.Wait()
		err := cmd.Wait()
		code := 0
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code = exitErr.ExitCode()
		} else if err != nil {
			code = -1
		}
		sess.markExited(code)
	}()

	return r.collect(ctx, sess, p.YieldMs, 10_000, p.MaxOutputTokens), nil
}

// WriteParams configures a stdin write + read cycle on a live session.
type WriteParams struct {
	SessionID       string
	Chars           string // empty string = poll only
	YieldMs         int    // default 250; empty polls clamp to >= 5s
	MaxOutputTokens int
}

// Write feeds stdin (when non-empty) and consumes the next page.
func (r *Registry) Write(ctx context.Context, p WriteParams) (*Page, error) {
	sess, err := r.get(p.SessionID)
	if err != nil {
		return nil, err
	}

	if p.Chars != "" {
		_, exited, _ := sess.snapshot()
		if exited {
			return nil, ErrSessionExited
		}
		if _, err := sess.stdin.Write([]byte(p.Chars)); err != nil {
			return nil, fmt.Errorf("shell: write stdin: %w", err)
		}
	}

	yield := p.YieldMs
	if yield <= 0 {
		yield = 250
	}
	if p.Chars == "" && time.Duration(yield)*time.Millisecond < minPollYield {
		// Empty polls are clamped so the model cannot hot-loop.
		yield = int(minPollYield / time.Millisecond)
	}

	return r.collect(ctx, sess, yield, yield, p.MaxOutputTokens), nil
}

// Close terminates a session (SIGTERM, or SIGKILL when force) and removes
// it, returning any output still buffered.
func (r *Registry) Close(id string, force bool) (*Page, error) {
	sess, err := r.get(id)
	if err != nil {
		return nil, err
	}

	_, exited, code := sess.snapshot()
	if !exited && sess.cmd != nil && sess.cmd.Process != nil {
		sig := syscall.SIGTERM
		if force {
			sig = syscall.SIGKILL
		}
		// Signal the whole process group.
		syscall.Kill(-sess.cmd.Process.Pid, sig)
	}
	if sess.stdin != nil {
		sess.stdin.Close()
	}

	page, dropped := sess.takePage(MaxPendingChars, 1<<30)
	r.remove(id)

	out := &Page{Output: page, Exited: exited}
	if exited {
		c := code
		out.ExitCode = &c
	}
	if dropped > 0 {
		out.Note = fmt.Sprintf("%d chars of earlier output were dropped (buffer cap)", dropped)
	}
	slog.Debug("shell.session_closed", "session_id", id, "force", force)
	return out, nil
}

// Stats returns the number of live sessions.
func (r *Registry) Stats() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Shutdown force-closes every session and stops the GC loop.
func (r *Registry) Shutdown() {
	r.gcOnce.Do(func() { close(r.stopGC) })

	r.mu.Lock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.closed = true
	r.mu.Unlock()

	for _, id := range ids {
		r.Close(id, true)
	}
}

func (r *Registry) collect(ctx context.Context, sess *Session, yieldMs, defaultYieldMs, maxTokens int) *Page {
	if yieldMs <= 0 {
		yieldMs = defaultYieldMs
	}
	yield := time.Duration(yieldMs) * time.Millisecond
	if yield > maxYield {
		yield = maxYield
	}

	deadline := time.Now().Add(yield)
	if got := sess.waitForChange(deadline, ctx.Done()); got {
		// Data arrived: linger briefly to coalesce adjacent chunks.
		time.Sleep(coalesceWindow)
	}

	maxChars := DefaultPageChars
	if maxTokens > 0 && maxTokens*4 < maxChars {
		maxChars = maxTokens * 4
	}
	output, dropped := sess.takePage(maxChars, DefaultPageLines)
	remaining, exited, code := sess.snapshot()

	page := &Page{
		Output:  output,
		HasMore: remaining > 0,
		Exited:  exited,
	}
	if exited {
		c := code
		page.ExitCode = &c
	}
	if remaining > 0 || !exited {
		page.SessionID = sess.ID
	}
	if dropped > 0 {
		page.Note = fmt.Sprintf("%d chars of earlier output were dropped (buffer cap)", dropped)
	}
	if exited && remaining == 0 {
		// Fully drained and dead: no reason to keep it around.
		r.remove(sess.ID)
	}
	return page
}

func (r *Registry) register(sess *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return errRegistryShutdown
	}
	if len(r.sessions) >= r.maxSessions {
		// Reclaim exited, drained sessions first.
		for id, s := range r.sessions {
			if n, exited, _ := s.snapshot(); exited && n == 0 {
				delete(r.sessions, id)
			}
		}
		if len(r.sessions) >= r.maxSessions {
			return ErrTooManySessions
		}
	}
	r.sessions[sess.ID] = sess
	return nil
}

func (r *Registry) get(id string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return sess, nil
}

func (r *Registry) remove(id string) {
	r.mu.Lock()
	delete(r.sessions, id)
	r.mu.Unlock()
}

func (r *Registry) gcLoop() {
	ticker := time.NewTicker(gcInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.stopGC:
			return
		case <-ticker.C:
			r.collectIdle()
		}
	}
}

// collectIdle removes exited sessions whose buffers are drained and that
// have been idle past the threshold.
func (r *Registry) collectIdle() {
	cutoff := time.Now().Add(-idleGCAfter)
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, s := range r.sessions {
		s.mu.Lock()
		stale := s.exited && len(s.pendingBuf) == 0 && s.lastActive.Before(cutoff)
		s.mu.Unlock()
		if stale {
			delete(r.sessions, id)
			slog.Debug("shell.session_gc", "session_id", id)
		}
	}
}
