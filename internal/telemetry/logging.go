// Package telemetry wires the runtime's observability: daily JSONL log
// files under .ship/logs and an optional OTLP trace exporter.
package telemetry

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// FileHandler is a slog.Handler that writes JSON lines to one file per UTC
// day (logs/2026-08-24.jsonl), rolling at midnight. It also injects the
// request attributes carried on the context.
type FileHandler struct {
	dir   string
	level slog.Level

	mu      sync.Mutex
	day     string
	file    *os.File
	handler slog.Handler

	attrs  []slog.Attr
	groups []string
}

func NewFileHandler(dir string, level slog.Level) *FileHandler {
	return &FileHandler{dir: dir, level: level}
}

func (h *FileHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *FileHandler) Handle(ctx context.Context, rec slog.Record) error {
	for _, a := range contextAttrs(ctx) {
		rec.AddAttrs(a)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	inner, err := h.rollLocked(rec.Time)
	if err != nil {
		return err
	}
	return inner.Handle(ctx, rec)
}

func (h *FileHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	clone := h.cloneLocked()
	clone.attrs = append(append([]slog.Attr(nil), h.attrs...), attrs...)
	return clone
}

func (h *FileHandler) WithGroup(name string) slog.Handler {
	clone := h.cloneLocked()
	clone.groups = append(append([]string(nil), h.groups...), name)
	return clone
}

// cloneLocked shares the file state (dir, mutex-protected roll) by creating
// a sibling that re-rolls independently; attribute wrappers are applied at
// Handle time via rollLocked.
func (h *FileHandler) cloneLocked() *FileHandler {
	return &FileHandler{dir: h.dir, level: h.level, attrs: h.attrs, groups: h.groups}
}

// rollLocked returns the JSON handler for rec's UTC day, opening a new file
// at day boundaries. Caller holds h.mu.
func (h *FileHandler) rollLocked(t time.Time) (slog.Handler, error) {
	if t.IsZero() {
		t = time.Now()
	}
	day := t.UTC().Format("2006-01-02")
	if h.handler != nil && day == h.day {
		return h.handler, nil
	}

	if h.file != nil {
		h.file.Close()
		h.file = nil
	}
	if err := os.MkdirAll(h.dir, 0o755); err != nil {
		return nil, fmt.Errorf("telemetry: create log dir: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(h.dir, day+".jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("telemetry: open log file: %w", err)
	}

	h.day = day
	h.file = f
	var inner slog.Handler = slog.NewJSONHandler(f, &slog.HandlerOptions{Level: h.level})
	if len(h.attrs) > 0 {
		inner = inner.WithAttrs(h.attrs)
	}
	for _, g := range h.groups {
		inner = inner.WithGroup(g)
	}
	h.handler = inner
	return inner, nil
}

// Close releases the current log file.
func (h *FileHandler) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.file == nil {
		return nil
	}
	err := h.file.Close()
	h.file = nil
	h.handler = nil
	return err
}

// multiHandler fans a record out to several handlers.
type multiHandler struct {
	handlers []slog.Handler
}

// NewMultiHandler combines handlers; a record goes to each one that accepts
// its level.
func NewMultiHandler(handlers ...slog.Handler) slog.Handler {
	return &multiHandler{handlers: handlers}
}

func (m *multiHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range m.handlers {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (m *multiHandler) Handle(ctx context.Context, rec slog.Record) error {
	var firstErr error
	for _, h := range m.handlers {
		if !h.Enabled(ctx, rec.Level) {
			continue
		}
		if err := h.Handle(ctx, rec.Clone()); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (m *multiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := make([]slog.Handler, len(m.handlers))
	for i, h := range m.handlers {
		out[i] = h.WithAttrs(attrs)
	}
	return &multiHandler{handlers: out}
}

func (m *multiHandler) WithGroup(name string) slog.Handler {
	out := make([]slog.Handler, len(m.handlers))
	for i, h := range m.handlers {
		out[i] = h.WithGroup(name)
	}
	return &multiHandler{handlers: out}
}

// Setup installs the default logger: text to stderr plus JSONL files.
// Returns a close func for the file handler.
func Setup(logDir string, verbose bool) (func() error, error) {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}

	fileHandler := NewFileHandler(logDir, level)
	stderr := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	slog.SetDefault(slog.New(NewMultiHandler(stderr, fileHandler)))
	return fileHandler.Close, nil
}
