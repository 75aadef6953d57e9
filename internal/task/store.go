package task

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/shipyardhq/sma/internal/paths"
)

var ErrTaskNotFound = errors.New("task: not found")

// Store keeps task definitions in sync with the .ship/task tree. External
// edits are picked up by the watcher; CRUD calls write through to disk.
type Store struct {
	layout paths.Layout

	mu    sync.RWMutex
	tasks map[string]*Definition
}

func NewStore(layout paths.Layout) *Store {
	return &Store{layout: layout, tasks: make(map[string]*Definition)}
}

func (s *Store) root() string { return filepath.Join(s.layout.ShipDir(), "task") }

// Load scans the task tree from disk, replacing the in-memory set.
// Unparseable task files are skipped with a warning.
func (s *Store) Load() error {
	entries, err := os.ReadDir(s.root())
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("task: read dir: %w", err)
	}

	tasks := make(map[string]*Definition)
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		id := e.Name()
		data, err := os.ReadFile(s.layout.TaskFile(id))
		if err != nil {
			continue // run-only directory or removed mid-scan
		}
		def, err := ParseDefinition(id, data)
		if err != nil {
			slog.Warn("task.skipping_invalid", "task_id", id, "error", err)
			continue
		}
		if info, err := e.Info(); err == nil {
			def.UpdatedAt = info.ModTime().UTC()
		}
		tasks[id] = def
	}

	s.mu.Lock()
	s.tasks = tasks
	s.mu.Unlock()
	return nil
}

// List returns definitions sorted by id.
func (s *Store) List() []*Definition {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Definition, 0, len(s.tasks))
	for _, d := range s.tasks {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *Store) Get(id string) (*Definition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.tasks[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	return d, nil
}

// Save validates and writes a definition, then updates the in-memory set.
func (s *Store) Save(def *Definition) error {
	if err := def.Validate(); err != nil {
		return err
	}
	dir := s.layout.TaskDir(def.ID)
	if err := paths.EnsureDir(dir); err != nil {
		return fmt.Errorf("task: create dir: %w", err)
	}

	path := s.layout.TaskFile(def.ID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, def.Encode(), 0o644); err != nil {
		return fmt.Errorf("task: write %s: %w", def.ID, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("task: replace %s: %w", def.ID, err)
	}

	def.UpdatedAt = time.Now().UTC()
	s.mu.Lock()
	s.tasks[def.ID] = def
	s.mu.Unlock()
	return nil
}

// Delete removes the task definition. Past run directories are kept as
// audit history.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	_, ok := s.tasks[id]
	delete(s.tasks, id)
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	if err := os.Remove(s.layout.TaskFile(id)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("task: delete %s: %w", id, err)
	}
	return nil
}

// Watch reloads the store when the task tree changes on disk. It blocks
// until ctx is done.
func (s *Store) Watch(ctx context.Context) error {
	if err := paths.EnsureDir(s.root()); err != nil {
		return err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("task: watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(s.root()); err != nil {
		return fmt.Errorf("task: watch %s: %w", s.root(), err)
	}
	s.mu.RLock()
	for id := range s.tasks {
		watcher.Add(s.layout.TaskDir(id))
	}
	s.mu.RUnlock()

	// Reloads are debounced: bursts of events (editor save, git checkout)
	// collapse into one scan.
	var pending <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if ev.Op&fsnotify.Create != 0 {
				if info, err := os.Stat(ev.Name); err == nil && info.IsDir() && filepath.Dir(ev.Name) == s.root() {
					watcher.Add(ev.Name)
				}
			}
			pending = time.After(200 * time.Millisecond)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Warn("task.watch_error", "error", err)
		case <-pending:
			pending = nil
			if err := s.Load(); err != nil {
				slog.Error("task.reload_failed", "error", err)
			} else {
				slog.Debug("task.reloaded", "tasks", len(s.tasks))
			}
		}
	}
}
