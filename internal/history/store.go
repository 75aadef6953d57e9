package history

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Store is the append-only message log for one context id. A Store is
// created lazily on first reference and lives for the runtime's lifetime;
// concurrent writers in this process serialise on the sentinel lock.
type Store struct {
	dir       string // messages directory
	contextID string

	// compactMu keeps in-process compactions for the same context from
	// overlapping; the file lock guards the individual phases.
	compactMu sync.Mutex
}

// Open returns the store for a messages directory, creating it if needed.
func Open(dir, contextID string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("history: create %s: %w", dir, err)
	}
	return &Store{dir: dir, contextID: contextID}, nil
}

func (s *Store) ContextID() string { return s.contextID }
func (s *Store) Dir() string       { return s.dir }

func (s *Store) historyPath() string { return filepath.Join(s.dir, "history.jsonl") }
func (s *Store) metaPath() string    { return filepath.Join(s.dir, "meta.json") }
func (s *Store) lockPath() string    { return filepath.Join(s.dir, ".history.lock") }
func (s *Store) archiveDir() string  { return filepath.Join(s.dir, "archive") }

// Append writes messages as JSON lines under the lock. Each message is
// stamped with the store's context id if not already tagged.
func (s *Store) Append(msgs ...Message) error {
	if len(msgs) == 0 {
		return nil
	}
	token, err := acquireLock(s.lockPath())
	if err != nil {
		return err
	}
	defer releaseLock(s.lockPath(), token)

	return s.appendLocked(msgs)
}

func (s *Store) appendLocked(msgs []Message) error {
	f, err := os.OpenFile(s.historyPath(), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("history: open log: %w", err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	for i := range msgs {
		msg := msgs[i]
		if msg.Metadata == nil {
			msg.Metadata = map[string]string{}
		}
		if msg.Metadata["contextId"] == "" {
			msg.Metadata["contextId"] = s.contextID
		}
		line, err := json.Marshal(msg)
		if err != nil {
			return fmt.Errorf("history: marshal message %s: %w", msg.ID, err)
		}
		if _, err := w.Write(append(line, '\n')); err != nil {
			return fmt.Errorf("history: append: %w", err)
		}
	}
	return w.Flush()
}

// LoadAll reads every message in order. Malformed lines are skipped rather
// than failing the whole read.
func (s *Store) LoadAll() ([]Message, error) {
	f, err := os.Open(s.historyPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("history: open log: %w", err)
	}
	defer f.Close()

	var msgs []Message
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var m Message
		if err := json.Unmarshal(line, &m); err != nil {
			continue
		}
		msgs = append(msgs, m)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("history: scan log: %w", err)
	}
	return msgs, nil
}

// LoadRange returns messages[start:end] (clamped). end < 0 means "to the end".
func (s *Store) LoadRange(start, end int) ([]Message, error) {
	msgs, err := s.LoadAll()
	if err != nil {
		return nil, err
	}
	if end < 0 || end > len(msgs) {
		end = len(msgs)
	}
	if start < 0 {
		start = 0
	}
	if start >= end {
		return nil, nil
	}
	return msgs[start:end], nil
}

// Tail returns the last n messages.
func (s *Store) Tail(n int) ([]Message, error) {
	msgs, err := s.LoadAll()
	if err != nil {
		return nil, err
	}
	if n <= 0 || n >= len(msgs) {
		return msgs, nil
	}
	return msgs[len(msgs)-n:], nil
}

// CountMessages returns the number of records in the log.
func (s *Store) CountMessages() (int, error) {
	msgs, err := s.LoadAll()
	if err != nil {
		return 0, err
	}
	return len(msgs), nil
}

// Clear removes the history log. Meta and archives are left in place.
func (s *Store) Clear() error {
	token, err := acquireLock(s.lockPath())
	if err != nil {
		return err
	}
	defer releaseLock(s.lockPath(), token)

	if err := os.Remove(s.historyPath()); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("history: clear: %w", err)
	}
	return nil
}

// rewriteLocked atomically replaces the log with msgs (tmp file + rename).
// Caller must hold the lock.
func (s *Store) rewriteLocked(msgs []Message) error {
	tmp, err := os.CreateTemp(s.dir, "history-*.tmp")
	if err != nil {
		return fmt.Errorf("history: temp log: %w", err)
	}
	tmpPath := tmp.Name()
	cleanup := true
	defer func() {
		if cleanup {
			os.Remove(tmpPath)
		}
	}()

	w := bufio.NewWriter(tmp)
	for _, m := range msgs {
		line, err := json.Marshal(m)
		if err != nil {
			tmp.Close()
			return fmt.Errorf("history: marshal message %s: %w", m.ID, err)
		}
		if _, err := w.Write(append(line, '\n')); err != nil {
			tmp.Close()
			return fmt.Errorf("history: write temp log: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, s.historyPath()); err != nil {
		return fmt.Errorf("history: replace log: %w", err)
	}
	cleanup = false
	return nil
}
