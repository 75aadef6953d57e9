// Package paths maps runtime identifiers to canonical locations under the
// project's .ship directory. It is a pure mapping layer: nothing here touches
// the filesystem except the Ensure helpers.
package paths

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// ShipDirName is the state directory created under the project root.
const ShipDirName = ".ship"

// Layout resolves on-disk locations for one project root.
type Layout struct {
	Root string
}

// New returns a Layout rooted at the given project directory.
// Relative roots are kept as-is; callers resolve them once at startup.
func New(root string) Layout {
	if root == "" {
		root = "."
	}
	return Layout{Root: root}
}

func (l Layout) ShipDir() string    { return filepath.Join(l.Root, ShipDirName) }
func (l Layout) AgentFile() string  { return filepath.Join(l.Root, "Agent.md") }
func (l Layout) ConfigFile() string { return filepath.Join(l.ShipDir(), "ship.json") }
func (l Layout) LogsDir() string    { return filepath.Join(l.ShipDir(), "logs") }
func (l Layout) PublicDir() string  { return filepath.Join(l.ShipDir(), "public") }
func (l Layout) SkillsDir() string  { return filepath.Join(l.ShipDir(), "skills") }

// LogFile returns the daily log file for t (UTC date).
func (l Layout) LogFile(t time.Time) string {
	return filepath.Join(l.LogsDir(), t.UTC().Format("2006-01-02")+".jsonl")
}

// ContextDir returns the per-context storage directory.
func (l Layout) ContextDir(contextID string) string {
	return filepath.Join(l.ShipDir(), "context", EncodeContextID(contextID))
}

func (l Layout) MessagesDir(contextID string) string {
	return filepath.Join(l.ContextDir(contextID), "messages")
}

func (l Layout) HistoryFile(contextID string) string {
	return filepath.Join(l.MessagesDir(contextID), "history.jsonl")
}

func (l Layout) MetaFile(contextID string) string {
	return filepath.Join(l.MessagesDir(contextID), "meta.json")
}

func (l Layout) ArchiveDir(contextID string) string {
	return filepath.Join(l.MessagesDir(contextID), "archive")
}

func (l Layout) LockFile(contextID string) string {
	return filepath.Join(l.MessagesDir(contextID), ".history.lock")
}

// TaskDir returns the directory holding one task definition and its runs.
func (l Layout) TaskDir(taskID string) string {
	return filepath.Join(l.ShipDir(), "task", EncodeContextID(taskID))
}

func (l Layout) TaskFile(taskID string) string {
	return filepath.Join(l.TaskDir(taskID), "task.md")
}

// RunDir returns the audit directory for one task execution.
func (l Layout) RunDir(taskID, timestamp string) string {
	return filepath.Join(l.TaskDir(taskID), timestamp)
}

// CacheDir returns per-channel scratch state (dedupe sets, cursors).
func (l Layout) CacheDir(channel string) string {
	return filepath.Join(l.ShipDir(), "cache", EncodeContextID(channel))
}

func (l Layout) ApprovalsDir() string {
	return filepath.Join(l.ShipDir(), "approvals")
}

func (l Layout) ApprovalFile(id string) string {
	return filepath.Join(l.ApprovalsDir(), EncodeContextID(id)+".json")
}

// EnsureDir creates dir (and parents) if missing.
func EnsureDir(dir string) error {
	return os.MkdirAll(dir, 0o755)
}

// EncodeContextID makes an opaque context id safe as a single path segment.
// Every byte outside [A-Za-z0-9._-] becomes '_'. Leading dots are escaped so
// an encoded id can never be hidden or traverse upward.
func EncodeContextID(id string) string {
	if id == "" {
		return "_"
	}
	b := make([]byte, 0, len(id))
	for i := 0; i < len(id); i++ {
		c := id[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '_':
			b = append(b, c)
		case c == '.' && i > 0:
			b = append(b, c)
		default:
			b = append(b, '_')
		}
	}
	return string(b)
}

// RunTimestamp formats t as the run-directory timestamp: YYYYMMDD-hhmmss-mmm.
func RunTimestamp(t time.Time) string {
	t = t.UTC()
	return fmt.Sprintf("%s-%03d", t.Format("20060102-150405"), t.Nanosecond()/1e6)
}
