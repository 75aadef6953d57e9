// Package shell models shell work as long-lived, paginated sessions: a
// command keeps running across tool calls while the model drains its output
// page by page and feeds stdin as needed.
package shell

import (
	"bytes"
	"io"
	"os/exec"
	"sync"
	"time"
)

// Buffer and paging ceilings.
const (
	MaxPendingChars  = 1_000_000
	DefaultPageChars = 12_000
	DefaultPageLines = 200

	coalesceWindow = 30 * time.Millisecond
	maxYield       = 30 * time.Second
	minPollYield   = 5 * time.Second
)

// Session is one live (or recently exited) shell subprocess with its
// buffered, normalised output.
type Session struct {
	ID      string
	Command string
	Cwd     string

	cmd   *exec.Cmd
	stdin io.WriteCloser

	mu         sync.Mutex
	pendingBuf []byte
	dropped    int
	exited     bool
	exitCode   int
	lastActive time.Time

	// signal carries "something changed": data arrived or the process
	// exited. Buffered so producers never block.
	signal chan struct{}
}

func (s *Session) notify() {
	select {
	case s.signal <- struct{}{}:
	default:
	}
}

// appendOutput normalises and buffers a chunk, dropping from the head when
// the cap is exceeded.
func (s *Session) appendOutput(chunk []byte) {
	norm := normalizeOutput(chunk)
	if len(norm) == 0 {
		return
	}
	s.mu.Lock()
	s.pendingBuf = append(s.pendingBuf, norm...)
	if over := len(s.pendingBuf) - MaxPendingChars; over > 0 {
		s.pendingBuf = s.pendingBuf[over:]
		s.dropped += over
	}
	s.lastActive = time.Now()
	s.mu.Unlock()
	s.notify()
}

func (s *Session) markExited(code int) {
	s.mu.Lock()
	s.exited = true
	s.exitCode = code
	s.lastActive = time.Now()
	s.mu.Unlock()
	s.notify()
}

// snapshot returns (buffered length, exited, exitCode) under the lock.
func (s *Session) snapshot() (int, bool, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pendingBuf), s.exited, s.exitCode
}

// takePage cuts a page off the head of the buffer: at most maxChars chars
// and maxLines lines, whichever boundary comes first. The remainder stays
// buffered. Returns the page and the dropped-char count consumed with it.
func (s *Session) takePage(maxChars, maxLines int) (string, int) {
	if maxChars <= 0 || maxChars > DefaultPageChars {
		maxChars = DefaultPageChars
	}
	if maxLines <= 0 {
		maxLines = DefaultPageLines
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	buf := s.pendingBuf
	cut := len(buf)
	if cut > maxChars {
		cut = maxChars
	}
	// Line boundary may cut earlier.
	lines := 0
	for i := 0; i < cut; i++ {
		if buf[i] == '\n' {
			lines++
			if lines >= maxLines {
				cut = i + 1
				break
			}
		}
	}

	page := string(buf[:cut])
	s.pendingBuf = append([]byte(nil), buf[cut:]...)
	dropped := s.dropped
	s.dropped = 0
	s.lastActive = time.Now()
	return page, dropped
}

// normalizeOutput converts CRLF to LF and strips ASCII control bytes other
// than newline, tab, and ESC (terminal colour sequences stay readable).
func normalizeOutput(b []byte) []byte {
	b = bytes.ReplaceAll(b, []byte("\r\n"), []byte("\n"))
	out := make([]byte, 0, len(b))
	for _, c := range b {
		if c == '\n' || c == '\t' || c == 0x1b || c >= 0x20 {
			out = append(out, c)
		}
	}
	return out
}

// waitForChange blocks until data arrives, the process exits, the yield
// window elapses, or ctx is done. It reports whether anything is buffered.
func (s *Session) waitForChange(deadline time.Time, done <-chan struct{}) bool {
	for {
		n, exited, _ := s.snapshot()
		if n > 0 || exited {
			return n > 0
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return false
		}
		timer := time.NewTimer(remaining)
		select {
		case <-s.signal:
			timer.Stop()
		case <-timer.C:
			return false
		case <-done:
			timer.Stop()
			return false
		}
	}
}
