package history

import (
	"errors"
	"fmt"
	"math/rand"
	"os"
	"strconv"
	"strings"
	"time"
)

// ErrLockTimeout is returned when the history lock cannot be acquired
// within the wait budget.
var ErrLockTimeout = errors.New("history: lock acquisition timed out")

// Lock tuning. Variables rather than constants so tests can shrink the
// wait budget; production code never mutates them.
var (
	lockStaleAfter = 30 * time.Second
	lockMaxWait    = 60 * time.Second
	lockRetryEvery = 50 * time.Millisecond
)

// acquireLock creates the sentinel file exclusively and returns its token.
// A lock whose embedded timestamp is older than lockStaleAfter is treated
// as abandoned and forcibly removed.
func acquireLock(path string) (string, error) {
	deadline := time.Now().Add(lockMaxWait)
	token := fmt.Sprintf("%d:%d:%08x", os.Getpid(), time.Now().UnixMilli(), rand.Uint32())

	for {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			_, werr := f.WriteString(token)
			cerr := f.Close()
			if werr != nil || cerr != nil {
				os.Remove(path)
				return "", fmt.Errorf("history: write lock token: %w", errors.Join(werr, cerr))
			}
			return token, nil
		}
		if !os.IsExist(err) {
			return "", fmt.Errorf("history: create lock: %w", err)
		}

		if stale, _ := lockIsStale(path); stale {
			// Best-effort removal; the exclusive create above arbitrates
			// between racing claimants on the next iteration.
			os.Remove(path)
			continue
		}

		if time.Now().After(deadline) {
			return "", ErrLockTimeout
		}
		time.Sleep(lockRetryEvery)
	}
}

// releaseLock removes the sentinel only if it still carries our token, so a
// stale-lock takeover by another writer is never clobbered.
func releaseLock(path, token string) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	if string(data) == token {
		os.Remove(path)
	}
}

func lockIsStale(path string) (bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return false, err
	}
	parts := strings.SplitN(string(data), ":", 3)
	if len(parts) != 3 {
		// Unparseable token: treat as stale.
		return true, nil
	}
	ms, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return true, nil
	}
	return time.Since(time.UnixMilli(ms)) > lockStaleAfter, nil
}
