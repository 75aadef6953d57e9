package ingress

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// dedupeTTL is how long a message id is remembered. Platforms redeliver on
// webhook retries and reconnects; ten minutes covers their retry windows.
var dedupeTTL = 10 * time.Minute

// Dedupe is a persisted seen-set of message keys, one file per channel under
// the cache directory.
type Dedupe struct {
	path string

	mu   sync.Mutex
	seen map[string]int64 // key → unix seconds first seen
}

// OpenDedupe loads (or initialises) the dedupe file for a channel.
func OpenDedupe(cacheDir, channel string) (*Dedupe, error) {
	dir := filepath.Join(cacheDir, channel)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("ingress: create cache dir: %w", err)
	}
	d := &Dedupe{
		path: filepath.Join(dir, "dedupe.json"),
		seen: make(map[string]int64),
	}

	data, err := os.ReadFile(d.path)
	if err != nil {
		if os.IsNotExist(err) {
			return d, nil
		}
		return nil, fmt.Errorf("ingress: read dedupe: %w", err)
	}
	// A corrupt file starts fresh rather than blocking ingress.
	_ = json.Unmarshal(data, &d.seen)
	d.pruneLocked(time.Now())
	return d, nil
}

// Seen marks key and reports whether it was already present within the TTL.
func (d *Dedupe) Seen(key string) bool {
	now := time.Now()
	d.mu.Lock()
	defer d.mu.Unlock()

	d.pruneLocked(now)
	if _, ok := d.seen[key]; ok {
		return true
	}
	d.seen[key] = now.Unix()
	d.persistLocked()
	return false
}

func (d *Dedupe) pruneLocked(now time.Time) {
	cutoff := now.Add(-dedupeTTL).Unix()
	for k, ts := range d.seen {
		if ts < cutoff {
			delete(d.seen, k)
		}
	}
}

func (d *Dedupe) persistLocked() {
	data, err := json.Marshal(d.seen)
	if err != nil {
		return
	}
	tmp := d.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return
	}
	os.Rename(tmp, d.path)
}
