// Package approvals persists deferred tool-call approval requests under
// .ship/approvals. The runtime currently operates in auto-approve mode, so
// nothing blocks on these records; the store exists so a human-in-the-loop
// mode can be switched on without a data migration.
package approvals

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/shipyardhq/sma/internal/paths"
)

// Request statuses.
const (
	StatusPending  = "pending"
	StatusApproved = "approved"
	StatusRejected = "rejected"
)

var (
	ErrNotFound = errors.New("approvals: request not found")
	ErrResolved = errors.New("approvals: request already resolved")
)

// Request is one deferred tool call awaiting a decision.
type Request struct {
	ID        string                 `json:"id"`
	ContextID string                 `json:"contextId"`
	Tool      string                 `json:"tool"`
	Args      map[string]interface{} `json:"args,omitempty"`
	Status    string                 `json:"status"`
	Reason    string                 `json:"reason,omitempty"` // set on rejection
	CreatedAt time.Time              `json:"createdAt"`
	DecidedAt *time.Time             `json:"decidedAt,omitempty"`
	DecidedBy string                 `json:"decidedBy,omitempty"`
}

// Store reads and writes approval request files. Every mutation goes
// through write-tmp-and-rename so concurrent writers never leave a torn
// file behind.
type Store struct {
	layout paths.Layout
	mu     sync.Mutex
}

func NewStore(layout paths.Layout) *Store {
	return &Store{layout: layout}
}

// Create records a new pending request and returns it.
func (s *Store) Create(contextID, tool string, args map[string]interface{}) (*Request, error) {
	req := &Request{
		ID:        uuid.NewString(),
		ContextID: contextID,
		Tool:      tool,
		Args:      args,
		Status:    StatusPending,
		CreatedAt: time.Now().UTC(),
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.writeLocked(req); err != nil {
		return nil, err
	}
	return req, nil
}

// Get loads one request by id.
func (s *Store) Get(id string) (*Request, error) {
	data, err := os.ReadFile(s.layout.ApprovalFile(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("approvals: read %s: %w", id, err)
	}
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("approvals: parse %s: %w", id, err)
	}
	return &req, nil
}

// List returns all requests, pending first, newest first within a status.
func (s *Store) List() ([]*Request, error) {
	entries, err := os.ReadDir(s.layout.ApprovalsDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("approvals: read dir: %w", err)
	}

	var out []*Request
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		req, err := s.Get(strings.TrimSuffix(e.Name(), ".json"))
		if err != nil {
			continue // torn or foreign file
		}
		out = append(out, req)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Status != out[j].Status {
			return out[i].Status == StatusPending
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

// Resolve moves a pending request to approved or rejected. Resolving an
// already resolved request fails; decisions are final.
func (s *Store) Resolve(id, status, decidedBy, reason string) (*Request, error) {
	if status != StatusApproved && status != StatusRejected {
		return nil, fmt.Errorf("approvals: invalid status %q", status)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	req, err := s.Get(id)
	if err != nil {
		return nil, err
	}
	if req.Status != StatusPending {
		return nil, fmt.Errorf("%w: %s is %s", ErrResolved, id, req.Status)
	}

	now := time.Now().UTC()
	req.Status = status
	req.DecidedAt = &now
	req.DecidedBy = decidedBy
	if status == StatusRejected {
		req.Reason = reason
	}
	if err := s.writeLocked(req); err != nil {
		return nil, err
	}
	return req, nil
}

func (s *Store) writeLocked(req *Request) error {
	if err := paths.EnsureDir(s.layout.ApprovalsDir()); err != nil {
		return fmt.Errorf("approvals: create dir: %w", err)
	}
	data, err := json.MarshalIndent(req, "", "  ")
	if err != nil {
		return fmt.Errorf("approvals: encode %s: %w", req.ID, err)
	}
	path := s.layout.ApprovalFile(req.ID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("approvals: write %s: %w", req.ID, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("approvals: replace %s: %w", req.ID, err)
	}
	return nil
}

// Prune removes resolved requests older than keep.
func (s *Store) Prune(keep time.Duration) (int, error) {
	reqs, err := s.List()
	if err != nil {
		return 0, err
	}
	cutoff := time.Now().UTC().Add(-keep)

	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for _, req := range reqs {
		if req.Status == StatusPending || req.DecidedAt == nil || req.DecidedAt.After(cutoff) {
			continue
		}
		if err := os.Remove(s.layout.ApprovalFile(req.ID)); err == nil {
			removed++
		}
	}
	return removed, nil
}
