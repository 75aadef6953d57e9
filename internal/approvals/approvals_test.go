package approvals

import (
	"errors"
	"os"
	"testing"
	"time"

	"github.com/shipyardhq/sma/internal/paths"
)

func newTestStore(t *testing.T) (*Store, paths.Layout) {
	t.Helper()
	layout := paths.New(t.TempDir())
	return NewStore(layout), layout
}

func TestCreateAndGet(t *testing.T) {
	store, layout := newTestStore(t)

	req, err := store.Create("telegram-chat-7", "exec_command", map[string]interface{}{"command": "rm -rf build"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if req.Status != StatusPending {
		t.Errorf("Status = %q", req.Status)
	}
	if _, err := os.Stat(layout.ApprovalFile(req.ID)); err != nil {
		t.Fatalf("approval file missing: %v", err)
	}

	got, err := store.Get(req.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.ContextID != "telegram-chat-7" || got.Tool != "exec_command" {
		t.Errorf("Get = %+v", got)
	}
	if got.Args["command"] != "rm -rf build" {
		t.Errorf("Args = %+v", got.Args)
	}
}

func TestGetMissing(t *testing.T) {
	store, _ := newTestStore(t)
	if _, err := store.Get("nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get = %v, want ErrNotFound", err)
	}
}

func TestResolveIsFinal(t *testing.T) {
	store, _ := newTestStore(t)
	req, err := store.Create("c", "exec_command", nil)
	if err != nil {
		t.Fatal(err)
	}

	resolved, err := store.Resolve(req.ID, StatusRejected, "operator", "too risky")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if resolved.Status != StatusRejected || resolved.Reason != "too risky" || resolved.DecidedAt == nil {
		t.Errorf("resolved = %+v", resolved)
	}

	if _, err := store.Resolve(req.ID, StatusApproved, "operator", ""); !errors.Is(err, ErrResolved) {
		t.Errorf("second Resolve = %v, want ErrResolved", err)
	}
}

func TestResolveRejectsBadStatus(t *testing.T) {
	store, _ := newTestStore(t)
	req, _ := store.Create("c", "exec_command", nil)
	if _, err := store.Resolve(req.ID, "maybe", "operator", ""); err == nil {
		t.Fatal("expected error for invalid status")
	}
}

func TestListOrdersPendingFirst(t *testing.T) {
	store, _ := newTestStore(t)
	a, _ := store.Create("c", "exec_command", nil)
	b, _ := store.Create("c", "write_stdin", nil)
	if _, err := store.Resolve(a.ID, StatusApproved, "operator", ""); err != nil {
		t.Fatal(err)
	}

	reqs, err := store.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(reqs) != 2 {
		t.Fatalf("List = %d entries", len(reqs))
	}
	if reqs[0].ID != b.ID || reqs[0].Status != StatusPending {
		t.Errorf("first = %+v, want pending %s", reqs[0], b.ID)
	}
}

func TestListEmptyDir(t *testing.T) {
	store, _ := newTestStore(t)
	reqs, err := store.List()
	if err != nil || len(reqs) != 0 {
		t.Errorf("List = %v, %v", reqs, err)
	}
}

func TestPruneKeepsPendingAndRecent(t *testing.T) {
	store, _ := newTestStore(t)
	pending, _ := store.Create("c", "exec_command", nil)
	resolved, _ := store.Create("c", "exec_command", nil)
	if _, err := store.Resolve(resolved.ID, StatusApproved, "operator", ""); err != nil {
		t.Fatal(err)
	}

	removed, err := store.Prune(time.Hour)
	if err != nil {
		t.Fatalf("Prune: %v", err)
	}
	if removed != 0 {
		t.Errorf("removed = %d, want 0", removed)
	}

	removed, err = store.Prune(0)
	if err != nil {
		t.Fatalf("Prune: %v", err)
	}
	if removed != 1 {
		t.Errorf("removed = %d, want 1", removed)
	}
	if _, err := store.Get(pending.ID); err != nil {
		t.Errorf("pending pruned: %v", err)
	}
}
