package history

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/shipyardhq/sma/internal/llm"
	"github.com/shipyardhq/sma/internal/llm/llmtest"
)

func seedPairs(t *testing.T, s *Store, n int) []Message {
	t.Helper()
	var all []Message
	for i := 0; i < n; i++ {
		u := NewUserMessage(s.ContextID(), "question")
		a := NewAssistantMessage(s.ContextID(), []Part{{Type: PartText, Text: "answer"}})
		if err := s.Append(u, a); err != nil {
			t.Fatalf("Append: %v", err)
		}
		all = append(all, u, a)
	}
	return all
}

func TestCompactNoopWhenSmall(t *testing.T) {
	s := newTestStore(t)
	seedPairs(t, s, 3)

	res, err := s.CompactIfNeeded(context.Background(), CompactOptions{
		Model:            llmtest.New(llmtest.Reply("summary")),
		KeepLastMessages: 30,
	})
	if err != nil {
		t.Fatalf("CompactIfNeeded: %v", err)
	}
	if res.Compacted {
		t.Error("compacted a small history")
	}
}

func TestCompactNoopUnderTokenBudget(t *testing.T) {
	s := newTestStore(t)
	seedPairs(t, s, 40)

	res, err := s.CompactIfNeeded(context.Background(), CompactOptions{
		Model:                llmtest.New(llmtest.Reply("summary")),
		KeepLastMessages:     30,
		MaxInputTokensApprox: 10_000_000,
	})
	if err != nil {
		t.Fatalf("CompactIfNeeded: %v", err)
	}
	if res.Compacted {
		t.Error("compacted under budget")
	}
}

func TestCompactPreservesTailAndArchives(t *testing.T) {
	s := newTestStore(t)
	all := seedPairs(t, s, 100) // 200 messages

	res, err := s.CompactIfNeeded(context.Background(), CompactOptions{
		Model:                llmtest.New(llmtest.Reply("the summary text")),
		SystemText:           "system",
		KeepLastMessages:     30,
		MaxInputTokensApprox: 2000,
		ArchiveOnCompact:     true,
	})
	if err != nil {
		t.Fatalf("CompactIfNeeded: %v", err)
	}
	if !res.Compacted {
		t.Fatal("expected compaction")
	}
	if res.Removed != 170 {
		t.Errorf("removed = %d, want 170", res.Removed)
	}

	after, err := s.LoadAll()
	if err != nil {
		t.Fatalf("LoadAll: %v", err)
	}
	if len(after) != 31 {
		t.Fatalf("post-compaction len = %d, want 31", len(after))
	}

	head := after[0]
	if head.Kind != KindSummary || head.Source != SourceCompact {
		t.Errorf("head kind/source = %s/%s", head.Kind, head.Source)
	}
	if head.Text() != "the summary text" {
		t.Errorf("summary text = %q", head.Text())
	}
	if head.SourceRange == nil || head.SourceRange.Count != 170 {
		t.Errorf("sourceRange = %+v", head.SourceRange)
	}
	if head.SourceRange.FromID != all[0].ID || head.SourceRange.ToID != all[169].ID {
		t.Errorf("sourceRange ids wrong")
	}

	// Tail preserved pointwise by id.
	for i, m := range after[1:] {
		if m.ID != all[170+i].ID {
			t.Fatalf("tail[%d] id mismatch", i)
		}
	}

	// Archive file written and meta patched.
	meta, err := s.LoadMeta()
	if err != nil {
		t.Fatalf("LoadMeta: %v", err)
	}
	if meta.LastArchiveID != res.ArchiveID {
		t.Errorf("meta.LastArchiveID = %q, want %q", meta.LastArchiveID, res.ArchiveID)
	}
	data, err := os.ReadFile(filepath.Join(s.archiveDir(), res.ArchiveID+".json"))
	if err != nil {
		t.Fatalf("read archive: %v", err)
	}
	var snap ArchiveSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		t.Fatalf("parse archive: %v", err)
	}
	if len(snap.Messages) != 170 || snap.ContextID != s.ContextID() {
		t.Errorf("archive messages = %d, context = %s", len(snap.Messages), snap.ContextID)
	}
}

func TestCompactIdempotentSourceRange(t *testing.T) {
	s := newTestStore(t)
	seedPairs(t, s, 100)

	opts := CompactOptions{
		Model:                llmtest.New(llmtest.Reply("s1"), llmtest.Reply("s2")),
		KeepLastMessages:     30,
		MaxInputTokensApprox: 2000,
		ArchiveOnCompact:     true,
	}
	first, err := s.CompactIfNeeded(context.Background(), opts)
	if err != nil || !first.Compacted {
		t.Fatalf("first compaction: %v compacted=%v", err, first.Compacted)
	}
	// No intervening appends: 31 messages is within keepLast+2, so a second
	// compaction is a no-op and the archive contents are unchanged.
	second, err := s.CompactIfNeeded(context.Background(), opts)
	if err != nil {
		t.Fatalf("second compaction: %v", err)
	}
	if second.Compacted {
		t.Error("second compaction should be a no-op")
	}
}

func TestCompactFallbackOnModelFailure(t *testing.T) {
	s := newTestStore(t)
	seedPairs(t, s, 100)

	res, err := s.CompactIfNeeded(context.Background(), CompactOptions{
		Model:                llmtest.New(llmtest.Fail(context.DeadlineExceeded)),
		KeepLastMessages:     30,
		MaxInputTokensApprox: 2000,
	})
	if err != nil {
		t.Fatalf("CompactIfNeeded: %v", err)
	}
	if !res.Compacted {
		t.Fatal("expected compaction with fallback summary")
	}
	if !strings.Contains(res.Summary.Text(), "summary generation failed") {
		t.Errorf("fallback text = %q", res.Summary.Text())
	}
}

func TestCompactSummariserInputCapped(t *testing.T) {
	s := newTestStore(t)
	// One huge message pushes the flattened transcript past the cap.
	big := strings.Repeat("x", 40_000)
	if err := s.Append(NewUserMessage(s.ContextID(), big)); err != nil {
		t.Fatalf("Append: %v", err)
	}
	seedPairs(t, s, 40)

	model := llmtest.New(llmtest.Reply("ok"))
	if _, err := s.CompactIfNeeded(context.Background(), CompactOptions{
		Model:                model,
		KeepLastMessages:     30,
		MaxInputTokensApprox: 100,
	}); err != nil {
		t.Fatalf("CompactIfNeeded: %v", err)
	}

	calls := model.Calls()
	if len(calls) != 1 {
		t.Fatalf("model calls = %d, want 1", len(calls))
	}
	if got := len(calls[0].Messages[0].Content); got > summarisationInputCap {
		t.Errorf("summariser input = %d chars, cap %d", got, summarisationInputCap)
	}
	// The tail, not the head, survives truncation.
	if !strings.HasSuffix(strings.TrimSpace(calls[0].Messages[0].Content), "answer") {
		t.Error("truncation did not keep the transcript tail")
	}
}

var _ llm.Model = (*llmtest.ScriptedModel)(nil)
