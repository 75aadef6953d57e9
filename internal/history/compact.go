package history

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/shipyardhq/sma/internal/llm"
)

// Compaction defaults.
const (
	DefaultKeepLastMessages = 30
	DefaultMaxInputTokens   = 100_000

	// summarisationInputCap bounds the flattened transcript handed to the
	// model; the tail is kept when truncating.
	summarisationInputCap = 24_000
)

const summaryFallbackText = "summary generation failed; older history dropped"

// CompactOptions configures CompactIfNeeded.
type CompactOptions struct {
	Model                llm.Model
	SystemText           string
	KeepLastMessages     int
	MaxInputTokensApprox int
	ArchiveOnCompact     bool

	// Force skips the token-budget check; used by the overflow retry path.
	Force bool
}

// CompactResult reports what a compaction did.
type CompactResult struct {
	Compacted bool
	ArchiveID string
	Summary   *Message
	Removed   int
}

// CompactIfNeeded collapses older messages into one synthetic summary
// message. The lock is held only for the snapshot and commit phases; the
// model call runs outside it, and the tail is re-partitioned at commit time
// so appends that landed during summarisation survive.
func (s *Store) CompactIfNeeded(ctx context.Context, opts CompactOptions) (*CompactResult, error) {
	s.compactMu.Lock()
	defer s.compactMu.Unlock()

	keepLast := opts.KeepLastMessages
	if keepLast <= 0 {
		keepLast = DefaultKeepLastMessages
	}
	maxTokens := opts.MaxInputTokensApprox
	if maxTokens <= 0 {
		maxTokens = DefaultMaxInputTokens
	}

	// Phase 1: snapshot under a short lock.
	token, err := acquireLock(s.lockPath())
	if err != nil {
		return nil, err
	}
	snapshot, err := s.LoadAll()
	releaseLock(s.lockPath(), token)
	if err != nil {
		return nil, err
	}

	if len(snapshot) <= keepLast+2 {
		return &CompactResult{}, nil
	}
	if !opts.Force && estimateTokens(opts.SystemText, snapshot) <= maxTokens {
		return &CompactResult{}, nil
	}

	older := snapshot[:len(snapshot)-keepLast]
	if len(older) == 0 {
		return &CompactResult{}, nil
	}

	// Summarise outside the lock.
	summaryText := s.summarise(ctx, opts.Model, older)

	// Phase 2: reload, re-partition, archive, rewrite, patch meta.
	token, err = acquireLock(s.lockPath())
	if err != nil {
		return nil, err
	}
	defer releaseLock(s.lockPath(), token)

	current, err := s.LoadAll()
	if err != nil {
		return nil, err
	}
	if len(current) <= keepLast {
		return &CompactResult{}, nil
	}
	older = current[:len(current)-keepLast]
	kept := current[len(current)-keepLast:]
	if len(older) == 0 {
		return &CompactResult{}, nil
	}

	compactID := uuid.NewString()
	summary := Message{
		V:      RecordVersion,
		ID:     uuid.NewString(),
		Role:   RoleAssistant,
		Kind:   KindSummary,
		Source: SourceCompact,
		Parts:  []Part{{Type: PartText, Text: summaryText}},
		SourceRange: &SourceRange{
			FromID: older[0].ID,
			ToID:   older[len(older)-1].ID,
			Count:  len(older),
		},
		Metadata:  map[string]string{"contextId": s.contextID},
		CreatedAt: time.Now().UTC(),
	}

	if opts.ArchiveOnCompact {
		if err := s.writeArchive(compactID, older); err != nil {
			return nil, err
		}
	}

	rewritten := make([]Message, 0, len(kept)+1)
	rewritten = append(rewritten, summary)
	rewritten = append(rewritten, kept...)
	if err := s.rewriteLocked(rewritten); err != nil {
		return nil, err
	}

	patch := MetaPatch{KeepLastMessages: &keepLast, MaxInputTokensApprox: &maxTokens}
	if opts.ArchiveOnCompact {
		patch.LastArchiveID = &compactID
	}
	if _, err := s.UpdateMeta(patch); err != nil {
		return nil, err
	}

	slog.Info("history.compacted",
		"context_id", s.contextID,
		"removed", len(older),
		"kept", len(kept),
		"archive_id", compactID,
	)

	return &CompactResult{
		Compacted: true,
		ArchiveID: compactID,
		Summary:   &summary,
		Removed:   len(older),
	}, nil
}

// estimateTokens approximates the prompt size at 3 chars per token over the
// system text plus the JSON-encoded messages.
func estimateTokens(systemText string, msgs []Message) int {
	encoded, _ := json.Marshal(msgs)
	chars := len(systemText) + len(encoded)
	return (chars + 2) / 3
}

const summariseInstruction = `You compress chat history. Produce a structured summary of the transcript with these sections: key facts, user preferences, decisions made, open items. Be specific; keep identifiers, paths, and numbers exact. 300-800 words.`

func (s *Store) summarise(ctx context.Context, model llm.Model, older []Message) string {
	if model == nil {
		return summaryFallbackText
	}

	transcript := flattenTranscript(older)
	if len(transcript) > summarisationInputCap {
		transcript = transcript[len(transcript)-summarisationInputCap:]
	}

	resp, err := model.Generate(ctx, llm.Request{
		System:    summariseInstruction,
		Messages:  []llm.Message{{Role: "user", Content: transcript}},
		MaxTokens: 1024,
	})
	if err != nil || strings.TrimSpace(resp.Content) == "" {
		slog.Warn("history.summarise_failed", "context_id", s.contextID, "error", err)
		return summaryFallbackText
	}
	return resp.Content
}

func flattenTranscript(msgs []Message) string {
	var b strings.Builder
	for _, m := range msgs {
		text := m.Text()
		if text == "" {
			continue
		}
		b.WriteString(m.Role)
		b.WriteString(": ")
		b.WriteString(text)
		b.WriteByte('\n')
	}
	return b.String()
}

func (s *Store) writeArchive(compactID string, msgs []Message) error {
	dir := s.archiveDir()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("history: create archive dir: %w", err)
	}

	snap := ArchiveSnapshot{
		V:          RecordVersion,
		ContextID:  s.contextID,
		ArchivedAt: time.Now().UTC(),
		Messages:   msgs,
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("history: marshal archive: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "archive-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	cleanup := true
	defer func() {
		if cleanup {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
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
	if err := os.Rename(tmpPath, filepath.Join(dir, compactID+".json")); err != nil {
		return fmt.Errorf("history: write archive: %w", err)
	}
	cleanup = false
	return nil
}
