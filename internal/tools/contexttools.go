package tools

import (
	"context"
	"fmt"

	"github.com/shipyardhq/sma/internal/history"
	"github.com/shipyardhq/sma/internal/reqctx"
)

// StoreResolver hands tools the history store for a context id.
type StoreResolver func(contextID string) (*history.Store, error)

// ContextStatsTool reports message counts and compaction state for the
// current context.
type ContextStatsTool struct {
	resolve StoreResolver
}

func NewContextStatsTool(resolve StoreResolver) *ContextStatsTool {
	return &ContextStatsTool{resolve: resolve}
}

func (t *ContextStatsTool) Name() string { return "context_stats" }
func (t *ContextStatsTool) Description() string {
	return "Show statistics for the current conversation context: message count, pinned skills, last archive."
}

func (t *ContextStatsTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type":       "object",
		"properties": map[string]interface{}{},
	}
}

func (t *ContextStatsTool) Execute(ctx context.Context, _ map[string]interface{}) *Result {
	rc := reqctx.From(ctx)
	store, err := t.resolve(rc.ContextID)
	if err != nil {
		return ErrorResult(fmt.Sprintf("context_stats: %v", err)).WithError(err)
	}
	count, err := store.CountMessages()
	if err != nil {
		return ErrorResult(fmt.Sprintf("context_stats: %v", err)).WithError(err)
	}
	meta, err := store.LoadMeta()
	if err != nil {
		return ErrorResult(fmt.Sprintf("context_stats: %v", err)).WithError(err)
	}
	return NewResult(fmt.Sprintf(
		"context: %s\nmessages: %d\npinned skills: %v\nlast archive: %s",
		rc.ContextID, count, meta.PinnedSkillIDs, orNone(meta.LastArchiveID)))
}

// ContextClearTool wipes the current context's history log.
type ContextClearTool struct {
	resolve StoreResolver
}

func NewContextClearTool(resolve StoreResolver) *ContextClearTool {
	return &ContextClearTool{resolve: resolve}
}

func (t *ContextClearTool) Name() string { return "context_clear" }
func (t *ContextClearTool) Description() string {
	return "Erase the current conversation history. Pinned skills and archives are kept."
}

func (t *ContextClearTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type":       "object",
		"properties": map[string]interface{}{},
	}
}

func (t *ContextClearTool) Execute(ctx context.Context, _ map[string]interface{}) *Result {
	rc := reqctx.From(ctx)
	store, err := t.resolve(rc.ContextID)
	if err != nil {
		return ErrorResult(fmt.Sprintf("context_clear: %v", err)).WithError(err)
	}
	if err := store.Clear(); err != nil {
		return ErrorResult(fmt.Sprintf("context_clear: %v", err)).WithError(err)
	}
	return UserResult("conversation history cleared")
}

func orNone(s string) string {
	if s == "" {
		return "(none)"
	}
	return s
}
