package agent

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/shipyardhq/sma/internal/history"
	"github.com/shipyardhq/sma/internal/reqctx"
	"github.com/shipyardhq/sma/internal/skills"
)

// defaultSystemPrompt is used when the workspace carries no Agent.md.
const defaultSystemPrompt = `You are a capable assistant operating inside a project workspace.
You can run shell commands, keep long-running sessions open, and message the
user directly with the chat_send tool while you work. Be concise; prefer
doing over describing.`

// buildSystemPrompt assembles the layered system prompt: workspace Agent.md
// (or the default), pinned skill instructions, then an ambient block with
// the current time and routing facts.
func buildSystemPrompt(base string, pinned []*skills.Skill, rc reqctx.RequestContext, workspace string, now time.Time) string {
	var b strings.Builder

	if strings.TrimSpace(base) == "" {
		base = defaultSystemPrompt
	}
	b.WriteString(strings.TrimSpace(base))

	for _, s := range pinned {
		b.WriteString("\n\n## Skill: ")
		b.WriteString(s.Name)
		b.WriteString("\n")
		b.WriteString(strings.TrimSpace(s.Content))
	}

	b.WriteString("\n\n## Current context\n")
	fmt.Fprintf(&b, "- time (UTC): %s\n", now.UTC().Format(time.RFC3339))
	if workspace != "" {
		fmt.Fprintf(&b, "- workspace: %s\n", workspace)
	}
	if rc.ContextID != "" {
		fmt.Fprintf(&b, "- conversation: %s\n", rc.ContextID)
	}
	if rc.Channel != "" {
		fmt.Fprintf(&b, "- channel: %s\n", rc.Channel)
	}
	return b.String()
}

// loadBasePrompt reads the workspace Agent.md if present.
func loadBasePrompt(agentFile string) string {
	data, err := os.ReadFile(agentFile)
	if err != nil {
		return ""
	}
	return string(data)
}

// pinnedSkills resolves the context's pinned skill ids against the library.
func pinnedSkills(store *history.Store, lib *skills.Library) []*skills.Skill {
	if lib == nil {
		return nil
	}
	meta, err := store.LoadMeta()
	if err != nil || len(meta.PinnedSkillIDs) == 0 {
		return nil
	}
	return lib.LoadMany(meta.PinnedSkillIDs)
}
