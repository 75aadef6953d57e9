// Package history is the durable per-context message log: an append-only
// JSONL file plus meta and archive files, guarded by a sentinel lock and
// rewritten atomically during compaction.
package history

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Record version written to history.jsonl.
const RecordVersion = 1

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Part types.
const (
	PartText           = "text"
	PartToolInvocation = "tool-invocation"
	PartToolResult     = "tool-result"
)

// Assistant message kinds and sources.
const (
	KindSummary   = "summary"
	SourceEgress  = "egress"
	SourceCompact = "compact"
)

// Part is one content block of a message.
type Part struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`

	// Tool invocation / result fields.
	ToolCallID string                 `json:"toolCallId,omitempty"`
	ToolName   string                 `json:"toolName,omitempty"`
	Args       map[string]interface{} `json:"args,omitempty"`
	Output     string                 `json:"output,omitempty"`
	IsError    bool                   `json:"isError,omitempty"`
}

// SourceRange names the span of messages a summary replaces.
type SourceRange struct {
	FromID string `json:"fromId"`
	ToID   string `json:"toId"`
	Count  int    `json:"count"`
}

// Message is one immutable history record.
type Message struct {
	V           int               `json:"v"`
	ID          string            `json:"id"`
	Role        string            `json:"role"`
	Parts       []Part            `json:"parts"`
	Kind        string            `json:"kind,omitempty"`
	Source      string            `json:"source,omitempty"`
	SourceRange *SourceRange      `json:"sourceRange,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	CreatedAt   time.Time         `json:"createdAt"`
}

// NewUserMessage builds a user text message tagged with its context id.
func NewUserMessage(contextID, text string) Message {
	return Message{
		V:         RecordVersion,
		ID:        uuid.NewString(),
		Role:      RoleUser,
		Parts:     []Part{{Type: PartText, Text: text}},
		Metadata:  map[string]string{"contextId": contextID},
		CreatedAt: time.Now().UTC(),
	}
}

// NewAssistantMessage builds a normal assistant message from parts.
func NewAssistantMessage(contextID string, parts []Part) Message {
	return Message{
		V:         RecordVersion,
		ID:        uuid.NewString(),
		Role:      RoleAssistant,
		Parts:     parts,
		Source:    SourceEgress,
		Metadata:  map[string]string{"contextId": contextID},
		CreatedAt: time.Now().UTC(),
	}
}

// Text concatenates the message's text parts.
func (m Message) Text() string {
	var b strings.Builder
	for _, p := range m.Parts {
		if p.Type == PartText && p.Text != "" {
			if b.Len() > 0 {
				b.WriteByte('\n')
			}
			b.WriteString(p.Text)
		}
	}
	return b.String()
}

// Meta is the per-context meta.json record.
type Meta struct {
	V                    int       `json:"v"`
	ContextID            string    `json:"contextId"`
	UpdatedAt            time.Time `json:"updatedAt"`
	PinnedSkillIDs       []string  `json:"pinnedSkillIds"`
	LastArchiveID        string    `json:"lastArchiveId,omitempty"`
	KeepLastMessages     int       `json:"keepLastMessages,omitempty"`
	MaxInputTokensApprox int       `json:"maxInputTokensApprox,omitempty"`
}

// ArchiveSnapshot is written to archive/<compactId>.json during compaction.
type ArchiveSnapshot struct {
	V          int       `json:"v"`
	ContextID  string    `json:"contextId"`
	ArchivedAt time.Time `json:"archivedAt"`
	Messages   []Message `json:"messages"`
}

// MaxPinnedSkills bounds the pinned-skill list in meta.
const MaxPinnedSkills = 32
