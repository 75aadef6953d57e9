// Package egress delivers assistant output to chat surfaces. Delivery is
// tool-driven: the model calls chat_send mid-turn, and the dispatcher routes
// the text to the sender registered for the target channel.
package egress

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
)

// MaxChunkChars is the per-message ceiling applied before platform limits;
// 3900 leaves headroom under Telegram's 4096.
const MaxChunkChars = 3900

var ErrNoSender = errors.New("egress: no sender for channel")

// Sender delivers one text message to a chat on a specific platform.
type Sender interface {
	Name() string
	Send(ctx context.Context, chatID, text string) error
}

// Dispatcher routes outbound text to the sender registered for the channel
// encoded in the chat key.
type Dispatcher struct {
	mu      sync.RWMutex
	senders map[string]Sender
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{senders: make(map[string]Sender)}
}

func (d *Dispatcher) Register(s Sender) {
	d.mu.Lock()
	d.senders[s.Name()] = s
	d.mu.Unlock()
}

func (d *Dispatcher) sender(channel string) (Sender, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	s, ok := d.senders[channel]
	return s, ok
}

// ChatKey identifies one deliverable chat: a platform plus its chat id.
type ChatKey struct {
	Channel string
	ChatID  string
}

// ResolveChatKey maps a context id back to its delivery target. Context ids
// that carry no live chat (task runs, unknown shapes) resolve to ok=false.
func ResolveChatKey(contextID string) (ChatKey, bool) {
	switch {
	case strings.HasPrefix(contextID, "telegram-chat-"):
		id := strings.TrimPrefix(contextID, "telegram-chat-")
		// Forum-topic contexts deliver to the parent chat.
		if chat, _, ok := strings.Cut(id, "-topic-"); ok {
			id = chat
		}
		return ChatKey{Channel: "telegram", ChatID: id}, true
	case strings.HasPrefix(contextID, "feishu-chat-"):
		return ChatKey{Channel: "feishu", ChatID: strings.TrimPrefix(contextID, "feishu-chat-")}, true
	case strings.HasPrefix(contextID, "qq-"):
		rest := strings.TrimPrefix(contextID, "qq-")
		// qq-<type>-<id>: the id may itself contain dashes.
		kind, id, ok := strings.Cut(rest, "-")
		if !ok {
			return ChatKey{}, false
		}
		return ChatKey{Channel: "qq", ChatID: kind + ":" + id}, true
	case strings.HasPrefix(contextID, "api:chat:"):
		return ChatKey{Channel: "api", ChatID: strings.TrimPrefix(contextID, "api:chat:")}, true
	default:
		return ChatKey{}, false
	}
}

// Send normalises, chunks, and delivers text to the chat behind contextID.
// Chunks are sent in order; a mid-sequence failure aborts the remainder.
func (d *Dispatcher) Send(ctx context.Context, contextID, text string) error {
	key, ok := ResolveChatKey(contextID)
	if !ok {
		return fmt.Errorf("%w: context %s has no delivery target", ErrNoSender, contextID)
	}
	s, ok := d.sender(key.Channel)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoSender, key.Channel)
	}

	text = NormalizeEscapes(text)
	chunks := Chunk(text, MaxChunkChars)
	for i, c := range chunks {
		if err := s.Send(ctx, key.ChatID, c); err != nil {
			return fmt.Errorf("egress: send chunk %d/%d via %s: %w", i+1, len(chunks), key.Channel, err)
		}
	}
	slog.Debug("egress.sent", "channel", key.Channel, "chat_id", key.ChatID, "chunks", len(chunks))
	return nil
}

// CanDeliver reports whether a sender is registered for the context's channel.
func (d *Dispatcher) CanDeliver(contextID string) bool {
	key, ok := ResolveChatKey(contextID)
	if !ok {
		return false
	}
	_, ok = d.sender(key.Channel)
	return ok
}

// NormalizeEscapes rewrites escaped literals that models sometimes emit in
// place of real control characters. Text that already has real line breaks
// is left alone: its literal sequences are then content, not mangling.
func NormalizeEscapes(text string) string {
	if strings.Contains(text, "\n") {
		return text
	}
	if !strings.Contains(text, `\n`) && !strings.Contains(text, `\t`) {
		return text
	}
	r := strings.NewReplacer(`\r\n`, "\n", `\n`, "\n", `\t`, "\t")
	return r.Replace(text)
}

// Chunk splits text into pieces of at most maxChars, cutting at the last
// newline inside the window when one exists past the halfway mark.
func Chunk(text string, maxChars int) []string {
	if maxChars <= 0 {
		maxChars = MaxChunkChars
	}
	if len(text) <= maxChars {
		return []string{text}
	}

	var chunks []string
	for len(text) > maxChars {
		cut := maxChars
		if i := strings.LastIndexByte(text[:maxChars], '\n'); i > maxChars/2 {
			cut = i + 1
		}
		chunks = append(chunks, text[:cut])
		text = text[cut:]
	}
	if len(text) > 0 {
		chunks = append(chunks, text)
	}
	return chunks
}
