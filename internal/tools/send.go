package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/shipyardhq/sma/internal/egress"
	"github.com/shipyardhq/sma/internal/reqctx"
)

// ChatSendTool delivers a message to the originating chat mid-turn. Sent
// text is recorded so the turn's final collapse can skip already-delivered
// content.
type ChatSendTool struct {
	dispatcher *egress.Dispatcher

	sent []string
}

func NewChatSendTool(d *egress.Dispatcher) *ChatSendTool {
	return &ChatSendTool{dispatcher: d}
}

func (t *ChatSendTool) Name() string { return "chat_send" }
func (t *ChatSendTool) Description() string {
	return "Send a message to the user's chat immediately, before the turn finishes. Use for progress updates on long tasks."
}

func (t *ChatSendTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"text": map[string]interface{}{
				"type":        "string",
				"description": "Message text to deliver",
			},
			"chat_key": map[string]interface{}{
				"type":        "string",
				"description": "Target conversation key, e.g. telegram-chat-123. Defaults to the current chat.",
			},
		},
		"required": []string{"text"},
	}
}

func (t *ChatSendTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	text, _ := args["text"].(string)
	if strings.TrimSpace(text) == "" {
		return ErrorResult("chat_send: text is required")
	}

	origin := reqctx.From(ctx).ContextID
	chatKey, _ := args["chat_key"].(string)
	if chatKey == "" {
		chatKey = origin
	}
	if chatKey == "" {
		return ErrorResult("chat_send: no delivery context")
	}
	if err := t.dispatcher.Send(ctx, chatKey, text); err != nil {
		return ErrorResult(fmt.Sprintf("chat_send: %v", err)).WithError(err)
	}
	// Only deliveries to the originating chat count for final-reply
	// suppression; cross-chat sends must not swallow the user's reply.
	if chatKey == origin {
		t.sent = append(t.sent, text)
	}
	return SilentResult("message delivered")
}

// Sent returns the messages delivered during this turn, in order.
func (t *ChatSendTool) Sent() []string { return t.sent }
