// Package reqctx carries the ambient per-turn request context as an explicit
// value through context.Context. Tools, logging, and shell children all read
// from it; nothing holds it in mutable shared state.
package reqctx

import (
	"context"
	"fmt"
	"log/slog"
	"os"
)

// RequestContext identifies one in-flight turn and its origin.
type RequestContext struct {
	RequestID string
	ContextID string
	Channel   string
	TargetID  string
	ActorID   string
	MessageID string
	ThreadID  string
}

type ctxKey struct{}

// With attaches rc to ctx.
func With(ctx context.Context, rc RequestContext) context.Context {
	return context.WithValue(ctx, ctxKey{}, rc)
}

// From extracts the request context from ctx. The zero value means "no
// ambient request" (startup, background maintenance).
func From(ctx context.Context) RequestContext {
	rc, _ := ctx.Value(ctxKey{}).(RequestContext)
	return rc
}

// Env returns SMA_CTX_* environment entries for shell children, so nested
// sma invocations reach the local server with the right identity.
func (rc RequestContext) Env() []string {
	env := make([]string, 0, 8)
	add := func(key, val string) {
		if val != "" {
			env = append(env, fmt.Sprintf("%s=%s", key, val))
		}
	}
	add("SMA_CTX_REQUEST_ID", rc.RequestID)
	add("SMA_CTX_CONTEXT_ID", rc.ContextID)
	add("SMA_CTX_CHANNEL", rc.Channel)
	add("SMA_CTX_TARGET_ID", rc.TargetID)
	add("SMA_CTX_ACTOR_ID", rc.ActorID)
	add("SMA_SERVER_HOST", os.Getenv("SMA_SERVER_HOST"))
	add("SMA_SERVER_PORT", os.Getenv("SMA_SERVER_PORT"))
	return env
}

// LogAttrs returns slog attributes for the request, used by the telemetry
// handler to stamp every record emitted during a turn.
func (rc RequestContext) LogAttrs() []slog.Attr {
	attrs := make([]slog.Attr, 0, 3)
	if rc.RequestID != "" {
		attrs = append(attrs, slog.String("request_id", rc.RequestID))
	}
	if rc.ContextID != "" {
		attrs = append(attrs, slog.String("context_id", rc.ContextID))
	}
	if rc.Channel != "" {
		attrs = append(attrs, slog.String("channel", rc.Channel))
	}
	return attrs
}
