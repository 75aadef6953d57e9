package telemetry

import (
	"context"
	"log/slog"

	"github.com/shipyardhq/sma/internal/reqctx"
)

// contextAttrs extracts the request attributes carried on ctx so every log
// line inside a turn is tagged with its request and context ids.
func contextAttrs(ctx context.Context) []slog.Attr {
	rc := reqctx.From(ctx)
	if rc.RequestID == "" && rc.ContextID == "" {
		return nil
	}
	return rc.LogAttrs()
}
