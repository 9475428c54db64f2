package metrics

import (
	"context"

	"github.com/google/uuid"
)

type traceIDKey struct{}

// WithTraceID attaches a trace ID to ctx: the explicit id if given, else
// whatever the context already carries (set by the server from an inbound
// X-Request-ID header), else a freshly generated UUID. The pipeline calls
// this once at ingress so every downstream component (cache, shield,
// router, judge) and every log line can be correlated.
func WithTraceID(ctx context.Context, id string) (context.Context, string) {
	if id == "" {
		if existing := TraceID(ctx); existing != "" {
			return ctx, existing
		}
		id = uuid.New().String()
	}
	return context.WithValue(ctx, traceIDKey{}, id), id
}

// TraceID reads back the trace ID set by WithTraceID, returning "" if
// none was set.
func TraceID(ctx context.Context) string {
	id, _ := ctx.Value(traceIDKey{}).(string)
	return id
}
