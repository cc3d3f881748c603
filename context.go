package hookz

import "context"

// bundleKeyType is a private type for context keys to avoid collisions.
type bundleKeyType string

const (
	bundleKey bundleKeyType = "hookz"
)

// ContextWithSpan returns ctx with span installed as the active span.
func ContextWithSpan(ctx context.Context, span *Span) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, bundleKey, span)
}

// SpanFromContext returns the active span of ctx, or nil when none is active.
func SpanFromContext(ctx context.Context) *Span {
	if ctx == nil {
		return nil
	}
	if span, ok := ctx.Value(bundleKey).(*Span); ok && !span.isNoop() {
		return span
	}
	return nil
}

// ActiveTransaction returns the root span of the trace active in ctx, or
// nil when no trace is active or its root has already closed.
func ActiveTransaction(ctx context.Context) *Span {
	span := SpanFromContext(ctx)
	if span == nil {
		return nil
	}
	root := span.trace.root
	if root == nil || root.Closed() {
		return nil
	}
	return root
}
