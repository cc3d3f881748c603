package hookz

import (
	"context"
	"runtime"
	"testing"
)

func BenchmarkNoOpSpan(b *testing.B) {
	tracer := New()
	defer tracer.Close()

	ctx := context.Background()

	b.Run("no-active-trace", func(b *testing.B) {
		b.ReportAllocs()
		for i := 0; i < b.N; i++ {
			_, span := tracer.CreateChildSpan(ctx, SpanOptions{Name: "test-op"})
			span.AddLabel("key", "value")
			span.EndSpan()
		}
	})

	b.Run("in-trace", func(b *testing.B) {
		tracer.RunInRootSpan(ctx, RootSpanOptions{Name: "bench"}, func(ctx context.Context, root *Span) {
			b.ReportAllocs()
			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				_, span := tracer.CreateChildSpan(ctx, SpanOptions{Name: "test-op"})
				span.AddLabel("key", "value")
				span.EndSpan()
			}
			b.StopTimer()
			root.EndSpan()
		})
	})
}

func TestNoOpBehavior(t *testing.T) {
	tracer := New()
	defer tracer.Close()

	ctx := context.Background()
	ctx, span := tracer.CreateChildSpan(ctx, SpanOptions{Name: "test-op"})

	span.AddLabel("key", "value")

	if id := span.TraceID(); id != "" {
		t.Errorf("expected empty TraceID for no-op span, got %s", id)
	}
	if id := span.SpanID(); id != "" {
		t.Errorf("expected empty SpanID for no-op span, got %s", id)
	}
	if val, ok := span.Label("key"); ok || val != "" {
		t.Errorf("expected no label for no-op span, got %v, %v", val, ok)
	}
	if span.Context(ctx) != ctx {
		t.Error("expected no-op span to leave context unchanged")
	}
	span.EndSpan()

	// A handler sees real traces once a root is started.
	var captured Trace
	tracer.OnTraceComplete(func(tr Trace) {
		captured = tr
	})

	tracer.RunInRootSpan(ctx, RootSpanOptions{Name: "real-op"}, func(_ context.Context, root *Span) {
		root.AddLabel("key", "value")
		root.EndSpan()
	})

	if len(captured.Spans) != 1 || captured.Spans[0].Name != "real-op" {
		t.Fatal("handler should have received the trace")
	}
	if v, _ := captured.Spans[0].Labels.Get("key"); v != "value" {
		t.Error("span should have the label set")
	}
}

func TestNoOpMemoryUsage(t *testing.T) {
	tracer := New()
	defer tracer.Close()

	var m1, m2 runtime.MemStats
	runtime.GC()
	runtime.ReadMemStats(&m1)

	ctx := context.Background()
	for i := 0; i < 1000; i++ {
		_, span := tracer.CreateChildSpan(ctx, SpanOptions{Name: "test-op"})
		span.AddLabel("key", "value")
		span.EndSpan()
	}

	runtime.GC()
	runtime.ReadMemStats(&m2)

	allocsPerOp := (m2.TotalAlloc - m1.TotalAlloc) / 1000

	// Without an active trace nothing should be allocated per call.
	if allocsPerOp > 256 {
		t.Errorf("no-op spans allocating too much memory: %d bytes per operation", allocsPerOp)
	}
}
