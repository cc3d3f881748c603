// Package integration exercises hookz end to end: tracer, registry, version
// resolution and context propagation wired together the way an application
// would wire them.
package integration

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/zoobzio/hookz"
)

// TraceRecorder collects every completed trace of a tracer.
//
//nolint:govet // Field alignment optimized for test helper readability
type TraceRecorder struct {
	traces []hookz.Trace
	t      *testing.T
	mu     sync.Mutex
}

// NewTraceRecorder records completed traces from tracer.
func NewTraceRecorder(t *testing.T, tracer *hookz.Tracer) *TraceRecorder {
	r := &TraceRecorder{t: t}
	tracer.OnTraceComplete(func(tr hookz.Trace) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.traces = append(r.traces, tr)
	})
	return r
}

// Traces returns a copy of everything recorded so far.
func (r *TraceRecorder) Traces() []hookz.Trace {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]hookz.Trace, len(r.traces))
	copy(out, r.traces)
	return out
}

// WaitForTraces waits until at least expected traces were recorded.
func (r *TraceRecorder) WaitForTraces(expected int, timeout time.Duration) []hookz.Trace {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if traces := r.Traces(); len(traces) >= expected {
			return traces
		}
		time.Sleep(5 * time.Millisecond)
	}
	traces := r.Traces()
	r.t.Errorf("Timeout waiting for traces: expected %d, got %d", expected, len(traces))
	return traces
}

// AssertTraceCount verifies the exact number of recorded traces.
func (r *TraceRecorder) AssertTraceCount(expected int) {
	if got := len(r.Traces()); got != expected {
		r.t.Errorf("Expected %d traces, got %d", expected, got)
	}
}

// SpanNamed finds a span by name across every recorded trace.
func (r *TraceRecorder) SpanNamed(name string) (hookz.SpanData, string, bool) {
	for _, tr := range r.Traces() {
		for _, s := range tr.Spans {
			if s.Name == name {
				return s, tr.TraceID, true
			}
		}
	}
	return hookz.SpanData{}, "", false
}

// AssertSpanNamed fails unless a span called name was recorded.
func (r *TraceRecorder) AssertSpanNamed(name string) hookz.SpanData {
	s, _, ok := r.SpanNamed(name)
	if !ok {
		r.t.Errorf("Span named '%s' not found", name)
	}
	return s
}

// AssertParentChild verifies both spans exist in one trace and are linked.
func (r *TraceRecorder) AssertParentChild(parentName, childName string) {
	parent, parentTrace, ok := r.SpanNamed(parentName)
	if !ok {
		r.t.Errorf("Parent span '%s' not found", parentName)
		return
	}
	child, childTrace, ok := r.SpanNamed(childName)
	if !ok {
		r.t.Errorf("Child span '%s' not found", childName)
		return
	}
	if parentTrace != childTrace {
		r.t.Errorf("Spans in different traces: parent=%s, child=%s", parentTrace, childTrace)
	}
	if child.ParentSpanID != parent.SpanID {
		r.t.Errorf("Wrong parent: expected %s, got %s", parent.SpanID, child.ParentSpanID)
	}
}

// InstalledModule lays out an installed module under root the way a module
// cache does and returns the path of one of its source files.
func InstalledModule(t *testing.T, root, path, version string) string {
	t.Helper()
	dir := filepath.Join(root, filepath.FromSlash(path)+"@v"+version)
	writeFile(t, filepath.Join(dir, "go.mod"), "module "+path+"\n\ngo 1.21\n")
	site := filepath.Join(dir, "client.go")
	writeFile(t, site, "package client\n")
	return site
}

// InstalledPackage writes a package.json manifest for name and returns a
// source file path inside it.
func InstalledPackage(t *testing.T, root, name, version string) string {
	t.Helper()
	dir := filepath.Join(root, "node_modules", filepath.FromSlash(name))
	writeFile(t, filepath.Join(dir, "package.json"), `{"name":"`+name+`","version":"`+version+`"}`)
	site := filepath.Join(dir, "lib", "index.js")
	writeFile(t, site, "")
	return site
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}
