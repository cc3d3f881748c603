package hookz

import (
	"bytes"
	"context"
	"encoding/json"
	"sync"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"
)

// Label is one key/value pair attached to a span.
type Label struct {
	Key   string
	Value string
}

// Labels is an insertion-ordered string mapping.
// Overwriting a key keeps its original position.
type Labels struct {
	index map[string]int
	items []Label
}

// Set adds or overwrites key.
func (l *Labels) Set(key, value string) {
	if l.index == nil {
		l.index = make(map[string]int)
	}
	if i, ok := l.index[key]; ok {
		l.items[i].Value = value
		return
	}
	l.index[key] = len(l.items)
	l.items = append(l.items, Label{Key: key, Value: value})
}

// Get returns the value of key.
func (l Labels) Get(key string) (string, bool) {
	i, ok := l.index[key]
	if !ok {
		return "", false
	}
	return l.items[i].Value, true
}

// Len returns the number of labels.
func (l Labels) Len() int {
	return len(l.items)
}

// All returns the labels in insertion order.
func (l Labels) All() []Label {
	out := make([]Label, len(l.items))
	copy(out, l.items)
	return out
}

// Map returns the labels as a plain map.
func (l Labels) Map() map[string]string {
	m := make(map[string]string, len(l.items))
	for _, item := range l.items {
		m[item.Key] = item.Value
	}
	return m
}

// Clone returns an independent copy.
func (l Labels) Clone() Labels {
	if len(l.items) == 0 {
		return Labels{}
	}
	c := Labels{
		index: make(map[string]int, len(l.index)),
		items: make([]Label, len(l.items)),
	}
	copy(c.items, l.items)
	for k, v := range l.index {
		c.index[k] = v
	}
	return c
}

// MarshalJSON encodes the labels as a JSON object in insertion order.
func (l Labels) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, item := range l.items {
		if i > 0 {
			buf.WriteByte(',')
		}
		k, err := json.Marshal(item.Key)
		if err != nil {
			return nil, err
		}
		v, err := json.Marshal(item.Value)
		if err != nil {
			return nil, err
		}
		buf.Write(k)
		buf.WriteByte(':')
		buf.Write(v)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// SpanContext identifies a span within its trace.
type SpanContext struct {
	TraceID      string
	SpanID       string
	ParentSpanID string
	IsRoot       bool
}

// SpanData is the recorded state of a span.
//
//nolint:govet // Field order follows the export shape
type SpanData struct {
	Labels       Labels
	StartTime    time.Time
	EndTime      time.Time
	Name         string
	SpanID       string
	ParentSpanID string
}

// Duration returns how long the span was open. Zero while open.
func (d SpanData) Duration() time.Duration {
	if d.EndTime.IsZero() {
		return 0
	}
	return d.EndTime.Sub(d.StartTime)
}

func (d SpanData) clone() SpanData {
	d.Labels = d.Labels.Clone()
	return d
}

// SpanOptions configures a child span.
type SpanOptions struct {
	Name string
	// SkipFrames drops that many extra caller frames from the recorded
	// stack trace, for integrations that create spans from helpers.
	SkipFrames int
}

// Span is a handle to an open or closed span.
// Safe for concurrent use by multiple goroutines. A nil *Span and the no-op
// span returned without an active context accept every call silently.
type Span struct {
	data   SpanData
	sc     SpanContext
	trace  *traceState
	tracer *Tracer
	mu     sync.Mutex
	closed bool
}

var noopSpan = &Span{}

func (s *Span) isNoop() bool {
	return s == nil || s.tracer == nil
}

// IsNoop reports whether the span records nothing.
func (s *Span) IsNoop() bool {
	return s.isNoop()
}

// AddLabel adds or overwrites a label. Labels on a closed span are ignored.
func (s *Span) AddLabel(key, value string) {
	if s.isNoop() {
		return
	}
	if limit := s.tracer.config.MaxLabelValueSize; limit > 3 && len(value) > limit {
		value = truncate(value, limit-3) + "..."
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		s.tracer.logger.Debug("label added to closed span",
			zap.String("span", s.data.Name),
			zap.String("label", key),
		)
		return
	}
	s.data.Labels.Set(key, value)
}

// truncate cuts value to at most n bytes without splitting a rune.
func truncate(value string, n int) string {
	for n > 0 && !utf8.RuneStart(value[n]) {
		n--
	}
	return value[:n]
}

// Label returns the current value of a label.
func (s *Span) Label(key string) (string, bool) {
	if s.isNoop() {
		return "", false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.Labels.Get(key)
}

// EndSpan closes the span. A root span completes its trace. Closing twice
// is logged and otherwise ignored.
func (s *Span) EndSpan() {
	if s.isNoop() {
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.tracer.logger.Debug("span closed twice",
			zap.String("span", s.data.Name),
			zap.String("trace", s.sc.TraceID),
		)
		return
	}
	s.closed = true
	s.data.EndTime = s.tracer.clock.Now()
	data := s.data.clone()
	s.mu.Unlock()

	if s.sc.IsRoot {
		s.tracer.completeTrace(s.trace.complete(data))
		return
	}
	if !s.trace.finishChild(data) {
		s.tracer.lateSpan(s.sc, data)
	}
}

// Closed reports whether EndSpan has been called.
func (s *Span) Closed() bool {
	if s.isNoop() {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Name returns the span name.
func (s *Span) Name() string {
	if s.isNoop() {
		return ""
	}
	return s.data.Name
}

// TraceID returns the trace id, or "" for a no-op span.
func (s *Span) TraceID() string {
	if s.isNoop() {
		return ""
	}
	return s.sc.TraceID
}

// SpanID returns the span id, or "" for a no-op span.
func (s *Span) SpanID() string {
	if s.isNoop() {
		return ""
	}
	return s.sc.SpanID
}

// SpanContext returns the span's identity.
func (s *Span) SpanContext() SpanContext {
	if s.isNoop() {
		return SpanContext{}
	}
	return s.sc
}

// IsRoot reports whether the span is the root of its trace.
func (s *Span) IsRoot() bool {
	if s.isNoop() {
		return false
	}
	return s.sc.IsRoot
}

// Data returns a snapshot of the span's recorded state.
func (s *Span) Data() SpanData {
	if s.isNoop() {
		return SpanData{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.clone()
}

// Context returns parent with this span installed as the active span.
// A no-op span returns parent unchanged.
func (s *Span) Context(parent context.Context) context.Context {
	if parent == nil {
		parent = context.Background()
	}
	if s.isNoop() {
		return parent
	}
	return ContextWithSpan(parent, s)
}

// traceState accumulates the spans of one trace until its root closes.
type traceState struct {
	root     *Span
	id       string
	children []SpanData
	mu       sync.Mutex
	done     bool
}

// finishChild records a closed child. Returns false when the trace was
// already complete.
func (ts *traceState) finishChild(data SpanData) bool {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	if ts.done {
		return false
	}
	ts.children = append(ts.children, data)
	return true
}

// complete assembles the trace: root first, then children in closing order.
func (ts *traceState) complete(root SpanData) Trace {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	ts.done = true
	spans := make([]SpanData, 0, len(ts.children)+1)
	spans = append(spans, root)
	spans = append(spans, ts.children...)
	ts.children = nil
	return Trace{TraceID: ts.id, Spans: spans}
}

func (ts *traceState) isComplete() bool {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return ts.done
}
