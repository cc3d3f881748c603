package hookz

import (
	"encoding/json"
	"time"
)

// Trace is a completed trace: its root span first, then the child spans in
// the order they closed.
type Trace struct {
	TraceID string
	Spans   []SpanData
}

// Root returns the root span data.
func (t Trace) Root() (SpanData, bool) {
	if len(t.Spans) == 0 {
		return SpanData{}, false
	}
	return t.Spans[0], true
}

func (t Trace) clone() Trace {
	spans := make([]SpanData, len(t.Spans))
	for i := range t.Spans {
		spans[i] = t.Spans[i].clone()
	}
	return Trace{TraceID: t.TraceID, Spans: spans}
}

type exportSpan struct {
	Labels       Labels    `json:"labels"`
	StartTime    time.Time `json:"startTime"`
	EndTime      time.Time `json:"endTime"`
	ParentSpanID *string   `json:"parentSpanId"`
	Name         string    `json:"name"`
	SpanID       string    `json:"spanId"`
}

type exportTrace struct {
	TraceID string       `json:"traceId"`
	Spans   []exportSpan `json:"spans"`
}

// MarshalJSON encodes the trace in its export shape:
//
//	{"traceId": "...", "spans": [{"name", "spanId", "parentSpanId", "startTime", "endTime", "labels"}]}
//
// parentSpanId is null for a root span without a remote parent.
func (t Trace) MarshalJSON() ([]byte, error) {
	out := exportTrace{
		TraceID: t.TraceID,
		Spans:   make([]exportSpan, len(t.Spans)),
	}
	for i, s := range t.Spans {
		es := exportSpan{
			Name:      s.Name,
			SpanID:    s.SpanID,
			StartTime: s.StartTime,
			EndTime:   s.EndTime,
			Labels:    s.Labels,
		}
		if s.ParentSpanID != "" {
			parent := s.ParentSpanID
			es.ParentSpanID = &parent
		}
		out.Spans[i] = es
	}
	return json.Marshal(out)
}
