package hookz

import (
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
)

// TraceContextHeader carries trace identity between services as
// "TRACE_ID/SPAN_ID;o=OPTIONS".
const TraceContextHeader = "x-cloud-trace-context"

// ErrMalformedHeader is returned for unparseable trace-context headers.
var ErrMalformedHeader = errors.New("malformed trace context header")

// HeaderContext is the decoded trace-context header.
type HeaderContext struct {
	TraceID string
	SpanID  string
	// Options is the o= field. Bit 0 set means the caller traced the
	// request; -1 when the field was absent.
	Options int
}

// Suppressed reports whether the caller asked for the request not to be traced.
func (h HeaderContext) Suppressed() bool {
	return h.Options == 0
}

// ParseTraceContext decodes a trace-context header value.
func ParseTraceContext(value string) (HeaderContext, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return HeaderContext{}, errors.Wrap(ErrMalformedHeader, "empty")
	}

	hc := HeaderContext{Options: -1}
	ids, opts, hasOpts := strings.Cut(value, ";")
	traceID, spanID, _ := strings.Cut(ids, "/")
	if traceID == "" {
		return HeaderContext{}, errors.Wrapf(ErrMalformedHeader, "no trace id in %q", value)
	}
	hc.TraceID = traceID
	hc.SpanID = spanID

	if hasOpts {
		raw, ok := strings.CutPrefix(opts, "o=")
		if !ok {
			return HeaderContext{}, errors.Wrapf(ErrMalformedHeader, "bad options in %q", value)
		}
		n, err := strconv.Atoi(raw)
		if err != nil {
			return HeaderContext{}, errors.Wrapf(ErrMalformedHeader, "bad options in %q", value)
		}
		hc.Options = n
	}
	return hc, nil
}

// FormatTraceContext encodes a trace-context header value.
func FormatTraceContext(traceID, spanID string, options int) string {
	return traceID + "/" + spanID + ";o=" + strconv.Itoa(options)
}
