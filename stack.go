package hookz

import (
	"encoding/json"
	"runtime"
	"strings"
)

type stackFrame struct {
	Function string `json:"method_name"`
	File     string `json:"file_name"`
	Line     int    `json:"line_number"`
}

// captureStack records up to limit caller frames. Frames inside the tracing
// core are never recorded; skip more frames above them are dropped too.
func captureStack(limit, skip int) string {
	if limit <= 0 {
		return ""
	}
	if skip < 0 {
		skip = 0
	}
	pcs := make([]uintptr, limit+skip+32)
	n := runtime.Callers(2, pcs)
	frames := runtime.CallersFrames(pcs[:n])

	out := make([]stackFrame, 0, limit)
	for len(out) < limit {
		f, more := frames.Next()
		if f.Function != "" && !internalFrame(f.Function) {
			if skip > 0 {
				skip--
			} else {
				out = append(out, stackFrame{Function: f.Function, File: f.File, Line: f.Line})
			}
		}
		if !more {
			break
		}
	}
	if len(out) == 0 {
		return ""
	}
	data, err := json.Marshal(struct {
		Frames []stackFrame `json:"stack_frame"`
	}{out})
	if err != nil {
		return ""
	}
	return string(data)
}

var internalPrefixes = []string{
	"github.com/zoobzio/hookz.(",
	"github.com/zoobzio/hookz.captureStack",
	"github.com/zoobzio/hookz/cls.",
	"github.com/zoobzio/hookz/shim.",
	"github.com/zoobzio/hookz/hooks.",
}

func internalFrame(fn string) bool {
	for _, p := range internalPrefixes {
		if strings.HasPrefix(fn, p) {
			return true
		}
	}
	return false
}
