// Package hookz is the instrumentation core of a distributed tracing agent.
//
// hookz attaches tracing to third-party modules without changing their
// source, keyed to the exact version installed, and keeps track of which
// span is current as work hops across callbacks, goroutines and event
// emitters.
//
// Core Components:
//   - Tracer: Owns span lifecycle, trace buffering and the patch registry.
//   - Span: A handle to one unit of work. Root spans start traces.
//   - Buffer: Holds completed traces until a transport drains them.
//   - API: The capability object plugins receive when patching a module.
//
// Supporting packages:
//   - shim: Reversible wrapping of named methods.
//   - hooks: Version-ranged patch selection.
//   - manifest: Installed version resolution.
//   - cls: Context capture for callbacks and event emitters.
//
// Basic Usage:
//
//	tracer := hookz.New()
//	defer tracer.Close()
//
//	tracer.RunInRootSpan(ctx, hookz.RootSpanOptions{Name: "checkout"}, func(ctx context.Context, root *hookz.Span) {
//		defer root.EndSpan()
//
//		ctx, span := tracer.CreateChildSpan(ctx, hookz.SpanOptions{Name: "db-query"})
//		span.AddLabel("command", "GET")
//		span.EndSpan()
//	})
//
//	traces := tracer.Buffer().Drain()
//
// Instrumenting a module:
//
//	tracer.Register("github.com/acme/kv", hookz.PatchSpec{
//		Versions: "1.x",
//		Patch: func(module any, api *hookz.API) error {
//			client := module.(*kv.Client)
//			return hookz.Wrap(api, client.Methods(), "Get", wrapGet(api))
//		},
//	})
//	client := kv.New()
//	tracer.Load("github.com/acme/kv", client, manifest.SiteOf(kv.New))
//
// Thread Safety:
//
// Tracer, Span and Buffer are safe for concurrent use by multiple goroutines.
//
// Tracing never changes the behavior of the traced program. Operations on a
// nil or no-op span are silent, a span closed twice is logged and ignored,
// and a failing plugin leaves its module unpatched.
package hookz

// Conventional label keys shared by integrations.
const (
	LabelHTTPMethod     = "/http/method"
	LabelHTTPURL        = "/http/url"
	LabelHTTPStatusCode = "/http/status_code"
	LabelHTTPSourceIP   = "/http/source/ip"
	LabelStackTrace     = "/stacktrace"
	LabelError          = "/error"
)

// LabelKeys groups the conventional label keys for plugins.
type LabelKeys struct {
	HTTPMethod     string
	HTTPURL        string
	HTTPStatusCode string
	HTTPSourceIP   string
	StackTrace     string
	Error          string
}

// DefaultLabelKeys returns the conventional label keys.
func DefaultLabelKeys() LabelKeys {
	return LabelKeys{
		HTTPMethod:     LabelHTTPMethod,
		HTTPURL:        LabelHTTPURL,
		HTTPStatusCode: LabelHTTPStatusCode,
		HTTPSourceIP:   LabelHTTPSourceIP,
		StackTrace:     LabelStackTrace,
		Error:          LabelError,
	}
}
