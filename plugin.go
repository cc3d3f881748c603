package hookz

import (
	"context"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/zoobzio/hookz/cls"
	"github.com/zoobzio/hookz/shim"
)

// API is the capability object a plugin's Patch receives. It is scoped to
// one application of one module: wraps made through it are undone when the
// module is unpatched or when Patch fails.
type API struct {
	tracer  *Tracer
	tracker *shim.Tracker
	module  string
}

// Module returns the name of the module being patched.
func (a *API) Module() string {
	return a.module
}

// RunInRootSpan starts a trace. See Tracer.RunInRootSpan.
func (a *API) RunInRootSpan(ctx context.Context, opts RootSpanOptions, fn func(ctx context.Context, root *Span)) {
	a.tracer.RunInRootSpan(ctx, opts, fn)
}

// CreateChildSpan starts a child of the active span. See Tracer.CreateChildSpan.
func (a *API) CreateChildSpan(ctx context.Context, opts SpanOptions) (context.Context, *Span) {
	return a.tracer.CreateChildSpan(ctx, opts)
}

// ActiveTransaction returns the root span of the trace active in ctx.
func (a *API) ActiveTransaction(ctx context.Context) *Span {
	return ActiveTransaction(ctx)
}

// WrapEmitter binds every listener later added to e to the context active
// when it was added.
func (a *API) WrapEmitter(scope *cls.Scope, e cls.Emitter) cls.Emitter {
	return cls.WrapEmitter(scope, e)
}

// Bind captures ctx for a callback that will run later without it.
func (a *API) Bind(ctx context.Context, fn func(ctx context.Context)) func() {
	return cls.Capture(ctx, fn)
}

// EnhancedReportingEnabled reports whether plugins may record command
// arguments and results.
func (a *API) EnhancedReportingEnabled() bool {
	return a.tracer.config.EnhancedDatabaseReporting
}

// Logger returns a logger tagged with the module name.
func (a *API) Logger() *zap.Logger {
	return a.tracer.logger.With(zap.String("module", a.module))
}

// Labels returns the conventional label keys.
func (a *API) Labels() LabelKeys {
	return DefaultLabelKeys()
}

// Wrap replaces method on table with factory(current) and records the wrap
// so it is reversed when the module is unpatched. Wrapping the same method
// twice with the same factory is a no-op.
func Wrap[F any](api *API, table *shim.Table, method string, factory func(F) F) error {
	if api == nil {
		return errors.New("hookz: nil api")
	}
	err := shim.Track(api.tracker, table, method, factory)
	if errors.Is(err, shim.ErrAlreadyWrapped) {
		api.Logger().Debug("method already wrapped", zap.String("method", method))
		return nil
	}
	return err
}

// Unwrap reverses a Wrap made through api.
func Unwrap(api *API, table *shim.Table, method string) bool {
	if api == nil {
		return false
	}
	return api.tracker.Untrack(table, method)
}
