// Package cls carries a logical task's active context across continuations.
//
// Go threads context.Context explicitly, so most code never needs this
// package: pass the ctx you were given. cls exists for the places where a
// callback is invoked later by something that does not know about your ctx,
// such as an event loop draining queued work or an event emitter firing
// listeners. Two tools cover those cases:
//
//   - Scope is the active-context cell of a single task runner. Run installs a
//     context for the duration of a call and restores the previous one after,
//     giving strict save/restore nesting.
//   - Bind, Go and WrapEmitter capture a context when a callback is registered
//     and hand it back when the callback finally runs.
//
// A Scope belongs to exactly one goroutine. Never share one across goroutines;
// capture a context with Bind or Go instead.
package cls

import "context"

// Scope holds the active context of one logical task runner.
// Scope is NOT safe for concurrent use.
type Scope struct {
	active context.Context
	depth  int
}

// NewScope creates a scope whose resting context is base.
// A nil base is replaced with context.Background().
func NewScope(base context.Context) *Scope {
	if base == nil {
		base = context.Background()
	}
	return &Scope{active: base}
}

// Active returns the context currently installed on the scope.
func (s *Scope) Active() context.Context {
	return s.active
}

// Depth returns how many Run calls are currently nested.
func (s *Scope) Depth() int {
	return s.depth
}

// Run installs ctx as active, calls fn, and restores the previously active
// context when fn returns or panics.
func (s *Scope) Run(ctx context.Context, fn func()) {
	if ctx == nil {
		ctx = s.active
	}
	saved := s.active
	s.active = ctx
	s.depth++
	defer func() {
		s.depth--
		s.active = saved
	}()
	fn()
}

// Wrap captures the active context now and returns a function that runs fn
// with that context installed.
func (s *Scope) Wrap(fn func()) func() {
	captured := s.active
	return func() {
		s.Run(captured, fn)
	}
}

// Bind is Wrap for single-argument callbacks. The callback also receives the
// captured context explicitly.
func Bind[T any](s *Scope, fn func(ctx context.Context, v T)) func(T) {
	captured := s.active
	return func(v T) {
		s.Run(captured, func() {
			fn(captured, v)
		})
	}
}

// BindResult is Bind for callbacks that produce a value.
func BindResult[T, R any](s *Scope, fn func(ctx context.Context, v T) R) func(T) R {
	captured := s.active
	return func(v T) R {
		var out R
		s.Run(captured, func() {
			out = fn(captured, v)
		})
		return out
	}
}

// Capture returns a continuation that calls fn with ctx, whenever and wherever
// it is eventually invoked.
func Capture(ctx context.Context, fn func(ctx context.Context)) func() {
	return func() {
		fn(ctx)
	}
}

// Go runs fn on a new goroutine with ctx.
func Go(ctx context.Context, fn func(ctx context.Context)) {
	go fn(ctx)
}
