package cls

import (
	"context"
	"sync"
)

// Listener handles an event. ctx is the context the emitter hands to the
// listener: the emit-time context for a plain emitter, the registration-time
// context for a wrapped one.
type Listener func(ctx context.Context, args ...any)

// ListenerID identifies a registered listener.
type ListenerID uint64

// Emitter dispatches named events to registered listeners.
type Emitter interface {
	On(ctx context.Context, event string, fn Listener) ListenerID
	Once(ctx context.Context, event string, fn Listener) ListenerID
	Off(event string, id ListenerID) bool
	Emit(ctx context.Context, event string, args ...any) bool
	ListenerCount(event string) int
}

type entry struct {
	fn   Listener
	id   ListenerID
	once bool
}

// EventEmitter is a basic Emitter.
// Safe for concurrent use by multiple goroutines.
type EventEmitter struct {
	listeners map[string][]entry
	nextID    ListenerID
	mu        sync.Mutex
}

// NewEventEmitter creates an emitter with no listeners.
func NewEventEmitter() *EventEmitter {
	return &EventEmitter{listeners: make(map[string][]entry)}
}

// On registers fn for event.
func (e *EventEmitter) On(_ context.Context, event string, fn Listener) ListenerID {
	return e.add(event, fn, false)
}

// Once registers fn for the next occurrence of event only.
func (e *EventEmitter) Once(_ context.Context, event string, fn Listener) ListenerID {
	return e.add(event, fn, true)
}

func (e *EventEmitter) add(event string, fn Listener, once bool) ListenerID {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.nextID++
	e.listeners[event] = append(e.listeners[event], entry{id: e.nextID, fn: fn, once: once})
	return e.nextID
}

// Off removes a listener. Returns false when id is not registered for event.
func (e *EventEmitter) Off(event string, id ListenerID) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	list := e.listeners[event]
	for i, l := range list {
		if l.id == id {
			e.listeners[event] = append(list[:i:i], list[i+1:]...)
			return true
		}
	}
	return false
}

// Emit calls every listener of event in registration order with ctx.
// Returns false when event has no listeners.
func (e *EventEmitter) Emit(ctx context.Context, event string, args ...any) bool {
	e.mu.Lock()
	list := e.listeners[event]
	if len(list) == 0 {
		e.mu.Unlock()
		return false
	}
	snapshot := make([]entry, len(list))
	copy(snapshot, list)

	kept := list[:0:0]
	for _, l := range list {
		if !l.once {
			kept = append(kept, l)
		}
	}
	e.listeners[event] = kept
	e.mu.Unlock()

	for _, l := range snapshot {
		l.fn(ctx, args...)
	}
	return true
}

// ListenerCount returns the number of listeners registered for event.
func (e *EventEmitter) ListenerCount(event string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.listeners[event])
}

// boundEmitter stores each listener together with its registration context.
type boundEmitter struct {
	Emitter
	scope *Scope
}

// WrapEmitter returns an emitter whose listeners run with the context that was
// active when they were registered, no matter which context is active when
// the event fires. When scope is not nil the registration context is also
// installed on it for the duration of the listener and the firing context is
// restored afterwards. A nil registration context falls back to the scope's
// active context.
//
// Wrapping an already wrapped emitter returns it unchanged.
func WrapEmitter(scope *Scope, e Emitter) Emitter {
	if e == nil {
		return nil
	}
	if b, ok := e.(*boundEmitter); ok {
		return b
	}
	return &boundEmitter{Emitter: e, scope: scope}
}

// Unwrap returns the emitter underneath a WrapEmitter result, or e itself.
func Unwrap(e Emitter) Emitter {
	if b, ok := e.(*boundEmitter); ok {
		return b.Emitter
	}
	return e
}

func (b *boundEmitter) On(ctx context.Context, event string, fn Listener) ListenerID {
	return b.Emitter.On(ctx, event, b.bind(ctx, fn))
}

func (b *boundEmitter) Once(ctx context.Context, event string, fn Listener) ListenerID {
	return b.Emitter.Once(ctx, event, b.bind(ctx, fn))
}

func (b *boundEmitter) bind(ctx context.Context, fn Listener) Listener {
	if ctx == nil {
		if b.scope != nil {
			ctx = b.scope.Active()
		} else {
			ctx = context.Background()
		}
	}
	captured := ctx
	return func(_ context.Context, args ...any) {
		if b.scope == nil {
			fn(captured, args...)
			return
		}
		b.scope.Run(captured, func() {
			fn(captured, args...)
		})
	}
}
