// Package shim provides reversible, composable interception of named methods.
//
// Libraries that want to be instrumentable route calls through a Table instead
// of calling their implementations directly:
//
//	var methods = shim.NewTable("kv")
//	var get = shim.Define(methods, "Get", getImpl)
//
//	func (c *Client) Get(key string) (string, error) {
//		return get.Get()(c, key)
//	}
//
// Instrumentation then layers decorators over the method with Wrap and removes
// them again with Unwrap, without the library knowing anything about tracing.
package shim

import (
	"reflect"
	"sort"
	"sync"

	"github.com/cockroachdb/errors"
)

var (
	// ErrNotDefined is returned when wrapping a method the table does not know.
	ErrNotDefined = errors.New("shim: method not defined")
	// ErrSignature is returned when the factory type does not match the method.
	ErrSignature = errors.New("shim: factory does not match method signature")
	// ErrAlreadyWrapped is returned when the same factory is already layered on the method.
	ErrAlreadyWrapped = errors.New("shim: method already wrapped by factory")
)

// layer is one wrapper installed over its predecessor.
type layer struct {
	build   func(prev any) any
	fn      any
	prev    any
	id      uint64
	factory uintptr
}

// record tracks the original function and the stack of wrappers over it.
type record struct {
	original any
	layers   []layer
}

func (r *record) current() any {
	if n := len(r.layers); n > 0 {
		return r.layers[n-1].fn
	}
	return r.original
}

// Table is a named set of interceptable methods.
// Safe for concurrent use by multiple goroutines.
type Table struct {
	methods map[string]*record
	name    string
	nextID  uint64
	mu      sync.RWMutex
}

// NewTable creates an empty table.
func NewTable(name string) *Table {
	return &Table{
		name:    name,
		methods: make(map[string]*record),
	}
}

// Name returns the table name.
func (t *Table) Name() string {
	return t.name
}

// Methods returns the defined method names in sorted order.
func (t *Table) Methods() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	names := make([]string, 0, len(t.methods))
	for name := range t.methods {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Depth returns how many wrappers are layered over the method.
func (t *Table) Depth(method string) int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if rec, ok := t.methods[method]; ok {
		return len(rec.layers)
	}
	return 0
}

// IsWrapped reports whether at least one wrapper is installed on the method.
func (t *Table) IsWrapped(method string) bool {
	return t.Depth(method) > 0
}

// Method is a typed handle to a table entry.
type Method[F any] struct {
	table *Table
	name  string
}

// Define registers fn as the unwrapped body of method.
// Defining a method twice keeps the first definition.
func Define[F any](t *Table, method string, fn F) *Method[F] {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.methods[method]; !ok {
		t.methods[method] = &record{original: fn}
	}
	return &Method[F]{table: t, name: method}
}

// Name returns the method name.
func (m *Method[F]) Name() string {
	return m.name
}

// Get returns the implementation callers should dispatch through.
func (m *Method[F]) Get() F {
	fn, _ := Current[F](m.table, m.name)
	return fn
}

// Current returns the outermost implementation of method.
func Current[F any](t *Table, method string) (F, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var zero F
	rec, ok := t.methods[method]
	if !ok {
		return zero, false
	}
	fn, ok := rec.current().(F)
	return fn, ok
}

// Original returns the implementation registered with Define, ignoring wrappers.
func Original[F any](t *Table, method string) (F, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var zero F
	rec, ok := t.methods[method]
	if !ok {
		return zero, false
	}
	fn, ok := rec.original.(F)
	return fn, ok
}

// Wrap layers factory(current) over method.
// Wrapping with a factory already present on the method is a no-op that
// returns ErrAlreadyWrapped.
func Wrap[F any](t *Table, method string, factory func(F) F) error {
	_, err := wrap(t, method, factory)
	return err
}

func wrap[F any](t *Table, method string, factory func(F) F) (uint64, error) {
	if factory == nil {
		return 0, errors.Newf("shim: nil factory for %s.%s", t.name, method)
	}
	key := reflect.ValueOf(factory).Pointer()

	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.methods[method]
	if !ok {
		return 0, errors.Wrapf(ErrNotDefined, "%s.%s", t.name, method)
	}
	prev, ok := rec.current().(F)
	if !ok {
		return 0, errors.Wrapf(ErrSignature, "%s.%s", t.name, method)
	}
	for _, l := range rec.layers {
		if l.factory == key {
			return 0, errors.Wrapf(ErrAlreadyWrapped, "%s.%s", t.name, method)
		}
	}

	build := func(p any) any {
		return factory(p.(F))
	}
	t.nextID++
	rec.layers = append(rec.layers, layer{
		id:      t.nextID,
		factory: key,
		build:   build,
		prev:    prev,
		fn:      factory(prev),
	})
	return t.nextID, nil
}

// Unwrap removes the outermost wrapper, restoring its predecessor.
// Returns false when the method is not wrapped.
func Unwrap(t *Table, method string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.methods[method]
	if !ok || len(rec.layers) == 0 {
		return false
	}
	rec.layers = rec.layers[:len(rec.layers)-1]
	return true
}

// unwrapLayer removes a specific layer. Layers above it are rebuilt over the
// restored predecessor so their factories keep composing.
func (t *Table) unwrapLayer(method string, id uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.methods[method]
	if !ok {
		return false
	}
	idx := -1
	for i, l := range rec.layers {
		if l.id == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		return false
	}

	prev := rec.layers[idx].prev
	rest := append([]layer(nil), rec.layers[idx+1:]...)
	rec.layers = rec.layers[:idx]
	for _, l := range rest {
		l.prev = prev
		l.fn = l.build(prev)
		rec.layers = append(rec.layers, l)
		prev = l.fn
	}
	return true
}
