// Package hooks selects and applies version-specific patches to loaded modules.
//
// A plugin registers, per module name, an ordered list of Specs, each covering
// a semantic version range. When the host reports that it loaded a module,
// the registry resolves the installed version, picks the first Spec whose
// range contains it and runs that Spec's Patch. Anything that goes wrong on
// the way (unknown version, no matching range, a failing patch) leaves the
// module untouched: instrumentation degrades, the host keeps working.
package hooks

import (
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/Masterminds/semver/v3"
	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/zoobzio/hookz/manifest"
	"github.com/zoobzio/hookz/shim"
)

// Spec patches one version range of a module.
type Spec[A any] struct {
	// Versions is a semantic version range such as "1.x", ">2.3.x <2.6",
	// "1.2 - 1.4.5" or ">=1 <2 || >=4". Empty matches every version.
	Versions string
	// File selects the package within the module this Spec applies to.
	// Empty selects the module root.
	File string
	// Patch instruments module. Wraps made through api are undone
	// automatically on unpatch or when Patch fails.
	Patch func(module any, api A) error
	// Unpatch reverses anything Patch did outside of api wraps. Optional.
	Unpatch func(module any)

	constraint *semver.Constraints
}

// Matches reports whether version lies in the Spec's range.
func (s *Spec[A]) Matches(version string) bool {
	v, err := semver.NewVersion(version)
	if err != nil {
		return false
	}
	return s.constraint.Check(v)
}

// Outcome describes what happened to a module load.
type Outcome string

const (
	OutcomePatched    Outcome = "patched"
	OutcomeDuplicate  Outcome = "duplicate"
	OutcomeUnmatched  Outcome = "unmatched"
	OutcomeUnresolved Outcome = "unresolved"
	OutcomeBuiltin    Outcome = "builtin"
	OutcomeUntracked  Outcome = "untracked"
	OutcomeFailed     Outcome = "failed"
	OutcomeUnpatched  Outcome = "unpatched"
)

// Event reports the outcome of a load or unpatch.
type Event struct {
	Err     error
	Module  string
	File    string
	Version string
	Outcome Outcome
}

type options struct {
	logger   *zap.Logger
	observer func(Event)
}

// Option configures a Registry.
type Option func(*options)

// WithLogger sets the logger used for diagnostics.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithObserver registers a callback for every load and unpatch outcome.
func WithObserver(fn func(Event)) Option {
	return func(o *options) {
		o.observer = fn
	}
}

// APIFactory builds the capability object handed to Patch. Wraps made
// through the returned API must be recorded on tracker.
type APIFactory[A any] func(module string, tracker *shim.Tracker) A

type application[A any] struct {
	spec    *Spec[A]
	tracker *shim.Tracker
	record  *manifest.Record
	module  string
	file    string
}

// Registry maps module names to version-ranged Specs.
// Safe for concurrent use by multiple goroutines.
type Registry[A any] struct {
	resolver manifest.Resolver
	newAPI   APIFactory[A]
	specs    map[string][]*Spec[A]
	applied  map[any]*application[A]
	opts     options
	mu       sync.Mutex
}

// NewRegistry creates a registry resolving versions with resolver.
func NewRegistry[A any](resolver manifest.Resolver, newAPI APIFactory[A], opts ...Option) *Registry[A] {
	o := options{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}
	return &Registry[A]{
		resolver: resolver,
		newAPI:   newAPI,
		specs:    make(map[string][]*Spec[A]),
		applied:  make(map[any]*application[A]),
		opts:     o,
	}
}

// Register appends specs for module name. Ranges are compiled up front; if
// any is invalid nothing is registered.
func (r *Registry[A]) Register(name string, specs ...Spec[A]) error {
	if name == "" {
		return errors.New("hooks: empty module name")
	}
	compiled := make([]*Spec[A], 0, len(specs))
	for i := range specs {
		s := specs[i]
		if s.Patch == nil {
			return errors.Newf("hooks: spec %d for %s has no patch function", i, name)
		}
		rng := strings.TrimSpace(s.Versions)
		if rng == "" {
			rng = "*"
		}
		c, err := semver.NewConstraint(rng)
		if err != nil {
			return errors.Wrapf(err, "hooks: spec %d for %s: invalid range %q", i, name, s.Versions)
		}
		s.constraint = c
		compiled = append(compiled, &s)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.specs[name] = append(r.specs[name], compiled...)
	return nil
}

// Tracked reports whether any spec is registered for module name.
func (r *Registry[A]) Tracked(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.specs[name]) > 0
}

// Select returns the first spec registered for name and file whose range
// contains version.
func (r *Registry[A]) Select(name, file, version string) (*Spec[A], bool) {
	r.mu.Lock()
	specs := r.specs[name]
	r.mu.Unlock()

	v, err := semver.NewVersion(version)
	if err != nil {
		return nil, false
	}
	for _, s := range specs {
		if s.File == file && s.constraint.Check(v) {
			return s, true
		}
	}
	return nil, false
}

// split maps an import path onto the longest registered module name.
func (r *Registry[A]) split(importPath string) (name, file string, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for candidate := range r.specs {
		switch {
		case importPath == candidate:
		case strings.HasPrefix(importPath, candidate+"/"):
		default:
			continue
		}
		if len(candidate) > len(name) {
			name = candidate
		}
	}
	if name == "" {
		return "", "", false
	}
	return name, strings.TrimPrefix(strings.TrimPrefix(importPath, name), "/"), true
}

// Load reports that module was loaded from site under importPath and patches
// it when a spec matches its installed version. It returns true when module
// is patched after the call. Load never fails the host: every problem is
// logged and leaves the module unpatched.
func (r *Registry[A]) Load(importPath string, module any, site string) bool {
	name, file, ok := r.split(importPath)
	if !ok {
		return false
	}
	ev := Event{Module: name, File: file}

	if module == nil || !reflect.TypeOf(module).Comparable() {
		ev.Outcome = OutcomeUntracked
		ev.Err = errors.Newf("hooks: module value %T cannot be tracked", module)
		r.report(ev)
		return false
	}

	r.mu.Lock()
	if _, done := r.applied[module]; done {
		r.mu.Unlock()
		ev.Outcome = OutcomeDuplicate
		r.report(ev)
		return true
	}
	r.mu.Unlock()

	rec, err := r.resolver.Resolve(name, site)
	switch {
	case err != nil:
		ev.Outcome, ev.Err = OutcomeUnresolved, err
		r.report(ev)
		return false
	case rec == nil:
		ev.Outcome = OutcomeUnresolved
		r.report(ev)
		return false
	case rec.Builtin:
		ev.Outcome = OutcomeBuiltin
		r.report(ev)
		return false
	}
	ev.Version = rec.Version

	spec, ok := r.Select(name, file, rec.Version)
	if !ok {
		ev.Outcome = OutcomeUnmatched
		r.report(ev)
		return false
	}

	tracker := shim.NewTracker()
	if err := r.patch(spec, module, r.newAPI(name, tracker)); err != nil {
		tracker.UnwrapAll()
		ev.Outcome, ev.Err = OutcomeFailed, err
		r.report(ev)
		return false
	}

	r.mu.Lock()
	if _, done := r.applied[module]; done {
		// Lost a race with a concurrent Load of the same module.
		r.mu.Unlock()
		tracker.UnwrapAll()
		ev.Outcome = OutcomeDuplicate
		r.report(ev)
		return true
	}
	r.applied[module] = &application[A]{
		spec:    spec,
		tracker: tracker,
		record:  rec,
		module:  name,
		file:    file,
	}
	r.mu.Unlock()

	ev.Outcome = OutcomePatched
	r.report(ev)
	return true
}

// patch runs spec.Patch, converting a panic into an error.
func (r *Registry[A]) patch(spec *Spec[A], module any, api A) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = errors.Newf("hooks: patch panicked: %s", fmt.Sprint(p))
		}
	}()
	return spec.Patch(module, api)
}

// Patched reports whether module is currently patched.
func (r *Registry[A]) Patched(module any) bool {
	if module == nil || !reflect.TypeOf(module).Comparable() {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.applied[module]
	return ok
}

// Version returns the resolved version a patched module was patched for.
func (r *Registry[A]) Version(module any) (string, bool) {
	if module == nil || !reflect.TypeOf(module).Comparable() {
		return "", false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	app, ok := r.applied[module]
	if !ok {
		return "", false
	}
	return app.record.Version, true
}

// Unpatch reverses the patch applied to module. Safe to call for modules that
// were never patched; returns false in that case.
func (r *Registry[A]) Unpatch(module any) bool {
	if module == nil || !reflect.TypeOf(module).Comparable() {
		return false
	}
	r.mu.Lock()
	app, ok := r.applied[module]
	delete(r.applied, module)
	r.mu.Unlock()
	if !ok {
		return false
	}
	r.unpatch(module, app)
	return true
}

// UnpatchAll reverses every applied patch.
func (r *Registry[A]) UnpatchAll() {
	r.mu.Lock()
	applied := r.applied
	r.applied = make(map[any]*application[A])
	r.mu.Unlock()

	for module, app := range applied {
		r.unpatch(module, app)
	}
}

func (r *Registry[A]) unpatch(module any, app *application[A]) {
	ev := Event{
		Module:  app.module,
		File:    app.file,
		Version: app.record.Version,
		Outcome: OutcomeUnpatched,
	}
	if app.spec.Unpatch != nil {
		func() {
			defer func() {
				if p := recover(); p != nil {
					ev.Err = errors.Newf("hooks: unpatch panicked: %s", fmt.Sprint(p))
				}
			}()
			app.spec.Unpatch(module)
		}()
	}
	app.tracker.UnwrapAll()
	r.report(ev)
}

func (r *Registry[A]) report(ev Event) {
	log := r.opts.logger.With(
		zap.String("module", ev.Module),
		zap.String("version", ev.Version),
		zap.String("outcome", string(ev.Outcome)),
	)
	if ev.File != "" {
		log = log.With(zap.String("file", ev.File))
	}
	switch {
	case ev.Outcome == OutcomeFailed || (ev.Err != nil && ev.Outcome != OutcomeUnresolved):
		log.Warn("instrumentation not applied", zap.Error(ev.Err))
	case ev.Outcome == OutcomeUnresolved:
		log.Info("module version unresolved, leaving unpatched", zap.Error(ev.Err))
	default:
		log.Debug("module load observed")
	}
	if r.opts.observer != nil {
		r.opts.observer(ev)
	}
}
