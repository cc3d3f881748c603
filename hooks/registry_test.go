package hooks

import (
	"errors"
	"sync"
	"testing"

	"github.com/zoobzio/hookz/manifest"
	"github.com/zoobzio/hookz/shim"
)

// versions resolves module names to fixed versions; unknown names fail.
type versions map[string]string

func (v versions) Resolve(name, site string) (*manifest.Record, error) {
	if site == "builtin" {
		return &manifest.Record{Name: name, Builtin: true}, nil
	}
	ver, ok := v[name]
	if !ok {
		return nil, manifest.ErrNotFound
	}
	return &manifest.Record{Name: name, Version: ver}, nil
}

type testAPI struct {
	tracker *shim.Tracker
	module  string
}

func newTestRegistry(res manifest.Resolver, opts ...Option) *Registry[*testAPI] {
	return NewRegistry(res, func(module string, tr *shim.Tracker) *testAPI {
		return &testAPI{module: module, tracker: tr}
	}, opts...)
}

type lib struct {
	table *shim.Table
	call  *shim.Method[func() string]
	state string
}

func newLib() *lib {
	table := shim.NewTable("lib")
	return &lib{
		table: table,
		call:  shim.Define(table, "Call", func() string { return "orig" }),
	}
}

func tagWith(tag string) func(func() string) func() string {
	return func(prev func() string) func() string {
		return func() string { return prev() + "+" + tag }
	}
}

func markSpec(versions, tag string) Spec[*testAPI] {
	return Spec[*testAPI]{
		Versions: versions,
		Patch: func(m any, api *testAPI) error {
			l := m.(*lib)
			l.state = tag
			return shim.Track(api.tracker, l.table, "Call", tagWith(tag))
		},
		Unpatch: func(m any) {
			m.(*lib).state = ""
		},
	}
}

func TestSelectFirstMatchWins(t *testing.T) {
	r := newTestRegistry(versions{})
	if err := r.Register("lib",
		markSpec(">2.3.x <2.6", "mid"),
		markSpec("<=2.3.x", "old"),
		markSpec("2.x", "any2"),
	); err != nil {
		t.Fatal(err)
	}

	cases := []struct {
		version string
		want    string
	}{
		{"2.1.0", "old"},
		{"2.3.9", "old"},
		{"2.4.0", "mid"},
		{"2.5.12", "mid"},
		{"2.6.0", "any2"},
		{"v2.7.1", "any2"},
		{"3.0.0", ""},
		{"not-a-version", ""},
	}
	for _, tc := range cases {
		spec, ok := r.Select("lib", "", tc.version)
		if tc.want == "" {
			if ok {
				t.Errorf("%s: expected no match, got %q", tc.version, spec.Versions)
			}
			continue
		}
		if !ok {
			t.Errorf("%s: expected a match", tc.version)
			continue
		}
		l := newLib()
		_ = spec.Patch(l, &testAPI{tracker: shim.NewTracker()})
		if l.state != tc.want {
			t.Errorf("%s: expected spec %q, got %q", tc.version, tc.want, l.state)
		}
	}
}

func TestRangeSemantics(t *testing.T) {
	cases := []struct {
		rng     string
		version string
		want    bool
	}{
		{"1.2 - 1.4.5", "1.3.0", true},
		{"1.2 - 1.4.5", "1.4.6", false},
		{">=1.2.0, <2", "1.9.9", true},
		{">=1.2.0 <2", "2.0.0", false},
		{"1.x", "1.11.0", true},
		{"1.x", "2.0.0", false},
		{"<1.0.0 || >=3", "3.1.0", true},
		{"<1.0.0 || >=3", "2.0.0", false},
		{">2.3.x", "2.3.5", false},
		{">2.3.x", "2.4.0", true},
		{"<=2.3.x", "2.3.99", true},
		{"", "0.0.1", true},
		{"*", "9.9.9", true},
	}
	for _, tc := range cases {
		r := newTestRegistry(versions{})
		if err := r.Register("m", markSpec(tc.rng, "x")); err != nil {
			t.Fatalf("%q: register failed: %v", tc.rng, err)
		}
		_, ok := r.Select("m", "", tc.version)
		if ok != tc.want {
			t.Errorf("%q contains %s: expected %v, got %v", tc.rng, tc.version, tc.want, ok)
		}
	}
}

func TestRegisterRejectsInvalid(t *testing.T) {
	r := newTestRegistry(versions{})

	if err := r.Register("m", markSpec("1.x", "ok"), markSpec("not a range!!", "bad")); err == nil {
		t.Error("Expected invalid range to be rejected")
	}
	if r.Tracked("m") {
		t.Error("Expected nothing registered after a rejected spec")
	}
	if err := r.Register("m", Spec[*testAPI]{Versions: "1.x"}); err == nil {
		t.Error("Expected spec without patch to be rejected")
	}
	if err := r.Register("", markSpec("1.x", "ok")); err == nil {
		t.Error("Expected empty module name to be rejected")
	}
}

func TestLoadPatchesMatchingVersion(t *testing.T) {
	var events []Event
	r := newTestRegistry(versions{"lib": "2.1.0"}, WithObserver(func(ev Event) {
		events = append(events, ev)
	}))
	_ = r.Register("lib", markSpec(">2.3.x <2.6", "mid"), markSpec("<=2.3.x", "old"))

	l := newLib()
	if !r.Load("lib", l, "/site") {
		t.Fatal("Expected module to be patched")
	}
	if l.state != "old" || l.call.Get()() != "orig+old" {
		t.Errorf("Expected old spec applied, state=%q call=%q", l.state, l.call.Get()())
	}
	if v, ok := r.Version(l); !ok || v != "2.1.0" {
		t.Errorf("Expected recorded version 2.1.0, got %q", v)
	}
	if len(events) != 1 || events[0].Outcome != OutcomePatched || events[0].Version != "2.1.0" {
		t.Errorf("Unexpected events %+v", events)
	}
}

func TestLoadUnmatchedVersionPassesThrough(t *testing.T) {
	r := newTestRegistry(versions{"lib": "2.7.0"})
	_ = r.Register("lib", markSpec(">2.3.x <2.6", "mid"), markSpec("<=2.3.x", "old"))

	l := newLib()
	if r.Load("lib", l, "/site") {
		t.Fatal("Expected module to stay unpatched")
	}
	if l.call.Get()() != "orig" || r.Patched(l) {
		t.Error("Expected pristine module")
	}
}

func TestLoadOutcomes(t *testing.T) {
	var last Event
	r := newTestRegistry(versions{"lib": "1.0.0"}, WithObserver(func(ev Event) { last = ev }))
	_ = r.Register("lib", markSpec("1.x", "one"))

	if r.Load("other", newLib(), "/site") {
		t.Error("Expected untracked module to pass through")
	}

	if r.Load("lib", newLib(), "builtin") || last.Outcome != OutcomeBuiltin {
		t.Errorf("Expected builtin outcome, got %s", last.Outcome)
	}

	r2 := newTestRegistry(versions{}, WithObserver(func(ev Event) { last = ev }))
	_ = r2.Register("lib", markSpec("1.x", "one"))
	if r2.Load("lib", newLib(), "/site") || last.Outcome != OutcomeUnresolved {
		t.Errorf("Expected unresolved outcome, got %s", last.Outcome)
	}
	if !errors.Is(last.Err, manifest.ErrNotFound) {
		t.Errorf("Expected resolver error to be reported, got %v", last.Err)
	}

	if r.Load("lib", []int{1}, "/site") || last.Outcome != OutcomeUntracked {
		t.Errorf("Expected untracked outcome for non-comparable module, got %s", last.Outcome)
	}
	if r.Load("lib", nil, "/site") {
		t.Error("Expected nil module to pass through")
	}
}

func TestLoadTwiceDoesNotDoubleWrap(t *testing.T) {
	r := newTestRegistry(versions{"lib": "1.0.0"})
	calls := 0
	_ = r.Register("lib", Spec[*testAPI]{
		Versions: "1.x",
		Patch: func(m any, api *testAPI) error {
			calls++
			return shim.Track(api.tracker, m.(*lib).table, "Call", tagWith("t"))
		},
	})

	l := newLib()
	r.Load("lib", l, "/site")
	if !r.Load("lib", l, "/site") {
		t.Error("Expected second load to report patched")
	}
	if calls != 1 {
		t.Errorf("Expected patch to run once, ran %d times", calls)
	}
	if l.table.Depth("Call") != 1 {
		t.Errorf("Expected depth 1, got %d", l.table.Depth("Call"))
	}
}

func TestPatchFailureRollsBack(t *testing.T) {
	var last Event
	r := newTestRegistry(versions{"lib": "1.0.0"}, WithObserver(func(ev Event) { last = ev }))
	_ = r.Register("lib", Spec[*testAPI]{
		Versions: "1.x",
		Patch: func(m any, api *testAPI) error {
			_ = shim.Track(api.tracker, m.(*lib).table, "Call", tagWith("partial"))
			return errors.New("plugin broke")
		},
	})

	l := newLib()
	if r.Load("lib", l, "/site") {
		t.Fatal("Expected failed patch to leave module unpatched")
	}
	if last.Outcome != OutcomeFailed {
		t.Errorf("Expected failed outcome, got %s", last.Outcome)
	}
	if l.call.Get()() != "orig" {
		t.Errorf("Expected partial wrap rolled back, got %q", l.call.Get()())
	}
}

func TestPatchPanicIsContained(t *testing.T) {
	r := newTestRegistry(versions{"lib": "1.0.0"})
	_ = r.Register("lib", Spec[*testAPI]{
		Versions: "1.x",
		Patch: func(any, *testAPI) error {
			panic("plugin exploded")
		},
	})

	l := newLib()
	if r.Load("lib", l, "/site") {
		t.Fatal("Expected panicking patch to leave module unpatched")
	}
	if l.call.Get()() != "orig" {
		t.Error("Expected module to keep working")
	}
}

func TestUnpatchReversesWraps(t *testing.T) {
	r := newTestRegistry(versions{"lib": "1.0.0"})
	_ = r.Register("lib", markSpec("1.x", "one"))

	l := newLib()
	if r.Unpatch(l) {
		t.Error("Expected Unpatch of never-patched module to be a no-op")
	}

	r.Load("lib", l, "/site")
	if !r.Unpatch(l) {
		t.Fatal("Expected Unpatch to report success")
	}
	if l.state != "" || l.call.Get()() != "orig" || l.table.IsWrapped("Call") {
		t.Errorf("Expected module fully restored, state=%q call=%q", l.state, l.call.Get()())
	}
	if r.Patched(l) {
		t.Error("Expected module no longer patched")
	}

	// Patching again after unpatch works.
	if !r.Load("lib", l, "/site") || l.call.Get()() != "orig+one" {
		t.Error("Expected re-patch to apply")
	}
}

func TestUnpatchAll(t *testing.T) {
	r := newTestRegistry(versions{"lib": "1.0.0"})
	_ = r.Register("lib", markSpec("1.x", "one"))

	libs := []*lib{newLib(), newLib(), newLib()}
	for _, l := range libs {
		r.Load("lib", l, "/site")
	}
	r.UnpatchAll()

	for i, l := range libs {
		if l.call.Get()() != "orig" || r.Patched(l) {
			t.Errorf("Lib %d not restored", i)
		}
	}
}

func TestFileSelection(t *testing.T) {
	r := newTestRegistry(versions{"github.com/acme/kv": "v1.4.0"})
	_ = r.Register("github.com/acme/kv",
		Spec[*testAPI]{Versions: "1.x", File: "client", Patch: markSpec("", "client").Patch},
		Spec[*testAPI]{Versions: "1.x", Patch: markSpec("", "root").Patch},
	)

	client := newLib()
	r.Load("github.com/acme/kv/client", client, "/site")
	if client.state != "client" {
		t.Errorf("Expected client spec, got %q", client.state)
	}

	root := newLib()
	r.Load("github.com/acme/kv", root, "/site")
	if root.state != "root" {
		t.Errorf("Expected root spec, got %q", root.state)
	}

	other := newLib()
	if r.Load("github.com/acme/kv/server", other, "/site") {
		t.Error("Expected no spec for unregistered file")
	}
	if r.Load("github.com/acme/kvstore", newLib(), "/site") {
		t.Error("Expected prefix without path boundary not to match")
	}
}

func TestConcurrentLoads(t *testing.T) {
	r := newTestRegistry(versions{"lib": "1.0.0"})
	_ = r.Register("lib", markSpec("1.x", "one"))

	l := newLib()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.Load("lib", l, "/site")
		}()
	}
	wg.Wait()

	if l.table.Depth("Call") != 1 {
		t.Errorf("Expected exactly one wrap layer, got %d", l.table.Depth("Call"))
	}
}
