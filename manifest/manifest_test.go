package manifest

import (
	"errors"
	"os"
	"path/filepath"
	"runtime/debug"
	"strings"
	"testing"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestResolvePackageJSON(t *testing.T) {
	root := t.TempDir()
	pkg := filepath.Join(root, "node_modules", "glob")
	writeFile(t, filepath.Join(pkg, "package.json"), `{"name": "glob", "version": "7.1.2"}`)
	writeFile(t, filepath.Join(pkg, "lib", "glob.js"), "")

	rec, err := NewFileResolver().Resolve("glob", filepath.Join(pkg, "lib", "glob.js"))
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if rec.Version != "7.1.2" || rec.Builtin {
		t.Errorf("Unexpected record %+v", rec)
	}
	if rec.Dir != pkg {
		t.Errorf("Expected dir %s, got %s", pkg, rec.Dir)
	}
}

func TestResolveScopedName(t *testing.T) {
	root := t.TempDir()
	pkg := filepath.Join(root, "node_modules", "@google", "cloud-diagnostics-common")
	writeFile(t, filepath.Join(pkg, "package.json"),
		`{"name": "@google/cloud-diagnostics-common", "version": "0.2.0"}`)

	rec, err := NewFileResolver().Resolve("@google/cloud-diagnostics-common", pkg)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if rec.Version != "0.2.0" {
		t.Errorf("Expected 0.2.0, got %s", rec.Version)
	}
}

func TestResolveBuiltin(t *testing.T) {
	rec, err := NewFileResolver().Resolve("http", "")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if !rec.Builtin || rec.Version != "" {
		t.Errorf("Expected builtin record, got %+v", rec)
	}
}

func TestResolveSkipsForeignManifests(t *testing.T) {
	root := t.TempDir()
	pkg := filepath.Join(root, "vendor", "redis")
	writeFile(t, filepath.Join(pkg, "package.json"), `{"name": "redis", "version": "2.4.0"}`)
	// A nested helper with its own manifest sits between the site and the package.
	helper := filepath.Join(pkg, "deps", "parser")
	writeFile(t, filepath.Join(helper, "package.json"), `{"name": "redis-parser", "version": "9.9.9"}`)

	rec, err := NewFileResolver().Resolve("redis", helper)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if rec.Version != "2.4.0" {
		t.Errorf("Expected 2.4.0, got %s", rec.Version)
	}
}

func TestResolveDuplicateInstalls(t *testing.T) {
	root := t.TempDir()
	a := filepath.Join(root, "app-a", "node_modules", "redis")
	b := filepath.Join(root, "app-b", "node_modules", "redis")
	writeFile(t, filepath.Join(a, "package.json"), `{"name": "redis", "version": "2.1.0"}`)
	writeFile(t, filepath.Join(b, "package.json"), `{"name": "redis", "version": "2.6.3"}`)

	r := NewFileResolver()
	recA, errA := r.Resolve("redis", a)
	recB, errB := r.Resolve("redis", b)
	if errA != nil || errB != nil {
		t.Fatalf("Resolve failed: %v / %v", errA, errB)
	}
	if recA.Version != "2.1.0" || recB.Version != "2.6.3" {
		t.Errorf("Expected independent versions, got %s and %s", recA.Version, recB.Version)
	}
}

func TestResolveGoModuleCache(t *testing.T) {
	root := t.TempDir()
	mod := filepath.Join(root, "pkg", "mod", "github.com", "!burnt!sushi", "toml@v1.2.1")
	writeFile(t, filepath.Join(mod, "go.mod"), "module github.com/BurntSushi/toml\n\ngo 1.16\n")
	writeFile(t, filepath.Join(mod, "internal", "tz.go"), "package internal\n")

	rec, err := NewFileResolver().Resolve("github.com/BurntSushi/toml/internal", filepath.Join(mod, "internal", "tz.go"))
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if rec.Name != "github.com/BurntSushi/toml" || rec.Version != "v1.2.1" {
		t.Errorf("Unexpected record %+v", rec)
	}
}

func TestResolveUnversionedGoModule(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "work", "go.mod"), "module example.com/work\n")

	_, err := NewFileResolver().Resolve("example.com/work", filepath.Join(root, "work"))
	if !errors.Is(err, ErrNoVersion) {
		t.Errorf("Expected ErrNoVersion, got %v", err)
	}
}

func TestResolveMalformed(t *testing.T) {
	root := t.TempDir()
	pkg := filepath.Join(root, "broken")
	writeFile(t, filepath.Join(pkg, "package.json"), `{"name": "broken", "version": [}`)

	_, err := NewFileResolver().Resolve("broken", pkg)
	if !errors.Is(err, ErrMalformed) {
		t.Errorf("Expected ErrMalformed, got %v", err)
	}
}

func TestResolveNotFound(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "nothing", "here")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}

	_, err := NewFileResolver("package.json").Resolve("ghost-module-that-does-not-exist", dir)
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestResolveMissingSite(t *testing.T) {
	_, err := NewFileResolver().Resolve("x", filepath.Join(t.TempDir(), "missing"))
	if err == nil {
		t.Error("Expected error for missing site")
	}
}

func TestResolveYAMLManifest(t *testing.T) {
	root := t.TempDir()
	pkg := filepath.Join(root, "plugins", "cache")
	writeFile(t, filepath.Join(pkg, "package.yaml"), "name: cache\nversion: 3.0.1\n")

	rec, err := NewFileResolver().Resolve("cache", pkg)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if rec.Version != "3.0.1" {
		t.Errorf("Expected 3.0.1, got %s", rec.Version)
	}
}

func TestIsStandard(t *testing.T) {
	cases := map[string]bool{
		"net/http":                 true,
		"fmt":                      true,
		"github.com/gorilla/mux":   false,
		"golang.org/x/mod/modfile": false,
		"":                         false,
	}
	for path, want := range cases {
		if got := IsStandard(path); got != want {
			t.Errorf("IsStandard(%q) = %v, want %v", path, got, want)
		}
	}
}

func TestBuildInfoResolver(t *testing.T) {
	r := &BuildInfoResolver{read: func() (*debug.BuildInfo, bool) {
		return &debug.BuildInfo{Deps: []*debug.Module{
			{Path: "github.com/gin-gonic/gin", Version: "v1.11.0"},
			{Path: "github.com/gin-gonic/gin/contrib", Version: "v0.3.0"},
			{Path: "github.com/gorilla/mux", Version: "v1.8.0", Replace: &debug.Module{Version: "v1.8.1"}},
		}}, true
	}}

	rec, err := r.Resolve("github.com/gin-gonic/gin/binding", "")
	if err != nil || rec.Version != "v1.11.0" {
		t.Errorf("Expected v1.11.0, got %+v (%v)", rec, err)
	}
	rec, err = r.Resolve("github.com/gin-gonic/gin/contrib/sse", "")
	if err != nil || rec.Version != "v0.3.0" {
		t.Errorf("Expected longest prefix match, got %+v (%v)", rec, err)
	}
	rec, err = r.Resolve("github.com/gorilla/mux", "")
	if err != nil || rec.Version != "v1.8.1" {
		t.Errorf("Expected replacement version, got %+v (%v)", rec, err)
	}
	rec, err = r.Resolve("net/http", "")
	if err != nil || !rec.Builtin {
		t.Errorf("Expected builtin, got %+v (%v)", rec, err)
	}
	if _, err := r.Resolve("github.com/unknown/mod", ""); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

type staticResolver struct {
	rec *Record
	err error
}

func (s staticResolver) Resolve(string, string) (*Record, error) {
	return s.rec, s.err
}

func TestChain(t *testing.T) {
	want := &Record{Name: "m", Version: "1.0.0"}
	r := Chain(staticResolver{err: ErrNotFound}, staticResolver{rec: want})

	rec, err := r.Resolve("m", "")
	if err != nil || rec != want {
		t.Errorf("Expected second resolver's record, got %+v (%v)", rec, err)
	}

	_, err = Chain(staticResolver{err: ErrMalformed}, staticResolver{}).Resolve("m", "")
	if !errors.Is(err, ErrMalformed) {
		t.Errorf("Expected combined error to match ErrMalformed, got %v", err)
	}

	_, err = Chain().Resolve("m", "")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound from empty chain, got %v", err)
	}
}

func TestSiteOf(t *testing.T) {
	site := SiteOf(NewFileResolver)
	if !strings.HasSuffix(filepath.ToSlash(site), "manifest/manifest.go") {
		t.Errorf("Expected manifest.go, got %q", site)
	}
	if SiteOf(42) != "" {
		t.Error("Expected empty site for non-function")
	}
	var nilFn func()
	if SiteOf(nilFn) != "" {
		t.Error("Expected empty site for nil function")
	}
}
