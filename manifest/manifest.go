// Package manifest resolves the installed version of a module from the
// manifest nearest to the place it was loaded from.
package manifest

import (
	"os"
	"path/filepath"
	"reflect"
	"runtime"
	"strings"

	"github.com/cockroachdb/errors"
	"golang.org/x/mod/modfile"
	"golang.org/x/mod/module"
	"gopkg.in/yaml.v3"
)

var (
	// ErrNotFound is returned when no manifest for the module is reachable from the site.
	ErrNotFound = errors.New("manifest: not found")
	// ErrMalformed is returned when a manifest cannot be parsed.
	ErrMalformed = errors.New("manifest: malformed")
	// ErrNoVersion is returned when the matching manifest declares no version.
	ErrNoVersion = errors.New("manifest: no version")
)

// Record is the resolved identity of a loaded module.
type Record struct {
	Name    string
	Version string
	Dir     string
	Builtin bool
}

// Resolver finds the version of module name as loaded from site.
type Resolver interface {
	Resolve(name, site string) (*Record, error)
}

// DefaultFiles are the manifest file names FileResolver inspects, in order.
var DefaultFiles = []string{"go.mod", "package.json", "package.yaml"}

// FileResolver walks up from the load site to the nearest matching manifest.
type FileResolver struct {
	files []string
}

// NewFileResolver creates a resolver inspecting files in each directory.
// With no files, DefaultFiles are used.
func NewFileResolver(files ...string) *FileResolver {
	if len(files) == 0 {
		files = DefaultFiles
	}
	return &FileResolver{files: files}
}

// Resolve implements Resolver. An empty site means the module has no
// filesystem location and is reported as builtin.
func (r *FileResolver) Resolve(name, site string) (*Record, error) {
	if site == "" {
		return &Record{Name: name, Builtin: true}, nil
	}

	dir := site
	info, err := os.Stat(site)
	if err != nil {
		return nil, errors.Wrapf(err, "manifest: stat %s", site)
	}
	if !info.IsDir() {
		dir = filepath.Dir(site)
	}
	dir, err = filepath.Abs(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "manifest: resolve %s", dir)
	}

	for {
		rec, err := r.inspect(dir, name)
		if err != nil {
			return nil, err
		}
		if rec != nil {
			return rec, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return nil, errors.Wrapf(ErrNotFound, "%s from %s", name, site)
		}
		dir = parent
	}
}

// inspect checks the manifests in dir. It returns nil, nil when none of them
// belongs to name.
func (r *FileResolver) inspect(dir, name string) (*Record, error) {
	for _, file := range r.files {
		path := filepath.Join(dir, file)
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, errors.Wrapf(err, "manifest: read %s", path)
		}

		var rec *Record
		if file == "go.mod" {
			rec, err = goModRecord(dir, path, name, data)
		} else {
			rec, err = packageRecord(dir, path, name, data)
		}
		if err != nil || rec != nil {
			return rec, err
		}
	}
	return nil, nil
}

func goModRecord(dir, path, name string, data []byte) (*Record, error) {
	modPath := modfile.ModulePath(data)
	if modPath == "" {
		return nil, errors.Wrapf(ErrMalformed, "%s: missing module directive", path)
	}
	if name != modPath && !strings.HasPrefix(name, modPath+"/") && !isPackageRoot(dir, name) {
		return nil, nil
	}
	version, ok := cacheVersion(dir)
	if !ok {
		return nil, errors.Wrapf(ErrNoVersion, "%s is not a versioned module directory", dir)
	}
	return &Record{Name: modPath, Version: version, Dir: dir}, nil
}

type packageManifest struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

// packageRecord decodes JSON or YAML manifests; YAML is a superset of JSON.
func packageRecord(dir, path, name string, data []byte) (*Record, error) {
	var m packageManifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, errors.Wrapf(ErrMalformed, "%s: %v", path, err)
	}
	if m.Name != name && !isPackageRoot(dir, name) {
		return nil, nil
	}
	if m.Version == "" {
		return nil, errors.Wrapf(ErrNoVersion, "%s", path)
	}
	if m.Name == "" {
		m.Name = name
	}
	return &Record{Name: m.Name, Version: m.Version, Dir: dir}, nil
}

// isPackageRoot reports whether dir is the installation directory of name,
// either dir/…/name or a module cache directory dir/…/name@version.
func isPackageRoot(dir, name string) bool {
	slashed := filepath.ToSlash(dir)
	if i := strings.LastIndex(slashed, "@"); i > strings.LastIndex(slashed, "/") {
		slashed = slashed[:i]
	}
	for _, candidate := range []string{name, escaped(name)} {
		if slashed == candidate || strings.HasSuffix(slashed, "/"+candidate) {
			return true
		}
	}
	return false
}

func escaped(name string) string {
	if esc, err := module.EscapePath(name); err == nil {
		return esc
	}
	return name
}

// cacheVersion extracts the version from a module cache directory name.
func cacheVersion(dir string) (string, bool) {
	base := filepath.Base(dir)
	i := strings.LastIndex(base, "@")
	if i < 0 {
		return "", false
	}
	version, err := module.UnescapeVersion(base[i+1:])
	if err != nil || version == "" {
		return "", false
	}
	return version, true
}

// SiteOf returns the source file that defines fn, which for a function from a
// third-party module is a path inside that module's installation directory.
// Returns "" for non-functions and functions without file information.
func SiteOf(fn any) string {
	v := reflect.ValueOf(fn)
	if v.Kind() != reflect.Func || v.IsNil() {
		return ""
	}
	f := runtime.FuncForPC(v.Pointer())
	if f == nil {
		return ""
	}
	file, _ := f.FileLine(f.Entry())
	return file
}
