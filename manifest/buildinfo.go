package manifest

import (
	"runtime/debug"
	"strings"

	"github.com/cockroachdb/errors"
)

// IsStandard reports whether path is a standard library import path.
// Like the go command, it treats paths whose first element has no dot as
// standard library.
func IsStandard(path string) bool {
	first, _, _ := strings.Cut(path, "/")
	return first != "" && !strings.Contains(first, ".")
}

// BuildInfoResolver resolves module versions from the running binary's build
// information. The site is ignored: a Go binary links exactly one version of
// each module.
type BuildInfoResolver struct {
	read func() (*debug.BuildInfo, bool)
}

// NewBuildInfoResolver creates a resolver backed by debug.ReadBuildInfo.
func NewBuildInfoResolver() *BuildInfoResolver {
	return &BuildInfoResolver{read: debug.ReadBuildInfo}
}

// Resolve implements Resolver.
func (r *BuildInfoResolver) Resolve(name, _ string) (*Record, error) {
	if IsStandard(name) {
		return &Record{Name: name, Builtin: true}, nil
	}
	info, ok := r.read()
	if !ok || info == nil {
		return nil, errors.Wrap(ErrNotFound, "build info unavailable")
	}

	var best *debug.Module
	for _, dep := range info.Deps {
		mod := dep
		if mod.Replace != nil {
			mod = &debug.Module{Path: dep.Path, Version: dep.Replace.Version}
		}
		if name != mod.Path && !strings.HasPrefix(name, mod.Path+"/") {
			continue
		}
		if best == nil || len(mod.Path) > len(best.Path) {
			best = mod
		}
	}
	if best == nil {
		return nil, errors.Wrapf(ErrNotFound, "%s not in build info", name)
	}
	if best.Version == "" || best.Version == "(devel)" {
		return nil, errors.Wrapf(ErrNoVersion, "%s", best.Path)
	}
	return &Record{Name: best.Path, Version: best.Version}, nil
}

type chain []Resolver

// Chain returns a resolver that asks each resolver in turn and returns the
// first record found. When every resolver fails, their errors are combined.
func Chain(resolvers ...Resolver) Resolver {
	return chain(resolvers)
}

func (c chain) Resolve(name, site string) (*Record, error) {
	var errs error
	for _, r := range c {
		rec, err := r.Resolve(name, site)
		if err != nil {
			errs = errors.CombineErrors(errs, err)
			continue
		}
		if rec != nil {
			return rec, nil
		}
	}
	if errs == nil {
		errs = errors.Wrapf(ErrNotFound, "%s", name)
	}
	return nil, errs
}

type auto struct {
	files *FileResolver
	build *BuildInfoResolver
}

// Auto returns a resolver that walks the filesystem when a load site is known
// and falls back to build information when it is not.
func Auto() Resolver {
	return auto{files: NewFileResolver(), build: NewBuildInfoResolver()}
}

func (a auto) Resolve(name, site string) (*Record, error) {
	if site != "" {
		return a.files.Resolve(name, site)
	}
	return a.build.Resolve(name, site)
}
