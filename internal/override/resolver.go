// Package override maps local crate checkouts to the package names they provide.
package override

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/mblsha/dxeforge/internal/manifest"
)

type InvalidPathError struct {
	Path   string
	Reason string
	Err    error
}

func (e *InvalidPathError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("invalid override path %q: %s: %v", e.Path, e.Reason, e.Err)
	}
	return fmt.Sprintf("invalid override path %q: %s", e.Path, e.Reason)
}

func (e *InvalidPathError) Unwrap() error { return e.Err }

type ConflictError struct {
	Name  string
	Paths []string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflicting overrides for package %q: %s", e.Name, strings.Join(e.Paths, ", "))
}

type Resolver struct {
	Logger *zap.Logger
}

func NewResolver(logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{Logger: logger}
}

// Resolve returns one override per path, in input order. Nothing is written; a
// failure for any path fails the whole set.
func (r *Resolver) Resolve(paths []string) ([]manifest.Override, error) {
	logger := r.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	out := make([]manifest.Override, 0, len(paths))
	byName := map[string]string{}
	for _, p := range paths {
		o, err := resolveOne(p)
		if err != nil {
			return nil, err
		}
		if prev, dup := byName[o.Name]; dup {
			return nil, &ConflictError{Name: o.Name, Paths: []string{prev, o.LocalPath}}
		}
		byName[o.Name] = o.LocalPath
		logger.Debug("resolved override", zap.String("package", o.Name), zap.String("path", o.LocalPath))
		out = append(out, o)
	}
	return out, nil
}

func resolveOne(p string) (manifest.Override, error) {
	if strings.TrimSpace(p) == "" {
		return manifest.Override{}, &InvalidPathError{Path: p, Reason: "path is empty"}
	}
	abs, err := filepath.Abs(p)
	if err != nil {
		return manifest.Override{}, &InvalidPathError{Path: p, Reason: "cannot make absolute", Err: err}
	}
	fi, err := os.Stat(abs)
	if err != nil {
		return manifest.Override{}, &InvalidPathError{Path: p, Reason: "cannot stat", Err: err}
	}
	if !fi.IsDir() {
		return manifest.Override{}, &InvalidPathError{Path: p, Reason: "expected directory"}
	}

	desc, err := manifest.ReadDescriptor(abs)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return manifest.Override{}, &InvalidPathError{Path: p, Reason: "no " + manifest.DescriptorName + " found"}
	case errors.Is(err, manifest.ErrNoPackage):
		return manifest.Override{}, &InvalidPathError{Path: p, Reason: "descriptor does not declare a single package", Err: err}
	case err != nil:
		return manifest.Override{}, &InvalidPathError{Path: p, Reason: "unreadable descriptor", Err: err}
	}
	return manifest.Override{Name: desc.Name, LocalPath: abs}, nil
}
