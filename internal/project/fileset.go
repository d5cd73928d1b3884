package project

import (
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"
)

// FileSet maps slash-separated relative paths to file contents. It is
// the unit of exchange between the provider, the runner, and the store.
type FileSet map[string]string

// Path validation errors.
var (
	// ErrEmptyPath indicates an empty file path.
	ErrEmptyPath = errors.New("file path cannot be empty")

	// ErrAbsolutePath indicates an absolute path where a relative one
	// is required.
	ErrAbsolutePath = errors.New("absolute file path not allowed")

	// ErrPathTraversal indicates the path escapes the project root.
	ErrPathTraversal = errors.New("file path contains directory traversal")
)

// ValidateFilePath checks that p is a clean, relative, slash-separated
// path that stays inside the project root. Generated file sets are
// untrusted input: the provider may emit anything.
func ValidateFilePath(p string) error {
	if p == "" {
		return ErrEmptyPath
	}
	if strings.HasPrefix(p, "/") || strings.Contains(p, `\`) {
		return fmt.Errorf("%w: %q", ErrAbsolutePath, p)
	}
	clean := path.Clean(p)
	if clean == "." || clean == ".." || strings.HasPrefix(clean, "../") {
		return fmt.Errorf("%w: %q", ErrPathTraversal, p)
	}
	for _, seg := range strings.Split(clean, "/") {
		if seg == ".." {
			return fmt.Errorf("%w: %q", ErrPathTraversal, p)
		}
	}
	return nil
}

// Validate checks every path in the set.
func (fs FileSet) Validate() error {
	for p := range fs {
		if err := ValidateFilePath(p); err != nil {
			return fmt.Errorf("%w: %v", ErrValidation, err)
		}
	}
	return nil
}

// Clone returns an independent copy of the set.
func (fs FileSet) Clone() FileSet {
	if fs == nil {
		return nil
	}
	out := make(FileSet, len(fs))
	for p, c := range fs {
		out[p] = c
	}
	return out
}

// Paths returns the sorted paths of the set.
func (fs FileSet) Paths() []string {
	paths := make([]string, 0, len(fs))
	for p := range fs {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// Overlay returns a new set containing fs with other written on top;
// paths present in both resolve to other's content.
func (fs FileSet) Overlay(other FileSet) FileSet {
	out := fs.Clone()
	if out == nil {
		out = make(FileSet, len(other))
	}
	for p, c := range other {
		out[p] = c
	}
	return out
}
