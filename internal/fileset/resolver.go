// Package fileset expands the glob patterns naming schema description files.
package fileset

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strings"
)

// Extensions lists the file extensions picked up when a pattern names a
// directory.
var Extensions = []string{".yaml", ".yml"}

// ErrNoPatterns indicates that Resolve was invoked without any pattern.
var ErrNoPatterns = errors.New("fileset: no patterns provided")

// PatternError reports a malformed glob pattern.
type PatternError struct {
	Pattern string
	Err     error
}

func (e PatternError) Error() string {
	return fmt.Sprintf("invalid glob pattern %q: %v", e.Pattern, e.Err)
}

func (e PatternError) Unwrap() error { return e.Err }

// NoMatchError lists the patterns that matched nothing.
type NoMatchError struct {
	Patterns []string
}

func (e NoMatchError) Error() string {
	return "patterns matched no files: " + strings.Join(e.Patterns, ", ")
}

// Resolver expands patterns against a file system and maps every match to
// the path callers should open.
type Resolver struct {
	fsys fs.FS
	join func(name string) string
}

// NewResolver resolves against fsys and returns match names unchanged.
func NewResolver(fsys fs.FS) Resolver {
	return Resolver{fsys: fsys, join: func(name string) string { return name }}
}

// NewOSResolver resolves relative to the directory base and returns absolute
// paths.
func NewOSResolver(base string) (Resolver, error) {
	abs, err := filepath.Abs(base)
	if err != nil {
		return Resolver{}, fmt.Errorf("resolve base %q: %w", base, err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return Resolver{}, fmt.Errorf("stat base %q: %w", abs, err)
	}
	if !info.IsDir() {
		return Resolver{}, fmt.Errorf("base %q is not a directory", abs)
	}
	return Resolver{
		fsys: os.DirFS(abs),
		join: func(name string) string { return filepath.Join(abs, filepath.FromSlash(name)) },
	}, nil
}

// Resolve expands each pattern and returns the sorted, de-duplicated list of
// files. A match that is a directory contributes the schema description
// files it directly contains. Every pattern must match at least one file.
func (r Resolver) Resolve(patterns []string) ([]string, error) {
	if r.fsys == nil {
		return nil, errors.New("fileset: resolver has no filesystem")
	}
	if len(patterns) == 0 {
		return nil, ErrNoPatterns
	}

	var (
		out     []string
		missing []string
	)
	for _, pattern := range patterns {
		matches, err := fs.Glob(r.fsys, filepath.ToSlash(pattern))
		if err != nil {
			return nil, PatternError{Pattern: pattern, Err: err}
		}
		found := 0
		for _, m := range matches {
			files, err := r.expand(m)
			if err != nil {
				return nil, err
			}
			for _, f := range files {
				out = append(out, r.join(f))
			}
			found += len(files)
		}
		if found == 0 {
			missing = append(missing, pattern)
		}
	}
	if len(missing) > 0 {
		return nil, NoMatchError{Patterns: missing}
	}
	slices.Sort(out)
	return slices.Compact(out), nil
}

func (r Resolver) expand(name string) ([]string, error) {
	info, err := fs.Stat(r.fsys, name)
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", name, err)
	}
	if !info.IsDir() {
		return []string{name}, nil
	}
	entries, err := fs.ReadDir(r.fsys, name)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", name, err)
	}
	var files []string
	for _, e := range entries {
		if !e.IsDir() && slices.Contains(Extensions, strings.ToLower(path.Ext(e.Name()))) {
			files = append(files, path.Join(name, e.Name()))
		}
	}
	return files, nil
}
