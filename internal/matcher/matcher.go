// Package matcher resolves a workspace root and include/exclude globs into the
// list of files eligible for a snapshot.
package matcher

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// ErrBadPattern is returned when an include or exclude glob cannot be parsed.
var ErrBadPattern = errors.New("bad glob pattern")

// Matcher holds a compiled set of include and exclude globs. Patterns use
// forward slashes, support "**" and match dotfiles like any other name.
type Matcher struct {
	include []string
	exclude []string
	// prefixes of exclude patterns shaped "dir/**", used to prune the walk
	prune []string
}

// New validates the patterns and returns a Matcher.
func New(include, exclude []string) (*Matcher, error) {
	m := &Matcher{}
	for _, p := range include {
		p = normalize(p)
		if !doublestar.ValidatePattern(p) {
			return nil, fmt.Errorf("%w: include %q", ErrBadPattern, p)
		}
		m.include = append(m.include, p)
	}
	for _, p := range exclude {
		p = normalize(p)
		if !doublestar.ValidatePattern(p) {
			return nil, fmt.Errorf("%w: exclude %q", ErrBadPattern, p)
		}
		m.exclude = append(m.exclude, p)
		if dir, ok := strings.CutSuffix(p, "/**"); ok && dir != "" {
			m.prune = append(m.prune, dir)
		}
	}
	return m, nil
}

// Match is a convenience wrapper around New and Walk.
func Match(root string, include, exclude []string) ([]string, error) {
	m, err := New(include, exclude)
	if err != nil {
		return nil, err
	}
	return m.Walk(root)
}

// Included reports whether rel matches at least one include pattern.
func (m *Matcher) Included(rel string) bool {
	for _, p := range m.include {
		if ok, _ := doublestar.Match(p, rel); ok {
			return true
		}
	}
	return false
}

// Excluded reports whether rel matches any exclude pattern.
func (m *Matcher) Excluded(rel string) bool {
	for _, p := range m.exclude {
		if ok, _ := doublestar.Match(p, rel); ok {
			return true
		}
	}
	return false
}

// ExcludesDir reports whether every path below the directory rel is excluded,
// so a walk can skip the directory entirely.
func (m *Matcher) ExcludesDir(rel string) bool {
	for _, dir := range m.prune {
		if ok, _ := doublestar.Match(dir, rel); ok {
			return true
		}
	}
	return false
}

// Walk returns the sorted, workspace-relative, slash-separated paths of every
// file under root that is included and not excluded. Unreadable directories
// below root are skipped; an unreadable root is an error.
func (m *Matcher) Walk(root string) ([]string, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("read workspace root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("read workspace root: %s is not a directory", root)
	}

	seen := make(map[string]struct{})
	var paths []string

	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == root {
				return err
			}
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if path == root {
			return nil
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			return nil
		}
		rel = filepath.ToSlash(rel)

		if d.IsDir() {
			if m.ExcludesDir(rel) {
				return fs.SkipDir
			}
			return nil
		}

		if !isFile(path, d) {
			return nil
		}
		if !m.Included(rel) || m.Excluded(rel) {
			return nil
		}
		if _, dup := seen[rel]; !dup {
			seen[rel] = struct{}{}
			paths = append(paths, rel)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("read workspace root: %w", err)
	}

	sort.Strings(paths)
	return paths, nil
}

// isFile accepts regular files and symlinks that resolve to regular files.
func isFile(path string, d fs.DirEntry) bool {
	if d.Type().IsRegular() {
		return true
	}
	if d.Type()&fs.ModeSymlink == 0 {
		return false
	}
	target, err := os.Stat(path)
	return err == nil && target.Mode().IsRegular()
}

func normalize(p string) string {
	p = filepath.ToSlash(p)
	return strings.TrimPrefix(p, "./")
}
