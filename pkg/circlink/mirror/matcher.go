package mirror

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/charlievieth/fastwalk"

	"github.com/jamesainslie/circlink/pkg/circlink/types"
)

// Matcher expands a link's read path into the regular files it covers.
//
//   - A plain file matches itself.
//   - A plain directory matches every regular file beneath it.
//   - A pattern matches files in its directory, or with recursive, files whose
//     name matches the pattern's last element at any depth below it.
//
// A read path that does not exist yet matches nothing. Walks never enter the
// link's own write path and never match in-flight copies.
type Matcher struct {
	path      string
	recursive bool
	exclude   string
}

// NewMatcher returns the matcher for a record's read path.
func NewMatcher(rec *types.Record) *Matcher {
	exclude := ""
	if rec.WritePath != "" {
		exclude = filepath.Clean(rec.WritePath)
	}
	return &Matcher{path: rec.AbsReadPath(), recursive: rec.Recursive, exclude: exclude}
}

// Match returns the matched files as sorted absolute paths.
func (m *Matcher) Match() ([]string, error) {
	var (
		files []string
		err   error
	)
	switch {
	case !types.HasWildcard(m.path):
		files, err = m.matchLiteral()
	case m.recursive:
		files, err = m.matchRecursive()
	default:
		files, err = m.matchGlob()
	}
	if err != nil {
		return nil, err
	}
	sort.Strings(files)
	return files, nil
}

func (m *Matcher) matchLiteral() ([]string, error) {
	info, err := os.Stat(m.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	switch {
	case info.Mode().IsRegular():
		return []string{m.path}, nil
	case info.IsDir():
		return m.walk(m.path, func(string) bool { return true })
	default:
		return nil, nil
	}
}

func (m *Matcher) matchGlob() ([]string, error) {
	candidates, err := filepath.Glob(m.path)
	if err != nil {
		return nil, err
	}
	files := candidates[:0]
	for _, path := range candidates {
		if strings.HasSuffix(path, tempSuffix) {
			continue
		}
		if info, err := os.Stat(path); err == nil && info.Mode().IsRegular() {
			files = append(files, path)
		}
	}
	return files, nil
}

func (m *Matcher) matchRecursive() ([]string, error) {
	dir, pattern := filepath.Split(m.path)
	dir = filepath.Clean(dir)

	roots := []string{dir}
	if types.HasWildcard(dir) {
		var err error
		if roots, err = filepath.Glob(dir); err != nil {
			return nil, err
		}
	}
	if _, err := filepath.Match(pattern, ""); err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	var files []string
	for _, root := range roots {
		found, err := m.walk(root, func(name string) bool {
			ok, _ := filepath.Match(pattern, name)
			return ok
		})
		if err != nil {
			return nil, err
		}
		for _, f := range found {
			if !seen[f] {
				seen[f] = true
				files = append(files, f)
			}
		}
	}
	return files, nil
}

// walk returns the regular files under root whose base name satisfies keep.
// A missing root yields no files.
func (m *Matcher) walk(root string, keep func(name string) bool) ([]string, error) {
	if m.excluded(root) {
		return nil, nil
	}
	info, err := os.Stat(root)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, nil
	}

	var (
		mu    sync.Mutex
		files []string
	)
	conf := fastwalk.Config{Follow: false}
	err = fastwalk.Walk(&conf, root, func(path string, d fs.DirEntry, walkErr error) error {
		// Entries that vanish or can't be read mid-walk are skipped.
		if walkErr != nil {
			return nil //nolint:nilerr
		}
		if d.IsDir() && path != root && m.excluded(path) {
			return fastwalk.SkipDir
		}
		if !d.Type().IsRegular() || strings.HasSuffix(d.Name(), tempSuffix) || !keep(d.Name()) {
			return nil
		}
		mu.Lock()
		files = append(files, path)
		mu.Unlock()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return files, nil
}

// excluded reports whether path is the write path or lies beneath it.
func (m *Matcher) excluded(path string) bool {
	if m.exclude == "" {
		return false
	}
	rel, err := filepath.Rel(m.exclude, path)
	return err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
