// Package store persists link records as one JSON file per link.
//
// Record files live in a links directory as link<id>.json. They are written by
// the CLI and by the link's worker process, and read by any number of CLI
// invocations, so every write is a whole-file rewrite under an exclusive flock
// and every read takes a shared flock.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/jamesainslie/circlink/pkg/circlink/filelock"
	"github.com/jamesainslie/circlink/pkg/circlink/logging"
	"github.com/jamesainslie/circlink/pkg/circlink/types"
)

const (
	filePrefix = "link"
	fileExt    = ".json"
	lockName   = ".lock"

	defaultRetries    = 5
	defaultRetryDelay = 20 * time.Millisecond
)

// Store reads and writes link records in a directory.
type Store struct {
	dir        string
	retries    int
	retryDelay time.Duration
}

// New returns a store rooted at dir. The directory is created on first write.
func New(dir string) *Store {
	return &Store{dir: dir, retries: defaultRetries, retryDelay: defaultRetryDelay}
}

// Dir returns the links directory.
func (s *Store) Dir() string { return s.dir }

// Path returns the record file path for id.
func (s *Store) Path(id int) string {
	return filepath.Join(s.dir, filePrefix+strconv.Itoa(id)+fileExt)
}

// IDFromPath parses the link id from a record file name.
func IDFromPath(path string) (int, error) {
	name := filepath.Base(path)
	if !strings.HasPrefix(name, filePrefix) || !strings.HasSuffix(name, fileExt) {
		return 0, fmt.Errorf("not a link record file: %s", name)
	}
	id, err := strconv.Atoi(strings.TrimSuffix(strings.TrimPrefix(name, filePrefix), fileExt))
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("not a link record file: %s", name)
	}
	return id, nil
}

// Create validates a new link, assigns it the next id and persists it.
//
// Id assignment holds an exclusive lock on the directory's lock file and
// creates the record with O_EXCL, so concurrent creators never share an id.
func (s *Store) Create(readPath, writePath, baseDir string, opts types.Options) (*types.Record, error) {
	baseDir, err := filepath.Abs(baseDir)
	if err != nil {
		return nil, fmt.Errorf("%w: base directory: %v", types.ErrInvalidPath, err)
	}
	writePath, err = filepath.Abs(writePath)
	if err != nil {
		return nil, fmt.Errorf("%w: write path: %v", types.ErrInvalidPath, err)
	}

	rec := types.NewRecord(readPath, writePath, baseDir, opts)
	if err := validateNew(rec); err != nil {
		return nil, err
	}

	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating links directory: %w", err)
	}

	err = filelock.With(filepath.Join(s.dir, lockName), os.O_CREATE|os.O_RDWR, func(*os.File) error {
		last, err := s.LastID()
		if err != nil {
			return err
		}
		for id := last + 1; ; id++ {
			f, err := os.OpenFile(s.Path(id), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
			if errors.Is(err, os.ErrExist) {
				continue
			}
			if err != nil {
				return fmt.Errorf("creating link record: %w", err)
			}
			rec.ID = id
			werr := writeLocked(f, rec)
			cerr := f.Close()
			if werr != nil {
				_ = os.Remove(s.Path(id))
				return werr
			}
			return cerr
		}
	})
	if err != nil {
		return nil, err
	}

	logging.Get("store").Debug("created link record", "link", rec.ID, "read", rec.ReadPath, "write", rec.WritePath)
	return rec, nil
}

// validateNew checks a record against the filesystem before it is created.
func validateNew(rec *types.Record) error {
	if err := rec.Options().Validate(rec.ReadPath); err != nil {
		return err
	}

	abs := rec.AbsReadPath()
	root := staticPrefix(abs)

	if _, err := os.Stat(abs); err != nil {
		// A literal path may not exist yet if its directory does. A pattern
		// needs the directory before its first wildcard.
		dir := filepath.Dir(abs)
		if root != abs {
			dir = root
		}
		if _, err := os.Stat(dir); err != nil {
			return fmt.Errorf("%w: neither %s nor its parent directory exists", types.ErrInvalidPath, rec.ReadPath)
		}
	}

	if rec.WipeDest {
		if info, err := os.Stat(abs); err == nil && info.Mode().IsRegular() {
			return fmt.Errorf("%w: --wipe-dest can only be used with a directory or glob pattern", types.ErrInvalidConfiguration)
		}
	}

	if !within(rec.BaseDir, root) {
		return fmt.Errorf("%w: %s is outside base directory %s", types.ErrValidation, rec.ReadPath, rec.BaseDir)
	}

	// Copies land at write_path/<path relative to base_dir>, so a write path
	// equal to base_dir maps every file onto itself, and one inside a walked
	// tree is matched again on the next cycle.
	if rec.WritePath == rec.BaseDir {
		return fmt.Errorf("%w: write path %s is the base directory", types.ErrInvalidConfiguration, rec.WritePath)
	}
	walked := ""
	if rec.Recursive {
		walked = root
	} else if info, err := os.Stat(abs); err == nil && info.IsDir() {
		walked = abs
	}
	if walked != "" && within(walked, rec.WritePath) {
		return fmt.Errorf("%w: write path %s is inside the read tree %s", types.ErrInvalidConfiguration, rec.WritePath, walked)
	}
	return nil
}

// within reports whether path is dir or lies beneath it.
func within(dir, path string) bool {
	rel, err := filepath.Rel(dir, path)
	return err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// staticPrefix returns the longest leading part of a path without wildcards.
// For a path without wildcards it returns the path itself.
func staticPrefix(path string) string {
	if !types.HasWildcard(path) {
		return path
	}
	dir := filepath.Dir(path)
	for types.HasWildcard(dir) {
		dir = filepath.Dir(dir)
	}
	return dir
}

// Save rewrites an existing record file. It never creates one, so a record
// cleared by another process is not resurrected; that case returns ErrNotFound.
// A record already stopped on disk stays stopped.
func (s *Store) Save(rec *types.Record) (string, error) {
	_, err := s.Update(rec.ID, func(current *types.Record) error {
		*current = *rec
		return nil
	})
	if err != nil {
		return "", err
	}
	return s.Path(rec.ID), nil
}

// Restore writes rec as-is, creating its file if needed. Used to replay
// records from a saved workspace.
func (s *Store) Restore(rec *types.Record) (string, error) {
	if err := rec.Validate(); err != nil {
		return "", err
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return "", fmt.Errorf("creating links directory: %w", err)
	}

	path := s.Path(rec.ID)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return "", fmt.Errorf("opening link record: %w", err)
	}
	defer f.Close()

	if err := writeLocked(f, rec); err != nil {
		return "", err
	}
	return path, nil
}

// Update applies fn to the record with the given id as one locked
// read-modify-write. If fn returns an error nothing is written. A record that
// was stopped before fn ran is still stopped afterwards.
func (s *Store) Update(id int, fn func(*types.Record) error) (*types.Record, error) {
	for attempt := 0; ; attempt++ {
		rec, err := s.tryUpdate(id, fn)
		if errors.Is(err, types.ErrRecordUnavailable) && attempt < s.retries {
			time.Sleep(s.retryDelay)
			continue
		}
		return rec, err
	}
}

func (s *Store) tryUpdate(id int, fn func(*types.Record) error) (*types.Record, error) {
	var out *types.Record
	err := filelock.With(s.Path(id), os.O_RDWR, func(f *os.File) error {
		rec, err := decode(f, id)
		if err != nil {
			return err
		}
		if rec == nil {
			return fmt.Errorf("link %d: %w", id, types.ErrRecordUnavailable)
		}

		wasStopped := rec.Stopped
		if err := fn(rec); err != nil {
			return err
		}
		rec.ID = id
		if wasStopped {
			rec.MarkStopped()
		}
		if err := rec.Validate(); err != nil {
			return err
		}
		if err := write(f, rec); err != nil {
			return err
		}
		out = rec
		return nil
	})
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("link %d: %w", id, types.ErrNotFound)
	}
	return out, err
}

// Load reads the record with the given id. An empty or partially written file
// is retried briefly, then reported as ErrRecordUnavailable.
func (s *Store) Load(id int) (*types.Record, error) {
	for attempt := 0; ; attempt++ {
		rec, err := s.LoadByPath(s.Path(id))
		switch {
		case errors.Is(err, os.ErrNotExist):
			return nil, fmt.Errorf("link %d: %w", id, types.ErrNotFound)
		case err == nil && rec != nil:
			return rec, nil
		case attempt < s.retries:
			time.Sleep(s.retryDelay)
		case err != nil:
			return nil, fmt.Errorf("link %d: %w: %v", id, types.ErrRecordUnavailable, err)
		default:
			return nil, fmt.Errorf("link %d: %w", id, types.ErrRecordUnavailable)
		}
	}
}

// LoadByPath reads a record file. It returns nil, nil for an empty file.
func (s *Store) LoadByPath(path string) (*types.Record, error) {
	id, err := IDFromPath(path)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	if err := filelock.Lock(f, false); err != nil {
		return nil, err
	}
	defer func() { _ = filelock.Unlock(f) }()

	return decode(f, id)
}

// List returns the records whose id matches pattern, sorted by id.
// Pattern "*" lists every record. Empty or unreadable files are skipped.
func (s *Store) List(pattern string) ([]*types.Record, error) {
	if pattern == "" {
		pattern = "*"
	}
	paths, err := filepath.Glob(filepath.Join(s.dir, filePrefix+pattern+fileExt))
	if err != nil {
		return nil, fmt.Errorf("listing links: %w", err)
	}

	log := logging.Get("store")
	var out []*types.Record
	for _, path := range paths {
		if _, err := IDFromPath(path); err != nil {
			continue
		}
		rec, err := s.LoadByPath(path)
		if err != nil {
			log.Debug("skipping unreadable link record", "path", path, "error", err)
			continue
		}
		if rec == nil {
			continue
		}
		out = append(out, rec)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Delete removes a record. It must be stopped unless force is set; otherwise
// ErrNotStopped is returned and nothing changes. An empty record file is one
// Create has not finished writing and reports ErrRecordUnavailable.
func (s *Store) Delete(id int, force bool) error {
	err := filelock.With(s.Path(id), os.O_RDWR, func(f *os.File) error {
		if !force {
			rec, err := decode(f, id)
			if err != nil {
				return err
			}
			if rec == nil {
				// Still being written by Create.
				return fmt.Errorf("link %d: %w", id, types.ErrRecordUnavailable)
			}
			if !rec.Stopped {
				return fmt.Errorf("link %d: %w", id, types.ErrNotStopped)
			}
		}
		return os.Remove(s.Path(id))
	})
	if errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("link %d: %w", id, types.ErrNotFound)
	}
	if err == nil {
		logging.Get("store").Debug("deleted link record", "link", id, "force", force)
	}
	return err
}

// LastID returns the highest id among record files, or 0 if there are none.
func (s *Store) LastID() (int, error) {
	entries, err := os.ReadDir(s.dir)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("reading links directory: %w", err)
	}

	last := 0
	for _, e := range entries {
		if id, err := IDFromPath(e.Name()); err == nil && id > last {
			last = id
		}
	}
	return last, nil
}

// decode reads a whole record file. It returns nil, nil for an empty file.
func decode(f *os.File, id int) (*types.Record, error) {
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("reading link record: %w", err)
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil, nil
	}

	var rec types.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("link %d: %w: %v", id, types.ErrRecordUnavailable, err)
	}
	rec.ID = id
	return &rec, nil
}

// writeLocked takes an exclusive lock on f and rewrites it with rec.
func writeLocked(f *os.File, rec *types.Record) error {
	if err := filelock.Lock(f, true); err != nil {
		return err
	}
	defer func() { _ = filelock.Unlock(f) }()
	return write(f, rec)
}

// write must be called with an exclusive lock held on f.
func write(f *os.File, rec *types.Record) error {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding link record: %w", err)
	}
	data = append(data, '\n')

	if err := f.Truncate(0); err != nil {
		return fmt.Errorf("truncating link record: %w", err)
	}
	if _, err := f.WriteAt(data, 0); err != nil {
		return fmt.Errorf("writing link record: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("syncing link record: %w", err)
	}
	return nil
}
