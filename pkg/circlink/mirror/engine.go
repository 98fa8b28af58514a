// Package mirror is the sync engine run by a link worker. It copies the files
// matched by a link's read path into its write path and keeps the copy in sync
// by polling.
package mirror

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jamesainslie/circlink/pkg/circlink/ledger"
	"github.com/jamesainslie/circlink/pkg/circlink/logging"
	"github.com/jamesainslie/circlink/pkg/circlink/types"
)

// DefaultInterval is the delay between polling cycles.
const DefaultInterval = 100 * time.Millisecond

// State is a position in the engine lifecycle.
type State int

// Engine states, in the order they are entered.
const (
	Initializing State = iota
	Priming
	Polling
	Draining
	Stopped
)

func (s State) String() string {
	switch s {
	case Initializing:
		return "initializing"
	case Priming:
		return "priming"
	case Polling:
		return "polling"
	case Draining:
		return "draining"
	case Stopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Records is the engine's view of the link record store.
type Records interface {
	Load(id int) (*types.Record, error)
	Update(id int, fn func(*types.Record) error) (*types.Record, error)
}

// Ledger is the engine's view of the shared ledger.
type Ledger interface {
	Claim(e ledger.Entry) (bool, error)
	Remove(e ledger.Entry, expectPresent bool) (bool, error)
	RemoveLink(linkID int) (int, error)
}

// Config holds the engine's collaborators.
type Config struct {
	Records Records
	Ledger  Ledger

	// Interval between polling cycles. Zero uses DefaultInterval.
	Interval time.Duration

	// ProcessID is written to ledger entries. Zero uses the record's process
	// id, or the current process id if that is unset.
	ProcessID int
}

// Stats counts what the engine has done.
type Stats struct {
	Copied    int // first copies of newly tracked files
	Updated   int // re-copies after a modification
	Deleted   int // mirrored files removed after their source went away
	Contested int // files skipped because another link owns the destination
	Cycles    int
}

// Engine mirrors one link. Its step methods must be called from one goroutine;
// State, Stats and Snapshot may be called from any.
type Engine struct {
	cfg     Config
	rec     *types.Record
	matcher *Matcher
	pid     int
	log     *logging.Logger

	mu        sync.Mutex
	state     State
	snapshot  map[string]int64
	contested map[string]bool
	stats     Stats
	cleared   bool
}

// New returns an engine for rec.
func New(rec *types.Record, cfg Config) *Engine {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	pid := cfg.ProcessID
	if pid == 0 {
		pid = rec.ProcessID
	}
	if pid == 0 {
		pid = os.Getpid()
	}
	return &Engine{
		cfg:       cfg,
		rec:       rec,
		matcher:   NewMatcher(rec),
		pid:       pid,
		log:       logging.Get("mirror").With("link", rec.ID),
		state:     Initializing,
		snapshot:  make(map[string]int64),
		contested: make(map[string]bool),
	}
}

// State returns the current lifecycle state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Stats returns a copy of the counters.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stats
}

// Snapshot returns a copy of the tracked files and their last seen
// modification times.
func (e *Engine) Snapshot() map[string]time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]time.Time, len(e.snapshot))
	for path, ns := range e.snapshot {
		out[path] = time.Unix(0, ns)
	}
	return out
}

// Destination returns where a source file is mirrored: its path relative to
// the base directory, under the write path.
func (e *Engine) Destination(src string) string {
	rel, err := filepath.Rel(e.rec.BaseDir, src)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		rel = filepath.Base(src)
	}
	return filepath.Join(e.rec.WritePath, rel)
}

func (e *Engine) entry(src string) ledger.Entry {
	return ledger.Entry{Destination: e.Destination(src), LinkID: e.rec.ID, ProcessID: e.pid}
}

// Run drives the engine through its whole lifecycle. It returns when the
// record's end flag is set, the record is removed, or ctx is done; the engine
// drains in each case. A fatal error is returned without draining.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.Init(); err != nil {
		return err
	}
	if err := e.Prime(); err != nil {
		return err
	}

	ticker := time.NewTicker(e.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.log.Info("context cancelled, draining", "reason", ctx.Err())
			return e.Drain()
		case <-ticker.C:
		}

		stop, err := e.Cycle()
		if err != nil {
			return err
		}
		if stop {
			return e.Drain()
		}
	}
}

// Init prepares the write path, wiping it first if the link asks for that.
func (e *Engine) Init() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state = Initializing

	if e.rec.WipeDest {
		if err := os.RemoveAll(e.rec.WritePath); err != nil {
			return fmt.Errorf("%w: wiping %s: %v", types.ErrDestination, e.rec.WritePath, err)
		}
		e.log.Info("wiped destination", "path", e.rec.WritePath)
	}
	if err := os.MkdirAll(e.rec.WritePath, 0o755); err != nil {
		return fmt.Errorf("%w: %v", types.ErrDestination, err)
	}
	return nil
}

// Prime claims and, unless the link skips presave, copies every file matched
// at startup.
func (e *Engine) Prime() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state = Priming

	files, err := e.matcher.Match()
	if err != nil {
		e.log.Warn("matching files failed", "error", err)
		files = nil
	}
	for _, src := range files {
		if err := e.track(src, !e.rec.SkipPresave); err != nil {
			return err
		}
	}

	e.log.Info("primed", "files", len(e.snapshot), "skip_presave", e.rec.SkipPresave)
	e.state = Polling
	return nil
}

// Cycle runs one polling pass: it reloads the record, picks up new files,
// re-copies modified ones and removes the copies of deleted ones. It reports
// whether the engine should stop.
func (e *Engine) Cycle() (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if stop := e.reload(); stop {
		return true, nil
	}
	e.stats.Cycles++

	if files, err := e.matcher.Match(); err != nil {
		e.log.Warn("matching files failed", "error", err)
	} else {
		for _, src := range files {
			if _, ok := e.snapshot[src]; ok {
				continue
			}
			if err := e.track(src, true); err != nil {
				return false, err
			}
		}
	}

	tracked := make([]string, 0, len(e.snapshot))
	for src := range e.snapshot {
		tracked = append(tracked, src)
	}
	sort.Strings(tracked)

	var deleted []string
	for _, src := range tracked {
		info, err := os.Stat(src)
		if errors.Is(err, fs.ErrNotExist) {
			deleted = append(deleted, src)
			continue
		}
		if err != nil {
			e.log.Debug("stat failed", "path", src, "error", err)
			continue
		}

		modified := info.ModTime().UnixNano()
		if modified <= e.snapshot[src] {
			continue
		}
		switch err := copyFile(src, e.Destination(src)); {
		case err == nil:
			e.snapshot[src] = modified
			e.stats.Updated++
			e.log.Debug("updated file", "path", src)
		case errors.Is(err, fs.ErrNotExist):
			deleted = append(deleted, src)
		case errors.Is(err, types.ErrDestination):
			return false, err
		default:
			e.log.Warn("copy failed, will retry", "path", src, "error", err)
		}
	}

	for _, src := range deleted {
		e.untrack(src)
	}
	return false, nil
}

// reload refreshes the record and reports whether the engine should stop.
// Must be called with e.mu held.
func (e *Engine) reload() bool {
	rec, err := e.cfg.Records.Load(e.rec.ID)
	switch {
	case errors.Is(err, types.ErrNotFound):
		e.log.Warn("link record removed, stopping")
		e.cleared = true
		return true
	case err != nil:
		// Mid-write or briefly unreadable; keep going with what we have.
		e.log.Debug("record reload failed", "error", err)
		return false
	}
	return rec.EndFlag
}

// track claims a newly matched file and adds it to the snapshot, copying it if
// doCopy is set. Must be called with e.mu held.
func (e *Engine) track(src string, doCopy bool) error {
	ent := e.entry(src)
	claimed, err := e.cfg.Ledger.Claim(ent)
	if err != nil {
		e.log.Warn("ledger claim failed, will retry", "path", src, "error", err)
		return nil
	}
	if !claimed {
		if !e.contested[src] {
			e.contested[src] = true
			e.stats.Contested++
			e.log.Info("destination owned by another link, skipping", "path", ent.Destination)
		}
		return nil
	}
	delete(e.contested, src)

	info, err := os.Stat(src)
	if err != nil {
		e.release(ent)
		return nil
	}

	if !doCopy {
		e.snapshot[src] = info.ModTime().UnixNano()
		return nil
	}

	switch err := copyFile(src, ent.Destination); {
	case err == nil:
		e.snapshot[src] = info.ModTime().UnixNano()
		e.stats.Copied++
		e.log.Debug("copied file", "path", src, "dest", ent.Destination)
	case errors.Is(err, fs.ErrNotExist):
		e.release(ent)
	case errors.Is(err, types.ErrDestination):
		return err
	default:
		// Zero modification time makes the next cycle retry the copy.
		e.snapshot[src] = 0
		e.log.Warn("copy failed, will retry", "path", src, "error", err)
	}
	return nil
}

// untrack removes a deleted source's mirrored copy and ledger entry.
// Must be called with e.mu held.
func (e *Engine) untrack(src string) {
	ent := e.entry(src)
	if err := os.Remove(ent.Destination); err != nil && !errors.Is(err, fs.ErrNotExist) {
		e.log.Warn("removing mirrored file failed", "path", ent.Destination, "error", err)
	}
	e.release(ent)
	delete(e.snapshot, src)
	e.stats.Deleted++
	e.log.Debug("deleted file", "path", src)
}

func (e *Engine) release(ent ledger.Entry) {
	if _, err := e.cfg.Ledger.Remove(ent, true); err != nil {
		e.log.Warn("ledger remove failed", "path", ent.Destination, "error", err)
	}
}

// Drain releases every ledger entry of the link and marks the record stopped.
func (e *Engine) Drain() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state = Draining

	if _, err := e.cfg.Ledger.RemoveLink(e.rec.ID); err != nil {
		e.log.Error("releasing ledger entries failed", "error", err)
	}

	if !e.cleared {
		_, err := e.cfg.Records.Update(e.rec.ID, func(r *types.Record) error {
			r.MarkStopped()
			return nil
		})
		if err != nil && !errors.Is(err, types.ErrNotFound) {
			return fmt.Errorf("marking link %d stopped: %w", e.rec.ID, err)
		}
	}

	e.state = Stopped
	e.log.Info("stopped",
		"copied", e.stats.Copied,
		"updated", e.stats.Updated,
		"deleted", e.stats.Deleted,
		"contested", e.stats.Contested,
		"cycles", e.stats.Cycles)
	return nil
}
