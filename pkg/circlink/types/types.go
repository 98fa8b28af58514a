// Package types provides the core data types shared by the link store, the
// ledger, the sync engine, and the supervisor.
//
// A Record is the persisted description of one link: what it reads, where it
// writes, and the handshake flags the CLI and the worker process use to talk to
// each other through the filesystem.
package types

import (
	"fmt"
	"path/filepath"
	"strings"
)

// wildcardChars are the filepath.Match metacharacters that make a read path a
// glob pattern rather than a literal path.
const wildcardChars = "*?["

// Options are the user-selectable settings of a link.
type Options struct {
	// Name is an optional label; it does not need to be unique.
	Name string

	// Recursive descends into subdirectories when matching a glob pattern.
	Recursive bool

	// WipeDest removes the destination directory's contents before the first mirror.
	WipeDest bool

	// SkipPresave skips copying the matched files at startup.
	SkipPresave bool
}

// Validate checks the option combinations that do not need filesystem access.
func (o Options) Validate(readPath string) error {
	if o.Recursive && !HasWildcard(readPath) {
		return fmt.Errorf("%w: --recursive can only be used with glob patterns", ErrInvalidConfiguration)
	}
	return nil
}

// Record is the persisted state of one link.
type Record struct {
	// ID is assigned at creation and derived from the record's file name on load.
	ID int `json:"id"`

	Name        string `json:"name"`
	ReadPath    string `json:"read"`
	WritePath   string `json:"write"`
	BaseDir     string `json:"base_dir"`
	Recursive   bool   `json:"recursive"`
	WipeDest    bool   `json:"wipe_dest"`
	SkipPresave bool   `json:"skip_presave"`

	// ProcessID is the worker's OS process id, written by the parent after spawn.
	ProcessID int `json:"proc_id"`

	// Confirmed is set by the worker once it has seen its ProcessID.
	Confirmed bool `json:"confirmed"`

	// EndFlag requests a graceful stop.
	EndFlag bool `json:"end_flag"`

	// Stopped is set by the worker as its last act. It never reverts.
	Stopped bool `json:"stopped"`
}

// NewRecord builds an unsaved record. The id is assigned by the store.
func NewRecord(readPath, writePath, baseDir string, opts Options) *Record {
	return &Record{
		Name:        opts.Name,
		ReadPath:    readPath,
		WritePath:   writePath,
		BaseDir:     baseDir,
		Recursive:   opts.Recursive,
		WipeDest:    opts.WipeDest,
		SkipPresave: opts.SkipPresave,
	}
}

// Options returns the user-selectable settings of the record.
func (r *Record) Options() Options {
	return Options{
		Name:        r.Name,
		Recursive:   r.Recursive,
		WipeDest:    r.WipeDest,
		SkipPresave: r.SkipPresave,
	}
}

// AbsReadPath returns the read path resolved against the base directory.
func (r *Record) AbsReadPath() string {
	if filepath.IsAbs(r.ReadPath) {
		return filepath.Clean(r.ReadPath)
	}
	return filepath.Join(r.BaseDir, r.ReadPath)
}

// Running reports whether the link has not yet stopped.
func (r *Record) Running() bool {
	return !r.Stopped
}

// MarkStopped sets the terminal flags.
func (r *Record) MarkStopped() {
	r.EndFlag = true
	r.Stopped = true
}

// Deactivate resets the process fields to their inactive defaults so a copy of
// the record never looks like a running link.
func (r *Record) Deactivate() {
	r.ProcessID = 0
	r.Confirmed = true
	r.EndFlag = true
	r.Stopped = true
}

// State returns a short description of where the link is in its lifecycle.
func (r *Record) State() string {
	switch {
	case r.Stopped:
		return "stopped"
	case r.EndFlag:
		return "stopping"
	case r.Confirmed:
		return "running"
	default:
		return "starting"
	}
}

// DisplayName returns the name, or a placeholder when the link has none.
func (r *Record) DisplayName() string {
	if r.Name == "" {
		return "---"
	}
	return r.Name
}

// Validate checks the invariants that hold for any persisted record.
func (r *Record) Validate() error {
	if r.ID < 0 {
		return fmt.Errorf("%w: negative link id %d", ErrInvalidConfiguration, r.ID)
	}
	if err := r.Options().Validate(r.ReadPath); err != nil {
		return err
	}
	if r.Stopped && !r.EndFlag {
		return fmt.Errorf("%w: link %d is stopped without an end flag", ErrInvalidConfiguration, r.ID)
	}
	return nil
}

// HasWildcard reports whether the path contains glob metacharacters.
func HasWildcard(path string) bool {
	return strings.ContainsAny(path, wildcardChars)
}
