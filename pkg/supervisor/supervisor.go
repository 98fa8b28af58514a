// Package supervisor starts, stops and clears links.
//
// Each link runs in its own detached worker process. The supervisor and the
// worker never talk directly: they coordinate through the link's record file.
//
// Start handshake: the supervisor creates the record, spawns the worker and
// writes the worker's process id into the record. The worker waits for that
// id to appear, then sets confirmed. The supervisor waits for confirmed.
//
// Stop handshake: the supervisor sets end_flag. The worker notices on its next
// cycle, drains and sets stopped. The supervisor waits for stopped.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	"github.com/jamesainslie/circlink/pkg/circlink/device"
	"github.com/jamesainslie/circlink/pkg/circlink/ledger"
	"github.com/jamesainslie/circlink/pkg/circlink/logging"
	"github.com/jamesainslie/circlink/pkg/circlink/mirror"
	"github.com/jamesainslie/circlink/pkg/circlink/store"
	"github.com/jamesainslie/circlink/pkg/circlink/types"
)

// Defaults for Config fields left zero.
const (
	DefaultStartTimeout = 5 * time.Second
	DefaultStopTimeout  = 5 * time.Second
	DefaultPollInterval = 50 * time.Millisecond
	DefaultProcessName  = "circlink"
)

// Spawner starts a detached worker for a link and returns its process id.
type Spawner interface {
	Spawn(id int) (int, error)
}

// Processes inspects and signals worker processes.
type Processes interface {
	// Alive reports whether a process with pid exists.
	Alive(pid int) bool

	// Name returns the executable name of pid. It returns ErrUnsupported where
	// the platform cannot tell.
	Name(pid int) (string, error)

	// Terminate asks pid to exit.
	Terminate(pid int) error
}

// Config configures a Supervisor.
type Config struct {
	Store  *store.Store
	Ledger *ledger.Ledger

	// Spawner launches workers. Required for Start.
	Spawner Spawner

	// Processes defaults to the operating system's process table.
	Processes Processes

	// Detector finds the board when a start asks for it. Defaults to device.Find.
	Detector func() (*device.Device, error)

	// ProcessName is the executable name a live worker must have.
	ProcessName string

	StartTimeout time.Duration
	StopTimeout  time.Duration

	// PollInterval is how often handshakes re-read the record.
	PollInterval time.Duration

	// SyncInterval is the worker's polling interval. Zero uses mirror.DefaultInterval.
	SyncInterval time.Duration
}

// Supervisor manages the link lifecycle.
type Supervisor struct {
	cfg Config
	log *logging.Logger
}

// New returns a supervisor, filling unset Config fields with defaults.
func New(cfg Config) *Supervisor {
	if cfg.Processes == nil {
		cfg.Processes = OSProcesses{}
	}
	if cfg.Detector == nil {
		cfg.Detector = device.Find
	}
	if cfg.ProcessName == "" {
		cfg.ProcessName = DefaultProcessName
	}
	if cfg.StartTimeout <= 0 {
		cfg.StartTimeout = DefaultStartTimeout
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = DefaultStopTimeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	return &Supervisor{cfg: cfg, log: logging.Get("supervisor")}
}

// StartRequest describes a link to start.
type StartRequest struct {
	ReadPath  string
	WritePath string

	// BaseDir is the directory ReadPath is relative to, and the root of the
	// mirrored layout. Empty uses the working directory.
	BaseDir string

	// UseDevice resolves WritePath relative to the detected board.
	UseDevice bool

	types.Options
}

// Start creates a link and spawns its worker, returning once the worker has
// confirmed it is running.
func (s *Supervisor) Start(ctx context.Context, req StartRequest) (*types.Record, error) {
	if err := req.Options.Validate(req.ReadPath); err != nil {
		return nil, err
	}

	if req.BaseDir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("getting working directory: %w", err)
		}
		req.BaseDir = wd
	}

	writePath := req.WritePath
	if req.UseDevice {
		dev, err := s.cfg.Detector()
		if err != nil {
			return nil, err
		}
		writePath = filepath.Join(dev.Path, req.WritePath)
	}
	if err := checkWritable(writePath); err != nil {
		return nil, err
	}

	rec, err := s.cfg.Store.Create(req.ReadPath, writePath, req.BaseDir, req.Options)
	if err != nil {
		return nil, err
	}
	id := rec.ID
	log := s.log.With("link", id)

	pid, err := s.cfg.Spawner.Spawn(id)
	if err != nil {
		s.abandon(id)
		return nil, fmt.Errorf("spawning worker for link %d: %w", id, err)
	}
	log.Debug("spawned worker", "pid", pid)

	_, err = s.cfg.Store.Update(id, func(r *types.Record) error {
		r.ProcessID = pid
		return nil
	})
	if err != nil {
		_ = s.cfg.Processes.Terminate(pid)
		s.abandon(id)
		return nil, err
	}

	err = s.waitFor(ctx, s.cfg.StartTimeout, func() (bool, error) {
		current, err := s.cfg.Store.Load(id)
		if err != nil {
			return false, err
		}
		rec = current
		return current.Confirmed, nil
	})
	if err != nil {
		log.Warn("worker did not confirm, terminating", "pid", pid, "error", err)
		_ = s.cfg.Processes.Terminate(pid)
		s.abandon(id)
		if errors.Is(err, errWaitTimeout) {
			return nil, fmt.Errorf("link %d: %w", id, types.ErrStartTimeout)
		}
		return nil, err
	}

	log.Info("started link", "pid", pid, "read", rec.ReadPath, "write", rec.WritePath)
	return rec, nil
}

// abandon marks a link that never came up as stopped so it can be cleared
// without force, and drops anything its worker may have claimed.
func (s *Supervisor) abandon(id int) {
	_, _ = s.cfg.Store.Update(id, func(r *types.Record) error {
		r.MarkStopped()
		return nil
	})
	_, _ = s.cfg.Ledger.RemoveLink(id)
}

// RunWorker is the body of a worker process. It completes the start
// handshake, then mirrors the link until it is stopped or ctx is done.
// On a fatal error it releases the link's ledger entries and returns the error.
func (s *Supervisor) RunWorker(ctx context.Context, id int) error {
	log := s.log.With("link", id, "pid", os.Getpid())

	var rec *types.Record
	err := s.waitFor(ctx, s.cfg.StartTimeout, func() (bool, error) {
		current, err := s.cfg.Store.Load(id)
		if err != nil {
			return false, err
		}
		rec = current
		return current.ProcessID != 0, nil
	})
	if err != nil {
		if errors.Is(err, errWaitTimeout) {
			return fmt.Errorf("link %d: waiting for process id: %w", id, types.ErrStartTimeout)
		}
		return err
	}
	if rec.ProcessID != os.Getpid() {
		log.Warn("record names a different process", "recorded", rec.ProcessID)
	}

	rec, err = s.cfg.Store.Update(id, func(r *types.Record) error {
		r.Confirmed = true
		return nil
	})
	if err != nil {
		return err
	}
	log.Info("worker confirmed")

	engine := mirror.New(rec, mirror.Config{
		Records:  s.cfg.Store,
		Ledger:   s.cfg.Ledger,
		Interval: s.cfg.SyncInterval,
	})
	if err := engine.Run(ctx); err != nil {
		log.Error("worker failed", "error", err)
		if _, lerr := s.cfg.Ledger.RemoveLink(id); lerr != nil {
			log.Error("releasing ledger entries failed", "error", lerr)
		}
		return err
	}
	return nil
}

// Stop asks a link's worker to stop and waits until it has. It returns false
// if the link was already stopped.
func (s *Supervisor) Stop(ctx context.Context, id int) (bool, error) {
	rec, err := s.cfg.Store.Load(id)
	if err != nil {
		return false, err
	}
	if rec.Stopped {
		return false, nil
	}
	if err := s.verifyWorker(rec); err != nil {
		return false, err
	}

	rec, err = s.cfg.Store.Update(id, func(r *types.Record) error {
		r.EndFlag = true
		return nil
	})
	if err != nil {
		return false, err
	}
	if rec.Stopped {
		return true, nil
	}

	err = s.waitFor(ctx, s.cfg.StopTimeout, func() (bool, error) {
		current, err := s.cfg.Store.Load(id)
		if errors.Is(err, types.ErrNotFound) {
			// Cleared by someone else while stopping.
			return true, nil
		}
		if err != nil {
			return false, err
		}
		return current.Stopped, nil
	})
	if errors.Is(err, errWaitTimeout) {
		return false, fmt.Errorf("link %d: %w", id, types.ErrStopTimeout)
	}
	if err != nil {
		return false, err
	}

	s.log.Info("stopped link", "link", id)
	return true, nil
}

// verifyWorker checks that rec's process id is a live worker.
func (s *Supervisor) verifyWorker(rec *types.Record) error {
	pid := rec.ProcessID
	if pid <= 0 || !s.cfg.Processes.Alive(pid) {
		return fmt.Errorf("link %d: process %d is not running: %w", rec.ID, pid, types.ErrProcessMismatch)
	}

	name, err := s.cfg.Processes.Name(pid)
	if errors.Is(err, ErrUnsupported) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("link %d: inspecting process %d: %v: %w", rec.ID, pid, err, types.ErrProcessMismatch)
	}
	if !sameProcessName(name, s.cfg.ProcessName) {
		return fmt.Errorf("link %d: process %d is %q: %w", rec.ID, pid, name, types.ErrProcessMismatch)
	}
	return nil
}

// Clear deletes a link's record and any ledger entries it left behind. The
// link must be stopped unless force is set.
func (s *Supervisor) Clear(id int, force bool) error {
	if err := s.cfg.Store.Delete(id, force); err != nil {
		return err
	}
	if _, err := s.cfg.Ledger.RemoveLink(id); err != nil {
		return fmt.Errorf("link %d: purging ledger: %w", id, err)
	}
	s.log.Info("cleared link", "link", id, "force", force)
	return nil
}

// Restart starts a new link with the configuration of a stopped one and
// clears the old record. The destination is not wiped again.
func (s *Supervisor) Restart(ctx context.Context, id int) (*types.Record, error) {
	old, err := s.cfg.Store.Load(id)
	if err != nil {
		return nil, err
	}
	if old.Running() {
		return nil, fmt.Errorf("link %d: %w", id, types.ErrAlreadyRunning)
	}

	opts := old.Options()
	opts.WipeDest = false

	rec, err := s.Start(ctx, StartRequest{
		ReadPath:  old.ReadPath,
		WritePath: old.WritePath,
		BaseDir:   old.BaseDir,
		Options:   opts,
	})
	if err != nil {
		return nil, err
	}

	if err := s.Clear(id, false); err != nil {
		return rec, err
	}
	return rec, nil
}

// Resolve maps a selector to link ids: a number, "last" for the newest link,
// or "all". "last" with no links yields none.
func (s *Supervisor) Resolve(selector string) ([]int, error) {
	switch strings.ToLower(selector) {
	case "all":
		recs, err := s.cfg.Store.List("*")
		if err != nil {
			return nil, err
		}
		ids := make([]int, 0, len(recs))
		for _, r := range recs {
			ids = append(ids, r.ID)
		}
		return ids, nil
	case "last":
		last, err := s.cfg.Store.LastID()
		if err != nil {
			return nil, err
		}
		if last == 0 {
			return nil, nil
		}
		return []int{last}, nil
	}

	id, err := strconv.Atoi(selector)
	if err != nil || id <= 0 {
		return nil, fmt.Errorf("%w: %q is not a link id, \"last\" or \"all\"", types.ErrValidation, selector)
	}
	return []int{id}, nil
}

var errWaitTimeout = errors.New("wait timed out")

// waitFor polls cond until it reports true, ctx is done, or timeout elapses.
// A transient record error is treated as not yet.
func (s *Supervisor) waitFor(ctx context.Context, timeout time.Duration, cond func() (bool, error)) error {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		ok, err := cond()
		switch {
		case errors.Is(err, types.ErrRecordUnavailable):
		case err != nil:
			return err
		case ok:
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return errWaitTimeout
		case <-ticker.C:
		}
	}
}

// checkWritable reports ErrPermission unless the nearest existing ancestor of
// path is a directory the current user can write to.
func checkWritable(path string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("%w: %v", types.ErrInvalidPath, err)
	}

	dir := abs
	for {
		info, err := os.Stat(dir)
		if err == nil {
			if !info.IsDir() {
				return fmt.Errorf("%w: %s is not a directory", types.ErrPermission, dir)
			}
			break
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return fmt.Errorf("%w: no existing parent of %s", types.ErrPermission, abs)
		}
		dir = parent
	}

	if err := unix.Access(dir, unix.W_OK); err != nil {
		return fmt.Errorf("%w: %s: %v", types.ErrPermission, dir, err)
	}
	return nil
}
