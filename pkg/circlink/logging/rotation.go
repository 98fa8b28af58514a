package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// RotationConfig configures log file rotation behavior.
type RotationConfig struct {
	// MaxSize is the maximum size in bytes before rotation.
	// Zero uses the default of 5MB.
	MaxSize int64

	// MaxBackups is the maximum number of rotated files to keep.
	// Zero keeps all of them.
	MaxBackups int
}

// DefaultRotationConfig returns sensible defaults for rotation.
func DefaultRotationConfig() RotationConfig {
	return RotationConfig{
		MaxSize:    5 * 1024 * 1024,
		MaxBackups: 3,
	}
}

const backupTimeFormat = "20060102-150405.000000"

// RotatingWriter is an io.WriteCloser that appends to a log file shared by
// several processes and rotates it by size.
//
// Every write holds an exclusive flock on the file. While holding it the writer
// checks that its descriptor still refers to the file at path and reopens if
// another process rotated it away.
type RotatingWriter struct {
	path string
	cfg  RotationConfig
	mu   sync.Mutex
	file *os.File
}

// NewRotatingWriter creates a rotating writer for the given log path,
// creating parent directories if they don't exist.
func NewRotatingWriter(path string, cfg RotationConfig) (*RotatingWriter, error) {
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = DefaultRotationConfig().MaxSize
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating log directory: %w", err)
	}

	w := &RotatingWriter{path: path, cfg: cfg}
	if err := w.openFile(); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *RotatingWriter) openFile() error {
	f, err := os.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("opening log file: %w", err)
	}
	w.file = f
	return nil
}

// Write appends p to the log file, rotating first if it would grow past MaxSize.
func (w *RotatingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		return 0, os.ErrClosed
	}

	if err := unix.Flock(int(w.file.Fd()), unix.LOCK_EX); err != nil {
		return 0, fmt.Errorf("locking log file: %w", err)
	}
	locked := w.file

	if err := w.reopenIfMoved(); err != nil {
		_ = unix.Flock(int(locked.Fd()), unix.LOCK_UN)
		return 0, err
	}
	if w.file != locked {
		// Lock the file we will actually write to.
		_ = unix.Flock(int(locked.Fd()), unix.LOCK_UN)
		if err := unix.Flock(int(w.file.Fd()), unix.LOCK_EX); err != nil {
			return 0, fmt.Errorf("locking log file: %w", err)
		}
	}
	defer func() { _ = unix.Flock(int(w.file.Fd()), unix.LOCK_UN) }()

	info, err := w.file.Stat()
	if err != nil {
		return 0, fmt.Errorf("stat log file: %w", err)
	}
	if info.Size() > 0 && info.Size()+int64(len(p)) > w.cfg.MaxSize {
		if err := w.rotate(); err != nil {
			return 0, err
		}
	}

	return w.file.Write(p)
}

// reopenIfMoved reopens the log file when path no longer names the open file.
func (w *RotatingWriter) reopenIfMoved() error {
	current, err := w.file.Stat()
	if err != nil {
		return fmt.Errorf("stat log file: %w", err)
	}
	onDisk, err := os.Stat(w.path)
	if err == nil && os.SameFile(current, onDisk) {
		return nil
	}
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("stat log path: %w", err)
	}

	old := w.file
	if err := w.openFile(); err != nil {
		return err
	}
	_ = old.Close()
	return nil
}

// rotate renames the current file to a timestamped backup and opens a fresh
// one. It must be called with the flock held on w.file; the new file is locked
// before returning.
func (w *RotatingWriter) rotate() error {
	ext := filepath.Ext(w.path)
	base := strings.TrimSuffix(w.path, ext)
	backup := fmt.Sprintf("%s.%s%s", base, time.Now().Format(backupTimeFormat), ext)

	if err := os.Rename(w.path, backup); err != nil {
		return fmt.Errorf("rotating log file: %w", err)
	}

	old := w.file
	if err := w.openFile(); err != nil {
		w.file = old
		return err
	}
	if err := unix.Flock(int(w.file.Fd()), unix.LOCK_EX); err != nil {
		return fmt.Errorf("locking log file: %w", err)
	}
	_ = unix.Flock(int(old.Fd()), unix.LOCK_UN)
	_ = old.Close()

	w.cleanup()
	return nil
}

// cleanup removes the oldest backups beyond MaxBackups.
func (w *RotatingWriter) cleanup() {
	if w.cfg.MaxBackups <= 0 {
		return
	}

	backups := w.backups()
	if len(backups) <= w.cfg.MaxBackups {
		return
	}
	for _, path := range backups[:len(backups)-w.cfg.MaxBackups] {
		_ = os.Remove(path)
	}
}

// backups returns the rotated files for this log, oldest first.
func (w *RotatingWriter) backups() []string {
	ext := filepath.Ext(w.path)
	prefix := strings.TrimSuffix(filepath.Base(w.path), ext) + "."

	entries, err := os.ReadDir(filepath.Dir(w.path))
	if err != nil {
		return nil
	}

	var files []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || name == filepath.Base(w.path) {
			continue
		}
		if strings.HasPrefix(name, prefix) && strings.HasSuffix(name, ext) {
			files = append(files, filepath.Join(filepath.Dir(w.path), name))
		}
	}
	// The timestamp format sorts lexically in time order.
	sort.Strings(files)
	return files
}

// Close closes the log file.
func (w *RotatingWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file = nil
	return err
}
