// Package ledger tracks which link owns each mirrored destination file.
//
// The ledger is one CSV file of destination,link id,process id rows shared by
// every link worker. Each operation holds an exclusive flock on the file for
// its whole read-modify-write, and a destination appears at most once.
package ledger

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"iter"
	"os"
	"path/filepath"
	"strconv"

	"github.com/jamesainslie/circlink/pkg/circlink/filelock"
	"github.com/jamesainslie/circlink/pkg/circlink/logging"
)

// Entry records that a link owns a destination file.
type Entry struct {
	Destination string
	LinkID      int
	ProcessID   int
}

// Ledger is a handle on a ledger file. It holds no open files between calls.
type Ledger struct {
	path string
}

// New returns a ledger backed by the file at path. The file is created on
// first write.
func New(path string) *Ledger {
	return &Ledger{path: path}
}

// Path returns the backing file path.
func (l *Ledger) Path() string { return l.path }

// Append adds e unless its destination is already present. With expectAbsent
// a present destination returns false; without it the call is a no-op that
// returns true.
func (l *Ledger) Append(e Entry, expectAbsent bool) (bool, error) {
	var added bool
	err := l.mutate(func(f *os.File, entries []Entry) error {
		if indexOf(entries, e.Destination) >= 0 {
			added = !expectAbsent
			return nil
		}
		if err := appendRow(f, e); err != nil {
			return err
		}
		added = true
		return nil
	})
	return added, err
}

// Claim takes ownership of e's destination for e's link. It returns true when
// the destination was free, or is already owned by the same link, and false
// when another link owns it.
func (l *Ledger) Claim(e Entry) (bool, error) {
	var claimed bool
	err := l.mutate(func(f *os.File, entries []Entry) error {
		if i := indexOf(entries, e.Destination); i >= 0 {
			claimed = entries[i].LinkID == e.LinkID
			return nil
		}
		if err := appendRow(f, e); err != nil {
			return err
		}
		claimed = true
		return nil
	})
	return claimed, err
}

// Remove rewrites the ledger without e, matched on all three fields. With
// expectPresent an absent entry is a no-op returning false.
func (l *Ledger) Remove(e Entry, expectPresent bool) (bool, error) {
	var removed bool
	err := l.mutate(func(f *os.File, entries []Entry) error {
		kept := make([]Entry, 0, len(entries))
		for _, cur := range entries {
			if cur != e {
				kept = append(kept, cur)
			}
		}
		if len(kept) == len(entries) {
			removed = !expectPresent
			return nil
		}
		removed = true
		return rewrite(f, kept)
	})
	return removed, err
}

// RemoveLink removes every entry owned by linkID and returns how many there were.
func (l *Ledger) RemoveLink(linkID int) (int, error) {
	var n int
	err := l.mutate(func(f *os.File, entries []Entry) error {
		kept := make([]Entry, 0, len(entries))
		for _, cur := range entries {
			if cur.LinkID != linkID {
				kept = append(kept, cur)
			}
		}
		n = len(entries) - len(kept)
		if n == 0 {
			return nil
		}
		return rewrite(f, kept)
	})
	if n > 0 {
		logging.Get("ledger").Debug("purged link entries", "link", linkID, "count", n)
	}
	return n, err
}

// Entries returns a single pass over the ledger. Each call reads the file
// afresh under the ledger lock, which is held until the loop ends, so the loop
// body must not call other Ledger methods.
func (l *Ledger) Entries() iter.Seq2[Entry, error] {
	return func(yield func(Entry, error) bool) {
		f, err := os.Open(l.path)
		if errors.Is(err, os.ErrNotExist) {
			return
		}
		if err != nil {
			yield(Entry{}, fmt.Errorf("opening ledger: %w", err))
			return
		}
		defer f.Close()

		if err := filelock.Lock(f, true); err != nil {
			yield(Entry{}, err)
			return
		}
		defer func() { _ = filelock.Unlock(f) }()

		entries, err := read(f)
		if err != nil {
			yield(Entry{}, err)
			return
		}
		for _, e := range entries {
			if !yield(e, nil) {
				return
			}
		}
	}
}

// All collects Entries into a slice.
func (l *Ledger) All() ([]Entry, error) {
	var out []Entry
	for e, err := range l.Entries() {
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

// mutate runs fn with the current entries while holding the ledger lock.
func (l *Ledger) mutate(fn func(f *os.File, entries []Entry) error) error {
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return fmt.Errorf("creating ledger directory: %w", err)
	}
	return filelock.With(l.path, os.O_CREATE|os.O_RDWR, func(f *os.File) error {
		entries, err := read(f)
		if err != nil {
			return err
		}
		return fn(f, entries)
	})
}

func indexOf(entries []Entry, dest string) int {
	for i, e := range entries {
		if e.Destination == dest {
			return i
		}
	}
	return -1
}

// read parses every row. Malformed rows are logged and skipped.
func read(f *os.File) ([]Entry, error) {
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("reading ledger: %w", err)
	}

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1

	var entries []Entry
	for {
		row, err := r.Read()
		if err == io.EOF {
			return entries, nil
		}
		if err != nil {
			return nil, fmt.Errorf("reading ledger: %w", err)
		}
		e, err := parseRow(row)
		if err != nil {
			logging.Get("ledger").Warn("skipping malformed ledger row", "row", row, "error", err)
			continue
		}
		entries = append(entries, e)
	}
}

func parseRow(row []string) (Entry, error) {
	if len(row) != 3 {
		return Entry{}, fmt.Errorf("expected 3 fields, got %d", len(row))
	}
	linkID, err := strconv.Atoi(row[1])
	if err != nil {
		return Entry{}, fmt.Errorf("link id: %w", err)
	}
	pid, err := strconv.Atoi(row[2])
	if err != nil {
		return Entry{}, fmt.Errorf("process id: %w", err)
	}
	return Entry{Destination: row[0], LinkID: linkID, ProcessID: pid}, nil
}

func (e Entry) row() []string {
	return []string{e.Destination, strconv.Itoa(e.LinkID), strconv.Itoa(e.ProcessID)}
}

func appendRow(f *os.File, e Entry) error {
	if _, err := f.Seek(0, io.SeekEnd); err != nil {
		return fmt.Errorf("appending to ledger: %w", err)
	}
	w := csv.NewWriter(f)
	if err := w.Write(e.row()); err != nil {
		return fmt.Errorf("appending to ledger: %w", err)
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("appending to ledger: %w", err)
	}
	return nil
}

func rewrite(f *os.File, entries []Entry) error {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	for _, e := range entries {
		if err := w.Write(e.row()); err != nil {
			return fmt.Errorf("encoding ledger: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("encoding ledger: %w", err)
	}

	if err := f.Truncate(0); err != nil {
		return fmt.Errorf("truncating ledger: %w", err)
	}
	if _, err := f.WriteAt(buf.Bytes(), 0); err != nil {
		return fmt.Errorf("writing ledger: %w", err)
	}
	return nil
}
