package ledger

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLedger(t *testing.T) *Ledger {
	t.Helper()
	return New(filepath.Join(t.TempDir(), "ledger.csv"))
}

func TestAppend(t *testing.T) {
	l := newLedger(t)
	e := Entry{Destination: "/dest/a.txt", LinkID: 1, ProcessID: 100}

	ok, err := l.Append(e, true)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = l.Append(Entry{Destination: "/dest/a.txt", LinkID: 2, ProcessID: 200}, true)
	require.NoError(t, err)
	assert.False(t, ok, "duplicate destination with expectAbsent")

	ok, err = l.Append(e, false)
	require.NoError(t, err)
	assert.True(t, ok)

	all, err := l.All()
	require.NoError(t, err)
	assert.Equal(t, []Entry{e}, all, "duplicate adds never create a second row")
}

func TestRemove(t *testing.T) {
	l := newLedger(t)
	a := Entry{Destination: "/dest/a.txt", LinkID: 1, ProcessID: 100}
	b := Entry{Destination: "/dest/b.txt", LinkID: 1, ProcessID: 100}
	for _, e := range []Entry{a, b} {
		_, err := l.Append(e, true)
		require.NoError(t, err)
	}

	ok, err := l.Remove(a, true)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = l.Remove(a, true)
	require.NoError(t, err)
	assert.False(t, ok, "absent entry with expectPresent")

	ok, err = l.Remove(Entry{Destination: b.Destination, LinkID: 9, ProcessID: 100}, true)
	require.NoError(t, err)
	assert.False(t, ok, "entries match on every field")

	all, err := l.All()
	require.NoError(t, err)
	assert.Equal(t, []Entry{b}, all)
}

func TestClaim(t *testing.T) {
	l := newLedger(t)
	e := Entry{Destination: "/dest/code.py", LinkID: 3, ProcessID: 300}

	ok, err := l.Claim(e)
	require.NoError(t, err)
	assert.True(t, ok)

	// Priming the same link again keeps one entry.
	ok, err = l.Claim(e)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = l.Claim(Entry{Destination: e.Destination, LinkID: 4, ProcessID: 400})
	require.NoError(t, err)
	assert.False(t, ok)

	all, err := l.All()
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestRemoveLink(t *testing.T) {
	l := newLedger(t)
	for i, link := range []int{1, 2, 1, 3, 1} {
		_, err := l.Append(Entry{Destination: fmt.Sprintf("/dest/%d", i), LinkID: link, ProcessID: 10 * link}, true)
		require.NoError(t, err)
	}

	n, err := l.RemoveLink(1)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	n, err = l.RemoveLink(1)
	require.NoError(t, err)
	assert.Zero(t, n)

	all, err := l.All()
	require.NoError(t, err)
	require.Len(t, all, 2)
	for _, e := range all {
		assert.NotEqual(t, 1, e.LinkID)
	}
}

func TestEntries_MissingFile(t *testing.T) {
	l := newLedger(t)

	count := 0
	for _, err := range l.Entries() {
		require.NoError(t, err)
		count++
	}
	assert.Zero(t, count)
	assert.NoFileExists(t, l.Path(), "reading must not create the ledger")
}

func TestEntries_RestartableAndEarlyExit(t *testing.T) {
	l := newLedger(t)
	for i := 0; i < 5; i++ {
		_, err := l.Append(Entry{Destination: fmt.Sprintf("/d/%d", i), LinkID: 1, ProcessID: 1}, true)
		require.NoError(t, err)
	}

	seq := l.Entries()
	for pass := 0; pass < 2; pass++ {
		n := 0
		for _, err := range seq {
			require.NoError(t, err)
			n++
		}
		assert.Equal(t, 5, n)
	}

	for range seq {
		break
	}
	// The lock was released by the early exit.
	_, err := l.Append(Entry{Destination: "/d/after", LinkID: 1, ProcessID: 1}, true)
	assert.NoError(t, err)
}

func TestPathsWithCommasAndQuotes(t *testing.T) {
	l := newLedger(t)
	e := Entry{Destination: `/dest/odd, "name".py`, LinkID: 1, ProcessID: 2}

	_, err := l.Append(e, true)
	require.NoError(t, err)

	all, err := l.All()
	require.NoError(t, err)
	assert.Equal(t, []Entry{e}, all)
}

func TestMalformedRowsSkipped(t *testing.T) {
	l := newLedger(t)
	content := "/dest/a,1,100\nbroken\n/dest/b,x,1\n/dest/c,2,200\n"
	require.NoError(t, os.WriteFile(l.Path(), []byte(content), 0o644))

	all, err := l.All()
	require.NoError(t, err)
	assert.Equal(t, []Entry{
		{Destination: "/dest/a", LinkID: 1, ProcessID: 100},
		{Destination: "/dest/c", LinkID: 2, ProcessID: 200},
	}, all)
}

func TestMutualExclusion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.csv")

	// Two handles stand in for two worker processes.
	first, second := New(path), New(path)

	const files = 50
	var wg sync.WaitGroup
	wins := make([][]string, 2)
	for i, l := range []*Ledger{first, second} {
		wg.Add(1)
		go func(i int, l *Ledger) {
			defer wg.Done()
			for f := 0; f < files; f++ {
				dest := fmt.Sprintf("/dest/file%02d.py", f)
				ok, err := l.Append(Entry{Destination: dest, LinkID: i + 1, ProcessID: 1000 + i}, true)
				if assert.NoError(t, err) && ok {
					wins[i] = append(wins[i], dest)
				}
			}
		}(i, l)
	}
	wg.Wait()

	assert.Equal(t, files, len(wins[0])+len(wins[1]), "each destination claimed exactly once")

	all, err := first.All()
	require.NoError(t, err)
	assert.Len(t, all, files)

	seen := make(map[string]bool)
	for _, e := range all {
		assert.False(t, seen[e.Destination], "duplicate %s", e.Destination)
		seen[e.Destination] = true
	}
}
