package workspace

import (
	"archive/zip"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jamesainslie/circlink/pkg/circlink/store"
	"github.com/jamesainslie/circlink/pkg/circlink/types"
)

type fixture struct {
	links *store.Store
	ws    *Manager
	base  string
	dest  string
}

func setup(t *testing.T) *fixture {
	t.Helper()
	root := t.TempDir()
	f := &fixture{
		links: store.New(filepath.Join(root, "links")),
		base:  filepath.Join(root, "project"),
		dest:  filepath.Join(root, "dest"),
	}
	f.ws = New(filepath.Join(root, "workspaces"), f.links)
	require.NoError(t, os.MkdirAll(f.base, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(f.base, "code.py"), []byte("print(1)"), 0o644))
	return f
}

func (f *fixture) create(t *testing.T, name string, stopped bool) *types.Record {
	t.Helper()
	rec, err := f.links.Create("code.py", f.dest, f.base, types.Options{Name: name})
	require.NoError(t, err)
	rec, err = f.links.Update(rec.ID, func(r *types.Record) error {
		r.ProcessID = 999
		r.Confirmed = true
		if stopped {
			r.MarkStopped()
		}
		return nil
	})
	require.NoError(t, err)
	return rec
}

func TestValidateName(t *testing.T) {
	for _, ok := range []string{"board", "my-project_2", "a.b"} {
		assert.NoError(t, ValidateName(ok), ok)
	}
	for _, bad := range []string{"", ".", "..", ".hidden", "a/b", `a\b`} {
		assert.ErrorIs(t, ValidateName(bad), ErrInvalidName, bad)
	}
}

func TestSave(t *testing.T) {
	f := setup(t)
	f.create(t, "one", false)
	f.create(t, "two", true)

	manifest, err := f.ws.Save("board", false)
	require.NoError(t, err)
	assert.Equal(t, "board", manifest.Name)
	assert.Equal(t, []int{1, 2}, manifest.Links)
	assert.False(t, manifest.Saved.IsZero())

	saved, err := store.New(f.ws.Path("board")).List("*")
	require.NoError(t, err)
	require.Len(t, saved, 2)
	for _, rec := range saved {
		assert.Zero(t, rec.ProcessID)
		assert.True(t, rec.Confirmed)
		assert.True(t, rec.EndFlag)
		assert.True(t, rec.Stopped)
	}
	assert.Equal(t, "one", saved[0].Name)

	live, err := f.links.Load(1)
	require.NoError(t, err)
	assert.True(t, live.Running(), "saving must not touch live records")

	current, err := f.ws.Current()
	require.NoError(t, err)
	assert.Equal(t, "board", current)
}

func TestSave_Exists(t *testing.T) {
	f := setup(t)
	f.create(t, "one", true)
	_, err := f.ws.Save("board", false)
	require.NoError(t, err)

	f.create(t, "two", true)
	_, err = f.ws.Save("board", false)
	assert.ErrorIs(t, err, ErrExists)

	manifest, err := f.ws.Save("board", true)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2}, manifest.Links)

	entries, err := os.ReadDir(f.ws.Dir())
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotContains(t, e.Name(), tmpPrefix, "temporary directories are cleaned up")
	}
}

func TestSave_Empty(t *testing.T) {
	f := setup(t)

	manifest, err := f.ws.Save("empty", false)
	require.NoError(t, err)
	assert.Empty(t, manifest.Links)

	read, err := f.ws.Manifest("empty")
	require.NoError(t, err)
	assert.Empty(t, read.Links)
}

func TestLoad(t *testing.T) {
	f := setup(t)
	f.create(t, "one", true)
	f.create(t, "two", true)
	_, err := f.ws.Save("board", false)
	require.NoError(t, err)

	require.NoError(t, f.links.Delete(1, false))
	require.NoError(t, f.links.Delete(2, false))
	f.create(t, "other", true)
	f.create(t, "other", true)
	f.create(t, "other", true)
	require.NoError(t, f.ws.SetCurrent("scratch"))

	_, err = f.ws.Load("board")
	require.NoError(t, err)

	recs, err := f.links.List("*")
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "one", recs[0].Name)
	assert.Equal(t, "two", recs[1].Name)
	assert.True(t, recs[0].Stopped)

	current, err := f.ws.Current()
	require.NoError(t, err)
	assert.Equal(t, "board", current)
}

func TestLoad_RefusesWhileRunning(t *testing.T) {
	f := setup(t)
	f.create(t, "one", true)
	_, err := f.ws.Save("board", false)
	require.NoError(t, err)

	running := f.create(t, "live", false)

	_, err = f.ws.Load("board")
	assert.ErrorIs(t, err, types.ErrNotStopped)

	_, err = f.links.Load(running.ID)
	assert.NoError(t, err, "a refused load leaves the links alone")
}

func TestLoad_NotFound(t *testing.T) {
	f := setup(t)

	_, err := f.ws.Load("missing")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = f.ws.Load("../links")
	assert.ErrorIs(t, err, ErrInvalidName)
}

func TestList(t *testing.T) {
	f := setup(t)

	list, err := f.ws.List()
	require.NoError(t, err)
	assert.Empty(t, list)

	f.create(t, "one", true)
	for _, name := range []string{"zeta", "alpha"} {
		_, err := f.ws.Save(name, false)
		require.NoError(t, err)
	}
	require.NoError(t, os.MkdirAll(filepath.Join(f.ws.Dir(), "junk"), 0o755))

	list, err = f.ws.List()
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "alpha", list[0].Name)
	assert.Equal(t, "zeta", list[1].Name)
}

func TestDelete(t *testing.T) {
	f := setup(t)
	_, err := f.ws.Save("board", false)
	require.NoError(t, err)

	require.NoError(t, f.ws.Delete("board"))
	assert.NoDirExists(t, f.ws.Path("board"))

	current, err := f.ws.Current()
	require.NoError(t, err)
	assert.Empty(t, current)

	assert.ErrorIs(t, f.ws.Delete("board"), ErrNotFound)
}

func TestCurrent(t *testing.T) {
	f := setup(t)

	current, err := f.ws.Current()
	require.NoError(t, err)
	assert.Empty(t, current)

	require.NoError(t, f.ws.SetCurrent("board"))
	current, err = f.ws.Current()
	require.NoError(t, err)
	assert.Equal(t, "board", current)

	assert.ErrorIs(t, f.ws.SetCurrent("a/b"), ErrInvalidName)
}

func TestExportImport(t *testing.T) {
	f := setup(t)
	f.create(t, "one", true)
	f.create(t, "two", true)
	_, err := f.ws.Save("board", false)
	require.NoError(t, err)

	out, err := f.ws.Export("board", t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, "board.zip", filepath.Base(out))

	zr, err := zip.OpenReader(out)
	require.NoError(t, err)
	var names []string
	for _, zf := range zr.File {
		names = append(names, zf.Name)
	}
	require.NoError(t, zr.Close())
	assert.ElementsMatch(t, []string{"board/link1.json", "board/link2.json", "board/workspace.yaml"}, names)

	_, err = f.ws.Import(out, ImportOptions{})
	assert.ErrorIs(t, err, ErrExists)

	other := setup(t)
	manifest, err := other.ws.Import(out, ImportOptions{Load: true})
	require.NoError(t, err)
	assert.Equal(t, "board", manifest.Name)
	assert.Equal(t, []int{1, 2}, manifest.Links)

	recs, err := other.links.List("*")
	require.NoError(t, err)
	assert.Len(t, recs, 2)
}

func writeZip(t *testing.T, files map[string]string) string {
	t.Helper()
	out := filepath.Join(t.TempDir(), "bad.zip")
	fh, err := os.Create(out)
	require.NoError(t, err)
	zw := zip.NewWriter(fh)
	for name, body := range files {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(body))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	require.NoError(t, fh.Close())
	return out
}

func TestImport_Rejects(t *testing.T) {
	tests := []struct {
		name  string
		files map[string]string
	}{
		{"escape", map[string]string{"../evil/workspace.yaml": "name: evil"}},
		{"top-level file", map[string]string{"workspace.yaml": "name: x"}},
		{"nested", map[string]string{"a/b/workspace.yaml": "name: x"}},
		{"foreign file", map[string]string{"a/workspace.yaml": "name: a", "a/run.sh": "rm -rf /"}},
		{"two workspaces", map[string]string{"a/workspace.yaml": "name: a", "b/workspace.yaml": "name: b"}},
		{"no manifest", map[string]string{"a/link1.json": "{}"}},
		{"empty", map[string]string{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := setup(t)
			_, err := f.ws.Import(writeZip(t, tt.files), ImportOptions{})
			assert.ErrorIs(t, err, ErrInvalidArchive)

			list, err := f.ws.List()
			require.NoError(t, err)
			assert.Empty(t, list)
		})
	}
}

func TestImport_NotAZip(t *testing.T) {
	f := setup(t)
	path := filepath.Join(t.TempDir(), "x.zip")
	require.NoError(t, os.WriteFile(path, []byte("not a zip"), 0o644))

	_, err := f.ws.Import(path, ImportOptions{})
	assert.ErrorIs(t, err, ErrInvalidArchive)
}
