package mirror

import (
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func leftovers(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	var names []string
	for _, ent := range entries {
		if strings.HasSuffix(ent.Name(), tempSuffix) {
			names = append(names, ent.Name())
		}
	}
	return names
}

func TestCopyFile(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "code.py")
	require.NoError(t, os.WriteFile(src, []byte("print('hi')"), 0o600))

	dst := filepath.Join(dir, "out", "code.py")
	require.NoError(t, copyFile(src, dst))

	assert.Equal(t, "print('hi')", readFile(t, dst))
	info, err := os.Stat(dst)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
	assert.Empty(t, leftovers(t, filepath.Dir(dst)))
}

func TestCopyFile_MissingSource(t *testing.T) {
	dir := t.TempDir()
	dst := filepath.Join(dir, "code.py")

	err := copyFile(filepath.Join(dir, "gone.py"), dst)
	assert.ErrorIs(t, err, fs.ErrNotExist)
	assert.NoFileExists(t, dst)
	assert.Empty(t, leftovers(t, dir))
}
