package catalog

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestListScenario(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "a", "b"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "a", "x.txt"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "a", "b", "y.png"), []byte("y"), 0o644))

	c := New(DefaultHidden, zaptest.NewLogger(t))
	got := c.List(filepath.Join(root, "a"))
	assert.Equal(t, []string{"b"}, got.Folders)
	assert.Equal(t, []string{"x.txt"}, got.Files)

	again := c.List(filepath.Join(root, "a"))
	assert.ElementsMatch(t, got.Folders, again.Folders)
	assert.ElementsMatch(t, got.Files, again.Files)
}

func TestListCreatesMissingDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "new", "deeper")
	got := New(nil, nil).List(dir)

	assert.NotNil(t, got.Folders)
	assert.NotNil(t, got.Files)
	assert.Empty(t, got.Folders)
	assert.Empty(t, got.Files)
	assert.DirExists(t, dir)
}

func TestListHidesInternalEntries(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(root, ".filebay-staging-123"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, ".filebay-abc.part"), nil, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "visible.txt"), nil, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "notes.bak"), nil, 0o644))

	got := New(append([]string{"*.bak", "[invalid"}, DefaultHidden...), nil).List(root)
	assert.Empty(t, got.Folders)
	assert.Equal(t, []string{"visible.txt"}, got.Files)
}

func TestListSymlinks(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(root, "real"), 0o755))
	require.NoError(t, os.Symlink(filepath.Join(root, "real"), filepath.Join(root, "dirlink")))
	require.NoError(t, os.Symlink(filepath.Join(root, "gone"), filepath.Join(root, "dangling")))

	got := New(nil, nil).List(root)
	assert.Equal(t, []string{"dirlink", "real"}, got.Folders)
	assert.Equal(t, []string{"dangling"}, got.Files)
}

func TestListOnFileDegradesToEmpty(t *testing.T) {
	f := filepath.Join(t.TempDir(), "file.txt")
	require.NoError(t, os.WriteFile(f, []byte("x"), 0o644))

	got := New(nil, zaptest.NewLogger(t)).List(f)
	assert.Equal(t, []string{}, got.Folders)
	assert.Equal(t, []string{}, got.Files)
}
