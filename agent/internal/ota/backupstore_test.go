package ota

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTree(t *testing.T, dir string, files map[string]string) {
	t.Helper()
	for name, content := range files {
		path := filepath.Join(dir, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	}
}

func TestBackupRestoreRoundTrip(t *testing.T) {
	install := t.TempDir()
	writeTree(t, install, map[string]string{
		"VERSION":      "1.2.0\n",
		"lib/core.py":  "old core",
		"etc/app.yaml": "old config",
	})

	store, err := NewBackupStore(t.TempDir(), 3, nil)
	require.NoError(t, err)

	backup, err := store.Backup("nodi-edge", "1.2.0", install)
	require.NoError(t, err)
	assert.Equal(t, "nodi-edge", backup.Package)
	assert.Equal(t, "1.2.0", backup.Version)
	assert.Greater(t, backup.Size, int64(0))

	// mutate the tree, then restore
	writeTree(t, install, map[string]string{
		"VERSION":     "1.3.0\n",
		"lib/core.py": "new core",
	})
	require.NoError(t, store.Restore(backup, install))

	data, err := os.ReadFile(filepath.Join(install, "lib", "core.py"))
	require.NoError(t, err)
	assert.Equal(t, "old core", string(data))
	data, err = os.ReadFile(filepath.Join(install, "VERSION"))
	require.NoError(t, err)
	assert.Equal(t, "1.2.0\n", string(data))
}

func TestBackupMissingSource(t *testing.T) {
	store, err := NewBackupStore(t.TempDir(), 3, nil)
	require.NoError(t, err)

	_, err = store.Backup("nodi-edge", "1.0.0", filepath.Join(t.TempDir(), "nope"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrBackup))
}

func TestRestoreMissingArchive(t *testing.T) {
	store, err := NewBackupStore(t.TempDir(), 3, nil)
	require.NoError(t, err)

	err = store.Restore(&VersionBackup{Path: "/does/not/exist.tar.gz"}, t.TempDir())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrRestore))
}

func TestRestoreCorruptedArchive(t *testing.T) {
	dir := t.TempDir()
	bad := filepath.Join(dir, "nodi-edge-1.0.0-20260101_000000.tar.gz")
	require.NoError(t, os.WriteFile(bad, []byte("not a gzip"), 0o644))

	store, err := NewBackupStore(dir, 3, nil)
	require.NoError(t, err)

	err = store.Restore(&VersionBackup{Path: bad}, t.TempDir())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrRestore))
}

func TestPruneRetention(t *testing.T) {
	install := t.TempDir()
	writeTree(t, install, map[string]string{"VERSION": "x"})

	store, err := NewBackupStore(t.TempDir(), 3, nil)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		_, err := store.Backup("nodi-edge", fmt.Sprintf("1.0.%d", i), install)
		require.NoError(t, err)
		store.Prune("nodi-edge")
	}

	backups := store.List("nodi-edge")
	require.Len(t, backups, 3)
	// newest kept, oldest evicted
	assert.Equal(t, "1.0.4", backups[0].Version)
	assert.Equal(t, "1.0.2", backups[2].Version)

	for _, b := range backups {
		_, err := os.Stat(b.Path)
		assert.NoError(t, err)
	}
}

func TestLatestPerPackage(t *testing.T) {
	install := t.TempDir()
	writeTree(t, install, map[string]string{"VERSION": "x"})

	store, err := NewBackupStore(t.TempDir(), 3, nil)
	require.NoError(t, err)

	_, err = store.Backup("other-pkg", "9.9.9", install)
	require.NoError(t, err)
	_, err = store.Backup("nodi-edge", "1.0.0", install)
	require.NoError(t, err)

	latest, ok := store.Latest("nodi-edge")
	require.True(t, ok)
	assert.Equal(t, "1.0.0", latest.Version)

	_, ok = store.Latest("unknown-pkg")
	assert.False(t, ok)
}

func TestIndexReloadFromDirectory(t *testing.T) {
	install := t.TempDir()
	writeTree(t, install, map[string]string{"VERSION": "x"})
	dir := t.TempDir()

	store, err := NewBackupStore(dir, 3, nil)
	require.NoError(t, err)
	_, err = store.Backup("nodi-edge", "1.0.0", install)
	require.NoError(t, err)

	// a fresh store over the same directory sees the archive
	reopened, err := NewBackupStore(dir, 3, nil)
	require.NoError(t, err)
	latest, ok := reopened.Latest("nodi-edge")
	require.True(t, ok)
	assert.Equal(t, "1.0.0", latest.Version)
}

func TestDropByPathForgetsRemovedArchive(t *testing.T) {
	install := t.TempDir()
	writeTree(t, install, map[string]string{"VERSION": "x"})

	store, err := NewBackupStore(t.TempDir(), 3, nil)
	require.NoError(t, err)
	backup, err := store.Backup("nodi-edge", "1.0.0", install)
	require.NoError(t, err)

	store.dropByPath(backup.Path)
	_, ok := store.Latest("nodi-edge")
	assert.False(t, ok)
}

func TestParseBackupName(t *testing.T) {
	pkg, ver := parseBackupName("nodi-edge-1.2.3-20260101_120000.tar.gz")
	assert.Equal(t, "nodi-edge", pkg)
	assert.Equal(t, "1.2.3", ver)

	pkg, ver = parseBackupName("weird.tar.gz")
	assert.Equal(t, "weird", pkg)
	assert.Equal(t, "unknown", ver)
}
