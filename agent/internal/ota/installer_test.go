package ota

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// packArchive builds a tar.gz package from files, returning its path.
func packArchive(t *testing.T, files map[string]string) string {
	t.Helper()
	src := t.TempDir()
	writeTree(t, src, files)
	dest := filepath.Join(t.TempDir(), "pkg.tar.gz")
	require.NoError(t, createTarGz(src, "nodi-edge", dest))
	return dest
}

// packFlatArchive builds a tar.gz whose entries sit at the archive root,
// without a wrapping directory.
func packFlatArchive(t *testing.T, files map[string]string) string {
	t.Helper()
	dest := filepath.Join(t.TempDir(), "flat.tar.gz")
	out, err := os.Create(dest)
	require.NoError(t, err)
	gw := gzip.NewWriter(out)
	tw := tar.NewWriter(gw)
	for name, body := range files {
		require.NoError(t, tw.WriteHeader(&tar.Header{
			Name:     name,
			Typeflag: tar.TypeReg,
			Mode:     0o644,
			Size:     int64(len(body)),
		}))
		_, err = tw.Write([]byte(body))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	require.NoError(t, gw.Close())
	require.NoError(t, out.Close())
	return dest
}

func TestInstallArchivePlacesFiles(t *testing.T) {
	pkg := packArchive(t, map[string]string{
		"VERSION":     "1.3.0\n",
		"lib/core.py": "new core",
	})
	install := t.TempDir()
	inst := &Installer{InstallDir: install, Timeout: 30 * time.Second}

	require.NoError(t, inst.Install(context.Background(), &PackageArtifact{Path: pkg}))

	data, err := os.ReadFile(filepath.Join(install, "lib", "core.py"))
	require.NoError(t, err)
	assert.Equal(t, "new core", string(data))
}

func TestInstallFlatArchivePlacesFiles(t *testing.T) {
	pkg := packFlatArchive(t, map[string]string{
		"VERSION":     "1.3.0\n",
		"lib/core.py": "flat core",
	})
	install := t.TempDir()
	inst := &Installer{InstallDir: install, Timeout: 30 * time.Second}

	require.NoError(t, inst.Install(context.Background(), &PackageArtifact{Path: pkg}))

	data, err := os.ReadFile(filepath.Join(install, "lib", "core.py"))
	require.NoError(t, err)
	assert.Equal(t, "flat core", string(data))
	version, err := os.ReadFile(filepath.Join(install, "VERSION"))
	require.NoError(t, err)
	assert.Equal(t, "1.3.0\n", string(version))
}

func TestInstallArchiveWithoutFilesFails(t *testing.T) {
	pkg := packFlatArchive(t, nil)
	inst := &Installer{InstallDir: t.TempDir(), Timeout: time.Second}

	err := inst.Install(context.Background(), &PackageArtifact{Path: pkg})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInstall))
	assert.Contains(t, err.Error(), "no files")
}

func TestInstallRunsMigrationsInOrder(t *testing.T) {
	marker := filepath.Join(t.TempDir(), "order")
	script := func(word string) string {
		return "#!/bin/sh\necho " + word + " >> " + marker + "\n"
	}
	src := t.TempDir()
	writeTree(t, src, map[string]string{
		"manifest.json":           `{"migrations":["migrations/01_schema.sh","migrations/02_data.sh"]}`,
		"migrations/01_schema.sh": script("schema"),
		"migrations/02_data.sh":   script("data"),
	})
	require.NoError(t, os.Chmod(filepath.Join(src, "migrations", "01_schema.sh"), 0o755))
	require.NoError(t, os.Chmod(filepath.Join(src, "migrations", "02_data.sh"), 0o755))
	pkg := filepath.Join(t.TempDir(), "pkg.tar.gz")
	require.NoError(t, createTarGz(src, "nodi-edge", pkg))

	inst := &Installer{InstallDir: t.TempDir(), Timeout: 30 * time.Second}
	require.NoError(t, inst.Install(context.Background(), &PackageArtifact{Path: pkg}))

	data, err := os.ReadFile(marker)
	require.NoError(t, err)
	assert.Equal(t, "schema\ndata\n", string(data))
}

func TestInstallFailingMigration(t *testing.T) {
	src := t.TempDir()
	writeTree(t, src, map[string]string{
		"manifest.json":      `{"migrations":["migrations/boom.sh"]}`,
		"migrations/boom.sh": "#!/bin/sh\nexit 1\n",
	})
	require.NoError(t, os.Chmod(filepath.Join(src, "migrations", "boom.sh"), 0o755))
	pkg := filepath.Join(t.TempDir(), "pkg.tar.gz")
	require.NoError(t, createTarGz(src, "nodi-edge", pkg))

	inst := &Installer{InstallDir: t.TempDir(), Timeout: 30 * time.Second}
	err := inst.Install(context.Background(), &PackageArtifact{Path: pkg})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInstall))
}

func TestInstallRejectsEscapingMigration(t *testing.T) {
	pkg := packArchive(t, map[string]string{
		"manifest.json": `{"migrations":["../outside.sh"]}`,
	})
	inst := &Installer{InstallDir: t.TempDir(), Timeout: 30 * time.Second}
	err := inst.Install(context.Background(), &PackageArtifact{Path: pkg})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInstall))
}

func TestInstallBinaryWithoutTarget(t *testing.T) {
	raw := filepath.Join(t.TempDir(), "agent.bin")
	require.NoError(t, os.WriteFile(raw, []byte("not a gzip"), 0o644))

	inst := &Installer{InstallDir: t.TempDir(), Timeout: time.Second}
	err := inst.Install(context.Background(), &PackageArtifact{Path: raw})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInstall))
}
