package ota

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	goupdate "github.com/inconshreveable/go-update"

	"nodi-agent/agent/internal/logger"
)

// Installer applies a verified artifact over the live installation. This is
// the sole destructive step; it performs no rollback of its own, the
// orchestrator drives that from the backup taken beforehand.
type Installer struct {
	InstallDir string
	BinaryPath string
	Timeout    time.Duration
}

// packageManifest is the optional manifest.json bundled inside an archive
// package. Migrations run in declared order after file placement.
type packageManifest struct {
	Migrations []string `json:"migrations,omitempty"`
}

// Install applies the artifact. Gzip archives are unpacked over the install
// tree and their migrations executed; anything else is treated as a raw
// executable and swapped in atomically.
func (i *Installer) Install(ctx context.Context, art *PackageArtifact) error {
	if i.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, i.Timeout)
		defer cancel()
	}

	gz, err := isGzip(art.Path)
	if err != nil {
		return fmt.Errorf("%w: read artifact: %v", ErrInstall, err)
	}
	if gz {
		return i.installArchive(ctx, art)
	}
	return i.installBinary(art)
}

func (i *Installer) installArchive(ctx context.Context, art *PackageArtifact) error {
	if err := os.MkdirAll(i.InstallDir, 0o755); err != nil {
		return fmt.Errorf("%w: %v", ErrInstall, err)
	}
	if err := extractTarGz(art.Path, i.InstallDir); err != nil {
		return fmt.Errorf("%w: unpack: %v", ErrInstall, err)
	}

	manifest, err := readManifest(filepath.Join(i.InstallDir, "manifest.json"))
	if err != nil {
		return fmt.Errorf("%w: manifest: %v", ErrInstall, err)
	}
	for _, step := range manifest.Migrations {
		if err := i.runMigration(ctx, step); err != nil {
			return err
		}
	}
	return nil
}

func (i *Installer) runMigration(ctx context.Context, step string) error {
	path := filepath.Join(i.InstallDir, filepath.FromSlash(step))
	if !filepath.IsLocal(step) {
		return fmt.Errorf("%w: migration escapes install dir: %s", ErrInstall, step)
	}
	logger.Infof("Running migration %s", step)
	cmd := exec.CommandContext(ctx, path)
	cmd.Dir = i.InstallDir
	out, err := cmd.CombinedOutput()
	if ctx.Err() == context.DeadlineExceeded {
		return fmt.Errorf("%w: migration %s timed out", ErrInstall, step)
	}
	if err != nil {
		return fmt.Errorf("%w: migration %s: %v: %s", ErrInstall, step, err, out)
	}
	return nil
}

func (i *Installer) installBinary(art *PackageArtifact) error {
	if i.BinaryPath == "" {
		return fmt.Errorf("%w: binary artifact but no binary path configured", ErrInstall)
	}
	f, err := os.Open(art.Path)
	if err != nil {
		return fmt.Errorf("%w: open artifact: %v", ErrInstall, err)
	}
	defer f.Close()
	if err := goupdate.Apply(f, goupdate.Options{TargetPath: i.BinaryPath}); err != nil {
		if rerr := goupdate.RollbackError(err); rerr != nil {
			return fmt.Errorf("%w: apply failed and binary left inconsistent: %v (rollback: %v)", ErrInstall, err, rerr)
		}
		return fmt.Errorf("%w: %v", ErrInstall, err)
	}
	return nil
}

func readManifest(path string) (packageManifest, error) {
	var m packageManifest
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return m, nil
	}
	if err != nil {
		return m, err
	}
	if err := json.Unmarshal(data, &m); err != nil {
		return m, err
	}
	return m, nil
}

func isGzip(path string) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return false, err
	}
	defer f.Close()
	var magic [2]byte
	if _, err := f.Read(magic[:]); err != nil {
		return false, err
	}
	return magic[0] == 0x1f && magic[1] == 0x8b, nil
}
