package ota

import (
	"archive/tar"
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// createTarGz archives srcDir into dest with arcname as the top-level entry.
func createTarGz(srcDir, arcname, dest string) error {
	out, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("create archive: %w", err)
	}
	defer out.Close()

	gw := gzip.NewWriter(out)
	tw := tar.NewWriter(gw)

	err = filepath.Walk(srcDir, func(path string, info os.FileInfo, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		rel, err := filepath.Rel(srcDir, path)
		if err != nil {
			return err
		}
		name := arcname
		if rel != "." {
			name = filepath.ToSlash(filepath.Join(arcname, rel))
		}
		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		hdr.Name = name
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(tw, f)
		return err
	})
	if err != nil {
		return fmt.Errorf("archive %s: %w", srcDir, err)
	}
	if err := tw.Close(); err != nil {
		return err
	}
	return gw.Close()
}

// extractTarGz unpacks src into destDir. An archive wrapped in a single
// top-level directory is flattened so the tree lands directly in destDir;
// entries already at the archive root extract as-is. Entries escaping
// destDir are rejected, and an archive that places no files at all is an
// error rather than a silent no-op.
func extractTarGz(src, destDir string) error {
	prefix, err := topDirPrefix(src)
	if err != nil {
		return err
	}

	f, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	defer f.Close()

	gr, err := gzip.NewReader(f)
	if err != nil {
		return fmt.Errorf("gzip: %w", err)
	}
	defer gr.Close()

	placed := 0
	tr := tar.NewReader(gr)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			if placed == 0 {
				return fmt.Errorf("archive contains no files")
			}
			return nil
		}
		if err != nil {
			return fmt.Errorf("read archive: %w", err)
		}

		name := normalizeEntry(hdr.Name)
		if prefix != "" {
			if name+"/" == prefix {
				continue
			}
			name = strings.TrimPrefix(name, prefix)
		}
		if name == "" {
			continue
		}
		target := filepath.Join(destDir, filepath.FromSlash(name))
		if !strings.HasPrefix(target, filepath.Clean(destDir)+string(os.PathSeparator)) {
			return fmt.Errorf("archive entry escapes destination: %s", hdr.Name)
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, os.FileMode(hdr.Mode)|0o700); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(hdr.Mode))
			if err != nil {
				return err
			}
			if _, err := io.Copy(out, tr); err != nil {
				out.Close()
				return err
			}
			if err := out.Close(); err != nil {
				return err
			}
			placed++
		default:
			// symlinks and the rest are not part of package trees
		}
	}
}

// readTarGz walks every entry and fully reads regular files, proving the
// archive is complete and decompressible.
func readTarGz(src string) error {
	f, err := os.Open(src)
	if err != nil {
		return err
	}
	defer f.Close()

	gr, err := gzip.NewReader(f)
	if err != nil {
		return err
	}
	defer gr.Close()

	tr := tar.NewReader(gr)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if hdr.Typeflag == tar.TypeReg {
			if _, err := io.Copy(io.Discard, tr); err != nil {
				return err
			}
		}
	}
}

// topDirPrefix scans the archive once and returns the shared top-level
// directory prefix (with trailing slash), or "" when entries sit at the
// archive root or span several top-level names.
func topDirPrefix(src string) (string, error) {
	f, err := os.Open(src)
	if err != nil {
		return "", fmt.Errorf("open archive: %w", err)
	}
	defer f.Close()

	gr, err := gzip.NewReader(f)
	if err != nil {
		return "", fmt.Errorf("gzip: %w", err)
	}
	defer gr.Close()

	top := ""
	tr := tar.NewReader(gr)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", fmt.Errorf("read archive: %w", err)
		}
		name := normalizeEntry(hdr.Name)
		if name == "" {
			continue
		}
		i := strings.IndexByte(name, '/')
		if i < 0 {
			if hdr.Typeflag != tar.TypeDir {
				// a file at the archive root means a flat layout
				return "", nil
			}
			i = len(name)
		}
		seg := name[:i]
		if top == "" {
			top = seg
		} else if top != seg {
			return "", nil
		}
	}
	if top == "" {
		return "", nil
	}
	return top + "/", nil
}

func normalizeEntry(name string) string {
	return strings.Trim(strings.TrimPrefix(filepath.ToSlash(name), "./"), "/")
}
