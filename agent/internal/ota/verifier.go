package ota

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strings"
)

// VerifyChecksum checks an artifact's digest against the expected value.
// Expected is either "sha256:<hex>" or bare hex (original packages shipped
// both forms). Comparison is case-insensitive. A mismatch is never retried.
func VerifyChecksum(art *PackageArtifact, expected string) error {
	algo := "sha256"
	want := strings.TrimSpace(expected)
	if i := strings.IndexByte(want, ':'); i >= 0 {
		algo = strings.ToLower(want[:i])
		want = want[i+1:]
	}
	if algo != "sha256" {
		return fmt.Errorf("%w: unsupported checksum algorithm %q", ErrChecksumMismatch, algo)
	}
	if want == "" {
		return fmt.Errorf("%w: empty expected digest", ErrChecksumMismatch)
	}

	got := art.Digest
	if got == "" {
		var err error
		got, err = fileSHA256(art.Path)
		if err != nil {
			return fmt.Errorf("%w: read artifact: %v", ErrChecksumMismatch, err)
		}
	}
	if !strings.EqualFold(got, want) {
		return fmt.Errorf("%w: got %s expect %s", ErrChecksumMismatch, got, want)
	}
	return nil
}

func fileSHA256(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
