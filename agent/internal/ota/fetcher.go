package ota

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"time"
)

// Fetcher retrieves package artifacts into the staging directory. It never
// touches the live installation.
type Fetcher struct {
	StagingDir string
	MaxSize    int64
	Timeout    time.Duration
	Client     *http.Client
}

func NewFetcher(stagingDir string, maxSize int64, timeout time.Duration) *Fetcher {
	return &Fetcher{
		StagingDir: stagingDir,
		MaxSize:    maxSize,
		Timeout:    timeout,
		Client:     &http.Client{Timeout: timeout},
	}
}

// Fetch downloads rawURL into staging, hashing while it copies. The returned
// artifact carries the measured sha256 so verification needs no second read.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (*PackageArtifact, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("%w: parse url: %v", ErrFetch, err)
	}
	if err := os.MkdirAll(f.StagingDir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: mkdir staging: %v", ErrFetch, err)
	}

	name := path.Base(u.Path)
	if name == "" || name == "/" || name == "." {
		name = "package"
	}
	dest := filepath.Join(f.StagingDir, name)

	if f.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.Timeout)
		defer cancel()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFetch, err)
	}
	resp, err := f.client().Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFetch, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%w: status %d from %s", ErrFetch, resp.StatusCode, u.Host)
	}
	if f.MaxSize > 0 && resp.ContentLength > f.MaxSize {
		return nil, fmt.Errorf("%w: content length %d exceeds limit %d", ErrFetch, resp.ContentLength, f.MaxSize)
	}

	file, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("%w: create staging file: %v", ErrFetch, err)
	}

	hasher := sha256.New()
	body := io.Reader(resp.Body)
	if f.MaxSize > 0 {
		body = io.LimitReader(resp.Body, f.MaxSize+1)
	}
	size, err := io.Copy(io.MultiWriter(file, hasher), body)
	closeErr := file.Close()
	if err != nil {
		os.Remove(dest)
		return nil, fmt.Errorf("%w: download: %v", ErrFetch, err)
	}
	if closeErr != nil {
		os.Remove(dest)
		return nil, fmt.Errorf("%w: close staging file: %v", ErrFetch, closeErr)
	}
	if f.MaxSize > 0 && size > f.MaxSize {
		os.Remove(dest)
		return nil, fmt.Errorf("%w: size exceeds limit %d", ErrFetch, f.MaxSize)
	}

	return &PackageArtifact{
		Path:   dest,
		Digest: hex.EncodeToString(hasher.Sum(nil)),
		Size:   size,
	}, nil
}

func (f *Fetcher) client() *http.Client {
	if f.Client != nil {
		return f.Client
	}
	return http.DefaultClient
}
