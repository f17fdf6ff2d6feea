package blobchannel

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/minio/sha256-simd"
	"github.com/spf13/afero"
)

const (
	localScheme        = "local://"
	casAlgorithmPrefix = "sha256"
)

// Local stores blobs in a content-addressed tree on a filesystem. It stands in
// for the remote channel in development and tests.
type Local struct {
	fs      afero.Fs
	root    string
	maxBlob int64
}

// NewLocal creates a local channel rooted at root on fs.
func NewLocal(fs afero.Fs, root string, maxBlob int64) (*Local, error) {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	root = strings.TrimSpace(root)
	if root == "" {
		return nil, fmt.Errorf("local channel root is required")
	}
	if maxBlob <= 0 {
		return nil, fmt.Errorf("local channel max blob size must be positive")
	}
	if err := fs.MkdirAll(filepath.Join(root, "tmp"), 0o755); err != nil {
		return nil, err
	}
	return &Local{fs: fs, root: root, maxBlob: maxBlob}, nil
}

// MaxBlobSize returns the configured ceiling.
func (c *Local) MaxBlobSize() int64 {
	return c.maxBlob
}

// Ready always succeeds for a local tree.
func (c *Local) Ready(ctx context.Context) error {
	return ctx.Err()
}

// Upload stores the blob by digest. The name only labels the temp file.
func (c *Local) Upload(ctx context.Context, name string, r io.Reader, size int64) (string, error) {
	if r == nil {
		return "", fmt.Errorf("reader is required")
	}
	if size > c.maxBlob {
		return "", fmt.Errorf("%w: %s is %d bytes", ErrBlobTooLarge, name, size)
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	tmp, err := afero.TempFile(c.fs, filepath.Join(c.root, "tmp"), "put-*")
	if err != nil {
		return "", err
	}
	tmpPath := tmp.Name()
	cleanup := func() {
		_ = tmp.Close()
		_ = c.fs.Remove(tmpPath)
	}

	h := sha256.New()
	n, err := io.Copy(io.MultiWriter(tmp, h), io.LimitReader(r, c.maxBlob+1))
	if err != nil {
		cleanup()
		return "", err
	}
	if n > c.maxBlob {
		cleanup()
		return "", fmt.Errorf("%w: %s", ErrBlobTooLarge, name)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return "", err
	}

	digest := hex.EncodeToString(h.Sum(nil))
	key := casKeyFromDigest(digest)
	dst := filepath.Join(c.root, filepath.FromSlash(key))
	if err := c.fs.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		cleanup()
		return "", err
	}

	if _, err := c.fs.Stat(dst); err == nil {
		_ = c.fs.Remove(tmpPath)
		return localScheme + key, nil
	} else if !errors.Is(err, os.ErrNotExist) {
		cleanup()
		return "", err
	}

	if err := c.fs.Rename(tmpPath, dst); err != nil {
		if _, statErr := c.fs.Stat(dst); statErr == nil {
			_ = c.fs.Remove(tmpPath)
			return localScheme + key, nil
		}
		cleanup()
		return "", err
	}
	return localScheme + key, nil
}

// Fetch opens a blob previously returned by Upload.
func (c *Local) Fetch(ctx context.Context, url string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !strings.HasPrefix(url, localScheme) {
		return nil, fmt.Errorf("not a local blob url: %q", url)
	}
	path, err := c.pathFromKey(strings.TrimPrefix(url, localScheme))
	if err != nil {
		return nil, err
	}
	f, err := c.fs.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, &StatusError{Op: "fetch", StatusCode: 404}
	}
	if err != nil {
		return nil, err
	}
	return f, nil
}

func casKeyFromDigest(digest string) string {
	return fmt.Sprintf("%s/%s/%s/%s", casAlgorithmPrefix, digest[0:2], digest[2:4], digest)
}

func (c *Local) pathFromKey(key string) (string, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return "", fmt.Errorf("blob key is required")
	}
	if strings.HasPrefix(key, "/") {
		return "", fmt.Errorf("blob key must be relative")
	}
	clean := filepath.Clean(filepath.FromSlash(key))
	if clean == "." || strings.HasPrefix(clean, "..") || strings.Contains(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("invalid blob key")
	}
	return filepath.Join(c.root, clean), nil
}
