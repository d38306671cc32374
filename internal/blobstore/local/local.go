// Package local provides a BlobStore rooted in a directory on disk, used for
// development and single-host runs.
package local

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/datapipe-labs/harvester/internal/harvest"
)

// BlobStore writes blobs under a root directory, mirroring object paths as
// file paths.
type BlobStore struct {
	root string
}

var _ harvest.BlobStore = (*BlobStore)(nil)

// New creates the root directory if needed.
func New(root string) (*BlobStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create blob root %s: %w", root, err)
	}
	return &BlobStore{root: root}, nil
}

func (s *BlobStore) filePath(path string) string {
	return filepath.Join(s.root, filepath.FromSlash(path))
}

// Put writes the blob atomically via a temp file rename and returns a
// file:// URI.
func (s *BlobStore) Put(ctx context.Context, path, contentType string, data []byte) (string, error) {
	dst := s.filePath(path)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return "", fmt.Errorf("create blob dir: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(dst), ".blob-*")
	if err != nil {
		return "", fmt.Errorf("create temp blob: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return "", fmt.Errorf("write blob %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return "", fmt.Errorf("close blob %s: %w", path, err)
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		_ = os.Remove(tmp.Name())
		return "", fmt.Errorf("finalize blob %s: %w", path, err)
	}
	return "file://" + dst, nil
}

// Exists reports whether the blob file is present.
func (s *BlobStore) Exists(ctx context.Context, path string) (bool, error) {
	_, err := os.Stat(s.filePath(path))
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("stat blob %s: %w", path, err)
	}
	return true, nil
}
