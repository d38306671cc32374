// Package noop provides a BlobStore that discards everything, for
// deployments that do not mirror media.
package noop

import (
	"context"

	"github.com/datapipe-labs/harvester/internal/harvest"
)

// BlobStore accepts and drops every write.
type BlobStore struct{}

var _ harvest.BlobStore = BlobStore{}

// New returns the discard store.
func New() BlobStore {
	return BlobStore{}
}

// Put drops the data and returns an empty URI.
func (BlobStore) Put(ctx context.Context, path, contentType string, data []byte) (string, error) {
	return "", nil
}

// Exists always reports true so callers skip the download entirely.
func (BlobStore) Exists(ctx context.Context, path string) (bool, error) {
	return true, nil
}
