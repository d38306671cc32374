// Package gcs provides a BlobStore backed by Google Cloud Storage.
// Authentication rides on Application Default Credentials.
package gcs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"cloud.google.com/go/storage"

	"github.com/datapipe-labs/harvester/internal/harvest"
)

// BlobStore writes mirrored media to a configured GCS bucket.
type BlobStore struct {
	client *storage.Client
	bucket string
}

var _ harvest.BlobStore = (*BlobStore)(nil)

// New builds a GCS-backed blob store, verifying the bucket up front so a
// misconfigured deployment fails at startup instead of on the first upload.
func New(ctx context.Context, bucket string) (*BlobStore, error) {
	if bucket == "" {
		return nil, errors.New("bucket name is required")
	}

	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("create gcs client: %w", err)
	}
	if _, err := client.Bucket(bucket).Attrs(ctx); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("get bucket %q attributes: %w", bucket, err)
	}

	return &BlobStore{client: client, bucket: bucket}, nil
}

// Put uploads data and returns its gs:// URI. Close finalizes the upload, so
// its error is the one that matters.
func (s *BlobStore) Put(ctx context.Context, path, contentType string, data []byte) (string, error) {
	w := s.client.Bucket(s.bucket).Object(path).NewWriter(ctx)
	if contentType != "" {
		w.ContentType = contentType
	}
	if _, err := io.Copy(w, bytes.NewReader(data)); err != nil {
		_ = w.Close()
		return "", fmt.Errorf("write object %s: %w", path, err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("finalize object %s: %w", path, err)
	}
	return fmt.Sprintf("gs://%s/%s", s.bucket, path), nil
}

// Exists reports whether the object is already present.
func (s *BlobStore) Exists(ctx context.Context, path string) (bool, error) {
	_, err := s.client.Bucket(s.bucket).Object(path).Attrs(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("stat object %s: %w", path, err)
	}
	return true, nil
}

// Close releases the underlying client.
func (s *BlobStore) Close() error {
	return s.client.Close()
}
