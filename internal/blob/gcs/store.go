// Package gcs implements the snapshot archive on Google Cloud Storage.
package gcs

import (
	"context"
	"fmt"
	"io"
	"strings"

	"cloud.google.com/go/storage"
)

// Store writes snapshots to a GCS bucket.
type Store struct {
	client *storage.Client
	bucket string
}

// New creates a GCS-backed store and verifies the bucket is reachable so
// credential or configuration problems surface at startup.
func New(ctx context.Context, bucket string) (*Store, error) {
	if strings.TrimSpace(bucket) == "" {
		return nil, fmt.Errorf("bucket name is required")
	}
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("create storage client: %w", err)
	}
	if _, err := client.Bucket(bucket).Attrs(ctx); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("verify bucket %q: %w", bucket, err)
	}
	return &Store{client: client, bucket: bucket}, nil
}

// NewWithClient wraps an existing client without probing the bucket.
func NewWithClient(client *storage.Client, bucket string) *Store {
	return &Store{client: client, bucket: bucket}
}

// Put streams the object into the bucket and returns a gs:// URI.
func (s *Store) Put(ctx context.Context, path, contentType string, r io.Reader) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", fmt.Errorf("path is required")
	}

	w := s.client.Bucket(s.bucket).Object(path).NewWriter(ctx)
	w.ContentType = contentType

	_, copyErr := io.Copy(w, r)
	closeErr := w.Close()
	if copyErr != nil {
		return "", fmt.Errorf("write object: %w", copyErr)
	}
	if closeErr != nil {
		return "", fmt.Errorf("finalize object: %w", closeErr)
	}
	return fmt.Sprintf("gs://%s/%s", s.bucket, path), nil
}

// Close releases the underlying client.
func (s *Store) Close() error {
	return s.client.Close()
}
