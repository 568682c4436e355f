//go:build gcp

package adapters

import (
	"context"
	"errors"
	"fmt"
	"io"

	"cloud.google.com/go/storage"
)

// GCSReader reads archive objects from Google Cloud Storage.
type GCSReader struct {
	client *storage.Client
	bucket string
}

// NewGCSReader creates a client using application default credentials.
func NewGCSReader(ctx context.Context, bucket string) (*GCSReader, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS client: %w", err)
	}
	return &GCSReader{client: client, bucket: bucket}, nil
}

func (r *GCSReader) Read(ctx context.Context, key string) ([]byte, error) {
	reader, err := r.client.Bucket(r.bucket).Object(key).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, ErrObjectNotFound
		}
		return nil, fmt.Errorf("gcs get failed for %s: %w", key, err)
	}
	defer func() { _ = reader.Close() }()
	return io.ReadAll(io.LimitReader(reader, maxBodyBytes))
}

func (r *GCSReader) Ping(ctx context.Context) error {
	if _, err := r.client.Bucket(r.bucket).Attrs(ctx); err != nil {
		return fmt.Errorf("gcs bucket attrs %s: %w", r.bucket, err)
	}
	return nil
}

// Close releases the client.
func (r *GCSReader) Close() error { return r.client.Close() }

func newGCSObjectReader(ctx context.Context, cfg ArchiveConfig) (ObjectReader, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket is required for GCS archives")
	}
	return NewGCSReader(ctx, cfg.Bucket)
}
