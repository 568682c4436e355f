package adapters

import (
	"context"
	"fmt"
)

// ArchiveBackend names an object-store implementation.
type ArchiveBackend string

const (
	ArchiveBackendS3  ArchiveBackend = "s3"
	ArchiveBackendGCS ArchiveBackend = "gcs"
)

// ArchiveConfig selects and configures an archive backend.
type ArchiveConfig struct {
	Backend  ArchiveBackend `yaml:"backend"`
	Bucket   string         `yaml:"bucket"`
	Region   string         `yaml:"region"`
	Endpoint string         `yaml:"endpoint"`
	Prefix   string         `yaml:"prefix"`
}

// NewObjectReader builds the reader for cfg.Backend. S3 is the default.
func NewObjectReader(ctx context.Context, cfg ArchiveConfig) (ObjectReader, error) {
	backend := cfg.Backend
	if backend == "" {
		backend = ArchiveBackendS3
	}

	switch backend {
	case ArchiveBackendS3:
		if cfg.Bucket == "" {
			return nil, fmt.Errorf("bucket is required for S3 archives")
		}
		region := cfg.Region
		if region == "" {
			region = "us-east-1"
		}
		return NewS3Reader(ctx, S3ArchiveConfig{Bucket: cfg.Bucket, Region: region, Endpoint: cfg.Endpoint})
	case ArchiveBackendGCS:
		return newGCSObjectReader(ctx, cfg)
	default:
		return nil, fmt.Errorf("unsupported archive backend: %s", backend)
	}
}
