package storage

import (
	"context"
	"fmt"

	"github.com/dmitrijs2005/texcouncil/internal/server/config"
)

// NewBlobStore builds the backend selected by cfg.StorageBackend.
func NewBlobStore(ctx context.Context, cfg *config.Config) (BlobStore, error) {
	switch cfg.StorageBackend {
	case config.StorageS3:
		return NewS3Store(ctx, S3Options{
			AccessKey:    cfg.S3RootUser,
			SecretKey:    cfg.S3RootPassword,
			Region:       cfg.S3Region,
			Bucket:       cfg.S3Bucket,
			BaseEndpoint: cfg.S3BaseEndpoint,
		})
	case config.StorageGCS:
		if cfg.GCSBucket == "" {
			return nil, fmt.Errorf("gcs storage requires a bucket")
		}
		return NewGCSStore(ctx, cfg.GCSBucket)
	case config.StorageLocal:
		return NewLocalStore(cfg.LocalStorageDir)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.StorageBackend)
	}
}
