// Package storage keeps uploaded texture bytes in object storage under
// content-addressed keys.
package storage

import (
	"context"
	"errors"
)

// errBlobNotFound is returned by BlobStore implementations for missing keys.
var errBlobNotFound = errors.New("blob not found")

// BlobStore is a flat key/value object store.
type BlobStore interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
}
