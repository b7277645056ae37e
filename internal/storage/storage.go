// Package storage defines the interface for object storage operations.
// Swap implementations by changing the concrete type injected at startup.
// The MinIO implementation works with any S3-compatible provider.
package storage

import (
	"context"
	"errors"
	"io"
)

// ErrNotFound is returned when the bucket holds no object under the key.
var ErrNotFound = errors.New("object not found")

// ObjectInfo is what the store reports about an existing object.
type ObjectInfo struct {
	Size        int64
	ContentType string
}

// ObjectStore is the interface for uploading and retrieving objects across buckets.
type ObjectStore interface {
	// HeadObject returns the size and content type of an object, or ErrNotFound.
	HeadObject(ctx context.Context, bucket, key string) (ObjectInfo, error)
	// GetObjectRange opens the inclusive byte window [start, end] of an object.
	// A negative end reads through the last byte.
	// It returns ErrNotFound before any byte is produced if the object is gone.
	GetObjectRange(ctx context.Context, bucket, key string, start, end int64) (io.ReadCloser, error)
	// Upload streams data to the store under the given key.
	Upload(ctx context.Context, bucket, key string, reader io.Reader, size int64, contentType string) error
	// Delete removes an object identified by key.
	Delete(ctx context.Context, bucket, key string) error
}
