package domain

import (
	"context"
	"io"
	"time"
)

// BlobWriter uploads data to object storage.
type BlobWriter interface {
	Put(ctx context.Context, path string, data io.Reader, contentType string) error
}

// BlobInfo describes a stored object.
type BlobInfo struct {
	Path         string
	Size         int64
	LastModified time.Time
}

// BlobLister enumerates stored objects under a key prefix.
type BlobLister interface {
	List(ctx context.Context, prefix string) ([]BlobInfo, error)
}

// BlobDeleter removes a stored object. Deleting a missing object is not an
// error.
type BlobDeleter interface {
	Delete(ctx context.Context, path string) error
}

// Archiver exports settled fill history to cold storage for audit retention.
type Archiver interface {
	ArchiveFills(ctx context.Context, before time.Time) (int64, error)
}
