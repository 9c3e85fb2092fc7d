package catalog

import (
	"context"
	"io"
	"time"
)

// PageFetcher retrieves one page of the listing.
type PageFetcher interface {
	FetchPage(ctx context.Context, req PageRequest) (PageResult, error)
}

// SnapshotWriter persists a completed crawl and returns where it went.
type SnapshotWriter interface {
	Write(ctx context.Context, snap Snapshot) (string, error)
}

// BlobStore persists opaque artifacts.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Publisher emits notifications to downstream consumers.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Hasher produces stable digests.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time.
type Clock interface {
	Now() time.Time
}

// IDGenerator creates unique run identifiers.
type IDGenerator interface {
	NewID() (string, error)
}
