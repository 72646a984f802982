// Package objectstore abstracts the blob store that carries original uploads,
// separated media tracks, and produced audio clips.
package objectstore

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a key does not exist.
var ErrNotFound = errors.New("objectstore: not found")

// ObjectInfo is the metadata returned by [Store.Head].
type ObjectInfo struct {
	Key          string
	Size         int64
	ContentType  string
	LastModified time.Time
}

// Store reads and writes blobs by key. All writes are single-object; the
// pipeline never needs multipart semantics.
type Store interface {
	// Get returns the full object body, or [ErrNotFound].
	Get(ctx context.Context, key string) ([]byte, error)

	// Put stores data under key with the given content type, overwriting any
	// existing object.
	Put(ctx context.Context, key string, data []byte, contentType string) error

	// Head returns object metadata without the body, or [ErrNotFound].
	Head(ctx context.Context, key string) (ObjectInfo, error)

	// PublicURL returns the canonical consumer-facing URL for key. Stores
	// without a public domain return the raw key unchanged.
	PublicURL(key string) string
}
