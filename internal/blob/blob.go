// Package blob defines the object storage contract shared by the job queue,
// the workers and the result writers.
package blob

import (
	"context"
	"errors"
	"io"
)

// ErrNotFound is returned when the requested object does not exist.
var ErrNotFound = errors.New("blob: object not found")

// Store is a named-object store (GCS, local filesystem or memory).
type Store interface {
	// Get opens the object for reading. Callers must close the reader.
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	// Put writes the object, replacing any previous content.
	Put(ctx context.Context, key string, contentType string, r io.Reader) error
	// Find lists keys starting with prefix and ending with suffix, sorted.
	Find(ctx context.Context, prefix, suffix string) ([]string, error)
	// Delete removes the object. Missing objects yield ErrNotFound.
	Delete(ctx context.Context, key string) error
}
