package storage

import (
	"context"
	"errors"
	"io"
)

// ErrNotFound is returned when a key does not exist in a store.
var ErrNotFound = errors.New("object not found")

// ObjectStore defines the operations the pipeline needs from a store.
// Implementations must be safe for concurrent use on distinct keys;
// concurrent writers to the same key resolve last-write-wins.
type ObjectStore interface {
	Put(ctx context.Context, key string, body io.Reader) error
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	Exists(ctx context.Context, key string) (bool, error)
	Copy(ctx context.Context, srcKey, dstKey string) error
	Delete(ctx context.Context, key string) error
}
