// Package storage provides durable key-value persistence for long-term
// memory entries, with in-memory, PostgreSQL, and Redis backends.
package storage

import (
	"context"
	"errors"
)

// ErrNotFound indicates the requested key does not exist in the namespace.
var ErrNotFound = errors.New("storage: key not found")

// Store is the persistence port. Values are opaque bytes; callers own the
// encoding. Namespaces isolate memory kinds from each other.
type Store interface {
	// Save writes or overwrites one value.
	Save(ctx context.Context, namespace, key string, value []byte) error

	// Load returns the value for key, or ErrNotFound.
	Load(ctx context.Context, namespace, key string) ([]byte, error)

	// LoadAll returns every key/value pair in the namespace. An empty
	// namespace yields an empty map, not an error.
	LoadAll(ctx context.Context, namespace string) (map[string][]byte, error)

	// Delete removes one key. Deleting a missing key is not an error.
	Delete(ctx context.Context, namespace, key string) error

	// Keys lists the keys in the namespace.
	Keys(ctx context.Context, namespace string) ([]string, error)

	// Clear removes the whole namespace.
	Clear(ctx context.Context, namespace string) error

	// Close releases backend resources.
	Close() error
}
