// Package storage defines the shared key-value substrate that the
// timegate processes communicate through. The store is passive and
// last-write-wins: there is no compare-and-swap primitive, and callers
// must design their protocol steps to be idempotent, monotonic, or
// staleness-tolerant rather than relying on atomicity across keys.
package storage

import (
	"context"
	"errors"
	"os"
)

// ErrNotFound is returned when a key is missing from the store.
var ErrNotFound = errors.New("storage: key not found")

// ErrUnavailable is returned when the shared store cannot be opened or
// reached. Callers must surface it distinctly; "can't reach storage" is
// never the same condition as "no records configured".
var ErrUnavailable = errors.New("storage: shared store unavailable")

// KV is the shared-store interface implemented by the bolt and redis
// backends. Values are opaque byte blobs; keys are flat strings with
// dotted prefixes (see the sharedstate package for the key schema).
type KV interface {
	// Get returns the value for key, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Put writes value under key, replacing any previous value.
	Put(ctx context.Context, key string, value []byte) error

	// PutIfAbsent writes value only when the key has no value yet and
	// reports whether the write happened. It is best effort under
	// concurrent writers and is only used for write-once-wins-if-empty
	// records where a lost race is harmless.
	PutIfAbsent(ctx context.Context, key string, value []byte) (bool, error)

	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// List returns all key/value pairs whose key starts with prefix.
	List(ctx context.Context, prefix string) (map[string][]byte, error)

	// Update performs a read-modify-write of a single key. fn receives
	// nil when the key is absent and returns the replacement value.
	// Depending on the backend this is not atomic against other
	// processes; callers treat it as last-write-wins.
	Update(ctx context.Context, key string, fn func(current []byte) ([]byte, error)) error

	Close() error
}

// EnsureDir ensures a directory exists with default permissions.
func EnsureDir(path string) error {
	return os.MkdirAll(path, 0755)
}
