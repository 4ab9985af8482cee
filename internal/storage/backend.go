// Package storage defines the Storage Backend contract (spec §4.1.1) that
// the Room State Engine is built against, plus two concrete
// implementations: a crash-safe file backend and a SQL backend.
package storage

import "context"

// Backend is the single variant interface chosen at startup by
// configuration. The Room State Engine never assumes which concrete backend
// is in play — only this contract.
type Backend interface {
	// Get returns (value, true) on a snapshot read, or (nil, false) if the
	// key doesn't exist.
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// Put atomically replaces the value at key (temp-file+fsync+rename for
	// the file backend, a single UPDATE/UPSERT for the SQL backend).
	Put(ctx context.Context, key string, value []byte) error

	// Delete removes key, returning whether it existed. Idempotent.
	Delete(ctx context.Context, key string) (bool, error)

	// List returns all keys under prefix in lexicographic order, consistent
	// with the most recent Puts on this backend instance.
	List(ctx context.Context, prefix string) ([]string, error)

	// AtomicInc adds delta to the integer stored at key (initialized at 0)
	// and returns the new value. Linearizable against other AtomicInc calls
	// on the same key.
	AtomicInc(ctx context.Context, key string, delta int64) (int64, error)

	// AcquireLock acquires an at-most-one-holder lock on key for ttl,
	// returning whether it was acquired.
	AcquireLock(ctx context.Context, key string, ttlSeconds int64, owner string) (bool, error)

	// ReleaseLock releases key's lock, returning whether it was released.
	// Fails (returns false) if owner doesn't match the current holder.
	ReleaseLock(ctx context.Context, key string, owner string) (bool, error)

	// Close releases any resources (file handles, DB connections) held by
	// the backend.
	Close() error
}
