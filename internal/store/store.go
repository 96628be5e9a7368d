// Package store defines the persistence interface for ledger snapshots.
// Implementations include PostgreSQL, SQLite (local single-file), Redis
// (read-through cache in front of another store) and in-memory (for testing).
package store

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Load when no snapshot exists under the key.
var ErrNotFound = errors.New("store: snapshot not found")

// SnapshotStore is a durable key-value store holding one serialized ledger
// snapshot per session key. Every mutating ledger operation writes through;
// the snapshot is read once at startup.
type SnapshotStore interface {
	// Load returns the snapshot bytes stored under key, or ErrNotFound.
	Load(ctx context.Context, key string) ([]byte, error)

	// Save replaces the snapshot stored under key.
	Save(ctx context.Context, key string, data []byte) error

	// Delete removes the snapshot stored under key. Deleting a missing key
	// is not an error.
	Delete(ctx context.Context, key string) error
}
