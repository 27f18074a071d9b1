package genstore

import (
	"context"
	"time"
)

// GenStore abstracts where per-key generations live. Invalidate bumps a key's
// generation; cached state framed with an older generation is rejected on read.
// Use LocalGenStore for a single process, RedisGenStore when replicas share a
// provider.
type GenStore interface {
	// Snapshot returns the current generation; missing => 0.
	Snapshot(ctx context.Context, storageKey string) (uint64, error)
	// Bump atomically increments and returns the new generation.
	Bump(ctx context.Context, storageKey string) (uint64, error)
	// Cleanup prunes old metadata if applicable (no-op for Redis).
	Cleanup(retention time.Duration)
	// Close releases resources (no-op ok).
	Close(context.Context) error
}
