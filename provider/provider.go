// Package provider defines the key/value collaborator used by devsync.
//
// Implementations MUST be byte-for-byte transparent: Get must return exactly the
// same []byte that was previously passed to Set for a key (no prepended/appended
// metadata, no re-encoding, no mutation).
//
// Important: the keyspaces "state:<ns>:", "lock:<ns>:" and "pairing.code:" are
// owned by devsync. External code MUST NOT write values under these prefixes. Foreign writes under
// "state:" are treated as corruption and deleted.
package provider

import (
	"context"
	"time"
)

// Provider is a minimal byte store with TTLs. Must be safe for concurrent use.
type Provider interface {
	// Get returns (value, true, nil) on hit; (nil, false, nil) on miss.
	// If an IO/remote error happens, return (nil, false, err).
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// Set stores value with the given TTL; ttl <= 0 means no expiry.
	// May ignore cost if unsupported.
	// Returns ok=false when the store rejected the write under pressure.
	Set(ctx context.Context, key string, value []byte, cost int64, ttl time.Duration) (ok bool, err error)

	// Del removes a key. Deleting a missing key is not an error.
	Del(ctx context.Context, key string) error

	// Close releases resources.
	Close(ctx context.Context) error
}

// Conditional is a Provider with atomic conditional writes. Pairing-code
// issuance requires it; the state cache uses SetNX for fills and for the
// UpdateIfMatch write lease when available.
//
// Atomicity must hold across every process sharing the store, not just within
// one process.
type Conditional interface {
	Provider

	// SetNX stores value only if key is absent (or expired).
	// Returns true when written, false when the key was already present.
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)

	// GetDel atomically returns and removes the value at key.
	GetDel(ctx context.Context, key string) ([]byte, bool, error)
}
