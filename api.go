package devsync

import (
	"context"
	"time"

	c "github.com/unkn0wn-root/devsync/codec"
	gen "github.com/unkn0wn-root/devsync/genstore"
	pr "github.com/unkn0wn-root/devsync/provider"
)

// SetCostFunc returns the admission cost passed to Provider.Set.
// Only cost-aware providers (ristretto) look at it.
type SetCostFunc func(key string, raw []byte) int64

// Loader fetches the authoritative value of a resource on a cache miss.
type Loader[V any] func(ctx context.Context) (V, error)

// Result is the answer to a conditional read. When NotModified is set the
// caller already holds the current state and Value is the zero value.
type Result[V any] struct {
	Value       V
	Fingerprint string
	NotModified bool
}

// StateCache serves a resource's current representation together with a
// content fingerprint (ETag) and answers "not modified" when the caller
// presents the current one.
type StateCache[V any] interface {
	Enabled() bool
	Close(context.Context) error

	// Read returns NotModified when fingerprint equals the stored one,
	// otherwise the full value. On a miss the value is loaded through load
	// and cached.
	Read(ctx context.Context, key, fingerprint string, load Loader[V]) (Result[V], error)

	// Fingerprint returns the stored fingerprint without loading.
	Fingerprint(ctx context.Context, key string) (fp string, ok bool, err error)

	// Invalidate forces the next Read of key back to the authoritative store.
	// Every mutator of the underlying resource must call it (or use Update).
	Invalidate(ctx context.Context, key string) error

	// Update runs mutate and then invalidates key, even if mutate failed.
	Update(ctx context.Context, key string, mutate func(context.Context) error) error

	// UpdateIfMatch is Update guarded by the caller's fingerprint; it fails
	// with ErrStaleWrite when the state moved on.
	//
	// With a Conditional provider the check, the mutation and the
	// invalidation run under a per-key write lease, so a second writer
	// presenting the same fingerprint is refused before it mutates. Without
	// SetNX there is no lease: a concurrent invalidation is only detected
	// after mutate returns and reported as ErrStaleWrite, the mutation having
	// already run. Stores that need strict compare-and-set should read
	// MatchedFingerprint from the mutation's context and enforce it.
	UpdateIfMatch(ctx context.Context, key, fingerprint string, load Loader[V], mutate func(context.Context) error) error
}

// Options tune the state cache.
// Namespace, Provider and Codec are required; others have sensible defaults.
type Options[V any] struct {
	// Required
	Namespace string // e.g. "skills"
	Provider  pr.Provider
	Codec     c.Codec[V]

	Logger          Logger        // if nil, NopLogger is used
	Hooks           Hooks         // if nil, NopHooks is used
	TTL             time.Duration // 0 => entries never expire on their own
	OpTimeout       time.Duration // per cache round trip; 0 => 2s
	CleanupInterval time.Duration // local gens; 0 => 1h
	GenRetention    time.Duration // local gens; 0 => 30d
	GenStore        gen.GenStore  // nil => LocalGenStore (in-process)
	ComputeSetCost  SetCostFunc   // default 1
	Disabled        bool          // load-through only, nothing stored
}

func New[V any](opts Options[V]) (StateCache[V], error) {
	return newStateCache[V](opts)
}
