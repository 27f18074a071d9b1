package devsync

// Hooks are lightweight callbacks for high-signal events.
// Implementations MUST be cheap and non-blocking: they run on request paths.
// Wrap slow sinks with hooks/async.
type Hooks interface {
	// A cached state entry was deleted on read.
	// reason ∈ {"corrupt", "gen_mismatch", "value_decode"}
	SelfHeal(storageKey, reason string)

	// Provider returned ok=false on Set (backpressure/eviction).
	ProviderSetRejected(storageKey string)

	// A read-through fill was dropped because Invalidate ran while the
	// authoritative load was in flight.
	StaleFillSkipped(storageKey string)

	// GenStore errors (snapshot or bump).
	GenSnapshotError(storageKey string, err error)
	GenBumpError(storageKey string, err error)

	// Both gen bump and delete failed during Invalidate (likely backend outage).
	InvalidateOutage(key string, bumpErr, delErr error)

	// A drawn pairing code was already taken; attempt is 1-based.
	PairingCollision(attempt int)

	// Issue gave up after attempts draws.
	PairingExhausted(attempts int)

	// The state cache fell back to an in-process GenStore. Fingerprint
	// invalidation then does not reach other replicas.
	LocalGenStore()
}

// NopHooks is the default no-op.
type NopHooks struct{}

func (NopHooks) SelfHeal(string, string)               {}
func (NopHooks) ProviderSetRejected(string)            {}
func (NopHooks) StaleFillSkipped(string)               {}
func (NopHooks) GenSnapshotError(string, error)        {}
func (NopHooks) GenBumpError(string, error)            {}
func (NopHooks) InvalidateOutage(string, error, error) {}
func (NopHooks) PairingCollision(int)                  {}
func (NopHooks) PairingExhausted(int)                  {}
func (NopHooks) LocalGenStore()                        {}
