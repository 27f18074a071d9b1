// Package devsync implements the settings-synchronization cache of the device
// backend: a conditional (ETag) read-through cache whose fingerprints change
// iff the cached content changes. Pairing-code issuance lives in package pairing.
//
// Components:
//   - Provider: byte store with TTL (Redis, in-memory, ristretto, bigcache).
//     Providers that also implement provider.Conditional get SetNX fills.
//   - Codec[V]: (de)serializes V <-> []byte. The fingerprint is the SHA-256 of
//     the encoded bytes, so pick a deterministic codec.
//   - GenStore: generation counter per key, bumped by Invalidate. Local
//     (in-process) by default; use the Redis GenStore with more than one replica.
//
// Keys:
//
//	state:<ns>:<key>  - framed entry: gen | fingerprint | payload
//
// Read-through pattern:
//
//	res, err := cache.Read(ctx, devsync.DeviceSkillsKey(id), ifNoneMatch, loadFromDB)
//	if res.NotModified { /* 304 */ }
//
// Mutation pattern:
//
//	err := cache.Update(ctx, devsync.DeviceSkillsKey(id), func(ctx context.Context) error {
//	    return repo.UpdateSkillSettings(ctx, id, settings)
//	})
package devsync
