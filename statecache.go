package devsync

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	c "github.com/unkn0wn-root/devsync/codec"
	gen "github.com/unkn0wn-root/devsync/genstore"
	"github.com/unkn0wn-root/devsync/internal/opctx"
	"github.com/unkn0wn-root/devsync/internal/wire"
	pr "github.com/unkn0wn-root/devsync/provider"
)

type stateCache[V any] struct {
	ns       string
	provider pr.Provider
	cond     pr.Conditional // nil when the provider has no SetNX
	codec    c.Codec[V]
	gen      gen.GenStore
	log      Logger
	hooks    Hooks

	enabled        bool
	ttl            time.Duration
	timeout        time.Duration
	computeSetCost SetCostFunc
}

// entry is a decoded, generation-validated cache hit.
type entry struct {
	fp      string
	payload []byte
}

func newStateCache[V any](opts Options[V]) (*stateCache[V], error) {
	if opts.Provider == nil {
		return nil, fmt.Errorf("devsync: provider is required")
	}
	if opts.Codec == nil {
		return nil, fmt.Errorf("devsync: codec is required")
	}
	if opts.Namespace == "" {
		return nil, fmt.Errorf("devsync: namespace is required")
	}
	if opts.TTL < 0 || opts.OpTimeout < 0 {
		return nil, fmt.Errorf("devsync: negative TTL or OpTimeout")
	}
	if v, ok := opts.Codec.(c.Validator); ok {
		if err := v.Validate(); err != nil {
			return nil, fmt.Errorf("devsync: codec: %w", err)
		}
	}

	sc := &stateCache[V]{
		ns:       opts.Namespace,
		provider: opts.Provider,
		codec:    opts.Codec,
		enabled:  !opts.Disabled,
		ttl:      opts.TTL,
		timeout:  coalesce[time.Duration](opts.OpTimeout, defaultOpTimeout),
	}
	if cond, ok := opts.Provider.(pr.Conditional); ok {
		sc.cond = cond
	}

	sc.log = coalesce[Logger](opts.Logger, NopLogger{})
	sc.hooks = coalesce[Hooks](opts.Hooks, NopHooks{})

	if opts.ComputeSetCost != nil {
		sc.computeSetCost = opts.ComputeSetCost
	} else {
		sc.computeSetCost = func(string, []byte) int64 { return 1 }
	}

	switch {
	case opts.GenStore != nil:
		sc.gen = opts.GenStore
	case !sc.enabled:
		sc.gen = gen.NewLocalGenStore(0, 0)
	default:
		sweep := coalesce[time.Duration](opts.CleanupInterval, defaultSweep)
		retention := coalesce[time.Duration](opts.GenRetention, defaultGenRetention)
		sc.gen = gen.NewLocalGenStore(sweep, retention)
		sc.hooks.LocalGenStore()
		sc.log.Warn("using in-process generations; invalidation will not reach other replicas",
			Fields{"ns": sc.ns})
	}
	return sc, nil
}

// Fingerprint of an encoded payload: lowercase hex SHA-256.
// Equal bytes give equal fingerprints; any content change gives a new one.
func Fingerprint(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

func (c *stateCache[V]) Enabled() bool { return c.enabled }

func (c *stateCache[V]) Close(ctx context.Context) error {
	var errs []error
	if c.gen != nil {
		errs = append(errs, c.gen.Close(ctx))
	}
	if c.provider != nil {
		errs = append(errs, c.provider.Close(ctx))
	}
	return errors.Join(errs...)
}

func (c *stateCache[V]) Read(ctx context.Context, key, fingerprint string, load Loader[V]) (Result[V], error) {
	var zero Result[V]
	if load == nil {
		return zero, fmt.Errorf("%w: nil loader for %q", ErrInvalidRequest, key)
	}
	if !c.enabled {
		return c.loadThrough(ctx, key, fingerprint, load)
	}

	sk := c.stateKey(key)
	e, ok, err := c.lookup(ctx, key, sk)
	if err != nil {
		return zero, err
	}
	if ok {
		if fingerprint != "" && fingerprint == e.fp {
			return Result[V]{Fingerprint: e.fp, NotModified: true}, nil
		}
		v, err := c.codec.Decode(e.payload)
		if err == nil {
			return Result[V]{Value: v, Fingerprint: e.fp}, nil
		}
		if err := c.selfHeal(ctx, key, sk, "value_decode"); err != nil {
			return zero, err
		}
	}
	return c.fill(ctx, key, sk, fingerprint, load)
}

func (c *stateCache[V]) Fingerprint(ctx context.Context, key string) (string, bool, error) {
	if !c.enabled {
		return "", false, nil
	}
	e, ok, err := c.lookup(ctx, key, c.stateKey(key))
	if err != nil || !ok {
		return "", false, err
	}
	return e.fp, true, nil
}

func (c *stateCache[V]) Invalidate(ctx context.Context, key string) error {
	if !c.enabled {
		return nil
	}
	sk := c.stateKey(key)

	bctx, cancel := opctx.WithTimeout(ctx, c.timeout)
	newGen, bumpErr := c.gen.Bump(bctx, sk)
	cancel()
	if bumpErr != nil {
		c.hooks.GenBumpError(sk, bumpErr)
		c.log.Error("gen bump error", Fields{"key": key, "err": bumpErr})
	}

	dctx, cancel := opctx.WithTimeout(ctx, c.timeout)
	delErr := c.provider.Del(dctx, sk)
	cancel()

	if bumpErr != nil || delErr != nil {
		if bumpErr != nil && delErr != nil {
			c.hooks.InvalidateOutage(key, bumpErr, delErr)
		}
		return &InvalidateError{Key: key, BumpErr: bumpErr, DelErr: delErr}
	}
	c.log.Debug("invalidated state (bumped gen + cleared entry)", Fields{"key": key, "newGen": newGen})
	return nil
}

func (c *stateCache[V]) Update(ctx context.Context, key string, mutate func(context.Context) error) error {
	if mutate == nil {
		return fmt.Errorf("%w: nil mutation for %q", ErrInvalidRequest, key)
	}
	mErr := mutate(ctx)
	// invalidate regardless: a failed mutation may still have changed something
	iErr := c.Invalidate(ctx, key)
	return errors.Join(mErr, iErr)
}

type matchedKey struct{}

// MatchedFingerprint returns the fingerprint UpdateIfMatch validated before
// calling the mutation. Stores with their own compare-and-set can use it to
// reject a write that raced past the cache.
func MatchedFingerprint(ctx context.Context) (string, bool) {
	fp, ok := ctx.Value(matchedKey{}).(string)
	return fp, ok
}

func (c *stateCache[V]) UpdateIfMatch(ctx context.Context, key, fingerprint string, load Loader[V], mutate func(context.Context) error) error {
	if fingerprint == "" {
		return fmt.Errorf("%w: missing fingerprint for %q", ErrInvalidRequest, key)
	}
	if mutate == nil {
		return fmt.Errorf("%w: nil mutation for %q", ErrInvalidRequest, key)
	}
	mctx := context.WithValue(ctx, matchedKey{}, fingerprint)
	if !c.enabled {
		if err := c.check(ctx, key, fingerprint, load); err != nil {
			return err
		}
		return c.Update(mctx, key, mutate)
	}

	sk := c.stateKey(key)
	release, err := c.lease(ctx, key, fingerprint)
	if err != nil {
		return err
	}
	defer release()

	obs, err := c.snapshot(ctx, key, sk)
	if err != nil {
		return err
	}
	if err := c.check(ctx, key, fingerprint, load); err != nil {
		return err
	}

	mErr := mutate(mctx)
	cur, sErr := c.snapshot(ctx, key, sk)
	// invalidate regardless: a failed mutation may still have changed something
	iErr := c.Invalidate(ctx, key)
	if sErr == nil && cur != obs {
		c.log.Warn("state invalidated during guarded write", Fields{"key": key, "obs": obs, "cur": cur})
		return errors.Join(&StaleWriteError{Key: key, Presented: fingerprint}, mErr, iErr)
	}
	return errors.Join(mErr, sErr, iErr)
}

// check fails with *StaleWriteError unless fingerprint is current.
func (c *stateCache[V]) check(ctx context.Context, key, fingerprint string, load Loader[V]) error {
	res, err := c.Read(ctx, key, fingerprint, load)
	if err != nil {
		return err
	}
	if !res.NotModified {
		return &StaleWriteError{Key: key, Presented: fingerprint, Current: res.Fingerprint}
	}
	return nil
}

// lease takes the per-key write lease with SetNX. A held lease means another
// guarded write is in flight and fails with *StaleWriteError. Providers
// without SetNX get a no-op lease.
func (c *stateCache[V]) lease(ctx context.Context, key, fingerprint string) (func(), error) {
	if c.cond == nil {
		return func() {}, nil
	}
	lk := c.leaseKey(key)
	sctx, cancel := opctx.WithTimeout(ctx, c.timeout)
	ok, err := c.cond.SetNX(sctx, lk, []byte(fingerprint), defaultWriteLease)
	cancel()
	if err != nil {
		return nil, Unavailable("lease", key, err)
	}
	if !ok {
		c.log.Debug("write lease held by another writer", Fields{"key": key})
		return nil, &StaleWriteError{Key: key, Presented: fingerprint}
	}
	return func() {
		// release even when the caller's context is already done
		dctx, cancel := opctx.WithTimeout(context.WithoutCancel(ctx), c.timeout)
		defer cancel()
		if err := c.cond.Del(dctx, lk); err != nil {
			c.log.Warn("write lease release failed", Fields{"key": key, "err": err})
		}
	}, nil
}

// lookup returns a valid entry for sk. Corrupt and stale entries are deleted
// and reported as a miss. Backend failures are returned as *BackendError.
func (c *stateCache[V]) lookup(ctx context.Context, key, sk string) (entry, bool, error) {
	gctx, cancel := opctx.WithTimeout(ctx, c.timeout)
	raw, ok, err := c.provider.Get(gctx, sk)
	cancel()
	if err != nil {
		return entry{}, false, Unavailable("get", key, err)
	}
	if !ok {
		return entry{}, false, nil
	}

	st, err := wire.DecodeState(raw)
	if err != nil {
		return entry{}, false, c.selfHeal(ctx, key, sk, "corrupt")
	}
	cur, err := c.snapshot(ctx, key, sk)
	if err != nil {
		return entry{}, false, err
	}
	if st.Gen != cur {
		return entry{}, false, c.selfHeal(ctx, key, sk, "gen_mismatch")
	}
	return entry{fp: st.Fingerprint, payload: st.Payload}, true, nil
}

// fill loads the authoritative value and caches it iff the generation did not
// move while the load was in flight.
func (c *stateCache[V]) fill(ctx context.Context, key, sk, fingerprint string, load Loader[V]) (Result[V], error) {
	var zero Result[V]
	obs, err := c.snapshot(ctx, key, sk)
	if err != nil {
		return zero, err
	}
	v, err := load(ctx)
	if err != nil {
		return zero, &LoadError{Key: key, Err: err}
	}
	payload, err := c.codec.Encode(v)
	if err != nil {
		return zero, fmt.Errorf("devsync: encode %q: %w", key, err)
	}
	fp := Fingerprint(payload)
	if err := c.store(ctx, key, sk, obs, fp, payload); err != nil {
		return zero, err
	}
	if fingerprint != "" && fingerprint == fp {
		return Result[V]{Fingerprint: fp, NotModified: true}, nil
	}
	return Result[V]{Value: v, Fingerprint: fp}, nil
}

func (c *stateCache[V]) store(ctx context.Context, key, sk string, obs uint64, fp string, payload []byte) error {
	cur, err := c.snapshot(ctx, key, sk)
	if err != nil {
		return err
	}
	if cur != obs {
		// generation moved; skip stale fill
		c.hooks.StaleFillSkipped(sk)
		c.log.Debug("state fill skipped (gen mismatch)", Fields{"key": key, "obs": obs, "cur": cur})
		return nil
	}
	frame, err := wire.EncodeState(obs, fp, payload)
	if err != nil {
		return fmt.Errorf("devsync: frame %q: %w", key, err)
	}

	sctx, cancel := opctx.WithTimeout(ctx, c.timeout)
	defer cancel()
	if c.cond != nil {
		ok, err := c.cond.SetNX(sctx, sk, frame, c.ttl)
		if err != nil {
			return Unavailable("setnx", key, err)
		}
		if !ok {
			c.log.Debug("state fill lost to a concurrent fill", Fields{"key": key})
		}
		return nil
	}
	ok, err := c.provider.Set(sctx, sk, frame, c.computeSetCost(sk, frame), c.ttl)
	if err != nil {
		return Unavailable("set", key, err)
	}
	if !ok {
		c.hooks.ProviderSetRejected(sk)
		c.log.Debug("state fill rejected by provider (pressure)", Fields{"key": key})
	}
	return nil
}

// loadThrough serves a disabled cache: always load, never store.
func (c *stateCache[V]) loadThrough(ctx context.Context, key, fingerprint string, load Loader[V]) (Result[V], error) {
	var zero Result[V]
	v, err := load(ctx)
	if err != nil {
		return zero, &LoadError{Key: key, Err: err}
	}
	payload, err := c.codec.Encode(v)
	if err != nil {
		return zero, fmt.Errorf("devsync: encode %q: %w", key, err)
	}
	fp := Fingerprint(payload)
	if fingerprint != "" && fingerprint == fp {
		return Result[V]{Fingerprint: fp, NotModified: true}, nil
	}
	return Result[V]{Value: v, Fingerprint: fp}, nil
}

func (c *stateCache[V]) selfHeal(ctx context.Context, key, sk, reason string) error {
	c.hooks.SelfHeal(sk, reason)
	dctx, cancel := opctx.WithTimeout(ctx, c.timeout)
	defer cancel()
	// a leftover entry would block the SetNX of the next fill
	if err := c.provider.Del(dctx, sk); err != nil {
		return Unavailable("del", key, err)
	}
	return nil
}

func (c *stateCache[V]) snapshot(ctx context.Context, key, sk string) (uint64, error) {
	sctx, cancel := opctx.WithTimeout(ctx, c.timeout)
	defer cancel()
	g, err := c.gen.Snapshot(sctx, sk)
	if err != nil {
		c.hooks.GenSnapshotError(sk, err)
		c.log.Warn("gen snapshot error", Fields{"key": key, "err": err})
		return 0, Unavailable("snapshot", key, err)
	}
	return g, nil
}

func (c *stateCache[V]) stateKey(userKey string) string {
	// isolate by namespace
	return "state:" + c.ns + ":" + userKey
}

func (c *stateCache[V]) leaseKey(userKey string) string {
	return "lock:" + c.ns + ":" + userKey
}
