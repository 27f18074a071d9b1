package devsync

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	c "github.com/unkn0wn-root/devsync/codec"
	gen "github.com/unkn0wn-root/devsync/genstore"
	"github.com/unkn0wn-root/devsync/internal/wire"
	pr "github.com/unkn0wn-root/devsync/provider"
	"github.com/unkn0wn-root/devsync/provider/memory"
)

// plainProvider is a Provider without SetNX, so fills take the Set path.
type plainProvider struct {
	mu sync.Mutex
	m  map[string][]byte
}

var _ pr.Provider = (*plainProvider)(nil)

func newPlainProvider() *plainProvider { return &plainProvider{m: make(map[string][]byte)} }

func (p *plainProvider) Get(_ context.Context, key string) ([]byte, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	v, ok := p.m[key]
	return v, ok, nil
}

func (p *plainProvider) Set(_ context.Context, key string, value []byte, _ int64, _ time.Duration) (bool, error) {
	p.mu.Lock()
	p.m[key] = value
	p.mu.Unlock()
	return true, nil
}

func (p *plainProvider) Del(_ context.Context, key string) error {
	p.mu.Lock()
	delete(p.m, key)
	p.mu.Unlock()
	return nil
}

func (p *plainProvider) Close(context.Context) error { return nil }

type skillSetting struct {
	SkillGID string            `json:"skill_gid"`
	Values   map[string]string `json:"values,omitempty"`
}

type deviceSkills []skillSetting

// fakeStore is the authoritative resource store: a versioned value plus a
// load counter.
type fakeStore struct {
	mu    sync.Mutex
	v     deviceSkills
	loads atomic.Int32
}

func (s *fakeStore) set(v deviceSkills) {
	s.mu.Lock()
	s.v = v
	s.mu.Unlock()
}

func (s *fakeStore) load(context.Context) (deviceSkills, error) {
	s.loads.Add(1)
	s.mu.Lock()
	defer s.mu.Unlock()
	return append(deviceSkills(nil), s.v...), nil
}

func initialSkills() deviceSkills {
	return deviceSkills{
		{SkillGID: "foo|20.08"},
		{SkillGID: "bar|20.08", Values: map[string]string{"textfield": "Device text value"}},
	}
}

func changedSkills() deviceSkills {
	return deviceSkills{
		{SkillGID: "foo|20.08"},
		{SkillGID: "bar|20.08", Values: map[string]string{"textfield": "New device text value"}},
	}
}

type recordingHooks struct {
	NopHooks
	mu         sync.Mutex
	selfHeals  map[string]int
	staleFills int
	outages    int
	localGen   int
}

func newRecordingHooks() *recordingHooks {
	return &recordingHooks{selfHeals: make(map[string]int)}
}

func (h *recordingHooks) SelfHeal(_, reason string) {
	h.mu.Lock()
	h.selfHeals[reason]++
	h.mu.Unlock()
}

func (h *recordingHooks) StaleFillSkipped(string) {
	h.mu.Lock()
	h.staleFills++
	h.mu.Unlock()
}

func (h *recordingHooks) InvalidateOutage(string, error, error) {
	h.mu.Lock()
	h.outages++
	h.mu.Unlock()
}

func (h *recordingHooks) LocalGenStore() {
	h.mu.Lock()
	h.localGen++
	h.mu.Unlock()
}

func newTestCache(t *testing.T, p pr.Provider, optsOpt func(*Options[deviceSkills])) StateCache[deviceSkills] {
	t.Helper()
	opts := Options[deviceSkills]{
		Namespace: "skills",
		Provider:  p,
		Codec:     c.JSON[deviceSkills]{},
	}
	if optsOpt != nil {
		optsOpt(&opts)
	}
	sc, err := New[deviceSkills](opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = sc.Close(context.Background()) })
	return sc
}

func mustImpl[V any](t *testing.T, sc StateCache[V]) *stateCache[V] {
	t.Helper()
	impl, ok := sc.(*stateCache[V])
	if !ok {
		t.Fatalf("unexpected concrete type for StateCache")
	}
	return impl
}

func mustRead(t *testing.T, sc StateCache[deviceSkills], key, fp string, load Loader[deviceSkills]) Result[deviceSkills] {
	t.Helper()
	res, err := sc.Read(context.Background(), key, fp, load)
	if err != nil {
		t.Fatalf("Read(%q, %q): %v", key, fp, err)
	}
	return res
}

// ==============================
// Conditional read flow
// ==============================

func TestNewValidatesOptions(t *testing.T) {
	base := Options[deviceSkills]{Namespace: "ns", Provider: newPlainProvider(), Codec: c.JSON[deviceSkills]{}}
	// entries this codec writes could not be read back
	lopsided := c.Limit[deviceSkills]{Inner: c.JSON[deviceSkills]{}, MaxEncode: 4096, MaxDecode: 1024}

	cases := map[string]func(*Options[deviceSkills]){
		"provider":  func(o *Options[deviceSkills]) { o.Provider = nil },
		"codec":     func(o *Options[deviceSkills]) { o.Codec = nil },
		"namespace": func(o *Options[deviceSkills]) { o.Namespace = "" },
		"ttl":       func(o *Options[deviceSkills]) { o.TTL = -time.Second },
		"limit":     func(o *Options[deviceSkills]) { o.Codec = lopsided },
	}
	for name, mut := range cases {
		t.Run(name, func(t *testing.T) {
			o := base
			mut(&o)
			if _, err := New[deviceSkills](o); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}

func TestReadIsIdempotentAndShortCircuits(t *testing.T) {
	for name, p := range map[string]pr.Provider{
		"conditional": memory.New(memory.Config{}),
		"plain":       newPlainProvider(),
	} {
		t.Run(name, func(t *testing.T) {
			store := &fakeStore{v: initialSkills()}
			sc := newTestCache(t, p, nil)
			key := DeviceSkillsKey("D")

			first := mustRead(t, sc, key, "", store.load)
			if first.NotModified || len(first.Value) != 2 || first.Fingerprint == "" {
				t.Fatalf("first read should return full payload, got %+v", first)
			}

			second := mustRead(t, sc, key, "", store.load)
			if second.Fingerprint != first.Fingerprint {
				t.Fatalf("fingerprint changed without mutation: %q -> %q", first.Fingerprint, second.Fingerprint)
			}
			if store.loads.Load() != 1 {
				t.Fatalf("second read should be served from cache, loads=%d", store.loads.Load())
			}

			third := mustRead(t, sc, key, first.Fingerprint, store.load)
			if !third.NotModified || third.Value != nil || third.Fingerprint != first.Fingerprint {
				t.Fatalf("expected NotModified with no payload, got %+v", third)
			}

			other := mustRead(t, sc, key, "not-the-current-tag", store.load)
			if other.NotModified || len(other.Value) != 2 {
				t.Fatalf("unknown fingerprint should get the payload, got %+v", other)
			}
		})
	}
}

func TestDeviceSettingsChangeScenario(t *testing.T) {
	ctx := context.Background()
	store := &fakeStore{v: initialSkills()}
	sc := newTestCache(t, memory.New(memory.Config{}), nil)
	key := DeviceSkillsKey("D")
	if key != "device:D:skills" {
		t.Fatalf("DeviceSkillsKey=%q", key)
	}

	before := mustRead(t, sc, key, "", store.load)

	// settings changed for device D; the mutator invalidates
	err := sc.Update(ctx, key, func(context.Context) error {
		store.set(changedSkills())
		return nil
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}

	after := mustRead(t, sc, key, before.Fingerprint, store.load)
	if after.NotModified {
		t.Fatalf("old fingerprint must not be answered with NotModified after a change")
	}
	if after.Fingerprint == before.Fingerprint {
		t.Fatalf("fingerprint did not change: %q", after.Fingerprint)
	}
	if after.Value[1].Values["textfield"] != "New device text value" {
		t.Fatalf("stale payload returned: %+v", after.Value)
	}

	third := mustRead(t, sc, key, after.Fingerprint, store.load)
	if !third.NotModified {
		t.Fatalf("new fingerprint should short-circuit, got %+v", third)
	}
}

func TestFingerprintIsContentHash(t *testing.T) {
	ctx := context.Background()
	store := &fakeStore{v: initialSkills()}
	sc := newTestCache(t, memory.New(memory.Config{}), nil)
	key := DeviceSkillsKey("D")

	a := mustRead(t, sc, key, "", store.load)

	// invalidate without changing content: same bytes, same fingerprint
	if err := sc.Invalidate(ctx, key); err != nil {
		t.Fatalf("Invalidate: %v", err)
	}
	b := mustRead(t, sc, key, a.Fingerprint, store.load)
	if !b.NotModified || b.Fingerprint != a.Fingerprint {
		t.Fatalf("unchanged content should keep its fingerprint, got %+v", b)
	}
	if store.loads.Load() != 2 {
		t.Fatalf("invalidate should force a reload, loads=%d", store.loads.Load())
	}

	payload, _ := c.JSON[deviceSkills]{}.Encode(initialSkills())
	if a.Fingerprint != Fingerprint(payload) {
		t.Fatalf("fingerprint is not the hash of the encoded payload")
	}
	if len(a.Fingerprint) != 64 {
		t.Fatalf("fingerprint length=%d want 64", len(a.Fingerprint))
	}
}

func TestFingerprintPeek(t *testing.T) {
	ctx := context.Background()
	store := &fakeStore{v: initialSkills()}
	sc := newTestCache(t, memory.New(memory.Config{}), nil)
	key := DeviceSkillsKey("D")

	if _, ok, err := sc.Fingerprint(ctx, key); err != nil || ok {
		t.Fatalf("uncached key: ok=%v err=%v", ok, err)
	}
	res := mustRead(t, sc, key, "", store.load)
	fp, ok, err := sc.Fingerprint(ctx, key)
	if err != nil || !ok || fp != res.Fingerprint {
		t.Fatalf("Fingerprint: fp=%q ok=%v err=%v want %q", fp, ok, err, res.Fingerprint)
	}
	_ = sc.Invalidate(ctx, key)
	if _, ok, _ := sc.Fingerprint(ctx, key); ok {
		t.Fatalf("fingerprint should be gone after Invalidate")
	}
}

func TestMissWithCurrentFingerprintIsNotModified(t *testing.T) {
	store := &fakeStore{v: initialSkills()}
	payload, _ := c.JSON[deviceSkills]{}.Encode(initialSkills())

	// cold cache (e.g. after a restart); the device already holds the state
	sc := newTestCache(t, memory.New(memory.Config{}), nil)
	res := mustRead(t, sc, DeviceSkillsKey("D"), Fingerprint(payload), store.load)
	if !res.NotModified {
		t.Fatalf("expected NotModified on a cold cache when content matches, got %+v", res)
	}
}

func TestLoaderErrorIsNotCached(t *testing.T) {
	ctx := context.Background()
	p := memory.New(memory.Config{})
	sc := newTestCache(t, p, nil)
	boom := errors.New("db down")

	_, err := sc.Read(ctx, "k", "", func(context.Context) (deviceSkills, error) { return nil, boom })
	var le *LoadError
	if !errors.As(err, &le) || !errors.Is(err, boom) {
		t.Fatalf("expected LoadError wrapping cause, got %T: %v", err, err)
	}
	if errors.Is(err, ErrCacheUnavailable) {
		t.Fatalf("loader failure is not a cache outage")
	}
	if p.Len() != 0 {
		t.Fatalf("nothing should be cached after a failed load")
	}
}

func TestReadRequiresLoader(t *testing.T) {
	sc := newTestCache(t, newPlainProvider(), nil)
	if _, err := sc.Read(context.Background(), "k", "", nil); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("err=%v want ErrInvalidRequest", err)
	}
}

func TestConcurrentReadsAgreeOnFingerprint(t *testing.T) {
	store := &fakeStore{v: initialSkills()}
	sc := newTestCache(t, memory.New(memory.Config{}), nil)
	key := DeviceSkillsKey("D")

	const n = 32
	fps := make([]string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := sc.Read(context.Background(), key, "", store.load)
			if err != nil {
				t.Errorf("Read: %v", err)
				return
			}
			fps[i] = res.Fingerprint
		}(i)
	}
	wg.Wait()
	for i := 1; i < n; i++ {
		if fps[i] != fps[0] {
			t.Fatalf("reader %d saw %q, reader 0 saw %q", i, fps[i], fps[0])
		}
	}
}

// ==============================
// Generations, self-heal and stale fills
// ==============================

func TestStaleFillSkippedWhenInvalidatedDuringLoad(t *testing.T) {
	p := memory.New(memory.Config{})
	hooks := newRecordingHooks()
	sc := newTestCache(t, p, func(o *Options[deviceSkills]) { o.Hooks = hooks })
	key := DeviceSkillsKey("D")
	store := &fakeStore{v: initialSkills()}

	// the mutation lands while the read-through load is in flight
	racing := func(ctx context.Context) (deviceSkills, error) {
		v, err := store.load(ctx)
		store.set(changedSkills())
		if err := sc.Invalidate(ctx, key); err != nil {
			t.Fatalf("Invalidate: %v", err)
		}
		return v, err
	}

	res := mustRead(t, sc, key, "", racing)
	if res.Value[1].Values["textfield"] != "Device text value" {
		t.Fatalf("reader should still get the value it loaded")
	}
	if hooks.staleFills != 1 {
		t.Fatalf("staleFills=%d want 1", hooks.staleFills)
	}
	if p.Len() != 0 {
		t.Fatalf("stale fill must not be stored")
	}

	next := mustRead(t, sc, key, res.Fingerprint, store.load)
	if next.NotModified || next.Value[1].Values["textfield"] != "New device text value" {
		t.Fatalf("next read should see the new state, got %+v", next)
	}
}

func TestSelfHealOnCorrupt(t *testing.T) {
	ctx := context.Background()
	p := memory.New(memory.Config{})
	hooks := newRecordingHooks()
	sc := newTestCache(t, p, func(o *Options[deviceSkills]) { o.Hooks = hooks })
	impl := mustImpl(t, sc)
	store := &fakeStore{v: initialSkills()}

	key := "bad"
	storageKey := impl.stateKey(key)

	// Inject corrupt bytes directly into provider.
	if ok, err := p.Set(ctx, storageKey, []byte("not-wire-format"), 1, 0); err != nil || !ok {
		t.Fatalf("inject corrupt: ok=%v err=%v", ok, err)
	}
	if _, ok, err := sc.Fingerprint(ctx, key); err != nil || ok {
		t.Fatalf("corrupt entry should read as miss, ok=%v err=%v", ok, err)
	}
	if _, ok, _ := p.Get(ctx, storageKey); ok {
		t.Fatalf("corrupt entry was not deleted by self-heal")
	}

	// corrupt again, then a full Read heals and refills
	_, _ = p.Set(ctx, storageKey, []byte("junk"), 1, 0)
	res := mustRead(t, sc, key, "", store.load)
	if len(res.Value) != 2 {
		t.Fatalf("Read after corrupt should refill, got %+v", res)
	}
	if hooks.selfHeals["corrupt"] != 2 {
		t.Fatalf("corrupt self-heals=%d want 2", hooks.selfHeals["corrupt"])
	}
}

func TestSelfHealOnGenMismatch(t *testing.T) {
	ctx := context.Background()
	p := memory.New(memory.Config{})
	hooks := newRecordingHooks()
	sc := newTestCache(t, p, func(o *Options[deviceSkills]) { o.Hooks = hooks })
	impl := mustImpl(t, sc)
	store := &fakeStore{v: changedSkills()}

	key := "gen-mismatch"
	storageKey := impl.stateKey(key)

	// GenStore has never been bumped for this key -> snapshot is 0.
	payload, _ := c.JSON[deviceSkills]{}.Encode(initialSkills())
	frame, err := wire.EncodeState(1, Fingerprint(payload), payload)
	if err != nil {
		t.Fatalf("EncodeState: %v", err)
	}
	if ok, err := p.Set(ctx, storageKey, frame, 1, 0); err != nil || !ok {
		t.Fatalf("inject: ok=%v err=%v", ok, err)
	}

	res := mustRead(t, sc, key, Fingerprint(payload), store.load)
	if res.NotModified {
		t.Fatalf("entry framed with a foreign generation must not satisfy a conditional read")
	}
	if hooks.selfHeals["gen_mismatch"] != 1 {
		t.Fatalf("gen_mismatch self-heals=%d want 1", hooks.selfHeals["gen_mismatch"])
	}
}

func TestSelfHealOnValueDecode(t *testing.T) {
	ctx := context.Background()
	p := memory.New(memory.Config{})
	hooks := newRecordingHooks()
	sc := newTestCache(t, p, func(o *Options[deviceSkills]) { o.Hooks = hooks })
	impl := mustImpl(t, sc)
	store := &fakeStore{v: initialSkills()}

	payload := []byte(`{"not":"a list"}`)
	frame, _ := wire.EncodeState(0, Fingerprint(payload), payload)
	_, _ = p.Set(ctx, impl.stateKey("k"), frame, 1, 0)

	res := mustRead(t, sc, "k", "", store.load)
	if len(res.Value) != 2 || store.loads.Load() != 1 {
		t.Fatalf("undecodable entry should be reloaded, got %+v loads=%d", res, store.loads.Load())
	}
	if hooks.selfHeals["value_decode"] != 1 {
		t.Fatalf("value_decode self-heals=%d want 1", hooks.selfHeals["value_decode"])
	}
}

func TestDefaultLocalGenStoreIsReported(t *testing.T) {
	hooks := newRecordingHooks()
	newTestCache(t, newPlainProvider(), func(o *Options[deviceSkills]) { o.Hooks = hooks })
	if hooks.localGen != 1 {
		t.Fatalf("LocalGenStore hook calls=%d want 1", hooks.localGen)
	}

	shared := newRecordingHooks()
	newTestCache(t, newPlainProvider(), func(o *Options[deviceSkills]) {
		o.Hooks = shared
		o.GenStore = gen.NewLocalGenStore(0, 0)
	})
	if shared.localGen != 0 {
		t.Fatalf("explicit GenStore should not trigger the hook")
	}
}

// ==============================
// Backend failures
// ==============================

type failingProvider struct {
	*memory.Memory
	getErr error
	delErr error
	setErr error
}

var _ pr.Conditional = (*failingProvider)(nil)

func (p *failingProvider) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if p.getErr != nil {
		return nil, false, p.getErr
	}
	return p.Memory.Get(ctx, key)
}

func (p *failingProvider) Del(ctx context.Context, key string) error {
	if p.delErr != nil {
		return p.delErr
	}
	return p.Memory.Del(ctx, key)
}

func (p *failingProvider) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	if p.setErr != nil {
		return false, p.setErr
	}
	return p.Memory.SetNX(ctx, key, value, ttl)
}

type failingGenStore struct {
	snapErr error
	bumpErr error
}

func (s *failingGenStore) Snapshot(context.Context, string) (uint64, error) { return 0, s.snapErr }
func (s *failingGenStore) Bump(context.Context, string) (uint64, error)     { return 0, s.bumpErr }
func (s *failingGenStore) Cleanup(time.Duration)                            {}
func (s *failingGenStore) Close(context.Context) error                      { return nil }

// blockingProvider never answers before the context is done.
type blockingProvider struct{ *plainProvider }

func (p *blockingProvider) Get(ctx context.Context, _ string) ([]byte, bool, error) {
	<-ctx.Done()
	return nil, false, ctx.Err()
}

func TestReadPropagatesOutages(t *testing.T) {
	down := errors.New("connection refused")
	never := func(context.Context) (deviceSkills, error) {
		t.Fatalf("loader must not run when the cache is unavailable")
		return nil, nil
	}

	t.Run("provider_get", func(t *testing.T) {
		p := &failingProvider{Memory: memory.New(memory.Config{}), getErr: down}
		sc := newTestCache(t, p, nil)
		_, err := sc.Read(context.Background(), "k", "fp", never)
		if !errors.Is(err, ErrCacheUnavailable) || !errors.Is(err, down) {
			t.Fatalf("err=%v want ErrCacheUnavailable wrapping cause", err)
		}
		var be *BackendError
		if !errors.As(err, &be) || be.Op != "get" || be.Key != "k" {
			t.Fatalf("expected BackendError{get,k}, got %#v", err)
		}
	})

	t.Run("gen_snapshot", func(t *testing.T) {
		sc := newTestCache(t, memory.New(memory.Config{}), func(o *Options[deviceSkills]) {
			o.GenStore = &failingGenStore{snapErr: down}
		})
		_, err := sc.Read(context.Background(), "k", "", never)
		if !errors.Is(err, ErrCacheUnavailable) {
			t.Fatalf("err=%v want ErrCacheUnavailable", err)
		}
	})

	t.Run("fill_write", func(t *testing.T) {
		store := &fakeStore{v: initialSkills()}
		p := &failingProvider{Memory: memory.New(memory.Config{}), setErr: down}
		sc := newTestCache(t, p, nil)
		_, err := sc.Read(context.Background(), "k", "", store.load)
		if !errors.Is(err, ErrCacheUnavailable) {
			t.Fatalf("err=%v want ErrCacheUnavailable", err)
		}
	})

	t.Run("self_heal_delete", func(t *testing.T) {
		p := &failingProvider{Memory: memory.New(memory.Config{}), delErr: down}
		sc := newTestCache(t, p, nil)
		impl := mustImpl(t, sc)
		_, _ = p.Memory.Set(context.Background(), impl.stateKey("k"), []byte("junk"), 1, 0)
		_, err := sc.Read(context.Background(), "k", "", never)
		if !errors.Is(err, ErrCacheUnavailable) {
			t.Fatalf("err=%v want ErrCacheUnavailable", err)
		}
	})

	t.Run("timeout", func(t *testing.T) {
		sc := newTestCache(t, &blockingProvider{plainProvider: newPlainProvider()}, func(o *Options[deviceSkills]) {
			o.OpTimeout = 20 * time.Millisecond
		})
		start := time.Now()
		_, err := sc.Read(context.Background(), "k", "fp", never)
		if !errors.Is(err, ErrCacheUnavailable) || !errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("err=%v want ErrCacheUnavailable(DeadlineExceeded)", err)
		}
		if time.Since(start) > time.Second {
			t.Fatalf("timeout not applied")
		}
	})
}

func TestReadIsBoundedByDefault(t *testing.T) {
	never := func(context.Context) (deviceSkills, error) {
		t.Fatalf("loader must not run when the cache is unavailable")
		return nil, nil
	}
	sc := newTestCache(t, &blockingProvider{plainProvider: newPlainProvider()}, nil)
	if got := mustImpl(t, sc).timeout; got != defaultOpTimeout {
		t.Fatalf("timeout=%s want %s", got, defaultOpTimeout)
	}

	start := time.Now()
	_, err := sc.Read(context.Background(), "k", "fp", never)
	if !errors.Is(err, ErrCacheUnavailable) || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err=%v want ErrCacheUnavailable(DeadlineExceeded)", err)
	}
	if d := time.Since(start); d > defaultOpTimeout+time.Second {
		t.Fatalf("Read took %s with an unanswering provider", d)
	}
}

func TestInvalidateBothFailReturnsError(t *testing.T) {
	ctx := context.Background()
	sentinelDelErr := errors.New("del failed")
	hooks := newRecordingHooks()

	p := &failingProvider{Memory: memory.New(memory.Config{}), delErr: sentinelDelErr}
	sc := newTestCache(t, p, func(o *Options[deviceSkills]) {
		o.GenStore = &failingGenStore{bumpErr: errors.New("bump failed")}
		o.Hooks = hooks
	})

	err := sc.Invalidate(ctx, "k1")
	var ie *InvalidateError
	if !errors.As(err, &ie) {
		t.Fatalf("expected InvalidateError, got %T: %v", err, err)
	}
	if !errors.Is(err, sentinelDelErr) || !errors.Is(err, ErrCacheUnavailable) {
		t.Fatalf("InvalidateError should unwrap to the cause and ErrCacheUnavailable")
	}
	if ie.Effective() {
		t.Fatalf("nothing landed; Effective should be false")
	}
	if hooks.outages != 1 {
		t.Fatalf("InvalidateOutage calls=%d want 1", hooks.outages)
	}
}

func TestInvalidatePartialFailureIsReported(t *testing.T) {
	ctx := context.Background()

	bumpOnly := newTestCache(t, memory.New(memory.Config{}), func(o *Options[deviceSkills]) {
		o.GenStore = &failingGenStore{bumpErr: errors.New("bump failed")}
	})
	err := bumpOnly.Invalidate(ctx, "k2")
	var ie *InvalidateError
	if !errors.As(err, &ie) || !ie.Effective() || ie.BumpErr == nil || ie.DelErr != nil {
		t.Fatalf("bump failure should surface as effective InvalidateError, got %v", err)
	}

	delOnly := newTestCache(t, &failingProvider{Memory: memory.New(memory.Config{}), delErr: errors.New("del failed")}, nil)
	err = delOnly.Invalidate(ctx, "k3")
	if !errors.As(err, &ie) || !ie.Effective() || ie.DelErr == nil || ie.BumpErr != nil {
		t.Fatalf("delete failure should surface as effective InvalidateError, got %v", err)
	}
}

// ==============================
// Mutation helpers
// ==============================

func TestUpdateInvalidatesEvenWhenMutationFails(t *testing.T) {
	ctx := context.Background()
	store := &fakeStore{v: initialSkills()}
	sc := newTestCache(t, memory.New(memory.Config{}), nil)
	key := DeviceSkillsKey("D")
	mustRead(t, sc, key, "", store.load)

	boom := errors.New("partial write")
	err := sc.Update(ctx, key, func(context.Context) error { return boom })
	if !errors.Is(err, boom) {
		t.Fatalf("Update should return the mutation error, got %v", err)
	}
	if _, ok, _ := sc.Fingerprint(ctx, key); ok {
		t.Fatalf("Update must invalidate even when the mutation failed")
	}
	if err := sc.Update(ctx, key, nil); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("nil mutation: err=%v want ErrInvalidRequest", err)
	}
}

func TestUpdateIfMatch(t *testing.T) {
	ctx := context.Background()
	store := &fakeStore{v: initialSkills()}
	sc := newTestCache(t, memory.New(memory.Config{}), nil)
	key := DeviceSkillsKey("D")
	cur := mustRead(t, sc, key, "", store.load)

	mutated := 0
	mutate := func(context.Context) error {
		mutated++
		store.set(changedSkills())
		return nil
	}

	if err := sc.UpdateIfMatch(ctx, key, cur.Fingerprint, store.load, mutate); err != nil {
		t.Fatalf("UpdateIfMatch with current fingerprint: %v", err)
	}

	// the device still presents the old fingerprint
	err := sc.UpdateIfMatch(ctx, key, cur.Fingerprint, store.load, mutate)
	var sw *StaleWriteError
	if !errors.As(err, &sw) || !errors.Is(err, ErrStaleWrite) {
		t.Fatalf("expected StaleWriteError, got %v", err)
	}
	if sw.Current == cur.Fingerprint || sw.Presented != cur.Fingerprint {
		t.Fatalf("unexpected StaleWriteError contents: %+v", sw)
	}
	if mutated != 1 {
		t.Fatalf("stale write must not mutate, mutated=%d", mutated)
	}

	if err := sc.UpdateIfMatch(ctx, key, "", store.load, mutate); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("empty fingerprint: err=%v want ErrInvalidRequest", err)
	}
}

func TestUpdateIfMatchRefusesNestedWriter(t *testing.T) {
	ctx := context.Background()
	store := &fakeStore{v: initialSkills()}
	p := memory.New(memory.Config{})
	sc := newTestCache(t, p, nil)
	key := DeviceSkillsKey("D")
	cur := mustRead(t, sc, key, "", store.load)

	var mutations atomic.Int32
	var innerErr error
	outer := func(mctx context.Context) error {
		if fp, ok := MatchedFingerprint(mctx); !ok || fp != cur.Fingerprint {
			t.Errorf("MatchedFingerprint=%q,%v want %q", fp, ok, cur.Fingerprint)
		}
		// a second device holding the same fingerprint writes meanwhile
		innerErr = sc.UpdateIfMatch(ctx, key, cur.Fingerprint, store.load, func(context.Context) error {
			mutations.Add(1)
			return nil
		})
		mutations.Add(1)
		store.set(changedSkills())
		return nil
	}

	if err := sc.UpdateIfMatch(ctx, key, cur.Fingerprint, store.load, outer); err != nil {
		t.Fatalf("outer UpdateIfMatch: %v", err)
	}
	if !errors.Is(innerErr, ErrStaleWrite) {
		t.Fatalf("inner err=%v want ErrStaleWrite", innerErr)
	}
	if n := mutations.Load(); n != 1 {
		t.Fatalf("mutations=%d want 1", n)
	}

	// the lease is gone once the guarded write returns
	if _, ok, _ := p.Get(ctx, "lock:skills:"+key); ok {
		t.Fatalf("write lease not released")
	}
	next := mustRead(t, sc, key, "", store.load)
	if next.Fingerprint == cur.Fingerprint {
		t.Fatalf("fingerprint unchanged after guarded write")
	}
	if err := sc.UpdateIfMatch(ctx, key, next.Fingerprint, store.load, func(context.Context) error { return nil }); err != nil {
		t.Fatalf("UpdateIfMatch after release: %v", err)
	}
}

func TestUpdateIfMatchDetectsInvalidationWithoutSetNX(t *testing.T) {
	ctx := context.Background()
	store := &fakeStore{v: initialSkills()}
	sc := newTestCache(t, newPlainProvider(), nil)
	key := DeviceSkillsKey("D")
	cur := mustRead(t, sc, key, "", store.load)

	var innerErr error
	err := sc.UpdateIfMatch(ctx, key, cur.Fingerprint, store.load, func(context.Context) error {
		innerErr = sc.UpdateIfMatch(ctx, key, cur.Fingerprint, store.load, func(context.Context) error {
			store.set(changedSkills())
			return nil
		})
		return nil
	})
	if innerErr != nil {
		t.Fatalf("inner UpdateIfMatch: %v", innerErr)
	}
	var sw *StaleWriteError
	if !errors.As(err, &sw) || sw.Presented != cur.Fingerprint || sw.Current != "" {
		t.Fatalf("outer err=%v want StaleWriteError for a concurrent write", err)
	}
}

func TestLeaseOutageFailsGuardedWrite(t *testing.T) {
	ctx := context.Background()
	store := &fakeStore{v: initialSkills()}
	down := errors.New("connection refused")
	p := &failingProvider{Memory: memory.New(memory.Config{})}
	sc := newTestCache(t, p, nil)
	key := DeviceSkillsKey("D")
	cur := mustRead(t, sc, key, "", store.load)

	p.setErr = down
	err := sc.UpdateIfMatch(ctx, key, cur.Fingerprint, store.load, func(context.Context) error {
		t.Fatalf("mutation must not run without the lease")
		return nil
	})
	if !errors.Is(err, ErrCacheUnavailable) || !errors.Is(err, down) {
		t.Fatalf("err=%v want ErrCacheUnavailable wrapping cause", err)
	}
}

func TestBytesValueDoesNotAliasCache(t *testing.T) {
	ctx := context.Background()
	sc, err := New[[]byte](Options[[]byte]{
		Namespace: "settings",
		Provider:  memory.New(memory.Config{}),
		Codec:     c.Bytes{},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = sc.Close(context.Background()) })

	doc := []byte(`{"textfield":"Device text value"}`)
	load := func(context.Context) ([]byte, error) { return append([]byte(nil), doc...), nil }
	first, err := sc.Read(ctx, "D", "", load)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}

	hit, err := sc.Read(ctx, "D", "", load)
	if err != nil {
		t.Fatalf("Read (hit): %v", err)
	}
	for i := range hit.Value {
		hit.Value[i] = 'X'
	}

	again, err := sc.Read(ctx, "D", "", load)
	if err != nil {
		t.Fatalf("Read (after caller edit): %v", err)
	}
	if string(again.Value) != string(doc) || again.Fingerprint != first.Fingerprint {
		t.Fatalf("cached payload changed under its fingerprint: %q", again.Value)
	}
	if Fingerprint(again.Value) != again.Fingerprint {
		t.Fatalf("value no longer hashes to its fingerprint")
	}
}

func TestDisabledCacheAlwaysLoads(t *testing.T) {
	ctx := context.Background()
	p := memory.New(memory.Config{})
	store := &fakeStore{v: initialSkills()}
	sc := newTestCache(t, p, func(o *Options[deviceSkills]) { o.Disabled = true })
	if sc.Enabled() {
		t.Fatalf("Enabled should be false")
	}

	a := mustRead(t, sc, "k", "", store.load)
	b := mustRead(t, sc, "k", a.Fingerprint, store.load)
	if !b.NotModified {
		t.Fatalf("fingerprints still apply when disabled")
	}
	if store.loads.Load() != 2 || p.Len() != 0 {
		t.Fatalf("disabled cache must load every time and store nothing, loads=%d len=%d", store.loads.Load(), p.Len())
	}
	if err := sc.Invalidate(ctx, "k"); err != nil {
		t.Fatalf("Invalidate on disabled cache: %v", err)
	}
}
