// Package memory is an in-process Conditional provider.
//
// SetNX is atomic within one process only. Use it for tests, single-replica
// deployments and local tooling; use provider/redis when replicas share state.
package memory

import (
	"context"
	"sync"
	"time"

	pr "github.com/unkn0wn-root/devsync/provider"
)

type entry struct {
	v   []byte
	exp time.Time // zero => no TTL
}

type Memory struct {
	mu  sync.Mutex
	m   map[string]entry
	now func() time.Time
}

var _ pr.Conditional = (*Memory)(nil)

type Config struct {
	// Now overrides the clock used for expiry. nil => time.Now.
	Now func() time.Time
}

func New(cfg Config) *Memory {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Memory{m: make(map[string]entry), now: now}
}

func (p *Memory) Get(_ context.Context, key string) ([]byte, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.live(key)
	if !ok {
		return nil, false, nil
	}
	// callers own the returned slice
	return append([]byte(nil), e.v...), true, nil
}

func (p *Memory) Set(_ context.Context, key string, value []byte, _ int64, ttl time.Duration) (bool, error) {
	p.mu.Lock()
	p.m[key] = p.entry(value, ttl)
	p.mu.Unlock()
	return true, nil
}

func (p *Memory) SetNX(_ context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.live(key); ok {
		return false, nil
	}
	p.m[key] = p.entry(value, ttl)
	return true, nil
}

func (p *Memory) GetDel(_ context.Context, key string) ([]byte, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.live(key)
	if !ok {
		return nil, false, nil
	}
	delete(p.m, key)
	return append([]byte(nil), e.v...), true, nil
}

func (p *Memory) Del(_ context.Context, key string) error {
	p.mu.Lock()
	delete(p.m, key)
	p.mu.Unlock()
	return nil
}

func (p *Memory) Close(context.Context) error { return nil }

// Len returns the number of live entries.
func (p *Memory) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for k := range p.m {
		if _, ok := p.live(k); ok {
			n++
		}
	}
	return n
}

// live returns the entry at key, dropping it if expired. Caller holds mu.
func (p *Memory) live(key string) (entry, bool) {
	e, ok := p.m[key]
	if !ok {
		return entry{}, false
	}
	if !e.exp.IsZero() && !p.now().Before(e.exp) {
		delete(p.m, key)
		return entry{}, false
	}
	return e, true
}

func (p *Memory) entry(value []byte, ttl time.Duration) entry {
	e := entry{v: append([]byte(nil), value...)}
	if ttl > 0 {
		e.exp = p.now().Add(ttl)
	}
	return e
}
