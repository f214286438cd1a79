// Package memory is the default in-process provider: a mutex-guarded map
// with per-entry deadlines. Expired entries are dropped lazily on Get and in
// bulk by Sweep.
package memory

import (
	"context"
	"sync"
	"time"

	pr "github.com/unkn0wn-root/urlcache/provider"
)

type item struct {
	v   []byte
	exp time.Time // zero => no TTL
}

type Provider struct {
	mu  sync.RWMutex
	m   map[string]item
	max int
	now func() time.Time
}

var (
	_ pr.Provider    = (*Provider)(nil)
	_ pr.BatchGetter = (*Provider)(nil)
	_ pr.Sweeper     = (*Provider)(nil)
)

type Config struct {
	// MaxEntries bounds the map; Set of a new key beyond it is rejected
	// (ok=false) after an inline sweep fails to make room. 0 = unbounded.
	MaxEntries int
	// Now overrides the clock (tests).
	Now func() time.Time
}

func New(cfg Config) *Provider {
	p := &Provider{m: make(map[string]item), max: cfg.MaxEntries, now: time.Now}
	if cfg.Now != nil {
		p.now = cfg.Now
	}
	return p
}

func (p *Provider) Get(_ context.Context, key string) ([]byte, bool, error) {
	now := p.now()
	p.mu.RLock()
	it, ok := p.m[key]
	p.mu.RUnlock()
	if !ok {
		return nil, false, nil
	}
	if it.expired(now) {
		p.mu.Lock()
		if cur, ok := p.m[key]; ok && cur.expired(now) {
			delete(p.m, key)
		}
		p.mu.Unlock()
		return nil, false, nil
	}
	return it.v, true, nil
}

func (p *Provider) GetMany(_ context.Context, keys []string) (map[string][]byte, error) {
	now := p.now()
	out := make(map[string][]byte, len(keys))
	p.mu.RLock()
	for _, k := range keys {
		if it, ok := p.m[k]; ok && !it.expired(now) {
			out[k] = it.v
		}
	}
	p.mu.RUnlock()
	return out, nil
}

func (p *Provider) Set(_ context.Context, key string, value []byte, _ int64, ttl time.Duration) (bool, error) {
	now := p.now()
	var exp time.Time
	if ttl > 0 {
		exp = now.Add(ttl)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.m[key]; !exists && p.max > 0 && len(p.m) >= p.max {
		p.sweepLocked(now)
		if len(p.m) >= p.max {
			return false, nil
		}
	}
	p.m[key] = item{v: value, exp: exp}
	return true, nil
}

func (p *Provider) Del(_ context.Context, key string) error {
	p.mu.Lock()
	delete(p.m, key)
	p.mu.Unlock()
	return nil
}

func (p *Provider) Sweep(now time.Time) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sweepLocked(now)
}

// Len reports the number of stored entries, expired ones included.
func (p *Provider) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.m)
}

func (p *Provider) Close(context.Context) error { return nil }

func (p *Provider) sweepLocked(now time.Time) int {
	removed := 0
	for k, it := range p.m {
		if it.expired(now) {
			delete(p.m, k)
			removed++
		}
	}
	return removed
}

func (it item) expired(now time.Time) bool {
	return !it.exp.IsZero() && !now.Before(it.exp)
}
