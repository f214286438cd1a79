package urlcache

import (
	"context"

	"github.com/unkn0wn-root/urlcache/internal/wire"
	pr "github.com/unkn0wn-root/urlcache/provider"
)

// store writes e only if key's generation still equals observed. A failed
// check means an Invalidate landed while the issuer was running.
func (c *cache) store(ctx context.Context, e Entry, observed uint64) {
	k := c.storageKey(e.Key)
	cur, err := c.gen.Snapshot(ctx, k)
	if err != nil {
		c.hooks.GenSnapshotError(1, err)
		c.log.Warn("gen snapshot error", Fields{"key": k, "err": err})
		return
	}
	if cur != observed {
		c.log.Debug("entry superseded by invalidate", Fields{"key": k, "observed": observed, "current": cur})
		return
	}

	ttl := e.ExpiresAt.Sub(c.now())
	if ttl <= 0 {
		return
	}
	payload, err := c.codec.Encode(e)
	if err != nil {
		c.log.Error("entry encode error", Fields{"key": k, "err": err})
		return
	}
	frame := wire.EncodeEntry(wire.Header{Gen: observed, ExpiresAt: e.ExpiresAt.UnixNano()}, payload)
	ok, err := c.provider.Set(ctx, k, frame, int64(len(frame)), ttl)
	if err != nil {
		c.log.Warn("provider set error", Fields{"key": k, "err": err})
		return
	}
	if !ok {
		c.hooks.StoreSetRejected(k)
	}
}

func (c *cache) lookup(ctx context.Context, key string) (Entry, bool) {
	k := c.storageKey(key)
	raw, ok, err := c.provider.Get(ctx, k)
	if err != nil {
		c.log.Warn("provider get error", Fields{"key": k, "err": err})
		return Entry{}, false
	}
	if !ok {
		return Entry{}, false
	}
	g, err := c.gen.Snapshot(ctx, k)
	if err != nil {
		c.hooks.GenSnapshotError(1, err)
		return Entry{}, false
	}
	return c.decode(ctx, key, raw, g)
}

// lookupMany returns the fresh, generation-valid entries among keys.
func (c *cache) lookupMany(ctx context.Context, keys []string) map[string]Entry {
	sks := make([]string, len(keys))
	for i, k := range keys {
		sks[i] = c.storageKey(k)
	}
	gens, err := c.gen.SnapshotMany(ctx, sks)
	if err != nil {
		c.hooks.GenSnapshotError(len(sks), err)
		c.log.Warn("gen snapshot error", Fields{"keys": len(sks), "err": err})
		return nil
	}
	return c.lookupWithGens(ctx, keys, gens)
}

func (c *cache) lookupWithGens(ctx context.Context, keys []string, gens map[string]uint64) map[string]Entry {
	sks := make([]string, len(keys))
	for i, k := range keys {
		sks[i] = c.storageKey(k)
	}
	raws, err := pr.GetMany(ctx, c.provider, sks)
	if err != nil {
		c.log.Warn("provider get many error", Fields{"keys": len(sks), "err": err})
		return nil
	}
	out := make(map[string]Entry, len(raws))
	for i, k := range keys {
		raw, ok := raws[sks[i]]
		if !ok {
			continue
		}
		if e, ok := c.decode(ctx, k, raw, gens[sks[i]]); ok {
			out[k] = e
		}
	}
	return out
}

// decode validates a stored frame against the current generation. Frames that
// can never become valid again are deleted; merely expired ones are left to
// the provider's TTL and Sweep.
func (c *cache) decode(ctx context.Context, key string, raw []byte, currentGen uint64) (Entry, bool) {
	k := c.storageKey(key)
	h, payload, err := wire.DecodeEntry(raw)
	if err != nil {
		c.heal(ctx, k, "corrupt")
		return Entry{}, false
	}
	if c.now().UnixNano() >= h.ExpiresAt {
		return Entry{}, false
	}
	if h.Gen != currentGen {
		c.heal(ctx, k, "gen_mismatch")
		return Entry{}, false
	}
	e, err := c.codec.Decode(payload)
	if err != nil {
		c.heal(ctx, k, "value_decode")
		return Entry{}, false
	}
	if e.Key != key {
		c.heal(ctx, k, "key_mismatch")
		return Entry{}, false
	}
	if !e.Fresh(c.now()) {
		return Entry{}, false
	}
	return e, true
}

func (c *cache) heal(ctx context.Context, storageKey, reason string) {
	_ = c.provider.Del(ctx, storageKey)
	c.hooks.SelfHeal(storageKey, reason)
	c.log.Debug("self-heal", Fields{"key": storageKey, "reason": reason})
}
