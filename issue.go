package urlcache

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"
)

// launch runs the issuance for keys in the background. Callers only wait on
// the flights; the issuance itself is detached from ctx's cancellation.
// The caller must have done c.work.Add(1) under c.mu after checking closed.
func (c *cache) launch(ctx context.Context, keys []string, fs map[string]*flight) {
	go func() {
		defer c.work.Done()
		c.resolve(context.WithoutCancel(ctx), keys, fs)
	}()
}

// resolve settles every flight in fs exactly once.
func (c *cache) resolve(ctx context.Context, keys []string, fs map[string]*flight) {
	var gens map[string]uint64
	storable := c.enabled
	if c.enabled {
		sks := make([]string, len(keys))
		for i, k := range keys {
			sks[i] = c.storageKey(k)
		}
		var err error
		gens, err = c.gen.SnapshotMany(ctx, sks)
		if err != nil {
			// without an observed generation the result cannot be CAS-stored
			c.hooks.GenSnapshotError(len(sks), err)
			c.log.Warn("gen snapshot error", Fields{"keys": len(sks), "err": err})
			storable = false
		} else {
			// another flight may have stored some keys between the caller's
			// lookup and the registration of ours
			found := c.lookupWithGens(ctx, keys, gens)
			if len(found) > 0 {
				rest := keys[:0:0]
				for _, k := range keys {
					if e, ok := found[k]; ok {
						c.settle(k, fs[k], e, nil)
						continue
					}
					rest = append(rest, k)
				}
				keys = rest
			}
		}
	}

	obs := func(k string) (uint64, bool) {
		if !storable {
			return 0, false
		}
		return gens[c.storageKey(k)], true
	}

	switch {
	case len(keys) == 0:
	case len(keys) == 1:
		c.issueOne(ctx, keys[0], fs[keys[0]], obs)
	case c.batch != nil:
		c.issueBatches(ctx, keys, fs, obs)
	default:
		c.issueEach(ctx, keys, fs, obs)
	}
}

type observedGen func(key string) (gen uint64, storable bool)

func (c *cache) issueEach(ctx context.Context, keys []string, fs map[string]*flight, obs observedGen) {
	var g errgroup.Group
	g.SetLimit(c.maxParallel)
	for _, k := range keys {
		g.Go(func() error {
			c.issueOne(ctx, k, fs[k], obs)
			return nil
		})
	}
	_ = g.Wait()
}

func (c *cache) issueOne(ctx context.Context, key string, f *flight, obs observedGen) {
	start := c.now()
	url, err := c.callIssuer(ctx, key)
	c.hooks.Issued(1, false, c.now().Sub(start))
	if err == nil && url == "" {
		err = ErrNotIssued
	}
	if err != nil {
		c.fail(key, f, err)
		return
	}
	c.succeed(ctx, key, f, url, start, obs)
}

func (c *cache) issueBatches(ctx context.Context, keys []string, fs map[string]*flight, obs observedGen) {
	var g errgroup.Group
	g.SetLimit(c.maxParallel)
	for lo := 0; lo < len(keys); lo += c.maxBatch {
		chunk := keys[lo:min(lo+c.maxBatch, len(keys))]
		g.Go(func() error {
			start := c.now()
			urls, err := c.callBatchIssuer(ctx, chunk)
			c.hooks.Issued(len(chunk), true, c.now().Sub(start))
			for _, k := range chunk {
				switch url := urls[k]; {
				case err != nil:
					c.fail(k, fs[k], err)
				case url == "":
					c.fail(k, fs[k], ErrNotIssued)
				default:
					c.succeed(ctx, k, fs[k], url, start, obs)
				}
			}
			return nil
		})
	}
	_ = g.Wait()
}

func (c *cache) callIssuer(ctx context.Context, key string) (url string, err error) {
	ctx, cancel := c.issueContext(ctx)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("issuer panic: %v", r)
		}
	}()
	return c.iss.IssueURL(ctx, key, c.ttl)
}

func (c *cache) callBatchIssuer(ctx context.Context, keys []string) (urls map[string]string, err error) {
	ctx, cancel := c.issueContext(ctx)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			urls, err = nil, fmt.Errorf("issuer panic: %v", r)
		}
	}()
	return c.batch.IssueURLs(ctx, keys, c.ttl)
}

func (c *cache) issueContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.issueTimeout > 0 {
		return context.WithTimeout(ctx, c.issueTimeout)
	}
	return ctx, func() {}
}

// succeed stores the entry (when its generation is still current) before
// settling, so a caller arriving after the flight is gone finds the entry.
func (c *cache) succeed(ctx context.Context, key string, f *flight, url string, issuedAt time.Time, obs observedGen) {
	e := Entry{
		Key:       key,
		URL:       url,
		IssuedAt:  issuedAt,
		ExpiresAt: issuedAt.Add(c.ttl - c.margin),
	}
	if g, ok := obs(key); ok {
		c.store(ctx, e, g)
	}
	c.settle(key, f, e, nil)
}

func (c *cache) fail(key string, f *flight, err error) {
	ierr := &IssueError{Key: key, Err: err}
	c.hooks.IssueFailed(key, err)
	c.log.Warn("issue failed", Fields{"key": key, "err": err})
	c.settle(key, f, Entry{}, ierr)
}
