package urlcache

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/unkn0wn-root/urlcache/codec"
	gen "github.com/unkn0wn-root/urlcache/genstore"
	"github.com/unkn0wn-root/urlcache/internal/util"
	"github.com/unkn0wn-root/urlcache/issuer"
	pr "github.com/unkn0wn-root/urlcache/provider"
	"github.com/unkn0wn-root/urlcache/provider/memory"
)

const (
	defaultTTL          = time.Hour
	defaultSafetyMargin = time.Minute
	defaultSweep        = 10 * time.Minute
	defaultGenRetention = 24 * time.Hour
	defaultParallel     = 16
	defaultBatchSize    = 100
)

type cache struct {
	ns       string
	iss      issuer.Issuer
	batch    issuer.BatchIssuer // nil when the issuer has no batch capability
	provider pr.Provider
	codec    codec.Codec[Entry]
	gen      gen.GenStore
	log      Logger
	hooks    Hooks
	now      func() time.Time

	enabled       bool
	ttl           time.Duration
	margin        time.Duration
	sweepInterval time.Duration
	genRetention  time.Duration
	maxParallel   int
	maxBatch      int
	issueTimeout  time.Duration

	// in-flight issuances; a key maps to at most one flight
	mu      sync.Mutex
	flights map[string]*flight

	// issuances running detached from their callers
	work sync.WaitGroup

	closed    atomic.Bool
	stopCh    chan struct{}
	closeWg   sync.WaitGroup
	closeOnce sync.Once
}

func newCache(opts Options) (*cache, error) {
	if opts.Issuer == nil {
		return nil, fmt.Errorf("urlcache: issuer is required")
	}
	if opts.Namespace == "" {
		return nil, fmt.Errorf("urlcache: namespace is required")
	}
	if opts.TTL < 0 || opts.SafetyMargin < 0 || opts.IssueTimeout < 0 {
		return nil, fmt.Errorf("urlcache: durations must not be negative")
	}

	c := &cache{
		ns:      opts.Namespace,
		iss:     opts.Issuer,
		enabled: !opts.Disabled,
		flights: make(map[string]*flight),
	}
	// resolved once; per-call paths only check c.batch != nil
	if b, ok := opts.Issuer.(issuer.BatchIssuer); ok {
		c.batch = b
	}

	c.ttl = coalesce(opts.TTL, defaultTTL)
	c.margin = coalesce(opts.SafetyMargin, defaultSafetyMargin)
	if c.margin >= c.ttl {
		return nil, fmt.Errorf("urlcache: safety margin %s must be shorter than ttl %s", c.margin, c.ttl)
	}
	c.sweepInterval = coalesce(opts.CleanupInterval, defaultSweep)
	c.genRetention = coalesce(opts.GenRetention, defaultGenRetention)
	c.maxParallel = coalesce(opts.MaxParallelIssues, defaultParallel)
	c.maxBatch = coalesce(opts.MaxBatchSize, defaultBatchSize)
	c.issueTimeout = opts.IssueTimeout

	c.log = coalesce[Logger](opts.Logger, NopLogger{})
	c.hooks = coalesce[Hooks](opts.Hooks, NopHooks{})
	c.now = opts.Now
	if c.now == nil {
		c.now = time.Now
	}
	c.provider = coalesce[pr.Provider](opts.Provider, nil)
	if c.provider == nil {
		c.provider = memory.New(memory.Config{Now: c.now})
	}
	c.codec = coalesce[codec.Codec[Entry]](opts.Codec, nil)
	if c.codec == nil {
		c.codec = codec.Msgpack[Entry]{}
	}
	if opts.GenStore != nil {
		c.gen = opts.GenStore
	} else {
		c.gen = gen.NewLocalWithClock(c.now)
	}

	if c.enabled && c.sweepInterval > 0 {
		c.stopCh = make(chan struct{})
		c.closeWg.Add(1)
		go c.cleanupLoop()
	}
	return c, nil
}

func (c *cache) Enabled() bool { return c.enabled }

func (c *cache) Close(ctx context.Context) error {
	var err error
	c.closeOnce.Do(func() {
		// under mu so no leader can take a work slot after Wait starts
		c.mu.Lock()
		c.closed.Store(true)
		c.mu.Unlock()
		if c.stopCh != nil {
			close(c.stopCh)
			c.closeWg.Wait()
		}

		done := make(chan struct{})
		go func() {
			c.work.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			c.log.Warn("close: issuances still running", Fields{"err": ctx.Err()})
			err = ctx.Err()
		}

		_ = c.gen.Close(ctx)
		if perr := c.provider.Close(ctx); perr != nil && err == nil {
			err = perr
		}
	})
	return err
}

func (c *cache) Get(ctx context.Context, key string) (string, error) {
	e, err := c.GetEntry(ctx, key)
	if err != nil {
		return "", err
	}
	return e.URL, nil
}

func (c *cache) GetEntry(ctx context.Context, key string) (Entry, error) {
	if !util.ValidKey(key) {
		return Entry{}, ErrInvalidKey
	}
	if c.closed.Load() {
		return Entry{}, ErrClosed
	}

	if c.enabled {
		if e, ok := c.lookup(ctx, key); ok {
			c.hooks.Lookup(1, 0)
			return e, nil
		}
	}
	c.hooks.Lookup(0, 1)

	f, leader, err := c.acquire(key)
	if err != nil {
		return Entry{}, err
	}
	if leader {
		c.launch(ctx, []string{key}, map[string]*flight{key: f})
	} else {
		c.hooks.FlightShared(key)
	}
	return f.wait(ctx)
}

func (c *cache) GetBatch(ctx context.Context, keys []string) (map[string]string, []string, error) {
	valid, failed := util.SplitKeys(keys)
	out := make(map[string]string, len(valid))
	if len(valid) == 0 {
		return out, failed, nil
	}
	if c.closed.Load() {
		return out, append(failed, valid...), ErrClosed
	}

	var fresh map[string]Entry
	if c.enabled {
		fresh = c.lookupMany(ctx, valid)
		for k, e := range fresh {
			out[k] = e.URL
		}
	}

	// partition the rest into joined (already in flight) and own (new)
	waits := make(map[string]*flight, len(valid)-len(fresh))
	own := make(map[string]*flight)
	var ownKeys, shared []string

	c.mu.Lock()
	if c.closed.Load() {
		c.mu.Unlock()
		for _, k := range valid {
			if _, ok := fresh[k]; !ok {
				failed = append(failed, k)
			}
		}
		return out, failed, ErrClosed
	}
	for _, k := range valid {
		if _, ok := fresh[k]; ok {
			continue
		}
		if f, ok := c.flights[k]; ok {
			waits[k] = f
			shared = append(shared, k)
			continue
		}
		f := newFlight()
		c.flights[k] = f
		own[k] = f
		waits[k] = f
		ownKeys = append(ownKeys, k)
	}
	if len(ownKeys) > 0 {
		c.work.Add(1)
	}
	c.mu.Unlock()

	c.hooks.Lookup(len(fresh), len(waits))
	for _, k := range shared {
		c.hooks.FlightShared(k)
	}
	if len(ownKeys) > 0 {
		c.launch(ctx, ownKeys, own)
	}

	var err error
	for _, k := range valid {
		f, ok := waits[k]
		if !ok {
			continue
		}
		e, werr := f.wait(ctx)
		if werr != nil {
			failed = append(failed, k)
			if err == nil && ctx.Err() != nil {
				err = ctx.Err()
			}
			continue
		}
		out[k] = e.URL
	}
	return out, failed, err
}

// Invalidate bumps the generation before deleting, so from the moment it
// returns no reader accepts the old entry and no in-flight result for key
// can be stored. The flight is detached last: its current waiters still get
// its result, later callers start a new issuance.
func (c *cache) Invalidate(ctx context.Context, key string) error {
	if !util.ValidKey(key) {
		return ErrInvalidKey
	}
	if !c.enabled {
		c.detach(key)
		return nil
	}

	k := c.storageKey(key)
	newGen, bumpErr := c.gen.Bump(ctx, k)
	if bumpErr != nil {
		c.hooks.GenBumpError(k, bumpErr)
		c.log.Error("gen bump error", Fields{"key": k, "err": bumpErr})
	}
	delErr := c.provider.Del(ctx, k)
	if bumpErr != nil && delErr != nil {
		c.detach(key)
		c.hooks.InvalidateOutage(key, bumpErr, delErr)
		return &InvalidateError{Key: key, BumpErr: bumpErr, DelErr: delErr}
	}

	c.detach(key)
	c.log.Debug("invalidated key", Fields{"key": key, "newGen": newGen})
	return nil
}

func (c *cache) Sweep(context.Context) int {
	removed := 0
	if sw, ok := c.provider.(pr.Sweeper); ok {
		removed = sw.Sweep(c.now())
	}
	gens := c.gen.Cleanup(c.genRetention)
	c.hooks.Swept(removed)
	if removed > 0 || gens > 0 {
		c.log.Debug("sweep removed stale state", Fields{"entries": removed, "gens": gens})
	}
	return removed
}

func (c *cache) cleanupLoop() {
	defer c.closeWg.Done()
	t := time.NewTicker(c.sweepInterval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			c.Sweep(context.Background())
		case <-c.stopCh:
			return
		}
	}
}

func (c *cache) storageKey(userKey string) string {
	return "url:" + c.ns + ":" + userKey
}

// coalesce returns def when v is T's zero value.
func coalesce[T comparable](v, def T) T {
	var zero T
	if v == zero {
		return def
	}
	return v
}
