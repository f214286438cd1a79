// Package asynchook runs another Hooks implementation on background workers
// so slow sinks stay off the cache's hot paths.
//
//	raw := sloghooks.New(slog.Default(), sloghooks.Options{SelfHealEvery: 10})
//	hooks := asynchook.New(raw, 1, 1000) // 1 worker; queue 1000 events
//	defer hooks.Close()
//
//	c, _ := urlcache.New(urlcache.Options{
//	    Namespace: "documents",
//	    Issuer:    iss,
//	    Hooks:     hooks,
//	})
//
// Events are dropped, not queued unboundedly, when the queue is full.
package asynchook

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/unkn0wn-root/urlcache"
)

type Hooks struct {
	inner urlcache.Hooks
	q     chan func()
	wg    sync.WaitGroup

	mu      sync.RWMutex
	closed  bool
	dropped atomic.Uint64
}

var _ urlcache.Hooks = (*Hooks)(nil)

func New(inner urlcache.Hooks, workers, qlen int) *Hooks {
	if workers <= 0 {
		workers = 1
	}
	if qlen <= 0 {
		qlen = 1024
	}

	h := &Hooks{inner: inner, q: make(chan func(), qlen)}
	h.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer h.wg.Done()
			for f := range h.q {
				f()
			}
		}()
	}
	return h
}

// Close drains queued events and stops the workers. Events fired after Close
// are dropped.
func (h *Hooks) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	close(h.q)
	h.mu.Unlock()
	h.wg.Wait()
}

// Dropped reports how many events were discarded on a full queue or after Close.
func (h *Hooks) Dropped() uint64 { return h.dropped.Load() }

func (h *Hooks) try(f func()) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		h.dropped.Add(1)
		return
	}
	select {
	case h.q <- f:
	default:
		h.dropped.Add(1)
	}
}

func (h *Hooks) Lookup(hits, misses int)          { h.try(func() { h.inner.Lookup(hits, misses) }) }
func (h *Hooks) FlightShared(k string)            { h.try(func() { h.inner.FlightShared(k) }) }
func (h *Hooks) IssueFailed(k string, err error)  { h.try(func() { h.inner.IssueFailed(k, err) }) }
func (h *Hooks) SelfHeal(k, r string)             { h.try(func() { h.inner.SelfHeal(k, r) }) }
func (h *Hooks) StoreSetRejected(k string)        { h.try(func() { h.inner.StoreSetRejected(k) }) }
func (h *Hooks) GenBumpError(k string, err error) { h.try(func() { h.inner.GenBumpError(k, err) }) }
func (h *Hooks) Swept(n int)                      { h.try(func() { h.inner.Swept(n) }) }
func (h *Hooks) Issued(n int, batched bool, d time.Duration) {
	h.try(func() { h.inner.Issued(n, batched, d) })
}
func (h *Hooks) GenSnapshotError(n int, err error) {
	h.try(func() { h.inner.GenSnapshotError(n, err) })
}
func (h *Hooks) InvalidateOutage(k string, be, de error) {
	h.try(func() { h.inner.InvalidateOutage(k, be, de) })
}
