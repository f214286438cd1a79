package sloghooks

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/unkn0wn-root/urlcache"
)

type Options struct {
	// Sampling to avoid floods; 0/1 = log all.
	SelfHealEvery     uint64
	FlightSharedEvery uint64
	// Optional key redactor. Defaults to SHA-256 prefix.
	Redact func(string) string
}

// Hooks logs cache events to slog. Lookup and Issued are counted by metrics
// sinks (hooks/prom) and only logged at debug here.
type Hooks struct {
	l    *slog.Logger
	opts Options

	selfHealCtr atomic.Uint64
	sharedCtr   atomic.Uint64
}

var _ urlcache.Hooks = (*Hooks)(nil)

func New(l *slog.Logger, opts Options) *Hooks {
	return &Hooks{l: l, opts: opts}
}

func (h *Hooks) redact(k string) string {
	if h.opts.Redact != nil {
		return h.opts.Redact(k)
	}
	sum := sha256.Sum256([]byte(k))
	return hex.EncodeToString(sum[:8])
}

func sample(n uint64, ctr *atomic.Uint64) bool {
	if n == 0 || n == 1 {
		return true
	}
	return ctr.Add(1)%n == 0
}

func (h *Hooks) Lookup(hits, misses int) {
	if h.l == nil {
		return
	}
	h.l.Debug("urlcache.lookup", "hits", hits, "misses", misses)
}

func (h *Hooks) FlightShared(key string) {
	if h.l == nil || !sample(h.opts.FlightSharedEvery, &h.sharedCtr) {
		return
	}
	h.l.Debug("urlcache.flight_shared", "key", h.redact(key))
}

func (h *Hooks) Issued(keys int, batched bool, elapsed time.Duration) {
	if h.l == nil {
		return
	}
	h.l.Debug("urlcache.issued",
		"keys", keys,
		"batched", batched,
		"elapsed", elapsed)
}

func (h *Hooks) IssueFailed(key string, err error) {
	if h.l == nil {
		return
	}
	h.l.Warn("urlcache.issue_failed",
		"key", h.redact(key),
		"err", err)
}

func (h *Hooks) SelfHeal(storageKey, reason string) {
	if h.l == nil || !sample(h.opts.SelfHealEvery, &h.selfHealCtr) {
		return
	}
	h.l.Debug("urlcache.self_heal",
		"key", h.redact(storageKey),
		"reason", reason)
}

func (h *Hooks) StoreSetRejected(storageKey string) {
	if h.l == nil {
		return
	}
	h.l.Warn("urlcache.store_set_rejected", "key", h.redact(storageKey))
}

func (h *Hooks) GenSnapshotError(count int, err error) {
	if h.l == nil {
		return
	}
	h.l.Warn("urlcache.gen_snapshot_error",
		"count", count,
		"err", err)
}

func (h *Hooks) GenBumpError(storageKey string, err error) {
	if h.l == nil {
		return
	}
	h.l.Warn("urlcache.gen_bump_error",
		"key", h.redact(storageKey),
		"err", err)
}

func (h *Hooks) InvalidateOutage(key string, bumpErr, delErr error) {
	if h.l == nil {
		return
	}
	h.l.Error("urlcache.invalidate_outage",
		"key", h.redact(key),
		"bump_err", bumpErr,
		"del_err", delErr)
}

func (h *Hooks) Swept(removed int) {
	if h.l == nil || removed == 0 {
		return
	}
	h.l.Info("urlcache.swept", "removed", removed)
}
