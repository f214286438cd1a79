package urlcache

import (
	"context"
	"time"

	"github.com/unkn0wn-root/urlcache/codec"
	gen "github.com/unkn0wn-root/urlcache/genstore"
	"github.com/unkn0wn-root/urlcache/issuer"
	pr "github.com/unkn0wn-root/urlcache/provider"
)

// Entry is one issued URL. Entries are built by the cache only; the values
// handed to callers are copies.
type Entry struct {
	Key       string    `json:"key" msgpack:"key" cbor:"key"`
	URL       string    `json:"url" msgpack:"url" cbor:"url"`
	IssuedAt  time.Time `json:"issuedAt" msgpack:"issuedAt" cbor:"issuedAt"`
	ExpiresAt time.Time `json:"expiresAt" msgpack:"expiresAt" cbor:"expiresAt"`
}

// Fresh reports whether the entry may still be served at now.
func (e Entry) Fresh(now time.Time) bool { return now.Before(e.ExpiresAt) }

// Cache hands out signed URLs for storage keys, issuing each key at most once
// per round no matter how many callers ask concurrently.
type Cache interface {
	Enabled() bool
	// Close stops the sweep loop, waits (bounded by ctx) for running
	// issuances to settle and closes the provider and generation store.
	Close(context.Context) error

	// Get returns a URL for key: from the entry table while fresh, otherwise
	// from the issuance already in flight for key, otherwise from a new one.
	// Issuer failures come back as *IssueError and are not cached.
	// Cancelling ctx abandons the wait only; the issuance still completes.
	Get(ctx context.Context, key string) (string, error)
	// GetEntry is Get returning the whole entry (issue and expiry times).
	GetEntry(ctx context.Context, key string) (Entry, error)

	// GetBatch resolves many keys at once. Keys whose issuance failed, and
	// invalid keys, are absent from urls and listed in failed. err is non-nil
	// only when ctx ended before every key settled.
	GetBatch(ctx context.Context, keys []string) (urls map[string]string, failed []string, err error)

	// Invalidate drops key's entry and makes any result still in flight for
	// key unstorable; the next Get issues a fresh URL. Idempotent.
	Invalidate(ctx context.Context, key string) error

	// Sweep evicts expired entries (when the provider supports it) and
	// prunes old generations. Returns the number of entries evicted.
	Sweep(ctx context.Context) int
}

// Options tune the cache. Only Namespace and Issuer are required.
type Options struct {
	// Required
	Namespace string // keyspace prefix in the provider/genstore, e.g. "documents"
	Issuer    issuer.Issuer

	TTL               time.Duration      // validity requested from the issuer; 0 => 1h
	SafetyMargin      time.Duration      // subtracted from TTL for ExpiresAt; 0 => 60s; must be < TTL
	Provider          pr.Provider        // nil => provider/memory
	Codec             codec.Codec[Entry] // nil => msgpack
	GenStore          gen.GenStore       // nil => genstore.Local
	Logger            Logger             // nil => NopLogger
	Hooks             Hooks              // nil => NopHooks
	CleanupInterval   time.Duration      // background Sweep period; 0 => 10m; < 0 disables the loop
	GenRetention      time.Duration      // local generations kept after last bump; 0 => 24h
	MaxParallelIssues int                // concurrent issuer calls per batch; 0 => 16
	MaxBatchSize      int                // keys per IssueURLs call; 0 => 100
	IssueTimeout      time.Duration      // bound on a single issuer call; 0 => none
	Disabled          bool               // skip the entry table; still coalesces concurrent issuance
	Now               func() time.Time   // clock; nil => time.Now
}

func New(opts Options) (Cache, error) {
	c, err := newCache(opts)
	if err != nil {
		return nil, err
	}
	return c, nil
}
