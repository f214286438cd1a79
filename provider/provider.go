// Package provider defines the byte store that holds framed cache entries.
//
// Implementations MUST be byte-for-byte transparent: Get must return exactly the
// same []byte that was previously passed to Set for a key.
//
// The keyspace "url:<ns>:" is owned by urlcache. Foreign writes under that
// prefix fail frame validation and are deleted on read.
package provider

import (
	"context"
	"time"
)

// Provider is a minimal byte store with TTLs. Must be safe for concurrent use.
type Provider interface {
	// Get returns (value, true, nil) on hit; (nil, false, nil) on miss.
	// If an IO/remote error happens, return (nil, false, err).
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// Set stores value with the given TTL. May ignore cost if unsupported.
	// Returns ok=false when the store rejected the write under pressure.
	Set(ctx context.Context, key string, value []byte, cost int64, ttl time.Duration) (ok bool, err error)

	// Del removes a key (best-effort). Deleting a missing key is not an error.
	Del(ctx context.Context, key string) error

	Close(ctx context.Context) error
}

// BatchGetter is implemented by providers that can fetch many keys in one
// round trip. Missing keys are absent from the result.
type BatchGetter interface {
	GetMany(ctx context.Context, keys []string) (map[string][]byte, error)
}

// Sweeper is implemented by providers that keep expired entries until they
// are read. Sweep evicts everything expired at now and returns the count.
type Sweeper interface {
	Sweep(now time.Time) int
}

// GetMany uses p's BatchGetter when available and falls back to one Get per
// key otherwise. Per-key errors in the fallback are treated as misses.
func GetMany(ctx context.Context, p Provider, keys []string) (map[string][]byte, error) {
	if bg, ok := p.(BatchGetter); ok {
		return bg.GetMany(ctx, keys)
	}
	out := make(map[string][]byte, len(keys))
	for _, k := range keys {
		if b, ok, err := p.Get(ctx, k); err == nil && ok {
			out[k] = b
		}
	}
	return out, nil
}
