// Package genstore keeps per-key generation counters. The cache snapshots a
// key's generation before calling the issuer and stores the result only if
// the generation is unchanged, so an Invalidate that lands while an issuance
// is in flight wins over the late result.
package genstore

import (
	"context"
	"time"
)

// GenStore abstracts where generations live.
type GenStore interface {
	// Snapshot returns the current generation; missing => 0.
	Snapshot(ctx context.Context, storageKey string) (uint64, error)
	// SnapshotMany returns gens for many keys; missing => 0.
	SnapshotMany(ctx context.Context, storageKeys []string) (map[string]uint64, error)
	// Bump atomically increments and returns the new generation.
	Bump(ctx context.Context, storageKey string) (uint64, error)
	// Cleanup drops generations not bumped within retention. Returns the
	// number of keys removed (always 0 for stores with native expiry).
	Cleanup(retention time.Duration) int
	Close(context.Context) error
}
