// Package issuer defines the collaborator that mints signed, time-limited
// access URLs for storage keys.
package issuer

import (
	"context"
	"time"
)

// Issuer mints one signed URL valid for ttl. Implementations must be safe for
// concurrent use and should honour ctx for cancellation and deadlines.
type Issuer interface {
	IssueURL(ctx context.Context, key string, ttl time.Duration) (string, error)
}

// BatchIssuer is an optional capability: one round trip for many keys.
// A key missing from the result is a per-key failure; a non-nil error fails
// every key of the call.
type BatchIssuer interface {
	Issuer
	IssueURLs(ctx context.Context, keys []string, ttl time.Duration) (map[string]string, error)
}

// Func adapts a function to Issuer.
type Func func(ctx context.Context, key string, ttl time.Duration) (string, error)

func (f Func) IssueURL(ctx context.Context, key string, ttl time.Duration) (string, error) {
	return f(ctx, key, ttl)
}
