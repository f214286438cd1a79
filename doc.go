// Package urlcache caches signed, time-limited object-storage URLs.
//
// Many concurrent callers ask for URLs of the same storage keys; minting a URL
// is a remote, rate-limited call. The cache keeps each issued URL until
// shortly before it expires, and it never runs two issuer calls for the same
// key at the same time. Callers asking for a key that is already being issued
// wait for that call and share its outcome.
//
// Components:
//   - Issuer: mints URLs (issuer/s3, issuer/storageapi). Issuers that also
//     implement issuer.BatchIssuer get one call per batch of missing keys.
//   - Provider: byte store holding framed entries (provider/memory by default,
//     ristretto, bigcache, redis).
//   - Codec: serializes Entry inside the frame (msgpack by default).
//   - GenStore: per-key generations bumped by Invalidate so a result that was
//     in flight during the invalidation is never stored.
//
// Keys:
//
//	url:<ns>:<key>  - one entry per storage key
//
// Expiry:
//
//	ExpiresAt = IssuedAt + TTL - SafetyMargin
//
// An entry is served only while now < ExpiresAt.
package urlcache
