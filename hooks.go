package urlcache

import "time"

// Hooks receive high-signal cache events.
// Implementations MUST be cheap and non-blocking; they run on hot paths.
// Wrap slow sinks with hooks/async.
type Hooks interface {
	// Lookup reports entry-table hits and misses of one Get/GetBatch call.
	Lookup(hits, misses int)

	// A caller attached to an issuance already in flight for key.
	FlightShared(key string)

	// One issuer round trip finished. batched is true for IssueURLs calls.
	Issued(keys int, batched bool, elapsed time.Duration)

	// Issuance for key failed; all of its waiters receive err.
	IssueFailed(key string, err error)

	// A stored entry was deleted on read.
	// reason ∈ {"corrupt", "gen_mismatch", "value_decode", "key_mismatch"}
	SelfHeal(storageKey, reason string)

	// Provider returned ok=false on Set (capacity/admission).
	StoreSetRejected(storageKey string)

	// GenStore errors. count is the number of keys involved.
	GenSnapshotError(count int, err error)
	GenBumpError(storageKey string, err error)

	// Both gen bump and delete failed during Invalidate.
	InvalidateOutage(key string, bumpErr, delErr error)

	// A sweep evicted removed expired entries.
	Swept(removed int)
}

// NopHooks is the default no-op.
type NopHooks struct{}

func (NopHooks) Lookup(int, int)                       {}
func (NopHooks) FlightShared(string)                   {}
func (NopHooks) Issued(int, bool, time.Duration)       {}
func (NopHooks) IssueFailed(string, error)             {}
func (NopHooks) SelfHeal(string, string)               {}
func (NopHooks) StoreSetRejected(string)               {}
func (NopHooks) GenSnapshotError(int, error)           {}
func (NopHooks) GenBumpError(string, error)            {}
func (NopHooks) InvalidateOutage(string, error, error) {}
func (NopHooks) Swept(int)                             {}

// MultiHooks fans every event out to each member in order.
type MultiHooks []Hooks

var _ Hooks = MultiHooks(nil)

func (m MultiHooks) Lookup(h, ms int) {
	for _, x := range m {
		x.Lookup(h, ms)
	}
}
func (m MultiHooks) FlightShared(k string) {
	for _, x := range m {
		x.FlightShared(k)
	}
}
func (m MultiHooks) Issued(n int, b bool, d time.Duration) {
	for _, x := range m {
		x.Issued(n, b, d)
	}
}
func (m MultiHooks) IssueFailed(k string, err error) {
	for _, x := range m {
		x.IssueFailed(k, err)
	}
}
func (m MultiHooks) SelfHeal(k, r string) {
	for _, x := range m {
		x.SelfHeal(k, r)
	}
}
func (m MultiHooks) StoreSetRejected(k string) {
	for _, x := range m {
		x.StoreSetRejected(k)
	}
}
func (m MultiHooks) GenSnapshotError(n int, err error) {
	for _, x := range m {
		x.GenSnapshotError(n, err)
	}
}
func (m MultiHooks) GenBumpError(k string, err error) {
	for _, x := range m {
		x.GenBumpError(k, err)
	}
}
func (m MultiHooks) InvalidateOutage(k string, be, de error) {
	for _, x := range m {
		x.InvalidateOutage(k, be, de)
	}
}
func (m MultiHooks) Swept(n int) {
	for _, x := range m {
		x.Swept(n)
	}
}
