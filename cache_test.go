package urlcache

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	gen "github.com/unkn0wn-root/urlcache/genstore"
	"github.com/unkn0wn-root/urlcache/issuer"
	"github.com/unkn0wn-root/urlcache/provider/memory"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// fakeIssuer counts calls per key. Keys with a gate block until it is closed;
// every call announces its key on started (buffered, dropped when full)
// before blocking.
type fakeIssuer struct {
	mu      sync.Mutex
	calls   map[string]int
	fail    map[string]error
	gate    map[string]chan struct{}
	started chan string
}

func newFakeIssuer() *fakeIssuer {
	return &fakeIssuer{
		calls:   make(map[string]int),
		fail:    make(map[string]error),
		gate:    make(map[string]chan struct{}),
		started: make(chan string, 256),
	}
}

func (f *fakeIssuer) IssueURL(ctx context.Context, key string, ttl time.Duration) (string, error) {
	f.mu.Lock()
	f.calls[key]++
	n := f.calls[key]
	g := f.gate[key]
	err := f.fail[key]
	f.mu.Unlock()

	select {
	case f.started <- key:
	default:
	}
	if g != nil {
		<-g
	}
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("https://signed.example/%s?ttl=%d&v=%d", key, int(ttl.Seconds()), n), nil
}

func (f *fakeIssuer) count(key string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[key]
}

func (f *fakeIssuer) total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		n += c
	}
	return n
}

func (f *fakeIssuer) hold(key string) chan struct{} {
	g := make(chan struct{})
	f.mu.Lock()
	f.gate[key] = g
	f.mu.Unlock()
	return g
}

func (f *fakeIssuer) waitStarted(t *testing.T, key string) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case k := <-f.started:
			if k == key {
				return
			}
		case <-deadline:
			t.Fatalf("issuer never started for %q", key)
		}
	}
}

// fakeBatchIssuer fails a whole call when any of its keys is in errFor.
type fakeBatchIssuer struct {
	*fakeIssuer
	omit    map[string]bool
	errFor  map[string]error
	batches [][]string
}

func (b *fakeBatchIssuer) IssueURLs(ctx context.Context, keys []string, ttl time.Duration) (map[string]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.batches = append(b.batches, slices.Clone(keys))
	var err error
	for _, k := range keys {
		b.calls[k]++
		if e := b.errFor[k]; e != nil && err == nil {
			err = e
		}
	}
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(keys))
	for _, k := range keys {
		if !b.omit[k] {
			out[k] = fmt.Sprintf("https://signed.example/%s?v=%d", k, b.calls[k])
		}
	}
	return out, nil
}

func (b *fakeBatchIssuer) batchCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.batches)
}

type recHooks struct {
	NopHooks
	shared atomic.Int32
	mu     sync.Mutex
	heals  []string
	failed []string
}

func (h *recHooks) FlightShared(string) { h.shared.Add(1) }
func (h *recHooks) SelfHeal(_ string, reason string) {
	h.mu.Lock()
	h.heals = append(h.heals, reason)
	h.mu.Unlock()
}
func (h *recHooks) IssueFailed(key string, _ error) {
	h.mu.Lock()
	h.failed = append(h.failed, key)
	h.mu.Unlock()
}

func (h *recHooks) waitShared(t *testing.T, n int32) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for h.shared.Load() < n {
		if time.Now().After(deadline) {
			t.Fatalf("expected %d shared waiters, got %d", n, h.shared.Load())
		}
		time.Sleep(time.Millisecond)
	}
}

type testEnv struct {
	c     *cache
	clock *fakeClock
	iss   *fakeIssuer
	hooks *recHooks
	mem   *memory.Provider
	gens  *gen.Local
}

func newTestEnv(t *testing.T, iss issuerUnderTest, tweak func(*Options)) *testEnv {
	t.Helper()
	clock := newFakeClock()
	env := &testEnv{
		clock: clock,
		hooks: &recHooks{},
		mem:   memory.New(memory.Config{Now: clock.Now}),
		gens:  gen.NewLocalWithClock(clock.Now),
	}
	switch v := iss.(type) {
	case *fakeIssuer:
		env.iss = v
	case *fakeBatchIssuer:
		env.iss = v.fakeIssuer
	}
	opts := Options{
		Namespace:       "docs",
		Issuer:          iss,
		TTL:             time.Hour,
		SafetyMargin:    time.Minute,
		Provider:        env.mem,
		GenStore:        env.gens,
		Hooks:           env.hooks,
		CleanupInterval: -1,
		Now:             clock.Now,
	}
	if tweak != nil {
		tweak(&opts)
	}
	c, err := newCache(opts)
	if err != nil {
		t.Fatalf("newCache: %v", err)
	}
	t.Cleanup(func() { _ = c.Close(context.Background()) })
	env.c = c
	return env
}

type issuerUnderTest interface {
	IssueURL(ctx context.Context, key string, ttl time.Duration) (string, error)
}

func TestNewValidatesOptions(t *testing.T) {
	iss := newFakeIssuer()
	cases := []struct {
		name string
		opts Options
	}{
		{"no issuer", Options{Namespace: "docs"}},
		{"no namespace", Options{Issuer: iss}},
		{"margin equals ttl", Options{Namespace: "docs", Issuer: iss, TTL: time.Minute, SafetyMargin: time.Minute}},
		{"negative ttl", Options{Namespace: "docs", Issuer: iss, TTL: -time.Second}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := New(tc.opts); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}

func TestGetIssuesOnceThenServesFromCache(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, newFakeIssuer(), nil)

	u1, err := env.c.Get(ctx, "a/b.pdf")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	u2, err := env.c.Get(ctx, "a/b.pdf")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if u1 != u2 {
		t.Fatalf("cached url differs: %q vs %q", u1, u2)
	}
	if n := env.iss.count("a/b.pdf"); n != 1 {
		t.Fatalf("issuer calls = %d, want 1", n)
	}
	if want := "https://signed.example/a/b.pdf?ttl=3600&v=1"; u1 != want {
		t.Fatalf("url = %q, want %q", u1, want)
	}
}

func TestConcurrentGetsShareOneIssuance(t *testing.T) {
	ctx := context.Background()
	iss := newFakeIssuer()
	env := newTestEnv(t, iss, nil)
	release := iss.hold("k")

	const n = 20
	var wg sync.WaitGroup
	urls := make([]string, n)
	errs := make([]error, n)
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			urls[i], errs[i] = env.c.Get(ctx, "k")
		}()
	}
	env.hooks.waitShared(t, n-1)
	close(release)
	wg.Wait()

	for i := range n {
		if errs[i] != nil {
			t.Fatalf("caller %d: %v", i, errs[i])
		}
		if urls[i] != urls[0] {
			t.Fatalf("caller %d got %q, want %q", i, urls[i], urls[0])
		}
	}
	if c := iss.count("k"); c != 1 {
		t.Fatalf("issuer calls = %d, want 1", c)
	}
	env.c.mu.Lock()
	left := len(env.c.flights)
	env.c.mu.Unlock()
	if left != 0 {
		t.Fatalf("flight table not empty after settle: %d", left)
	}
}

func TestExpiryUsesSafetyMargin(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, newFakeIssuer(), nil)
	t0 := env.clock.Now()

	e, err := env.c.GetEntry(ctx, "k")
	if err != nil {
		t.Fatalf("GetEntry: %v", err)
	}
	if !e.IssuedAt.Equal(t0) || !e.ExpiresAt.Equal(t0.Add(3540*time.Second)) {
		t.Fatalf("entry times = %v / %v", e.IssuedAt, e.ExpiresAt)
	}

	env.clock.Advance(3000 * time.Second)
	if _, err := env.c.Get(ctx, "k"); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if n := env.iss.count("k"); n != 1 {
		t.Fatalf("issuer calls at t+3000s = %d, want 1", n)
	}

	env.clock.Advance(600 * time.Second)
	e2, err := env.c.GetEntry(ctx, "k")
	if err != nil {
		t.Fatalf("GetEntry: %v", err)
	}
	if n := env.iss.count("k"); n != 2 {
		t.Fatalf("issuer calls at t+3600s = %d, want 2", n)
	}
	if !e2.ExpiresAt.Equal(t0.Add(7140 * time.Second)) {
		t.Fatalf("refreshed expiry = %v, want t0+7140s", e2.ExpiresAt)
	}
	if e2.URL == e.URL {
		t.Fatalf("expected a refreshed url")
	}
}

func TestNotServedAtExactExpiry(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, newFakeIssuer(), nil)

	if _, err := env.c.Get(ctx, "k"); err != nil {
		t.Fatalf("Get: %v", err)
	}
	env.clock.Advance(time.Hour - time.Minute)
	if _, err := env.c.Get(ctx, "k"); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if n := env.iss.count("k"); n != 2 {
		t.Fatalf("issuer calls = %d, want 2", n)
	}
}

func TestGetFailureIsSharedAndNotCached(t *testing.T) {
	ctx := context.Background()
	iss := newFakeIssuer()
	boom := errors.New("access denied")
	iss.fail["k"] = boom
	env := newTestEnv(t, iss, nil)
	release := iss.hold("k")

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = env.c.Get(ctx, "k")
		}()
	}
	env.hooks.waitShared(t, 1)
	close(release)
	wg.Wait()

	var ie *IssueError
	if !errors.As(errs[0], &ie) || !errors.Is(errs[0], boom) {
		t.Fatalf("want *IssueError wrapping boom, got %v", errs[0])
	}
	if errs[0] != errs[1] {
		t.Fatalf("waiters got different errors: %v / %v", errs[0], errs[1])
	}

	iss.mu.Lock()
	delete(iss.fail, "k")
	delete(iss.gate, "k")
	iss.mu.Unlock()
	if _, err := env.c.Get(ctx, "k"); err != nil {
		t.Fatalf("retry after failure: %v", err)
	}
	if n := iss.count("k"); n != 2 {
		t.Fatalf("issuer calls = %d, want 2", n)
	}
}

func TestInvalidKeyIsRejectedSynchronously(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, newFakeIssuer(), nil)

	for _, k := range []string{"", "bad\x00key", string([]byte{0xff})} {
		if _, err := env.c.Get(ctx, k); !errors.Is(err, ErrInvalidKey) {
			t.Fatalf("Get(%q) err = %v, want ErrInvalidKey", k, err)
		}
		if err := env.c.Invalidate(ctx, k); !errors.Is(err, ErrInvalidKey) {
			t.Fatalf("Invalidate(%q) err = %v, want ErrInvalidKey", k, err)
		}
	}
	env.iss.mu.Lock()
	defer env.iss.mu.Unlock()
	if len(env.iss.calls) != 0 {
		t.Fatalf("issuer called for invalid keys: %v", env.iss.calls)
	}
}

func TestCallerCancelDoesNotCancelIssuance(t *testing.T) {
	iss := newFakeIssuer()
	env := newTestEnv(t, iss, nil)
	release := iss.hold("k")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := env.c.Get(ctx, "k")
		done <- err
	}()
	iss.waitStarted(t, "k")
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}

	close(release)
	if _, err := env.c.Get(context.Background(), "k"); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if n := iss.count("k"); n != 1 {
		t.Fatalf("issuer calls = %d, want 1", n)
	}
}

func TestInvalidateForcesFreshIssuance(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, newFakeIssuer(), nil)

	u1, _ := env.c.Get(ctx, "k")
	if err := env.c.Invalidate(ctx, "k"); err != nil {
		t.Fatalf("Invalidate: %v", err)
	}
	if err := env.c.Invalidate(ctx, "k"); err != nil {
		t.Fatalf("second Invalidate: %v", err)
	}
	if err := env.c.Invalidate(ctx, "never-cached"); err != nil {
		t.Fatalf("Invalidate of absent key: %v", err)
	}
	u2, _ := env.c.Get(ctx, "k")
	if u1 == u2 {
		t.Fatalf("expected a new url after invalidate")
	}
	if n := env.iss.count("k"); n != 2 {
		t.Fatalf("issuer calls = %d, want 2", n)
	}
}

func TestInvalidateDuringFlightDropsLateResult(t *testing.T) {
	ctx := context.Background()
	iss := newFakeIssuer()
	env := newTestEnv(t, iss, nil)
	release := iss.hold("k")

	done := make(chan string, 1)
	go func() {
		u, _ := env.c.Get(ctx, "k")
		done <- u
	}()
	iss.waitStarted(t, "k")
	if err := env.c.Invalidate(ctx, "k"); err != nil {
		t.Fatalf("Invalidate: %v", err)
	}
	close(release)
	if u := <-done; u == "" {
		t.Fatalf("in-flight waiter should still receive its url")
	}

	if _, err := env.c.Get(ctx, "k"); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if n := iss.count("k"); n != 2 {
		t.Fatalf("issuer calls = %d, want 2 (late result must not be cached)", n)
	}
}

func TestGetBatchJoinsCachedInFlightAndNew(t *testing.T) {
	ctx := context.Background()
	iss := newFakeIssuer()
	env := newTestEnv(t, iss, nil)

	if _, err := env.c.Get(ctx, "k1"); err != nil {
		t.Fatalf("Get k1: %v", err)
	}
	release := iss.hold("k2")
	go func() { _, _ = env.c.Get(ctx, "k2") }()
	iss.waitStarted(t, "k2")

	go func() {
		for env.hooks.shared.Load() < 1 {
			time.Sleep(time.Millisecond)
		}
		close(release)
	}()
	urls, failed, err := env.c.GetBatch(ctx, []string{"k1", "k2", "k3", "k3"})
	if err != nil || len(failed) != 0 {
		t.Fatalf("GetBatch: failed=%v err=%v", failed, err)
	}
	if len(urls) != 3 {
		t.Fatalf("urls = %v, want 3 entries", urls)
	}
	for _, k := range []string{"k1", "k2", "k3"} {
		if n := iss.count(k); n != 1 {
			t.Fatalf("issuer calls for %s = %d, want 1", k, n)
		}
	}
}

func TestGetBatchUsesBatchIssuerInChunks(t *testing.T) {
	ctx := context.Background()
	bi := &fakeBatchIssuer{fakeIssuer: newFakeIssuer(), omit: map[string]bool{"k4": true}}
	env := newTestEnv(t, bi, func(o *Options) { o.MaxBatchSize = 2 })

	urls, failed, err := env.c.GetBatch(ctx, []string{"k1", "k2", "k3", "k4", "k5"})
	if err != nil {
		t.Fatalf("GetBatch: %v", err)
	}
	if _, ok := urls["k4"]; ok || !slices.Equal(failed, []string{"k4"}) {
		t.Fatalf("omitted key must be failed: urls=%v failed=%v", urls, failed)
	}
	if len(urls) != 4 {
		t.Fatalf("urls = %v", urls)
	}
	if n := bi.batchCount(); n != 3 {
		t.Fatalf("batch calls = %d, want 3", n)
	}

	// second round is served entirely from the entry table
	urls, _, _ = env.c.GetBatch(ctx, []string{"k1", "k2", "k3", "k5"})
	if len(urls) != 4 || bi.batchCount() != 3 {
		t.Fatalf("expected cache hits, batch calls = %d", bi.batchCount())
	}
}

func TestGetBatchPartialFailure(t *testing.T) {
	ctx := context.Background()
	iss := newFakeIssuer()
	iss.fail["k2"] = errors.New("no such object")
	env := newTestEnv(t, iss, nil)

	urls, failed, err := env.c.GetBatch(ctx, []string{"k1", "", "k2", "k3"})
	if err != nil {
		t.Fatalf("GetBatch: %v", err)
	}
	if len(urls) != 2 || urls["k1"] == "" || urls["k3"] == "" {
		t.Fatalf("urls = %v", urls)
	}
	if _, ok := urls["k2"]; ok {
		t.Fatalf("failed key must be absent")
	}
	slices.Sort(failed)
	if !slices.Equal(failed, []string{"", "k2"}) {
		t.Fatalf("failed = %q", failed)
	}
}

func TestSelfHealOnCorruptEntry(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, newFakeIssuer(), nil)

	_, _ = env.mem.Set(ctx, env.c.storageKey("k"), []byte("not a frame"), 0, 0)
	if _, err := env.c.Get(ctx, "k"); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if n := env.iss.count("k"); n != 1 {
		t.Fatalf("issuer calls = %d, want 1", n)
	}
	env.hooks.mu.Lock()
	defer env.hooks.mu.Unlock()
	if !slices.Contains(env.hooks.heals, "corrupt") {
		t.Fatalf("heals = %v, want corrupt", env.hooks.heals)
	}
}

func TestSelfHealOnGenMismatch(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, newFakeIssuer(), nil)

	if _, err := env.c.Get(ctx, "k"); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if _, err := env.gens.Bump(ctx, env.c.storageKey("k")); err != nil {
		t.Fatalf("Bump: %v", err)
	}
	if _, err := env.c.Get(ctx, "k"); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if n := env.iss.count("k"); n != 2 {
		t.Fatalf("issuer calls = %d, want 2", n)
	}
	env.hooks.mu.Lock()
	defer env.hooks.mu.Unlock()
	if !slices.Contains(env.hooks.heals, "gen_mismatch") {
		t.Fatalf("heals = %v, want gen_mismatch", env.hooks.heals)
	}
}

type failingGenStore struct {
	gen.GenStore
	bumpErr error
}

func (s *failingGenStore) Bump(context.Context, string) (uint64, error) { return 0, s.bumpErr }

type delErrProvider struct {
	*memory.Provider
	err error
}

func (p *delErrProvider) Del(context.Context, string) error { return p.err }

func TestInvalidateBothFailReturnsError(t *testing.T) {
	ctx := context.Background()
	bumpErr := errors.New("gen down")
	delErr := errors.New("store down")
	env := newTestEnv(t, newFakeIssuer(), func(o *Options) {
		o.GenStore = &failingGenStore{GenStore: gen.NewLocal(), bumpErr: bumpErr}
		o.Provider = &delErrProvider{Provider: memory.New(memory.Config{}), err: delErr}
	})

	err := env.c.Invalidate(ctx, "k")
	var ie *InvalidateError
	if !errors.As(err, &ie) {
		t.Fatalf("want *InvalidateError, got %v", err)
	}
	if !errors.Is(err, bumpErr) || !errors.Is(err, delErr) {
		t.Fatalf("error should wrap both causes: %v", err)
	}
}

func TestInvalidateSingleFailureIsTolerated(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, newFakeIssuer(), func(o *Options) {
		o.GenStore = &failingGenStore{GenStore: gen.NewLocal(), bumpErr: errors.New("gen down")}
	})
	if err := env.c.Invalidate(ctx, "k"); err != nil {
		t.Fatalf("bump failure alone should not fail Invalidate: %v", err)
	}
}

func TestDisabledStillCoalesces(t *testing.T) {
	ctx := context.Background()
	iss := newFakeIssuer()
	env := newTestEnv(t, iss, func(o *Options) { o.Disabled = true })

	_, _ = env.c.Get(ctx, "k")
	_, _ = env.c.Get(ctx, "k")
	if n := iss.count("k"); n != 2 {
		t.Fatalf("disabled cache should not store, issuer calls = %d", n)
	}
	if env.mem.Len() != 0 {
		t.Fatalf("disabled cache wrote %d entries", env.mem.Len())
	}

	release := iss.hold("j")
	var wg sync.WaitGroup
	for range 3 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = env.c.Get(ctx, "j")
		}()
	}
	env.hooks.waitShared(t, 2)
	close(release)
	wg.Wait()
	if n := iss.count("j"); n != 1 {
		t.Fatalf("issuer calls = %d, want 1", n)
	}
}

func TestSweepEvictsExpired(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, newFakeIssuer(), nil)

	_, _, _ = env.c.GetBatch(ctx, []string{"a", "b"})
	if got := env.c.Sweep(ctx); got != 0 {
		t.Fatalf("Sweep before expiry removed %d", got)
	}
	env.clock.Advance(time.Hour)
	if got := env.c.Sweep(ctx); got != 2 {
		t.Fatalf("Sweep removed %d, want 2", got)
	}
	if env.mem.Len() != 0 {
		t.Fatalf("entries left: %d", env.mem.Len())
	}
}

func TestClosedCacheRejectsCalls(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, newFakeIssuer(), nil)
	if err := env.c.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := env.c.Get(ctx, "k"); !errors.Is(err, ErrClosed) {
		t.Fatalf("err = %v, want ErrClosed", err)
	}
	_, failed, err := env.c.GetBatch(ctx, []string{"k"})
	if !errors.Is(err, ErrClosed) || len(failed) != 1 {
		t.Fatalf("GetBatch after close: failed=%v err=%v", failed, err)
	}
}

func TestIssuerPanicBecomesIssueError(t *testing.T) {
	ctx := context.Background()
	var calls atomic.Int32
	iss := issuer.Func(func(context.Context, string, time.Duration) (string, error) {
		if calls.Add(1) == 1 {
			panic("signer exploded")
		}
		return "https://signed.example/k", nil
	})
	env := newTestEnv(t, iss, nil)

	_, err := env.c.Get(ctx, "k")
	var ie *IssueError
	if !errors.As(err, &ie) || ie.Key != "k" {
		t.Fatalf("err = %v, want *IssueError for k", err)
	}

	u, err := env.c.Get(ctx, "k")
	if err != nil || u != "https://signed.example/k" {
		t.Fatalf("retry after panic: u=%q err=%v", u, err)
	}
}

func TestGetBatchBatchIssuerErrorFailsChunk(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("sign endpoint unavailable")
	bi := &fakeBatchIssuer{fakeIssuer: newFakeIssuer(), errFor: map[string]error{"k3": boom}}
	env := newTestEnv(t, bi, func(o *Options) { o.MaxBatchSize = 2 })

	urls, failed, err := env.c.GetBatch(ctx, []string{"k1", "k2", "k3", "k4"})
	if err != nil {
		t.Fatalf("GetBatch: %v", err)
	}
	if len(urls) != 2 || urls["k1"] == "" || urls["k2"] == "" {
		t.Fatalf("urls = %v, want k1 and k2", urls)
	}
	slices.Sort(failed)
	if !slices.Equal(failed, []string{"k3", "k4"}) {
		t.Fatalf("failed = %v, want the whole failing chunk", failed)
	}
	env.hooks.mu.Lock()
	reported := slices.Clone(env.hooks.failed)
	env.hooks.mu.Unlock()
	slices.Sort(reported)
	if !slices.Equal(reported, []string{"k3", "k4"}) {
		t.Fatalf("IssueFailed hooks = %v", reported)
	}

	// the failure is not cached; a single Get goes to IssueURL again
	if _, err := env.c.Get(ctx, "k4"); err != nil {
		t.Fatalf("Get after chunk failure: %v", err)
	}
	if n := bi.count("k4"); n != 2 {
		t.Fatalf("issuer calls for k4 = %d, want 2", n)
	}
}

func TestGetBatchCallerCancel(t *testing.T) {
	iss := newFakeIssuer()
	env := newTestEnv(t, iss, nil)
	if _, err := env.c.Get(context.Background(), "k1"); err != nil {
		t.Fatalf("Get k1: %v", err)
	}
	release2, release3 := iss.hold("k2"), iss.hold("k3")

	ctx, cancel := context.WithCancel(context.Background())
	type result struct {
		urls   map[string]string
		failed []string
		err    error
	}
	done := make(chan result, 1)
	go func() {
		urls, failed, err := env.c.GetBatch(ctx, []string{"k1", "k2", "k3"})
		done <- result{urls, failed, err}
	}()
	iss.waitStarted(t, "k2")
	cancel()

	r := <-done
	if !errors.Is(r.err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", r.err)
	}
	if len(r.urls) != 1 || r.urls["k1"] == "" {
		t.Fatalf("urls = %v, want only the cached k1", r.urls)
	}
	slices.Sort(r.failed)
	if !slices.Equal(r.failed, []string{"k2", "k3"}) {
		t.Fatalf("failed = %v, want the unsettled keys", r.failed)
	}

	close(release2)
	close(release3)
	env.c.work.Wait()

	for _, k := range []string{"k2", "k3"} {
		if _, err := env.c.Get(context.Background(), k); err != nil {
			t.Fatalf("Get %s: %v", k, err)
		}
		if n := iss.count(k); n != 1 {
			t.Fatalf("issuer calls for %s = %d, want 1 (detached result must be stored)", k, n)
		}
	}
}

func TestCloseRacingGetsDrainsIssuances(t *testing.T) {
	ctx := context.Background()
	iss := newFakeIssuer()
	env := newTestEnv(t, iss, nil)

	const workers, perWorker = 8, 50
	errs := make(chan error, workers*perWorker)
	start := make(chan struct{})
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			for i := 0; i < perWorker; i++ {
				if _, err := env.c.Get(ctx, fmt.Sprintf("w%d/k%d", w, i)); err != nil {
					errs <- err
				}
			}
		}()
	}
	close(start)
	if err := env.c.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	issued := iss.total()

	wg.Wait()
	close(errs)
	for err := range errs {
		if !errors.Is(err, ErrClosed) {
			t.Fatalf("Get err = %v, want nil or ErrClosed", err)
		}
	}
	if n := iss.total(); n != issued {
		t.Fatalf("issuer called %d times after Close returned", n-issued)
	}
	if _, _, err := env.c.GetBatch(ctx, []string{"late"}); !errors.Is(err, ErrClosed) {
		t.Fatalf("GetBatch after Close err = %v, want ErrClosed", err)
	}
}
