package genstore

import (
	"context"
	"sync"
	"time"
)

type localGen struct {
	gen      uint64
	bumpedAt time.Time
}

// Local keeps generations in-process. Only invalidated keys ever get an
// entry, so the map stays small; Cleanup prunes keys whose last bump is
// older than the retention window. Pruning is safe once retention exceeds
// the longest entry lifetime: any entry written under the old generation
// has expired by then.
type Local struct {
	mu   sync.RWMutex
	gens map[string]localGen
	now  func() time.Time
}

var _ GenStore = (*Local)(nil)

func NewLocal() *Local {
	return &Local{gens: make(map[string]localGen), now: time.Now}
}

// NewLocalWithClock is NewLocal with an injected clock (tests).
func NewLocalWithClock(now func() time.Time) *Local {
	s := NewLocal()
	if now != nil {
		s.now = now
	}
	return s
}

func (s *Local) Snapshot(_ context.Context, k string) (uint64, error) {
	s.mu.RLock()
	g := s.gens[k].gen
	s.mu.RUnlock()
	return g, nil
}

func (s *Local) SnapshotMany(_ context.Context, ks []string) (map[string]uint64, error) {
	out := make(map[string]uint64, len(ks))
	s.mu.RLock()
	for _, k := range ks {
		out[k] = s.gens[k].gen
	}
	s.mu.RUnlock()
	return out, nil
}

func (s *Local) Bump(_ context.Context, k string) (uint64, error) {
	now := s.now()
	s.mu.Lock()
	e := s.gens[k]
	e.gen++
	e.bumpedAt = now
	s.gens[k] = e
	s.mu.Unlock()
	return e.gen, nil
}

func (s *Local) Cleanup(retention time.Duration) int {
	if retention <= 0 {
		return 0
	}
	cutoff := s.now().Add(-retention)

	removed := 0
	s.mu.Lock()
	for k, e := range s.gens {
		if e.bumpedAt.Before(cutoff) {
			delete(s.gens, k)
			removed++
		}
	}
	s.mu.Unlock()
	return removed
}

func (s *Local) Close(context.Context) error { return nil }
