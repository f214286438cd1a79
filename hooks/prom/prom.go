// Package promhooks exports cache events as Prometheus metrics.
package promhooks

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/unkn0wn-root/urlcache"
)

type Hooks struct {
	lookups        *prometheus.CounterVec
	flightShared   prometheus.Counter
	issueCalls     *prometheus.CounterVec
	issueDuration  *prometheus.HistogramVec
	issuedKeys     prometheus.Counter
	issueFailures  prometheus.Counter
	selfHeals      *prometheus.CounterVec
	storeRejected  prometheus.Counter
	genErrors      *prometheus.CounterVec
	invalidateDown prometheus.Counter
	swept          prometheus.Counter
}

var _ urlcache.Hooks = (*Hooks)(nil)

// New registers the cache collectors on reg under namespace (e.g. "urlcache").
func New(reg prometheus.Registerer, namespace string) (*Hooks, error) {
	h := &Hooks{
		lookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lookups_total",
			Help:      "Entry-table lookups by result.",
		}, []string{"result"}),
		flightShared: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "flight_shared_total",
			Help:      "Callers that joined an issuance already in flight.",
		}),
		issueCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "issuer_calls_total",
			Help:      "Issuer round trips by mode.",
		}, []string{"mode"}),
		issueDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "issuer_call_duration_seconds",
			Help:      "Issuer round-trip latency.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12),
		}, []string{"mode"}),
		issuedKeys: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "issued_keys_total",
			Help:      "Keys sent to the issuer.",
		}),
		issueFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "issue_failures_total",
			Help:      "Keys whose issuance failed.",
		}),
		selfHeals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "self_heals_total",
			Help:      "Stored entries deleted on read, by reason.",
		}, []string{"reason"}),
		storeRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_rejected_total",
			Help:      "Entries the provider refused to store.",
		}),
		genErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "genstore_errors_total",
			Help:      "Generation store failures by operation.",
		}, []string{"op"}),
		invalidateDown: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "invalidate_outages_total",
			Help:      "Invalidations where both the bump and the delete failed.",
		}),
		swept: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "swept_entries_total",
			Help:      "Expired entries evicted by sweeps.",
		}),
	}

	for _, c := range []prometheus.Collector{
		h.lookups, h.flightShared, h.issueCalls, h.issueDuration, h.issuedKeys,
		h.issueFailures, h.selfHeals, h.storeRejected, h.genErrors, h.invalidateDown, h.swept,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return h, nil
}

func (h *Hooks) Lookup(hits, misses int) {
	h.lookups.WithLabelValues("hit").Add(float64(hits))
	h.lookups.WithLabelValues("miss").Add(float64(misses))
}

func (h *Hooks) FlightShared(string) { h.flightShared.Inc() }

func (h *Hooks) Issued(keys int, batched bool, elapsed time.Duration) {
	mode := "single"
	if batched {
		mode = "batch"
	}
	h.issueCalls.WithLabelValues(mode).Inc()
	h.issueDuration.WithLabelValues(mode).Observe(elapsed.Seconds())
	h.issuedKeys.Add(float64(keys))
}

func (h *Hooks) IssueFailed(string, error)             { h.issueFailures.Inc() }
func (h *Hooks) SelfHeal(_ string, reason string)      { h.selfHeals.WithLabelValues(reason).Inc() }
func (h *Hooks) StoreSetRejected(string)               { h.storeRejected.Inc() }
func (h *Hooks) GenSnapshotError(int, error)           { h.genErrors.WithLabelValues("snapshot").Inc() }
func (h *Hooks) GenBumpError(string, error)            { h.genErrors.WithLabelValues("bump").Inc() }
func (h *Hooks) InvalidateOutage(string, error, error) { h.invalidateDown.Inc() }
func (h *Hooks) Swept(removed int)                     { h.swept.Add(float64(removed)) }

// RegisterHitRatio exports a store's own hit ratio as
// <namespace>_store_hit_ratio. ratio is called on every scrape.
func RegisterHitRatio(reg prometheus.Registerer, namespace string, ratio func() float64) error {
	return reg.Register(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "store_hit_ratio",
		Help:      "Hit ratio reported by the entry store.",
	}, ratio))
}
