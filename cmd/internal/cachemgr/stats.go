package cachemgr

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

type counters struct {
	hits                  atomic.Int64
	misses                atomic.Int64
	localHits             atomic.Int64
	remoteHits            atomic.Int64
	negativeHits          atomic.Int64
	loads                 atomic.Int64
	loadErrors            atomic.Int64
	locksAcquired         atomic.Int64
	lockContentions       atomic.Int64
	unprotectedLoads      atomic.Int64
	evictions             atomic.Int64
	remoteErrors          atomic.Int64
	invalidationsSent     atomic.Int64
	invalidationsReceived atomic.Int64
}

// Stats is a point-in-time snapshot of manager statistics.
type Stats struct {
	Hits                  int64
	Misses                int64
	LocalHits             int64
	RemoteHits            int64
	NegativeHits          int64
	Loads                 int64
	LoadErrors            int64
	LocksAcquired         int64
	LockContentions       int64
	UnprotectedLoads      int64
	Evictions             int64 // explicit Evict/EvictByPattern calls
	LocalEvictions        int64 // capacity evictions in the local tier
	LocalExpirations      int64
	RemoteErrors          int64
	InvalidationsSent     int64
	InvalidationsReceived int64
	LocalSize             int
	HitRate               float64
	LocalHitRate          float64
}

// Stats returns a snapshot of the manager statistics since construction or the last
// Clear, whichever is later.
func (m *Manager) Stats() Stats {
	s := m.totals()
	if b := m.baseline.Load(); b != nil {
		s = s.since(*b)
	}
	if total := s.Hits + s.Misses; total > 0 {
		s.HitRate = float64(s.Hits) / float64(total)
		s.LocalHitRate = float64(s.LocalHits) / float64(total)
	}
	return s
}

// totals returns the counters accumulated since construction. They never decrease.
func (m *Manager) totals() Stats {
	ls := m.local.Stats()
	return Stats{
		Hits:                  m.stats.hits.Load(),
		Misses:                m.stats.misses.Load(),
		LocalHits:             m.stats.localHits.Load(),
		RemoteHits:            m.stats.remoteHits.Load(),
		NegativeHits:          m.stats.negativeHits.Load(),
		Loads:                 m.stats.loads.Load(),
		LoadErrors:            m.stats.loadErrors.Load(),
		LocksAcquired:         m.stats.locksAcquired.Load(),
		LockContentions:       m.stats.lockContentions.Load(),
		UnprotectedLoads:      m.stats.unprotectedLoads.Load(),
		Evictions:             m.stats.evictions.Load(),
		LocalEvictions:        ls.Evictions,
		LocalExpirations:      ls.Expirations,
		RemoteErrors:          m.stats.remoteErrors.Load(),
		InvalidationsSent:     m.stats.invalidationsSent.Load(),
		InvalidationsReceived: m.stats.invalidationsReceived.Load(),
		LocalSize:             ls.Size,
	}
}

// since subtracts the counters of b. Gauges and rates are left to the caller.
func (s Stats) since(b Stats) Stats {
	s.Hits -= b.Hits
	s.Misses -= b.Misses
	s.LocalHits -= b.LocalHits
	s.RemoteHits -= b.RemoteHits
	s.NegativeHits -= b.NegativeHits
	s.Loads -= b.Loads
	s.LoadErrors -= b.LoadErrors
	s.LocksAcquired -= b.LocksAcquired
	s.LockContentions -= b.LockContentions
	s.UnprotectedLoads -= b.UnprotectedLoads
	s.Evictions -= b.Evictions
	s.LocalEvictions -= b.LocalEvictions
	s.LocalExpirations -= b.LocalExpirations
	s.RemoteErrors -= b.RemoteErrors
	s.InvalidationsSent -= b.InvalidationsSent
	s.InvalidationsReceived -= b.InvalidationsReceived
	return s
}

var (
	descHits = prometheus.NewDesc(
		"imchat_cache_hits_total", "Cache hits by tier (local, remote, negative).",
		[]string{"tier"}, nil)
	descMisses = prometheus.NewDesc(
		"imchat_cache_misses_total", "Lookups that missed both tiers.", nil, nil)
	descLoads = prometheus.NewDesc(
		"imchat_cache_loads_total", "Loader invocations by outcome.",
		[]string{"result"}, nil)
	descLocks = prometheus.NewDesc(
		"imchat_cache_lock_attempts_total", "Stampede lock attempts by outcome.",
		[]string{"result"}, nil)
	descUnprotected = prometheus.NewDesc(
		"imchat_cache_unprotected_loads_total", "Loads run without the stampede lock.", nil, nil)
	descEvictions = prometheus.NewDesc(
		"imchat_cache_evictions_total", "Entries removed by kind (explicit, capacity, expired).",
		[]string{"kind"}, nil)
	descRemoteErrors = prometheus.NewDesc(
		"imchat_cache_remote_errors_total", "Failed remote tier operations.", nil, nil)
	descInvalidations = prometheus.NewDesc(
		"imchat_cache_invalidations_total", "Invalidation events by direction (sent, received).",
		[]string{"direction"}, nil)
	descLocalSize = prometheus.NewDesc(
		"imchat_cache_local_entries", "Entries currently held by the local tier.", nil, nil)
)

// Describe implements prometheus.Collector.
func (m *Manager) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		descHits, descMisses, descLoads, descLocks, descUnprotected,
		descEvictions, descRemoteErrors, descInvalidations, descLocalSize,
	} {
		ch <- d
	}
}

// Collect implements prometheus.Collector. Counters are exported from the running
// totals, so Clear never moves them backwards.
func (m *Manager) Collect(ch chan<- prometheus.Metric) {
	s := m.totals()
	counter := func(d *prometheus.Desc, v int64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v), labels...)
	}

	counter(descHits, s.LocalHits, "local")
	counter(descHits, s.RemoteHits, "remote")
	counter(descHits, s.NegativeHits, "negative")
	counter(descMisses, s.Misses)
	counter(descLoads, s.Loads-s.LoadErrors, "ok")
	counter(descLoads, s.LoadErrors, "error")
	counter(descLocks, s.LocksAcquired, "acquired")
	counter(descLocks, s.LockContentions, "contended")
	counter(descUnprotected, s.UnprotectedLoads)
	counter(descEvictions, s.Evictions, "explicit")
	counter(descEvictions, s.LocalEvictions, "capacity")
	counter(descEvictions, s.LocalExpirations, "expired")
	counter(descRemoteErrors, s.RemoteErrors)
	counter(descInvalidations, s.InvalidationsSent, "sent")
	counter(descInvalidations, s.InvalidationsReceived, "received")
	ch <- prometheus.MustNewConstMetric(descLocalSize, prometheus.GaugeValue, float64(s.LocalSize))
}

var _ prometheus.Collector = (*Manager)(nil)
