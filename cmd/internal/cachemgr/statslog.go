package cachemgr

import (
	"context"
	"time"
)

func (m *Manager) runStatsLog(ctx context.Context) {
	t := time.NewTicker(m.cfg.StatsInterval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			m.LogStats()
		}
	}
}

// LogStats writes one statistics line at info level.
func (m *Manager) LogStats() {
	s := m.Stats()
	m.log.Info("cache.stats",
		"hits", s.Hits,
		"misses", s.Misses,
		"hit_rate", s.HitRate,
		"local_hit_rate", s.LocalHitRate,
		"negative_hits", s.NegativeHits,
		"loads", s.Loads,
		"load_errors", s.LoadErrors,
		"lock_contentions", s.LockContentions,
		"unprotected_loads", s.UnprotectedLoads,
		"remote_errors", s.RemoteErrors,
		"local_size", s.LocalSize,
	)
}
