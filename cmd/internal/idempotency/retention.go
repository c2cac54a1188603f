package idempotency

import (
	"context"
	"time"

	"github.com/adhocore/gronx"
)

// RunRetention runs CleanExpiredRecords(now - Retention) on the configured cron
// schedule until ctx is done. It blocks; callers own the goroutine. An empty
// CleanupCron returns immediately.
func (g *Guard) RunRetention(ctx context.Context) {
	expr := g.cfg.CleanupCron
	if expr == "" {
		g.log.Info("idem.retention.disabled")
		return
	}
	g.log.Info("idem.retention.started", "cron", expr, "retention", g.cfg.Retention)

	for {
		next, err := gronx.NextTickAfter(expr, time.Now().UTC(), false)
		if err != nil {
			g.log.Error("idem.retention.next_tick_failed", "cron", expr, "err", err)
			next = time.Now().Add(time.Minute)
		}

		t := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			t.Stop()
			g.log.Info("idem.retention.stopped")
			return
		case <-t.C:
		}

		if _, err := g.RunRetentionOnce(ctx); err != nil && ctx.Err() == nil {
			g.log.Error("idem.retention.failed", "err", err)
		}
	}
}

// RunRetentionOnce deletes records older than the configured retention.
func (g *Guard) RunRetentionOnce(ctx context.Context) (int64, error) {
	return g.CleanExpiredRecords(ctx, time.Now().UTC().Add(-g.cfg.Retention))
}
