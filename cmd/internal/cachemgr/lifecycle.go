package cachemgr

import (
	"context"
	"errors"
	"time"
)

// ErrAlreadyStarted is returned by a second Start.
var ErrAlreadyStarted = errors.New("cachemgr: already started")

// Start launches the background work owned by the manager: the invalidation
// subscriber, the local sweeper and the periodic statistics log. It returns once they
// are running; Close stops them.
//
// A failed subscription does not fail Start: invalidation events are hints, and the
// remote tier stays authoritative without them. It is retried in the background with
// capped exponential backoff until it succeeds or Close is called.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return ErrAlreadyStarted
	}
	m.started = true

	bg, cancel := context.WithCancel(context.WithoutCancel(ctx))
	m.cancel = cancel

	sub, err := m.remote.Subscribe(ctx, m.cfg.InvalidationTopic, m.handleInvalidation)
	if err != nil {
		m.remoteFailed("subscribe", m.cfg.InvalidationTopic, err)
		m.log.Warn("cache.invalidation.subscribe_failed",
			"topic", m.cfg.InvalidationTopic,
			"retry_in", m.cfg.ResubscribeInterval,
			"err", err,
		)
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.resubscribe(bg)
		}()
	} else {
		m.sub = sub
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.local.RunSweeper(bg, m.cfg.SweepInterval, func(removed int) {
			if removed > 0 {
				m.log.Debug("cache.local.swept", "removed", removed)
			}
		})
	}()

	if m.cfg.StatsInterval > 0 {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.runStatsLog(bg)
		}()
	}

	m.log.Info("cache.started",
		"instance_id", m.instance,
		"local_max_entries", m.cfg.LocalMaxEntries,
		"topic", m.cfg.InvalidationTopic,
	)
	return nil
}

// maxResubscribeDelay caps the backoff between subscription attempts.
const maxResubscribeDelay = 30 * time.Second

// resubscribe retries the invalidation subscription until it succeeds or ctx ends.
func (m *Manager) resubscribe(ctx context.Context) {
	topic := m.cfg.InvalidationTopic
	delay := m.cfg.ResubscribeInterval
	t := time.NewTimer(delay)
	defer t.Stop()

	for attempt := 1; ; attempt++ {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}

		sub, err := m.remote.Subscribe(ctx, topic, m.handleInvalidation)
		if err == nil {
			m.mu.Lock()
			if m.cancel == nil {
				// Closed while we were subscribing.
				m.mu.Unlock()
				_ = sub.Close()
				return
			}
			m.sub = sub
			m.mu.Unlock()
			m.log.Info("cache.invalidation.subscribed", "topic", topic, "attempts", attempt)
			return
		}

		m.remoteFailed("subscribe", topic, err)
		delay = min(2*delay, max(m.cfg.ResubscribeInterval, maxResubscribeDelay))
		t.Reset(delay)
	}
}

// Close stops the background work started by Start and waits for it. It does not
// close the remote store, which the caller owns.
func (m *Manager) Close() error {
	m.mu.Lock()
	cancel, sub := m.cancel, m.sub
	m.cancel, m.sub = nil, nil
	m.mu.Unlock()

	var err error
	if sub != nil {
		err = sub.Close()
	}
	if cancel != nil {
		cancel()
	}
	m.wg.Wait()
	return err
}
