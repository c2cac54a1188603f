package cachemgr

import (
	"context"
	"encoding/json"
	"time"

	"imchat/cmd/internal/remote"
)

// Invalidation is the payload published on the invalidation topic. Exactly one of
// Key or Pattern is set.
type Invalidation struct {
	Key     string    `json:"key,omitempty"`
	Pattern string    `json:"pattern,omitempty"`
	Source  string    `json:"source"`
	At      time.Time `json:"ts"`
}

// Evict removes key from the remote tier, then from the local tier, then broadcasts
// an invalidation hint. Only the remote delete failure is returned; a failed
// broadcast is logged.
func (m *Manager) Evict(ctx context.Context, key string) error {
	if key == "" {
		return ErrInvalidKey
	}

	err := m.remote.Delete(ctx, key)
	if err != nil {
		m.remoteFailed("delete", key, err)
	}
	m.local.Remove(key)
	m.stats.evictions.Add(1)

	m.publish(ctx, Invalidation{Key: key})
	return err
}

// EvictByPattern removes every key matching a glob pattern ('*', '?') from both tiers
// and broadcasts an invalidation hint. It returns the number of remote keys deleted.
func (m *Manager) EvictByPattern(ctx context.Context, pattern string) (int64, error) {
	if pattern == "" {
		return 0, ErrInvalidKey
	}

	n, err := m.remote.DeletePattern(ctx, pattern)
	if err != nil {
		m.remoteFailed("delete_pattern", pattern, err)
	}
	local := m.local.RemoveMatching(remote.CompilePattern(pattern))
	m.stats.evictions.Add(1)

	m.log.Debug("cache.evict.pattern", "pattern", pattern, "remote", n, "local", local)
	m.publish(ctx, Invalidation{Pattern: pattern})
	return n, err
}

// DeleteRemote removes key from the remote tier only. Local copies are untouched;
// it is meant for keys that never enter the local tier (counters).
func (m *Manager) DeleteRemote(ctx context.Context, key string) error {
	if key == "" {
		return ErrInvalidKey
	}
	if err := m.remote.Delete(ctx, key); err != nil {
		m.remoteFailed("delete", key, err)
		return err
	}
	return nil
}

func (m *Manager) publish(ctx context.Context, ev Invalidation) {
	ev.Source = m.instance
	ev.At = time.Now().UTC()

	b, err := json.Marshal(ev)
	if err != nil {
		m.log.Error("cache.invalidation.encode_failed", "err", err)
		return
	}
	if err := m.remote.Publish(ctx, m.cfg.InvalidationTopic, b); err != nil {
		m.remoteFailed("publish", m.cfg.InvalidationTopic, err)
		return
	}
	m.stats.invalidationsSent.Add(1)
}

// handleInvalidation drops local copies named by an event from another instance.
func (m *Manager) handleInvalidation(payload []byte) {
	var ev Invalidation
	if err := json.Unmarshal(payload, &ev); err != nil {
		m.log.Warn("cache.invalidation.decode_failed", "err", err)
		return
	}
	if ev.Source == m.instance {
		return
	}

	m.stats.invalidationsReceived.Add(1)
	switch {
	case ev.Key != "":
		m.local.Remove(ev.Key)
	case ev.Pattern != "":
		m.local.RemoveMatching(remote.CompilePattern(ev.Pattern))
	}
	m.log.Debug("cache.invalidation.applied", "key", ev.Key, "pattern", ev.Pattern, "source", ev.Source)
}
