package cachemgr

import (
	"context"
	"fmt"
	"strconv"
	"time"
)

// Counter primitives operate on the remote tier only. Counters never enter the local
// tier: the remote atomic increment is their sole serialization point.

// Increment atomically adds step to the remote counter at key and, when ttl > 0,
// refreshes its expiry in the same step. An absent counter is not created: ok=false
// tells the caller to seed it first.
func (m *Manager) Increment(ctx context.Context, key string, step int64, ttl time.Duration) (int64, bool, error) {
	if key == "" {
		return 0, false, ErrInvalidKey
	}
	n, ok, err := m.remote.IncrIfExists(ctx, key, step, ttl)
	if err != nil {
		m.remoteFailed("incr", key, err)
		return 0, false, err
	}
	return n, ok, nil
}

// SeedCounter sets the remote counter only if it does not exist yet.
func (m *Manager) SeedCounter(ctx context.Context, key string, value int64, ttl time.Duration) (bool, error) {
	if key == "" {
		return false, ErrInvalidKey
	}
	ok, err := m.remote.SetNX(ctx, key, []byte(strconv.FormatInt(value, 10)), ttl)
	if err != nil {
		m.remoteFailed("setnx", key, err)
		return false, err
	}
	return ok, nil
}

// ReadCounter returns the remote counter value, or ok=false when it does not exist.
func (m *Manager) ReadCounter(ctx context.Context, key string) (int64, bool, error) {
	if key == "" {
		return 0, false, ErrInvalidKey
	}
	b, ok, err := m.remote.Get(ctx, key)
	if err != nil {
		m.remoteFailed("get", key, err)
		return 0, false, err
	}
	if !ok {
		return 0, false, nil
	}
	n, err := strconv.ParseInt(string(b), 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("cachemgr: counter %s: %w", key, err)
	}
	return n, true, nil
}

// WriteCounter force-sets the remote counter.
func (m *Manager) WriteCounter(ctx context.Context, key string, value int64, ttl time.Duration) error {
	if key == "" {
		return ErrInvalidKey
	}
	if err := m.remote.Set(ctx, key, []byte(strconv.FormatInt(value, 10)), ttl); err != nil {
		m.remoteFailed("set", key, err)
		return err
	}
	return nil
}
