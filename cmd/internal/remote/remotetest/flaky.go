// Package remotetest provides fault-injection helpers for code built on remote.Store.
package remotetest

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"imchat/cmd/internal/remote"
)

// ErrUnavailable is returned by every Flaky operation while the store is down.
var ErrUnavailable = errors.New("remotetest: store unavailable")

// Flaky wraps a Store and fails every data operation while Down is set.
// Subscriptions created while up keep delivering. A non-zero delay is added after
// every successful operation, widening the window between a reply and its use.
type Flaky struct {
	remote.Store

	down  atomic.Bool
	delay atomic.Int64
	calls atomic.Int64
	setNX atomic.Int64
}

// NewFlaky wraps inner.
func NewFlaky(inner remote.Store) *Flaky {
	return &Flaky{Store: inner}
}

// SetDown toggles the simulated outage.
func (f *Flaky) SetDown(down bool) { f.down.Store(down) }

// SetDelay sets the latency added after each successful operation.
func (f *Flaky) SetDelay(d time.Duration) { f.delay.Store(int64(d)) }

// Calls returns the number of operations attempted so far.
func (f *Flaky) Calls() int64 { return f.calls.Load() }

// SetNXCalls returns the number of SetNX operations attempted so far.
func (f *Flaky) SetNXCalls() int64 { return f.setNX.Load() }

func (f *Flaky) check() error {
	f.calls.Add(1)
	if f.down.Load() {
		return ErrUnavailable
	}
	return nil
}

func (f *Flaky) pause() {
	if d := time.Duration(f.delay.Load()); d > 0 {
		time.Sleep(d)
	}
}

func (f *Flaky) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if err := f.check(); err != nil {
		return nil, false, err
	}
	defer f.pause()
	return f.Store.Get(ctx, key)
}

func (f *Flaky) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := f.check(); err != nil {
		return err
	}
	defer f.pause()
	return f.Store.Set(ctx, key, value, ttl)
}

func (f *Flaky) IncrIfExists(ctx context.Context, key string, step int64, ttl time.Duration) (int64, bool, error) {
	if err := f.check(); err != nil {
		return 0, false, err
	}
	defer f.pause()
	return f.Store.IncrIfExists(ctx, key, step, ttl)
}

func (f *Flaky) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	f.setNX.Add(1)
	if err := f.check(); err != nil {
		return false, err
	}
	defer f.pause()
	return f.Store.SetNX(ctx, key, value, ttl)
}

func (f *Flaky) Expire(ctx context.Context, key string, ttl time.Duration) error {
	if err := f.check(); err != nil {
		return err
	}
	return f.Store.Expire(ctx, key, ttl)
}

func (f *Flaky) Exists(ctx context.Context, key string) (bool, error) {
	if err := f.check(); err != nil {
		return false, err
	}
	return f.Store.Exists(ctx, key)
}

func (f *Flaky) Delete(ctx context.Context, keys ...string) error {
	if err := f.check(); err != nil {
		return err
	}
	defer f.pause()
	return f.Store.Delete(ctx, keys...)
}

func (f *Flaky) CompareAndDelete(ctx context.Context, key string, value []byte) (bool, error) {
	if err := f.check(); err != nil {
		return false, err
	}
	return f.Store.CompareAndDelete(ctx, key, value)
}

func (f *Flaky) DeletePattern(ctx context.Context, pattern string) (int64, error) {
	if err := f.check(); err != nil {
		return 0, err
	}
	return f.Store.DeletePattern(ctx, pattern)
}

func (f *Flaky) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := f.check(); err != nil {
		return err
	}
	return f.Store.Publish(ctx, topic, payload)
}

func (f *Flaky) Subscribe(ctx context.Context, topic string, handler func([]byte)) (remote.Subscription, error) {
	if err := f.check(); err != nil {
		return nil, err
	}
	return f.Store.Subscribe(ctx, topic, handler)
}

func (f *Flaky) Ping(ctx context.Context) error {
	if err := f.check(); err != nil {
		return err
	}
	return f.Store.Ping(ctx)
}
