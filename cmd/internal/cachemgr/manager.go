// Package cachemgr is the two-tier cache consistency manager: a private in-process
// tier in front of a shared remote tier, with stampede-safe loading, negative caching,
// TTL jitter and cross-instance invalidation hints.
//
// The remote tier is authoritative. Local copies are dropped on invalidation events
// published by other instances sharing the same remote store.
package cachemgr

import (
	"bytes"
	"cmp"
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"imchat/cmd/internal/ids"
	"imchat/cmd/internal/localcache"
	"imchat/cmd/internal/remote"
)

// ErrInvalidKey is returned for an empty cache key.
var ErrInvalidKey = errors.New("cachemgr: empty key")

// ErrNilLoader is returned by Get when no loader is supplied.
var ErrNilLoader = errors.New("cachemgr: nil loader")

// Loader produces the value for a key on a miss in both tiers.
// Returning (nil, nil) means the key does not exist; it is negatively cached.
type Loader func(ctx context.Context, key string) ([]byte, error)

// lockPrefix namespaces stampede locks in the remote store.
const lockPrefix = "lock:"

// negative marks a key known to be absent.
var negative = []byte("\x00imchat:absent\x00")

func isNegative(b []byte) bool { return bytes.Equal(b, negative) }

// Manager is safe for concurrent use.
type Manager struct {
	cfg      Config
	local    *localcache.Cache
	remote   remote.Store
	log      *slog.Logger
	instance string

	flight      singleflight.Group
	unprotected *semaphore.Weighted
	stats       counters
	baseline    atomic.Pointer[Stats]
	remoteWarn  rate.Sometimes

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	sub     remote.Subscription
}

// Option configures a Manager.
type Option func(*managerOptions)

type managerOptions struct {
	log      *slog.Logger
	instance string
	local    []localcache.Option
}

// WithLogger sets the structured logger (default slog.Default()).
func WithLogger(log *slog.Logger) Option {
	return func(o *managerOptions) {
		if log != nil {
			o.log = log
		}
	}
}

// WithInstanceID sets the id stamped on published invalidation events.
// By default a random UUID is used.
func WithInstanceID(id string) Option {
	return func(o *managerOptions) {
		if id != "" {
			o.instance = id
		}
	}
}

// WithLocalClock overrides the clock of the local tier (tests).
func WithLocalClock(now func() time.Time) Option {
	return func(o *managerOptions) {
		o.local = append(o.local, localcache.WithClock(now))
	}
}

// New constructs a Manager over the given remote store.
func New(store remote.Store, cfg Config, opts ...Option) (*Manager, error) {
	if store == nil {
		return nil, errors.New("cachemgr: nil remote store")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	o := managerOptions{
		log:      slog.Default(),
		instance: uuid.NewString(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}

	localOpts := append([]localcache.Option{localcache.WithSweepMinEntries(cfg.SweepMinEntries)}, o.local...)

	return &Manager{
		cfg:         cfg,
		local:       localcache.New(cfg.LocalMaxEntries, localOpts...),
		remote:      store,
		log:         o.log,
		instance:    o.instance,
		unprotected: semaphore.NewWeighted(int64(cfg.UnprotectedLoads)),
		remoteWarn:  rate.Sometimes{Interval: 10 * time.Second},
	}, nil
}

// InstanceID returns the id stamped on invalidation events from this manager.
func (m *Manager) InstanceID() string { return m.instance }

// Config returns the effective configuration.
func (m *Manager) Config() Config { return m.cfg }

func (m *Manager) ttls(remoteTTL, localTTL time.Duration) (time.Duration, time.Duration) {
	if remoteTTL <= 0 {
		remoteTTL = m.cfg.RemoteTTL
	}
	if localTTL <= 0 {
		localTTL = m.cfg.LocalTTL
	}
	return remoteTTL, localTTL
}

// Get returns the value for key, reading the local tier, then the remote tier, then
// running loader under stampede protection. ok=false means the key is known absent.
// Loader errors are returned unmodified and nothing is cached.
func (m *Manager) Get(ctx context.Context, key string, loader Loader, remoteTTL, localTTL time.Duration) ([]byte, bool, error) {
	if key == "" {
		return nil, false, ErrInvalidKey
	}
	if loader == nil {
		return nil, false, ErrNilLoader
	}
	remoteTTL, localTTL = m.ttls(remoteTTL, localTTL)

	if v, ok := m.local.Get(key); ok {
		m.stats.hits.Add(1)
		if isNegative(v) {
			m.stats.negativeHits.Add(1)
			return nil, false, nil
		}
		m.stats.localHits.Add(1)
		return v, true, nil
	}

	if v, found, err := m.readRemote(ctx, key, localTTL); err == nil && found {
		m.stats.hits.Add(1)
		if isNegative(v) {
			m.stats.negativeHits.Add(1)
			return nil, false, nil
		}
		m.stats.remoteHits.Add(1)
		return v, true, nil
	}

	m.stats.misses.Add(1)
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}

	// The shared load runs detached from the first caller's cancellation; each caller
	// stops waiting on its own context.
	ch := m.flight.DoChan(key, func() (any, error) {
		lctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.loadBudget())
		defer cancel()
		return m.load(lctx, key, loader, remoteTTL, localTTL)
	})

	select {
	case <-ctx.Done():
		return nil, false, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, false, res.Err
		}
		r := res.Val.(loadResult)
		if !r.found {
			return nil, false, nil
		}
		return r.value, true, nil
	}
}

// loadBudget bounds one shared load: a wait for the lock or an unprotected slot,
// then the loader itself.
func (m *Manager) loadBudget() time.Duration {
	return 2*m.cfg.LockTTL + m.cfg.BackoffMax
}

type loadResult struct {
	value []byte
	found bool
}

// readRemote reads key from the remote tier and populates the local tier on a hit.
// Remote errors are counted and logged (throttled) and returned.
func (m *Manager) readRemote(ctx context.Context, key string, localTTL time.Duration) ([]byte, bool, error) {
	v, ok, err := m.remote.Get(ctx, key)
	if err != nil {
		m.remoteFailed("get", key, err)
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}
	if isNegative(v) {
		m.local.Put(key, negative, min(localTTL, m.cfg.NegativeLocalTTL))
	} else {
		m.local.Put(key, v, localTTL)
	}
	return v, true, nil
}

// load runs the stampede-safe protocol for a key missing from both tiers.
func (m *Manager) load(ctx context.Context, key string, loader Loader, remoteTTL, localTTL time.Duration) (loadResult, error) {
	lockKey := lockPrefix + key
	token := ids.NewLockToken()

	acquired, err := m.remote.SetNX(ctx, lockKey, []byte(token), m.cfg.LockTTL)
	if err != nil {
		m.remoteFailed("lock", key, err)
		return m.loadUnprotected(ctx, key, loader, remoteTTL, localTTL)
	}

	if !acquired {
		m.stats.lockContentions.Add(1)
		m.log.Debug("cache.load.lock_contended", "key", key)

		if err := m.backoff(ctx); err != nil {
			return loadResult{}, err
		}
		if r, ok := m.recheck(ctx, key, localTTL); ok {
			return r, nil
		}
		return m.loadUnprotected(ctx, key, loader, remoteTTL, localTTL)
	}

	m.stats.locksAcquired.Add(1)
	defer m.releaseLock(ctx, lockKey, token)

	// Another holder may have populated the key between our miss and our lock.
	if r, ok := m.recheck(ctx, key, localTTL); ok {
		return r, nil
	}

	v, err := m.invoke(ctx, key, loader)
	if err != nil {
		return loadResult{}, err
	}
	if v == nil {
		m.storeNegative(ctx, key)
		return loadResult{}, nil
	}
	m.storeLoaded(ctx, key, v, remoteTTL, localTTL)
	return loadResult{value: v, found: true}, nil
}

// loadUnprotected invokes the loader without the remote lock. At most
// cfg.UnprotectedLoads such loads run at once in this process; waiting for a slot is
// bounded by cfg.LockTTL. Only positive results are cached on this path.
func (m *Manager) loadUnprotected(ctx context.Context, key string, loader Loader, remoteTTL, localTTL time.Duration) (loadResult, error) {
	wctx, cancel := context.WithTimeout(ctx, m.cfg.LockTTL)
	err := m.unprotected.Acquire(wctx, 1)
	cancel()
	if err != nil {
		return loadResult{}, err
	}
	defer m.unprotected.Release(1)

	if r, ok := m.recheck(ctx, key, localTTL); ok {
		return r, nil
	}

	m.stats.unprotectedLoads.Add(1)
	v, err := m.invoke(ctx, key, loader)
	if err != nil {
		return loadResult{}, err
	}
	if v == nil {
		return loadResult{}, nil
	}
	m.storeLoaded(ctx, key, v, remoteTTL, localTTL)
	return loadResult{value: v, found: true}, nil
}

func (m *Manager) recheck(ctx context.Context, key string, localTTL time.Duration) (loadResult, bool) {
	v, found, err := m.readRemote(ctx, key, localTTL)
	if err != nil || !found {
		return loadResult{}, false
	}
	if isNegative(v) {
		return loadResult{}, true
	}
	return loadResult{value: v, found: true}, true
}

func (m *Manager) invoke(ctx context.Context, key string, loader Loader) ([]byte, error) {
	m.stats.loads.Add(1)
	v, err := loader(ctx, key)
	if err != nil {
		m.stats.loadErrors.Add(1)
		m.log.Debug("cache.load.failed", "key", key, "err", err)
		return nil, err
	}
	return v, nil
}

func (m *Manager) storeLoaded(ctx context.Context, key string, v []byte, remoteTTL, localTTL time.Duration) {
	if err := m.remote.Set(ctx, key, v, remoteTTL+m.jitter()); err != nil {
		m.remoteFailed("set", key, err)
	}
	m.local.Put(key, v, localTTL)
}

func (m *Manager) storeNegative(ctx context.Context, key string) {
	if err := m.remote.Set(ctx, key, negative, m.cfg.NegativeTTL); err != nil {
		m.remoteFailed("set_negative", key, err)
	}
	m.local.Put(key, negative, m.cfg.NegativeLocalTTL)
}

func (m *Manager) releaseLock(ctx context.Context, lockKey, token string) {
	// The caller's context may already be done; the release still has to go out.
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.cfg.LockTTL)
	defer cancel()

	if _, err := m.remote.CompareAndDelete(rctx, lockKey, []byte(token)); err != nil {
		m.remoteFailed("unlock", lockKey, err)
	}
}

func (m *Manager) jitter() time.Duration {
	if m.cfg.JitterMax <= 0 {
		return 0
	}
	return rand.N(m.cfg.JitterMax)
}

func (m *Manager) backoff(ctx context.Context) error {
	d := m.cfg.BackoffMin
	if span := m.cfg.BackoffMax - m.cfg.BackoffMin; span > 0 {
		d += rand.N(span)
	}
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (m *Manager) remoteFailed(op, key string, err error) {
	m.stats.remoteErrors.Add(1)
	m.remoteWarn.Do(func() {
		m.log.Warn("cache.remote.error", "op", op, "key", key, "err", err)
	})
}

// Put writes value to the remote tier and then the local tier. A remote failure is
// logged and counted; the local write still happens.
func (m *Manager) Put(ctx context.Context, key string, value []byte, remoteTTL, localTTL time.Duration) error {
	if key == "" {
		return ErrInvalidKey
	}
	remoteTTL, localTTL = m.ttls(remoteTTL, localTTL)

	if err := m.remote.Set(ctx, key, value, remoteTTL); err != nil {
		m.remoteFailed("set", key, err)
	}
	m.local.Put(key, value, localTTL)
	return nil
}

// Lookup reads key from the local then the remote tier without loading. Remote
// errors are returned so callers can fall back to their own source of truth.
func (m *Manager) Lookup(ctx context.Context, key string, localTTL time.Duration) ([]byte, bool, error) {
	if key == "" {
		return nil, false, ErrInvalidKey
	}
	_, localTTL = m.ttls(0, localTTL)

	if v, ok := m.local.Get(key); ok {
		m.stats.hits.Add(1)
		if isNegative(v) {
			m.stats.negativeHits.Add(1)
			return nil, false, nil
		}
		m.stats.localHits.Add(1)
		return v, true, nil
	}

	v, found, err := m.readRemote(ctx, key, localTTL)
	if err != nil {
		return nil, false, err
	}
	if !found {
		m.stats.misses.Add(1)
		return nil, false, nil
	}
	m.stats.hits.Add(1)
	if isNegative(v) {
		m.stats.negativeHits.Add(1)
		return nil, false, nil
	}
	m.stats.remoteHits.Add(1)
	return v, true, nil
}

// WarmPriority orders warm-up work. Higher priorities are dispatched first.
type WarmPriority int

const (
	WarmLow WarmPriority = iota
	WarmNormal
	WarmHigh
	WarmCritical
)

// WarmTask is one key to preload.
type WarmTask struct {
	Key      string
	Priority WarmPriority
}

// Warm loads keys concurrently through the normal Get path at WarmNormal priority.
// Per-key failures are logged and skipped; the number of keys that resolved to a
// value is returned.
func (m *Manager) Warm(ctx context.Context, keys []string, loader Loader, remoteTTL, localTTL time.Duration) int {
	tasks := make([]WarmTask, len(keys))
	for i, k := range keys {
		tasks[i] = WarmTask{Key: k, Priority: WarmNormal}
	}
	return m.WarmTasks(ctx, tasks, loader, remoteTTL, localTTL)
}

// WarmTasks is Warm with per-key priorities. Tasks start in descending priority
// order, FIFO within a priority, at most cfg.WarmConcurrency at a time; a task never
// starts before every higher-priority task has started.
func (m *Manager) WarmTasks(ctx context.Context, tasks []WarmTask, loader Loader, remoteTTL, localTTL time.Duration) int {
	ordered := slices.Clone(tasks)
	slices.SortStableFunc(ordered, func(a, b WarmTask) int {
		return cmp.Compare(b.Priority, a.Priority)
	})

	var (
		mu     sync.Mutex
		warmed int
		wg     sync.WaitGroup
		sem    = semaphore.NewWeighted(int64(m.cfg.WarmConcurrency))
	)

	for _, task := range ordered {
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer sem.Release(1)

			_, ok, err := m.Get(ctx, task.Key, loader, remoteTTL, localTTL)
			if err != nil {
				m.log.Warn("cache.warm.failed", "key", task.Key, "priority", task.Priority, "err", err)
				return
			}
			if ok {
				mu.Lock()
				warmed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	m.log.Info("cache.warm.done", "requested", len(tasks), "warmed", warmed)
	return warmed
}

// Clear drops the local tier and restarts the Stats snapshot from zero. Exported
// metrics keep counting. The shared remote tier is left untouched.
func (m *Manager) Clear() {
	n := m.local.Clear()
	t := m.totals()
	m.baseline.Store(&t)
	m.log.Info("cache.local.cleared", "entries", n)
}
