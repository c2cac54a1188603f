// Package sequence allocates strictly increasing per-conversation sequence numbers.
//
// The fast path is an atomic increment of a counter in the shared remote tier. The
// durable store is the recovery source: a missing remote counter is seeded from it,
// and every allocation is merged back into it asynchronously (write-behind,
// GREATEST-merge). When the remote tier is unreachable, allocations are served
// directly by an atomic durable increment.
//
// The remote counter always holds the last allocated number for its conversation.
package sequence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"imchat/cmd/internal/durable"
)

// ErrInvalidInput is returned for an empty conversation id or a negative value.
var ErrInvalidInput = errors.New("sequence: invalid input")

// CounterCache is the remote counter surface the allocator needs. *cachemgr.Manager
// implements it.
type CounterCache interface {
	Increment(ctx context.Context, key string, step int64, ttl time.Duration) (int64, bool, error)
	SeedCounter(ctx context.Context, key string, value int64, ttl time.Duration) (bool, error)
	ReadCounter(ctx context.Context, key string) (int64, bool, error)
	WriteCounter(ctx context.Context, key string, value int64, ttl time.Duration) error
	DeleteRemote(ctx context.Context, key string) error
}

// Allocator is safe for concurrent use.
type Allocator struct {
	cfg     Config
	cache   CounterCache
	durable durable.SequenceStore
	log     *slog.Logger

	wb *writeBehind

	// gates order fast-path increments against seeding, per conversation stripe.
	gates [64]sync.RWMutex

	staleMu sync.Mutex
	stale   map[string]struct{}

	degradedWarn rate.Sometimes

	allocations *prometheus.CounterVec
	writes      *prometheus.CounterVec
	pendingDesc prometheus.Collector
}

// Option configures an Allocator.
type Option func(*Allocator)

// WithLogger sets the structured logger (default slog.Default()).
func WithLogger(log *slog.Logger) Option {
	return func(a *Allocator) {
		if log != nil {
			a.log = log
		}
	}
}

// New constructs an Allocator and starts its write-behind workers. Close stops them.
func New(cache CounterCache, store durable.SequenceStore, cfg Config, opts ...Option) (*Allocator, error) {
	if cache == nil || store == nil {
		return nil, errors.New("sequence: nil dependency")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	a := &Allocator{
		cfg:          cfg,
		cache:        cache,
		durable:      store,
		log:          slog.Default(),
		stale:        make(map[string]struct{}),
		degradedWarn: rate.Sometimes{First: 1, Interval: 10 * time.Second},
		allocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "imchat_seq_allocations_total",
			Help: "Sequence numbers handed out, by path (remote, bootstrap, degraded).",
		}, []string{"path"}),
		writes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "imchat_seq_write_behind_total",
			Help: "Write-behind durable upserts, by result (ok, retry, dropped).",
		}, []string{"result"}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}

	a.wb = newWriteBehind(store, cfg.Writers, cfg.WriteRetries, a.log, func(result string) {
		a.writes.WithLabelValues(result).Inc()
	})
	a.pendingDesc = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "imchat_seq_write_behind_pending",
		Help: "Conversations with allocations not yet merged into the durable store.",
	}, func() float64 { return float64(a.wb.size()) })

	return a, nil
}

// Collectors returns the allocator's Prometheus collectors for registration.
func (a *Allocator) Collectors() []prometheus.Collector {
	return []prometheus.Collector{a.allocations, a.writes, a.pendingDesc}
}

func (a *Allocator) key(conversationID string) string {
	return a.cfg.KeyPrefix + conversationID
}

func (a *Allocator) gate(conversationID string) *sync.RWMutex {
	return &a.gates[xxhash.Sum64String(conversationID)%uint64(len(a.gates))]
}

// NextSequence allocates the next sequence number for conversationID.
//
// Numbers are unique and strictly increasing per conversation. An error means no
// number was handed out by this call.
func (a *Allocator) NextSequence(ctx context.Context, conversationID string) (int64, error) {
	if conversationID == "" {
		return 0, ErrInvalidInput
	}

	seq, path, err := a.nextRemote(ctx, conversationID)
	if err != nil {
		if errors.Is(err, errDurable) || ctx.Err() != nil {
			return 0, err
		}
		return a.nextDegraded(ctx, conversationID, err)
	}

	a.allocations.WithLabelValues(path).Inc()
	return seq, nil
}

// errDurable tags durable-store failures on the remote path; those are not
// recoverable by switching to degraded mode.
var errDurable = errors.New("durable store")

// seedAttempts bounds how often one allocation re-seeds a counter that keeps
// disappearing under it.
const seedAttempts = 3

var errCounterVanished = errors.New("sequence: remote counter vanished during allocation")

func (a *Allocator) nextRemote(ctx context.Context, conv string) (int64, string, error) {
	key := a.key(conv)
	path := "remote"

	if a.isStale(conv) {
		// Degraded allocations bypassed the counter; rebuild it from the durable store.
		if err := a.cache.DeleteRemote(ctx, key); err != nil {
			return 0, "", err
		}
		a.clearStale(conv)
	}

	for range seedAttempts {
		n, ok, err := a.increment(ctx, conv)
		if err != nil {
			return 0, "", err
		}
		if ok {
			return n, path, nil
		}

		// The counter is absent (first use, expiry or a clear). Seed it and retry; the
		// increment itself never recreates it from zero.
		seeded, err := a.seed(ctx, conv)
		if err != nil {
			return 0, "", err
		}
		if seeded {
			path = "bootstrap"
		}
	}
	return 0, "", errCounterVanished
}

// increment bumps an existing counter and hands the result to the write-behind queue
// before any seed of the same conversation can read the pending high-water mark.
func (a *Allocator) increment(ctx context.Context, conv string) (int64, bool, error) {
	g := a.gate(conv)
	g.RLock()
	defer g.RUnlock()

	n, ok, err := a.cache.Increment(ctx, a.key(conv), 1, a.cfg.TTL)
	if err != nil || !ok {
		return 0, false, err
	}
	a.wb.enqueue(conv, n)
	return n, true, nil
}

// seed sets the remote counter from max(durable, pending) if it is absent.
func (a *Allocator) seed(ctx context.Context, conv string) (bool, error) {
	g := a.gate(conv)
	g.Lock()
	defer g.Unlock()

	key := a.key(conv)
	if _, ok, err := a.cache.ReadCounter(ctx, key); err != nil {
		return false, err
	} else if ok {
		return false, nil
	}

	dbSeq, err := a.durable.CurrentSequence(ctx, conv)
	if err != nil {
		return false, fmt.Errorf("%w: bootstrap %s: %w", errDurable, conv, err)
	}
	if pend := a.wb.pendingFor(conv); pend > dbSeq {
		dbSeq = pend
	}

	seeded, err := a.cache.SeedCounter(ctx, key, dbSeq, a.cfg.TTL)
	if err != nil {
		return false, err
	}
	if seeded {
		a.log.Info("seq.bootstrap", "conversation_id", conv, "durable_seq", dbSeq)
	}
	return seeded, nil
}

// nextDegraded serves an allocation from the durable store while the remote tier is
// unreachable.
func (a *Allocator) nextDegraded(ctx context.Context, conv string, cause error) (int64, error) {
	a.degradedWarn.Do(func() {
		a.log.Warn("seq.degraded", "conversation_id", conv, "err", cause)
	})
	a.markStale(conv)

	// Values handed out by the fast path but not yet merged must land first, or the
	// durable increment could repeat them.
	if err := a.wb.flushConversation(ctx, conv); err != nil {
		return 0, fmt.Errorf("sequence: degraded flush %s: %w", conv, err)
	}

	seq, err := a.durable.IncrementSequence(ctx, conv)
	if err != nil {
		return 0, fmt.Errorf("sequence: degraded allocate %s: %w", conv, err)
	}
	a.allocations.WithLabelValues("degraded").Inc()
	return seq, nil
}

func (a *Allocator) markStale(conv string) {
	a.staleMu.Lock()
	a.stale[conv] = struct{}{}
	a.staleMu.Unlock()
}

func (a *Allocator) isStale(conv string) bool {
	a.staleMu.Lock()
	defer a.staleMu.Unlock()
	_, ok := a.stale[conv]
	return ok
}

func (a *Allocator) clearStale(conv string) {
	a.staleMu.Lock()
	delete(a.stale, conv)
	a.staleMu.Unlock()
}

// CurrentSequence returns the last allocated number for conversationID without
// allocating. The remote counter is preferred; the durable store answers when the
// counter is absent or the remote tier is unreachable.
func (a *Allocator) CurrentSequence(ctx context.Context, conversationID string) (int64, error) {
	if conversationID == "" {
		return 0, ErrInvalidInput
	}

	if !a.isStale(conversationID) {
		n, ok, err := a.cache.ReadCounter(ctx, a.key(conversationID))
		if err == nil && ok {
			return n, nil
		}
	}

	dbSeq, err := a.durable.CurrentSequence(ctx, conversationID)
	if err != nil {
		return 0, err
	}
	return max(dbSeq, a.wb.pendingFor(conversationID)), nil
}

// ResetSequence force-sets the counter so that the next allocation returns value+1.
// The durable value is written first; it may be lowered.
func (a *Allocator) ResetSequence(ctx context.Context, conversationID string, value int64) error {
	if conversationID == "" || value < 0 {
		return ErrInvalidInput
	}

	if err := a.wb.settle(ctx, conversationID); err != nil {
		return fmt.Errorf("sequence: reset %s: %w", conversationID, err)
	}
	if err := a.durable.SetSequence(ctx, conversationID, value); err != nil {
		return fmt.Errorf("sequence: reset %s: %w", conversationID, err)
	}

	key := a.key(conversationID)
	if err := a.cache.WriteCounter(ctx, key, value, a.cfg.TTL); err != nil {
		// The next healthy allocation rebuilds the counter from the durable value.
		a.markStale(conversationID)
		return fmt.Errorf("sequence: reset %s: %w", conversationID, err)
	}
	a.clearStale(conversationID)

	a.log.Info("seq.reset", "conversation_id", conversationID, "value", value)
	return nil
}

// Preload seeds remote counters from the durable store for conversations that do not
// have one yet. A failing conversation is logged and skipped; the rest are still
// seeded. It returns the number of counters it created and the joined per-conversation
// errors.
func (a *Allocator) Preload(ctx context.Context, conversationIDs ...string) (int, error) {
	var (
		mu     sync.Mutex
		seeded int
		errs   []error
		g      errgroup.Group
	)
	g.SetLimit(a.cfg.PreloadConcurrency)

	for _, conv := range conversationIDs {
		if conv == "" {
			continue
		}
		g.Go(func() error {
			ok, err := a.seed(ctx, conv)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				a.log.Warn("seq.preload.failed", "conversation_id", conv, "err", err)
				errs = append(errs, fmt.Errorf("sequence: preload %s: %w", conv, err))
				return nil
			}
			if ok {
				seeded++
			}
			return nil
		})
	}
	_ = g.Wait()

	a.log.Info("seq.preload", "requested", len(conversationIDs), "seeded", seeded, "failed", len(errs))
	return seeded, errors.Join(errs...)
}

// ClearCache drops the remote counter for conversationID. Failures are logged only;
// the counter is rebuilt from the durable store on the next allocation either way.
func (a *Allocator) ClearCache(ctx context.Context, conversationID string) {
	if conversationID == "" {
		return
	}
	key := a.key(conversationID)
	if err := a.cache.DeleteRemote(ctx, key); err != nil {
		a.log.Warn("seq.clear_cache.failed", "conversation_id", conversationID, "err", err)
	}
}

// Close drains the write-behind queue. If ctx ends first, undelivered values are
// logged and ctx's error is returned.
func (a *Allocator) Close(ctx context.Context) error {
	return a.wb.close(ctx)
}
