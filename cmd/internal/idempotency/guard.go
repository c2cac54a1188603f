// Package idempotency detects resubmitted messages. The first writer of a
// (conversation_id, client_msg_id) pair wins; every later submission receives the
// winner's server message id. The durable unique constraint is the arbiter; the cache
// only short-circuits lookups.
package idempotency

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	"imchat/cmd/internal/durable"
)

var (
	// ErrInvalidInput is returned for missing identifiers.
	ErrInvalidInput = errors.New("idempotency: invalid input")
	// ErrUnresolvedConflict is returned when the durable store reported a duplicate
	// but the winning record could not be read back.
	ErrUnresolvedConflict = errors.New("idempotency: duplicate reported but no record found")
)

// Cache is the lookup surface the guard needs. *cachemgr.Manager implements it.
type Cache interface {
	Lookup(ctx context.Context, key string, localTTL time.Duration) ([]byte, bool, error)
	Put(ctx context.Context, key string, value []byte, remoteTTL, localTTL time.Duration) error
	Evict(ctx context.Context, key string) error
}

// Guard is safe for concurrent use.
type Guard struct {
	cfg   Config
	cache Cache
	store durable.IdempotencyStore
	log   *slog.Logger

	degradedWarn rate.Sometimes
	outcomes     *prometheus.CounterVec
	cleaned      prometheus.Counter
}

// Option configures a Guard.
type Option func(*Guard)

// WithLogger sets the structured logger (default slog.Default()).
func WithLogger(log *slog.Logger) Option {
	return func(g *Guard) {
		if log != nil {
			g.log = log
		}
	}
}

// New constructs a Guard.
func New(cache Cache, store durable.IdempotencyStore, cfg Config, opts ...Option) (*Guard, error) {
	if cache == nil || store == nil {
		return nil, errors.New("idempotency: nil dependency")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	g := &Guard{
		cfg:          cfg,
		cache:        cache,
		store:        store,
		log:          slog.Default(),
		degradedWarn: rate.Sometimes{First: 1, Interval: 10 * time.Second},
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "imchat_idem_checks_total",
			Help: "Check-and-record outcomes (new, duplicate, race_lost).",
		}, []string{"outcome"}),
		cleaned: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "imchat_idem_cleaned_total",
			Help: "Idempotency records deleted by retention cleanup.",
		}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(g)
		}
	}
	return g, nil
}

// Collectors returns the guard's Prometheus collectors for registration.
func (g *Guard) Collectors() []prometheus.Collector {
	return []prometheus.Collector{g.outcomes, g.cleaned}
}

func (g *Guard) key(conversationID, clientMsgID string) string {
	return g.cfg.KeyPrefix + conversationID + ":" + clientMsgID
}

// CheckMessageExists returns the server message id recorded for the pair, if any.
// A cache failure falls back to the durable store; a durable failure is returned.
func (g *Guard) CheckMessageExists(ctx context.Context, conversationID, clientMsgID string) (string, bool, error) {
	if conversationID == "" || clientMsgID == "" {
		return "", false, ErrInvalidInput
	}
	key := g.key(conversationID, clientMsgID)

	v, ok, cacheErr := g.cache.Lookup(ctx, key, g.cfg.LocalTTL)
	if cacheErr == nil && ok {
		return string(v), true, nil
	}
	if cacheErr != nil {
		g.degradedWarn.Do(func() {
			g.log.Warn("idem.cache_unavailable", "conversation_id", conversationID, "err", cacheErr)
		})
	}

	id, ok, err := g.store.LookupServerMsgID(ctx, conversationID, clientMsgID)
	if err != nil {
		return "", false, fmt.Errorf("idempotency: lookup %s/%s: %w", conversationID, clientMsgID, err)
	}
	if !ok {
		// Absence is never cached: the record may be inserted at any moment.
		return "", false, nil
	}
	if cacheErr == nil {
		_ = g.cache.Put(ctx, key, []byte(id), g.cfg.TTL, g.cfg.LocalTTL)
	}
	return id, true, nil
}

// RecordMessageIdempotency inserts the mapping. It reports false without error when
// a record for the pair already exists.
func (g *Guard) RecordMessageIdempotency(ctx context.Context, conversationID, clientMsgID, serverMsgID, senderID string) (bool, error) {
	if conversationID == "" || clientMsgID == "" || serverMsgID == "" {
		return false, ErrInvalidInput
	}

	res, err := g.store.InsertIdempotency(ctx, durable.IdempotencyRecord{
		ConversationID: conversationID,
		ClientMsgID:    clientMsgID,
		ServerMsgID:    serverMsgID,
		SenderID:       senderID,
	})
	if err != nil {
		return false, fmt.Errorf("idempotency: record %s/%s: %w", conversationID, clientMsgID, err)
	}

	switch res {
	case durable.InsertOK:
		_ = g.cache.Put(ctx, g.key(conversationID, clientMsgID), []byte(serverMsgID), g.cfg.TTL, g.cfg.LocalTTL)
		return true, nil
	case durable.InsertDuplicate:
		return false, nil
	default:
		return false, fmt.Errorf("idempotency: record %s/%s: unexpected insert result %v", conversationID, clientMsgID, res)
	}
}

// CheckAndRecord returns the effective server message id for the pair: the existing
// one if the message was seen before, otherwise serverMsgID once it has been recorded.
// duplicate reports whether an earlier submission won.
func (g *Guard) CheckAndRecord(ctx context.Context, conversationID, clientMsgID, serverMsgID, senderID string) (effective string, duplicate bool, err error) {
	existing, ok, err := g.CheckMessageExists(ctx, conversationID, clientMsgID)
	if err != nil {
		return "", false, err
	}
	if ok {
		g.outcomes.WithLabelValues("duplicate").Inc()
		g.log.Debug("idem.duplicate", "conversation_id", conversationID, "client_msg_id", clientMsgID)
		return existing, true, nil
	}

	inserted, err := g.RecordMessageIdempotency(ctx, conversationID, clientMsgID, serverMsgID, senderID)
	if err != nil {
		return "", false, err
	}
	if inserted {
		g.outcomes.WithLabelValues("new").Inc()
		return serverMsgID, false, nil
	}

	// A concurrent writer won between the check and the insert.
	existing, ok, err = g.CheckMessageExists(ctx, conversationID, clientMsgID)
	if err != nil {
		return "", false, err
	}
	if !ok {
		return "", false, fmt.Errorf("%w: %s/%s", ErrUnresolvedConflict, conversationID, clientMsgID)
	}
	g.outcomes.WithLabelValues("race_lost").Inc()
	g.log.Info("idem.race_resolved", "conversation_id", conversationID, "client_msg_id", clientMsgID)
	return existing, true, nil
}

// Remove deletes the record and its cached copy. Cache eviction failures are logged.
func (g *Guard) Remove(ctx context.Context, conversationID, clientMsgID string) (bool, error) {
	if conversationID == "" || clientMsgID == "" {
		return false, ErrInvalidInput
	}

	deleted, err := g.store.DeleteIdempotency(ctx, conversationID, clientMsgID)
	if err != nil {
		return false, fmt.Errorf("idempotency: remove %s/%s: %w", conversationID, clientMsgID, err)
	}
	if err := g.cache.Evict(ctx, g.key(conversationID, clientMsgID)); err != nil {
		g.log.Warn("idem.evict_failed", "conversation_id", conversationID, "client_msg_id", clientMsgID, "err", err)
	}
	return deleted, nil
}

// CleanExpiredRecords deletes records created before the cutoff in bounded batches and
// returns how many were removed. Cached copies age out by TTL.
func (g *Guard) CleanExpiredRecords(ctx context.Context, before time.Time) (int64, error) {
	if before.IsZero() {
		return 0, ErrInvalidInput
	}

	var total int64
	for {
		n, err := g.store.DeleteIdempotencyBefore(ctx, before, g.cfg.CleanupBatch)
		total += n
		g.cleaned.Add(float64(n))
		if err != nil {
			return total, fmt.Errorf("idempotency: cleanup: %w", err)
		}
		if n < int64(g.cfg.CleanupBatch) {
			break
		}
		if err := ctx.Err(); err != nil {
			return total, err
		}
	}

	g.log.Info("idem.cleanup", "before", before, "deleted", total)
	return total, nil
}

// CountRecords returns the number of records held for a conversation.
func (g *Guard) CountRecords(ctx context.Context, conversationID string) (int64, error) {
	if conversationID == "" {
		return 0, ErrInvalidInput
	}
	return g.store.CountIdempotency(ctx, conversationID)
}
