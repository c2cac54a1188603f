package cachemgr

import (
	"errors"
	"fmt"
	"time"

	"imchat/cmd/internal/envconf"
)

// ErrConfig is returned when cache configuration is invalid.
var ErrConfig = errors.New("cachemgr: invalid config")

// Config defines the runtime configuration of the two-tier cache.
type Config struct {
	// LocalMaxEntries bounds the in-process tier.
	LocalMaxEntries int
	// LocalTTL and RemoteTTL apply when a caller passes a zero TTL.
	LocalTTL  time.Duration
	RemoteTTL time.Duration

	SweepInterval   time.Duration
	SweepMinEntries int

	// LockTTL is the lifetime of the stampede lock. It also bounds how long a caller
	// waits for an unprotected-load slot.
	LockTTL time.Duration
	// JitterMax is the upper bound of the random extension added to loader-populated
	// remote TTLs.
	JitterMax time.Duration

	// NegativeTTL and NegativeLocalTTL are the lifetimes of "absent" sentinels.
	NegativeTTL      time.Duration
	NegativeLocalTTL time.Duration

	// BackoffMin/BackoffMax bound the randomized sleep after losing the lock.
	BackoffMin time.Duration
	BackoffMax time.Duration

	// UnprotectedLoads caps concurrent lock-less loads per process.
	UnprotectedLoads int
	// WarmConcurrency caps concurrent loads during Warm.
	WarmConcurrency int

	// StatsInterval is the period of the statistics log line; zero disables it.
	StatsInterval time.Duration

	InvalidationTopic string
	// ResubscribeInterval is the first retry delay after a failed invalidation
	// subscription. It doubles per attempt up to maxResubscribeDelay.
	ResubscribeInterval time.Duration
}

// DefaultConfig returns the default cache configuration.
func DefaultConfig() Config {
	return Config{
		LocalMaxEntries:   10_000,
		LocalTTL:          5 * time.Minute,
		RemoteTTL:         time.Hour,
		SweepInterval:     time.Minute,
		SweepMinEntries:   0,
		LockTTL:           10 * time.Second,
		JitterMax:         60 * time.Second,
		NegativeTTL:       5 * time.Minute,
		NegativeLocalTTL:  time.Minute,
		BackoffMin:        50 * time.Millisecond,
		BackoffMax:        100 * time.Millisecond,
		UnprotectedLoads:  4,
		WarmConcurrency:   8,
		StatsInterval:     5 * time.Minute,
		InvalidationTopic: "cache.invalidation",

		ResubscribeInterval: time.Second,
	}
}

// LoadConfigFromEnv loads cache configuration from environment variables.
//
// Optional (durations must be valid Go duration strings):
//   - IMCHAT_CACHE_LOCAL_MAX_ENTRIES
//   - IMCHAT_CACHE_LOCAL_TTL, IMCHAT_CACHE_REMOTE_TTL
//   - IMCHAT_CACHE_SWEEP_INTERVAL, IMCHAT_CACHE_SWEEP_MIN_ENTRIES
//   - IMCHAT_CACHE_LOCK_TTL, IMCHAT_CACHE_JITTER_MAX
//   - IMCHAT_CACHE_NEGATIVE_TTL, IMCHAT_CACHE_NEGATIVE_LOCAL_TTL
//   - IMCHAT_CACHE_BACKOFF_MIN, IMCHAT_CACHE_BACKOFF_MAX
//   - IMCHAT_CACHE_UNPROTECTED_LOADS, IMCHAT_CACHE_WARM_CONCURRENCY
//   - IMCHAT_CACHE_STATS_INTERVAL (0 disables)
//   - IMCHAT_CACHE_INVALIDATION_TOPIC, IMCHAT_CACHE_RESUBSCRIBE_INTERVAL
//
// Returns an error wrapping ErrConfig if configuration is invalid.
func LoadConfigFromEnv() (Config, error) {
	d := DefaultConfig()
	var c envconf.Collector

	cfg := Config{
		LocalMaxEntries:   c.Int("IMCHAT_CACHE_LOCAL_MAX_ENTRIES", d.LocalMaxEntries, 1),
		LocalTTL:          c.Duration("IMCHAT_CACHE_LOCAL_TTL", d.LocalTTL, false),
		RemoteTTL:         c.Duration("IMCHAT_CACHE_REMOTE_TTL", d.RemoteTTL, false),
		SweepInterval:     c.Duration("IMCHAT_CACHE_SWEEP_INTERVAL", d.SweepInterval, false),
		SweepMinEntries:   c.Int("IMCHAT_CACHE_SWEEP_MIN_ENTRIES", d.SweepMinEntries, 0),
		LockTTL:           c.Duration("IMCHAT_CACHE_LOCK_TTL", d.LockTTL, false),
		JitterMax:         c.Duration("IMCHAT_CACHE_JITTER_MAX", d.JitterMax, true),
		NegativeTTL:       c.Duration("IMCHAT_CACHE_NEGATIVE_TTL", d.NegativeTTL, false),
		NegativeLocalTTL:  c.Duration("IMCHAT_CACHE_NEGATIVE_LOCAL_TTL", d.NegativeLocalTTL, false),
		BackoffMin:        c.Duration("IMCHAT_CACHE_BACKOFF_MIN", d.BackoffMin, true),
		BackoffMax:        c.Duration("IMCHAT_CACHE_BACKOFF_MAX", d.BackoffMax, true),
		UnprotectedLoads:  c.Int("IMCHAT_CACHE_UNPROTECTED_LOADS", d.UnprotectedLoads, 1),
		WarmConcurrency:   c.Int("IMCHAT_CACHE_WARM_CONCURRENCY", d.WarmConcurrency, 1),
		StatsInterval:     c.Duration("IMCHAT_CACHE_STATS_INTERVAL", d.StatsInterval, true),
		InvalidationTopic: c.String("IMCHAT_CACHE_INVALIDATION_TOPIC", d.InvalidationTopic),

		ResubscribeInterval: c.Duration("IMCHAT_CACHE_RESUBSCRIBE_INTERVAL", d.ResubscribeInterval, false),
	}
	if err := c.Err(); err != nil {
		return Config{}, fmt.Errorf("%w: %v", ErrConfig, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks cross-field invariants.
func (c Config) Validate() error {
	switch {
	case c.LocalMaxEntries <= 0:
		return fmt.Errorf("%w: local max entries must be > 0", ErrConfig)
	case c.LocalTTL <= 0 || c.RemoteTTL <= 0:
		return fmt.Errorf("%w: default TTLs must be > 0", ErrConfig)
	case c.LockTTL <= 0:
		return fmt.Errorf("%w: lock TTL must be > 0", ErrConfig)
	case c.NegativeTTL <= 0 || c.NegativeLocalTTL <= 0:
		return fmt.Errorf("%w: negative TTLs must be > 0", ErrConfig)
	case c.BackoffMin < 0 || c.BackoffMax < c.BackoffMin:
		return fmt.Errorf("%w: backoff range is invalid", ErrConfig)
	case c.JitterMax < 0:
		return fmt.Errorf("%w: jitter must be >= 0", ErrConfig)
	case c.UnprotectedLoads <= 0 || c.WarmConcurrency <= 0:
		return fmt.Errorf("%w: concurrency limits must be > 0", ErrConfig)
	case c.InvalidationTopic == "":
		return fmt.Errorf("%w: empty invalidation topic", ErrConfig)
	case c.ResubscribeInterval <= 0:
		return fmt.Errorf("%w: resubscribe interval must be > 0", ErrConfig)
	}
	return nil
}
