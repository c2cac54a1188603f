package idempotency

import (
	"errors"
	"fmt"
	"time"

	"github.com/adhocore/gronx"

	"imchat/cmd/internal/envconf"
)

// ErrConfig is returned when guard configuration is invalid.
var ErrConfig = errors.New("idempotency: invalid config")

// Config defines the runtime configuration of the idempotency guard.
type Config struct {
	// KeyPrefix namespaces idempotency entries in the cache.
	KeyPrefix string
	// TTL and LocalTTL are the cache lifetimes of a known mapping.
	TTL      time.Duration
	LocalTTL time.Duration

	// Retention is how long durable records are kept.
	Retention time.Duration
	// CleanupCron schedules retention cleanup; empty disables the scheduler.
	CleanupCron string
	// CleanupBatch bounds rows deleted per statement.
	CleanupBatch int
}

// DefaultConfig returns the default guard configuration.
func DefaultConfig() Config {
	return Config{
		KeyPrefix:    "comm:idem:",
		TTL:          24 * time.Hour,
		LocalTTL:     5 * time.Minute,
		Retention:    7 * 24 * time.Hour,
		CleanupCron:  "0 3 * * *",
		CleanupBatch: 1000,
	}
}

// LoadConfigFromEnv loads guard configuration from environment variables.
//
// Optional:
//   - IMCHAT_IDEM_KEY_PREFIX
//   - IMCHAT_IDEM_TTL, IMCHAT_IDEM_LOCAL_TTL
//   - IMCHAT_IDEM_RETENTION
//   - IMCHAT_IDEM_CLEANUP_CRON ("off" disables)
//   - IMCHAT_IDEM_CLEANUP_BATCH
//
// Returns an error wrapping ErrConfig if configuration is invalid.
func LoadConfigFromEnv() (Config, error) {
	d := DefaultConfig()
	var c envconf.Collector

	cfg := Config{
		KeyPrefix:    c.String("IMCHAT_IDEM_KEY_PREFIX", d.KeyPrefix),
		TTL:          c.Duration("IMCHAT_IDEM_TTL", d.TTL, false),
		LocalTTL:     c.Duration("IMCHAT_IDEM_LOCAL_TTL", d.LocalTTL, false),
		Retention:    c.Duration("IMCHAT_IDEM_RETENTION", d.Retention, false),
		CleanupCron:  c.String("IMCHAT_IDEM_CLEANUP_CRON", d.CleanupCron),
		CleanupBatch: c.Int("IMCHAT_IDEM_CLEANUP_BATCH", d.CleanupBatch, 1),
	}
	if err := c.Err(); err != nil {
		return Config{}, fmt.Errorf("%w: %v", ErrConfig, err)
	}
	if cfg.CleanupCron == "off" {
		cfg.CleanupCron = ""
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks field invariants.
func (c Config) Validate() error {
	switch {
	case c.KeyPrefix == "":
		return fmt.Errorf("%w: empty key prefix", ErrConfig)
	case c.TTL <= 0 || c.LocalTTL <= 0 || c.Retention <= 0:
		return fmt.Errorf("%w: durations must be > 0", ErrConfig)
	case c.CleanupBatch <= 0:
		return fmt.Errorf("%w: cleanup batch must be > 0", ErrConfig)
	case c.CleanupCron != "" && !gronx.IsValid(c.CleanupCron):
		return fmt.Errorf("%w: invalid cleanup cron %q", ErrConfig, c.CleanupCron)
	}
	return nil
}
