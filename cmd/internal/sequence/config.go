package sequence

import (
	"errors"
	"fmt"
	"time"

	"imchat/cmd/internal/envconf"
)

// ErrConfig is returned when allocator configuration is invalid.
var ErrConfig = errors.New("sequence: invalid config")

// Config defines the runtime configuration of the sequence allocator.
type Config struct {
	// KeyPrefix namespaces counters in the remote store.
	KeyPrefix string
	// TTL is refreshed on every allocation. Counters are reconstructible from the
	// durable store, so they are allowed to expire when a conversation goes idle.
	TTL time.Duration
	// Writers is the number of write-behind workers.
	Writers int
	// WriteRetries is how many times a failed write-behind upsert is attempted.
	WriteRetries int
	// PreloadConcurrency caps concurrent conversations in Preload.
	PreloadConcurrency int
}

// DefaultConfig returns the default allocator configuration.
func DefaultConfig() Config {
	return Config{
		KeyPrefix:          "comm:seq:",
		TTL:                24 * time.Hour,
		Writers:            4,
		WriteRetries:       3,
		PreloadConcurrency: 8,
	}
}

// LoadConfigFromEnv loads allocator configuration from environment variables.
//
// Optional:
//   - IMCHAT_SEQ_KEY_PREFIX
//   - IMCHAT_SEQ_TTL
//   - IMCHAT_SEQ_WRITERS
//   - IMCHAT_SEQ_WRITE_RETRIES
//   - IMCHAT_SEQ_PRELOAD_CONCURRENCY
//
// Returns an error wrapping ErrConfig if configuration is invalid.
func LoadConfigFromEnv() (Config, error) {
	d := DefaultConfig()
	var c envconf.Collector

	cfg := Config{
		KeyPrefix:          c.String("IMCHAT_SEQ_KEY_PREFIX", d.KeyPrefix),
		TTL:                c.Duration("IMCHAT_SEQ_TTL", d.TTL, false),
		Writers:            c.Int("IMCHAT_SEQ_WRITERS", d.Writers, 1),
		WriteRetries:       c.Int("IMCHAT_SEQ_WRITE_RETRIES", d.WriteRetries, 1),
		PreloadConcurrency: c.Int("IMCHAT_SEQ_PRELOAD_CONCURRENCY", d.PreloadConcurrency, 1),
	}
	if err := c.Err(); err != nil {
		return Config{}, fmt.Errorf("%w: %v", ErrConfig, err)
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
	case c.TTL <= 0:
		return fmt.Errorf("%w: TTL must be > 0", ErrConfig)
	case c.Writers <= 0 || c.WriteRetries <= 0 || c.PreloadConcurrency <= 0:
		return fmt.Errorf("%w: worker counts must be > 0", ErrConfig)
	}
	return nil
}
