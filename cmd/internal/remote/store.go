// Package remote defines the shared, network-accessible key/value tier and its
// implementations (Redis for deployments, in-memory for single-process dev mode).
package remote

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"time"
)

// ErrNotInteger is returned by IncrIfExists when the stored value is not a decimal integer.
var ErrNotInteger = errors.New("remote: value is not an integer")

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("remote: store closed")

var errNilHandler = errors.New("remote: nil subscription handler")

// Store is the contract consumed by the cache manager, the sequence allocator and the
// idempotency guard. All methods are blocking; implementations bound them by a timeout.
//
// A non-positive ttl means "no expiry".
type Store interface {
	// Get returns the stored bytes, or ok=false when the key is absent.
	Get(ctx context.Context, key string) (value []byte, ok bool, err error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// IncrIfExists atomically adds step to an existing counter and returns the new
	// value, refreshing its expiry when ttl is positive. An absent key is left absent
	// and reported with ok=false.
	IncrIfExists(ctx context.Context, key string, step int64, ttl time.Duration) (n int64, ok bool, err error)
	// SetNX stores value only if key is absent and reports whether it did.
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error
	Exists(ctx context.Context, key string) (bool, error)
	Delete(ctx context.Context, keys ...string) error
	// CompareAndDelete deletes key only while it still holds value.
	CompareAndDelete(ctx context.Context, key string, value []byte) (bool, error)
	// DeletePattern deletes every key matching a glob pattern ('*' and '?').
	DeletePattern(ctx context.Context, pattern string) (int64, error)

	Publish(ctx context.Context, topic string, payload []byte) error
	// Subscribe delivers every payload published on topic to handler until the
	// returned Subscription is closed.
	Subscribe(ctx context.Context, topic string, handler func(payload []byte)) (Subscription, error)

	Ping(ctx context.Context) error
	Close() error
}

// Subscription is an active topic subscription.
type Subscription interface {
	Close() error
}

// CompilePattern turns a glob pattern into a key matcher with the same semantics the
// stores apply in DeletePattern: '*' matches any run of characters, '?' exactly one.
func CompilePattern(pattern string) func(key string) bool {
	var b strings.Builder
	b.WriteByte('^')
	for _, r := range pattern {
		switch r {
		case '*':
			b.WriteString(".*")
		case '?':
			b.WriteByte('.')
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	b.WriteByte('$')
	re := regexp.MustCompile(b.String())
	return re.MatchString
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
