package remote

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// compareAndDelete releases a key only while it still holds the caller's token.
var compareAndDelete = redis.NewScript(`
if redis.call('get', KEYS[1]) == ARGV[1] then
  return redis.call('del', KEYS[1])
end
return 0
`)

// incrIfExists increments a counter only while it exists; a nil reply means absent.
var incrIfExists = redis.NewScript(`
if redis.call('exists', KEYS[1]) == 1 then
  local n = redis.call('incrby', KEYS[1], ARGV[1])
  if tonumber(ARGV[2]) > 0 then
    redis.call('pexpire', KEYS[1], ARGV[2])
  end
  return n
end
return false
`)

// RedisConfig holds the Redis connection configuration.
type RedisConfig struct {
	Addr         string
	Password     string
	DB           int
	PoolSize     int
	MinIdleConns int
	OpTimeout    time.Duration
}

// DefaultRedisConfig returns the default Redis configuration.
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:         "localhost:6379",
		PoolSize:     10,
		MinIdleConns: 2,
		OpTimeout:    2 * time.Second,
	}
}

// RedisStore is a Store backed by Redis.
//
// Ownership model: RedisStore owns the client when built by DialRedis; Close closes it.
type RedisStore struct {
	client    redis.UniversalClient
	opTimeout time.Duration
	log       *slog.Logger
}

// RedisOption configures RedisStore behavior.
type RedisOption func(*RedisStore)

// WithOpTimeout bounds every call (default 2s).
func WithOpTimeout(d time.Duration) RedisOption {
	return func(s *RedisStore) {
		if d > 0 {
			s.opTimeout = d
		}
	}
}

// WithLogger sets the logger used for subscription diagnostics.
func WithLogger(log *slog.Logger) RedisOption {
	return func(s *RedisStore) {
		if log != nil {
			s.log = log
		}
	}
}

// NewRedisStore wraps an existing client.
func NewRedisStore(client redis.UniversalClient, opts ...RedisOption) (*RedisStore, error) {
	if client == nil {
		return nil, errors.New("remote: nil redis client")
	}
	s := &RedisStore{
		client:    client,
		opTimeout: 2 * time.Second,
		log:       slog.Default(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s, nil
}

// DialRedis connects to Redis and validates connectivity with a PING.
func DialRedis(ctx context.Context, cfg RedisConfig, log *slog.Logger) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolTimeout:  4 * time.Second,
	})

	st, err := NewRedisStore(client, WithOpTimeout(cfg.OpTimeout), WithLogger(log))
	if err != nil {
		_ = client.Close()
		return nil, err
	}

	if err := st.Ping(ctx); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("remote: connect redis %s: %w", cfg.Addr, err)
	}
	return st, nil
}

// Get implements Store.
func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	ctx, cancel := withTimeout(ctx, s.opTimeout)
	defer cancel()

	b, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return b, true, nil
}

// Set implements Store.
func (s *RedisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	ctx, cancel := withTimeout(ctx, s.opTimeout)
	defer cancel()

	if ttl < 0 {
		ttl = 0
	}
	return s.client.Set(ctx, key, value, ttl).Err()
}

// IncrIfExists implements Store.
func (s *RedisStore) IncrIfExists(ctx context.Context, key string, step int64, ttl time.Duration) (int64, bool, error) {
	ctx, cancel := withTimeout(ctx, s.opTimeout)
	defer cancel()

	n, err := incrIfExists.Run(ctx, s.client, []string{key}, step, ttl.Milliseconds()).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return n, true, nil
}

// SetNX implements Store.
func (s *RedisStore) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	ctx, cancel := withTimeout(ctx, s.opTimeout)
	defer cancel()

	if ttl < 0 {
		ttl = 0
	}
	return s.client.SetNX(ctx, key, value, ttl).Result()
}

// Expire implements Store.
func (s *RedisStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	ctx, cancel := withTimeout(ctx, s.opTimeout)
	defer cancel()

	if ttl <= 0 {
		return s.client.Persist(ctx, key).Err()
	}
	return s.client.Expire(ctx, key, ttl).Err()
}

// Exists implements Store.
func (s *RedisStore) Exists(ctx context.Context, key string) (bool, error) {
	ctx, cancel := withTimeout(ctx, s.opTimeout)
	defer cancel()

	n, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Delete implements Store.
func (s *RedisStore) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	ctx, cancel := withTimeout(ctx, s.opTimeout)
	defer cancel()

	return s.client.Del(ctx, keys...).Err()
}

// CompareAndDelete implements Store.
func (s *RedisStore) CompareAndDelete(ctx context.Context, key string, value []byte) (bool, error) {
	ctx, cancel := withTimeout(ctx, s.opTimeout)
	defer cancel()

	n, err := compareAndDelete.Run(ctx, s.client, []string{key}, value).Int64()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// DeletePattern implements Store. Keys are discovered with SCAN (never KEYS) and
// deleted in batches of 100.
func (s *RedisStore) DeletePattern(ctx context.Context, pattern string) (int64, error) {
	// A pattern sweep may span many round trips; bound the whole walk.
	ctx, cancel := withTimeout(ctx, 10*s.opTimeout)
	defer cancel()

	var (
		deleted int64
		batch   = make([]string, 0, 100)
	)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		n, err := s.client.Del(ctx, batch...).Result()
		deleted += n
		batch = batch[:0]
		return err
	}

	iter := s.client.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) >= 100 {
			if err := flush(); err != nil {
				return deleted, err
			}
		}
	}
	if err := iter.Err(); err != nil {
		return deleted, err
	}
	if err := flush(); err != nil {
		return deleted, err
	}
	return deleted, nil
}

// Publish implements Store.
func (s *RedisStore) Publish(ctx context.Context, topic string, payload []byte) error {
	ctx, cancel := withTimeout(ctx, s.opTimeout)
	defer cancel()

	return s.client.Publish(ctx, topic, payload).Err()
}

// Subscribe implements Store. The subscription runs until Close; ctx only bounds the
// initial handshake.
func (s *RedisStore) Subscribe(ctx context.Context, topic string, handler func([]byte)) (Subscription, error) {
	if handler == nil {
		return nil, errNilHandler
	}

	ps := s.client.Subscribe(context.Background(), topic)

	hctx, cancel := withTimeout(ctx, s.opTimeout)
	defer cancel()
	if _, err := ps.Receive(hctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("remote: subscribe %s: %w", topic, err)
	}

	sub := &redisSubscription{ps: ps, done: make(chan struct{})}
	go func() {
		defer close(sub.done)
		for msg := range ps.Channel() {
			handler([]byte(msg.Payload))
		}
	}()

	s.log.Debug("remote.subscribe", "topic", topic)
	return sub, nil
}

type redisSubscription struct {
	ps   *redis.PubSub
	once sync.Once
	done chan struct{}
}

func (r *redisSubscription) Close() error {
	var err error
	r.once.Do(func() {
		err = r.ps.Close()
		<-r.done
	})
	return err
}

// Ping implements Store.
func (s *RedisStore) Ping(ctx context.Context) error {
	ctx, cancel := withTimeout(ctx, s.opTimeout)
	defer cancel()

	return s.client.Ping(ctx).Err()
}

// Close implements Store.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
