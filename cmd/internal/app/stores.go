package app

import (
	"context"
	"fmt"

	"imchat/cmd/internal/durable"
	"imchat/cmd/internal/remote"

	"github.com/jackc/pgx/v5/pgxpool"
)

// newDurableStore decides between Postgres-backed persistence and the in-memory store.
// The returned pool is nil in memory mode; the app owns its lifecycle.
func newDurableStore(ctx context.Context, cfg Config, log Logger) (durable.Store, *pgxpool.Pool, error) {
	if cfg.DatabaseURL == "" {
		log.Info("db.disabled.inmemory_store")
		return durable.NewInMemoryStore(), nil, nil
	}

	pool, err := NewDBPool(ctx, cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("app: connect db: %w", err)
	}

	st, err := durable.NewPostgresStore(pool,
		durable.WithSchema(cfg.DBSchema),
		durable.WithOpTimeout(cfg.StoreOpTimeout),
	)
	if err != nil {
		pool.Close()
		return nil, nil, err
	}

	log.Info("db.enabled.postgres_store", "schema", cfg.DBSchema)
	return st, pool, nil
}

// newRemoteStore decides between Redis and the in-memory remote store.
func newRemoteStore(ctx context.Context, cfg Config, log Logger) (remote.Store, error) {
	if cfg.RedisAddr == "" {
		log.Info("redis.disabled.inmemory_store")
		return remote.NewMemoryStore(), nil
	}

	rcfg := remote.DefaultRedisConfig()
	rcfg.Addr = cfg.RedisAddr
	rcfg.Password = cfg.RedisPassword
	rcfg.DB = cfg.RedisDB
	if cfg.RedisPoolSize > 0 {
		rcfg.PoolSize = cfg.RedisPoolSize
	}
	rcfg.OpTimeout = cfg.StoreOpTimeout

	st, err := remote.DialRedis(ctx, rcfg, log)
	if err != nil {
		return nil, err
	}
	log.Info("redis.enabled", "addr", cfg.RedisAddr, "db", cfg.RedisDB)
	return st, nil
}
