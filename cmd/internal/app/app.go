// Package app wires the imchat runtime: config, logging, stores, the message-acceptance
// components and the HTTP operations surface.
package app

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"imchat/cmd/internal/cachemgr"
	"imchat/cmd/internal/durable"
	"imchat/cmd/internal/idempotency"
	"imchat/cmd/internal/pipeline"
	"imchat/cmd/internal/remote"
	"imchat/cmd/internal/sequence"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// ErrNoDatabase is returned by operations that need Postgres when none is configured.
var ErrNoDatabase = errors.New("app: no database configured")

// App owns every long-lived resource of the process.
//
// Ownership model:
// - App owns the pg pool and the remote store and closes them last.
// - Components are built leaves first and closed in reverse order.
type App struct {
	cfg Config
	log Logger

	dbPool  *pgxpool.Pool
	durable durable.Store
	remote  remote.Store

	cache    *cachemgr.Manager
	seq      *sequence.Allocator
	idem     *idempotency.Guard
	acceptor *pipeline.Acceptor

	registry *prometheus.Registry

	closeOnce sync.Once
	closeErr  error
}

// New constructs a fully wired App from config and logger. It connects to the
// configured stores but starts no background work; Run does.
func New(ctx context.Context, cfg Config, log Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat)
	}

	a := &App{cfg: cfg, log: log}
	if err := a.build(ctx); err != nil {
		_ = a.Close(context.WithoutCancel(ctx))
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context) error {
	var err error

	a.durable, a.dbPool, err = newDurableStore(ctx, a.cfg, a.log)
	if err != nil {
		return err
	}

	a.remote, err = newRemoteStore(ctx, a.cfg, a.log)
	if err != nil {
		return err
	}

	a.cache, err = cachemgr.New(a.remote, a.cfg.Cache, cachemgr.WithLogger(a.log))
	if err != nil {
		return err
	}

	a.seq, err = sequence.New(a.cache, a.durable, a.cfg.Sequence, sequence.WithLogger(a.log))
	if err != nil {
		return err
	}

	a.idem, err = idempotency.New(a.cache, a.durable, a.cfg.Idempotency, idempotency.WithLogger(a.log))
	if err != nil {
		return err
	}

	a.acceptor, err = pipeline.NewAcceptor(a.seq, a.idem, pipeline.WithLogger(a.log))
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		a.cache,
	)
	reg.MustRegister(a.seq.Collectors()...)
	reg.MustRegister(a.idem.Collectors()...)
	a.registry = reg

	return nil
}

// Cache returns the cache consistency manager.
func (a *App) Cache() *cachemgr.Manager { return a.cache }

// Sequences returns the sequence allocator.
func (a *App) Sequences() *sequence.Allocator { return a.seq }

// Idempotency returns the idempotency guard.
func (a *App) Idempotency() *idempotency.Guard { return a.idem }

// Acceptor returns the message-acceptance pipeline.
func (a *App) Acceptor() *pipeline.Acceptor { return a.acceptor }

// Registry returns the Prometheus registry served on /metrics.
func (a *App) Registry() *prometheus.Registry { return a.registry }

// Migrate applies the embedded durable schema.
func (a *App) Migrate(ctx context.Context) error {
	if a.dbPool == nil {
		return ErrNoDatabase
	}
	if err := durable.EnsureSchema(ctx, a.dbPool, a.cfg.DBSchema); err != nil {
		return err
	}
	a.log.Info("db.schema.applied", "schema", a.cfg.DBSchema)
	return nil
}

// Run starts the background work and the HTTP server, and blocks until ctx is
// cancelled or the server fails. Resources are released before it returns.
func (a *App) Run(ctx context.Context) error {
	if err := a.cache.Start(ctx); err != nil {
		return err
	}

	bg, stopBG := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		a.idem.RunRetention(bg)
	}()

	mux := http.NewServeMux()
	registerHTTP(mux, a)

	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           WithRequestLogging(mux, a.log),
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 15*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.WriteTimeout, 15*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    1 << 20,
	}

	a.log.Info("server.start",
		"addr", a.cfg.HTTPAddr,
		"db_enabled", a.dbPool != nil,
		"redis_enabled", a.cfg.RedisAddr != "",
		"instance_id", a.cache.InstanceID(),
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		a.log.Info("server.stop", "reason", "context_done")
	case err := <-errCh:
		a.log.Error("server.fail", "err", err)
		runErr = err
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), nonZeroDuration(a.cfg.ShutdownTimeout, 10*time.Second))
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.log.Error("server.shutdown.fail", "err", err)
		runErr = errors.Join(runErr, err)
	}

	stopBG()
	wg.Wait()

	if err := a.Close(shutdownCtx); err != nil {
		a.log.Error("app.close.fail", "err", err)
		runErr = errors.Join(runErr, err)
	}

	a.log.Info("server.stopped")
	return runErr
}

// Close drains the write-behind queue, stops the cache manager and closes the
// stores. It is safe to call more than once.
func (a *App) Close(ctx context.Context) error {
	a.closeOnce.Do(func() {
		var errs []error
		if a.seq != nil {
			if err := a.seq.Close(ctx); err != nil {
				errs = append(errs, err)
			}
		}
		if a.cache != nil {
			if err := a.cache.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		if a.remote != nil {
			if err := a.remote.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		if a.durable != nil {
			if err := a.durable.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		if a.dbPool != nil {
			a.dbPool.Close()
		}
		a.closeErr = errors.Join(errs...)
	})
	return a.closeErr
}

func nonZeroDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}
