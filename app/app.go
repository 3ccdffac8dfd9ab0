// Package app wires Logger, Config, StorageAdapter, Queue, WorkerPool, and
// (when the adapter supports it) Scheduler into one runnable process, the
// way cmd/turbomq's main does for a standalone binary and the way a host
// application embedding this module would for itself.
package app

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/arunrao/turbomq/internal/platform/logger"
	"github.com/arunrao/turbomq/pool"
	pgstore "github.com/arunrao/turbomq/store/postgres"
	"github.com/arunrao/turbomq/store"
	"github.com/arunrao/turbomq/store/memory"
	"github.com/arunrao/turbomq/store/redisstore"
	"github.com/arunrao/turbomq/store/sqlitestore"

	"github.com/arunrao/turbomq/lifecycle"
	"github.com/arunrao/turbomq/queue"
	"github.com/arunrao/turbomq/scheduler"
)

// App bundles every long-lived component a turbomq deployment needs. Handlers
// are registered on Queue before Start; Scheduler is nil when the configured
// adapter doesn't implement store.SchedulerCapableAdapter.
type App struct {
	Config    Config
	Log       *logger.Logger
	Adapter   store.StorageAdapter
	Queue     *queue.Queue
	Pool      *pool.WorkerPool
	Scheduler *scheduler.Scheduler

	cancel context.CancelFunc
}

// New builds every component from cfg but does not start anything — callers
// register task handlers on the returned App.Queue, then call Start.
func New(cfg Config, webhook lifecycle.WebhookInvoker) (*App, error) {
	log, err := logger.New(cfg.LogMode)
	if err != nil {
		return nil, fmt.Errorf("app: init logger: %w", err)
	}

	adapter, err := newAdapter(cfg)
	if err != nil {
		return nil, fmt.Errorf("app: init storage adapter: %w", err)
	}

	q := queue.New(adapter, log, webhook)
	p := pool.New(adapter, q, log, cfg.poolConfig())

	a := &App{Config: cfg, Log: log, Adapter: adapter, Queue: q, Pool: p}

	if capable, ok := adapter.(store.SchedulerCapableAdapter); ok {
		a.Scheduler = scheduler.New(capable, q, log, cfg.schedulerConfig())
	} else {
		log.Info("adapter does not support scheduled specs; scheduler disabled", "store", cfg.Store)
	}

	return a, nil
}

// newAdapter constructs the configured StorageAdapter and aligns its
// opportunistic stale-Running reclaim window with cfg.WorkerStaleThreshold,
// so FetchNextBatch and the worker's own CleanupStaleJobs sweep agree on
// what "stale" means.
func newAdapter(cfg Config) (store.StorageAdapter, error) {
	staleThreshold := cfg.WorkerStaleThreshold
	if staleThreshold <= 0 {
		staleThreshold = store.DefaultStaleThreshold
	}
	switch cfg.Store {
	case StorePostgres:
		db, err := gorm.Open(postgres.Open(cfg.PostgresDSN), &gorm.Config{})
		if err != nil {
			return nil, err
		}
		a := pgstore.New(db)
		a.StaleThreshold = staleThreshold
		return a, nil
	case StoreSQLite:
		db, err := gorm.Open(sqlite.Open(cfg.SQLitePath+"?_txlock=immediate"), &gorm.Config{})
		if err != nil {
			return nil, err
		}
		a := sqlitestore.New(db)
		a.StaleThreshold = staleThreshold
		return a, nil
	case StoreRedis:
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		a := redisstore.New(rdb)
		a.StaleThreshold = staleThreshold
		return a, nil
	case StoreMemory, "":
		a := memory.New()
		a.StaleThreshold = staleThreshold
		return a, nil
	default:
		return nil, fmt.Errorf("app: unknown store kind %q", cfg.Store)
	}
}

// Start connects the adapter, then starts the worker pool and (if present)
// the scheduler against ctx.
func (a *App) Start(ctx context.Context) error {
	if err := a.Adapter.Connect(ctx); err != nil {
		return fmt.Errorf("app: connect adapter: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	a.Pool.Start(runCtx)
	if a.Scheduler != nil {
		a.Scheduler.Start(runCtx)
	}
	return nil
}

// Stop drains the queue, stops the pool and scheduler, and disconnects the
// adapter. It is meant as the single top-level teardown path for a process
// owning its own App.
func (a *App) Stop(ctx context.Context) error {
	if a.Scheduler != nil {
		a.Scheduler.Stop()
	}
	a.Pool.Shutdown(ctx)

	if err := a.Queue.Shutdown(ctx, queue.ShutdownOptions{Timeout: a.Config.ShutdownTimeout, Force: true}); err != nil {
		a.Log.Warn("queue shutdown reported an error", "error", err)
	}

	if a.cancel != nil {
		a.cancel()
	}

	if err := a.Adapter.Disconnect(ctx); err != nil {
		return fmt.Errorf("app: disconnect adapter: %w", err)
	}
	return nil
}
