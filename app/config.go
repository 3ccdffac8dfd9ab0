package app

import (
	"time"

	"github.com/arunrao/turbomq/internal/platform/envutil"
	"github.com/arunrao/turbomq/pool"
	"github.com/arunrao/turbomq/scheduler"
	"github.com/arunrao/turbomq/store"
	"github.com/arunrao/turbomq/worker"
)

// StoreKind selects which StorageAdapter New wires up.
type StoreKind string

const (
	StorePostgres StoreKind = "postgres"
	StoreSQLite   StoreKind = "sqlite"
	StoreRedis    StoreKind = "redis"
	StoreMemory   StoreKind = "memory"
)

// Config is the full set of environment-driven knobs for a turbomq process.
// Load reads it from the environment with the defaults used throughout
// development; any field can be overridden before calling New directly.
type Config struct {
	LogMode string

	Store      StoreKind
	PostgresDSN string
	SQLitePath  string
	RedisAddr   string

	WorkerPollInterval  time.Duration
	WorkerStaleThreshold time.Duration
	MinWorkers          int
	MaxWorkers          int
	PoolControlInterval time.Duration

	SchedulerCheckInterval time.Duration

	ShutdownTimeout time.Duration
}

// Load reads Config from the process environment, falling back to
// development-friendly defaults (in-memory store, one worker) for anything
// unset.
func Load() Config {
	return Config{
		LogMode: envutil.String("LOG_MODE", "development"),

		Store:       StoreKind(envutil.String("TURBOMQ_STORE", string(StoreMemory))),
		PostgresDSN: envutil.String("TURBOMQ_POSTGRES_DSN", ""),
		SQLitePath:  envutil.String("TURBOMQ_SQLITE_PATH", "turbomq.db"),
		RedisAddr:   envutil.String("TURBOMQ_REDIS_ADDR", "localhost:6379"),

		WorkerPollInterval:   envutil.Duration("TURBOMQ_POLL_INTERVAL", time.Second),
		WorkerStaleThreshold: envutil.Duration("TURBOMQ_STALE_THRESHOLD", store.DefaultStaleThreshold),
		MinWorkers:           envutil.Int("TURBOMQ_MIN_WORKERS", 1),
		MaxWorkers:           envutil.Int("TURBOMQ_MAX_WORKERS", 5),
		PoolControlInterval:  envutil.Duration("TURBOMQ_POOL_CONTROL_INTERVAL", 10*time.Second),

		SchedulerCheckInterval: envutil.Duration("TURBOMQ_SCHEDULER_INTERVAL", 60*time.Second),

		ShutdownTimeout: envutil.Duration("TURBOMQ_SHUTDOWN_TIMEOUT", 30*time.Second),
	}
}

func (c Config) workerConfig() worker.Config {
	return worker.Config{
		PollInterval:   c.WorkerPollInterval,
		StaleThreshold: c.WorkerStaleThreshold,
	}
}

func (c Config) poolConfig() pool.Config {
	return pool.Config{
		MinWorkers:      c.MinWorkers,
		MaxWorkers:      c.MaxWorkers,
		WorkerConfig:    c.workerConfig(),
		ControlInterval: c.PoolControlInterval,
	}
}

func (c Config) schedulerConfig() scheduler.Config {
	return scheduler.Config{CheckInterval: c.SchedulerCheckInterval}
}
