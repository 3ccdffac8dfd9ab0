// Package testutil provides shared test fixtures: a Logger safe to call from
// any test, and skip-if-unconfigured connectors to a real Postgres or Redis
// for adapter integration tests. Package-level tests for the storage-agnostic
// core (lifecycle, queue, worker, pool, scheduler) should prefer
// store/memory.New instead of any of these.
package testutil

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"

	"github.com/redis/go-redis/v9"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormLogger "gorm.io/gorm/logger"

	"github.com/arunrao/turbomq/internal/platform/logger"
	"github.com/arunrao/turbomq/store"
)

var errMissingPostgresDSN = errors.New("missing TEST_POSTGRES_DSN")
var errMissingRedisAddr = errors.New("missing TEST_REDIS_ADDR")

var (
	dbOnce sync.Once
	db     *gorm.DB
	dbErr  error

	redisOnce sync.Once
	redisCl   *redis.Client
	redisErr  error

	logOnce sync.Once
	logg    *logger.Logger
	logErr  error
)

func Logger(tb testing.TB) *logger.Logger {
	tb.Helper()
	logOnce.Do(func() {
		logg, logErr = logger.New("test")
	})
	if logErr != nil {
		tb.Fatalf("failed to init logger: %v", logErr)
	}
	return logg
}

// DB returns a *gorm.DB against TEST_POSTGRES_DSN, auto-migrated with this
// module's own tables. Skips the test if the env var is unset.
func DB(tb testing.TB) *gorm.DB {
	tb.Helper()

	dbOnce.Do(func() {
		dsn := os.Getenv("TEST_POSTGRES_DSN")
		if dsn == "" {
			dbErr = errMissingPostgresDSN
			return
		}

		var err error
		db, err = gorm.Open(postgres.Open(dsn), &gorm.Config{
			DisableForeignKeyConstraintWhenMigrating: true,
			Logger:                                   gormLogger.Default.LogMode(gormLogger.Silent),
		})
		if err != nil {
			dbErr = err
			return
		}

		if err := db.Exec(`CREATE EXTENSION IF NOT EXISTS "uuid-ossp";`).Error; err != nil {
			dbErr = err
			return
		}

		if err := autoMigrateAll(db); err != nil {
			dbErr = err
			return
		}
	})

	if errors.Is(dbErr, errMissingPostgresDSN) {
		tb.Skip("set TEST_POSTGRES_DSN to run Postgres adapter tests")
	}
	if dbErr != nil {
		tb.Fatalf("failed to init test db: %v", dbErr)
	}
	return db
}

// Tx opens a transaction on db and registers a rollback at test cleanup, so
// adapter tests never leave rows behind for the next run.
func Tx(tb testing.TB, db *gorm.DB) *gorm.DB {
	tb.Helper()
	tx := db.Begin()
	if tx.Error != nil {
		tb.Fatalf("begin tx: %v", tx.Error)
	}
	tb.Cleanup(func() {
		_ = tx.Rollback().Error
	})
	return tx
}

// Redis returns a *redis.Client against TEST_REDIS_ADDR, flushed before use.
// Skips the test if the env var is unset.
func Redis(tb testing.TB) *redis.Client {
	tb.Helper()

	redisOnce.Do(func() {
		addr := os.Getenv("TEST_REDIS_ADDR")
		if addr == "" {
			redisErr = errMissingRedisAddr
			return
		}
		redisCl = redis.NewClient(&redis.Options{Addr: addr})
		if err := redisCl.Ping(context.Background()).Err(); err != nil {
			redisErr = err
		}
	})

	if errors.Is(redisErr, errMissingRedisAddr) {
		tb.Skip("set TEST_REDIS_ADDR to run Redis adapter tests")
	}
	if redisErr != nil {
		tb.Fatalf("failed to init test redis: %v", redisErr)
	}
	tb.Cleanup(func() {
		_ = redisCl.FlushDB(context.Background()).Err()
	})
	return redisCl
}

func autoMigrateAll(db *gorm.DB) error {
	return db.AutoMigrate(
		&store.Job{},
		&store.JobResult{},
		&store.WorkerHeartbeat{},
		&store.ScheduledSpec{},
	)
}
