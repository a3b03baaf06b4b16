package main

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/pitabwire/requisition/internal/config"
	"github.com/pitabwire/requisition/internal/directory"
	"github.com/pitabwire/requisition/internal/distribution"
	"github.com/pitabwire/requisition/internal/idempotency"
	"github.com/pitabwire/requisition/internal/job"
	"github.com/pitabwire/requisition/internal/observability"
	"github.com/pitabwire/requisition/internal/outbox"
	"github.com/pitabwire/requisition/internal/recipient"
	"github.com/pitabwire/requisition/internal/workflow"
)

// directorySource is everything the engine, resolver and scheduler read from
// the program directory.
type directorySource interface {
	workflow.UserDirectory
	recipient.Directory
	distribution.VendorSource
}

// stores holds the persistence layer selected by configuration.
type stores struct {
	persistent bool

	jobs          job.Store
	workflows     workflow.Store
	distributions distribution.Store
	directory     directorySource
	lookup        directory.Lookup
	idempotency   idempotency.Store
	deadLetters   outbox.DeadLetterSink

	directoryHealth observability.HealthChecker
	redisHealth     observability.HealthChecker

	closers []func()
}

func (s *stores) close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
}

// buildStores opens PostgreSQL when a DSN is configured and Redis when an
// address is configured. Without a DSN every store is in memory.
func buildStores(ctx context.Context, cfg *config.Config, metrics *observability.Metrics, logger *zap.Logger) (*stores, error) {
	st := &stores{}

	rdb, err := openRedis(ctx, cfg.Redis)
	if err != nil {
		return nil, err
	}
	if rdb != nil {
		st.closers = append(st.closers, func() { _ = rdb.Close() })
		st.redisHealth = redisPinger{rdb}
	}

	dsn := cfg.Database.DSN()
	var lookup directory.Lookup
	if dsn == "" {
		logger.Warn("database DSN not configured, using in-memory stores")
		mem := directory.NewMemory()
		st.jobs = job.NewMemoryStore()
		st.workflows = workflow.NewMemoryStore()
		st.distributions = distribution.NewMemoryStore()
		st.directory = mem
		lookup = mem
	} else {
		st.persistent = true
		if err := openPostgres(ctx, cfg.Database, dsn, st, logger); err != nil {
			st.close()
			return nil, err
		}
		lookup = st.lookup
	}

	var cache directory.Cache = directory.NewMemoryCache()
	if cfg.Lookup.Cache.Driver == "redis" {
		if rdb == nil {
			st.close()
			return nil, fmt.Errorf("lookup cache: redis driver needs %s", cfg.Redis.AddrEnv)
		}
		cache = directory.NewRedisCache(rdb)
	}
	st.lookup = directory.NewCachedLookup(lookup, cache, cfg.Lookup.Cache.TTL, metrics)

	switch cfg.Idempotency.Driver {
	case "redis":
		if rdb == nil {
			st.close()
			return nil, fmt.Errorf("idempotency: redis driver needs %s", cfg.Redis.AddrEnv)
		}
		st.idempotency = idempotency.NewRedisStore(rdb)
	default:
		st.idempotency = idempotency.NewMemoryStore()
	}

	switch cfg.Outbox.DeadLetter {
	case "redis":
		if rdb == nil {
			st.close()
			return nil, fmt.Errorf("outbox: redis dead letters need %s", cfg.Redis.AddrEnv)
		}
		st.deadLetters = outbox.NewRedisSink(rdb, "", 0)
	default:
		st.deadLetters = outbox.NewMemorySink(0)
	}

	return st, nil
}

// openPostgres connects gorm for the job and distribution tables and a pgx
// pool for the workflow and directory queries.
func openPostgres(ctx context.Context, cfg config.DatabaseConfig, dsn string, st *stores, logger *zap.Logger) error {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
		TranslateError: true,
	})
	if err != nil {
		return fmt.Errorf("database: open: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("database: %w", err)
	}
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	st.closers = append(st.closers, func() { _ = sqlDB.Close() })

	jobs := job.NewGormStore(db)
	dists := distribution.NewGormStore(db)
	if cfg.AutoMigrate {
		if err := jobs.Migrate(ctx); err != nil {
			return fmt.Errorf("database: migrate jobs: %w", err)
		}
		if err := dists.Migrate(ctx); err != nil {
			return fmt.Errorf("database: migrate distributions: %w", err)
		}
		logger.Info("database migrated")
	}

	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return fmt.Errorf("database: parse DSN: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		poolCfg.MaxConns = int32(cfg.MaxOpenConns)
	}
	poolCfg.MinConns = int32(cfg.MaxIdleConns)
	poolCfg.MaxConnLifetime = cfg.ConnMaxLifetime

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return fmt.Errorf("database: connect: %w", err)
	}
	st.closers = append(st.closers, pool.Close)
	if err := pool.Ping(ctx); err != nil {
		return fmt.Errorf("database: ping: %w", err)
	}

	dir := directory.NewPgDirectory(pool)
	st.jobs = jobs
	st.distributions = dists
	st.workflows = workflow.NewPgStore(pool)
	st.directory = dir
	st.directoryHealth = dir
	st.lookup = directory.NewPgLookup(pool)
	return nil
}

func openRedis(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	addr := cfg.Addr()
	if addr == "" {
		return nil, nil
	}
	client := redis.NewClient(&redis.Options{Addr: addr, DB: cfg.DB})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis: ping %s: %w", addr, err)
	}
	return client, nil
}

type redisPinger struct{ client *redis.Client }

func (p redisPinger) HealthCheck(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}

// healthOf returns v as a readiness check when it can report its health.
func healthOf(v any) observability.HealthChecker {
	if hc, ok := v.(observability.HealthChecker); ok {
		return hc
	}
	return nil
}
