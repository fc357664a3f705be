package main

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/kneutral-org/lockcoord/internal/config"
	"github.com/kneutral-org/lockcoord/internal/lock"
	"github.com/kneutral-org/lockcoord/internal/lock/local"
	"github.com/kneutral-org/lockcoord/internal/lock/pgadvisory"
	"github.com/kneutral-org/lockcoord/internal/lock/redislock"
	"github.com/kneutral-org/lockcoord/internal/lock/sqladvisory"
)

// openSource connects the configured backend. The returned func releases
// the pool or client.
func openSource(ctx context.Context, cfg *config.Config) (lock.Source, func(), error) {
	switch cfg.Backend {
	case config.BackendPostgres:
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("create postgres pool: %w", err)
		}
		return pgadvisory.NewSource(pool), pool.Close, nil

	case config.BackendPostgresSQL:
		return openSQL(sqladvisory.DriverPostgres, cfg.DatabaseURL)

	case config.BackendMySQL:
		return openSQL(sqladvisory.DriverMySQL, cfg.MySQLDSN)

	case config.BackendRedis:
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		source := redislock.NewSource(client, redislock.WithTTL(cfg.RedisLockTTL))
		return source, func() { _ = client.Close() }, nil

	case config.BackendLocal:
		return local.NewLocks(), func() {}, nil

	default:
		return nil, nil, fmt.Errorf("unknown lock backend %q", cfg.Backend)
	}
}

func openSQL(driverName, dsn string) (lock.Source, func(), error) {
	source, db, err := sqladvisory.Open(driverName, dsn)
	if err != nil {
		return nil, nil, err
	}
	return source, func() { _ = db.Close() }, nil
}
