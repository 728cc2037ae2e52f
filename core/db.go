package core

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Connect opens a pgx pool sized for the worker's access pattern: each
// in-flight job issues exactly one problem query, so concurrency plus one
// spare connection (for the startup ping and pool health checks) is the
// whole demand. The worker never writes.
func Connect(ctx context.Context, dsn string, concurrency int) (*pgxpool.Pool, error) {
	if dsn == "" {
		return nil, errors.New("empty database dsn")
	}
	if concurrency < 1 {
		concurrency = 1
	}

	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	config.MaxConns = int32(concurrency) + 1
	config.MinConns = 1
	// Problems change rarely and jobs arrive in bursts; recycle idle
	// connections instead of pinning them between submissions.
	config.MaxConnIdleTime = 5 * time.Minute
	config.MaxConnLifetime = 30 * time.Minute
	config.HealthCheckPeriod = 30 * time.Second

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}
