package infra

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	dbConnectTimeout = 5 * time.Second
	dbMaxConns       = 16
	dbMaxConnLife    = 30 * time.Minute
)

// NewPostgresPool configures and returns a PostgreSQL connection pool. Every
// money movement runs a compare-and-swap round trip, so the pool is kept
// small and connections are recycled on a fixed lifetime.
func NewPostgresPool(ctx context.Context, url string) (*pgxpool.Pool, error) {
	if url == "" {
		return nil, fmt.Errorf("database url is required")
	}

	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	cfg.MaxConns = dbMaxConns
	cfg.MaxConnLifetime = dbMaxConnLife

	connectCtx, cancel := context.WithTimeout(ctx, dbConnectTimeout)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(connectCtx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	if err := pool.Ping(connectCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	return pool, nil
}
