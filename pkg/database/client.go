// Package database provides the shared PostgreSQL connection pool and
// migration utilities. A single bounded pool serves the checkpoint, credit,
// webhook, sandbox metadata, and memory stores.
package database

import (
	"context"
	stdsql "database/sql"
	"fmt"
	"net"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"

	"github.com/flowmesh/flowmesh/pkg/config"
)

// Client wraps the pgx connection pool.
type Client struct {
	pool *pgxpool.Pool
}

// Pool returns the underlying pool for store implementations.
func (c *Client) Pool() *pgxpool.Pool {
	return c.pool
}

// Close releases all pooled connections.
func (c *Client) Close() {
	c.pool.Close()
}

// NewClient opens the pool, verifies connectivity, and applies pending
// migrations. Long agent runs hold connections across minutes of idleness,
// so TCP keepalive is tuned aggressively to survive NAT timeouts.
func NewClient(ctx context.Context, cfg config.DatabaseConfig) (*Client, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database URL: %w", err)
	}

	poolCfg.MinConns = int32(cfg.PoolMin)
	poolCfg.MaxConns = int32(cfg.PoolMax)
	poolCfg.ConnConfig.ConnectTimeout = cfg.AcquireTimeout

	dialer := &net.Dialer{
		KeepAlive: 30 * time.Second,
		KeepAliveConfig: net.KeepAliveConfig{
			Enable:   true,
			Idle:     30 * time.Second,
			Interval: 10 * time.Second,
			Count:    5,
		},
	}
	poolCfg.ConnConfig.DialFunc = dialer.DialContext

	// Transaction-pool proxies (pgbouncer) cannot track prepared statements
	// across backend connections.
	if cfg.SimpleProtocol {
		poolCfg.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, cfg.AcquireTimeout)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := runMigrations(cfg.URL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &Client{pool: pool}, nil
}

// SQLDB opens a database/sql handle for libraries that require one
// (golang-migrate). The caller owns the returned handle.
func SQLDB(url string) (*stdsql.DB, error) {
	connCfg, err := pgx.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database URL: %w", err)
	}
	return stdlib.OpenDB(*connCfg), nil
}
