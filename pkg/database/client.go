// Package database provides the PostgreSQL client and migration utilities
// shared by the bus, registry, and memory services.
package database

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgxvector "github.com/pgvector/pgvector-go/pgx"
)

// Client wraps a pgx connection pool and exposes the DSN for components that
// need a dedicated connection (the NOTIFY listener).
type Client struct {
	pool *pgxpool.Pool
	cfg  Config
}

// Pool returns the underlying connection pool.
func (c *Client) Pool() *pgxpool.Pool {
	return c.pool
}

// DSN returns the connection string the pool was built from.
func (c *Client) DSN() string {
	return c.cfg.DSN()
}

// Close releases all pooled connections.
func (c *Client) Close() {
	c.pool.Close()
}

// NewClient opens a connection pool, registers the pgvector types on every
// connection, and applies pending migrations.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	pool, err := newPool(ctx, cfg, true)
	if err != nil {
		return nil, err
	}

	if err := runMigrations(cfg); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &Client{pool: pool, cfg: cfg}, nil
}

// NewClientWithoutMigrations opens a pool against an already-migrated
// database. Used by tests that share a migrated schema.
func NewClientWithoutMigrations(ctx context.Context, cfg Config) (*Client, error) {
	pool, err := newPool(ctx, cfg, false)
	if err != nil {
		return nil, err
	}
	return &Client{pool: pool, cfg: cfg}, nil
}

func newPool(ctx context.Context, cfg Config, tunePool bool) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}
	if tunePool {
		poolCfg.MaxConns = cfg.MaxConns
		poolCfg.MinConns = cfg.MinConns
		poolCfg.MaxConnLifetime = cfg.ConnMaxLifetime
		poolCfg.MaxConnIdleTime = cfg.ConnMaxIdleTime
	}
	poolCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvector.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open database pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return pool, nil
}
