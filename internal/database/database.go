package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DB wraps a pooled pgx connection plus one dedicated, never-pooled
// connection reserved for LISTEN/NOTIFY. Pooled connections
// cannot be used for LISTEN because the pool may hand the same
// physical connection to an unrelated query at any time, silently
// dropping pending notifications.
type DB struct {
	Pool *pgxpool.Pool

	connString string
}

// Open connects to PostgreSQL, verifies the connection, and bootstraps
// the bookkeeping schema.
func Open(ctx context.Context, connString string) (*DB, error) {
	cfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("database: parse config: %w", err)
	}

	cfg.MaxConns = 20
	cfg.MinConns = 1
	cfg.MaxConnLifetime = 30 * time.Minute
	cfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("database: connect: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("database: ping: %w", err)
	}

	if _, err := pool.Exec(ctx, Schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("database: bootstrap schema: %w", err)
	}

	return &DB{Pool: pool, connString: connString}, nil
}

// Close shuts down the connection pool. Call this during graceful shutdown.
func (db *DB) Close() {
	db.Pool.Close()
}

// ListenConn opens a fresh, unpooled connection dedicated to LISTEN.
// The caller owns its lifecycle and must Close it when the listen loop
// exits.
func (db *DB) ListenConn(ctx context.Context) (*pgx.Conn, error) {
	conn, err := pgx.Connect(ctx, db.connString)
	if err != nil {
		return nil, fmt.Errorf("database: open listen connection: %w", err)
	}
	return conn, nil
}
