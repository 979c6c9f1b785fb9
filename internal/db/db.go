package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DefaultMaxConns bounds the pool when the caller passes zero
const DefaultMaxConns = 4

// Connect establishes a connection pool to the database and returns the pool
func Connect(ctx context.Context, dsn string, maxConns int32) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	if maxConns <= 0 {
		maxConns = DefaultMaxConns
	}
	cfg.MaxConns = maxConns
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	ctxPing, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(ctxPing); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

// Execer is the part of a pool EnsureSchema needs
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Schema is applied statement by statement; every statement is idempotent
var Schema = []string{
	`CREATE SCHEMA IF NOT EXISTS pushtrigger`,
	`CREATE TABLE IF NOT EXISTS pushtrigger.triggers (
		id             uuid PRIMARY KEY,
		received_at    timestamptz NOT NULL,
		event_type     text NOT NULL,
		branch         text NOT NULL,
		task           text NOT NULL,
		repository     text NOT NULL,
		author         text NOT NULL,
		commit_message text NOT NULL,
		effects        jsonb NOT NULL DEFAULT '{}'::jsonb
	)`,
	`CREATE INDEX IF NOT EXISTS triggers_received_at_idx ON pushtrigger.triggers (received_at DESC)`,
}

// EnsureSchema creates the trigger journal tables if they are missing
func EnsureSchema(ctx context.Context, db Execer) error {
	for i, stmt := range Schema {
		if _, err := db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("schema statement %d: %w", i+1, err)
		}
	}
	return nil
}
