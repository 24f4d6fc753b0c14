package idempotency

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const schema = `
CREATE TABLE IF NOT EXISTS actions (
	action_id  TEXT PRIMARY KEY,
	tool       TEXT NOT NULL,
	status     TEXT NOT NULL,
	result     JSONB,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`

// PostgresStore persists action records in a Postgres table, shared by
// every agent instance pointed at the same database.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects, ensures the actions table exists, and
// returns the store.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	cfg.MaxConnLifetime = time.Hour
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensure actions table: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

// Put upserts one record. An action that progresses (pending approval,
// then executed) overwrites its earlier entry, so a later Get sees the
// final outcome.
func (p *PostgresStore) Put(ctx context.Context, rec Record) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	_, err := p.pool.Exec(ctx, `
		INSERT INTO actions (action_id, tool, status, result, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (action_id) DO UPDATE
		SET tool = EXCLUDED.tool, status = EXCLUDED.status,
		    result = EXCLUDED.result, created_at = EXCLUDED.created_at`,
		rec.ActionID, rec.Tool, rec.Status, rec.Result, rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("record action %s: %w", rec.ActionID, err)
	}
	return nil
}

// Get returns the record for an action id.
func (p *PostgresStore) Get(ctx context.Context, actionID string) (*Record, bool, error) {
	var rec Record
	err := p.pool.QueryRow(ctx, `
		SELECT action_id, tool, status, result, created_at
		FROM actions WHERE action_id = $1`, actionID).
		Scan(&rec.ActionID, &rec.Tool, &rec.Status, &rec.Result, &rec.CreatedAt)
	if err == pgx.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("load action %s: %w", actionID, err)
	}
	return &rec, true, nil
}

// Close releases the connection pool.
func (p *PostgresStore) Close() {
	p.pool.Close()
}
