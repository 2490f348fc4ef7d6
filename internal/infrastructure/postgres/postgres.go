package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Connect opens a pgx pool and verifies the connection.
func Connect(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse dsn: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	return pool, nil
}

// Migrate applies the schema. Statements are idempotent and guarded by an
// advisory lock so several replicas can start at once.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	conn, err := pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("postgres: acquire conn: %w", err)
	}
	defer conn.Release()

	const advisoryLockID int64 = 730915524
	if _, err := conn.Exec(ctx, `SELECT pg_advisory_lock($1)`, advisoryLockID); err != nil {
		return fmt.Errorf("postgres: acquire migration lock: %w", err)
	}
	defer func() {
		_, _ = conn.Exec(context.Background(), `SELECT pg_advisory_unlock($1)`, advisoryLockID)
	}()

	for _, stmt := range schema {
		if _, err := conn.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres: migrate: %w", err)
		}
	}
	return nil
}

// Amounts are stored as BIGINT satoshis; decimal conversion happens at the
// repository boundary.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS users (
	id            TEXT PRIMARY KEY,
	username      TEXT NOT NULL,
	email         TEXT NOT NULL DEFAULT '',
	password_hash TEXT NOT NULL,
	active        BOOLEAN NOT NULL DEFAULT TRUE,
	created_at    TIMESTAMPTZ NOT NULL
)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS users_username_lower_idx ON users (LOWER(username))`,
	`CREATE UNIQUE INDEX IF NOT EXISTS users_email_lower_idx ON users (LOWER(email)) WHERE email <> ''`,
	`CREATE TABLE IF NOT EXISTS units (
	id           TEXT PRIMARY KEY,
	address      TEXT NOT NULL UNIQUE,
	location     TEXT NOT NULL,
	status       TEXT NOT NULL DEFAULT 'free',
	holder_id    TEXT,
	allocated_at TIMESTAMPTZ,
	expires_at   TIMESTAMPTZ
)`,
	`CREATE INDEX IF NOT EXISTS units_location_status_idx ON units (location, status)`,
	`CREATE INDEX IF NOT EXISTS units_expires_at_idx ON units (expires_at) WHERE status = 'allocated'`,
	`CREATE TABLE IF NOT EXISTS payments (
	id              TEXT PRIMARY KEY,
	user_id         TEXT NOT NULL,
	location        TEXT NOT NULL,
	unit_id         TEXT NOT NULL,
	address         TEXT NOT NULL,
	amount_sats     BIGINT NOT NULL,
	observed_sats   BIGINT NOT NULL DEFAULT 0,
	duration_months INT NOT NULL,
	status          TEXT NOT NULL DEFAULT 'pending',
	tx_hash         TEXT NOT NULL DEFAULT '',
	created_at      TIMESTAMPTZ NOT NULL,
	confirmed_at    TIMESTAMPTZ
)`,
	`CREATE INDEX IF NOT EXISTS payments_status_idx ON payments (status, created_at)`,
	`CREATE INDEX IF NOT EXISTS payments_user_idx ON payments (user_id, created_at)`,
}
