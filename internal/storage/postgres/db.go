// Package postgres provides Postgres-backed persistence implementations.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string        `mapstructure:"dsn"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// DB is the subset of pgxpool.Pool the stores use. pgxmock pools satisfy it.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Connect opens a pool and verifies it with a ping.
func Connect(ctx context.Context, cfg Config) (*pgxpool.Pool, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return pool, nil
}

// schema is applied at start. Every statement is idempotent.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS drafts (
	id               TEXT PRIMARY KEY,
	owner_id         TEXT NOT NULL DEFAULT '',
	source_url       TEXT NOT NULL,
	source_platform  TEXT NOT NULL DEFAULT '',
	title            TEXT NOT NULL DEFAULT '',
	description      TEXT NOT NULL DEFAULT '',
	attributes       JSONB,
	images           JSONB,
	detail_html      TEXT NOT NULL DEFAULT '',
	shop_name        TEXT NOT NULL DEFAULT '',
	hint_category    TEXT NOT NULL DEFAULT '',
	price            DOUBLE PRECISION NOT NULL DEFAULT 0,
	stock            INTEGER NOT NULL DEFAULT 0,
	category         JSONB,
	vetted_images    JSONB,
	image_source     TEXT NOT NULL DEFAULT '',
	compliance_score DOUBLE PRECISION NOT NULL DEFAULT 0,
	listing_price    DOUBLE PRECISION NOT NULL DEFAULT 0,
	risk             JSONB,
	listing_id       TEXT NOT NULL DEFAULT '',
	status           TEXT NOT NULL,
	needs_action     JSONB,
	last_error       TEXT NOT NULL DEFAULT '',
	diagnostics      JSONB,
	created_at       TIMESTAMPTZ NOT NULL,
	updated_at       TIMESTAMPTZ NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS drafts_status_created_idx ON drafts (status, created_at)`,
	`CREATE TABLE IF NOT EXISTS moderation_tasks (
	draft_id     TEXT PRIMARY KEY,
	listing_id   TEXT NOT NULL DEFAULT '',
	submitted    JSONB NOT NULL,
	state        TEXT NOT NULL,
	polls        INTEGER NOT NULL DEFAULT 0,
	retries      INTEGER NOT NULL DEFAULT 0,
	reason       TEXT NOT NULL DEFAULT '',
	created_at   TIMESTAMPTZ NOT NULL,
	submitted_at TIMESTAMPTZ,
	updated_at   TIMESTAMPTZ NOT NULL
)`,
	`CREATE TABLE IF NOT EXISTS moderation_transitions (
	id         BIGSERIAL PRIMARY KEY,
	draft_id   TEXT NOT NULL,
	from_state TEXT NOT NULL,
	to_state   TEXT NOT NULL,
	reason     TEXT NOT NULL DEFAULT '',
	at         TIMESTAMPTZ NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS moderation_transitions_draft_idx ON moderation_transitions (draft_id, id)`,
	`CREATE TABLE IF NOT EXISTS provider_configs (
	id       TEXT PRIMARY KEY,
	name     TEXT NOT NULL DEFAULT '',
	family   TEXT NOT NULL,
	enabled  BOOLEAN NOT NULL DEFAULT TRUE,
	priority INTEGER NOT NULL DEFAULT 0,
	base_url TEXT NOT NULL DEFAULT '',
	api_keys JSONB NOT NULL DEFAULT '[]',
	model    TEXT NOT NULL DEFAULT ''
)`,
}

// Migrate applies the schema.
func Migrate(ctx context.Context, db DB) error {
	for i, stmt := range schema {
		if _, err := db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migrate step %d: %w", i+1, err)
		}
	}
	return nil
}

func notFound(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}
