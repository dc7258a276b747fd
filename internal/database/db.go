package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Connect opens a pool for connStr and pings it.
func Connect(ctx context.Context, connStr string) (*pgxpool.Pool, error) {
	config, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, fmt.Errorf("unable to parse pgx config: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("unable to create pgx pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("db ping error: %w", err)
	}
	return pool, nil
}

const schema = `
CREATE TABLE IF NOT EXISTS matches (
	id            TEXT PRIMARY KEY,
	lobby_id      TEXT NOT NULL,
	status        TEXT NOT NULL,
	winner_id     TEXT,
	winner_is_bot BOOLEAN NOT NULL DEFAULT FALSE,
	ended_reason  TEXT,
	started_at    TIMESTAMPTZ,
	ended_at      TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS match_participants (
	match_id       TEXT NOT NULL REFERENCES matches(id) ON DELETE CASCADE,
	participant_id TEXT NOT NULL,
	display_name   TEXT NOT NULL,
	is_bot         BOOLEAN NOT NULL,
	alive          BOOLEAN NOT NULL,
	flaps          INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (match_id, participant_id)
);

CREATE TABLE IF NOT EXISTS match_actions (
	id             BIGSERIAL PRIMARY KEY,
	lobby_id       TEXT NOT NULL,
	match_id       TEXT,
	action_index   INTEGER NOT NULL,
	actor_id       TEXT,
	action_type    TEXT NOT NULL,
	action_payload JSONB NOT NULL DEFAULT '{}'::jsonb,
	occurred_at    TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS match_actions_match_idx ON match_actions (match_id, action_index);
`

// EnsureSchema creates the tables used by the recorder and the historian.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}
