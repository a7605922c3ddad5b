package persistence

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
)

type dialect int

const (
	dialectSQLite dialect = iota
	dialectPostgres
)

func dialectOf(db *sqlx.DB) dialect {
	switch db.DriverName() {
	case "pgx", "postgres":
		return dialectPostgres
	default:
		return dialectSQLite
	}
}

var schemas = map[dialect][]string{
	dialectPostgres: {
		`CREATE TABLE IF NOT EXISTS reply_ledger (
			thread_id    TEXT PRIMARY KEY,
			message_id   TEXT NOT NULL DEFAULT '',
			status       TEXT NOT NULL,
			claimed_at   TIMESTAMPTZ NOT NULL,
			completed_at TIMESTAMPTZ NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_reply_ledger_completed ON reply_ledger (completed_at) WHERE status <> 'claimed'`,
		`CREATE TABLE IF NOT EXISTS oauth_token (
			id            TEXT PRIMARY KEY,
			access_token  TEXT NOT NULL DEFAULT '',
			refresh_token TEXT NOT NULL DEFAULT '',
			token_type    TEXT NOT NULL DEFAULT '',
			expiry        TIMESTAMPTZ NULL,
			updated_at    TIMESTAMPTZ NOT NULL
		)`,
	},
	dialectSQLite: {
		`CREATE TABLE IF NOT EXISTS reply_ledger (
			thread_id    TEXT PRIMARY KEY,
			message_id   TEXT NOT NULL DEFAULT '',
			status       TEXT NOT NULL,
			claimed_at   TIMESTAMP NOT NULL,
			completed_at TIMESTAMP NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_reply_ledger_completed ON reply_ledger (completed_at)`,
		`CREATE TABLE IF NOT EXISTS oauth_token (
			id            TEXT PRIMARY KEY,
			access_token  TEXT NOT NULL DEFAULT '',
			refresh_token TEXT NOT NULL DEFAULT '',
			token_type    TEXT NOT NULL DEFAULT '',
			expiry        TIMESTAMP NULL,
			updated_at    TIMESTAMP NOT NULL
		)`,
	},
}

// Migrate creates the ledger and token tables if they do not exist.
func Migrate(ctx context.Context, db *sqlx.DB) error {
	for i, stmt := range schemas[dialectOf(db)] {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("applying schema statement %d: %w", i+1, err)
		}
	}
	return nil
}
