package storage

import (
	"context"
	"database/sql"
	"fmt"
)

// MigratePostgres applies schema migrations to the PostgreSQL database.
// Uses IF NOT EXISTS clauses to make migrations idempotent.
//
// Tables created:
// - dids: head CID of every chain, the compare-and-swap point for appends
// - operations: append-only history of accepted operations
//
// Operations are stored as TEXT, not JSONB, because JSONB does not keep the
// key order of verificationMethods and services.
func MigratePostgres(ctx context.Context, db *sql.DB) error {
	return migrate(ctx, db, []string{
		`CREATE TABLE IF NOT EXISTS dids (
            did TEXT PRIMARY KEY,           -- Decentralized Identifier, used verbatim
            head_cid TEXT NOT NULL          -- CID of the current tip
        )`,
		`CREATE TABLE IF NOT EXISTS operations (
            id BIGSERIAL PRIMARY KEY,       -- Append order
            did TEXT NOT NULL REFERENCES dids (did),
            cid TEXT NOT NULL,              -- CID of the signed operation
            operation TEXT NOT NULL,        -- Operation JSON in stored key order
            nullified BOOLEAN NOT NULL DEFAULT FALSE,
            created_at TEXT NOT NULL,       -- Fixed-width UTC timestamp
            UNIQUE (did, cid)
        )`,
		`CREATE INDEX IF NOT EXISTS idx_operations_did ON operations (did)`,
		`CREATE INDEX IF NOT EXISTS idx_operations_created_at ON operations (created_at)`,
	})
}

// MigrateSQLite applies the same schema using SQLite column types.
func MigrateSQLite(ctx context.Context, db *sql.DB) error {
	return migrate(ctx, db, []string{
		`CREATE TABLE IF NOT EXISTS dids (
            did TEXT PRIMARY KEY,
            head_cid TEXT NOT NULL
        )`,
		`CREATE TABLE IF NOT EXISTS operations (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            did TEXT NOT NULL REFERENCES dids (did),
            cid TEXT NOT NULL,
            operation TEXT NOT NULL,
            nullified BOOLEAN NOT NULL DEFAULT FALSE,
            created_at TEXT NOT NULL,
            UNIQUE (did, cid)
        )`,
		`CREATE INDEX IF NOT EXISTS idx_operations_did ON operations (did)`,
		`CREATE INDEX IF NOT EXISTS idx_operations_created_at ON operations (created_at)`,
	})
}

func migrate(ctx context.Context, db *sql.DB, migrations []string) error {
	// Apply each migration in sequence
	for i, migration := range migrations {
		if _, err := db.ExecContext(ctx, migration); err != nil {
			return fmt.Errorf("migration %d failed: %w", i, err)
		}
	}
	return nil
}
