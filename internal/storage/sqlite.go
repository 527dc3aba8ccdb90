package storage

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// NewSQLite opens (creating if needed) a SQLite database file and applies
// the schema. SQLite allows one writer, so the pool is a single connection
// and lock waits are left to the busy timeout.
func NewSQLite(ctx context.Context, path string) (*SQLStore, error) {
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	s, err := openSQL(ctx, db, DialectSQLite)
	if err != nil {
		return nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		s.Close()
		return nil, fmt.Errorf("migrate sqlite: %w", err)
	}
	return s, nil
}
