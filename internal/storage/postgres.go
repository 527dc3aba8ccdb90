package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // PostgreSQL driver

	"github.com/RegistryAccord/registryaccord-plc-go/internal/model"
	"github.com/RegistryAccord/registryaccord-plc-go/internal/plc"
)

// Dialect selects placeholder style and schema for a SQL backend.
type Dialect string

// Supported SQL dialects
const (
	DialectPostgres Dialect = "postgres" // $n placeholders
	DialectSQLite   Dialect = "sqlite"   // ? placeholders
)

// SQLStore is a HistoryLog over database/sql. The dids table holds the head
// CID of each chain and is the compare-and-swap point for appends; the
// operations table keeps the full history.
type SQLStore struct {
	db      *sql.DB          // Database connection pool
	dialect Dialect          // Placeholder style and schema
	now     func() time.Time // Clock for created_at
}

// NewPostgres creates a store backed by PostgreSQL with connection pooling.
// Tests the database connection before returning the store.
//
// Connection pool configuration:
// - Max 25 open connections to prevent overwhelming the database
// - Max 5 idle connections to maintain a warm pool
// - 5-minute lifetime and idle time to prevent stale connections
func NewPostgres(ctx context.Context, dsn string) (*SQLStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(25)                 // Maximum number of open connections
	db.SetMaxIdleConns(5)                  // Maximum number of idle connections
	db.SetConnMaxLifetime(5 * time.Minute) // Maximum lifetime of a connection
	db.SetConnMaxIdleTime(5 * time.Minute) // Maximum idle time of a connection

	return openSQL(ctx, db, DialectPostgres)
}

// openSQL tests the connection and wraps db in a store.
func openSQL(ctx context.Context, db *sql.DB, dialect Dialect) (*SQLStore, error) {
	// Test the connection
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	return &SQLStore{db: db, dialect: dialect, now: time.Now}, nil
}

// DB returns the underlying *sql.DB connection pool.
// This method is primarily used by migration functions that need direct database access.
func (s *SQLStore) DB() *sql.DB {
	return s.db
}

// Migrate applies the schema for the store's dialect.
func (s *SQLStore) Migrate(ctx context.Context) error {
	if s.dialect == DialectSQLite {
		return MigrateSQLite(ctx, s.db)
	}
	return MigratePostgres(ctx, s.db)
}

// Ping checks the connection.
func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close releases the connection pool.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// rebind rewrites ? placeholders to $n for PostgreSQL.
func (s *SQLStore) rebind(q string) string {
	if s.dialect != DialectPostgres {
		return q
	}
	var b strings.Builder
	n := 0
	for _, r := range q {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// ReadTip joins the head pointer to its operation.
func (s *SQLStore) ReadTip(ctx context.Context, did string) (model.Operation, error) {
	// Set a reasonable timeout for database operations
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	q := s.rebind(`SELECT o.operation FROM dids d
		JOIN operations o ON o.did = d.did AND o.cid = d.head_cid
		WHERE d.did = ?`)
	var raw []byte
	err := s.db.QueryRowContext(ctx, q, did).Scan(&raw)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Operation{}, ErrNotFound
		}
		return model.Operation{}, fmt.Errorf("query tip: %w", err)
	}
	return decodeStored(raw)
}

// Append moves the head of did from expectedPrev to the CID of op and
// records op, in one transaction. A genesis append inserts the head row;
// either statement touching no row means another writer got there first.
func (s *SQLStore) Append(ctx context.Context, did string, op model.Operation, expectedPrev string) (string, error) {
	cid, err := plc.CIDString(op)
	if err != nil {
		return "", err
	}
	raw, err := plc.EncodeOperation(op)
	if err != nil {
		return "", err
	}

	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin append: %w", err)
	}
	// Rollback is a no-op once the transaction commits
	defer tx.Rollback()

	// Move the head first; this is the compare-and-swap

	var res sql.Result
	if expectedPrev == "" {
		res, err = tx.ExecContext(ctx, s.rebind(`INSERT INTO dids (did, head_cid) VALUES (?, ?) ON CONFLICT (did) DO NOTHING`), did, cid)
	} else {
		res, err = tx.ExecContext(ctx, s.rebind(`UPDATE dids SET head_cid = ? WHERE did = ? AND head_cid = ?`), cid, did, expectedPrev)
	}
	if err != nil {
		return "", fmt.Errorf("move head: %w", err)
	}
	if rows, err := res.RowsAffected(); err != nil {
		return "", fmt.Errorf("move head: %w", err)
	} else if rows == 0 {
		return "", ErrConflict
	}

	// Record the operation in the same transaction as the head move
	const insert = `INSERT INTO operations (did, cid, operation, nullified, created_at) VALUES (?, ?, ?, ?, ?)`
	if _, err := tx.ExecContext(ctx, s.rebind(insert), did, cid, string(raw), false, formatTime(s.now())); err != nil {
		return "", fmt.Errorf("insert operation: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit append: %w", err)
	}
	return cid, nil
}

// ListOperations returns the log of did in append order.
func (s *SQLStore) ListOperations(ctx context.Context, did string) ([]model.LogEntry, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	const q = `SELECT id, did, cid, operation, nullified, created_at FROM operations WHERE did = ? ORDER BY id ASC`
	entries, err := s.queryEntries(ctx, s.rebind(q), did)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, ErrNotFound
	}
	return entries, nil
}

// Export pages through all operations by creation time, breaking ties on id
// so entries sharing a timestamp are never split across pages and lost.
func (s *SQLStore) Export(ctx context.Context, after model.Cursor, count int) ([]model.LogEntry, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	cutoff := formatTime(after.After)
	// Without a sequence the whole cutoff timestamp counts as seen
	if after.Seq == 0 {
		const q = `SELECT id, did, cid, operation, nullified, created_at FROM operations
			WHERE created_at > ? ORDER BY created_at ASC, id ASC LIMIT ?`
		return s.queryEntries(ctx, s.rebind(q), cutoff, count)
	}
	const q = `SELECT id, did, cid, operation, nullified, created_at FROM operations
		WHERE created_at > ? OR (created_at = ? AND id > ?) ORDER BY created_at ASC, id ASC LIMIT ?`
	return s.queryEntries(ctx, s.rebind(q), cutoff, cutoff, int64(after.Seq), count)
}

// queryEntries runs q and scans every row into a log entry. Columns must be
// id, did, cid, operation, nullified, created_at in that order.
func (s *SQLStore) queryEntries(ctx context.Context, q string, args ...any) ([]model.LogEntry, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query operations: %w", err)
	}
	defer rows.Close()

	var entries []model.LogEntry
	for rows.Next() {
		var (
			entry     model.LogEntry
			raw       []byte
			createdAt string
		)
		if err := rows.Scan(&entry.Seq, &entry.DID, &entry.CID, &raw, &entry.Nullified, &createdAt); err != nil {
			return nil, fmt.Errorf("scan operation: %w", err)
		}
		if entry.Operation, err = decodeStored(raw); err != nil {
			return nil, err
		}
		if entry.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate operations: %w", err)
	}
	return entries, nil
}
