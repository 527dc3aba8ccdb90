// Package storage provides the operation log the directory appends to and
// resolves from, with in-memory, SQL (PostgreSQL, SQLite) and bbolt backends.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/RegistryAccord/registryaccord-plc-go/internal/model"
)

// Standard error values used across storage implementations
var (
	// ErrNotFound indicates the DID has no accepted operations.
	ErrNotFound = errors.New("not found")
	// ErrConflict indicates the log tip no longer matches the expected prev.
	ErrConflict = errors.New("conflict")
)

// queryTimeout bounds a single backend round trip.
const queryTimeout = 10 * time.Second

// timeLayout is fixed-width so stored timestamps compare correctly as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// OperationLog is an append-only log of operations keyed by DID.
// Implementations must be safe for concurrent use.
type OperationLog interface {
	// ReadTip returns the most recently accepted operation for did, or
	// ErrNotFound when the DID has none.
	ReadTip(ctx context.Context, did string) (model.Operation, error)
	// Append adds op to the log of did iff the CID of the current tip equals
	// expectedPrev ("" meaning the log must be empty). It returns the CID of
	// op, or ErrConflict when the tip moved.
	Append(ctx context.Context, did string, op model.Operation, expectedPrev string) (string, error)
}

// HistoryLog is an OperationLog that also keeps every accepted operation
// readable, which the audit and export views need.
type HistoryLog interface {
	OperationLog
	// ListOperations returns the log of did oldest first, or ErrNotFound.
	ListOperations(ctx context.Context, did string) ([]model.LogEntry, error)
	// Export returns up to count entries across all DIDs that sort after the
	// cursor, ordered by creation time and then by sequence.
	Export(ctx context.Context, after model.Cursor, count int) ([]model.LogEntry, error)
}

// Pinger is implemented by backends that can report their own readiness.
type Pinger interface {
	Ping(ctx context.Context) error
}

// decodeStored turns the stored JSON of an operation back into the model.
// Stored documents were written by this package so no schema check is run;
// key order of the map fields survives the round trip.
func decodeStored(data []byte) (model.Operation, error) {
	var op model.Operation
	if err := json.Unmarshal(data, &op); err != nil {
		return model.Operation{}, fmt.Errorf("unmarshal operation: %w", err)
	}
	op.Normalize()
	return op, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse created_at: %w", err)
	}
	return t, nil
}
