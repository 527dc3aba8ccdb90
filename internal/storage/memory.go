package storage

import (
	"context"
	"sync"
	"time"

	"github.com/RegistryAccord/registryaccord-plc-go/internal/model"
	"github.com/RegistryAccord/registryaccord-plc-go/internal/plc"
)

// memoryEntry keeps the encoded operation so callers never share the
// ordered maps of a stored operation.
type memoryEntry struct {
	did       string
	cid       string
	raw       []byte
	createdAt time.Time
}

// Memory is a concurrency-safe in-memory HistoryLog.
// Useful for tests, demos, or as a default ephemeral backend.
type Memory struct {
	mu    sync.RWMutex
	byDID map[string][]int
	log   []memoryEntry
	now   func() time.Time
}

// NewMemory returns an empty in-memory log.
func NewMemory() *Memory {
	return &Memory{byDID: make(map[string][]int), now: time.Now}
}

// ReadTip returns the last operation appended for did.
func (m *Memory) ReadTip(ctx context.Context, did string) (model.Operation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	idx, ok := m.byDID[did]
	if !ok {
		return model.Operation{}, ErrNotFound
	}
	return decodeStored(m.log[idx[len(idx)-1]].raw)
}

// Append stores op when the current tip CID equals expectedPrev.
func (m *Memory) Append(ctx context.Context, did string, op model.Operation, expectedPrev string) (string, error) {
	cid, err := plc.CIDString(op)
	if err != nil {
		return "", err
	}
	raw, err := plc.EncodeOperation(op)
	if err != nil {
		return "", err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	head := ""
	if idx, ok := m.byDID[did]; ok {
		head = m.log[idx[len(idx)-1]].cid
	}
	if head != expectedPrev {
		return "", ErrConflict
	}
	m.log = append(m.log, memoryEntry{did: did, cid: cid, raw: raw, createdAt: m.now().UTC()})
	m.byDID[did] = append(m.byDID[did], len(m.log)-1)
	return cid, nil
}

// ListOperations returns every operation of did, oldest first.
func (m *Memory) ListOperations(ctx context.Context, did string) ([]model.LogEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	idx, ok := m.byDID[did]
	if !ok {
		return nil, ErrNotFound
	}
	entries := make([]model.LogEntry, 0, len(idx))
	for _, i := range idx {
		entry, err := m.log[i].logEntry(i)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// Export walks the global log in append order. Sequence numbers start at 1.
func (m *Memory) Export(ctx context.Context, after model.Cursor, count int) ([]model.LogEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var entries []model.LogEntry
	for i, e := range m.log {
		if len(entries) >= count {
			break
		}
		if after.Covers(model.LogEntry{Seq: uint64(i + 1), CreatedAt: e.createdAt}) {
			continue
		}
		entry, err := e.logEntry(i)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// logEntry decodes the entry stored at index i of the global log.
func (e memoryEntry) logEntry(i int) (model.LogEntry, error) {
	op, err := decodeStored(e.raw)
	if err != nil {
		return model.LogEntry{}, err
	}
	return model.LogEntry{Seq: uint64(i + 1), DID: e.did, Operation: op, CID: e.cid, CreatedAt: e.createdAt}, nil
}
