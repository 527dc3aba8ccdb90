package storage

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/RegistryAccord/registryaccord-plc-go/internal/model"
	"github.com/RegistryAccord/registryaccord-plc-go/internal/plc"
)

// Bucket layout:
//
//	heads:  did -> head CID
//	log:    seq -> boltRecord (global append order)
//	chains: did -> nested bucket of seq -> nil
var (
	bucketHeads  = []byte("heads")
	bucketLog    = []byte("log")
	bucketChains = []byte("chains")
)

type boltRecord struct {
	Seq       uint64          `json:"-"`
	DID       string          `json:"did"`
	CID       string          `json:"cid"`
	Operation json.RawMessage `json:"operation"`
	Nullified bool            `json:"nullified"`
	CreatedAt string          `json:"createdAt"`
}

// BoltStore is a HistoryLog in a single bbolt file. bbolt serializes write
// transactions, which makes the head check and the append atomic.
type BoltStore struct {
	db  *bolt.DB
	now func() time.Time
}

// NewBolt opens or creates the database file at path.
func NewBolt(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketHeads, bucketLog, bucketChains} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}
	return &BoltStore{db: db, now: time.Now}, nil
}

// Close closes the database file.
func (b *BoltStore) Close() error {
	return b.db.Close()
}

// Ping runs an empty read transaction.
func (b *BoltStore) Ping(ctx context.Context) error {
	return b.db.View(func(*bolt.Tx) error { return nil })
}

// ReadTip reads the last sequence number of the DID's chain.
func (b *BoltStore) ReadTip(ctx context.Context, did string) (model.Operation, error) {
	var raw []byte
	err := b.db.View(func(tx *bolt.Tx) error {
		chain := tx.Bucket(bucketChains).Bucket([]byte(did))
		if chain == nil {
			return ErrNotFound
		}
		seq, _ := chain.Cursor().Last()
		rec, err := readRecord(tx, seq)
		if err != nil {
			return err
		}
		raw = rec.Operation
		return nil
	})
	if err != nil {
		return model.Operation{}, err
	}
	return decodeStored(raw)
}

// Append checks the head and writes the record in one update transaction.
func (b *BoltStore) Append(ctx context.Context, did string, op model.Operation, expectedPrev string) (string, error) {
	cid, err := plc.CIDString(op)
	if err != nil {
		return "", err
	}
	raw, err := plc.EncodeOperation(op)
	if err != nil {
		return "", err
	}
	rec, err := json.Marshal(boltRecord{DID: did, CID: cid, Operation: raw, CreatedAt: formatTime(b.now())})
	if err != nil {
		return "", fmt.Errorf("marshal record: %w", err)
	}

	err = b.db.Update(func(tx *bolt.Tx) error {
		heads := tx.Bucket(bucketHeads)
		if head := heads.Get([]byte(did)); !bytes.Equal(head, []byte(expectedPrev)) {
			return ErrConflict
		}

		logBucket := tx.Bucket(bucketLog)
		n, err := logBucket.NextSequence()
		if err != nil {
			return err
		}
		seq := seqKey(n)
		if err := logBucket.Put(seq, rec); err != nil {
			return err
		}
		chain, err := tx.Bucket(bucketChains).CreateBucketIfNotExists([]byte(did))
		if err != nil {
			return err
		}
		if err := chain.Put(seq, nil); err != nil {
			return err
		}
		return heads.Put([]byte(did), []byte(cid))
	})
	if err != nil {
		return "", err
	}
	return cid, nil
}

// ListOperations follows the chain index of did.
func (b *BoltStore) ListOperations(ctx context.Context, did string) ([]model.LogEntry, error) {
	var records []boltRecord
	err := b.db.View(func(tx *bolt.Tx) error {
		chain := tx.Bucket(bucketChains).Bucket([]byte(did))
		if chain == nil {
			return ErrNotFound
		}
		return chain.ForEach(func(seq, _ []byte) error {
			rec, err := readRecord(tx, seq)
			if err != nil {
				return err
			}
			records = append(records, rec)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return toEntries(records)
}

// Export scans the global log. Sequence order is creation order, so the scan
// can start right after the cursor's sequence when it has one.
func (b *BoltStore) Export(ctx context.Context, after model.Cursor, count int) ([]model.LogEntry, error) {
	cutoff := formatTime(after.After)
	var records []boltRecord
	err := b.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketLog).Cursor()
		k, v := c.First()
		if after.Seq > 0 {
			k, v = c.Seek(seqKey(after.Seq + 1))
		}
		for ; k != nil && len(records) < count; k, v = c.Next() {
			var rec boltRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("unmarshal record: %w", err)
			}
			rec.Seq = binary.BigEndian.Uint64(k)
			if rec.CreatedAt > cutoff || (rec.CreatedAt == cutoff && after.Seq > 0) {
				records = append(records, rec)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return toEntries(records)
}

func readRecord(tx *bolt.Tx, seq []byte) (boltRecord, error) {
	var rec boltRecord
	v := tx.Bucket(bucketLog).Get(seq)
	if v == nil {
		return rec, fmt.Errorf("log record %x missing", seq)
	}
	if err := json.Unmarshal(v, &rec); err != nil {
		return rec, fmt.Errorf("unmarshal record: %w", err)
	}
	rec.Seq = binary.BigEndian.Uint64(seq)
	return rec, nil
}

func toEntries(records []boltRecord) ([]model.LogEntry, error) {
	entries := make([]model.LogEntry, 0, len(records))
	for _, rec := range records {
		op, err := decodeStored(rec.Operation)
		if err != nil {
			return nil, err
		}
		createdAt, err := parseTime(rec.CreatedAt)
		if err != nil {
			return nil, err
		}
		entries = append(entries, model.LogEntry{
			Seq:       rec.Seq,
			DID:       rec.DID,
			Operation: op,
			CID:       rec.CID,
			Nullified: rec.Nullified,
			CreatedAt: createdAt,
		})
	}
	return entries, nil
}

func seqKey(n uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, n)
	return key
}
