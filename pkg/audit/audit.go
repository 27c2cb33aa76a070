// Package audit records every directory mutation that passes through the
// gateway in an embedded bbolt database, so operators can answer "who
// changed what, when" without trawling server logs.
package audit

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/cuemby/burrow/pkg/log"
)

var bucketEntries = []byte("entries")

// Entry is one recorded mutation.
type Entry struct {
	Seq       uint64    `json:"seq"`
	Time      time.Time `json:"time"`
	Cluster   string    `json:"cluster"`
	DN        string    `json:"dn"`
	Operation string    `json:"operation"` // create, update, delete, group_add, group_remove
	Outcome   string    `json:"outcome"`   // success, or the error kind
	Detail    string    `json:"detail,omitempty"`
	RequestID string    `json:"request_id,omitempty"`
}

// Log is an append-only mutation trail backed by bbolt.
type Log struct {
	db *bolt.DB
}

// Open creates or opens the audit database.
func Open(path string) (*Log, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open audit database: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketEntries)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize audit database: %w", err)
	}
	return &Log{db: db}, nil
}

// Record appends one entry. The sequence number and timestamp are filled
// here; the request ID is taken from the context when not already set.
// Recording is best effort: a storage failure is logged, never returned,
// because an audit hiccup must not fail the mutation it describes.
func (l *Log) Record(ctx context.Context, e Entry) {
	if e.Time.IsZero() {
		e.Time = time.Now().UTC()
	}
	if e.RequestID == "" {
		e.RequestID = log.RequestIDFromContext(ctx)
	}

	err := l.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEntries)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		e.Seq = seq
		data, err := json.Marshal(e)
		if err != nil {
			return err
		}
		key := make([]byte, 8)
		binary.BigEndian.PutUint64(key, seq)
		return b.Put(key, data)
	})
	if err != nil {
		log.WithComponent("audit").Error().Err(err).Msg("Failed to record audit entry")
		return
	}

	evt := log.WithComponent("audit").Info()
	if e.Operation == "delete" {
		evt = log.WithComponent("audit").Warn()
	}
	evt.Str("cluster", e.Cluster).
		Str("dn", e.DN).
		Str("operation", e.Operation).
		Str("outcome", e.Outcome).
		Str("request_id", e.RequestID).
		Msg("Directory mutation")
}

// Recent returns up to limit entries, newest first.
func (l *Log) Recent(limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	out := make([]Entry, 0, limit)
	err := l.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketEntries).Cursor()
		for k, v := c.Last(); k != nil && len(out) < limit; k, v = c.Prev() {
			var e Entry
			if err := json.Unmarshal(v, &e); err != nil {
				continue
			}
			out = append(out, e)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read audit entries: %w", err)
	}
	return out, nil
}

// Close releases the database.
func (l *Log) Close() error {
	return l.db.Close()
}
