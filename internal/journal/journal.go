// Package journal records emitted diagnostics batches in a bbolt database so
// that listeners joining late can fetch recent history.
//
// The journal is a listener-side log, not queue state: Open truncates any
// existing file so a restart begins with an empty history.
//
// Keys are batch ULIDs, which sort in emission order, so the newest entries
// are always at the end of the bucket.
package journal

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"go.etcd.io/bbolt"

	"github.com/snehjoshi/diagq/internal/types"
)

// DefaultRetain is the number of batches kept when Open is given retain <= 0.
const DefaultRetain = 1000

var bucketBatches = []byte("batches")

// ErrClosed is returned by operations on a closed Journal.
var ErrClosed = errors.New("journal: closed")

// Record is one journalled batch.
type Record struct {
	Kind  string      `json:"kind"`
	Batch types.Batch `json:"batch"`
}

// Journal is a bounded, bbolt-backed log of emitted batches.
type Journal struct {
	db     *bbolt.DB
	retain int
	log    *slog.Logger
}

// Open creates a fresh journal at path, discarding any previous contents.
func Open(path string, retain int) (*Journal, error) {
	if retain <= 0 {
		retain = DefaultRetain
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("journal: create dir: %w", err)
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("journal: truncate %s: %w", path, err)
	}

	db, err := bbolt.Open(path, 0o640, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("journal: open %s: %w", path, err)
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketBatches)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("journal: init bucket: %w", err)
	}

	return &Journal{db: db, retain: retain, log: slog.Default().With("component", "journal")}, nil
}

// Append stores batch under its ID and evicts the oldest records beyond the
// retention bound.
func (j *Journal) Append(kind string, batch types.Batch) error {
	if batch.ID == "" {
		return fmt.Errorf("journal: batch without ID")
	}
	val, err := json.Marshal(Record{Kind: kind, Batch: batch})
	if err != nil {
		return fmt.Errorf("journal: marshal batch %s: %w", batch.ID, err)
	}

	err = j.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketBatches)
		if err := b.Put([]byte(batch.ID), val); err != nil {
			return err
		}
		c := b.Cursor()
		excess := -j.retain
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			excess++
		}
		for k, _ := c.First(); k != nil && excess > 0; k, _ = c.First() {
			if err := c.Delete(); err != nil {
				return err
			}
			excess--
		}
		return nil
	})
	if errors.Is(err, bbolt.ErrDatabaseNotOpen) {
		return ErrClosed
	}
	return err
}

// Emit implements forwarder.Sink. Write failures are logged, never returned,
// because delivery is fire-and-forget.
func (j *Journal) Emit(kind string, payload types.Batch) {
	if err := j.Append(kind, payload); err != nil {
		j.log.Warn("journal append failed", "batch", payload.ID, "err", err)
	}
}

// Recent returns up to n records, newest first.
func (j *Journal) Recent(n int) ([]Record, error) {
	if n <= 0 {
		return []Record{}, nil
	}
	out := make([]Record, 0, n)
	err := j.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketBatches).Cursor()
		for k, v := c.Last(); k != nil && len(out) < n; k, v = c.Prev() {
			var r Record
			if err := json.Unmarshal(v, &r); err != nil {
				return fmt.Errorf("journal: decode %s: %w", k, err)
			}
			out = append(out, r)
		}
		return nil
	})
	if errors.Is(err, bbolt.ErrDatabaseNotOpen) {
		return nil, ErrClosed
	}
	return out, err
}

// Len returns the number of stored records.
func (j *Journal) Len() (int, error) {
	var n int
	err := j.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketBatches).Cursor()
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			n++
		}
		return nil
	})
	if errors.Is(err, bbolt.ErrDatabaseNotOpen) {
		return 0, ErrClosed
	}
	return n, err
}

// Close closes the underlying database.
func (j *Journal) Close() error {
	return j.db.Close()
}
