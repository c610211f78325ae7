// Package bbolt adapts go.etcd.io/bbolt to the kvstore.Store port. bbolt's
// single-writer/many-reader B+tree with transaction-scoped cursors maps
// directly onto the ACID put/get/delete/scan/range_scan/sync contract
// SPEC_FULL §4.2 (C2) specifies; it is the most widely grounded embedded KV
// choice across the retrieval pack's manifests.
package bbolt

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/agenttrace/core/internal/domain"
	"github.com/agenttrace/core/internal/port/kvstore"
)

// rootBucket is the single bucket every key space lives under. Key spaces
// are distinguished by their literal ASCII prefix (e.g. "edge/", "payload/")
// per SPEC_FULL §4.2, not by separate bbolt buckets, so that a prefix Scan
// spanning a whole key space is a single cursor walk.
var rootBucket = []byte("kv")

// Store is a bbolt-backed kvstore.Store.
type Store struct {
	db   *bolt.DB
	path string
}

// Open opens (creating if absent) a bbolt database file at path, suitable
// for one per-project storage directory (C12 owns the path convention).
func Open(path string, timeout time.Duration) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("bbolt: create data dir: %w", err)
	}
	db, err := bolt.Open(path, 0o644, &bolt.Options{Timeout: timeout})
	if err != nil {
		return nil, fmt.Errorf("bbolt: open %s: %w", path, err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(rootBucket)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("bbolt: create root bucket: %w", err)
	}
	return &Store{db: db, path: path}, nil
}

func (s *Store) Put(_ context.Context, key, value []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(rootBucket).Put(key, value)
	})
}

func (s *Store) Get(_ context.Context, key []byte) ([]byte, bool, error) {
	var out []byte
	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(rootBucket).Get(key)
		if v != nil {
			out = append([]byte(nil), v...)
			found = true
		}
		return nil
	})
	return out, found, err
}

func (s *Store) Delete(_ context.Context, key []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(rootBucket).Delete(key)
	})
}

func (s *Store) Scan(_ context.Context, prefix []byte, fn func(kvstore.KV) bool) error {
	return s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(rootBucket).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			if !fn(kvstore.KV{Key: append([]byte(nil), k...), Value: append([]byte(nil), v...)}) {
				break
			}
		}
		return nil
	})
}

func (s *Store) RangeScan(_ context.Context, lo, hi []byte, fn func(kvstore.KV) bool) error {
	return s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(rootBucket).Cursor()
		for k, v := c.Seek(lo); k != nil && bytes.Compare(k, hi) < 0; k, v = c.Next() {
			if !fn(kvstore.KV{Key: append([]byte(nil), k...), Value: append([]byte(nil), v...)}) {
				break
			}
		}
		return nil
	})
}

func (s *Store) Tx(_ context.Context, fn func(kvstore.Writer) error) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return fn(&txWriter{bucket: tx.Bucket(rootBucket)})
	})
}

func (s *Store) Sync(_ context.Context) error {
	return s.db.Sync()
}

func (s *Store) HealthCheck(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("%w: bbolt store not open", domain.ErrIntegrity)
	}
	return s.db.View(func(tx *bolt.Tx) error {
		if tx.Bucket(rootBucket) == nil {
			return fmt.Errorf("%w: root bucket missing", domain.ErrIntegrity)
		}
		return nil
	})
}

func (s *Store) Stats(_ context.Context) (kvstore.Stats, error) {
	counts := make(map[string]uint64)
	var diskBytes int64
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(rootBucket).Cursor()
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			counts[keyspaceOf(k)]++
		}
		return nil
	})
	if err != nil {
		return kvstore.Stats{}, err
	}
	if fi, statErr := os.Stat(s.path); statErr == nil {
		diskBytes = fi.Size()
	}
	return kvstore.Stats{KeyCount: counts, DiskBytes: diskBytes}, nil
}

// keyspaceOf extracts the textual key-space prefix (the bytes before the
// first '/', e.g. "edge") used to bucket Stats' per-keyspace counts.
func keyspaceOf(key []byte) string {
	if i := bytes.IndexByte(key, '/'); i >= 0 {
		return string(key[:i])
	}
	return string(key)
}

func (s *Store) Close() error {
	return s.db.Close()
}

// txWriter adapts a bbolt bucket handle, valid only for the lifetime of a
// single Update transaction, to kvstore.Writer.
type txWriter struct {
	bucket *bolt.Bucket
}

func (w *txWriter) Put(key, value []byte) error { return w.bucket.Put(key, value) }
func (w *txWriter) Delete(key []byte) error     { return w.bucket.Delete(key) }

func (w *txWriter) Get(key []byte) ([]byte, bool, error) {
	v := w.bucket.Get(key)
	if v == nil {
		return nil, false, nil
	}
	return append([]byte(nil), v...), true, nil
}

func (w *txWriter) Scan(prefix []byte, fn func(kvstore.KV) bool) error {
	c := w.bucket.Cursor()
	for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
		if !fn(kvstore.KV{Key: append([]byte(nil), k...), Value: append([]byte(nil), v...)}) {
			break
		}
	}
	return nil
}
