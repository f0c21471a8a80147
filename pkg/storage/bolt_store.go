// Package storage provides the persistent record store that backs a node's
// share of the DHT, plus a small stable bucket for node identity.
//
// # Thread Safety Guarantees
//
// BoltStore is safe for concurrent use by multiple goroutines. This safety is provided
// by BoltDB's transaction model:
//
//   - BoltDB allows multiple concurrent read transactions (View)
//   - BoltDB allows only one write transaction (Update) at a time
//   - Read transactions see a consistent snapshot of the database
//
// This means:
//   - Multiple goroutines can safely call GetRecords, Keys and Get concurrently
//   - Multiple goroutines can safely call PutRecord, DeleteExpired and Set concurrently
//     (BoltDB will serialize the writes internally)
//
// The BoltStore implementation does not add any additional locking beyond what BoltDB provides.
//
// References:
//   - BoltDB documentation: https://github.com/etcd-io/bbolt#transactions
package storage

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/salahayoub/swarm/pkg/types"
	"go.etcd.io/bbolt"
)

// Bucket names for BoltDB storage
var (
	recordsBucket = []byte("records")
	stableBucket  = []byte("stable")
)

// keySeparator splits a DHT key from the publisher inside a bolt key.
// DHT keys are paths and never contain a NUL byte.
const keySeparator = 0x00

// Error types
var (
	ErrKeyNotFound    = errors.New("key not found")
	ErrInvalidRecord  = errors.New("record needs a key and a publisher")
	ErrRecordNotFound = errors.New("record not found")
)

// BoltStore keeps DHT records on disk using BoltDB.
// Records are stored under "<key>\x00<publisher>", so all records of one
// key sit next to each other and a prefix scan returns them.
type BoltStore struct {
	db   *bbolt.DB
	path string
}

// NewBoltStore creates a new BoltStore at the specified path.
// It opens or creates the database file and initializes the required buckets.
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bolt database: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(recordsBucket); err != nil {
			return fmt.Errorf("failed to create records bucket: %w", err)
		}
		if _, err := tx.CreateBucketIfNotExists(stableBucket); err != nil {
			return fmt.Errorf("failed to create stable bucket: %w", err)
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db, path: path}, nil
}

// Close releases all database resources.
func (b *BoltStore) Close() error {
	return b.db.Close()
}

// Path returns the database file location.
func (b *BoltStore) Path() string {
	return b.path
}

func recordKey(key, publisher string) []byte {
	buf := make([]byte, 0, len(key)+1+len(publisher))
	buf = append(buf, key...)
	buf = append(buf, keySeparator)
	return append(buf, publisher...)
}

func keyPrefix(key string) []byte {
	buf := make([]byte, 0, len(key)+1)
	buf = append(buf, key...)
	return append(buf, keySeparator)
}

// ============================================================================
// Record storage
// ============================================================================

// PutRecord stores rec, replacing any record the same publisher stored
// under the same key.
func (b *BoltStore) PutRecord(rec types.Record) error {
	if rec.Key == "" || rec.Publisher == "" {
		return ErrInvalidRecord
	}
	val, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to serialize record: %w", err)
	}

	return b.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.Bucket(recordsBucket).Put(recordKey(rec.Key, rec.Publisher), val); err != nil {
			return fmt.Errorf("failed to store record: %w", err)
		}
		return nil
	})
}

// GetRecords returns every unexpired record stored under key.
// Returns ErrRecordNotFound when there are none.
func (b *BoltStore) GetRecords(key string, now time.Time) ([]types.Record, error) {
	prefix := keyPrefix(key)
	var out []types.Record

	err := b.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(recordsBucket).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var rec types.Record
			// json.Unmarshal copies, so nothing escapes the transaction
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("failed to deserialize record %q: %w", k, err)
			}
			if rec.Expired(now) {
				continue
			}
			out = append(out, rec)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, ErrRecordNotFound
	}
	return out, nil
}

// DeleteExpired removes all records whose TTL passed before now and
// returns how many were removed.
func (b *BoltStore) DeleteExpired(now time.Time) (int, error) {
	removed := 0
	err := b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(recordsBucket)
		var expired [][]byte
		err := bucket.ForEach(func(k, v []byte) error {
			var rec types.Record
			if err := json.Unmarshal(v, &rec); err != nil || rec.Expired(now) {
				// Keys are only valid inside the transaction
				expired = append(expired, append([]byte(nil), k...))
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range expired {
			if err := bucket.Delete(k); err != nil {
				return fmt.Errorf("failed to delete record %q: %w", k, err)
			}
		}
		removed = len(expired)
		return nil
	})
	return removed, err
}

// Keys returns the distinct DHT keys currently held, in byte order.
func (b *BoltStore) Keys() ([]string, error) {
	var keys []string
	err := b.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(recordsBucket).ForEach(func(k, _ []byte) error {
			idx := bytes.IndexByte(k, keySeparator)
			if idx < 0 {
				return nil
			}
			key := string(k[:idx])
			if n := len(keys); n == 0 || keys[n-1] != key {
				keys = append(keys, key)
			}
			return nil
		})
	})
	return keys, err
}

// ============================================================================
// Stable storage
// ============================================================================

// Set stores a key-value pair in the stable bucket.
func (b *BoltStore) Set(key []byte, val []byte) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.Bucket(stableBucket).Put(key, val); err != nil {
			return fmt.Errorf("failed to set key: %w", err)
		}
		return nil
	})
}

// Get retrieves a value by key from the stable bucket.
// Returns ErrKeyNotFound if the key does not exist.
func (b *BoltStore) Get(key []byte) ([]byte, error) {
	var val []byte
	err := b.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(stableBucket).Get(key)
		if v == nil {
			return ErrKeyNotFound
		}
		// Make a copy since BoltDB values are only valid within the transaction
		val = make([]byte, len(v))
		copy(val, v)
		return nil
	})
	return val, err
}

// GetOrSetString returns the string stored under key, storing and
// returning fallback() first if the key is absent. Used to keep a node's
// peer identity stable across restarts.
func (b *BoltStore) GetOrSetString(key []byte, fallback func() string) (string, error) {
	val, err := b.Get(key)
	if err == nil {
		return string(val), nil
	}
	if !errors.Is(err, ErrKeyNotFound) {
		return "", err
	}
	s := fallback()
	if err := b.Set(key, []byte(s)); err != nil {
		return "", err
	}
	return s, nil
}
