// Package storage provides unit tests for the BoltStore implementation.
package storage

import (
	"errors"
	"testing"
	"time"

	"github.com/salahayoub/swarm/pkg/types"
)

func newTestStore(t *testing.T) *BoltStore {
	t.Helper()
	store, err := NewBoltStore(t.TempDir() + "/test.db")
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

// TestGetRecordsEmptyKey verifies that an unknown key reports ErrRecordNotFound.
func TestGetRecordsEmptyKey(t *testing.T) {
	store := newTestStore(t)

	_, err := store.GetRecords("/c/c/shard/0", time.Now())
	if !errors.Is(err, ErrRecordNotFound) {
		t.Fatalf("Expected ErrRecordNotFound, got %v", err)
	}
}

// TestPutRecordReplacesSamePublisher verifies one record per (key, publisher).
func TestPutRecordReplacesSamePublisher(t *testing.T) {
	store := newTestStore(t)
	now := time.Now()

	for _, v := range []string{"first", "second"} {
		rec := types.Record{Key: "/c/c/shard/1", Publisher: "peer-a", Value: []byte(v), Expires: now.Add(time.Minute)}
		if err := store.PutRecord(rec); err != nil {
			t.Fatalf("PutRecord failed: %v", err)
		}
	}
	if err := store.PutRecord(types.Record{Key: "/c/c/shard/1", Publisher: "peer-b", Value: []byte("other")}); err != nil {
		t.Fatalf("PutRecord failed: %v", err)
	}

	recs, err := store.GetRecords("/c/c/shard/1", now)
	if err != nil {
		t.Fatalf("GetRecords failed: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("Expected 2 records, got %d", len(recs))
	}
	if recs[0].Publisher != "peer-a" || string(recs[0].Value) != "second" {
		t.Errorf("Expected peer-a's latest value, got %s=%q", recs[0].Publisher, recs[0].Value)
	}
}

// TestGetRecordsDoesNotMatchLongerKeys verifies prefix scans stop at the key boundary.
func TestGetRecordsDoesNotMatchLongerKeys(t *testing.T) {
	store := newTestStore(t)

	store.PutRecord(types.Record{Key: "/c/c/shard/1", Publisher: "a", Value: []byte("1")})
	store.PutRecord(types.Record{Key: "/c/c/shard/10", Publisher: "a", Value: []byte("10")})

	recs, err := store.GetRecords("/c/c/shard/1", time.Now())
	if err != nil {
		t.Fatalf("GetRecords failed: %v", err)
	}
	if len(recs) != 1 || string(recs[0].Value) != "1" {
		t.Errorf("Expected only shard/1, got %+v", recs)
	}
}

// TestExpiredRecordsAreHiddenAndPurged verifies TTL handling.
func TestExpiredRecordsAreHiddenAndPurged(t *testing.T) {
	store := newTestStore(t)
	now := time.Now()

	store.PutRecord(types.Record{Key: "k", Publisher: "old", Expires: now.Add(-time.Second)})
	store.PutRecord(types.Record{Key: "k", Publisher: "new", Expires: now.Add(time.Hour)})

	recs, err := store.GetRecords("k", now)
	if err != nil {
		t.Fatalf("GetRecords failed: %v", err)
	}
	if len(recs) != 1 || recs[0].Publisher != "new" {
		t.Fatalf("Expected only the live record, got %+v", recs)
	}

	removed, err := store.DeleteExpired(now)
	if err != nil {
		t.Fatalf("DeleteExpired failed: %v", err)
	}
	if removed != 1 {
		t.Errorf("Expected 1 removed record, got %d", removed)
	}
}

// TestPutRecordRejectsIncompleteRecords verifies key and publisher are required.
func TestPutRecordRejectsIncompleteRecords(t *testing.T) {
	store := newTestStore(t)

	if err := store.PutRecord(types.Record{Key: "k"}); !errors.Is(err, ErrInvalidRecord) {
		t.Errorf("Expected ErrInvalidRecord, got %v", err)
	}
}

// TestKeysAreDistinct verifies Keys collapses multiple publishers.
func TestKeysAreDistinct(t *testing.T) {
	store := newTestStore(t)

	store.PutRecord(types.Record{Key: "a", Publisher: "p1"})
	store.PutRecord(types.Record{Key: "a", Publisher: "p2"})
	store.PutRecord(types.Record{Key: "b", Publisher: "p1"})

	keys, err := store.Keys()
	if err != nil {
		t.Fatalf("Keys failed: %v", err)
	}
	if len(keys) != 2 || keys[0] != "a" || keys[1] != "b" {
		t.Errorf("Expected [a b], got %v", keys)
	}
}

// TestGetReturnsErrForMissingKey verifies that Get reports missing stable keys.
func TestGetReturnsErrForMissingKey(t *testing.T) {
	store := newTestStore(t)

	if _, err := store.Get([]byte("nonexistent")); !errors.Is(err, ErrKeyNotFound) {
		t.Errorf("Expected ErrKeyNotFound, got %v", err)
	}
}

// TestGetOrSetStringPersists verifies the fallback runs only once across reopen.
func TestGetOrSetStringPersists(t *testing.T) {
	path := t.TempDir() + "/test.db"
	calls := 0
	gen := func() string { calls++; return "node-1" }

	store, err := NewBoltStore(path)
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	id, err := store.GetOrSetString([]byte("node_id"), gen)
	if err != nil || id != "node-1" {
		t.Fatalf("GetOrSetString = %q, %v", id, err)
	}
	store.Close()

	store, err = NewBoltStore(path)
	if err != nil {
		t.Fatalf("Failed to reopen store: %v", err)
	}
	defer store.Close()
	id, err = store.GetOrSetString([]byte("node_id"), gen)
	if err != nil || id != "node-1" {
		t.Fatalf("GetOrSetString after reopen = %q, %v", id, err)
	}
	if calls != 1 {
		t.Errorf("Expected fallback to run once, ran %d times", calls)
	}
}
