// Package dht defines the record store the discovery engine publishes
// shard announcements into, and the backends that implement it.
//
// The DHT is best effort. Writes name a quorum of remote peers that must
// accept the record; when fewer do, PutRecord returns ErrQuorumFailed but
// the record is still served from the publisher's own store. Reads merge
// whatever records are reachable and never promise read-after-write.
package dht

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/salahayoub/swarm/pkg/types"
)

var (
	// ErrRecordNotFound is returned by GetRecords when no live record exists for a key.
	ErrRecordNotFound = errors.New("record not found")

	// ErrQuorumFailed is returned by PutRecord when fewer remote peers than
	// the requested quorum accepted the record. The record is still stored locally.
	ErrQuorumFailed = errors.New("quorum failed")

	// ErrClosed is returned by operations on a closed DHT.
	ErrClosed = errors.New("dht is closed")
)

// DHT is the key/value substrate used for shard discovery.
// Implementations must be safe for concurrent use by multiple goroutines.
type DHT interface {
	// PutRecord publishes rec and asks that at least quorum remote peers store it.
	PutRecord(ctx context.Context, rec types.Record, quorum int) error

	// GetRecords returns every live record stored under key, at most one per publisher.
	GetRecords(ctx context.Context, key string) ([]types.Record, error)

	// Close releases the backend's resources.
	Close() error
}

// ShardKey returns the record key of one shard's announcements.
// The cluster name appears twice: once as the namespace and once as the
// deployment, matching the layout peers already publish under.
func ShardKey(cluster string, shardID int) string {
	return fmt.Sprintf("/%s/%s/shard/%d", cluster, cluster, shardID)
}

// MetadataKey returns the record key of the cluster metadata.
func MetadataKey(cluster string) string {
	return fmt.Sprintf("/%s/%s/metadata", cluster, cluster)
}

// ParseShardKey extracts the cluster and shard id from a key produced by ShardKey.
func ParseShardKey(key string) (cluster string, shardID int, err error) {
	parts := strings.Split(strings.TrimPrefix(key, "/"), "/")
	if len(parts) != 4 || parts[2] != "shard" || parts[0] == "" || parts[0] != parts[1] {
		return "", 0, fmt.Errorf("not a shard key: %q", key)
	}
	id, err := strconv.Atoi(parts[3])
	if err != nil || id < 0 {
		return "", 0, fmt.Errorf("bad shard id in key %q", key)
	}
	return parts[0], id, nil
}

// mergeRecords keeps one record per publisher, preferring the one that
// expires last, and drops nothing else.
func mergeRecords(sets ...[]types.Record) []types.Record {
	byPublisher := make(map[string]types.Record)
	var order []string
	for _, set := range sets {
		for _, rec := range set {
			prev, ok := byPublisher[rec.Publisher]
			if !ok {
				order = append(order, rec.Publisher)
				byPublisher[rec.Publisher] = rec
				continue
			}
			if rec.Expires.After(prev.Expires) {
				byPublisher[rec.Publisher] = rec
			}
		}
	}
	out := make([]types.Record, 0, len(order))
	for _, p := range order {
		out = append(out, byPublisher[p])
	}
	return out
}
