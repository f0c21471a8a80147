package types

import (
	"errors"
	"fmt"
	"time"
)

// DefaultReputation is the starting reputation of a node nobody has scored yet.
const DefaultReputation = 0.5

// Capabilities is a node resource snapshot plus its reputation.
type Capabilities struct {
	CPUCores          int     `json:"cpu_cores"`
	CPUUsage          float64 `json:"cpu_usage"`
	MemoryTotalMB     uint64  `json:"memory_total_mb"`
	MemoryAvailableMB uint64  `json:"memory_available_mb"`
	GPUAvailable      bool    `json:"gpu_available"`
	GPUMemoryMB       uint64  `json:"gpu_memory_mb"`
	ActiveRequests    int     `json:"active_requests"`
	MaxConcurrent     int     `json:"max_concurrent"`
	Reputation        float64 `json:"reputation"`
}

// HasCapacity reports whether the node can take another request.
// A zero MaxConcurrent means unlimited.
func (c Capabilities) HasCapacity() bool {
	return c.MaxConcurrent == 0 || c.ActiveRequests < c.MaxConcurrent
}

// ShardAnnouncement is the record one node publishes about one shard it hosts.
type ShardAnnouncement struct {
	ClusterName   string       `json:"cluster_name"`
	ModelName     string       `json:"model_name,omitempty"`
	ShardID       int          `json:"shard_id"`
	TotalShards   int          `json:"total_shards"`
	LayerStart    int          `json:"layer_start"`
	LayerEnd      int          `json:"layer_end"`
	TotalLayers   int          `json:"total_layers,omitempty"`
	HasEmbeddings bool         `json:"has_embeddings"`
	HasOutput     bool         `json:"has_output"`
	PeerID        string       `json:"peer_id"`
	Multiaddr     string       `json:"multiaddr,omitempty"`
	ShardLoaded   bool         `json:"shard_loaded"`
	Capabilities  Capabilities `json:"capabilities"`
	Timestamp     int64        `json:"timestamp"`
	Version       string       `json:"version,omitempty"`
}

// LayerRange returns the [start, end) layer bounds of shardID when totalLayers
// are spread over totalShards. The last shard absorbs the remainder.
func LayerRange(shardID, totalShards, totalLayers int) (start, end int) {
	if totalShards <= 0 {
		return 0, totalLayers
	}
	per := totalLayers / totalShards
	start = shardID * per
	end = start + per
	if shardID == totalShards-1 {
		end = totalLayers
	}
	return start, end
}

// NewShardAnnouncement builds an announcement with layer bounds and the
// embeddings/output flags derived from the shard position.
func NewShardAnnouncement(cluster string, shardID, totalShards, totalLayers int, peerID, addr string) ShardAnnouncement {
	start, end := LayerRange(shardID, totalShards, totalLayers)
	return ShardAnnouncement{
		ClusterName:   cluster,
		ShardID:       shardID,
		TotalShards:   totalShards,
		LayerStart:    start,
		LayerEnd:      end,
		TotalLayers:   totalLayers,
		HasEmbeddings: shardID == 0,
		HasOutput:     shardID == totalShards-1,
		PeerID:        peerID,
		Multiaddr:     addr,
		Capabilities:  Capabilities{Reputation: DefaultReputation},
		Timestamp:     time.Now().Unix(),
	}
}

// PublishedAt returns the announcement timestamp as a time.Time.
func (a ShardAnnouncement) PublishedAt() time.Time {
	return time.Unix(a.Timestamp, 0)
}

// IsStale reports whether the announcement has gone unrefreshed for longer than ttl.
func (a ShardAnnouncement) IsStale(now time.Time, ttl time.Duration) bool {
	return now.Sub(a.PublishedAt()) > ttl
}

// Validate checks the structural invariants of a single announcement.
func (a ShardAnnouncement) Validate() error {
	var errs []error
	if a.ShardID < 0 {
		errs = append(errs, fmt.Errorf("shard_id %d is negative", a.ShardID))
	}
	if a.TotalShards > 0 && a.ShardID >= a.TotalShards {
		errs = append(errs, fmt.Errorf("shard_id %d out of range for %d shards", a.ShardID, a.TotalShards))
	}
	if a.LayerStart >= a.LayerEnd {
		errs = append(errs, fmt.Errorf("empty layer range [%d,%d)", a.LayerStart, a.LayerEnd))
	}
	if a.PeerID == "" {
		errs = append(errs, errors.New("peer_id is required"))
	}
	return errors.Join(errs...)
}

// ClusterMetadata describes the model deployment as a whole.
type ClusterMetadata struct {
	ClusterName string `json:"cluster_name"`
	ModelName   string `json:"model_name"`
	TotalShards int    `json:"total_shards"`
	TotalLayers int    `json:"total_layers"`
	Version     string `json:"version,omitempty"`
	Timestamp   int64  `json:"timestamp"`
}
