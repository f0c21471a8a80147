// Package types holds shared data structures used across swarm packages.
// Wire messages, announcements and status payloads live here so the
// HTTP server, the gRPC handlers and the TUI fetcher agree on one shape.
package types

// SwarmStatus is the readiness summary derived from the discovery tree.
type SwarmStatus struct {
	DiscoveredShards int   `json:"discovered_shards"`
	ExpectedShards   int   `json:"expected_shards"`
	MissingShards    []int `json:"missing_shards"`
	ShardsNotLoaded  []int `json:"shards_not_loaded"`
	IsComplete       bool  `json:"is_complete"`
	AllLoaded        bool  `json:"all_loaded"`
	SwarmReady       bool  `json:"swarm_ready"`
}

// ShardStatus is one shard's entry in a node status report.
type ShardStatus struct {
	ShardID     int    `json:"shard_id"`
	Discovered  bool   `json:"discovered"`
	ShardLoaded bool   `json:"shard_loaded"`
	PeerID      string `json:"peer_id,omitempty"`
	IsLocal     bool   `json:"is_local"`
	Replicas    int    `json:"replicas"`
}

// RequestCounters counts commands a node has handled.
type RequestCounters struct {
	Total      uint64 `json:"total"`
	Successful uint64 `json:"successful"`
	Failed     uint64 `json:"failed"`
	Active     int64  `json:"active"`
}

// PipelineStats summarizes the coordinator's request history.
type PipelineStats struct {
	TotalRequests      uint64  `json:"total_requests"`
	SuccessfulRequests uint64  `json:"successful_requests"`
	FailedRequests     uint64  `json:"failed_requests"`
	InFlight           int64   `json:"in_flight"`
	AverageLatencyMs   float64 `json:"average_latency_ms"`
}

// NodeStatusResponse is the GET_NODE_STATUS payload. The HTTP /status
// endpoint and the TUI fetcher use the same struct.
type NodeStatusResponse struct {
	NodeID           string                 `json:"node_id"`
	ClusterName      string                 `json:"cluster_name"`
	LocalShardID     int                    `json:"local_shard_id"`
	LocalShardLoaded bool                   `json:"local_shard_loaded"`
	SwarmReady       bool                   `json:"swarm_ready"`
	IsComplete       bool                   `json:"is_complete"`
	AllLoaded        bool                   `json:"all_loaded"`
	DiscoveredShards int                    `json:"discovered_shards"`
	ExpectedShards   int                    `json:"expected_shards"`
	MissingShards    []int                  `json:"missing_shards"`
	ShardStatuses    map[string]ShardStatus `json:"shard_statuses"`
	Requests         RequestCounters        `json:"requests"`
	Pipeline         PipelineStats          `json:"pipeline"`
}
