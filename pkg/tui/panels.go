package tui

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/salahayoub/swarm/pkg/pipeline"
	"github.com/salahayoub/swarm/pkg/types"
)

const noStatus = "No status available"

// SwarmPanel renders the node's readiness summary.
type SwarmPanel struct {
	bar *ProgressBar
}

// NewSwarmPanel creates a SwarmPanel.
func NewSwarmPanel() *SwarmPanel {
	return &SwarmPanel{bar: NewProgressBar(20)}
}

// Render outputs the swarm summary: identity, local shard and whether the
// pipeline can serve requests.
func (p *SwarmPanel) Render(st *types.NodeStatusResponse) string {
	if st == nil {
		return noStatus
	}

	var sb strings.Builder
	sb.WriteString("=== Swarm ===\n")
	sb.WriteString(fmt.Sprintf("Node: %s  Cluster: %s\n", st.NodeID, st.ClusterName))

	loaded := "loaded"
	if !st.LocalShardLoaded {
		loaded = "loading"
	}
	sb.WriteString(fmt.Sprintf("Local shard: %d (%s)\n", st.LocalShardID, loaded))

	if st.SwarmReady {
		sb.WriteString("Pipeline: READY\n")
	} else {
		sb.WriteString("Pipeline: NOT READY\n")
	}

	loadedCount := 0
	for _, s := range st.ShardStatuses {
		if s.Discovered && s.ShardLoaded {
			loadedCount++
		}
	}
	sb.WriteString(fmt.Sprintf("Discovered %s\n", p.bar.Render(st.DiscoveredShards, st.ExpectedShards)))
	sb.WriteString(fmt.Sprintf("Loaded     %s\n", p.bar.Render(loadedCount, st.ExpectedShards)))

	if len(st.MissingShards) > 0 {
		sb.WriteString(fmt.Sprintf("Missing shards: %s\n", joinInts(st.MissingShards)))
	}
	return sb.String()
}

// ShardsPanel renders one line per expected shard.
type ShardsPanel struct{}

// NewShardsPanel creates a ShardsPanel.
func NewShardsPanel() *ShardsPanel {
	return &ShardsPanel{}
}

// Render lists shards in pipeline order with their preferred peer.
func (p *ShardsPanel) Render(st *types.NodeStatusResponse) string {
	if st == nil {
		return noStatus
	}

	var sb strings.Builder
	sb.WriteString("=== Shards ===\n")
	if st.ExpectedShards == 0 {
		sb.WriteString("Pipeline length not known yet\n")
		return sb.String()
	}

	shards := make([]types.ShardStatus, 0, len(st.ShardStatuses))
	for _, s := range st.ShardStatuses {
		shards = append(shards, s)
	}
	sort.Slice(shards, func(i, j int) bool { return shards[i].ShardID < shards[j].ShardID })

	for _, s := range shards {
		if !s.Discovered {
			sb.WriteString(fmt.Sprintf("  shard %d: [MISSING]\n", s.ShardID))
			continue
		}
		line := fmt.Sprintf("  shard %d: %s replicas=%d", s.ShardID, s.PeerID, s.Replicas)
		if s.IsLocal {
			line += " (local)"
		}
		if !s.ShardLoaded {
			line += " [NOT LOADED]"
		}
		sb.WriteString(line + "\n")
	}
	return sb.String()
}

// PipelinePanel renders task and request counters.
type PipelinePanel struct{}

// NewPipelinePanel creates a PipelinePanel.
func NewPipelinePanel() *PipelinePanel {
	return &PipelinePanel{}
}

// Render shows the tasks this node executed and the requests it coordinated.
func (p *PipelinePanel) Render(st *types.NodeStatusResponse) string {
	if st == nil {
		return noStatus
	}

	r, ps := st.Requests, st.Pipeline
	var sb strings.Builder
	sb.WriteString("=== Pipeline ===\n")
	sb.WriteString(fmt.Sprintf("Tasks: total=%d ok=%d failed=%d active=%d\n", r.Total, r.Successful, r.Failed, r.Active))
	sb.WriteString(fmt.Sprintf("Requests: total=%d ok=%d failed=%d in-flight=%d\n",
		ps.TotalRequests, ps.SuccessfulRequests, ps.FailedRequests, ps.InFlight))
	sb.WriteString(fmt.Sprintf("Average latency: %.1fms\n", ps.AverageLatencyMs))
	return sb.String()
}

// RequestsPanel renders recently tracked pipeline requests.
type RequestsPanel struct{}

// NewRequestsPanel creates a RequestsPanel.
func NewRequestsPanel() *RequestsPanel {
	return &RequestsPanel{}
}

// Render lists requests newest first with their progress through the hops.
func (p *RequestsPanel) Render(reqs []*pipeline.Request) string {
	var sb strings.Builder
	sb.WriteString("=== Recent Requests ===\n")

	if len(reqs) == 0 {
		sb.WriteString("No requests\n")
		return sb.String()
	}

	for i, r := range reqs {
		if i == maxRecentRequests {
			break
		}
		id := r.ID
		if len(id) > 8 {
			id = id[:8]
		}
		line := fmt.Sprintf("  %s %-10s hop %d/%d", id, r.State, hopsDone(r), len(r.Hops))
		if r.Error != "" {
			line += " Error: " + r.Error
		}
		sb.WriteString(line + "\n")
	}
	return sb.String()
}

func hopsDone(r *pipeline.Request) int {
	if r.State == pipeline.Completed {
		return len(r.Hops)
	}
	return r.CurrentHop
}

// CommandPanel renders the command input and output area.
type CommandPanel struct{}

// NewCommandPanel creates a CommandPanel.
func NewCommandPanel() *CommandPanel {
	return &CommandPanel{}
}

// Render outputs the current input, output and any error message.
func (p *CommandPanel) Render(input, output, errorMsg string) string {
	var sb strings.Builder
	sb.WriteString("=== Command ===\n")
	sb.WriteString(fmt.Sprintf("> %s\n", input))

	if errorMsg != "" {
		sb.WriteString(fmt.Sprintf("Error: %s\n", errorMsg))
	}
	if output != "" {
		sb.WriteString(fmt.Sprintf("Output: %s\n", output))
	}
	return sb.String()
}

func joinInts(ids []int) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.Itoa(id)
	}
	return strings.Join(parts, ", ")
}
