package tui

import (
	"time"

	"github.com/salahayoub/swarm/pkg/pipeline"
	"github.com/salahayoub/swarm/pkg/types"
)

// PanelType identifies which panel has focus.
type PanelType int

const (
	PanelSwarm PanelType = iota
	PanelShards
	PanelPipeline
	PanelRequests
	PanelCommand
)

// String returns a human-readable representation of the PanelType.
func (p PanelType) String() string {
	switch p {
	case PanelSwarm:
		return "Swarm"
	case PanelShards:
		return "Shards"
	case PanelPipeline:
		return "Pipeline"
	case PanelRequests:
		return "Requests"
	case PanelCommand:
		return "Command"
	default:
		return "Unknown"
	}
}

// PanelCount is the total number of panels for navigation.
const PanelCount = 5

// maxRecentRequests bounds the requests panel.
const maxRecentRequests = 10

// Model holds the application state for the TUI.
type Model struct {
	// Nodes in the pool, in switching order, and the one being shown
	Nodes      []string
	ActiveNode string
	Health     map[string]*NodeHealth

	Status         *types.NodeStatusResponse
	RecentRequests []*pipeline.Request
	LastUpdated    time.Time

	ActivePanel   PanelType
	CommandInput  string
	CommandOutput string
	ErrorMessage  string

	Connected         bool
	ReconnectAttempts int
	LastReconnect     time.Time

	RefreshInterval time.Duration
}

// NewModel creates a Model over the given nodes with the first one active.
func NewModel(nodes []string) *Model {
	m := &Model{
		Nodes:           nodes,
		Health:          make(map[string]*NodeHealth),
		ActivePanel:     PanelSwarm,
		Connected:       true,
		RefreshInterval: time.Second,
	}
	if len(nodes) > 0 {
		m.ActiveNode = nodes[0]
	}
	return m
}

// NextPanel moves focus to the next panel in circular order.
// Order: Swarm → Shards → Pipeline → Requests → Command → Swarm
func (m *Model) NextPanel() {
	m.ActivePanel = PanelType((int(m.ActivePanel) + 1) % PanelCount)
}

// PrevPanel moves focus to the previous panel in circular order.
func (m *Model) PrevPanel() {
	m.ActivePanel = PanelType((int(m.ActivePanel) - 1 + PanelCount) % PanelCount)
}

// SetActiveNodeByNumber switches to the n-th node (1-based). It reports
// false when n is out of range or already active.
func (m *Model) SetActiveNodeByNumber(n int) bool {
	if n < 1 || n > len(m.Nodes) || m.Nodes[n-1] == m.ActiveNode {
		return false
	}
	m.ActiveNode = m.Nodes[n-1]
	m.Status = nil
	m.RecentRequests = nil
	m.ReconnectAttempts = 0
	return true
}

// SetRecentRequests keeps at most maxRecentRequests entries.
func (m *Model) SetRecentRequests(reqs []*pipeline.Request) {
	if len(reqs) > maxRecentRequests {
		reqs = reqs[:maxRecentRequests]
	}
	m.RecentRequests = reqs
}
