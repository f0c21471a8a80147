// Package tui provides the terminal dashboard for watching a swarm through
// one or more of its nodes.
package tui

import (
	"github.com/salahayoub/swarm/pkg/pipeline"
	"github.com/salahayoub/swarm/pkg/types"
)

// DataFetcher retrieves one node's view of the swarm.
// Abstracted as an interface so the app can be tested with a mock.
type DataFetcher interface {
	// FetchStatus retrieves the node's status report.
	FetchStatus() (*types.NodeStatusResponse, error)

	// FetchRecentRequests retrieves up to count tracked pipeline requests,
	// newest first.
	FetchRecentRequests(count int) ([]*pipeline.Request, error)

	// ExecuteInfer submits a prompt to the node's pipeline coordinator.
	ExecuteInfer(prompt string) (*pipeline.Result, error)

	// IsConnected returns whether the last call reached the node.
	IsConnected() bool

	// Reconnect attempts to reach the node again.
	Reconnect() error
}
