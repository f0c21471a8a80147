// Package transport provides the peer messaging layer of a swarm node.
// It carries three kinds of traffic between nodes: task commands
// (EXECUTE_TASK, GET_NODE_STATUS, GET_CAPABILITIES) and the DHT's record
// store and find requests.
//
// Thread Safety: Implementations of Transport must be safe for concurrent use
// by multiple goroutines.
package transport

import (
	"context"
	"errors"

	"github.com/salahayoub/swarm/pkg/types"
)

// Error variables for transport operations.
var (
	// ErrTransportClosed is returned when operations are attempted on a closed transport.
	ErrTransportClosed = errors.New("transport is closed")
	// ErrConnectionFailed is returned when a connection to a peer cannot be established.
	ErrConnectionFailed = errors.New("failed to connect to peer")
)

// Transport defines the interface for node-to-node communication.
// Implementations must be safe for concurrent use by multiple goroutines.
type Transport interface {
	// Consumer returns a channel for receiving incoming RPC requests.
	// The node reads from this channel and answers on each RPC's RespChan.
	Consumer() <-chan RPC

	// LocalAddr returns the address on which this transport listens.
	LocalAddr() string

	// SendCommand sends a command to the target node and waits for its response.
	SendCommand(ctx context.Context, target string, cmd *types.Command) (*types.Response, error)

	// StoreRecord asks the target node to keep a DHT record.
	StoreRecord(ctx context.Context, target string, rec types.Record) error

	// FindRecords asks the target node for the DHT records it holds under key.
	FindRecords(ctx context.Context, target, key string) ([]types.Record, error)

	// Connect establishes and pools a connection to the peer address.
	Connect(peerAddr string) error

	// Close shuts down the transport and releases all resources.
	Close() error
}

// RPC represents an incoming request with a channel for the response.
// Request is one of *types.Command, *StoreRequest or *FindRequest.
type RPC struct {
	Request  interface{}
	RespChan chan RPCResponse
}

// RPCResponse wraps the response and any error from processing an RPC request.
type RPCResponse struct {
	// Response is *types.Response for commands, *StoreResponse or *FindResponse for DHT traffic.
	Response interface{}

	// Error contains any error that occurred during processing
	Error error
}

// StoreRequest carries one DHT record to be kept by the receiver.
type StoreRequest struct {
	Record types.Record `json:"record"`
}

// StoreResponse acknowledges a StoreRequest.
type StoreResponse struct {
	Stored bool `json:"stored"`
}

// FindRequest asks for the records held under a key.
type FindRequest struct {
	Key string `json:"key"`
}

// FindResponse lists the records the receiver holds. An empty list is not an error.
type FindResponse struct {
	Records []types.Record `json:"records"`
}
