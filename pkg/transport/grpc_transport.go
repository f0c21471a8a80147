package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/salahayoub/swarm/pkg/types"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	// defaultConsumerBufferSize is the default buffer size for the consumer channel.
	defaultConsumerBufferSize = 256
)

// GRPCTransport implements Transport using gRPC for network communication.
// It is safe for concurrent use by multiple goroutines.
type GRPCTransport struct {
	localAddr string
	consumer  chan RPC

	// Connection pool: map[peerAddr]*grpc.ClientConn
	connPool sync.Map

	server   *grpc.Server
	listener net.Listener

	// Shutdown coordination. shutdownMu guards sends on consumer against
	// Close closing it.
	shutdown   chan struct{}
	shutdownMu sync.RWMutex
	closeOnce  sync.Once
}

// NewGRPCTransport creates a new GRPCTransport that listens on the given address.
// It starts a gRPC server to handle incoming RPC requests.
func NewGRPCTransport(listenAddr string) (*GRPCTransport, error) {
	listener, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return nil, err
	}

	t := &GRPCTransport{
		localAddr: listener.Addr().String(),
		consumer:  make(chan RPC, defaultConsumerBufferSize),
		shutdown:  make(chan struct{}),
		listener:  listener,
	}

	t.server = grpc.NewServer()
	t.server.RegisterService(&peerServiceDesc, t)

	go func() {
		_ = t.server.Serve(listener)
	}()

	return t, nil
}

// Consumer returns a read-only channel for receiving incoming RPC requests.
func (t *GRPCTransport) Consumer() <-chan RPC {
	return t.consumer
}

// LocalAddr returns the address on which this transport listens.
func (t *GRPCTransport) LocalAddr() string {
	return t.localAddr
}

// SendCommand sends a command to the target node.
// A response with status "error" is returned as-is, not as a Go error.
func (t *GRPCTransport) SendCommand(ctx context.Context, target string, cmd *types.Command) (*types.Response, error) {
	resp := new(types.Response)
	if err := t.invoke(ctx, target, methodExecute, cmd, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// StoreRecord asks the target node to keep rec.
func (t *GRPCTransport) StoreRecord(ctx context.Context, target string, rec types.Record) error {
	resp := new(StoreResponse)
	if err := t.invoke(ctx, target, methodStore, &StoreRequest{Record: rec}, resp); err != nil {
		return err
	}
	if !resp.Stored {
		return fmt.Errorf("peer %s refused record %s", target, rec.Key)
	}
	return nil
}

// FindRecords asks the target node for its records under key.
func (t *GRPCTransport) FindRecords(ctx context.Context, target, key string) ([]types.Record, error) {
	resp := new(FindResponse)
	if err := t.invoke(ctx, target, methodFind, &FindRequest{Key: key}, resp); err != nil {
		return nil, err
	}
	return resp.Records, nil
}

// invoke encodes req, calls method on target and decodes the reply into out.
func (t *GRPCTransport) invoke(ctx context.Context, target, method string, req, out interface{}) error {
	conn, err := t.getOrCreateConn(target)
	if err != nil {
		return err
	}
	in, err := encodeStruct(req)
	if err != nil {
		return err
	}
	reply := new(structpb.Struct)
	if err := conn.Invoke(ctx, method, in, reply); err != nil {
		return err
	}
	return decodeStruct(reply, out)
}

// Connect establishes and pools a connection to the peer address.
// If a connection already exists for the peer, this is a no-op.
func (t *GRPCTransport) Connect(peerAddr string) error {
	_, err := t.getOrCreateConn(peerAddr)
	return err
}

// getOrCreateConn returns an existing connection from the pool or creates a new one.
// Uses LoadOrStore so concurrent dials to the same peer keep only one connection.
func (t *GRPCTransport) getOrCreateConn(peerAddr string) (*grpc.ClientConn, error) {
	select {
	case <-t.shutdown:
		return nil, ErrTransportClosed
	default:
	}

	if val, ok := t.connPool.Load(peerAddr); ok {
		return val.(*grpc.ClientConn), nil
	}

	conn, err := grpc.NewClient(peerAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrConnectionFailed, peerAddr, err)
	}

	actual, loaded := t.connPool.LoadOrStore(peerAddr, conn)
	if loaded {
		// Another goroutine stored a connection first, close ours and use theirs
		conn.Close()
		return actual.(*grpc.ClientConn), nil
	}

	return conn, nil
}

// Close shuts down the transport and releases all resources.
// It stops the gRPC server gracefully, closes all pooled connections,
// and closes the consumer channel. This method is safe to call multiple times.
func (t *GRPCTransport) Close() error {
	t.closeOnce.Do(func() {
		// Signal shutdown first so handlers blocked on the consumer return
		close(t.shutdown)

		// Stop gRPC server gracefully (this also closes the listener)
		if t.server != nil {
			t.server.GracefulStop()
		}

		t.connPool.Range(func(key, value interface{}) bool {
			if conn, ok := value.(*grpc.ClientConn); ok {
				conn.Close()
			}
			t.connPool.Delete(key)
			return true
		})

		t.shutdownMu.Lock()
		close(t.consumer)
		t.shutdownMu.Unlock()
	})
	return nil
}

// Compile-time check that GRPCTransport implements Transport interface.
var _ Transport = (*GRPCTransport)(nil)

// Execute handles incoming commands from peers.
func (t *GRPCTransport) Execute(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	cmd := new(types.Command)
	if err := decodeStruct(in, cmd); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	return t.deliver(ctx, cmd, func(v interface{}) bool {
		_, ok := v.(*types.Response)
		return ok
	})
}

// Store handles incoming DHT record stores from peers.
func (t *GRPCTransport) Store(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	req := new(StoreRequest)
	if err := decodeStruct(in, req); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	return t.deliver(ctx, req, func(v interface{}) bool {
		_, ok := v.(*StoreResponse)
		return ok
	})
}

// Find handles incoming DHT lookups from peers.
func (t *GRPCTransport) Find(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	req := new(FindRequest)
	if err := decodeStruct(in, req); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	return t.deliver(ctx, req, func(v interface{}) bool {
		_, ok := v.(*FindResponse)
		return ok
	})
}

// deliver wraps the request in an RPC, sends it to the consumer channel,
// then waits for the node to answer. expect checks the response type.
func (t *GRPCTransport) deliver(ctx context.Context, req interface{}, expect func(interface{}) bool) (*structpb.Struct, error) {
	respChan := make(chan RPCResponse, 1)
	rpc := RPC{
		Request:  req,
		RespChan: respChan,
	}

	if err := t.enqueue(ctx, rpc); err != nil {
		return nil, err
	}

	select {
	case resp := <-respChan:
		if resp.Error != nil {
			return nil, status.Error(codes.Internal, resp.Error.Error())
		}
		if !expect(resp.Response) {
			return nil, status.Errorf(codes.Internal, "unexpected response type: %T", resp.Response)
		}
		return encodeStruct(resp.Response)
	case <-t.shutdown:
		return nil, status.Error(codes.Unavailable, ErrTransportClosed.Error())
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (t *GRPCTransport) enqueue(ctx context.Context, rpc RPC) error {
	t.shutdownMu.RLock()
	defer t.shutdownMu.RUnlock()

	select {
	case <-t.shutdown:
		return status.Error(codes.Unavailable, ErrTransportClosed.Error())
	default:
	}

	select {
	case t.consumer <- rpc:
		return nil
	case <-t.shutdown:
		return status.Error(codes.Unavailable, ErrTransportClosed.Error())
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IsUnavailable reports whether err means the peer could not be reached
// or has shut down, as opposed to a request it rejected.
func IsUnavailable(err error) bool {
	if errors.Is(err, ErrTransportClosed) || errors.Is(err, ErrConnectionFailed) {
		return true
	}
	s, ok := status.FromError(err)
	return ok && (s.Code() == codes.Unavailable || s.Code() == codes.DeadlineExceeded)
}
