package node

import (
	"context"
	"errors"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/salahayoub/swarm/pkg/dht"
	"github.com/salahayoub/swarm/pkg/discovery"
	"github.com/salahayoub/swarm/pkg/scorer"
	"github.com/salahayoub/swarm/pkg/transport"
	"github.com/salahayoub/swarm/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTransport struct {
	consumer chan transport.RPC

	mu   sync.Mutex
	sent []string
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{consumer: make(chan transport.RPC, 8)}
}

func (f *fakeTransport) Consumer() <-chan transport.RPC { return f.consumer }

func (f *fakeTransport) SendCommand(_ context.Context, target string, cmd *types.Command) (*types.Response, error) {
	f.mu.Lock()
	f.sent = append(f.sent, target)
	f.mu.Unlock()
	return types.NewSuccessResponse(cmd, "remote", types.TaskResult{Output: "remote"})
}

func (f *fakeTransport) targets() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

// findOnly claims record lookups and nothing else.
type findOnly struct {
	mu   sync.Mutex
	keys []string
}

func (h *findOnly) HandleRPC(rpc transport.RPC) bool {
	req, ok := rpc.Request.(*transport.FindRequest)
	if !ok {
		return false
	}
	h.mu.Lock()
	h.keys = append(h.keys, req.Key)
	h.mu.Unlock()
	rpc.RespChan <- transport.RPCResponse{Response: &transport.FindResponse{}}
	return true
}

// blockingExecutor holds every task until release is closed.
type blockingExecutor struct {
	release chan struct{}
}

func (b blockingExecutor) Execute(ctx context.Context, task types.Task) (types.TaskResult, error) {
	select {
	case <-b.release:
	case <-ctx.Done():
		return types.TaskResult{}, ctx.Err()
	}
	return EchoExecutor{}.Execute(ctx, task)
}

type testNode struct {
	*Node
	tr  *fakeTransport
	rep *scorer.ReputationTracker
}

func newTestNode(t *testing.T, net *dht.MemoryNetwork, id string, shard int, caps types.Capabilities, exec Executor) testNode {
	t.Helper()
	engine, err := discovery.NewEngine(discovery.Config{
		ClusterName:    "demo",
		PeerID:         id,
		Addr:           id + ":7000",
		ExpectedShards: 2,
		TotalLayers:    32,
	}, net.Join(id), nil)
	require.NoError(t, err)

	tr := newFakeTransport()
	rep := scorer.NewReputationTracker(scorer.DefaultBlend)
	n, err := New(Config{NodeID: id, ShardID: shard, Capabilities: caps}, Deps{
		Transport:  tr,
		Engine:     engine,
		Reputation: rep,
		Executor:   exec,
	})
	require.NoError(t, err)
	return testNode{Node: n, tr: tr, rep: rep}
}

func hopCommand(t *testing.T, shard int, input string) *types.Command {
	t.Helper()
	start, end := types.LayerRange(shard, 2, 32)
	cmd, err := types.NewHopCommand("req-1", "coordinator", "peer", types.HopTask{
		ShardID:    shard,
		LayerStart: start,
		LayerEnd:   end,
		InputData:  input,
	})
	require.NoError(t, err)
	return cmd
}

func TestHandleCommandRunsLocalHop(t *testing.T) {
	n := newTestNode(t, dht.NewMemoryNetwork(-1), "a", 0, types.Capabilities{}, nil)
	require.NoError(t, n.Announce(context.Background(), true))

	resp := n.HandleCommand(context.Background(), hopCommand(t, 0, "hello swarm"))
	require.True(t, resp.OK(), resp.Error)
	assert.Equal(t, "a", resp.From)
	assert.Equal(t, "req-1", resp.RequestID)

	var res types.TaskResult
	require.NoError(t, resp.DecodeResult(&res))
	assert.Equal(t, "hello swarm", res.Output)
	assert.Equal(t, 2, res.TokensProcessed)
	assert.Equal(t, "a", res.NodeID)
	require.NotNil(t, res.ShardID)
	assert.Equal(t, 0, *res.ShardID)

	assert.Equal(t, types.RequestCounters{Total: 1, Successful: 1}, n.Counters())
}

func TestHandleCommandRejectsHopForOtherShard(t *testing.T) {
	n := newTestNode(t, dht.NewMemoryNetwork(-1), "a", 0, types.Capabilities{}, nil)
	require.NoError(t, n.Announce(context.Background(), true))

	resp := n.HandleCommand(context.Background(), hopCommand(t, 1, "x"))
	require.False(t, resp.OK())
	assert.Contains(t, resp.Error, ErrWrongShard.Error())
	assert.Equal(t, types.RequestCounters{Total: 1, Failed: 1}, n.Counters())
}

func TestHandleCommandRejectsHopBeforeShardLoaded(t *testing.T) {
	n := newTestNode(t, dht.NewMemoryNetwork(-1), "a", 0, types.Capabilities{}, nil)
	require.NoError(t, n.Announce(context.Background(), false))

	resp := n.HandleCommand(context.Background(), hopCommand(t, 0, "x"))
	require.False(t, resp.OK())
	assert.Contains(t, resp.Error, ErrShardNotLoaded.Error())

	require.NoError(t, n.SetLoaded(context.Background(), true))
	resp = n.HandleCommand(context.Background(), hopCommand(t, 0, "x"))
	assert.True(t, resp.OK(), resp.Error)

	ann, ok := n.deps.Engine.LocalAnnouncement()
	require.True(t, ok)
	assert.True(t, ann.ShardLoaded)
}

func TestHandleCommandRejectsInvalidCommand(t *testing.T) {
	n := newTestNode(t, dht.NewMemoryNetwork(-1), "a", 0, types.Capabilities{}, nil)

	cmd := types.NewCommand(types.CommandExecuteTask, "req-1", "coordinator", "a")
	resp := n.HandleCommand(context.Background(), cmd)
	require.False(t, resp.OK())
	assert.Contains(t, resp.Error, "without params")
	assert.Equal(t, types.RequestCounters{Total: 1, Failed: 1}, n.Counters())

	resp = n.HandleCommand(context.Background(), types.NewCommand("REBOOT", "req-2", "coordinator", "a"))
	require.False(t, resp.OK())
	assert.Contains(t, resp.Error, "unknown command")
	// Only EXECUTE_TASK counts as a task.
	assert.Equal(t, uint64(1), n.Counters().Total)
}

func TestStatusReportsSwarmView(t *testing.T) {
	ctx := context.Background()
	net := dht.NewMemoryNetwork(-1)
	a := newTestNode(t, net, "a", 0, types.Capabilities{}, nil)
	b := newTestNode(t, net, "b", 1, types.Capabilities{}, nil)
	require.NoError(t, a.Announce(ctx, true))

	st := a.Status()
	assert.False(t, st.SwarmReady)
	assert.Equal(t, []int{1}, st.MissingShards)

	require.NoError(t, b.Announce(ctx, true))
	a.deps.Engine.Poll(ctx)

	resp := a.HandleCommand(ctx, types.NewCommand(types.CommandGetNodeStatus, "req-1", "cli", "a"))
	require.True(t, resp.OK(), resp.Error)
	var got types.NodeStatusResponse
	require.NoError(t, resp.DecodeResult(&got))

	assert.Equal(t, "a", got.NodeID)
	assert.Equal(t, "demo", got.ClusterName)
	assert.Equal(t, 0, got.LocalShardID)
	assert.True(t, got.LocalShardLoaded)
	assert.True(t, got.SwarmReady)
	assert.True(t, got.IsComplete)
	assert.True(t, got.AllLoaded)
	assert.Equal(t, 2, got.DiscoveredShards)
	assert.Equal(t, 2, got.ExpectedShards)
	assert.Empty(t, got.MissingShards)
	require.Contains(t, got.ShardStatuses, "0")
	require.Contains(t, got.ShardStatuses, "1")
}

func TestCapabilitiesIncludeLiveLoadAndReputation(t *testing.T) {
	n := newTestNode(t, dht.NewMemoryNetwork(-1), "a", 0, types.Capabilities{MemoryTotalMB: 16384, GPUAvailable: true}, nil)
	n.rep.Success("a")

	resp := n.HandleCommand(context.Background(), types.NewCommand(types.CommandGetCapabilities, "req-1", "cli", "a"))
	require.True(t, resp.OK(), resp.Error)
	var caps types.Capabilities
	require.NoError(t, resp.DecodeResult(&caps))

	assert.Equal(t, runtime.NumCPU(), caps.CPUCores)
	assert.Equal(t, uint64(16384), caps.MemoryTotalMB)
	assert.True(t, caps.GPUAvailable)
	assert.Equal(t, 0, caps.ActiveRequests)
	assert.InDelta(t, 0.6, caps.Reputation, 1e-9)
}

func TestHandleCommandAtCapacity(t *testing.T) {
	release := make(chan struct{})
	n := newTestNode(t, dht.NewMemoryNetwork(-1), "a", 0, types.Capabilities{MaxConcurrent: 1}, blockingExecutor{release: release})
	require.NoError(t, n.Announce(context.Background(), true))

	one := hopCommand(t, 0, "one")
	first := make(chan *types.Response, 1)
	go func() { first <- n.HandleCommand(context.Background(), one) }()
	require.Eventually(t, func() bool { return n.Counters().Active == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, n.Capabilities().ActiveRequests)

	resp := n.HandleCommand(context.Background(), hopCommand(t, 0, "two"))
	require.False(t, resp.OK())
	assert.Contains(t, resp.Error, ErrAtCapacity.Error())

	close(release)
	select {
	case r := <-first:
		assert.True(t, r.OK(), r.Error)
	case <-time.After(time.Second):
		t.Fatal("first task never finished")
	}
	assert.Equal(t, types.RequestCounters{Total: 2, Successful: 1, Failed: 1}, n.Counters())
}

func TestRunRoutesRecordAndCommandRPCs(t *testing.T) {
	n := newTestNode(t, dht.NewMemoryNetwork(-1), "a", 0, types.Capabilities{}, nil)
	records := &findOnly{}
	n.deps.Records = records

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- n.Run(ctx) }()

	findResp := make(chan transport.RPCResponse, 1)
	n.tr.consumer <- transport.RPC{Request: &transport.FindRequest{Key: "/demo/demo/shard/0"}, RespChan: findResp}
	select {
	case r := <-findResp:
		require.NoError(t, r.Error)
		assert.IsType(t, &transport.FindResponse{}, r.Response)
	case <-time.After(time.Second):
		t.Fatal("find request not answered")
	}

	cmdResp := make(chan transport.RPCResponse, 1)
	n.tr.consumer <- transport.RPC{Request: types.NewCommand(types.CommandGetCapabilities, "req-1", "cli", "a"), RespChan: cmdResp}
	select {
	case r := <-cmdResp:
		require.NoError(t, r.Error)
		resp, ok := r.Response.(*types.Response)
		require.True(t, ok)
		assert.True(t, resp.OK())
	case <-time.After(time.Second):
		t.Fatal("command not answered")
	}

	otherResp := make(chan transport.RPCResponse, 1)
	n.tr.consumer <- transport.RPC{Request: &transport.StoreRequest{}, RespChan: otherResp}
	select {
	case r := <-otherResp:
		assert.Error(t, r.Error)
	case <-time.After(time.Second):
		t.Fatal("unexpected request not answered")
	}

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.Equal(t, []string{"/demo/demo/shard/0"}, records.keys)
}

func TestDispatcherRunsLocalCommandsInProcess(t *testing.T) {
	n := newTestNode(t, dht.NewMemoryNetwork(-1), "a", 0, types.Capabilities{}, nil)
	require.NoError(t, n.Announce(context.Background(), true))
	d := n.Dispatcher()

	resp, err := d.Dispatch(context.Background(), types.ShardAnnouncement{PeerID: "a", Multiaddr: "a:7000"}, hopCommand(t, 0, "local"))
	require.NoError(t, err)
	var res types.TaskResult
	require.NoError(t, resp.DecodeResult(&res))
	assert.Equal(t, "local", res.Output)
	assert.Empty(t, n.tr.targets())

	resp, err = d.Dispatch(context.Background(), types.ShardAnnouncement{PeerID: "b", Multiaddr: "b:7000"}, hopCommand(t, 1, "remote"))
	require.NoError(t, err)
	assert.Equal(t, "remote", resp.From)
	assert.Equal(t, []string{"b:7000"}, n.tr.targets())

	_, err = d.Dispatch(context.Background(), types.ShardAnnouncement{PeerID: "c"}, hopCommand(t, 1, "x"))
	assert.Error(t, err)
}

func TestNewValidatesDeps(t *testing.T) {
	_, err := New(Config{}, Deps{})
	assert.Error(t, err)
	_, err = New(Config{NodeID: "a"}, Deps{Transport: newFakeTransport()})
	assert.Error(t, err)
}

func TestEchoExecutorHonorsCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := EchoExecutor{Delay: time.Second}.Execute(ctx, types.HopTask{InputData: "x"})
	assert.True(t, errors.Is(err, context.Canceled))

	_, err = EchoExecutor{}.Execute(context.Background(), types.StatusQuery{})
	assert.Error(t, err)
}
