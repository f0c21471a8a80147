package node

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/salahayoub/swarm/pkg/dht"
	"github.com/salahayoub/swarm/pkg/discovery"
	"github.com/salahayoub/swarm/pkg/fragment"
	"github.com/salahayoub/swarm/pkg/pipeline"
	"github.com/salahayoub/swarm/pkg/scorer"
	"github.com/salahayoub/swarm/pkg/storage"
	"github.com/salahayoub/swarm/pkg/transport"
	"github.com/salahayoub/swarm/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type liveNode struct {
	node    *Node
	tr      *transport.GRPCTransport
	records *dht.PeerDHT
	engine  *discovery.Engine
	rep     *scorer.ReputationTracker
}

// startLiveNode wires a node the way swarmd does: gRPC transport, bbolt
// backed peer DHT and a discovery engine.
func startLiveNode(t *testing.T, ctx context.Context, id string, shard int) *liveNode {
	t.Helper()
	tr, err := transport.NewGRPCTransport("127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { tr.Close() })

	store, err := storage.NewBoltStore(filepath.Join(t.TempDir(), "records.db"))
	require.NoError(t, err)
	records := dht.NewPeerDHT(store, tr, nil, dht.PeerConfig{})
	t.Cleanup(func() { records.Close() })

	engine, err := discovery.NewEngine(discovery.Config{
		ClusterName:    "e2e",
		PeerID:         id,
		Addr:           tr.LocalAddr(),
		ExpectedShards: 2,
		TotalLayers:    32,
	}, records, nil)
	require.NoError(t, err)

	rep := scorer.NewReputationTracker(scorer.DefaultBlend)
	n, err := New(Config{NodeID: id, ShardID: shard}, Deps{
		Transport:  tr,
		Records:    records,
		Engine:     engine,
		Reputation: rep,
	})
	require.NoError(t, err)
	go func() { _ = n.Run(ctx) }()

	return &liveNode{node: n, tr: tr, records: records, engine: engine, rep: rep}
}

func TestSwarmEndToEnd(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	a := startLiveNode(t, ctx, "node-a", 0)
	b := startLiveNode(t, ctx, "node-b", 1)
	a.records.SetPeers([]string{b.tr.LocalAddr()})
	b.records.SetPeers([]string{a.tr.LocalAddr()})

	require.NoError(t, a.node.Announce(ctx, true))
	require.NoError(t, b.node.Announce(ctx, true))

	require.Eventually(t, func() bool {
		a.engine.Poll(ctx)
		return a.engine.Status().SwarmReady
	}, 5*time.Second, 50*time.Millisecond)

	coord := pipeline.New(pipeline.Config{NodeID: "node-a"}, a.engine, a.node.Dispatcher(), a.rep)
	res, err := coord.Submit(ctx, types.InferenceRequest{Prompt: "the quick brown fox"})
	require.NoError(t, err)
	assert.Equal(t, "the quick brown fox", res.Output)
	require.Len(t, res.Hops, 2)
	assert.Equal(t, "node-a", res.Hops[0].NodeID)
	assert.Equal(t, "node-b", res.Hops[1].NodeID)

	// The second hop crossed the wire and was counted by node-b.
	assert.Equal(t, types.RequestCounters{Total: 1, Successful: 1}, b.node.Counters())

	dist := fragment.NewDistributor(fragment.Config{NodeID: "node-a"}, a.engine, a.node.Dispatcher(), a.rep)
	input, _ := json.Marshal("abcdefghij")
	job, err := dist.Run(ctx, types.Job{Input: input}, 2)
	require.NoError(t, err)
	assert.Equal(t, "abcdefghij", job.CombinedOutput)
	assert.Equal(t, 2, job.FragmentsProcessed)

	// A status query over gRPC sees the whole swarm from node-b's side.
	b.engine.Poll(ctx)
	resp, err := a.tr.SendCommand(ctx, b.tr.LocalAddr(), types.NewCommand(types.CommandGetNodeStatus, "status-1", "node-a", "node-b"))
	require.NoError(t, err)
	var st types.NodeStatusResponse
	require.NoError(t, resp.DecodeResult(&st))
	assert.Equal(t, "node-b", st.NodeID)
	assert.True(t, st.SwarmReady)
	assert.Equal(t, 1, st.LocalShardID)
}
