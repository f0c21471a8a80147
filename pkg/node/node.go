// Package node ties a swarm peer together: it serves commands and DHT
// record RPCs arriving on the transport, runs hop and fragment tasks
// through an Executor, and reports the node's view of the swarm.
package node

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/salahayoub/swarm/pkg/discovery"
	"github.com/salahayoub/swarm/pkg/pipeline"
	"github.com/salahayoub/swarm/pkg/scorer"
	"github.com/salahayoub/swarm/pkg/transport"
	"github.com/salahayoub/swarm/pkg/types"
)

// DefaultCapabilityInterval is how often live capabilities are re-announced.
const DefaultCapabilityInterval = 30 * time.Second

var (
	// ErrWrongShard is returned for a hop addressed to a shard this node does not host.
	ErrWrongShard = errors.New("shard not hosted here")
	// ErrShardNotLoaded is returned for a hop before the local shard is loaded.
	ErrShardNotLoaded = errors.New("shard not loaded")
	// ErrAtCapacity is returned when MaxConcurrent tasks are already running.
	ErrAtCapacity = errors.New("node at capacity")
)

// Transport is the part of the peer transport a node uses.
type Transport interface {
	Consumer() <-chan transport.RPC
	SendCommand(ctx context.Context, target string, cmd *types.Command) (*types.Response, error)
}

// RecordHandler answers DHT record RPCs. *dht.PeerDHT implements it.
type RecordHandler interface {
	HandleRPC(rpc transport.RPC) bool
}

// Config configures a Node.
type Config struct {
	NodeID  string
	ShardID int
	// Capabilities are the static resources advertised; zero CPU cores
	// means runtime.NumCPU.
	Capabilities       types.Capabilities
	CapabilityInterval time.Duration
	Logger             zerolog.Logger
	Now                func() time.Time
}

// Deps are the components a Node serves. Records and Pipeline are optional.
type Deps struct {
	Transport  Transport
	Records    RecordHandler
	Engine     *discovery.Engine
	Pipeline   *pipeline.Coordinator
	Reputation *scorer.ReputationTracker
	Executor   Executor
}

// Node serves one peer's share of the swarm.
type Node struct {
	cfg  Config
	deps Deps
	log  zerolog.Logger

	loaded     atomic.Bool
	total      atomic.Uint64
	successful atomic.Uint64
	failed     atomic.Uint64
	active     atomic.Int64
}

// New creates a Node.
func New(cfg Config, deps Deps) (*Node, error) {
	if cfg.NodeID == "" {
		return nil, errors.New("node id is required")
	}
	if deps.Transport == nil || deps.Engine == nil {
		return nil, errors.New("transport and discovery engine are required")
	}
	if deps.Executor == nil {
		deps.Executor = EchoExecutor{}
	}
	if deps.Reputation == nil {
		deps.Reputation = scorer.NewReputationTracker(scorer.DefaultBlend)
	}
	if cfg.CapabilityInterval <= 0 {
		cfg.CapabilityInterval = DefaultCapabilityInterval
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Node{
		cfg:  cfg,
		deps: deps,
		log:  cfg.Logger.With().Str("component", "node").Str("peer_id", cfg.NodeID).Logger(),
	}, nil
}

// ID returns the node id.
func (n *Node) ID() string {
	return n.cfg.NodeID
}

// Announce publishes the local shard with the current capabilities.
func (n *Node) Announce(ctx context.Context, loaded bool) error {
	n.loaded.Store(loaded)
	return n.deps.Engine.Announce(ctx, n.cfg.ShardID, n.Capabilities(), loaded)
}

// SetLoaded records that the local shard's weights became available (or
// went away) and re-announces.
func (n *Node) SetLoaded(ctx context.Context, loaded bool) error {
	n.loaded.Store(loaded)
	err := n.deps.Engine.UpdateLocal(ctx, n.Capabilities(), loaded)
	if errors.Is(err, discovery.ErrNoLocalAnnouncement) {
		return n.Announce(ctx, loaded)
	}
	return err
}

// Run serves RPCs until ctx is cancelled or the transport closes. Each
// RPC is handled on its own goroutine.
func (n *Node) Run(ctx context.Context) error {
	caps := time.NewTicker(n.cfg.CapabilityInterval)
	defer caps.Stop()

	consumer := n.deps.Transport.Consumer()
	for {
		select {
		case <-ctx.Done():
			return nil
		case rpc, ok := <-consumer:
			if !ok {
				return nil
			}
			go n.handleRPC(ctx, rpc)
		case <-caps.C:
			if _, ok := n.deps.Engine.LocalAnnouncement(); !ok {
				continue
			}
			if err := n.deps.Engine.UpdateLocal(ctx, n.Capabilities(), n.loaded.Load()); err != nil {
				n.log.Warn().Err(err).Msg("capability re-announce failed")
			}
		}
	}
}

func (n *Node) handleRPC(ctx context.Context, rpc transport.RPC) {
	if n.deps.Records != nil && n.deps.Records.HandleRPC(rpc) {
		return
	}
	cmd, ok := rpc.Request.(*types.Command)
	if !ok {
		rpc.RespChan <- transport.RPCResponse{Error: fmt.Errorf("unexpected request type: %T", rpc.Request)}
		return
	}
	rpc.RespChan <- transport.RPCResponse{Response: n.HandleCommand(ctx, cmd)}
}

// HandleCommand answers one command. Failures are reported in the response.
func (n *Node) HandleCommand(ctx context.Context, cmd *types.Command) *types.Response {
	log := n.log.With().Str("request_id", cmd.RequestID).Str("command", cmd.Command).Logger()

	task, err := types.ParseTask(cmd, n.cfg.Now())
	if err != nil {
		log.Debug().Err(err).Msg("rejected command")
		if cmd.Command == types.CommandExecuteTask {
			n.total.Add(1)
			n.failed.Add(1)
		}
		return types.NewErrorResponse(cmd, n.cfg.NodeID, err)
	}

	var result any
	switch t := task.(type) {
	case types.StatusQuery:
		result = n.Status()
	case types.CapabilitiesQuery:
		result = n.Capabilities()
	default:
		res, err := n.execute(ctx, t)
		if err != nil {
			log.Warn().Err(err).Msg("task failed")
			return types.NewErrorResponse(cmd, n.cfg.NodeID, err)
		}
		result = res
	}

	resp, err := types.NewSuccessResponse(cmd, n.cfg.NodeID, result)
	if err != nil {
		return types.NewErrorResponse(cmd, n.cfg.NodeID, err)
	}
	return resp
}

func (n *Node) execute(ctx context.Context, task types.Task) (types.TaskResult, error) {
	n.total.Add(1)
	active := n.active.Add(1)
	defer n.active.Add(-1)

	res, err := n.run(ctx, task, active)
	if err != nil {
		n.failed.Add(1)
		return res, err
	}
	n.successful.Add(1)
	res.NodeID = n.cfg.NodeID
	return res, nil
}

func (n *Node) run(ctx context.Context, task types.Task, active int64) (types.TaskResult, error) {
	if limit := n.cfg.Capabilities.MaxConcurrent; limit > 0 && active > int64(limit) {
		return types.TaskResult{}, ErrAtCapacity
	}
	if hop, ok := task.(types.HopTask); ok {
		if hop.ShardID != n.cfg.ShardID {
			return types.TaskResult{}, fmt.Errorf("%w: shard %d requested, hosting %d", ErrWrongShard, hop.ShardID, n.cfg.ShardID)
		}
		if !n.loaded.Load() {
			return types.TaskResult{}, fmt.Errorf("%w: shard %d", ErrShardNotLoaded, hop.ShardID)
		}
	}
	return n.deps.Executor.Execute(ctx, task)
}

// Capabilities returns the advertised resources with live load and the
// locally tracked reputation.
func (n *Node) Capabilities() types.Capabilities {
	c := n.cfg.Capabilities
	if c.CPUCores == 0 {
		c.CPUCores = runtime.NumCPU()
	}
	c.ActiveRequests = int(n.active.Load())
	c.Reputation = n.deps.Reputation.Get(n.cfg.NodeID, types.DefaultReputation)
	return c
}

// Counters returns the task counters.
func (n *Node) Counters() types.RequestCounters {
	return types.RequestCounters{
		Total:      n.total.Load(),
		Successful: n.successful.Load(),
		Failed:     n.failed.Load(),
		Active:     n.active.Load(),
	}
}

// Status reports this node's local view of the swarm.
func (n *Node) Status() types.NodeStatusResponse {
	snap := n.deps.Engine.Snapshot()
	st := snap.Status()
	sc := scorer.New(scorer.DefaultWeights(), n.deps.Reputation)

	resp := types.NodeStatusResponse{
		NodeID:           n.cfg.NodeID,
		ClusterName:      n.deps.Engine.ClusterName(),
		LocalShardID:     n.cfg.ShardID,
		LocalShardLoaded: n.loaded.Load(),
		SwarmReady:       st.SwarmReady,
		IsComplete:       st.IsComplete,
		AllLoaded:        st.AllLoaded,
		DiscoveredShards: st.DiscoveredShards,
		ExpectedShards:   st.ExpectedShards,
		MissingShards:    st.MissingShards,
		ShardStatuses:    snap.ShardStatuses(n.cfg.NodeID, sc),
		Requests:         n.Counters(),
	}
	if n.deps.Pipeline != nil {
		resp.Pipeline = n.deps.Pipeline.Stats()
	}
	return resp
}

// SetPipeline attaches the coordinator whose stats Status reports. The
// coordinator is usually built from this node's Dispatcher, so it cannot
// be passed to New. Call it before Run.
func (n *Node) SetPipeline(c *pipeline.Coordinator) {
	n.deps.Pipeline = c
}

// Dispatcher returns a dispatcher that runs commands addressed to this
// node in-process and sends the rest over the transport.
func (n *Node) Dispatcher() *Dispatcher {
	return &Dispatcher{tr: n.deps.Transport, local: n}
}

// Dispatcher delivers commands to the node behind an announcement.
type Dispatcher struct {
	tr    Transport
	local *Node
}

// Dispatch implements pipeline.Dispatcher and fragment.Dispatcher.
func (d *Dispatcher) Dispatch(ctx context.Context, target types.ShardAnnouncement, cmd *types.Command) (*types.Response, error) {
	if d.local != nil && target.PeerID == d.local.cfg.NodeID {
		return d.local.HandleCommand(ctx, cmd), nil
	}
	if target.Multiaddr == "" {
		return nil, fmt.Errorf("peer %s announced no address", target.PeerID)
	}
	return d.tr.SendCommand(ctx, target.Multiaddr, cmd)
}
