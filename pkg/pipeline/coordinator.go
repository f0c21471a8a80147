// Package pipeline drives inference requests through the shard pipeline.
//
// A Coordinator takes one discovery snapshot per request, binds every shard
// to its best loaded replica, and runs the hops strictly in shard order,
// each hop's output feeding the next. A failed or timed-out hop fails over
// to another replica of the same shard before the request is given up.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/salahayoub/swarm/pkg/discovery"
	"github.com/salahayoub/swarm/pkg/scorer"
	"github.com/salahayoub/swarm/pkg/types"
)

// Default timings.
const (
	DefaultHopTimeout = 30 * time.Second
	DefaultRetention  = 5 * time.Minute
)

// Dispatcher delivers one command to the node behind an announcement.
type Dispatcher interface {
	Dispatch(ctx context.Context, target types.ShardAnnouncement, cmd *types.Command) (*types.Response, error)
}

// SnapshotSource provides discovery snapshots. *discovery.Engine implements it.
type SnapshotSource interface {
	Snapshot() *discovery.Snapshot
}

// Config configures a Coordinator.
type Config struct {
	// NodeID is the from field of dispatched commands (default "pipeline").
	NodeID     string
	HopTimeout time.Duration
	// Retention is how long a finished request stays retrievable.
	Retention time.Duration
	Weights   scorer.Weights
	Logger    zerolog.Logger
	Now       func() time.Time
}

// ShardLatency is the time one hop took on the node that completed it.
type ShardLatency struct {
	ShardID   int    `json:"shard_id"`
	NodeID    string `json:"node_id"`
	LatencyMs int64  `json:"latency_ms"`
	Attempts  int    `json:"attempts"`
}

// Result is a completed request.
type Result struct {
	RequestID       string         `json:"request_id"`
	Output          string         `json:"output"`
	TokensProcessed int            `json:"tokens_processed"`
	LatencyMs       int64          `json:"latency_ms"`
	Hops            []ShardLatency `json:"hops"`
}

// Coordinator runs pipeline requests. It is safe for concurrent use; every
// Submit runs on its caller's goroutine.
type Coordinator struct {
	cfg   Config
	snaps SnapshotSource
	disp  Dispatcher
	rep   *scorer.ReputationTracker
	log   zerolog.Logger

	mu       sync.Mutex
	requests map[string]*Request

	total      atomic.Uint64
	successful atomic.Uint64
	failed     atomic.Uint64
	inFlight   atomic.Int64

	latMu    sync.Mutex
	latSum   int64
	latCount int64
}

// New creates a Coordinator. A nil tracker starts a fresh one.
func New(cfg Config, snaps SnapshotSource, disp Dispatcher, rep *scorer.ReputationTracker) *Coordinator {
	if cfg.NodeID == "" {
		cfg.NodeID = "pipeline"
	}
	if cfg.HopTimeout <= 0 {
		cfg.HopTimeout = DefaultHopTimeout
	}
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultRetention
	}
	if cfg.Weights == (scorer.Weights{}) {
		cfg.Weights = scorer.DefaultWeights()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if rep == nil {
		rep = scorer.NewReputationTracker(scorer.DefaultBlend)
	}
	return &Coordinator{
		cfg:      cfg,
		snaps:    snaps,
		disp:     disp,
		rep:      rep,
		log:      cfg.Logger.With().Str("component", "pipeline").Logger(),
		requests: make(map[string]*Request),
	}
}

// Reputation returns the tracker updated by every hop attempt.
func (c *Coordinator) Reputation() *scorer.ReputationTracker {
	return c.rep
}

// Submit runs req through the pipeline and returns the final shard's output.
func (c *Coordinator) Submit(ctx context.Context, req types.InferenceRequest) (*Result, error) {
	req = req.WithDefaults()
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	log := c.log.With().Str("request_id", req.RequestID).Logger()

	c.total.Add(1)
	c.inFlight.Add(1)
	defer c.inFlight.Add(-1)

	// One snapshot and one frozen reputation view for the whole request,
	// so failover ranks replicas the same way the initial binding did.
	snap := c.snaps.Snapshot()
	sc := scorer.New(c.cfg.Weights, c.rep.Freeze())

	st := snap.Status()
	if !st.SwarmReady {
		c.failed.Add(1)
		err := &NotReadyError{Missing: st.MissingShards, NotLoaded: st.ShardsNotLoaded}
		log.Debug().Err(err).Msg("request rejected")
		return nil, err
	}

	r, err := c.bind(req, snap, sc)
	if err != nil {
		c.failed.Add(1)
		return nil, err
	}
	c.track(r)

	res, err := c.run(ctx, r, req, snap, sc, log)
	if err != nil {
		c.failed.Add(1)
		c.update(func() { r.fail(err, c.cfg.Now()) })
		log.Warn().Err(err).Msg("request failed")
		return nil, err
	}
	c.successful.Add(1)
	c.observe(res.LatencyMs)
	log.Debug().Int64("latency_ms", res.LatencyMs).Int("hops", len(res.Hops)).Msg("request completed")
	return res, nil
}

// bind builds the hop list in ascending shard order, each bound to the
// best loaded replica. The bound replicas must tile the model's layers.
func (c *Coordinator) bind(req types.InferenceRequest, snap *discovery.Snapshot, sc *scorer.Scorer) (*Request, error) {
	n := snap.ExpectedShards()
	hops := make([]Hop, 0, n)
	var notLoaded []int
	totalLayers := 0
	for id := 0; id < n; id++ {
		a, ok := snap.BestLoaded(id, sc, nil)
		if !ok {
			notLoaded = append(notLoaded, id)
			continue
		}
		if a.TotalLayers > totalLayers {
			totalLayers = a.TotalLayers
		}
		hops = append(hops, Hop{ShardID: id, LayerStart: a.LayerStart, LayerEnd: a.LayerEnd, PeerID: a.PeerID, Addr: a.Multiaddr})
	}
	if len(notLoaded) > 0 || len(hops) == 0 {
		return nil, &NotReadyError{NotLoaded: notLoaded}
	}
	// Best prefers loaded replicas, so with every shard loaded this checks
	// exactly the replicas bound above.
	if err := snap.ValidateTiling(totalLayers, sc); err != nil {
		return nil, &NotReadyError{Layout: err}
	}
	r := &Request{
		ID:        req.RequestID,
		State:     Pending,
		Hops:      hops,
		Input:     req.Prompt,
		CreatedAt: c.cfg.Now(),
	}
	r.record(r.CreatedAt)
	return r, nil
}

func (c *Coordinator) run(ctx context.Context, r *Request, req types.InferenceRequest, snap *discovery.Snapshot, sc *scorer.Scorer, log zerolog.Logger) (*Result, error) {
	var startErr error
	c.update(func() { startErr = r.start(c.cfg.Now()) })
	if startErr != nil {
		return nil, startErr
	}

	started := c.cfg.Now()
	input := req.Prompt
	res := &Result{RequestID: r.ID}
	last := len(r.Hops) - 1

	for i := 0; i <= last; i++ {
		var hop Hop
		c.update(func() { hop = r.Hops[i] })
		target, ok := announcementFor(snap, hop.ShardID, hop.PeerID)
		if !ok {
			return nil, &ShardFailureError{ShardID: hop.ShardID, PeerID: hop.PeerID, Err: errors.New("replica left the snapshot")}
		}

		task := types.HopTask{
			ShardID:      hop.ShardID,
			LayerStart:   hop.LayerStart,
			LayerEnd:     hop.LayerEnd,
			IsFinalShard: i == last,
			InputData:    input,
			Params:       req.GenerationParams(),
		}
		if i > 0 {
			prev := r.Hops[i-1].ShardID
			task.PreviousShardID = &prev
		}

		tried := make(map[string]bool)
		var triedOrder []string
		for {
			out, latency, err := c.attempt(ctx, r, i, target, task)
			if err == nil {
				c.rep.Success(target.PeerID)
				res.TokensProcessed += out.TokensProcessed
				res.Hops = append(res.Hops, ShardLatency{
					ShardID:   hop.ShardID,
					NodeID:    target.PeerID,
					LatencyMs: latency.Milliseconds(),
					Attempts:  len(triedOrder) + 1,
				})
				input = out.Output
				var advErr error
				c.update(func() { advErr = r.advance(out.Output, c.cfg.Now()) })
				if advErr != nil {
					return nil, advErr
				}
				break
			}

			// The caller gave up; no failover.
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}

			c.rep.Failure(target.PeerID)
			tried[target.PeerID] = true
			triedOrder = append(triedOrder, target.PeerID)

			next, ok := snap.BestLoaded(hop.ShardID, sc, tried)
			if !ok {
				if len(triedOrder) == 1 {
					return nil, &ShardFailureError{ShardID: hop.ShardID, PeerID: target.PeerID, Err: err}
				}
				return nil, &AllReplicasExhaustedError{ShardID: hop.ShardID, Tried: triedOrder, Err: err}
			}

			log.Info().Err(err).
				Int("shard_id", hop.ShardID).
				Str("failed_peer", target.PeerID).
				Str("peer_id", next.PeerID).
				Msg("failing over to another replica")
			target = next
			var rebindErr error
			c.update(func() { rebindErr = r.rebind(next.PeerID, next.Multiaddr, c.cfg.Now()) })
			if rebindErr != nil {
				return nil, rebindErr
			}
		}
	}

	var output string
	c.update(func() { output = r.Output })
	res.Output = output
	res.LatencyMs = c.cfg.Now().Sub(started).Milliseconds()
	return res, nil
}

// attempt dispatches one hop to target under HopTimeout.
func (c *Coordinator) attempt(ctx context.Context, r *Request, hopIdx int, target types.ShardAnnouncement, task types.HopTask) (types.TaskResult, time.Duration, error) {
	var out types.TaskResult
	cmd, err := types.NewHopCommand(r.ID, c.cfg.NodeID, target.PeerID, task)
	if err != nil {
		return out, 0, err
	}

	start := c.cfg.Now()
	hctx, cancel := context.WithTimeout(ctx, c.cfg.HopTimeout)
	resp, err := c.disp.Dispatch(hctx, target, cmd)
	timedOut := errors.Is(hctx.Err(), context.DeadlineExceeded) && ctx.Err() == nil
	cancel()
	latency := c.cfg.Now().Sub(start)

	switch {
	case timedOut:
		err = &ShardTimeoutError{ShardID: task.ShardID, PeerID: target.PeerID, Timeout: c.cfg.HopTimeout}
	case err != nil:
		err = fmt.Errorf("dispatch to %s: %w", target.PeerID, err)
	case !resp.OK():
		err = fmt.Errorf("peer %s: %s", target.PeerID, resp.Error)
	default:
		if derr := resp.DecodeResult(&out); derr != nil {
			err = fmt.Errorf("decode result from %s: %w", target.PeerID, derr)
		}
	}

	a := Attempt{PeerID: target.PeerID, StartedAt: start, Latency: latency}
	if err != nil {
		a.Error = err.Error()
	}
	c.update(func() {
		h := &r.Hops[hopIdx]
		h.Attempts = append(h.Attempts, a)
	})
	return out, latency, err
}

// announcementFor finds peerID's live announcement for shardID.
func announcementFor(snap *discovery.Snapshot, shardID int, peerID string) (types.ShardAnnouncement, bool) {
	for _, a := range snap.Live(shardID) {
		if a.PeerID == peerID {
			return a, true
		}
	}
	return types.ShardAnnouncement{}, false
}

func (c *Coordinator) update(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn()
}

func (c *Coordinator) track(r *Request) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pruneLocked()
	c.requests[r.ID] = r
}

// pruneLocked drops finished requests older than Retention.
func (c *Coordinator) pruneLocked() {
	cutoff := c.cfg.Now().Add(-c.cfg.Retention)
	for id, r := range c.requests {
		if r.State.Terminal() && r.FinishedAt.Before(cutoff) {
			delete(c.requests, id)
		}
	}
}

// Get returns a copy of a tracked request. Finished requests are kept for
// Retention.
func (c *Coordinator) Get(requestID string) (*Request, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pruneLocked()
	r, ok := c.requests[requestID]
	if !ok {
		return nil, false
	}
	return r.clone(), true
}

// Requests returns copies of all tracked requests, newest first.
func (c *Coordinator) Requests() []*Request {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pruneLocked()
	out := make([]*Request, 0, len(c.requests))
	for _, r := range c.requests {
		out = append(out, r.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

func (c *Coordinator) observe(ms int64) {
	c.latMu.Lock()
	c.latSum += ms
	c.latCount++
	c.latMu.Unlock()
}

// Stats returns the coordinator's counters.
func (c *Coordinator) Stats() types.PipelineStats {
	c.latMu.Lock()
	avg := 0.0
	if c.latCount > 0 {
		avg = float64(c.latSum) / float64(c.latCount)
	}
	c.latMu.Unlock()
	return types.PipelineStats{
		TotalRequests:      c.total.Load(),
		SuccessfulRequests: c.successful.Load(),
		FailedRequests:     c.failed.Load(),
		InFlight:           c.inFlight.Load(),
		AverageLatencyMs:   avg,
	}
}
