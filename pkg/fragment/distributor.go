package fragment

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/salahayoub/swarm/pkg/discovery"
	"github.com/salahayoub/swarm/pkg/scorer"
	"github.com/salahayoub/swarm/pkg/types"
)

// Defaults for fragment dispatch.
const (
	DefaultFragmentTimeout = 60 * time.Second
	DefaultMaxAttempts     = 2
)

var (
	// ErrFragmentFailure means a fragment could not be processed; the job fails.
	ErrFragmentFailure = errors.New("fragment failed")
	// ErrNoCapableNodes means no live node has spare capacity.
	ErrNoCapableNodes = errors.New("no capable nodes")
)

// FragmentFailureError carries the index of the fragment that sank the job.
type FragmentFailureError struct {
	JobID         string
	FragmentIndex int
	PeerID        string
	Err           error
}

func (e *FragmentFailureError) Error() string {
	return fmt.Sprintf("job %s: fragment %d failed on %s: %v", e.JobID, e.FragmentIndex, e.PeerID, e.Err)
}

func (e *FragmentFailureError) Is(target error) bool { return target == ErrFragmentFailure }

func (e *FragmentFailureError) Unwrap() error { return e.Err }

// Dispatcher delivers one command to the node behind an announcement.
type Dispatcher interface {
	Dispatch(ctx context.Context, target types.ShardAnnouncement, cmd *types.Command) (*types.Response, error)
}

// NodeSource provides discovery snapshots. *discovery.Engine implements it.
type NodeSource interface {
	Snapshot() *discovery.Snapshot
}

// Config configures a Distributor.
type Config struct {
	NodeID          string
	FragmentTimeout time.Duration
	// MaxAttempts bounds how many nodes one fragment is tried on.
	MaxAttempts int
	// Overlap is the context window width on each side of a fragment.
	Overlap int
	Weights scorer.Weights
	Logger  zerolog.Logger
}

// Distributor runs split jobs across the swarm.
type Distributor struct {
	cfg   Config
	nodes NodeSource
	disp  Dispatcher
	rep   *scorer.ReputationTracker
	log   zerolog.Logger
}

// NewDistributor creates a Distributor. A nil tracker starts a fresh one.
func NewDistributor(cfg Config, nodes NodeSource, disp Dispatcher, rep *scorer.ReputationTracker) *Distributor {
	if cfg.NodeID == "" {
		cfg.NodeID = "distributor"
	}
	if cfg.FragmentTimeout <= 0 {
		cfg.FragmentTimeout = DefaultFragmentTimeout
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.Weights == (scorer.Weights{}) {
		cfg.Weights = scorer.DefaultWeights()
	}
	if rep == nil {
		rep = scorer.NewReputationTracker(scorer.DefaultBlend)
	}
	return &Distributor{
		cfg:   cfg,
		nodes: nodes,
		disp:  disp,
		rep:   rep,
		log:   cfg.Logger.With().Str("component", "fragment").Logger(),
	}
}

// capableNodes returns one announcement per live peer with spare capacity,
// best score first.
func capableNodes(snap *discovery.Snapshot, sc *scorer.Scorer) []types.ShardAnnouncement {
	var out []types.ShardAnnouncement
	scores := make(map[string]float64)
	for _, a := range snap.Nodes(sc) {
		if !a.Capabilities.HasCapacity() {
			continue
		}
		out = append(out, a)
		scores[a.PeerID] = sc.ScoreAnnouncement(a)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if si, sj := scores[out[i].PeerID], scores[out[j].PeerID]; si != sj {
			return si > sj
		}
		return out[i].PeerID < out[j].PeerID
	})
	return out
}

// assign picks the node for attempt number attempt of fragment index.
// Fragment i starts at node (offset+i) so that, with at least as many nodes
// as fragments, every fragment lands on a distinct node. Each retry moves
// one node along.
func assign(nodes []types.ShardAnnouncement, offset uint64, index, attempt int) types.ShardAnnouncement {
	n := uint64(len(nodes))
	return nodes[(offset+uint64(index)+uint64(attempt))%n]
}

// Run splits job into up to n fragments, processes them in parallel and
// returns the merged result. Any fragment that fails on every attempt
// fails the whole job; partial results are never returned.
func (d *Distributor) Run(ctx context.Context, job types.Job, n int) (*types.JobResult, error) {
	if job.JobID == "" {
		job.JobID = uuid.NewString()
	}
	log := d.log.With().Str("job_id", job.JobID).Logger()

	frags, err := Split(job, n, d.cfg.Overlap)
	if err != nil {
		return nil, err
	}

	sc := scorer.New(d.cfg.Weights, d.rep.Freeze())
	nodes := capableNodes(d.nodes.Snapshot(), sc)
	if len(nodes) == 0 {
		return nil, ErrNoCapableNodes
	}
	offset := xxhash.Sum64String(job.JobID) % uint64(len(nodes))

	agg := NewAggregator(job.JobID, len(frags), IsArrayInput(job.Input))
	g, gctx := errgroup.WithContext(ctx)
	for _, f := range frags {
		f := f
		g.Go(func() error {
			return d.process(gctx, log, agg, nodes, offset, f)
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	res, err := agg.Result()
	if err != nil {
		return nil, err
	}
	log.Debug().Int("fragments", res.FragmentsProcessed).Int("tokens", res.TotalTokens).Msg("job completed")
	return &res, nil
}

func (d *Distributor) process(ctx context.Context, log zerolog.Logger, agg *Aggregator, nodes []types.ShardAnnouncement, offset uint64, f types.Fragment) error {
	attempts := min(d.cfg.MaxAttempts, len(nodes))
	var lastErr error
	var lastPeer string
	for attempt := 0; attempt < attempts; attempt++ {
		target := assign(nodes, offset, f.FragmentIndex, attempt)
		lastPeer = target.PeerID

		res, err := d.dispatch(ctx, target, f)
		if err == nil {
			d.rep.Success(target.PeerID)
			agg.Add(res)
			return nil
		}
		// A sibling failed or the caller gave up.
		if ctx.Err() != nil {
			return &FragmentFailureError{JobID: f.JobID, FragmentIndex: f.FragmentIndex, PeerID: target.PeerID, Err: ctx.Err()}
		}
		d.rep.Failure(target.PeerID)
		lastErr = err
		log.Info().Err(err).
			Int("fragment_index", f.FragmentIndex).
			Str("peer_id", target.PeerID).
			Int("attempt", attempt+1).
			Msg("fragment attempt failed")
	}
	return &FragmentFailureError{JobID: f.JobID, FragmentIndex: f.FragmentIndex, PeerID: lastPeer, Err: lastErr}
}

// dispatch sends one fragment to target under FragmentTimeout.
func (d *Distributor) dispatch(ctx context.Context, target types.ShardAnnouncement, f types.Fragment) (types.FragmentResult, error) {
	cmd, err := types.NewFragmentCommand(f.FragmentID, d.cfg.NodeID, target.PeerID, f.Task())
	if err != nil {
		return types.FragmentResult{}, err
	}

	fctx, cancel := context.WithTimeout(ctx, d.cfg.FragmentTimeout)
	defer cancel()
	resp, err := d.disp.Dispatch(fctx, target, cmd)
	switch {
	case errors.Is(fctx.Err(), context.DeadlineExceeded) && ctx.Err() == nil:
		return types.FragmentResult{}, fmt.Errorf("timed out after %s", d.cfg.FragmentTimeout)
	case err != nil:
		return types.FragmentResult{}, err
	case !resp.OK():
		return types.FragmentResult{}, errors.New(resp.Error)
	}

	var out types.TaskResult
	if err := resp.DecodeResult(&out); err != nil {
		return types.FragmentResult{}, fmt.Errorf("decode result: %w", err)
	}
	node := out.NodeID
	if node == "" {
		node = target.PeerID
	}
	return types.FragmentResult{
		JobID:            f.JobID,
		FragmentIndex:    f.FragmentIndex,
		Output:           out.Output,
		TokensGenerated:  out.TokensProcessed,
		ProcessingTimeMs: out.ProcessingTimeMs,
		NodeID:           node,
	}, nil
}
