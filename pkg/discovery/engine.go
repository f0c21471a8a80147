// Package discovery keeps a node's view of which peers host which model
// shards. The Engine publishes the local announcement into the DHT, polls
// the DHT for every expected shard, and folds what it finds into the
// discovery tree. Readers get immutable snapshots.
package discovery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/salahayoub/swarm/pkg/dht"
	"github.com/salahayoub/swarm/pkg/scorer"
	"github.com/salahayoub/swarm/pkg/types"
)

// Default timings.
const (
	DefaultTTL             = 300 * time.Second
	DefaultRefreshInterval = 60 * time.Second
	DefaultFallbackDelay   = 15 * time.Second
	DefaultPollInterval    = 3 * time.Second
)

// ErrNoLocalAnnouncement is returned by UpdateLocal before Announce.
var ErrNoLocalAnnouncement = errors.New("no local announcement")

// Config configures an Engine.
type Config struct {
	ClusterName string
	ModelName   string
	Version     string
	PeerID      string
	// Addr is the transport address other nodes dial to reach this one.
	Addr string

	// ExpectedShards is the pipeline length. Zero means learn it from the
	// first announcement or the cluster metadata.
	ExpectedShards int
	TotalLayers    int

	// TTL is how long an announcement stays live without a refresh.
	TTL time.Duration
	// RefreshInterval is how often the local announcement is re-published.
	RefreshInterval time.Duration
	// FallbackDelay is when the one-shot re-announce after joining fires.
	FallbackDelay time.Duration
	// PollInterval is how often the DHT is queried for every shard.
	PollInterval time.Duration
	// Quorum is the number of remote peers asked to store each put.
	Quorum int

	Logger zerolog.Logger
	// Now overrides the clock; nil uses time.Now.
	Now func() time.Time
}

func (c *Config) setDefaults() {
	if c.TTL <= 0 {
		c.TTL = DefaultTTL
	}
	if c.RefreshInterval <= 0 {
		c.RefreshInterval = DefaultRefreshInterval
	}
	if c.FallbackDelay <= 0 {
		c.FallbackDelay = DefaultFallbackDelay
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.Quorum <= 0 {
		c.Quorum = 1
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// Engine owns the discovery tree. Only its ingestion path mutates the tree;
// everyone else reads snapshots.
type Engine struct {
	cfg    Config
	dht    dht.DHT
	scorer *scorer.Scorer
	log    zerolog.Logger

	mu    sync.Mutex
	tree  map[int]map[string]types.ShardAnnouncement
	local *types.ShardAnnouncement

	expected     atomic.Int64
	snap         atomic.Pointer[Snapshot]
	routingReady chan struct{}
	readyOnce    sync.Once
}

// NewEngine creates an engine over d. sc ranks replicas in ShardStatuses;
// it may be nil.
func NewEngine(cfg Config, d dht.DHT, sc *scorer.Scorer) (*Engine, error) {
	if cfg.ClusterName == "" {
		return nil, errors.New("cluster name is required")
	}
	if cfg.PeerID == "" {
		return nil, errors.New("peer id is required")
	}
	if cfg.TotalLayers <= 0 {
		return nil, errors.New("total layers must be positive")
	}
	cfg.setDefaults()
	if cfg.RefreshInterval >= cfg.TTL {
		return nil, fmt.Errorf("refresh interval %s must be shorter than ttl %s", cfg.RefreshInterval, cfg.TTL)
	}

	e := &Engine{
		cfg:          cfg,
		dht:          d,
		scorer:       sc,
		log:          cfg.Logger.With().Str("component", "discovery").Str("cluster", cfg.ClusterName).Logger(),
		tree:         make(map[int]map[string]types.ShardAnnouncement),
		routingReady: make(chan struct{}),
	}
	e.expected.Store(int64(cfg.ExpectedShards))
	e.snap.Store(emptySnapshot(cfg.ExpectedShards, cfg.TTL, cfg.Now()))
	return e, nil
}

// PeerID returns the local node's identity.
func (e *Engine) PeerID() string {
	return e.cfg.PeerID
}

// ClusterName returns the cluster this engine discovers.
func (e *Engine) ClusterName() string {
	return e.cfg.ClusterName
}

// ExpectedShards returns the pipeline length, or zero while still unknown.
func (e *Engine) ExpectedShards() int {
	return int(e.expected.Load())
}

// Snapshot returns the current immutable view, evaluated at the current time.
func (e *Engine) Snapshot() *Snapshot {
	return e.snap.Load().atTime(e.cfg.Now())
}

// Status computes swarm readiness from the current snapshot.
func (e *Engine) Status() types.SwarmStatus {
	return e.Snapshot().Status()
}

// ShardStatuses reports every expected shard from this node's point of view.
func (e *Engine) ShardStatuses() map[string]types.ShardStatus {
	return e.Snapshot().ShardStatuses(e.cfg.PeerID, e.scorer)
}

// LocalAnnouncement returns a copy of the local announcement, if any.
func (e *Engine) LocalAnnouncement() (types.ShardAnnouncement, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.local == nil {
		return types.ShardAnnouncement{}, false
	}
	return *e.local, true
}

// Announce publishes this node as a host of shardID. While the pipeline
// length is unknown the cluster metadata is consulted first; if it is still
// unknown the announcement covers every layer until a later refresh places
// it.
func (e *Engine) Announce(ctx context.Context, shardID int, caps types.Capabilities, loaded bool) error {
	if e.ExpectedShards() == 0 {
		if _, _, err := e.FetchMetadata(ctx); err != nil {
			e.log.Debug().Err(err).Msg("cluster metadata lookup failed")
		}
	}
	total := e.ExpectedShards()
	if total > 0 && (shardID < 0 || shardID >= total) {
		return fmt.Errorf("shard %d out of range for %d shards", shardID, total)
	}

	ann := types.NewShardAnnouncement(e.cfg.ClusterName, shardID, total, e.cfg.TotalLayers, e.cfg.PeerID, e.cfg.Addr)
	ann.ModelName = e.cfg.ModelName
	ann.Version = e.cfg.Version
	ann.Capabilities = caps
	ann.ShardLoaded = loaded
	ann.Timestamp = e.cfg.Now().Unix()

	e.mu.Lock()
	e.local = &ann
	e.mu.Unlock()

	return e.publish(ctx, ann)
}

// UpdateLocal re-publishes the local announcement with new capabilities
// and load state, for example once the shard's weights are verified.
func (e *Engine) UpdateLocal(ctx context.Context, caps types.Capabilities, loaded bool) error {
	e.mu.Lock()
	if e.local == nil {
		e.mu.Unlock()
		return ErrNoLocalAnnouncement
	}
	ann := placed(*e.local, e.ExpectedShards())
	ann.Capabilities = caps
	ann.ShardLoaded = loaded
	ann.Timestamp = e.cfg.Now().Unix()
	e.local = &ann
	e.mu.Unlock()

	return e.publish(ctx, ann)
}

// RefreshAnnouncement re-publishes the local announcement with a fresh
// timestamp, placing it in the pipeline if the length became known since.
// It does nothing before the first Announce.
func (e *Engine) RefreshAnnouncement(ctx context.Context) error {
	e.mu.Lock()
	if e.local == nil {
		e.mu.Unlock()
		return nil
	}
	ann := placed(*e.local, e.ExpectedShards())
	ann.Timestamp = e.cfg.Now().Unix()
	e.local = &ann
	e.mu.Unlock()

	return e.publish(ctx, ann)
}

// placed returns ann with the layer range and position flags of its shard
// in a pipeline of total shards. ann is returned unchanged while total is
// unknown or already applied.
func placed(ann types.ShardAnnouncement, total int) types.ShardAnnouncement {
	if total <= 0 || ann.TotalShards == total {
		return ann
	}
	ann.TotalShards = total
	ann.LayerStart, ann.LayerEnd = types.LayerRange(ann.ShardID, total, ann.TotalLayers)
	ann.HasEmbeddings = ann.ShardID == 0
	ann.HasOutput = ann.ShardID == total-1
	return ann
}

// unplaced reports whether the local announcement predates the known
// pipeline length.
func (e *Engine) unplaced() bool {
	total := e.ExpectedShards()
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.local != nil && total > 0 && e.local.TotalShards != total
}

// publish ingests ann locally and writes it to the DHT. A quorum failure
// is expected in small swarms and is not reported.
func (e *Engine) publish(ctx context.Context, ann types.ShardAnnouncement) error {
	e.Ingest(ann)

	val, err := json.Marshal(ann)
	if err != nil {
		return fmt.Errorf("encode announcement: %w", err)
	}
	rec := types.Record{
		Key:       dht.ShardKey(ann.ClusterName, ann.ShardID),
		Publisher: ann.PeerID,
		Value:     val,
		Expires:   ann.PublishedAt().Add(e.cfg.TTL),
	}
	err = e.dht.PutRecord(ctx, rec, e.cfg.Quorum)
	switch {
	case err == nil:
		e.log.Debug().Int("shard_id", ann.ShardID).Bool("shard_loaded", ann.ShardLoaded).Msg("announced shard")
		return nil
	case errors.Is(err, dht.ErrQuorumFailed):
		e.log.Debug().Int("shard_id", ann.ShardID).Msg("announcement quorum not reached, record still served locally")
		return nil
	default:
		return fmt.Errorf("publish shard %d: %w", ann.ShardID, err)
	}
}

// PublishMetadata writes the cluster metadata record.
func (e *Engine) PublishMetadata(ctx context.Context, meta types.ClusterMetadata) error {
	meta.ClusterName = e.cfg.ClusterName
	if meta.Timestamp == 0 {
		meta.Timestamp = e.cfg.Now().Unix()
	}
	val, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	rec := types.Record{
		Key:       dht.MetadataKey(e.cfg.ClusterName),
		Publisher: e.cfg.PeerID,
		Value:     val,
		Expires:   time.Unix(meta.Timestamp, 0).Add(e.cfg.TTL),
	}
	if err := e.dht.PutRecord(ctx, rec, e.cfg.Quorum); err != nil && !errors.Is(err, dht.ErrQuorumFailed) {
		return fmt.Errorf("publish metadata: %w", err)
	}
	if meta.TotalShards > 0 {
		e.expected.CompareAndSwap(0, int64(meta.TotalShards))
	}
	return nil
}

// FetchMetadata reads the newest cluster metadata record and adopts its
// pipeline length if none is known yet. The boolean is false when none has
// been published yet.
func (e *Engine) FetchMetadata(ctx context.Context) (types.ClusterMetadata, bool, error) {
	recs, err := e.dht.GetRecords(ctx, dht.MetadataKey(e.cfg.ClusterName))
	if errors.Is(err, dht.ErrRecordNotFound) {
		return types.ClusterMetadata{}, false, nil
	}
	if err != nil {
		return types.ClusterMetadata{}, false, err
	}
	var best types.ClusterMetadata
	found := false
	for _, rec := range recs {
		var m types.ClusterMetadata
		if err := json.Unmarshal(rec.Value, &m); err != nil || m.ClusterName != e.cfg.ClusterName {
			continue
		}
		if !found || m.Timestamp > best.Timestamp {
			best, found = m, true
		}
	}
	if found && best.TotalShards > 0 {
		e.expected.CompareAndSwap(0, int64(best.TotalShards))
	}
	return best, found, nil
}

// Ingest folds one announcement into the tree, keyed by its peer, and
// publishes a new snapshot. Announcements for another cluster, invalid
// ones, and ones older than what is already held are ignored.
func (e *Engine) Ingest(ann types.ShardAnnouncement) bool {
	if ann.ClusterName != e.cfg.ClusterName {
		return false
	}
	if err := ann.Validate(); err != nil {
		e.log.Debug().Err(err).Str("peer_id", ann.PeerID).Msg("ignoring invalid announcement")
		return false
	}
	if ann.TotalShards > 0 {
		e.expected.CompareAndSwap(0, int64(ann.TotalShards))
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	byPeer := e.tree[ann.ShardID]
	if byPeer == nil {
		byPeer = make(map[string]types.ShardAnnouncement)
		e.tree[ann.ShardID] = byPeer
	}
	if prev, ok := byPeer[ann.PeerID]; ok && prev.Timestamp > ann.Timestamp {
		return false
	}
	byPeer[ann.PeerID] = ann
	e.publishSnapshotLocked()
	return true
}

// publishSnapshotLocked must be called with e.mu held.
func (e *Engine) publishSnapshotLocked() {
	e.snap.Store(buildSnapshot(e.tree, e.ExpectedShards(), e.cfg.TTL, e.cfg.Now()))
}

// CleanupStale removes announcements that outlived the TTL and returns
// how many were dropped.
func (e *Engine) CleanupStale() int {
	now := e.cfg.Now()
	e.mu.Lock()
	defer e.mu.Unlock()
	removed := 0
	for id, byPeer := range e.tree {
		for peer, a := range byPeer {
			if a.IsStale(now, e.cfg.TTL) {
				delete(byPeer, peer)
				removed++
			}
		}
		if len(byPeer) == 0 {
			delete(e.tree, id)
		}
	}
	if removed > 0 {
		e.publishSnapshotLocked()
	}
	return removed
}

// Poll queries the DHT for every expected shard and ingests what it finds.
// Read failures are logged and left for the next poll. It returns the
// number of announcements ingested.
func (e *Engine) Poll(ctx context.Context) int {
	expected := e.ExpectedShards()
	if expected == 0 {
		if _, _, err := e.FetchMetadata(ctx); err == nil {
			expected = e.ExpectedShards()
		}
	}

	ingested := 0
	for id := 0; id < expected; id++ {
		if ctx.Err() != nil {
			return ingested
		}
		recs, err := e.dht.GetRecords(ctx, dht.ShardKey(e.cfg.ClusterName, id))
		if errors.Is(err, dht.ErrRecordNotFound) {
			continue
		}
		if err != nil {
			e.log.Warn().Err(err).Int("shard_id", id).Msg("shard lookup failed, retrying next poll")
			continue
		}
		for _, rec := range recs {
			var ann types.ShardAnnouncement
			if err := json.Unmarshal(rec.Value, &ann); err != nil {
				e.log.Debug().Err(err).Str("publisher", rec.Publisher).Msg("undecodable announcement")
				continue
			}
			if ann.ShardID != id || ann.PeerID != rec.Publisher {
				continue
			}
			if e.Ingest(ann) {
				ingested++
			}
		}
	}

	if removed := e.CleanupStale(); removed > 0 {
		e.log.Debug().Int("removed", removed).Msg("dropped stale announcements")
	}

	// Expected may have been learned from an announcement during this
	// poll; make sure the snapshot reflects it.
	e.mu.Lock()
	if e.snap.Load().expected != e.ExpectedShards() {
		e.publishSnapshotLocked()
	}
	e.mu.Unlock()

	if e.unplaced() {
		e.refresh(ctx, "pipeline length learned")
	}
	return ingested
}

// MarkRoutingReady tells the engine the DHT can route. The local
// announcement is re-published immediately.
func (e *Engine) MarkRoutingReady() {
	e.readyOnce.Do(func() { close(e.routingReady) })
}

// Run polls and refreshes until ctx is cancelled. FallbackDelay after
// start it re-announces once more unless MarkRoutingReady already did.
func (e *Engine) Run(ctx context.Context) error {
	poll := time.NewTicker(e.cfg.PollInterval)
	defer poll.Stop()
	refresh := time.NewTicker(e.cfg.RefreshInterval)
	defer refresh.Stop()
	fallback := time.NewTimer(e.cfg.FallbackDelay)
	defer fallback.Stop()

	ready := e.routingReady
	fallbackC := fallback.C
	e.Poll(ctx)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ready:
			ready = nil
			fallbackC = nil
			e.refresh(ctx, "routing ready")
		case <-fallbackC:
			fallbackC = nil
			e.refresh(ctx, "fallback re-announce, routing readiness never signalled")
		case <-refresh.C:
			e.refresh(ctx, "periodic refresh")
		case <-poll.C:
			if n := e.Poll(ctx); n > 0 {
				st := e.Status()
				e.log.Debug().
					Int("ingested", n).
					Int("discovered", st.DiscoveredShards).
					Int("expected", st.ExpectedShards).
					Bool("swarm_ready", st.SwarmReady).
					Msg("poll complete")
			}
		}
	}
}

func (e *Engine) refresh(ctx context.Context, reason string) {
	if err := e.RefreshAnnouncement(ctx); err != nil {
		e.log.Warn().Err(err).Str("reason", reason).Msg("re-announce failed")
		return
	}
	e.log.Debug().Str("reason", reason).Msg("re-announced")
}
