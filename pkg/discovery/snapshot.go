package discovery

import (
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/salahayoub/swarm/pkg/scorer"
	"github.com/salahayoub/swarm/pkg/types"
)

// Snapshot is an immutable view of the discovery tree. The engine
// publishes a new one after every ingestion; readers never lock.
type Snapshot struct {
	replicas map[int][]types.ShardAnnouncement // sorted by peer id, stale entries included
	expected int
	ttl      time.Duration
	at       time.Time
}

func emptySnapshot(expected int, ttl time.Duration, at time.Time) *Snapshot {
	return &Snapshot{replicas: map[int][]types.ShardAnnouncement{}, expected: expected, ttl: ttl, at: at}
}

// NewSnapshot builds a snapshot from a list of announcements. Later entries
// for the same (shard, peer) replace earlier ones. Used by tests and by
// callers that assemble a swarm view without an engine.
func NewSnapshot(anns []types.ShardAnnouncement, expected int, ttl time.Duration, at time.Time) *Snapshot {
	tree := make(map[int]map[string]types.ShardAnnouncement)
	for _, a := range anns {
		if tree[a.ShardID] == nil {
			tree[a.ShardID] = make(map[string]types.ShardAnnouncement)
		}
		tree[a.ShardID][a.PeerID] = a
	}
	return buildSnapshot(tree, expected, ttl, at)
}

func buildSnapshot(tree map[int]map[string]types.ShardAnnouncement, expected int, ttl time.Duration, at time.Time) *Snapshot {
	s := emptySnapshot(expected, ttl, at)
	for id, byPeer := range tree {
		list := make([]types.ShardAnnouncement, 0, len(byPeer))
		for _, a := range byPeer {
			list = append(list, a)
		}
		sort.Slice(list, func(i, j int) bool { return list[i].PeerID < list[j].PeerID })
		s.replicas[id] = list
	}
	return s
}

// atTime returns a copy of s that evaluates staleness at t.
func (s *Snapshot) atTime(t time.Time) *Snapshot {
	cp := *s
	cp.at = t
	return &cp
}

// TakenAt is the instant staleness is evaluated against.
func (s *Snapshot) TakenAt() time.Time {
	return s.at
}

// ExpectedShards is the number of shards the swarm needs.
func (s *Snapshot) ExpectedShards() int {
	return s.expected
}

// Live returns the non-stale replicas of shardID ordered by peer id.
func (s *Snapshot) Live(shardID int) []types.ShardAnnouncement {
	var out []types.ShardAnnouncement
	for _, a := range s.replicas[shardID] {
		if !a.IsStale(s.at, s.ttl) {
			out = append(out, a)
		}
	}
	return out
}

// Ranked returns the live replicas of shardID in preference order: loaded
// first, then highest score, then newest timestamp. A nil scorer scores
// every replica equally.
func (s *Snapshot) Ranked(shardID int, sc *scorer.Scorer) []types.ShardAnnouncement {
	return rank(s.Live(shardID), sc)
}

func rank(list []types.ShardAnnouncement, sc *scorer.Scorer) []types.ShardAnnouncement {
	scores := make(map[string]float64, len(list))
	if sc != nil {
		for _, a := range list {
			scores[a.PeerID] = sc.ScoreAnnouncement(a)
		}
	}
	sort.SliceStable(list, func(i, j int) bool {
		a, b := list[i], list[j]
		if a.ShardLoaded != b.ShardLoaded {
			return a.ShardLoaded
		}
		if sa, sb := scores[a.PeerID], scores[b.PeerID]; sa != sb {
			return sa > sb
		}
		if a.Timestamp != b.Timestamp {
			return a.Timestamp > b.Timestamp
		}
		return a.PeerID < b.PeerID
	})
	return list
}

// Best returns the preferred live replica of shardID.
func (s *Snapshot) Best(shardID int, sc *scorer.Scorer) (types.ShardAnnouncement, bool) {
	ranked := s.Ranked(shardID, sc)
	if len(ranked) == 0 {
		return types.ShardAnnouncement{}, false
	}
	return ranked[0], true
}

// BestLoaded returns the preferred live replica of shardID that has its
// weights loaded, skipping any peer in exclude.
func (s *Snapshot) BestLoaded(shardID int, sc *scorer.Scorer, exclude map[string]bool) (types.ShardAnnouncement, bool) {
	for _, a := range s.Ranked(shardID, sc) {
		if a.ShardLoaded && !exclude[a.PeerID] {
			return a, true
		}
	}
	return types.ShardAnnouncement{}, false
}

// ReplicaCount returns the number of live replicas of shardID.
func (s *Snapshot) ReplicaCount(shardID int) int {
	return len(s.Live(shardID))
}

// ShardIDs returns the ids with at least one live replica, ascending.
func (s *Snapshot) ShardIDs() []int {
	var ids []int
	for id := range s.replicas {
		if len(s.Live(id)) > 0 {
			ids = append(ids, id)
		}
	}
	sort.Ints(ids)
	return ids
}

// Status computes swarm readiness. A shard whose replicas are all stale
// counts as missing, exactly like one never seen.
func (s *Snapshot) Status() types.SwarmStatus {
	st := types.SwarmStatus{
		ExpectedShards:  s.expected,
		MissingShards:   []int{},
		ShardsNotLoaded: []int{},
	}
	for id := 0; id < s.expected; id++ {
		live := s.Live(id)
		if len(live) == 0 {
			st.MissingShards = append(st.MissingShards, id)
			continue
		}
		st.DiscoveredShards++
		loaded := false
		for _, a := range live {
			if a.ShardLoaded {
				loaded = true
				break
			}
		}
		if !loaded {
			st.ShardsNotLoaded = append(st.ShardsNotLoaded, id)
		}
	}
	st.IsComplete = s.expected > 0 && len(st.MissingShards) == 0
	st.AllLoaded = st.DiscoveredShards > 0 && len(st.ShardsNotLoaded) == 0
	st.SwarmReady = st.IsComplete && st.AllLoaded
	return st
}

// ShardStatuses reports every expected shard as seen from localPeer.
func (s *Snapshot) ShardStatuses(localPeer string, sc *scorer.Scorer) map[string]types.ShardStatus {
	out := make(map[string]types.ShardStatus, s.expected)
	for id := 0; id < s.expected; id++ {
		st := types.ShardStatus{ShardID: id}
		ranked := s.Ranked(id, sc)
		if len(ranked) > 0 {
			st.Discovered = true
			st.ShardLoaded = ranked[0].ShardLoaded
			st.PeerID = ranked[0].PeerID
			st.Replicas = len(ranked)
			for _, a := range ranked {
				if a.PeerID == localPeer {
					st.IsLocal = true
				}
			}
		}
		out[strconv.Itoa(id)] = st
	}
	return out
}

// EntryNode is the preferred replica of the first shard.
func (s *Snapshot) EntryNode(sc *scorer.Scorer) (types.ShardAnnouncement, bool) {
	return s.Best(0, sc)
}

// ExitNode is the preferred replica of the last expected shard.
func (s *Snapshot) ExitNode(sc *scorer.Scorer) (types.ShardAnnouncement, bool) {
	if s.expected == 0 {
		return types.ShardAnnouncement{}, false
	}
	return s.Best(s.expected-1, sc)
}

// NextShard returns the shard after shardID in pipeline order.
func (s *Snapshot) NextShard(shardID int) (int, bool) {
	if shardID+1 >= s.expected || shardID < 0 {
		return 0, false
	}
	return shardID + 1, true
}

// PreviousShard returns the shard before shardID in pipeline order.
func (s *Snapshot) PreviousShard(shardID int) (int, bool) {
	if shardID <= 0 || shardID >= s.expected {
		return 0, false
	}
	return shardID - 1, true
}

// Nodes returns one announcement per distinct live peer (its preferred
// one), in peer id order. These are the candidate workers for fragments.
func (s *Snapshot) Nodes(sc *scorer.Scorer) []types.ShardAnnouncement {
	byPeer := make(map[string][]types.ShardAnnouncement)
	for id := range s.replicas {
		for _, a := range s.Live(id) {
			byPeer[a.PeerID] = append(byPeer[a.PeerID], a)
		}
	}
	out := make([]types.ShardAnnouncement, 0, len(byPeer))
	for _, list := range byPeer {
		out = append(out, rank(list, sc)[0])
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PeerID < out[j].PeerID })
	return out
}

// ValidateTiling checks that the preferred replica of every expected shard
// covers [0,totalLayers) with no gap or overlap.
func (s *Snapshot) ValidateTiling(totalLayers int, sc *scorer.Scorer) error {
	next := 0
	for id := 0; id < s.expected; id++ {
		a, ok := s.Best(id, sc)
		if !ok {
			return fmt.Errorf("shard %d is missing", id)
		}
		switch {
		case a.LayerStart > next:
			return fmt.Errorf("gap: layers [%d,%d) not covered before shard %d", next, a.LayerStart, id)
		case a.LayerStart < next:
			return fmt.Errorf("overlap: shard %d starts at layer %d, previous shard ends at %d", id, a.LayerStart, next)
		}
		next = a.LayerEnd
	}
	if next != totalLayers {
		return fmt.Errorf("layers end at %d, model has %d", next, totalLayers)
	}
	return nil
}
