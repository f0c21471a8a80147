package scorer

import (
	"sync"

	"github.com/salahayoub/swarm/pkg/types"
)

// DefaultBlend is the fraction of the distance to the target that one
// outcome moves a reputation.
const DefaultBlend = 0.2

// ReputationTracker keeps a per-peer exponential moving average of
// outcomes. Success pulls the value toward 1, failure toward 0; a single
// failure never resets it.
type ReputationTracker struct {
	mu    sync.RWMutex
	blend float64
	rep   map[string]float64
}

// NewReputationTracker creates a tracker. blend outside (0,1] uses DefaultBlend.
func NewReputationTracker(blend float64) *ReputationTracker {
	if blend <= 0 || blend > 1 {
		blend = DefaultBlend
	}
	return &ReputationTracker{blend: blend, rep: make(map[string]float64)}
}

// Blend returns r moved toward target by factor alpha.
func Blend(r, target, alpha float64) float64 {
	return clamp01(r + alpha*(target-r))
}

func (t *ReputationTracker) record(peerID string, target float64) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	cur, ok := t.rep[peerID]
	if !ok {
		cur = types.DefaultReputation
	}
	next := Blend(cur, target, t.blend)
	t.rep[peerID] = next
	return next
}

// Success records a completed hop or fragment and returns the new value.
func (t *ReputationTracker) Success(peerID string) float64 {
	return t.record(peerID, 1)
}

// Failure records a failed or timed out hop or fragment and returns the new value.
func (t *ReputationTracker) Failure(peerID string) float64 {
	return t.record(peerID, 0)
}

// Get returns the tracked reputation of peerID, or fallback if none is tracked.
func (t *ReputationTracker) Get(peerID string, fallback float64) float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if v, ok := t.rep[peerID]; ok {
		return v
	}
	return fallback
}

// Snapshot returns a copy of all tracked reputations.
func (t *ReputationTracker) Snapshot() map[string]float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[string]float64, len(t.rep))
	for k, v := range t.rep {
		out[k] = v
	}
	return out
}

var _ ReputationSource = (*ReputationTracker)(nil)

// Frozen is an immutable copy of tracked reputations. Scoring against a
// Frozen value gives the same answer no matter what the tracker records later.
type Frozen map[string]float64

// Freeze returns a Frozen copy of the tracker.
func (t *ReputationTracker) Freeze() Frozen {
	return Frozen(t.Snapshot())
}

// Get returns the frozen reputation of peerID, or fallback.
func (f Frozen) Get(peerID string, fallback float64) float64 {
	if v, ok := f[peerID]; ok {
		return v
	}
	return fallback
}

var _ ReputationSource = Frozen(nil)
