// Package scorer ranks nodes for shard tie-breaking and dispatch.
//
// Score is a pure weighted sum over a node's announced capabilities and a
// reputation value. Reputation itself is kept by a ReputationTracker, a
// decayed running average of hop and fragment outcomes.
package scorer

import (
	"errors"
	"fmt"

	"github.com/salahayoub/swarm/pkg/types"
)

// Weights are the coefficients of the score. They need not sum to one.
type Weights struct {
	CPU        float64 `toml:"cpu" json:"cpu"`
	Memory     float64 `toml:"memory" json:"memory"`
	GPU        float64 `toml:"gpu" json:"gpu"`
	Reputation float64 `toml:"reputation" json:"reputation"`
}

// DefaultWeights makes one core worth 10 points, one GB of free memory
// about 10, one GB of GPU memory about 20, and a perfect reputation 100.
func DefaultWeights() Weights {
	return Weights{CPU: 10, Memory: 0.01, GPU: 0.02, Reputation: 100}
}

// Validate rejects negative weights.
func (w Weights) Validate() error {
	var errs []error
	for name, v := range map[string]float64{"cpu": w.CPU, "memory": w.Memory, "gpu": w.GPU, "reputation": w.Reputation} {
		if v < 0 {
			errs = append(errs, fmt.Errorf("weight %s is negative: %v", name, v))
		}
	}
	return errors.Join(errs...)
}

// Score computes
//
//	CPU*cores + Memory*available_mb + GPU*(gpu ? gpu_mb : 0) + Reputation*reputation
//
// reputation is clamped into [0,1].
func Score(c types.Capabilities, reputation float64, w Weights) float64 {
	gpu := 0.0
	if c.GPUAvailable {
		gpu = float64(c.GPUMemoryMB)
	}
	return w.CPU*float64(c.CPUCores) +
		w.Memory*float64(c.MemoryAvailableMB) +
		w.GPU*gpu +
		w.Reputation*clamp01(reputation)
}

// Scorer binds weights to an optional reputation source.
type Scorer struct {
	Weights    Weights
	Reputation ReputationSource
}

// ReputationSource looks up a peer's reputation, falling back to the announced value.
type ReputationSource interface {
	Get(peerID string, fallback float64) float64
}

// New returns a Scorer. A nil source uses announced reputations only.
func New(w Weights, rep ReputationSource) *Scorer {
	return &Scorer{Weights: w, Reputation: rep}
}

// ScoreAnnouncement scores the node behind an announcement.
func (s *Scorer) ScoreAnnouncement(a types.ShardAnnouncement) float64 {
	rep := a.Capabilities.Reputation
	if s.Reputation != nil {
		rep = s.Reputation.Get(a.PeerID, rep)
	}
	return Score(a.Capabilities, rep, s.Weights)
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
