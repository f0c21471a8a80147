package scorer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"pgregory.net/rapid"

	"github.com/salahayoub/swarm/pkg/types"
)

func TestReputationStartsAtDefault(t *testing.T) {
	tr := NewReputationTracker(0)
	assert.Equal(t, 0.7, tr.Get("x", 0.7))
	assert.InDelta(t, types.DefaultReputation+DefaultBlend*(1-types.DefaultReputation), tr.Success("x"), 1e-9)
}

func TestReputationSingleFailureDoesNotReset(t *testing.T) {
	tr := NewReputationTracker(0.2)
	for i := 0; i < 20; i++ {
		tr.Success("p")
	}
	high := tr.Get("p", 0)
	after := tr.Failure("p")
	assert.Less(t, after, high)
	assert.Greater(t, after, 0.5)
}

func TestReputationMovesMonotonicallyWithinBounds(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		blend := rapid.Float64Range(0.01, 1).Draw(t, "blend")
		outcomes := rapid.SliceOfN(rapid.Bool(), 1, 200).Draw(t, "outcomes")
		tr := NewReputationTracker(blend)

		prev := tr.Get("p", types.DefaultReputation)
		for _, ok := range outcomes {
			var next float64
			if ok {
				next = tr.Success("p")
				if next < prev || (prev < 1 && next == prev && 1-prev > 1e-12) {
					t.Fatalf("success did not raise reputation: %v -> %v", prev, next)
				}
			} else {
				next = tr.Failure("p")
				if next > prev || (prev > 0 && next == prev && prev > 1e-12) {
					t.Fatalf("failure did not lower reputation: %v -> %v", prev, next)
				}
			}
			if next < 0 || next > 1 {
				t.Fatalf("reputation left [0,1]: %v", next)
			}
			prev = next
		}
	})
}

func TestSnapshotIsACopy(t *testing.T) {
	tr := NewReputationTracker(0.5)
	tr.Success("a")
	snap := tr.Snapshot()
	snap["a"] = 0
	assert.NotEqual(t, 0.0, tr.Get("a", 0))
}
