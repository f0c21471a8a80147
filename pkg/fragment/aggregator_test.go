package fragment

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/salahayoub/swarm/pkg/types"
)

func TestAggregatorWaitsForEveryIndex(t *testing.T) {
	agg := NewAggregator("job", 3, false)

	assert.True(t, agg.Add(types.FragmentResult{JobID: "job", FragmentIndex: 2, Output: "c", TokensGenerated: 1, ProcessingTimeMs: 5}))
	assert.True(t, agg.Add(types.FragmentResult{JobID: "job", FragmentIndex: 0, Output: "a", TokensGenerated: 2, ProcessingTimeMs: 7}))
	assert.False(t, agg.Complete())
	assert.Equal(t, []int{1}, agg.Missing())
	_, err := agg.Result()
	assert.ErrorIs(t, err, ErrIncomplete)

	assert.False(t, agg.Add(types.FragmentResult{JobID: "job", FragmentIndex: 0, Output: "dup"}), "duplicate index")
	assert.False(t, agg.Add(types.FragmentResult{JobID: "job", FragmentIndex: 3}), "out of range")
	assert.False(t, agg.Add(types.FragmentResult{JobID: "other", FragmentIndex: 1}), "another job")
	assert.False(t, agg.Complete())

	assert.True(t, agg.Add(types.FragmentResult{JobID: "job", FragmentIndex: 1, Output: "b", TokensGenerated: 3, ProcessingTimeMs: 1}))
	require.True(t, agg.Complete())

	res, err := agg.Result()
	require.NoError(t, err)
	assert.Equal(t, "abc", res.CombinedOutput)
	assert.Equal(t, []string{"a", "b", "c"}, res.FragmentOutputs)
	assert.Equal(t, 6, res.TotalTokens)
	assert.Equal(t, int64(13), res.TotalProcessingTimeMs)
	assert.Equal(t, 3, res.FragmentsProcessed)
}

func TestAggregatorMergesArrays(t *testing.T) {
	agg := NewAggregator("job", 3, true)
	agg.Add(types.FragmentResult{JobID: "job", FragmentIndex: 1, Output: `[3,4]`})
	agg.Add(types.FragmentResult{JobID: "job", FragmentIndex: 0, Output: `[1, 2]`})
	agg.Add(types.FragmentResult{JobID: "job", FragmentIndex: 2, Output: `plain`})

	res, err := agg.Result()
	require.NoError(t, err)
	assert.JSONEq(t, `[1,2,3,4,"plain"]`, res.CombinedOutput)
}
