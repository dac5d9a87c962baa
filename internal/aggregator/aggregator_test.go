package aggregator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPolicyAllConvergence(t *testing.T) {
	t.Run("Should agree when every IMV votes the same", func(t *testing.T) {
		agg := New(PolicyAll, 3)
		agg.Provide(0, Allow, 0)
		agg.Provide(1, Allow, 0)
		rec, _, have := agg.HaveRecommendation()
		require.False(t, have, "not final until all IMVs vote")

		agg.Provide(2, Allow, 0)
		rec, _, have = agg.HaveRecommendation()
		require.True(t, have)
		assert.Equal(t, Allow, rec)
	})

	t.Run("Should fall back to NoAccess on any disagreement", func(t *testing.T) {
		agg := New(PolicyAll, 3)
		agg.Provide(0, NoAccess, 0)
		agg.Provide(1, Allow, 0)
		agg.Provide(2, Isolate, 0)

		rec, _, have := agg.HaveRecommendation()
		require.True(t, have)
		assert.Equal(t, NoAccess, rec)
	})
}

func TestPolicyAnyOverridesDissent(t *testing.T) {
	agg := New(PolicyAny, 3)
	agg.Provide(0, NoAccess, 0)
	agg.Provide(1, Allow, 0)
	agg.Provide(2, Isolate, 0)

	rec, _, have := agg.HaveRecommendation()
	require.True(t, have)
	assert.Equal(t, Allow, rec, "ANY policy must upgrade to Allow if any vote is Allow")
}

func TestPolicyAnyIsolateWhenNoAllow(t *testing.T) {
	agg := New(PolicyAny, 2)
	agg.Provide(0, NoAccess, 0)
	agg.Provide(1, Isolate, 0)

	rec, _, have := agg.HaveRecommendation()
	require.True(t, have)
	assert.Equal(t, Isolate, rec)
}

func TestRepeatedVoteDoesNotRecomputeFinal(t *testing.T) {
	agg := New(PolicyAll, 1)
	agg.Provide(0, Allow, 0)
	rec, _, have := agg.HaveRecommendation()
	require.True(t, have)
	assert.Equal(t, Allow, rec)

	// A later repeat vote from the same IMV updates the stored value but
	// must not change the already-final decision (§4.5 step 3).
	agg.Provide(0, NoAccess, 0)
	rec, _, _ = agg.HaveRecommendation()
	assert.Equal(t, Allow, rec)
}

func TestOutOfRangeIMVIgnored(t *testing.T) {
	agg := New(PolicyAll, 1)
	agg.Provide(5, Allow, 0)
	_, _, have := agg.HaveRecommendation()
	assert.False(t, have)
}

func TestZeroIMVsNeverFinalizes(t *testing.T) {
	agg := New(PolicyAll, 0)
	_, _, have := agg.HaveRecommendation()
	assert.False(t, have)
}
