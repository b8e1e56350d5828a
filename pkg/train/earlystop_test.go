package train

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEarlyStoppingRejectsNonPositivePatience(t *testing.T) {
	for _, patience := range []int{0, -3} {
		_, err := NewEarlyStopping(patience)
		require.Error(t, err)
	}
}

func TestEarlyStoppingImprovingSequenceNeverExhausts(t *testing.T) {
	policy, err := NewEarlyStopping(2)
	require.NoError(t, err)

	for _, metric := range []float64{0.5, 0.6, 0.7} {
		assert.Equal(t, SignalImproved, policy.Observe(metric))
	}
	assert.False(t, policy.Exhausted())
	assert.Equal(t, 0.7, policy.Best())
	assert.Equal(t, 2, policy.PatienceLeft())
}

func TestEarlyStoppingTieIsNotImprovement(t *testing.T) {
	policy, err := NewEarlyStopping(2)
	require.NoError(t, err)

	require.Equal(t, SignalImproved, policy.Observe(0.7))
	assert.Equal(t, SignalNone, policy.Observe(0.7))
	assert.Equal(t, SignalStopRequested, policy.Observe(0.7))
	assert.True(t, policy.Exhausted())
	assert.Equal(t, 0.7, policy.Best())
}

func TestEarlyStoppingFirstMetricAlwaysImproves(t *testing.T) {
	policy, err := NewEarlyStopping(1)
	require.NoError(t, err)
	require.True(t, math.IsInf(policy.Best(), -1))

	assert.Equal(t, SignalImproved, policy.Observe(-123.4))
}

func TestEarlyStoppingImprovementResetsPatience(t *testing.T) {
	policy, err := NewEarlyStopping(2)
	require.NoError(t, err)

	require.Equal(t, SignalImproved, policy.Observe(0.80))
	require.Equal(t, SignalImproved, policy.Observe(0.82))
	require.Equal(t, SignalNone, policy.Observe(0.81))
	assert.Equal(t, 1, policy.PatienceLeft())
	require.Equal(t, SignalStopRequested, policy.Observe(0.81))
	assert.True(t, policy.Exhausted())
	assert.Equal(t, 0.82, policy.Best())
}

func TestEarlyStoppingRestore(t *testing.T) {
	policy, err := NewEarlyStopping(3)
	require.NoError(t, err)

	policy.Restore(0.9, 1)
	assert.Equal(t, 0.9, policy.Best())
	assert.Equal(t, SignalStopRequested, policy.Observe(0.85))

	policy, err = NewEarlyStopping(3)
	require.NoError(t, err)
	policy.Restore(0.9, 2)
	assert.Equal(t, SignalNone, policy.Observe(0.85))
	assert.Equal(t, SignalImproved, policy.Observe(0.95))
	assert.Equal(t, 3, policy.PatienceLeft())
}
