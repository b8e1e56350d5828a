package train

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCadenceNeverFiresOffBoundary(t *testing.T) {
	cadence, err := NewCadence(1, 1)
	require.NoError(t, err)

	for step := 0; step <= 20; step++ {
		b := StepBoundary{IsBoundary: false, GlobalStep: step}
		assert.False(t, cadence.ShouldEval(b))
		assert.False(t, cadence.ShouldSave(b))
	}
}

func TestCadenceZeroMeansNever(t *testing.T) {
	cadence, err := NewCadence(0, 0)
	require.NoError(t, err)

	for step := 1; step <= 20; step++ {
		b := StepBoundary{IsBoundary: true, GlobalStep: step}
		assert.False(t, cadence.ShouldEval(b))
		assert.False(t, cadence.ShouldSave(b))
	}
}

func TestCadenceFiresOnMultiples(t *testing.T) {
	cadence, err := NewCadence(3, 5)
	require.NoError(t, err)

	var evals, saves []int
	for step := 1; step <= 15; step++ {
		b := StepBoundary{IsBoundary: true, GlobalStep: step}
		if cadence.ShouldEval(b) {
			evals = append(evals, step)
		}
		if cadence.ShouldSave(b) {
			saves = append(saves, step)
		}
	}
	assert.Equal(t, []int{3, 6, 9, 12, 15}, evals)
	assert.Equal(t, []int{5, 10, 15}, saves)
}

func TestCadenceRejectsNegativeIntervals(t *testing.T) {
	_, err := NewCadence(-1, 0)
	require.Error(t, err)
	_, err = NewCadence(0, -2)
	require.Error(t, err)
}
