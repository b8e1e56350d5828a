package train

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGateRejectsInvalidWindow(t *testing.T) {
	for _, window := range []int{0, -1, -100} {
		_, err := NewGate(window)
		require.Error(t, err)
		var cfgErr *ConfigError
		require.True(t, errors.As(err, &cfgErr))
		assert.Equal(t, "accumulation_window", cfgErr.Field)
	}
}

func TestGateStepsOncePerWindow(t *testing.T) {
	gate, err := NewGate(4)
	require.NoError(t, err)

	boundaries := 0
	for i := 0; i < 10; i++ {
		b := gate.OnBatch()
		if b.IsBoundary {
			boundaries++
		}
		assert.GreaterOrEqual(t, gate.AccumulationCount(), 0)
		assert.Less(t, gate.AccumulationCount(), 4)
	}

	assert.Equal(t, 2, boundaries)
	assert.Equal(t, 2, gate.GlobalStep())
	assert.Equal(t, 2, gate.AccumulationCount())
}

func TestGateWindowOne(t *testing.T) {
	gate, err := NewGate(1)
	require.NoError(t, err)

	for i := 1; i <= 5; i++ {
		b := gate.OnBatch()
		require.True(t, b.IsBoundary)
		assert.Equal(t, i, b.GlobalStep)
	}
}

func TestGateFlushRaggedTail(t *testing.T) {
	gate, err := NewGate(4)
	require.NoError(t, err)

	for i := 0; i < 6; i++ {
		gate.OnBatch()
	}
	require.Equal(t, 1, gate.GlobalStep())
	require.Equal(t, 2, gate.AccumulationCount())

	b := gate.Flush()
	require.True(t, b.IsBoundary)
	assert.Equal(t, 2, b.GlobalStep)
	assert.Equal(t, 0, gate.AccumulationCount())

	// Flushing an empty window is a no-op.
	b = gate.Flush()
	assert.False(t, b.IsBoundary)
	assert.Equal(t, 2, gate.GlobalStep())
}

func TestGateRestore(t *testing.T) {
	gate, err := NewGate(3)
	require.NoError(t, err)
	gate.OnBatch()
	gate.OnBatch()

	gate.Restore(7)
	assert.Equal(t, 7, gate.GlobalStep())
	assert.Equal(t, 0, gate.AccumulationCount())

	b := gate.OnBatch()
	assert.False(t, b.IsBoundary)
	gate.OnBatch()
	b = gate.OnBatch()
	require.True(t, b.IsBoundary)
	assert.Equal(t, 8, b.GlobalStep)
}
