package checkpoint

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/anneal-ml/anneal/pkg/common/logger"
	"github.com/anneal-ml/anneal/pkg/train"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	logger.Init()
	m.Run()
}

func sampleState() train.LoopState {
	return train.LoopState{
		Epoch:        2,
		GlobalStep:   17,
		BestMetric:   0.91,
		PatienceLeft: 1,
	}
}

func sampleBlobs() train.Blobs {
	return train.Blobs{
		Model:     []byte(`{"weights":[0.1,0.2]}`),
		Optimizer: []byte(`{"step":17}`),
		Schedule:  []byte(`{"lr":0.001}`),
	}
}

func TestManagerRoundTrip(t *testing.T) {
	manager, err := NewManager(t.TempDir(), 3)
	require.NoError(t, err)

	path, err := manager.SaveBest(sampleState(), sampleBlobs())
	require.NoError(t, err)
	require.FileExists(t, path)

	state, blobs, err := manager.Load(path)
	require.NoError(t, err)
	assert.Equal(t, sampleState(), state)
	assert.Equal(t, sampleBlobs(), blobs)

	assert.True(t, manager.HasBest())
	assert.Equal(t, path, manager.BestPath())

	state, _, err = manager.LoadBest()
	require.NoError(t, err)
	assert.Equal(t, 17, state.GlobalStep)
}

func TestManagerLoadMissingIsNotFound(t *testing.T) {
	manager, err := NewManager(t.TempDir(), 3)
	require.NoError(t, err)

	_, _, err = manager.Load(filepath.Join(manager.Dir(), "nope.json"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.False(t, manager.HasBest())
}

func TestManagerLoadDetectsCorruption(t *testing.T) {
	dir := t.TempDir()
	manager, err := NewManager(dir, 3)
	require.NoError(t, err)

	// Not JSON at all.
	garbled := filepath.Join(dir, "garbled.json")
	require.NoError(t, os.WriteFile(garbled, []byte("not json"), 0o644))
	_, _, err = manager.Load(garbled)
	assert.True(t, errors.Is(err, ErrCorrupt))

	// Valid JSON whose blobs no longer match the recorded checksum.
	tampered := Checkpoint{
		Version:  1,
		State:    sampleState(),
		Checksum: 12345,
		Model:    []byte("tampered weights"),
	}
	payload, err := json.Marshal(tampered)
	require.NoError(t, err)
	tamperedPath := filepath.Join(dir, "tampered.json")
	require.NoError(t, os.WriteFile(tamperedPath, payload, 0o644))

	_, _, err = manager.Load(tamperedPath)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrCorrupt))
}

func TestManagerDirectoryResolvesLatest(t *testing.T) {
	dir := t.TempDir()
	manager, err := NewManager(dir, 5)
	require.NoError(t, err)

	for step := 1; step <= 3; step++ {
		state := sampleState()
		state.GlobalStep = step
		_, err := manager.SavePeriodic(state, sampleBlobs())
		require.NoError(t, err)
	}

	state, _, err := manager.Load(dir)
	require.NoError(t, err)
	assert.Equal(t, 3, state.GlobalStep)
}

func TestManagerDirectoryWithoutLatestIsNotFound(t *testing.T) {
	dir := t.TempDir()
	manager, err := NewManager(dir, 3)
	require.NoError(t, err)

	_, _, err = manager.Load(dir)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestManagerPrunesOldPeriodicCheckpoints(t *testing.T) {
	dir := t.TempDir()
	manager, err := NewManager(dir, 2)
	require.NoError(t, err)

	_, err = manager.SaveBest(sampleState(), sampleBlobs())
	require.NoError(t, err)

	for step := 1; step <= 5; step++ {
		state := sampleState()
		state.GlobalStep = step
		_, err := manager.SavePeriodic(state, sampleBlobs())
		require.NoError(t, err)
	}

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	var periodic []string
	for _, e := range entries {
		if e.Name() != "best_checkpoint.json" && e.Name() != "LATEST" {
			periodic = append(periodic, e.Name())
		}
	}
	assert.ElementsMatch(t, []string{
		"checkpoint_step_000004.json",
		"checkpoint_step_000005.json",
	}, periodic)

	// The best artifact survives pruning.
	assert.True(t, manager.HasBest())
}

func TestManagerSaveIsAtomicOverwrite(t *testing.T) {
	dir := t.TempDir()
	manager, err := NewManager(dir, 3)
	require.NoError(t, err)

	first := sampleState()
	_, err = manager.SaveBest(first, sampleBlobs())
	require.NoError(t, err)

	second := sampleState()
	second.GlobalStep = 42
	blobs := sampleBlobs()
	blobs.Model = []byte(`{"weights":[9.9]}`)
	_, err = manager.SaveBest(second, blobs)
	require.NoError(t, err)

	state, loaded, err := manager.LoadBest()
	require.NoError(t, err)
	assert.Equal(t, 42, state.GlobalStep)
	assert.Equal(t, blobs.Model, loaded.Model)

	// No temp files left behind.
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotContains(t, e.Name(), ".ckpt-")
	}
}
