package runspec

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeSpec(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "run.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadOverlaysDefaults(t *testing.T) {
	path := writeSpec(t, `
train_file: data/train.csv
val_file: data/val.csv
loop:
  epochs: 12
  patience: 4
model:
  learning_rate: 0.01
`)

	spec, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "data/train.csv", spec.TrainFile)
	assert.Equal(t, 12, spec.Loop.Epochs)
	assert.Equal(t, 4, spec.Loop.Patience)
	assert.Equal(t, 0.01, spec.Model.LearningRate)

	// Unset fields keep their defaults.
	assert.Equal(t, "./output", spec.OutputDir)
	assert.Equal(t, 1, spec.Loop.AccumulationWindow)
	assert.Equal(t, "f1_macro", spec.Loop.SelectionMetric)
	assert.Equal(t, 32, spec.Model.BatchSize)
	assert.Equal(t, 4096, spec.Model.FeatureBuckets)
}

func TestLoadRejectsMissingSplits(t *testing.T) {
	path := writeSpec(t, "val_file: data/val.csv\n")
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "train_file")
}

func TestLoadRejectsInvalidLoopConfig(t *testing.T) {
	path := writeSpec(t, `
train_file: a.csv
val_file: b.csv
loop:
  epochs: 0
`)
	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadRejectsBadWarmupRatio(t *testing.T) {
	path := writeSpec(t, `
train_file: a.csv
val_file: b.csv
model:
  warmup_ratio: 1.5
`)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "warmup_ratio")
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}

func TestDefaultIsInvalidWithoutDataFiles(t *testing.T) {
	err := Default().Validate()
	require.Error(t, err)
}
