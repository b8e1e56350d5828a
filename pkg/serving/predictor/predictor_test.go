package predictor

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/anneal-ml/anneal/pkg/checkpoint"
	"github.com/anneal-ml/anneal/pkg/common/logger"
	"github.com/anneal-ml/anneal/pkg/dataset"
	"github.com/anneal-ml/anneal/pkg/ml/softmax"
	"github.com/anneal-ml/anneal/pkg/train"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	logger.Init()
	m.Run()
}

// trainedCheckpoint trains a tiny classifier on hashed text features and
// publishes it as a best checkpoint, returning the artifact path.
func trainedCheckpoint(t *testing.T) string {
	t.Helper()

	vec := dataset.NewVectorizer(1024, 1)
	backend, err := softmax.NewBackend(softmax.Config{
		Classes:        2,
		Features:       vec.Buckets,
		Labels:         []string{"negative", "positive"},
		LearningRate:   0.5,
		FeatureBuckets: vec.Buckets,
		NGramSize:      vec.NGrams,
	})
	require.NoError(t, err)

	batch := train.Batch{
		Features: [][]float64{vec.Vectorize("bad"), vec.Vectorize("good")},
		Labels:   []int{0, 1},
	}
	ctx := context.Background()
	for i := 0; i < 100; i++ {
		loss, err := backend.ComputeLoss(ctx, batch)
		require.NoError(t, err)
		require.NoError(t, backend.AccumulateGradients(loss))
		require.NoError(t, backend.ApplyOptimizerStep(ctx))
		backend.AdvanceSchedule()
	}

	blobs, err := backend.StateBlobs()
	require.NoError(t, err)
	manager, err := checkpoint.NewManager(t.TempDir(), 3)
	require.NoError(t, err)
	path, err := manager.SaveBest(train.LoopState{Epoch: 1, GlobalStep: 100}, blobs)
	require.NoError(t, err)
	return path
}

func TestPredictorServesBestCheckpoint(t *testing.T) {
	path := trainedCheckpoint(t)
	p := New()

	pred, err := p.Predict(path, "good")
	require.NoError(t, err)
	assert.Equal(t, "positive", pred.Label)
	assert.Greater(t, pred.Probabilities["positive"], pred.Probabilities["negative"])

	pred, err = p.Predict(path, "bad")
	require.NoError(t, err)
	assert.Equal(t, "negative", pred.Label)

	// Second call is served from the cache and stays consistent.
	again, err := p.Predict(path, "bad")
	require.NoError(t, err)
	assert.Equal(t, pred, again)
}

func TestPredictorMissingCheckpoint(t *testing.T) {
	p := New()
	_, err := p.Predict(filepath.Join(t.TempDir(), "absent.json"), "text")
	require.Error(t, err)
}

func TestPredictorRejectsUnusableCheckpoint(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "broken.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"model_blob":null}`), 0o644))

	p := New()
	_, err := p.Predict(path, "text")
	require.Error(t, err)
}
