package train

import (
	"context"
	"fmt"
	"testing"

	"github.com/anneal-ml/anneal/pkg/common/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	logger.Init()
	m.Run()
}

// fakeSource serves a fixed number of single-sample batches per epoch.
type fakeSource struct {
	batches int
	cursor  int
	resets  []int
	served  int
}

func (s *fakeSource) Reset(epoch int) error {
	s.cursor = 0
	s.resets = append(s.resets, epoch)
	return nil
}

func (s *fakeSource) Next() (Batch, bool, error) {
	if s.cursor >= s.batches {
		return Batch{}, false, nil
	}
	s.cursor++
	s.served++
	return Batch{Features: [][]float64{{float64(s.cursor)}}, Labels: []int{0}}, true, nil
}

func (s *fakeSource) Batches() int { return s.batches }

// fakeBackend counts calls and versions its model blob by the number of
// optimizer steps applied, so tests can tell which snapshot a
// checkpoint captured.
type fakeBackend struct {
	computes int
	accums   int
	steps    int
	advances int
	restored *Blobs
}

func (b *fakeBackend) ComputeLoss(ctx context.Context, batch Batch) (Loss, error) {
	b.computes++
	return Loss{Value: 0.5, Handle: batch}, nil
}

func (b *fakeBackend) AccumulateGradients(Loss) error {
	b.accums++
	return nil
}

func (b *fakeBackend) ApplyOptimizerStep(context.Context) error {
	b.steps++
	return nil
}

func (b *fakeBackend) AdvanceSchedule() { b.advances++ }

func (b *fakeBackend) StateBlobs() (Blobs, error) {
	return Blobs{
		Model:     []byte(fmt.Sprintf("model-v%d", b.steps)),
		Optimizer: []byte("opt"),
		Schedule:  []byte("sched"),
	}, nil
}

func (b *fakeBackend) RestoreBlobs(blobs Blobs) error {
	b.restored = &blobs
	return nil
}

// fakeEvaluator replays a scripted selection metric sequence.
type fakeEvaluator struct {
	seq   []float64
	calls int
}

func (e *fakeEvaluator) Evaluate(context.Context) (EvalResult, error) {
	idx := e.calls
	if idx >= len(e.seq) {
		idx = len(e.seq) - 1
	}
	e.calls++
	return EvalResult{
		Metrics:         map[string]float64{"f1_macro": e.seq[idx], "loss": 1 - e.seq[idx]},
		SelectionMetric: "f1_macro",
	}, nil
}

type storedCheckpoint struct {
	state LoopState
	blobs Blobs
}

// memStore is an in-memory CheckpointStore keyed by synthetic paths.
type memStore struct {
	items   map[string]storedCheckpoint
	bestKey string
}

func newMemStore() *memStore {
	return &memStore{items: map[string]storedCheckpoint{}}
}

func (m *memStore) SaveBest(state LoopState, blobs Blobs) (string, error) {
	m.bestKey = "best"
	m.items["best"] = storedCheckpoint{state: state, blobs: blobs}
	return "best", nil
}

func (m *memStore) SavePeriodic(state LoopState, blobs Blobs) (string, error) {
	path := fmt.Sprintf("step-%d", state.GlobalStep)
	m.items[path] = storedCheckpoint{state: state, blobs: blobs}
	return path, nil
}

func (m *memStore) Load(path string) (LoopState, Blobs, error) {
	item, ok := m.items[path]
	if !ok {
		return LoopState{}, Blobs{}, fmt.Errorf("checkpoint %q not found", path)
	}
	return item.state, item.blobs, nil
}

func (m *memStore) LoadBest() (LoopState, Blobs, error) { return m.Load("best") }
func (m *memStore) BestPath() string                    { return m.bestKey }
func (m *memStore) HasBest() bool                       { return m.bestKey != "" }

func TestControllerEarlyStopsAndRestoresBest(t *testing.T) {
	source := &fakeSource{batches: 3}
	backend := &fakeBackend{}
	evaluator := &fakeEvaluator{seq: []float64{0.80, 0.82, 0.81, 0.81, 0.79}}
	store := newMemStore()

	controller, err := NewController(Config{
		Epochs:             5,
		AccumulationWindow: 1,
		Patience:           2,
		SelectionMetric:    "f1_macro",
	}, source, backend, evaluator, store)
	require.NoError(t, err)

	result, err := controller.Run(context.Background())
	require.NoError(t, err)

	// Epochs 3 and 4 fail to beat 0.82, so patience runs out after the
	// fourth validation pass. Epoch 5 never trains.
	assert.Equal(t, OutcomeEarlyStopped, result.Outcome)
	assert.Equal(t, 4, result.EpochsRun)
	assert.Equal(t, 4, evaluator.calls)
	assert.Equal(t, 12, result.State.GlobalStep)
	assert.Equal(t, 0.82, result.BestMetric)
	assert.True(t, result.State.Stopped)
	assert.Equal(t, 0, result.State.PatienceLeft)

	// The backend must end up holding the epoch-2 snapshot, not the
	// weights from the final epoch.
	best, ok := store.items["best"]
	require.True(t, ok)
	assert.Equal(t, 6, best.state.GlobalStep)
	require.NotNil(t, backend.restored)
	assert.Equal(t, []byte("model-v6"), backend.restored.Model)
	assert.Equal(t, "best", result.BestCheckpoint)
}

func TestControllerAccumulationWindowGatesSteps(t *testing.T) {
	source := &fakeSource{batches: 10}
	backend := &fakeBackend{}
	evaluator := &fakeEvaluator{seq: []float64{0.5}}
	store := newMemStore()

	controller, err := NewController(Config{
		Epochs:             1,
		AccumulationWindow: 4,
		Patience:           1,
		SelectionMetric:    "f1_macro",
	}, source, backend, evaluator, store)
	require.NoError(t, err)

	result, err := controller.Run(context.Background())
	require.NoError(t, err)

	// 10 micro-batches with window 4: two full windows plus a flushed
	// ragged tail of 2 make three optimizer steps.
	assert.Equal(t, OutcomeCompleted, result.Outcome)
	assert.Equal(t, 10, backend.computes)
	assert.Equal(t, 10, backend.accums)
	assert.Equal(t, 3, backend.steps)
	assert.Equal(t, 3, backend.advances)
	assert.Equal(t, 3, result.State.GlobalStep)
	assert.Equal(t, 0, result.State.AccumulationCount)
	assert.Equal(t, 1, evaluator.calls)
}

func TestControllerCadenceTriggersAndSkipsDuplicateEval(t *testing.T) {
	source := &fakeSource{batches: 4}
	backend := &fakeBackend{}
	evaluator := &fakeEvaluator{seq: []float64{0.1, 0.2, 0.3, 0.4}}
	store := newMemStore()

	controller, err := NewController(Config{
		Epochs:             1,
		AccumulationWindow: 1,
		Patience:           5,
		EvalSteps:          2,
		SaveSteps:          2,
		SelectionMetric:    "f1_macro",
	}, source, backend, evaluator, store)
	require.NoError(t, err)

	result, err := controller.Run(context.Background())
	require.NoError(t, err)

	// Cadence fires at steps 2 and 4. The step-4 eval lands on the epoch
	// boundary, so the epoch-end pass is not repeated.
	assert.Equal(t, OutcomeCompleted, result.Outcome)
	assert.Equal(t, 2, evaluator.calls)

	for _, path := range []string{"step-2", "step-4"} {
		item, ok := store.items[path]
		require.True(t, ok, path)
		assert.Equal(t, 0, item.state.AccumulationCount)
	}
}

func TestControllerResumeContinuesWithoutReprocessing(t *testing.T) {
	store := newMemStore()

	cfg := Config{
		Epochs:             3,
		AccumulationWindow: 1,
		Patience:           5,
		SaveSteps:          3,
		SelectionMetric:    "f1_macro",
	}

	first, err := NewController(cfg, &fakeSource{batches: 4}, &fakeBackend{},
		&fakeEvaluator{seq: []float64{0.1, 0.2, 0.3}}, store)
	require.NoError(t, err)
	result, err := first.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, OutcomeCompleted, result.Outcome)
	require.Equal(t, 12, result.State.GlobalStep)
	require.Contains(t, store.items, "step-6")

	// Resume from the step-6 checkpoint: two steps of epoch 2 are done,
	// so the re-entered epoch skips exactly two micro-batches.
	source := &fakeSource{batches: 4}
	backend := &fakeBackend{}
	cfg.ResumeFrom = "step-6"
	second, err := NewController(cfg, source, backend,
		&fakeEvaluator{seq: []float64{0.4, 0.5}}, store)
	require.NoError(t, err)

	result, err = second.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, OutcomeCompleted, result.Outcome)
	assert.Equal(t, 12, result.State.GlobalStep)
	assert.Equal(t, []int{2, 3}, source.resets)
	assert.Equal(t, 6, backend.computes)
	assert.Equal(t, 8, source.served)
}

func TestControllerResumeUnusableCheckpointStartsFresh(t *testing.T) {
	source := &fakeSource{batches: 2}
	backend := &fakeBackend{}
	store := newMemStore()

	cfg := Config{
		Epochs:             1,
		AccumulationWindow: 1,
		Patience:           1,
		SelectionMetric:    "f1_macro",
		ResumeFrom:         "no-such-checkpoint",
	}
	controller, err := NewController(cfg, source, backend,
		&fakeEvaluator{seq: []float64{0.5}}, store)
	require.NoError(t, err)

	result, err := controller.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, result.Outcome)
	assert.Equal(t, []int{1}, source.resets)
	assert.Equal(t, 2, result.State.GlobalStep)
}

func TestControllerInterruptFlushesCheckpoint(t *testing.T) {
	source := &fakeSource{batches: 5}
	backend := &fakeBackend{}
	store := newMemStore()

	controller, err := NewController(Config{
		Epochs:             2,
		AccumulationWindow: 2,
		Patience:           1,
		SelectionMetric:    "f1_macro",
	}, source, backend, &fakeEvaluator{seq: []float64{0.5}}, store)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result, err := controller.Run(ctx)
	require.NoError(t, err)

	assert.Equal(t, OutcomeInterrupted, result.Outcome)
	assert.Equal(t, 0, result.State.AccumulationCount)
	require.Contains(t, store.items, "step-0")
	// An interrupted run keeps the last-observed weights; no best
	// restore happens.
	assert.Nil(t, backend.restored)
}

func TestControllerRejectsEmptySource(t *testing.T) {
	_, err := NewController(Config{
		Epochs:             1,
		AccumulationWindow: 1,
		Patience:           1,
		SelectionMetric:    "f1_macro",
	}, &fakeSource{batches: 0}, &fakeBackend{}, &fakeEvaluator{seq: []float64{0.5}}, newMemStore())
	require.Error(t, err)
}
