package trainer

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/anneal-ml/anneal/pkg/checkpoint"
	"github.com/anneal-ml/anneal/pkg/common/kafka"
	"github.com/anneal-ml/anneal/pkg/common/logger"
	"github.com/anneal-ml/anneal/pkg/dataset"
	"github.com/anneal-ml/anneal/pkg/ml/softmax"
	"github.com/anneal-ml/anneal/pkg/observability/metrics"
	"github.com/anneal-ml/anneal/pkg/runspec"
	"github.com/anneal-ml/anneal/pkg/serving/predictor"
	"github.com/anneal-ml/anneal/pkg/storage"
	"github.com/anneal-ml/anneal/pkg/train"
	"github.com/google/uuid"
	"gorm.io/datatypes"
)

const eventSource = "trainer-service"

// Service orchestrates training runs: it owns the run registry, a
// bounded worker pool executing training loops, the live progress
// cache and the run lifecycle event stream.
type Service struct {
	repo          *Repository
	corpus        *storage.CorpusStore
	progress      *storage.ProgressCache
	producer      *kafka.Producer
	predictor     *predictor.Predictor
	artifactDir   string
	checkpointDir string
	keep          int
	workerSem     chan struct{}

	mu     sync.Mutex
	active map[uuid.UUID]context.CancelFunc
}

func NewService(repo *Repository, corpus *storage.CorpusStore, progress *storage.ProgressCache, producer *kafka.Producer, artifactDir, checkpointDir string, keep, maxWorkers int) (*Service, error) {
	if maxWorkers <= 0 {
		maxWorkers = 1
	}
	s := &Service{
		repo:          repo,
		corpus:        corpus,
		progress:      progress,
		producer:      producer,
		predictor:     predictor.New(),
		artifactDir:   artifactDir,
		checkpointDir: checkpointDir,
		keep:          keep,
		workerSem:     make(chan struct{}, maxWorkers),
		active:        make(map[uuid.UUID]context.CancelFunc),
	}
	if err := os.MkdirAll(artifactDir, 0o755); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(checkpointDir, 0o755); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Service) Create(ctx context.Context, input CreateRunInput) (Run, error) {
	applyDefaults(&input)
	if input.Corpus == "" {
		return Run{}, fmt.Errorf("corpus is required")
	}
	if err := input.Loop.Validate(); err != nil {
		return Run{}, err
	}

	runID := uuid.New()
	config, err := inputToMap(input)
	if err != nil {
		return Run{}, err
	}
	run := &RunModel{
		ID:        runID,
		Name:      input.Name,
		Corpus:    input.Corpus,
		Config:    datatypes.JSONMap(config),
		Status:    StatusQueued,
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}
	if err := s.repo.Create(ctx, run); err != nil {
		return Run{}, err
	}
	go s.run(runID, input)
	return toDomain(run), nil
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (Run, error) {
	run, err := s.repo.Get(ctx, id)
	if err != nil {
		return Run{}, err
	}
	return toDomain(run), nil
}

func (s *Service) List(ctx context.Context, limit int) ([]Run, error) {
	runs, err := s.repo.List(ctx, limit)
	if err != nil {
		return nil, err
	}
	results := make([]Run, 0, len(runs))
	for _, run := range runs {
		copy := run
		results = append(results, toDomain(&copy))
	}
	return results, nil
}

// Stop cancels a running loop. The controller flushes a checkpoint
// before exiting, so a stopped run can later be resumed.
func (s *Service) Stop(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	cancel, ok := s.active[id]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("run %s is not executing", id)
	}
	cancel()
	return nil
}

// Promote marks a completed run as the serving model.
func (s *Service) Promote(ctx context.Context, id uuid.UUID) error {
	return s.repo.Promote(ctx, id)
}

// Progress returns the live position of a run, preferring the Redis
// materialization and falling back to the registry row.
func (s *Service) Progress(ctx context.Context, id uuid.UUID) (storage.Progress, error) {
	if s.progress != nil {
		if p, err := s.progress.Get(ctx, id); err == nil {
			return p, nil
		}
	}
	run, err := s.repo.Get(ctx, id)
	if err != nil {
		return storage.Progress{}, err
	}
	return storage.Progress{
		RunID:      run.ID.String(),
		GlobalStep: run.GlobalStep,
		BestMetric: run.BestMetric,
		UpdatedAt:  run.UpdatedAt,
	}, nil
}

// Predict classifies text with the promoted run's best checkpoint.
func (s *Service) Predict(ctx context.Context, text string) (predictor.Prediction, error) {
	run, err := s.repo.GetPromoted(ctx)
	if err != nil {
		return predictor.Prediction{}, fmt.Errorf("no promoted run: %w", err)
	}
	if run.CheckpointDir == "" {
		return predictor.Prediction{}, fmt.Errorf("promoted run %s has no checkpoints", run.ID)
	}
	return s.predictor.Predict(checkpoint.BestIn(run.CheckpointDir), text)
}

func (s *Service) run(runID uuid.UUID, input CreateRunInput) {
	s.workerSem <- struct{}{}
	defer func() { <-s.workerSem }()

	ctx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.active[runID] = cancel
	s.mu.Unlock()
	defer func() {
		cancel()
		s.mu.Lock()
		delete(s.active, runID)
		s.mu.Unlock()
	}()

	start := time.Now().UTC()
	if err := s.repo.UpdateStatus(ctx, runID, StatusRunning, nil, ""); err != nil {
		logger.Log.WithError(err).Error("failed to mark run running")
	}
	if err := s.repo.SetTimestamps(ctx, runID, &start, nil); err != nil {
		logger.Log.WithError(err).Error("failed to set start timestamp")
	}
	s.publish(kafka.EventRunStarted, map[string]interface{}{
		"run_id": runID.String(),
		"corpus": input.Corpus,
	})
	metrics.RunStarted()

	result, testMetrics, artifactPath, checkpointDir, err := s.execute(ctx, runID, input)
	if err != nil {
		s.failRun(runID, err)
		return
	}

	status := StatusCompleted
	if result.Outcome == train.OutcomeInterrupted {
		status = StatusStopped
	}
	runMetrics := map[string]interface{}{
		"outcome":     string(result.Outcome),
		"best_metric": result.BestMetric,
		"global_step": result.State.GlobalStep,
		"epochs_run":  result.EpochsRun,
	}
	for name, value := range testMetrics {
		runMetrics["test_"+name] = value
	}

	bg := context.Background()
	if err := s.repo.SetArtifacts(bg, runID, artifactPath, checkpointDir); err != nil {
		logger.Log.WithError(err).Error("failed to record artifacts")
	}
	if err := s.repo.UpdateProgress(bg, runID, result.State.GlobalStep, result.BestMetric); err != nil {
		logger.Log.WithError(err).Error("failed to record final progress")
	}
	if err := s.repo.UpdateStatus(bg, runID, status, runMetrics, ""); err != nil {
		logger.Log.WithError(err).Error("failed to mark run finished")
	}
	completed := time.Now().UTC()
	if err := s.repo.SetTimestamps(bg, runID, nil, &completed); err != nil {
		logger.Log.WithError(err).Error("failed to set completion timestamp")
	}

	s.publish(kafka.EventRunFinished, map[string]interface{}{
		"run_id":      runID.String(),
		"status":      status,
		"outcome":     string(result.Outcome),
		"best_metric": result.BestMetric,
		"global_step": result.State.GlobalStep,
	})
	metrics.RunFinished(false)
	logger.Log.WithFields(map[string]interface{}{
		"run_id":      runID,
		"status":      status,
		"best_metric": result.BestMetric,
	}).Info("Training run finished")
}

// execute builds the loop collaborators for one run and drives the
// controller to completion.
func (s *Service) execute(ctx context.Context, runID uuid.UUID, input CreateRunInput) (train.Result, map[string]float64, string, string, error) {
	trainExamples, err := s.corpus.GetSplit(ctx, input.Corpus, storage.SplitTrain)
	if err != nil {
		return train.Result{}, nil, "", "", err
	}
	valExamples, err := s.corpus.GetSplit(ctx, input.Corpus, storage.SplitVal)
	if err != nil {
		return train.Result{}, nil, "", "", err
	}

	label2id, id2label, err := dataset.BuildLabelMaps(trainExamples)
	if err != nil {
		return train.Result{}, nil, "", "", err
	}
	trainIDs, err := dataset.ApplyLabelMap(trainExamples, label2id)
	if err != nil {
		return train.Result{}, nil, "", "", err
	}
	valIDs, err := dataset.ApplyLabelMap(valExamples, label2id)
	if err != nil {
		return train.Result{}, nil, "", "", err
	}

	vec := dataset.NewVectorizer(input.Model.FeatureBuckets, input.Model.NGramSize)
	trainSet, err := dataset.New(trainExamples, trainIDs, vec, input.Model.BatchSize, input.Model.Seed, true)
	if err != nil {
		return train.Result{}, nil, "", "", err
	}
	valSet, err := dataset.New(valExamples, valIDs, vec, input.Model.BatchSize, input.Model.Seed, false)
	if err != nil {
		return train.Result{}, nil, "", "", err
	}

	stepsPerEpoch := (trainSet.Batches() + input.Loop.AccumulationWindow - 1) / input.Loop.AccumulationWindow
	totalSteps := stepsPerEpoch * input.Loop.Epochs
	backend, err := softmax.NewBackend(softmax.Config{
		Classes:            len(id2label),
		Features:           vec.Buckets,
		Labels:             id2label,
		LearningRate:       input.Model.LearningRate,
		WeightDecay:        input.Model.WeightDecay,
		GradClip:           input.Model.GradClip,
		AccumulationWindow: input.Loop.AccumulationWindow,
		WarmupSteps:        int(input.Model.WarmupRatio * float64(totalSteps)),
		TotalSteps:         totalSteps,
		FeatureBuckets:     vec.Buckets,
		NGramSize:          vec.NGrams,
	})
	if err != nil {
		return train.Result{}, nil, "", "", err
	}

	checkpointDir := filepath.Join(s.checkpointDir, runID.String())
	manager, err := checkpoint.NewManager(checkpointDir, s.keep)
	if err != nil {
		return train.Result{}, nil, "", "", err
	}

	evaluator := softmax.NewEvaluator(backend, valSet, input.Loop.SelectionMetric)
	controller, err := train.NewController(input.Loop, trainSet, backend, evaluator, manager)
	if err != nil {
		return train.Result{}, nil, "", "", err
	}
	controller.SetObserver(&runObserver{service: s, runID: runID})

	result, err := controller.Run(ctx)
	if err != nil {
		return train.Result{}, nil, "", "", err
	}

	artifactDir := filepath.Join(s.artifactDir, runID.String())
	if err := dataset.SaveLabelMaps(artifactDir, label2id, id2label); err != nil {
		return train.Result{}, nil, "", "", err
	}

	testMetrics, err := s.evaluateTest(ctx, input, backend, vec, label2id, id2label, artifactDir)
	if err != nil {
		return train.Result{}, nil, "", "", err
	}
	return result, testMetrics, artifactDir, checkpointDir, nil
}

// evaluateTest scores the best-restored model on the held-out test
// split, when the corpus has one, and writes the run artifacts.
func (s *Service) evaluateTest(ctx context.Context, input CreateRunInput, backend *softmax.Backend, vec *dataset.Vectorizer, label2id map[string]int, id2label []string, artifactDir string) (map[string]float64, error) {
	has, err := s.corpus.HasSplit(ctx, input.Corpus, storage.SplitTest)
	if err != nil || !has {
		return nil, err
	}
	testExamples, err := s.corpus.GetSplit(ctx, input.Corpus, storage.SplitTest)
	if err != nil {
		return nil, err
	}
	testIDs, err := dataset.ApplyLabelMap(testExamples, label2id)
	if err != nil {
		return nil, err
	}
	testSet, err := dataset.New(testExamples, testIDs, vec, input.Model.BatchSize, input.Model.Seed, false)
	if err != nil {
		return nil, err
	}

	report, loss, yTrue, yPred, err := softmax.NewEvaluator(backend, testSet, input.Loop.SelectionMetric).Detailed(ctx)
	if err != nil {
		return nil, err
	}
	testMetrics := map[string]float64{
		"loss":        loss,
		"accuracy":    report.Accuracy,
		"f1_macro":    report.F1Macro,
		"f1_weighted": report.F1Weighted,
	}

	metricsJSON := make(map[string]interface{}, len(testMetrics))
	for name, value := range testMetrics {
		metricsJSON[name] = value
	}
	if _, err := storage.WriteRunArtifacts(artifactDir, storage.TestArtifacts{
		Metrics: metricsJSON,
		Report:  report.Format(),
		True:    labelNames(yTrue, id2label),
		Pred:    labelNames(yPred, id2label),
	}); err != nil {
		return nil, err
	}
	return testMetrics, nil
}

func (s *Service) failRun(runID uuid.UUID, err error) {
	logger.Log.WithError(err).WithField("run_id", runID).Error("training run failed")
	ctx := context.Background()
	_ = s.repo.UpdateStatus(ctx, runID, StatusFailed, nil, err.Error())
	completed := time.Now().UTC()
	_ = s.repo.SetTimestamps(ctx, runID, nil, &completed)
	s.publish(kafka.EventRunFailed, map[string]interface{}{
		"run_id": runID.String(),
		"error":  err.Error(),
	})
	metrics.RunFinished(true)
}

func (s *Service) publish(eventType string, data map[string]interface{}) {
	if s.producer == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.producer.PublishEvent(ctx, eventType, eventSource, data); err != nil {
		logger.Log.WithError(err).WithField("event_type", eventType).Warn("failed to publish run event")
	}
}

// runObserver forwards loop progress into the progress cache, the
// event stream and the process metrics.
type runObserver struct {
	service *Service
	runID   uuid.UUID
}

func (o *runObserver) OnStep(state train.LoopState, loss float64) {
	metrics.ObserveStep()
	o.setProgress(state, loss)
}

func (o *runObserver) OnEval(state train.LoopState, result train.EvalResult) {
	metrics.ObserveEval(state.BestMetric)
	o.setProgress(state, 0)
	value, _ := result.SelectionValue()
	o.service.publish(kafka.EventEvalCompleted, map[string]interface{}{
		"run_id":        o.runID.String(),
		"epoch":         state.Epoch,
		"global_step":   state.GlobalStep,
		"metric":        result.SelectionMetric,
		"value":         value,
		"best":          state.BestMetric,
		"patience_left": state.PatienceLeft,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := o.service.repo.UpdateProgress(ctx, o.runID, state.GlobalStep, state.BestMetric); err != nil {
		logger.Log.WithError(err).Warn("failed to record run progress")
	}
}

func (o *runObserver) OnCheckpoint(state train.LoopState, path string, isBest bool) {
	metrics.ObserveCheckpoint()
	o.service.publish(kafka.EventCheckpointSaved, map[string]interface{}{
		"run_id":      o.runID.String(),
		"global_step": state.GlobalStep,
		"path":        path,
		"is_best":     isBest,
	})
}

func (o *runObserver) setProgress(state train.LoopState, loss float64) {
	if o.service.progress == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := o.service.progress.Set(ctx, o.runID, storage.Progress{
		Epoch:      state.Epoch,
		GlobalStep: state.GlobalStep,
		TrainLoss:  loss,
		BestMetric: state.BestMetric,
	})
	if err != nil {
		logger.Log.WithError(err).Debug("failed to cache run progress")
	}
}

func applyDefaults(input *CreateRunInput) {
	defaults := runspec.Default()
	if input.Loop.Epochs == 0 {
		input.Loop.Epochs = defaults.Loop.Epochs
	}
	if input.Loop.AccumulationWindow == 0 {
		input.Loop.AccumulationWindow = defaults.Loop.AccumulationWindow
	}
	if input.Loop.Patience == 0 {
		input.Loop.Patience = defaults.Loop.Patience
	}
	if input.Loop.SelectionMetric == "" {
		input.Loop.SelectionMetric = defaults.Loop.SelectionMetric
	}
	if input.Model.LearningRate == 0 {
		input.Model.LearningRate = defaults.Model.LearningRate
	}
	if input.Model.BatchSize == 0 {
		input.Model.BatchSize = defaults.Model.BatchSize
	}
	if input.Model.Seed == 0 {
		input.Model.Seed = defaults.Model.Seed
	}
	if input.Model.FeatureBuckets == 0 {
		input.Model.FeatureBuckets = defaults.Model.FeatureBuckets
	}
	if input.Model.NGramSize == 0 {
		input.Model.NGramSize = defaults.Model.NGramSize
	}
	if input.Model.GradClip == 0 {
		input.Model.GradClip = defaults.Model.GradClip
	}
	if input.Model.WarmupRatio == 0 {
		input.Model.WarmupRatio = defaults.Model.WarmupRatio
	}
	if input.Model.WeightDecay == 0 {
		input.Model.WeightDecay = defaults.Model.WeightDecay
	}
}

func inputToMap(input CreateRunInput) (map[string]interface{}, error) {
	payload, err := json.Marshal(input)
	if err != nil {
		return nil, err
	}
	var config map[string]interface{}
	if err := json.Unmarshal(payload, &config); err != nil {
		return nil, err
	}
	return config, nil
}

func labelNames(ids []int, id2label []string) []string {
	names := make([]string, len(ids))
	for i, id := range ids {
		if id >= 0 && id < len(id2label) {
			names[i] = id2label[id]
		}
	}
	return names
}
