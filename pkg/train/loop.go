package train

import (
	"context"
	"fmt"

	"github.com/anneal-ml/anneal/pkg/common/logger"
)

// Batch is one micro-batch of vectorized samples.
type Batch struct {
	Features [][]float64
	Labels   []int
}

func (b Batch) Size() int { return len(b.Labels) }

// Loss is an opaque handle returned by the backend's forward pass and
// handed back for gradient accumulation.
type Loss struct {
	Value  float64
	Handle interface{}
}

// BatchSource yields micro-batches, finite per epoch and restartable at
// every epoch boundary. Reset receives the epoch number so sources can
// reshuffle deterministically.
type BatchSource interface {
	Reset(epoch int) error
	Next() (Batch, bool, error)
	Batches() int
}

// Backend is the opaque numeric collaborator. All calls are synchronous
// and blocking from the controller's perspective.
type Backend interface {
	ComputeLoss(ctx context.Context, batch Batch) (Loss, error)
	AccumulateGradients(loss Loss) error
	ApplyOptimizerStep(ctx context.Context) error
	AdvanceSchedule()
	StateBlobs() (Blobs, error)
	RestoreBlobs(blobs Blobs) error
}

// Evaluator runs a full validation pass and reports named metrics.
type Evaluator interface {
	Evaluate(ctx context.Context) (EvalResult, error)
}

// CheckpointStore persists loop snapshots. Saves must be atomic from
// the caller's point of view: a crash mid-write never corrupts the
// previous good checkpoint.
type CheckpointStore interface {
	SaveBest(state LoopState, blobs Blobs) (string, error)
	SavePeriodic(state LoopState, blobs Blobs) (string, error)
	Load(path string) (LoopState, Blobs, error)
	LoadBest() (LoopState, Blobs, error)
	BestPath() string
	HasBest() bool
}

// Observer receives loop progress callbacks. Implementations must not
// block; failures are the observer's own problem.
type Observer interface {
	OnStep(state LoopState, loss float64)
	OnEval(state LoopState, result EvalResult)
	OnCheckpoint(state LoopState, path string, isBest bool)
}

type nopObserver struct{}

func (nopObserver) OnStep(LoopState, float64)            {}
func (nopObserver) OnEval(LoopState, EvalResult)         {}
func (nopObserver) OnCheckpoint(LoopState, string, bool) {}

type Outcome string

const (
	// OutcomeCompleted means the epoch budget was exhausted.
	OutcomeCompleted Outcome = "completed"
	// OutcomeEarlyStopped means the early-stopping policy requested a stop.
	OutcomeEarlyStopped Outcome = "early_stopped"
	// OutcomeInterrupted means an external cancellation stopped the loop.
	OutcomeInterrupted Outcome = "interrupted"
)

type Result struct {
	Outcome        Outcome   `json:"outcome"`
	State          LoopState `json:"state"`
	BestMetric     float64   `json:"best_metric"`
	BestCheckpoint string    `json:"best_checkpoint,omitempty"`
	EpochsRun      int       `json:"epochs_run"`
}

// Controller drives the epoch/batch iteration, gates optimizer steps
// through the accumulation window, fires cadence-triggered evaluation
// and checkpointing, and applies the early-stopping policy.
type Controller struct {
	cfg       Config
	source    BatchSource
	backend   Backend
	evaluator Evaluator
	store     CheckpointStore
	observer  Observer

	gate    *Gate
	cadence Cadence
	policy  *EarlyStopping

	state         LoopState
	stepsPerEpoch int
	lastEvalStep  int
	bestPath      string
}

func NewController(cfg Config, source BatchSource, backend Backend, evaluator Evaluator, store CheckpointStore) (*Controller, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	gate, err := NewGate(cfg.AccumulationWindow)
	if err != nil {
		return nil, err
	}
	cadence, err := NewCadence(cfg.EvalSteps, cfg.SaveSteps)
	if err != nil {
		return nil, err
	}
	policy, err := NewEarlyStopping(cfg.Patience)
	if err != nil {
		return nil, err
	}
	numBatches := source.Batches()
	if numBatches <= 0 {
		return nil, configErrorf("batch_source", "empty dataset: %d batches per epoch", numBatches)
	}
	c := &Controller{
		cfg:           cfg,
		source:        source,
		backend:       backend,
		evaluator:     evaluator,
		store:         store,
		observer:      nopObserver{},
		gate:          gate,
		cadence:       cadence,
		policy:        policy,
		stepsPerEpoch: (numBatches + cfg.AccumulationWindow - 1) / cfg.AccumulationWindow,
		lastEvalStep:  -1,
	}
	c.state = LoopState{Epoch: 1, BestMetric: policy.Best(), PatienceLeft: policy.PatienceLeft()}
	return c, nil
}

func (c *Controller) SetObserver(o Observer) {
	if o != nil {
		c.observer = o
	}
}

// Run executes the training loop until the epoch budget is exhausted,
// the early-stopping policy requests a stop, or the context is
// cancelled. On normal termination the backend is restored from the
// best checkpoint, so callers always receive the best-observed state.
func (c *Controller) Run(ctx context.Context) (Result, error) {
	skipBatches, err := c.resume()
	if err != nil {
		return Result{}, err
	}

	outcome := OutcomeCompleted

epochs:
	for epoch := c.state.Epoch; epoch <= c.cfg.Epochs; epoch++ {
		c.state.Epoch = epoch
		if err := c.source.Reset(epoch); err != nil {
			return Result{}, fmt.Errorf("resetting batch source for epoch %d: %w", epoch, err)
		}
		for i := 0; i < skipBatches; i++ {
			if _, ok, err := c.source.Next(); err != nil {
				return Result{}, fmt.Errorf("skipping resumed batches: %w", err)
			} else if !ok {
				break
			}
		}
		skipBatches = 0

		var epochLoss float64
		var epochBatches int

		for {
			if err := ctx.Err(); err != nil {
				return c.interrupt(ctx)
			}
			batch, ok, err := c.source.Next()
			if err != nil {
				return Result{}, fmt.Errorf("fetching batch: %w", err)
			}
			if !ok {
				break
			}

			loss, err := c.backend.ComputeLoss(ctx, batch)
			if err != nil {
				return Result{}, fmt.Errorf("backend forward pass at step %d: %w", c.state.GlobalStep, err)
			}
			if err := c.backend.AccumulateGradients(loss); err != nil {
				return Result{}, fmt.Errorf("accumulating gradients: %w", err)
			}
			epochLoss += loss.Value
			epochBatches++

			boundary := c.gate.OnBatch()
			c.state.AccumulationCount = c.gate.AccumulationCount()
			if boundary.IsBoundary {
				stop, err := c.completeStep(ctx, boundary, loss.Value)
				if err != nil {
					return Result{}, err
				}
				if stop {
					outcome = OutcomeEarlyStopped
					break epochs
				}
			}
		}

		// Force the ragged tail through as a completed window so every
		// checkpoint sits on a step boundary.
		if boundary := c.gate.Flush(); boundary.IsBoundary {
			stop, err := c.completeStep(ctx, boundary, epochLoss/float64(max(epochBatches, 1)))
			if err != nil {
				return Result{}, err
			}
			if stop {
				outcome = OutcomeEarlyStopped
				break epochs
			}
		}

		logger.Log.WithFields(map[string]interface{}{
			"epoch":       epoch,
			"global_step": c.state.GlobalStep,
			"train_loss":  epochLoss / float64(max(epochBatches, 1)),
		}).Info("Epoch finished")

		// Epoch-boundary evaluation, unless a cadence trigger already
		// evaluated at this exact step.
		if c.lastEvalStep != c.state.GlobalStep {
			sig, err := c.evaluate(ctx)
			if err != nil {
				return Result{}, err
			}
			if sig == SignalStopRequested {
				outcome = OutcomeEarlyStopped
				break epochs
			}
		}
	}

	if outcome == OutcomeEarlyStopped {
		c.state.Stopped = true
	}
	if err := c.restoreBest(); err != nil {
		return Result{}, err
	}
	return Result{
		Outcome:        outcome,
		State:          c.state,
		BestMetric:     c.policy.Best(),
		BestCheckpoint: c.bestCheckpoint(),
		EpochsRun:      c.state.Epoch,
	}, nil
}

// completeStep runs the optimizer step for a completed accumulation
// window and fires any due cadence triggers. Returns true when the
// early-stopping policy requested a stop.
func (c *Controller) completeStep(ctx context.Context, boundary StepBoundary, loss float64) (bool, error) {
	if err := c.backend.ApplyOptimizerStep(ctx); err != nil {
		return false, fmt.Errorf("optimizer step %d: %w", boundary.GlobalStep, err)
	}
	c.backend.AdvanceSchedule()
	c.state.GlobalStep = boundary.GlobalStep
	c.state.AccumulationCount = 0
	c.observer.OnStep(c.state, loss)

	stop := false
	if c.cadence.ShouldEval(boundary) {
		sig, err := c.evaluate(ctx)
		if err != nil {
			return false, err
		}
		stop = sig == SignalStopRequested
	}
	if c.cadence.ShouldSave(boundary) {
		blobs, err := c.backend.StateBlobs()
		if err != nil {
			return false, fmt.Errorf("collecting backend state: %w", err)
		}
		path, err := c.store.SavePeriodic(c.state, blobs)
		if err != nil {
			return false, fmt.Errorf("periodic checkpoint at step %d: %w", boundary.GlobalStep, err)
		}
		c.observer.OnCheckpoint(c.state, path, false)
	}
	return stop, nil
}

// evaluate runs one validation pass and feeds the selection metric to
// the early-stopping policy. An improvement triggers a best save.
func (c *Controller) evaluate(ctx context.Context) (Signal, error) {
	result, err := c.evaluator.Evaluate(ctx)
	if err != nil {
		return SignalNone, fmt.Errorf("evaluation at step %d: %w", c.state.GlobalStep, err)
	}
	value, ok := result.SelectionValue()
	if !ok {
		return SignalNone, fmt.Errorf("evaluation result missing selection metric %q", result.SelectionMetric)
	}

	signal := c.policy.Observe(value)
	c.state.BestMetric = c.policy.Best()
	c.state.PatienceLeft = c.policy.PatienceLeft()
	c.lastEvalStep = c.state.GlobalStep
	c.observer.OnEval(c.state, result)

	logger.Log.WithFields(map[string]interface{}{
		"epoch":         c.state.Epoch,
		"global_step":   c.state.GlobalStep,
		"metric":        result.SelectionMetric,
		"value":         value,
		"best":          c.policy.Best(),
		"patience_left": c.policy.PatienceLeft(),
		"signal":        signal.String(),
	}).Info("Validation pass")

	if signal == SignalImproved {
		blobs, err := c.backend.StateBlobs()
		if err != nil {
			return SignalNone, fmt.Errorf("collecting backend state: %w", err)
		}
		path, err := c.store.SaveBest(c.state, blobs)
		if err != nil {
			return SignalNone, fmt.Errorf("best checkpoint at step %d: %w", c.state.GlobalStep, err)
		}
		c.bestPath = path
		c.observer.OnCheckpoint(c.state, path, true)
	}
	return signal, nil
}

// resume reconstructs the loop position from a configured resume path.
// A missing or broken checkpoint is not fatal: the loop logs loudly and
// degrades to a fresh start. Returns the number of micro-batches to
// skip in the re-entered epoch.
func (c *Controller) resume() (int, error) {
	if c.cfg.ResumeFrom == "" {
		return 0, nil
	}
	state, blobs, err := c.store.Load(c.cfg.ResumeFrom)
	if err != nil {
		logger.Log.WithError(err).WithField("resume_from", c.cfg.ResumeFrom).
			Warn("Resume checkpoint unusable, starting fresh and discarding prior progress")
		return 0, nil
	}
	if err := c.backend.RestoreBlobs(blobs); err != nil {
		logger.Log.WithError(err).WithField("resume_from", c.cfg.ResumeFrom).
			Warn("Resume checkpoint incompatible with backend, starting fresh")
		return 0, nil
	}

	if state.Epoch <= 0 {
		state.Epoch = state.GlobalStep/c.stepsPerEpoch + 1
	}
	completedInEpoch := state.GlobalStep - (state.Epoch-1)*c.stepsPerEpoch
	if completedInEpoch >= c.stepsPerEpoch {
		// The persisted epoch was fully trained; re-enter the next one.
		state.Epoch++
		completedInEpoch = 0
	}
	if completedInEpoch < 0 {
		completedInEpoch = 0
	}

	c.state = state
	c.state.AccumulationCount = 0
	c.gate.Restore(state.GlobalStep)
	c.policy.Restore(state.BestMetric, state.PatienceLeft)
	if c.store.HasBest() {
		c.bestPath = c.store.BestPath()
	}

	skip := completedInEpoch * c.cfg.AccumulationWindow
	logger.Log.WithFields(map[string]interface{}{
		"resume_from":  c.cfg.ResumeFrom,
		"epoch":        c.state.Epoch,
		"global_step":  c.state.GlobalStep,
		"skip_batches": skip,
	}).Info("Resumed training from checkpoint")
	return skip, nil
}

// interrupt flushes an in-flight checkpoint on external cancellation so
// the run can be resumed at the last completed step.
func (c *Controller) interrupt(ctx context.Context) (Result, error) {
	blobs, err := c.backend.StateBlobs()
	if err != nil {
		return Result{}, fmt.Errorf("collecting backend state on interrupt: %w", err)
	}
	// Batches of the partial window never reached an optimizer step;
	// persisting the last boundary makes the resume re-process them.
	c.state.AccumulationCount = 0
	path, err := c.store.SavePeriodic(c.state, blobs)
	if err != nil {
		return Result{}, fmt.Errorf("flushing checkpoint on interrupt: %w", err)
	}
	c.observer.OnCheckpoint(c.state, path, false)
	logger.Log.WithFields(map[string]interface{}{
		"epoch":       c.state.Epoch,
		"global_step": c.state.GlobalStep,
		"checkpoint":  path,
	}).Warn("Training interrupted, checkpoint flushed")
	return Result{
		Outcome:        OutcomeInterrupted,
		State:          c.state,
		BestMetric:     c.policy.Best(),
		BestCheckpoint: c.bestCheckpoint(),
		EpochsRun:      c.state.Epoch,
	}, nil
}

// restoreBest reloads the best checkpoint into the backend so the model
// handed to export/evaluation callers is the best-observed state, never
// the last-observed one.
func (c *Controller) restoreBest() error {
	if !c.store.HasBest() {
		return nil
	}
	state, blobs, err := c.store.LoadBest()
	if err != nil {
		return fmt.Errorf("loading best checkpoint: %w", err)
	}
	if err := c.backend.RestoreBlobs(blobs); err != nil {
		return fmt.Errorf("restoring best backend state: %w", err)
	}
	logger.Log.WithFields(map[string]interface{}{
		"best_step":   state.GlobalStep,
		"best_metric": state.BestMetric,
	}).Info("Restored best checkpoint")
	return nil
}

func (c *Controller) bestCheckpoint() string {
	if c.bestPath != "" {
		return c.bestPath
	}
	if c.store.HasBest() {
		return c.store.BestPath()
	}
	return ""
}
