// Package softmax implements a multinomial logistic regression
// classifier over hashed text features, exposed through the training
// loop's backend interface. All arithmetic is float64 on the CPU, so
// the mixed-precision scaler slot in checkpoints stays empty.
package softmax

import (
	"context"
	"encoding/json"
	"fmt"
	"math"

	"github.com/anneal-ml/anneal/pkg/train"
)

type Config struct {
	Classes            int
	Features           int
	Labels             []string
	LearningRate       float64
	WeightDecay        float64
	GradClip           float64
	AccumulationWindow int
	WarmupSteps        int
	TotalSteps         int
	FeatureBuckets     int
	NGramSize          int
}

func (c *Config) applyDefaults() {
	if c.LearningRate <= 0 {
		c.LearningRate = 0.05
	}
	if c.WeightDecay < 0 {
		c.WeightDecay = 0
	}
	if c.AccumulationWindow <= 0 {
		c.AccumulationWindow = 1
	}
}

type Backend struct {
	cfg     Config
	weights [][]float64
	bias    []float64

	gradW   [][]float64
	gradB   []float64
	pending int

	opt   *AdamW
	sched *LinearSchedule
}

func NewBackend(cfg Config) (*Backend, error) {
	cfg.applyDefaults()
	if cfg.Classes < 2 {
		return nil, fmt.Errorf("softmax backend needs >= 2 classes, got %d", cfg.Classes)
	}
	if cfg.Features <= 0 {
		return nil, fmt.Errorf("softmax backend needs >= 1 feature, got %d", cfg.Features)
	}
	if len(cfg.Labels) != cfg.Classes {
		return nil, fmt.Errorf("labels length %d does not match class count %d", len(cfg.Labels), cfg.Classes)
	}
	b := &Backend{
		cfg:     cfg,
		weights: zeroMatrix(cfg.Classes, cfg.Features),
		bias:    make([]float64, cfg.Classes),
		gradW:   zeroMatrix(cfg.Classes, cfg.Features),
		gradB:   make([]float64, cfg.Classes),
		opt:     NewAdamW(cfg.Classes, cfg.Features, cfg.WeightDecay),
		sched:   NewLinearSchedule(cfg.LearningRate, cfg.WarmupSteps, cfg.TotalSteps),
	}
	return b, nil
}

func (b *Backend) Labels() []string { return b.cfg.Labels }

// lossHandle carries the batch-mean gradients of one forward pass until
// the controller hands them back for accumulation.
type lossHandle struct {
	gradW [][]float64
	gradB []float64
}

// ComputeLoss runs the forward pass over one micro-batch and returns
// the mean cross-entropy loss with its gradient handle. A non-finite
// loss is a backend error, never silently accumulated.
func (b *Backend) ComputeLoss(ctx context.Context, batch train.Batch) (train.Loss, error) {
	if err := ctx.Err(); err != nil {
		return train.Loss{}, err
	}
	n := batch.Size()
	if n == 0 {
		return train.Loss{}, fmt.Errorf("empty batch")
	}

	handle := &lossHandle{
		gradW: zeroMatrix(b.cfg.Classes, b.cfg.Features),
		gradB: make([]float64, b.cfg.Classes),
	}
	var total float64
	for i, x := range batch.Features {
		if len(x) != b.cfg.Features {
			return train.Loss{}, fmt.Errorf("sample %d has %d features, model expects %d", i, len(x), b.cfg.Features)
		}
		y := batch.Labels[i]
		if y < 0 || y >= b.cfg.Classes {
			return train.Loss{}, fmt.Errorf("sample %d has class id %d out of range", i, y)
		}
		probs := b.probabilities(x)
		total += -math.Log(probs[y] + 1e-12)

		for c := 0; c < b.cfg.Classes; c++ {
			dlogit := probs[c]
			if c == y {
				dlogit -= 1
			}
			dlogit /= float64(n)
			row := handle.gradW[c]
			for j, xj := range x {
				if xj != 0 {
					row[j] += dlogit * xj
				}
			}
			handle.gradB[c] += dlogit
		}
	}
	loss := total / float64(n)
	if math.IsNaN(loss) || math.IsInf(loss, 0) {
		return train.Loss{}, fmt.Errorf("non-finite loss %v", loss)
	}
	return train.Loss{Value: loss, Handle: handle}, nil
}

// AccumulateGradients adds one micro-batch's gradients into the
// accumulation buffer, scaled by the accumulation window so a full
// window sums to the mean gradient.
func (b *Backend) AccumulateGradients(loss train.Loss) error {
	handle, ok := loss.Handle.(*lossHandle)
	if !ok || handle == nil {
		return fmt.Errorf("loss handle does not belong to this backend")
	}
	scale := 1.0 / float64(b.cfg.AccumulationWindow)
	for c := range handle.gradW {
		row := b.gradW[c]
		for j, g := range handle.gradW[c] {
			row[j] += g * scale
		}
		b.gradB[c] += handle.gradB[c] * scale
	}
	b.pending++
	return nil
}

// ApplyOptimizerStep clips the accumulated gradient by global norm and
// applies one AdamW update, then zeroes the accumulation buffer.
func (b *Backend) ApplyOptimizerStep(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if b.cfg.GradClip > 0 {
		clipGlobalNorm(b.gradW, b.gradB, b.cfg.GradClip)
	}
	b.opt.Step(b.weights, b.bias, b.gradW, b.gradB, b.sched.LR())
	for c := range b.gradW {
		row := b.gradW[c]
		for j := range row {
			row[j] = 0
		}
		b.gradB[c] = 0
	}
	b.pending = 0
	return nil
}

func (b *Backend) AdvanceSchedule() {
	b.sched.Advance()
}

// Infer predicts class ids for one batch and returns the mean loss.
func (b *Backend) Infer(batch train.Batch) ([]int, float64) {
	preds := make([]int, batch.Size())
	var total float64
	for i, x := range batch.Features {
		probs := b.probabilities(x)
		best := 0
		for c := 1; c < len(probs); c++ {
			if probs[c] > probs[best] {
				best = c
			}
		}
		preds[i] = best
		if y := batch.Labels[i]; y >= 0 && y < len(probs) {
			total += -math.Log(probs[y] + 1e-12)
		}
	}
	if batch.Size() > 0 {
		total /= float64(batch.Size())
	}
	return preds, total
}

// Probabilities exposes the per-class distribution for serving.
func (b *Backend) Probabilities(x []float64) []float64 {
	return b.probabilities(x)
}

func (b *Backend) probabilities(x []float64) []float64 {
	logits := make([]float64, b.cfg.Classes)
	for c := 0; c < b.cfg.Classes; c++ {
		sum := b.bias[c]
		row := b.weights[c]
		for j, xj := range x {
			if xj != 0 {
				sum += row[j] * xj
			}
		}
		logits[c] = sum
	}
	return Softmax(logits)
}

// Softmax is the numerically stable transform over raw logits.
func Softmax(logits []float64) []float64 {
	maxLogit := logits[0]
	for _, l := range logits[1:] {
		if l > maxLogit {
			maxLogit = l
		}
	}
	probs := make([]float64, len(logits))
	var sum float64
	for i, l := range logits {
		probs[i] = math.Exp(l - maxLogit)
		sum += probs[i]
	}
	for i := range probs {
		probs[i] /= sum
	}
	return probs
}

// ModelState is the self-contained serialized form of the classifier,
// including the vectorizer geometry needed to rebuild the feature
// space at serving time.
type ModelState struct {
	Classes        int         `json:"classes"`
	Features       int         `json:"features"`
	Labels         []string    `json:"labels"`
	FeatureBuckets int         `json:"feature_buckets"`
	NGramSize      int         `json:"ngram_size"`
	Weights        [][]float64 `json:"weights"`
	Bias           []float64   `json:"bias"`
}

func (b *Backend) StateBlobs() (train.Blobs, error) {
	model, err := json.Marshal(ModelState{
		Classes:        b.cfg.Classes,
		Features:       b.cfg.Features,
		Labels:         b.cfg.Labels,
		FeatureBuckets: b.cfg.FeatureBuckets,
		NGramSize:      b.cfg.NGramSize,
		Weights:        b.weights,
		Bias:           b.bias,
	})
	if err != nil {
		return train.Blobs{}, fmt.Errorf("serializing model state: %w", err)
	}
	opt, err := b.opt.StateDict()
	if err != nil {
		return train.Blobs{}, fmt.Errorf("serializing optimizer state: %w", err)
	}
	sched, err := b.sched.StateDict()
	if err != nil {
		return train.Blobs{}, fmt.Errorf("serializing schedule state: %w", err)
	}
	// Scaler is nil: mixed precision is disabled for this backend.
	return train.Blobs{Model: model, Optimizer: opt, Schedule: sched}, nil
}

func (b *Backend) RestoreBlobs(blobs train.Blobs) error {
	var state ModelState
	if err := json.Unmarshal(blobs.Model, &state); err != nil {
		return fmt.Errorf("parsing model blob: %w", err)
	}
	if state.Classes != b.cfg.Classes || state.Features != b.cfg.Features {
		return fmt.Errorf("model shape mismatch: checkpoint %dx%d, backend %dx%d",
			state.Classes, state.Features, b.cfg.Classes, b.cfg.Features)
	}
	if len(state.Weights) != state.Classes || len(state.Bias) != state.Classes {
		return fmt.Errorf("model blob weight shapes inconsistent")
	}
	for c, row := range state.Weights {
		if len(row) != state.Features {
			return fmt.Errorf("model blob row %d has %d features, want %d", c, len(row), state.Features)
		}
	}
	b.weights = state.Weights
	b.bias = state.Bias

	if len(blobs.Optimizer) > 0 {
		if err := b.opt.LoadStateDict(blobs.Optimizer, b.cfg.Classes, b.cfg.Features); err != nil {
			return fmt.Errorf("restoring optimizer state: %w", err)
		}
	}
	if len(blobs.Schedule) > 0 {
		if err := b.sched.LoadStateDict(blobs.Schedule); err != nil {
			return fmt.Errorf("restoring schedule state: %w", err)
		}
	}
	return nil
}

func clipGlobalNorm(gradW [][]float64, gradB []float64, clip float64) {
	var sq float64
	for _, row := range gradW {
		for _, g := range row {
			sq += g * g
		}
	}
	for _, g := range gradB {
		sq += g * g
	}
	norm := math.Sqrt(sq)
	if norm <= clip || norm == 0 {
		return
	}
	scale := clip / norm
	for _, row := range gradW {
		for j := range row {
			row[j] *= scale
		}
	}
	for i := range gradB {
		gradB[i] *= scale
	}
}

func zeroMatrix(rows, cols int) [][]float64 {
	m := make([][]float64, rows)
	for i := range m {
		m[i] = make([]float64, cols)
	}
	return m
}
