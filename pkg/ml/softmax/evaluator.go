package softmax

import (
	"context"
	"fmt"

	"github.com/anneal-ml/anneal/pkg/dataset"
	"github.com/anneal-ml/anneal/pkg/evalmetrics"
	"github.com/anneal-ml/anneal/pkg/train"
)

// Evaluator scores the backend on one held-out split and reports named
// metrics to the training loop.
type Evaluator struct {
	backend   *Backend
	data      *dataset.Dataset
	selection string
}

func NewEvaluator(backend *Backend, data *dataset.Dataset, selection string) *Evaluator {
	if selection == "" {
		selection = "f1_macro"
	}
	return &Evaluator{backend: backend, data: data, selection: selection}
}

func (e *Evaluator) Evaluate(ctx context.Context) (train.EvalResult, error) {
	report, loss, _, _, err := e.Detailed(ctx)
	if err != nil {
		return train.EvalResult{}, err
	}
	return train.EvalResult{
		Metrics: map[string]float64{
			"loss":        loss,
			"accuracy":    report.Accuracy,
			"f1_macro":    report.F1Macro,
			"f1_weighted": report.F1Weighted,
		},
		SelectionMetric: e.selection,
	}, nil
}

// Detailed runs a full prediction pass and returns the per-class
// report together with the raw true/predicted ids, for artifact
// writing.
func (e *Evaluator) Detailed(ctx context.Context) (evalmetrics.Report, float64, []int, []int, error) {
	if err := e.data.Reset(0); err != nil {
		return evalmetrics.Report{}, 0, nil, nil, err
	}
	var yTrue, yPred []int
	var lossSum float64
	var batches int
	for {
		if err := ctx.Err(); err != nil {
			return evalmetrics.Report{}, 0, nil, nil, err
		}
		batch, ok, err := e.data.Next()
		if err != nil {
			return evalmetrics.Report{}, 0, nil, nil, err
		}
		if !ok {
			break
		}
		preds, loss := e.backend.Infer(batch)
		yTrue = append(yTrue, batch.Labels...)
		yPred = append(yPred, preds...)
		lossSum += loss
		batches++
	}
	report, err := evalmetrics.Compute(yTrue, yPred, e.backend.Labels())
	if err != nil {
		return evalmetrics.Report{}, 0, nil, nil, fmt.Errorf("scoring validation pass: %w", err)
	}
	meanLoss := 0.0
	if batches > 0 {
		meanLoss = lossSum / float64(batches)
	}
	return report, meanLoss, yTrue, yPred, nil
}
