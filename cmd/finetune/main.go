// Command finetune trains a text classifier from CSV files according
// to a YAML run spec and writes the evaluation artifacts for the
// best-observed model.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/anneal-ml/anneal/pkg/checkpoint"
	"github.com/anneal-ml/anneal/pkg/common/logger"
	"github.com/anneal-ml/anneal/pkg/dataset"
	"github.com/anneal-ml/anneal/pkg/ml/softmax"
	"github.com/anneal-ml/anneal/pkg/runspec"
	"github.com/anneal-ml/anneal/pkg/storage"
	"github.com/anneal-ml/anneal/pkg/train"
)

func main() {
	specPath := flag.String("spec", "", "path to the YAML run spec")
	flag.Parse()
	logger.Init()

	if *specPath == "" {
		logger.Log.Fatal("usage: finetune -spec run.yaml")
	}
	spec, err := runspec.Load(*specPath)
	if err != nil {
		logger.Log.WithError(err).Fatal("Invalid run spec")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, spec); err != nil {
		logger.Log.WithError(err).Fatal("Training failed")
	}
}

func run(ctx context.Context, spec runspec.Spec) error {
	trainExamples, err := dataset.ReadCSV(spec.TrainFile)
	if err != nil {
		return err
	}
	valExamples, err := dataset.ReadCSV(spec.ValFile)
	if err != nil {
		return err
	}

	stats := dataset.ComputeStats(trainExamples)
	logger.Log.WithFields(map[string]interface{}{
		"samples":     stats.Samples,
		"classes":     stats.UniqueLabels,
		"mean_tokens": stats.MeanTokens,
	}).Info("Training split loaded")

	label2id, id2label, err := dataset.BuildLabelMaps(trainExamples)
	if err != nil {
		return err
	}
	trainIDs, err := dataset.ApplyLabelMap(trainExamples, label2id)
	if err != nil {
		return err
	}
	valIDs, err := dataset.ApplyLabelMap(valExamples, label2id)
	if err != nil {
		return err
	}

	vec := dataset.NewVectorizer(spec.Model.FeatureBuckets, spec.Model.NGramSize)
	trainSet, err := dataset.New(trainExamples, trainIDs, vec, spec.Model.BatchSize, spec.Model.Seed, true)
	if err != nil {
		return err
	}
	valSet, err := dataset.New(valExamples, valIDs, vec, spec.Model.BatchSize, spec.Model.Seed, false)
	if err != nil {
		return err
	}

	stepsPerEpoch := (trainSet.Batches() + spec.Loop.AccumulationWindow - 1) / spec.Loop.AccumulationWindow
	totalSteps := stepsPerEpoch * spec.Loop.Epochs
	backend, err := softmax.NewBackend(softmax.Config{
		Classes:            len(id2label),
		Features:           vec.Buckets,
		Labels:             id2label,
		LearningRate:       spec.Model.LearningRate,
		WeightDecay:        spec.Model.WeightDecay,
		GradClip:           spec.Model.GradClip,
		AccumulationWindow: spec.Loop.AccumulationWindow,
		WarmupSteps:        int(spec.Model.WarmupRatio * float64(totalSteps)),
		TotalSteps:         totalSteps,
		FeatureBuckets:     vec.Buckets,
		NGramSize:          vec.NGrams,
	})
	if err != nil {
		return err
	}

	manager, err := checkpoint.NewManager(filepath.Join(spec.OutputDir, "checkpoints"), 3)
	if err != nil {
		return err
	}
	evaluator := softmax.NewEvaluator(backend, valSet, spec.Loop.SelectionMetric)
	controller, err := train.NewController(spec.Loop, trainSet, backend, evaluator, manager)
	if err != nil {
		return err
	}

	result, err := controller.Run(ctx)
	if err != nil {
		return err
	}
	logger.Log.WithFields(map[string]interface{}{
		"outcome":     string(result.Outcome),
		"best_metric": result.BestMetric,
		"global_step": result.State.GlobalStep,
		"epochs_run":  result.EpochsRun,
	}).Info("Training finished")

	if err := dataset.SaveLabelMaps(spec.OutputDir, label2id, id2label); err != nil {
		return err
	}
	if err := writeSummary(spec.OutputDir, result); err != nil {
		return err
	}
	if spec.TestFile == "" || result.Outcome == train.OutcomeInterrupted {
		return nil
	}

	// The controller restored the best checkpoint, so the test pass
	// scores the best-observed model.
	testExamples, err := dataset.ReadCSV(spec.TestFile)
	if err != nil {
		return err
	}
	testIDs, err := dataset.ApplyLabelMap(testExamples, label2id)
	if err != nil {
		return err
	}
	testSet, err := dataset.New(testExamples, testIDs, vec, spec.Model.BatchSize, spec.Model.Seed, false)
	if err != nil {
		return err
	}
	report, loss, yTrue, yPred, err := softmax.NewEvaluator(backend, testSet, spec.Loop.SelectionMetric).Detailed(ctx)
	if err != nil {
		return err
	}

	paths, err := storage.WriteRunArtifacts(spec.OutputDir, storage.TestArtifacts{
		Metrics: map[string]interface{}{
			"loss":        loss,
			"accuracy":    report.Accuracy,
			"f1_macro":    report.F1Macro,
			"f1_weighted": report.F1Weighted,
		},
		Report: report.Format(),
		True:   labelNames(yTrue, id2label),
		Pred:   labelNames(yPred, id2label),
	})
	if err != nil {
		return err
	}
	logger.Log.WithFields(map[string]interface{}{
		"accuracy": report.Accuracy,
		"f1_macro": report.F1Macro,
		"paths":    paths,
	}).Info("Test evaluation written")
	return nil
}

func writeSummary(dir string, result train.Result) error {
	payload, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, "run_summary.json"), payload, 0o644)
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
