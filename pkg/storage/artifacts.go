package storage

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// TestArtifacts bundles everything written into a run's output
// directory after the final test evaluation.
type TestArtifacts struct {
	Metrics map[string]interface{}
	Report  string
	True    []string
	Pred    []string
}

// WriteRunArtifacts writes test_metrics.json, classification_report.txt
// and preds_test.csv into dir, returning the written paths by name.
func WriteRunArtifacts(dir string, artifacts TestArtifacts) (map[string]string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating artifact dir: %w", err)
	}
	paths := map[string]string{}

	metricsPath := filepath.Join(dir, "test_metrics.json")
	payload, err := json.MarshalIndent(artifacts.Metrics, "", "  ")
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(metricsPath, payload, 0o644); err != nil {
		return nil, err
	}
	paths["test_metrics"] = metricsPath

	reportPath := filepath.Join(dir, "classification_report.txt")
	if err := os.WriteFile(reportPath, []byte(artifacts.Report), 0o644); err != nil {
		return nil, err
	}
	paths["classification_report"] = reportPath

	predsPath := filepath.Join(dir, "preds_test.csv")
	if err := writePredsCSV(predsPath, artifacts.True, artifacts.Pred); err != nil {
		return nil, err
	}
	paths["preds_test"] = predsPath

	return paths, nil
}

func writePredsCSV(path string, yTrue, yPred []string) error {
	if len(yTrue) != len(yPred) {
		return fmt.Errorf("true and predicted lengths differ: %d vs %d", len(yTrue), len(yPred))
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	writer := csv.NewWriter(f)
	if err := writer.Write([]string{"label_true", "label_pred"}); err != nil {
		return err
	}
	for i := range yTrue {
		if err := writer.Write([]string{yTrue[i], yPred[i]}); err != nil {
			return err
		}
	}
	writer.Flush()
	return writer.Error()
}
