// Package runspec loads per-run training specifications from YAML
// files consumed by the finetune CLI.
package runspec

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/anneal-ml/anneal/pkg/train"
	"gopkg.in/yaml.v3"
)

type ModelSpec struct {
	LearningRate   float64 `yaml:"learning_rate" json:"learning_rate"`
	WeightDecay    float64 `yaml:"weight_decay" json:"weight_decay"`
	WarmupRatio    float64 `yaml:"warmup_ratio" json:"warmup_ratio"`
	GradClip       float64 `yaml:"grad_clip" json:"grad_clip"`
	BatchSize      int     `yaml:"batch_size" json:"batch_size"`
	Seed           int64   `yaml:"seed" json:"seed"`
	FeatureBuckets int     `yaml:"feature_buckets" json:"feature_buckets"`
	NGramSize      int     `yaml:"ngram_size" json:"ngram_size"`
}

type Spec struct {
	TrainFile string       `yaml:"train_file" json:"train_file"`
	ValFile   string       `yaml:"val_file" json:"val_file"`
	TestFile  string       `yaml:"test_file" json:"test_file"`
	OutputDir string       `yaml:"output_dir" json:"output_dir"`
	Loop      train.Config `yaml:"loop" json:"loop"`
	Model     ModelSpec    `yaml:"model" json:"model"`
}

func Default() Spec {
	return Spec{
		OutputDir: "./output",
		Loop: train.Config{
			Epochs:             5,
			AccumulationWindow: 1,
			Patience:           2,
			SelectionMetric:    "f1_macro",
		},
		Model: ModelSpec{
			LearningRate:   0.05,
			WeightDecay:    0.01,
			WarmupRatio:    0.1,
			GradClip:       1.0,
			BatchSize:      32,
			Seed:           42,
			FeatureBuckets: 4096,
			NGramSize:      2,
		},
	}
}

// Load reads a spec file over the defaults. Unset fields keep their
// default values.
func Load(path string) (Spec, error) {
	spec := Default()
	content, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return Spec{}, fmt.Errorf("reading run spec %s: %w", path, err)
	}
	if err := yaml.Unmarshal(content, &spec); err != nil {
		return Spec{}, fmt.Errorf("parsing run spec %s: %w", path, err)
	}
	if err := spec.Validate(); err != nil {
		return Spec{}, err
	}
	return spec, nil
}

func (s Spec) Validate() error {
	if s.TrainFile == "" {
		return errors.New("run spec: train_file is required")
	}
	if s.ValFile == "" {
		return errors.New("run spec: val_file is required")
	}
	if s.OutputDir == "" {
		return errors.New("run spec: output_dir is required")
	}
	if s.Model.BatchSize <= 0 {
		return fmt.Errorf("run spec: batch_size must be >= 1, got %d", s.Model.BatchSize)
	}
	if s.Model.WarmupRatio < 0 || s.Model.WarmupRatio >= 1 {
		return fmt.Errorf("run spec: warmup_ratio must be in [0, 1), got %v", s.Model.WarmupRatio)
	}
	return s.Loop.Validate()
}
