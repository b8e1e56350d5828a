package predictor

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/anneal-ml/anneal/pkg/dataset"
	"github.com/anneal-ml/anneal/pkg/ml/softmax"
)

// Prediction is one scored input text.
type Prediction struct {
	Label         string             `json:"label"`
	Probabilities map[string]float64 `json:"probabilities"`
}

// Predictor serves classifications straight from best-checkpoint
// artifacts. Loaded checkpoints are cached keyed by file mtime, so a
// newly promoted run is picked up without a restart.
type Predictor struct {
	cache map[string]cachedModel
	mu    sync.RWMutex
}

type cachedModel struct {
	state   softmax.ModelState
	vec     *dataset.Vectorizer
	modTime int64
}

// checkpointFile mirrors the fields of a persisted checkpoint the
// predictor needs; the loop/optimizer state is ignored at serving time.
type checkpointFile struct {
	Model []byte `json:"model_blob"`
}

func New() *Predictor {
	return &Predictor{cache: make(map[string]cachedModel)}
}

// Predict vectorizes the text with the geometry stored in the
// checkpoint and returns the argmax label with per-class probabilities.
func (p *Predictor) Predict(checkpointPath, text string) (Prediction, error) {
	model, err := p.loadModel(checkpointPath)
	if err != nil {
		return Prediction{}, err
	}

	x := model.vec.Vectorize(text)
	logits := make([]float64, model.state.Classes)
	for c := 0; c < model.state.Classes; c++ {
		sum := model.state.Bias[c]
		for j, xj := range x {
			if xj != 0 {
				sum += model.state.Weights[c][j] * xj
			}
		}
		logits[c] = sum
	}
	probs := softmax.Softmax(logits)

	best := 0
	byLabel := make(map[string]float64, len(probs))
	for c, prob := range probs {
		byLabel[model.state.Labels[c]] = prob
		if prob > probs[best] {
			best = c
		}
	}
	return Prediction{Label: model.state.Labels[best], Probabilities: byLabel}, nil
}

func (p *Predictor) loadModel(path string) (cachedModel, error) {
	info, err := os.Stat(path)
	if err != nil {
		return cachedModel{}, fmt.Errorf("checkpoint unavailable: %w", err)
	}
	mod := info.ModTime().UnixNano()

	p.mu.RLock()
	cached, ok := p.cache[path]
	p.mu.RUnlock()
	if ok && cached.modTime == mod {
		return cached, nil
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return cachedModel{}, err
	}
	var ckpt checkpointFile
	if err := json.Unmarshal(content, &ckpt); err != nil {
		return cachedModel{}, fmt.Errorf("parsing checkpoint %s: %w", path, err)
	}
	var state softmax.ModelState
	if err := json.Unmarshal(ckpt.Model, &state); err != nil {
		return cachedModel{}, fmt.Errorf("parsing model blob in %s: %w", path, err)
	}
	if state.Classes == 0 || len(state.Labels) != state.Classes {
		return cachedModel{}, fmt.Errorf("checkpoint %s has no usable model", path)
	}

	model := cachedModel{
		state:   state,
		vec:     dataset.NewVectorizer(state.FeatureBuckets, state.NGramSize),
		modTime: mod,
	}
	p.mu.Lock()
	p.cache[path] = model
	p.mu.Unlock()
	return model, nil
}
