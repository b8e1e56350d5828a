package dataset

import (
	"fmt"
	"math/rand"

	"github.com/anneal-ml/anneal/pkg/train"
)

// Dataset is a vectorized split implementing train.BatchSource. Each
// Reset reshuffles deterministically from the configured seed and the
// epoch number, so a resumed run replays the same batch order.
type Dataset struct {
	features  [][]float64
	labels    []int
	batchSize int
	seed      int64
	shuffle   bool

	order  []int
	cursor int
}

func New(examples []Example, labelIDs []int, vec *Vectorizer, batchSize int, seed int64, shuffle bool) (*Dataset, error) {
	if len(examples) == 0 {
		return nil, fmt.Errorf("empty dataset")
	}
	if len(examples) != len(labelIDs) {
		return nil, fmt.Errorf("texts and labels length mismatch: %d vs %d", len(examples), len(labelIDs))
	}
	if batchSize <= 0 {
		batchSize = 32
	}

	features := make([][]float64, len(examples))
	for i, ex := range examples {
		features[i] = vec.Vectorize(ex.Text)
	}

	d := &Dataset{
		features:  features,
		labels:    labelIDs,
		batchSize: batchSize,
		seed:      seed,
		shuffle:   shuffle,
		order:     make([]int, len(examples)),
	}
	for i := range d.order {
		d.order[i] = i
	}
	return d, nil
}

func (d *Dataset) Reset(epoch int) error {
	for i := range d.order {
		d.order[i] = i
	}
	if d.shuffle {
		rng := rand.New(rand.NewSource(d.seed + int64(epoch)))
		rng.Shuffle(len(d.order), func(i, j int) {
			d.order[i], d.order[j] = d.order[j], d.order[i]
		})
	}
	d.cursor = 0
	return nil
}

func (d *Dataset) Next() (train.Batch, bool, error) {
	if d.cursor >= len(d.order) {
		return train.Batch{}, false, nil
	}
	end := d.cursor + d.batchSize
	if end > len(d.order) {
		end = len(d.order)
	}
	batch := train.Batch{
		Features: make([][]float64, 0, end-d.cursor),
		Labels:   make([]int, 0, end-d.cursor),
	}
	for _, idx := range d.order[d.cursor:end] {
		batch.Features = append(batch.Features, d.features[idx])
		batch.Labels = append(batch.Labels, d.labels[idx])
	}
	d.cursor = end
	return batch, true, nil
}

func (d *Dataset) Batches() int {
	return (len(d.order) + d.batchSize - 1) / d.batchSize
}

func (d *Dataset) Len() int { return len(d.order) }

// Stats summarizes a split: sample count, class distribution and text
// length statistics (in tokens).
type Stats struct {
	Samples      int            `json:"samples"`
	ClassCounts  map[string]int `json:"class_counts"`
	MinTokens    int            `json:"min_tokens"`
	MaxTokens    int            `json:"max_tokens"`
	MeanTokens   float64        `json:"mean_tokens"`
	UniqueLabels int            `json:"unique_labels"`
}

func ComputeStats(examples []Example) Stats {
	stats := Stats{
		Samples:     len(examples),
		ClassCounts: map[string]int{},
	}
	if len(examples) == 0 {
		return stats
	}
	total := 0
	stats.MinTokens = len(tokenize(examples[0].Text))
	for _, ex := range examples {
		stats.ClassCounts[ex.Label]++
		n := len(tokenize(ex.Text))
		total += n
		if n < stats.MinTokens {
			stats.MinTokens = n
		}
		if n > stats.MaxTokens {
			stats.MaxTokens = n
		}
	}
	stats.MeanTokens = float64(total) / float64(len(examples))
	stats.UniqueLabels = len(stats.ClassCounts)
	return stats
}
