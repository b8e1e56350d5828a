package train

// LoopState is the unit of truth for loop position. It is exclusively
// owned and mutated by the Controller; the checkpoint layer only ever
// receives value copies and returns fresh values on load.
//
// Invariant between batches: 0 <= AccumulationCount < window, and
// GlobalStep changes exactly once per completed accumulation window.
type LoopState struct {
	Epoch             int     `json:"epoch"`
	GlobalStep        int     `json:"global_step"`
	AccumulationCount int     `json:"accumulation_count"`
	BestMetric        float64 `json:"best_metric"`
	PatienceLeft      int     `json:"patience_left"`
	Stopped           bool    `json:"stopped"`
}

// Blobs carries the opaque backend state persisted alongside LoopState.
// Scaler is absent (nil) when mixed precision is disabled.
type Blobs struct {
	Model     []byte
	Optimizer []byte
	Schedule  []byte
	Scaler    []byte
}

// EvalResult is an immutable record produced once per evaluation pass.
type EvalResult struct {
	Metrics         map[string]float64 `json:"metrics"`
	SelectionMetric string             `json:"selection_metric"`
}

// SelectionValue returns the value of the selection metric and whether
// the evaluation actually produced it.
func (r EvalResult) SelectionValue() (float64, bool) {
	v, ok := r.Metrics[r.SelectionMetric]
	return v, ok
}
