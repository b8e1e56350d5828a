package softmax

import (
	"encoding/json"
	"fmt"
	"math"
)

// AdamW applies Adam with bias correction and decoupled weight decay.
// Weight decay is not applied to bias terms.
type AdamW struct {
	beta1       float64
	beta2       float64
	eps         float64
	weightDecay float64

	step int
	mW   [][]float64
	vW   [][]float64
	mB   []float64
	vB   []float64
}

func NewAdamW(classes, features int, weightDecay float64) *AdamW {
	return &AdamW{
		beta1:       0.9,
		beta2:       0.999,
		eps:         1e-8,
		weightDecay: weightDecay,
		mW:          zeroMatrix(classes, features),
		vW:          zeroMatrix(classes, features),
		mB:          make([]float64, classes),
		vB:          make([]float64, classes),
	}
}

func (o *AdamW) Step(w [][]float64, b []float64, gw [][]float64, gb []float64, lr float64) {
	o.step++
	bc1 := 1 - math.Pow(o.beta1, float64(o.step))
	bc2 := 1 - math.Pow(o.beta2, float64(o.step))

	for c := range w {
		wRow, gRow, mRow, vRow := w[c], gw[c], o.mW[c], o.vW[c]
		for j := range wRow {
			g := gRow[j]
			mRow[j] = o.beta1*mRow[j] + (1-o.beta1)*g
			vRow[j] = o.beta2*vRow[j] + (1-o.beta2)*g*g
			mHat := mRow[j] / bc1
			vHat := vRow[j] / bc2
			wRow[j] -= lr * (mHat/(math.Sqrt(vHat)+o.eps) + o.weightDecay*wRow[j])
		}

		g := gb[c]
		o.mB[c] = o.beta1*o.mB[c] + (1-o.beta1)*g
		o.vB[c] = o.beta2*o.vB[c] + (1-o.beta2)*g*g
		b[c] -= lr * (o.mB[c] / bc1) / (math.Sqrt(o.vB[c]/bc2) + o.eps)
	}
}

type adamState struct {
	Step int         `json:"step"`
	MW   [][]float64 `json:"m_weights"`
	VW   [][]float64 `json:"v_weights"`
	MB   []float64   `json:"m_bias"`
	VB   []float64   `json:"v_bias"`
}

func (o *AdamW) StateDict() ([]byte, error) {
	return json.Marshal(adamState{Step: o.step, MW: o.mW, VW: o.vW, MB: o.mB, VB: o.vB})
}

// LoadStateDict restores the moment estimates, validating shapes
// against the expected parameter dimensions.
func (o *AdamW) LoadStateDict(data []byte, classes, features int) error {
	var state adamState
	if err := json.Unmarshal(data, &state); err != nil {
		return fmt.Errorf("parsing optimizer state: %w", err)
	}
	if len(state.MW) != classes || len(state.VW) != classes ||
		len(state.MB) != classes || len(state.VB) != classes {
		return fmt.Errorf("optimizer state has %d classes, want %d", len(state.MW), classes)
	}
	for c := range state.MW {
		if len(state.MW[c]) != features || len(state.VW[c]) != features {
			return fmt.Errorf("optimizer state row %d has %d features, want %d", c, len(state.MW[c]), features)
		}
	}
	o.step = state.Step
	o.mW = state.MW
	o.vW = state.VW
	o.mB = state.MB
	o.vB = state.VB
	return nil
}
