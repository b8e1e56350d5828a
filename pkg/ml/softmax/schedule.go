package softmax

import (
	"encoding/json"
	"fmt"
)

// LRAt computes the linear warmup + linear decay learning rate as a
// pure function of the schedule position.
func LRAt(step, warmup, total int, base float64) float64 {
	if total <= 0 {
		return base
	}
	if warmup > 0 && step < warmup {
		return base * float64(step+1) / float64(warmup)
	}
	if step >= total {
		return 0
	}
	denom := total - warmup
	if denom <= 0 {
		return base
	}
	return base * float64(total-step) / float64(denom)
}

// LinearSchedule wraps LRAt with a step cursor advanced once per
// optimizer step.
type LinearSchedule struct {
	base   float64
	warmup int
	total  int
	step   int
}

func NewLinearSchedule(base float64, warmup, total int) *LinearSchedule {
	return &LinearSchedule{base: base, warmup: warmup, total: total}
}

func (s *LinearSchedule) LR() float64 {
	return LRAt(s.step, s.warmup, s.total, s.base)
}

func (s *LinearSchedule) Advance() {
	s.step++
}

func (s *LinearSchedule) Step() int { return s.step }

type scheduleState struct {
	Step   int     `json:"step"`
	Warmup int     `json:"warmup_steps"`
	Total  int     `json:"total_steps"`
	BaseLR float64 `json:"base_lr"`
}

func (s *LinearSchedule) StateDict() ([]byte, error) {
	return json.Marshal(scheduleState{Step: s.step, Warmup: s.warmup, Total: s.total, BaseLR: s.base})
}

func (s *LinearSchedule) LoadStateDict(data []byte) error {
	var state scheduleState
	if err := json.Unmarshal(data, &state); err != nil {
		return fmt.Errorf("parsing schedule state: %w", err)
	}
	s.step = state.Step
	s.warmup = state.Warmup
	s.total = state.Total
	s.base = state.BaseLR
	return nil
}
