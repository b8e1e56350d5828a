package train

import "math"

// Signal is the early-stopping decision for one observed metric.
type Signal int

const (
	SignalNone Signal = iota
	SignalImproved
	SignalStopRequested
)

func (s Signal) String() string {
	switch s {
	case SignalImproved:
		return "improved"
	case SignalStopRequested:
		return "stop_requested"
	default:
		return "none"
	}
}

// EarlyStopping tracks the best selection metric and the remaining
// patience. Comparison is strict greater-than: a tie does not count as
// improvement, so a plateaued run cannot hold patience indefinitely.
type EarlyStopping struct {
	patience  int
	best      float64
	left      int
	exhausted bool
}

func NewEarlyStopping(patience int) (*EarlyStopping, error) {
	if patience <= 0 {
		return nil, configErrorf("patience", "must be >= 1, got %d", patience)
	}
	return &EarlyStopping{
		patience: patience,
		best:     math.Inf(-1),
		left:     patience,
	}, nil
}

// Observe feeds one selection-metric value through the state machine.
// Once exhausted, every further observation requests a stop.
func (p *EarlyStopping) Observe(metric float64) Signal {
	if p.exhausted {
		return SignalStopRequested
	}
	if metric > p.best {
		p.best = metric
		p.left = p.patience
		return SignalImproved
	}
	p.left--
	if p.left <= 0 {
		p.exhausted = true
		return SignalStopRequested
	}
	return SignalNone
}

// Restore rewinds the policy to a persisted position.
func (p *EarlyStopping) Restore(best float64, left int) {
	p.best = best
	p.left = left
	p.exhausted = left <= 0
}

func (p *EarlyStopping) Best() float64 { return p.best }

func (p *EarlyStopping) PatienceLeft() int { return p.left }

func (p *EarlyStopping) Exhausted() bool { return p.exhausted }
