package train

// StepBoundary reports whether a micro-batch completed an accumulation
// window. GlobalStep carries the step count after the call.
type StepBoundary struct {
	IsBoundary bool
	GlobalStep int
}

// Gate counts micro-batches and decides when an accumulation window is
// complete. The global step is incremented only on completed windows.
type Gate struct {
	window     int
	count      int
	globalStep int
}

func NewGate(window int) (*Gate, error) {
	if window <= 0 {
		return nil, configErrorf("accumulation_window", "must be >= 1, got %d", window)
	}
	return &Gate{window: window}, nil
}

// OnBatch records one processed micro-batch. When the accumulation
// counter reaches the window size the gate zeroes it, increments the
// global step and reports a boundary.
func (g *Gate) OnBatch() StepBoundary {
	g.count++
	if g.count == g.window {
		g.count = 0
		g.globalStep++
		return StepBoundary{IsBoundary: true, GlobalStep: g.globalStep}
	}
	return StepBoundary{GlobalStep: g.globalStep}
}

// Flush forces a ragged tail (a partially filled window at epoch end)
// through the gate as a completed window. Returns a non-boundary event
// when the window was already empty.
func (g *Gate) Flush() StepBoundary {
	if g.count == 0 {
		return StepBoundary{GlobalStep: g.globalStep}
	}
	g.count = 0
	g.globalStep++
	return StepBoundary{IsBoundary: true, GlobalStep: g.globalStep}
}

// Restore resets the gate to a persisted position. Checkpoints are only
// written on window boundaries, so the counter restarts at zero.
func (g *Gate) Restore(globalStep int) {
	g.globalStep = globalStep
	g.count = 0
}

func (g *Gate) GlobalStep() int { return g.globalStep }

func (g *Gate) AccumulationCount() int { return g.count }

func (g *Gate) Window() int { return g.window }
