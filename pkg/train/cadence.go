package train

// Cadence decides whether evaluation or checkpointing is due at a step
// boundary. An interval of 0 means "never"; triggers only fire on
// completed accumulation windows, so evaluation is never double-counted
// on partial windows.
type Cadence struct {
	evalSteps int
	saveSteps int
}

func NewCadence(evalSteps, saveSteps int) (Cadence, error) {
	if evalSteps < 0 {
		return Cadence{}, configErrorf("eval_steps", "must be >= 0, got %d", evalSteps)
	}
	if saveSteps < 0 {
		return Cadence{}, configErrorf("save_steps", "must be >= 0, got %d", saveSteps)
	}
	return Cadence{evalSteps: evalSteps, saveSteps: saveSteps}, nil
}

func (c Cadence) ShouldEval(b StepBoundary) bool {
	return c.due(b, c.evalSteps)
}

func (c Cadence) ShouldSave(b StepBoundary) bool {
	return c.due(b, c.saveSteps)
}

func (c Cadence) due(b StepBoundary, interval int) bool {
	if !b.IsBoundary || interval <= 0 || b.GlobalStep <= 0 {
		return false
	}
	return b.GlobalStep%interval == 0
}
