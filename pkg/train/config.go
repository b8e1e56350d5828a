package train

// Config is the control-loop surface consumed, not owned, by the core.
// EvalSteps/SaveSteps of 0 mean "never" (evaluation then happens only at
// epoch boundaries).
type Config struct {
	Epochs             int    `yaml:"epochs" json:"epochs"`
	AccumulationWindow int    `yaml:"accumulation_window" json:"accumulation_window"`
	Patience           int    `yaml:"patience" json:"patience"`
	EvalSteps          int    `yaml:"eval_steps" json:"eval_steps"`
	SaveSteps          int    `yaml:"save_steps" json:"save_steps"`
	ResumeFrom         string `yaml:"resume_from" json:"resume_from,omitempty"`
	SelectionMetric    string `yaml:"selection_metric" json:"selection_metric"`
}

func (c Config) Validate() error {
	if c.Epochs <= 0 {
		return configErrorf("epochs", "must be >= 1, got %d", c.Epochs)
	}
	if c.AccumulationWindow <= 0 {
		return configErrorf("accumulation_window", "must be >= 1, got %d", c.AccumulationWindow)
	}
	if c.Patience <= 0 {
		return configErrorf("patience", "must be >= 1, got %d", c.Patience)
	}
	if c.EvalSteps < 0 {
		return configErrorf("eval_steps", "must be >= 0, got %d", c.EvalSteps)
	}
	if c.SaveSteps < 0 {
		return configErrorf("save_steps", "must be >= 0, got %d", c.SaveSteps)
	}
	return nil
}
