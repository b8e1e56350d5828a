package kafka

import "time"

// Run lifecycle event types published on the run-events topic.
const (
	EventRunRequested    = "run_requested"
	EventRunStarted      = "run_started"
	EventEvalCompleted   = "eval_completed"
	EventCheckpointSaved = "checkpoint_saved"
	EventRunFinished     = "run_finished"
	EventRunFailed       = "run_failed"
)

type Event struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"`
	Source    string                 `json:"source"`
	Data      map[string]interface{} `json:"data"`
	Timestamp time.Time              `json:"timestamp"`
	Metadata  map[string]string      `json:"metadata,omitempty"`
}
