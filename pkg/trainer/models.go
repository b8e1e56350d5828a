package trainer

import (
	"time"

	"github.com/anneal-ml/anneal/pkg/runspec"
	"github.com/anneal-ml/anneal/pkg/train"
	"github.com/google/uuid"
	"gorm.io/datatypes"
)

const (
	StatusQueued    = "queued"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusStopped   = "stopped"
	StatusFailed    = "failed"
)

type RunModel struct {
	ID            uuid.UUID         `gorm:"type:uuid;primaryKey;column:id"`
	Name          string            `gorm:"column:name"`
	Corpus        string            `gorm:"column:corpus"`
	Config        datatypes.JSONMap `gorm:"column:config"`
	Status        string            `gorm:"column:status"`
	Metrics       datatypes.JSONMap `gorm:"column:metrics"`
	BestMetric    float64           `gorm:"column:best_metric"`
	GlobalStep    int               `gorm:"column:global_step"`
	ArtifactPath  string            `gorm:"column:artifact_path"`
	CheckpointDir string            `gorm:"column:checkpoint_dir"`
	ErrorMessage  string            `gorm:"column:error_message"`
	Promoted      bool              `gorm:"column:promoted"`
	PromotedAt    *time.Time        `gorm:"column:promoted_at"`
	CreatedAt     time.Time         `gorm:"column:created_at"`
	UpdatedAt     time.Time         `gorm:"column:updated_at"`
	StartedAt     *time.Time        `gorm:"column:started_at"`
	CompletedAt   *time.Time        `gorm:"column:completed_at"`
}

func (RunModel) TableName() string {
	return "training_runs"
}

type CreateRunInput struct {
	Name   string            `json:"name"`
	Corpus string            `json:"corpus"`
	Loop   train.Config      `json:"loop"`
	Model  runspec.ModelSpec `json:"model"`
}

// Run is the API-facing view of a training run.
type Run struct {
	ID            uuid.UUID              `json:"id"`
	Name          string                 `json:"name"`
	Corpus        string                 `json:"corpus"`
	Config        map[string]interface{} `json:"config,omitempty"`
	Status        string                 `json:"status"`
	Metrics       map[string]interface{} `json:"metrics,omitempty"`
	BestMetric    float64                `json:"best_metric"`
	GlobalStep    int                    `json:"global_step"`
	ArtifactPath  string                 `json:"artifact_path,omitempty"`
	CheckpointDir string                 `json:"checkpoint_dir,omitempty"`
	ErrorMessage  string                 `json:"error_message,omitempty"`
	Promoted      bool                   `json:"promoted"`
	PromotedAt    *time.Time             `json:"promoted_at,omitempty"`
	CreatedAt     time.Time              `json:"created_at"`
	StartedAt     *time.Time             `json:"started_at,omitempty"`
	CompletedAt   *time.Time             `json:"completed_at,omitempty"`
}

func toDomain(run *RunModel) Run {
	result := Run{
		ID:            run.ID,
		Name:          run.Name,
		Corpus:        run.Corpus,
		Status:        run.Status,
		BestMetric:    run.BestMetric,
		GlobalStep:    run.GlobalStep,
		ArtifactPath:  run.ArtifactPath,
		CheckpointDir: run.CheckpointDir,
		ErrorMessage:  run.ErrorMessage,
		Promoted:      run.Promoted,
		PromotedAt:    run.PromotedAt,
		CreatedAt:     run.CreatedAt,
		StartedAt:     run.StartedAt,
		CompletedAt:   run.CompletedAt,
	}
	if run.Config != nil {
		result.Config = map[string]interface{}(run.Config)
	}
	if run.Metrics != nil {
		result.Metrics = map[string]interface{}(run.Metrics)
	}
	return result
}
