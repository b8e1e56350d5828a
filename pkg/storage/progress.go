package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Progress is the live view of a running training loop, materialized
// to Redis so the status endpoint never touches the loop itself.
type Progress struct {
	RunID      string    `json:"run_id"`
	Epoch      int       `json:"epoch"`
	GlobalStep int       `json:"global_step"`
	TrainLoss  float64   `json:"train_loss"`
	BestMetric float64   `json:"best_metric"`
	LastEval   float64   `json:"last_eval,omitempty"`
	UpdatedAt  time.Time `json:"updated_at"`
}

type ProgressCache struct {
	client *redis.Client
	ttl    time.Duration
}

func NewProgressCache(client *redis.Client, ttl time.Duration) *ProgressCache {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &ProgressCache{client: client, ttl: ttl}
}

func (c *ProgressCache) Set(ctx context.Context, runID uuid.UUID, progress Progress) error {
	progress.RunID = runID.String()
	progress.UpdatedAt = time.Now().UTC()
	data, err := json.Marshal(progress)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, progressKey(runID), data, c.ttl).Err()
}

func (c *ProgressCache) Get(ctx context.Context, runID uuid.UUID) (Progress, error) {
	data, err := c.client.Get(ctx, progressKey(runID)).Bytes()
	if err != nil {
		return Progress{}, err
	}
	var progress Progress
	if err := json.Unmarshal(data, &progress); err != nil {
		return Progress{}, err
	}
	return progress, nil
}

func progressKey(runID uuid.UUID) string {
	return fmt.Sprintf("run:progress:%s", runID.String())
}
