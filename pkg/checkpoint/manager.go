package checkpoint

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/anneal-ml/anneal/pkg/common/logger"
	"github.com/anneal-ml/anneal/pkg/train"
	"github.com/cespare/xxhash/v2"
)

var (
	ErrNotFound = errors.New("checkpoint not found")
	ErrCorrupt  = errors.New("corrupt checkpoint")
)

const (
	bestFile    = "best_checkpoint.json"
	latestFile  = "LATEST"
	formatVer   = 1
	periodicFmt = "checkpoint_step_%06d.json"
)

// Checkpoint is the persisted artifact: a LoopState snapshot plus the
// opaque backend blobs, checksummed as a unit. Each save produces a
// new, immutable, self-contained file.
type Checkpoint struct {
	Version   int             `json:"version"`
	State     train.LoopState `json:"state"`
	IsBest    bool            `json:"is_best"`
	Timestamp time.Time       `json:"timestamp"`
	Checksum  uint64          `json:"checksum"`
	Model     []byte          `json:"model_blob"`
	Optimizer []byte          `json:"optimizer_blob"`
	Schedule  []byte          `json:"schedule_blob"`
	Scaler    []byte          `json:"scaler_blob,omitempty"`
}

// Manager owns a checkpoint directory, keeping one best artifact, a
// bounded set of periodic artifacts and a LATEST pointer for
// resume-by-directory.
type Manager struct {
	dir  string
	keep int
}

func NewManager(dir string, keep int) (*Manager, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating checkpoint dir: %w", err)
	}
	if keep <= 0 {
		keep = 3
	}
	return &Manager{dir: dir, keep: keep}, nil
}

func (m *Manager) SaveBest(state train.LoopState, blobs train.Blobs) (string, error) {
	return m.save(state, blobs, true, bestFile)
}

func (m *Manager) SavePeriodic(state train.LoopState, blobs train.Blobs) (string, error) {
	name := fmt.Sprintf(periodicFmt, state.GlobalStep)
	path, err := m.save(state, blobs, false, name)
	if err != nil {
		return "", err
	}
	if err := m.writeLatest(name); err != nil {
		return "", err
	}
	m.prune()
	return path, nil
}

// save publishes a checkpoint with write-to-temp-then-rename so a crash
// mid-write can never corrupt the previous good artifact.
func (m *Manager) save(state train.LoopState, blobs train.Blobs, isBest bool, name string) (string, error) {
	ckpt := Checkpoint{
		Version:   formatVer,
		State:     state,
		IsBest:    isBest,
		Timestamp: time.Now().UTC(),
		Checksum:  checksum(blobs),
		Model:     blobs.Model,
		Optimizer: blobs.Optimizer,
		Schedule:  blobs.Schedule,
		Scaler:    blobs.Scaler,
	}
	payload, err := json.MarshalIndent(ckpt, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshalling checkpoint: %w", err)
	}

	tmp, err := os.CreateTemp(m.dir, ".ckpt-*")
	if err != nil {
		return "", fmt.Errorf("creating temp checkpoint: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(payload); err != nil {
		tmp.Close()
		return "", fmt.Errorf("writing checkpoint: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return "", fmt.Errorf("syncing checkpoint: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("closing checkpoint: %w", err)
	}

	path := filepath.Join(m.dir, name)
	if err := os.Rename(tmp.Name(), path); err != nil {
		return "", fmt.Errorf("publishing checkpoint: %w", err)
	}

	logger.Log.WithFields(map[string]interface{}{
		"path":        path,
		"global_step": state.GlobalStep,
		"epoch":       state.Epoch,
		"is_best":     isBest,
	}).Info("Checkpoint saved")
	return path, nil
}

// Load reads a checkpoint by file path, or resolves the LATEST pointer
// when given a directory. Returns ErrNotFound when the path does not
// resolve to an artifact and ErrCorrupt when it fails integrity checks.
func (m *Manager) Load(path string) (train.LoopState, train.Blobs, error) {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return train.LoopState{}, train.Blobs{}, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return train.LoopState{}, train.Blobs{}, err
	}
	if info.IsDir() {
		name, err := os.ReadFile(filepath.Join(path, latestFile))
		if err != nil {
			return train.LoopState{}, train.Blobs{}, fmt.Errorf("%w: no LATEST pointer in %s", ErrNotFound, path)
		}
		path = filepath.Join(path, strings.TrimSpace(string(name)))
	}

	content, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return train.LoopState{}, train.Blobs{}, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return train.LoopState{}, train.Blobs{}, err
	}

	var ckpt Checkpoint
	if err := json.Unmarshal(content, &ckpt); err != nil {
		return train.LoopState{}, train.Blobs{}, fmt.Errorf("%w: %s: %v", ErrCorrupt, path, err)
	}
	blobs := train.Blobs{
		Model:     ckpt.Model,
		Optimizer: ckpt.Optimizer,
		Schedule:  ckpt.Schedule,
		Scaler:    ckpt.Scaler,
	}
	if ckpt.Checksum != checksum(blobs) {
		return train.LoopState{}, train.Blobs{}, fmt.Errorf("%w: %s: checksum mismatch", ErrCorrupt, path)
	}
	return ckpt.State, blobs, nil
}

func (m *Manager) LoadBest() (train.LoopState, train.Blobs, error) {
	return m.Load(m.BestPath())
}

func (m *Manager) BestPath() string {
	return BestIn(m.dir)
}

// BestIn returns the best-checkpoint path inside a checkpoint
// directory without constructing a Manager.
func BestIn(dir string) string {
	return filepath.Join(dir, bestFile)
}

func (m *Manager) HasBest() bool {
	_, err := os.Stat(m.BestPath())
	return err == nil
}

func (m *Manager) Dir() string { return m.dir }

func (m *Manager) writeLatest(name string) error {
	tmp, err := os.CreateTemp(m.dir, ".latest-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.WriteString(name + "\n"); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), filepath.Join(m.dir, latestFile))
}

// prune deletes the oldest periodic checkpoints beyond the retention
// limit. The best artifact is never pruned.
func (m *Manager) prune() {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return
	}
	var periodic []string
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), "checkpoint_step_") && strings.HasSuffix(e.Name(), ".json") {
			periodic = append(periodic, e.Name())
		}
	}
	if len(periodic) <= m.keep {
		return
	}
	sort.Strings(periodic)
	for _, name := range periodic[:len(periodic)-m.keep] {
		if err := os.Remove(filepath.Join(m.dir, name)); err != nil {
			logger.Log.WithError(err).WithField("path", name).Warn("Failed to prune checkpoint")
		}
	}
}

func checksum(blobs train.Blobs) uint64 {
	h := xxhash.New()
	h.Write(blobs.Model)
	h.Write(blobs.Optimizer)
	h.Write(blobs.Schedule)
	h.Write(blobs.Scaler)
	return h.Sum64()
}
