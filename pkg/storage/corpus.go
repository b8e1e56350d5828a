package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/anneal-ml/anneal/pkg/dataset"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

var ErrCorpusEmpty = errors.New("corpus split has no examples")

// Split names used by the trainer service.
const (
	SplitTrain = "train"
	SplitVal   = "val"
	SplitTest  = "test"
)

type ExampleModel struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey;column:id"`
	Corpus    string    `gorm:"column:corpus;index:idx_corpus_split"`
	Split     string    `gorm:"column:split;index:idx_corpus_split"`
	Text      string    `gorm:"column:text"`
	Label     string    `gorm:"column:label"`
	CreatedAt time.Time `gorm:"column:created_at"`
}

func (ExampleModel) TableName() string {
	return "corpus_examples"
}

// CorpusStore serves labeled training corpora out of Postgres.
type CorpusStore struct {
	db *gorm.DB
}

func NewCorpusStore(db *gorm.DB) *CorpusStore {
	return &CorpusStore{db: db}
}

func (s *CorpusStore) AutoMigrate() error {
	return s.db.AutoMigrate(&ExampleModel{})
}

func (s *CorpusStore) Insert(ctx context.Context, corpus, split string, examples []dataset.Example) error {
	if len(examples) == 0 {
		return nil
	}
	rows := make([]ExampleModel, len(examples))
	now := time.Now().UTC()
	for i, ex := range examples {
		rows[i] = ExampleModel{
			ID:        uuid.New(),
			Corpus:    corpus,
			Split:     split,
			Text:      ex.Text,
			Label:     ex.Label,
			CreatedAt: now,
		}
	}
	return s.db.WithContext(ctx).CreateInBatches(rows, 500).Error
}

// GetSplit loads one split of a corpus ordered by insertion time, so
// batch order is reproducible across processes.
func (s *CorpusStore) GetSplit(ctx context.Context, corpus, split string) ([]dataset.Example, error) {
	var rows []ExampleModel
	result := s.db.WithContext(ctx).
		Where("corpus = ? AND split = ?", corpus, split).
		Order("created_at asc, id asc").
		Find(&rows)
	if result.Error != nil {
		return nil, fmt.Errorf("querying corpus %s/%s: %w", corpus, split, result.Error)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("%w: %s/%s", ErrCorpusEmpty, corpus, split)
	}
	examples := make([]dataset.Example, len(rows))
	for i, row := range rows {
		examples[i] = dataset.Example{Text: row.Text, Label: row.Label}
	}
	return examples, nil
}

// HasSplit reports whether a corpus split exists without loading it.
func (s *CorpusStore) HasSplit(ctx context.Context, corpus, split string) (bool, error) {
	var count int64
	result := s.db.WithContext(ctx).Model(&ExampleModel{}).
		Where("corpus = ? AND split = ?", corpus, split).
		Count(&count)
	return count > 0, result.Error
}
