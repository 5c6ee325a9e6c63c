package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// checkpointRecord is the GORM model backing DBStore.
type checkpointRecord struct {
	ID           string    `gorm:"primaryKey;size:64"`
	RunID        string    `gorm:"index:idx_checkpoint_run;size:64;not null"`
	NodeName     string    `gorm:"size:255"`
	State        string    `gorm:"type:text"`
	StateVersion int       `gorm:"default:0"`
	Metadata     string    `gorm:"type:text"`
	CreatedAt    time.Time `gorm:"index:idx_checkpoint_created"`
}

func (checkpointRecord) TableName() string {
	return "checkpoints"
}

// DBStore is a GORM-backed implementation of Store for relational
// databases (SQLite, PostgreSQL, MySQL).
type DBStore struct {
	db *gorm.DB
}

// NewDBStore creates a database-backed checkpoint store and migrates the
// checkpoints table.
func NewDBStore(db *gorm.DB) (*DBStore, error) {
	if db == nil {
		return nil, fmt.Errorf("%w: nil database handle", ErrInvalidInput)
	}
	if err := db.AutoMigrate(&checkpointRecord{}); err != nil {
		return nil, fmt.Errorf("failed to auto migrate: %w", err)
	}
	return &DBStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *DBStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Ping checks if the store is healthy.
func (s *DBStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func toRecord(cp *Checkpoint) (*checkpointRecord, error) {
	metadata := ""
	if len(cp.Metadata) > 0 {
		data, err := json.Marshal(cp.Metadata)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal metadata: %w", err)
		}
		metadata = string(data)
	}
	return &checkpointRecord{
		ID:           cp.ID,
		RunID:        cp.RunID,
		NodeName:     cp.NodeName,
		State:        cp.SerializedState,
		StateVersion: cp.StateVersion,
		Metadata:     metadata,
		CreatedAt:    cp.CreatedAt,
	}, nil
}

func fromRecord(rec *checkpointRecord) (*Checkpoint, error) {
	cp := &Checkpoint{
		ID:              rec.ID,
		RunID:           rec.RunID,
		NodeName:        rec.NodeName,
		SerializedState: rec.State,
		StateVersion:    rec.StateVersion,
		CreatedAt:       rec.CreatedAt,
	}
	if rec.Metadata != "" {
		if err := json.Unmarshal([]byte(rec.Metadata), &cp.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
	}
	return cp, nil
}

// Save persists a checkpoint.
func (s *DBStore) Save(ctx context.Context, cp *Checkpoint) error {
	if err := prepare(cp); err != nil {
		return err
	}

	rec, err := toRecord(cp)
	if err != nil {
		return err
	}

	return s.db.WithContext(ctx).Save(rec).Error
}

// Get retrieves a checkpoint by id.
func (s *DBStore) Get(ctx context.Context, id string) (*Checkpoint, error) {
	var rec checkpointRecord
	err := s.db.WithContext(ctx).First(&rec, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return fromRecord(&rec)
}

// GetLatest retrieves the most recently saved checkpoint of a run.
func (s *DBStore) GetLatest(ctx context.Context, runID string) (*Checkpoint, error) {
	var rec checkpointRecord
	err := s.db.WithContext(ctx).
		Where("run_id = ?", runID).
		Order("created_at DESC").
		Order("state_version DESC").
		First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return fromRecord(&rec)
}

// List returns all checkpoints of a run ordered by creation time.
func (s *DBStore) List(ctx context.Context, runID string) ([]*Checkpoint, error) {
	var recs []checkpointRecord
	err := s.db.WithContext(ctx).
		Where("run_id = ?", runID).
		Order("created_at ASC").
		Order("state_version ASC").
		Find(&recs).Error
	if err != nil {
		return nil, err
	}

	result := make([]*Checkpoint, 0, len(recs))
	for i := range recs {
		cp, err := fromRecord(&recs[i])
		if err != nil {
			return nil, err
		}
		result = append(result, cp)
	}
	return result, nil
}

// Delete removes a checkpoint by id.
func (s *DBStore) Delete(ctx context.Context, id string) error {
	res := s.db.WithContext(ctx).Delete(&checkpointRecord{}, "id = ?", id)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteOlderThan removes checkpoints created before the cutoff.
func (s *DBStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	res := s.db.WithContext(ctx).Delete(&checkpointRecord{}, "created_at < ?", cutoff)
	if res.Error != nil {
		return 0, res.Error
	}
	return int(res.RowsAffected), nil
}

// Ensure DBStore implements Store
var _ Store = (*DBStore)(nil)
