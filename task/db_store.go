package task

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// taskRecord is the GORM model backing DBStore. Input and DependsOn are
// stored as JSON text; Order maps to task_order because ORDER is reserved
// in SQL.
type taskRecord struct {
	ID                 string `gorm:"primaryKey;size:64"`
	SessionID          string `gorm:"index:idx_task_session;size:64"`
	WorkflowRunID      string `gorm:"index:idx_task_run;size:64"`
	TaskType           string `gorm:"size:255"`
	Input              string `gorm:"type:text"`
	RequiredCapability string `gorm:"size:255"`
	Priority           int    `gorm:"default:0"`
	DependsOn          string `gorm:"type:text"`
	TaskOrder          int    `gorm:"column:task_order;default:0"`
	Status             string `gorm:"index:idx_task_status;size:32"`
	CreatedAt          time.Time
	StartedAt          *time.Time
	CompletedAt        *time.Time
	CancelledAt        *time.Time
	UpdatedAt          time.Time
}

func (taskRecord) TableName() string {
	return "work_tasks"
}

// DBStore is a GORM-backed implementation of Store for relational
// databases (SQLite, PostgreSQL, MySQL).
//
// Order assignment runs inside a transaction; deployments with multiple
// concurrent writers should run it at an isolation level that serializes
// the max(order) read with the insert.
type DBStore struct {
	db *gorm.DB
}

// NewDBStore creates a database-backed task store and migrates the
// work_tasks table.
func NewDBStore(db *gorm.DB) (*DBStore, error) {
	if db == nil {
		return nil, fmt.Errorf("%w: nil database handle", ErrInvalidInput)
	}
	if err := db.AutoMigrate(&taskRecord{}); err != nil {
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

func toTaskRecord(t *WorkTask) (*taskRecord, error) {
	input := ""
	if len(t.Input) > 0 {
		data, err := json.Marshal(t.Input)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal input: %w", err)
		}
		input = string(data)
	}

	deps := ""
	if len(t.DependsOn) > 0 {
		data, err := json.Marshal(t.DependsOn)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal dependencies: %w", err)
		}
		deps = string(data)
	}

	return &taskRecord{
		ID:                 t.ID,
		SessionID:          t.SessionID,
		WorkflowRunID:      t.WorkflowRunID,
		TaskType:           t.TaskType,
		Input:              input,
		RequiredCapability: t.RequiredCapability,
		Priority:           t.Priority,
		DependsOn:          deps,
		TaskOrder:          t.Order,
		Status:             string(t.Status),
		CreatedAt:          t.CreatedAt,
		StartedAt:          t.StartedAt,
		CompletedAt:        t.CompletedAt,
		CancelledAt:        t.CancelledAt,
		UpdatedAt:          t.UpdatedAt,
	}, nil
}

func fromTaskRecord(rec *taskRecord) (*WorkTask, error) {
	t := &WorkTask{
		ID:                 rec.ID,
		SessionID:          rec.SessionID,
		WorkflowRunID:      rec.WorkflowRunID,
		TaskType:           rec.TaskType,
		RequiredCapability: rec.RequiredCapability,
		Priority:           rec.Priority,
		Order:              rec.TaskOrder,
		Status:             Status(rec.Status),
		CreatedAt:          rec.CreatedAt,
		StartedAt:          rec.StartedAt,
		CompletedAt:        rec.CompletedAt,
		CancelledAt:        rec.CancelledAt,
		UpdatedAt:          rec.UpdatedAt,
	}
	if rec.Input != "" {
		if err := json.Unmarshal([]byte(rec.Input), &t.Input); err != nil {
			return nil, fmt.Errorf("failed to unmarshal input: %w", err)
		}
	}
	if rec.DependsOn != "" {
		if err := json.Unmarshal([]byte(rec.DependsOn), &t.DependsOn); err != nil {
			return nil, fmt.Errorf("failed to unmarshal dependencies: %w", err)
		}
	}
	return t, nil
}

// Create persists a new task, assigning id, order, and timestamps.
func (s *DBStore) Create(ctx context.Context, t *WorkTask) error {
	if t == nil {
		return ErrInvalidInput
	}

	if t.ID == "" {
		t.ID = newTaskID()
	}
	if t.Status == "" {
		t.Status = StatusPending
	}
	now := time.Now()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&taskRecord{}).Where("id = ?", t.ID).Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return ErrAlreadyExists
		}

		if t.Order < 0 {
			var max *int
			err := tx.Model(&taskRecord{}).
				Where("session_id = ?", t.SessionID).
				Select("MAX(task_order)").
				Scan(&max).Error
			if err != nil {
				return err
			}
			if max == nil {
				t.Order = 0
			} else {
				t.Order = *max + 1
			}
		}

		rec, err := toTaskRecord(t)
		if err != nil {
			return err
		}
		return tx.Create(rec).Error
	})
}

// Get retrieves a task by id.
func (s *DBStore) Get(ctx context.Context, id string) (*WorkTask, error) {
	var rec taskRecord
	err := s.db.WithContext(ctx).First(&rec, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return fromTaskRecord(&rec)
}

// Update overwrites an existing task, deriving lifecycle timestamps.
func (s *DBStore) Update(ctx context.Context, t *WorkTask) error {
	if t == nil || t.ID == "" {
		return ErrInvalidInput
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var old taskRecord
		err := tx.First(&old, "id = ?", t.ID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}

		updated := *t
		updated.CreatedAt = old.CreatedAt
		updated.StartedAt = old.StartedAt
		updated.CompletedAt = old.CompletedAt
		updated.CancelledAt = old.CancelledAt
		applyTransition(&updated, time.Now())

		rec, err := toTaskRecord(&updated)
		if err != nil {
			return err
		}
		return tx.Save(rec).Error
	})
}

// UpdateStatus transitions a task's status by id.
func (s *DBStore) UpdateStatus(ctx context.Context, id string, status Status) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rec taskRecord
		err := tx.First(&rec, "id = ?", id).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}

		t, err := fromTaskRecord(&rec)
		if err != nil {
			return err
		}
		t.Status = status
		applyTransition(t, time.Now())

		updated, err := toTaskRecord(t)
		if err != nil {
			return err
		}
		return tx.Save(updated).Error
	})
}

// GetBySessionID returns a session's tasks ordered by Order.
func (s *DBStore) GetBySessionID(ctx context.Context, sessionID string) ([]*WorkTask, error) {
	var recs []taskRecord
	err := s.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("task_order ASC").
		Order("created_at ASC").
		Find(&recs).Error
	if err != nil {
		return nil, err
	}
	return fromTaskRecords(recs)
}

// GetByStatus returns a session's tasks with the given status, ordered by
// Order.
func (s *DBStore) GetByStatus(ctx context.Context, sessionID string, status Status) ([]*WorkTask, error) {
	var recs []taskRecord
	err := s.db.WithContext(ctx).
		Where("session_id = ? AND status = ?", sessionID, string(status)).
		Order("task_order ASC").
		Order("created_at ASC").
		Find(&recs).Error
	if err != nil {
		return nil, err
	}
	return fromTaskRecords(recs)
}

// GetByWorkflowRunID returns tasks tagged with a workflow run.
func (s *DBStore) GetByWorkflowRunID(ctx context.Context, runID string) ([]*WorkTask, error) {
	var recs []taskRecord
	err := s.db.WithContext(ctx).
		Where("workflow_run_id = ?", runID).
		Order("task_order ASC").
		Order("created_at ASC").
		Find(&recs).Error
	if err != nil {
		return nil, err
	}
	return fromTaskRecords(recs)
}

func fromTaskRecords(recs []taskRecord) ([]*WorkTask, error) {
	result := make([]*WorkTask, 0, len(recs))
	for i := range recs {
		t, err := fromTaskRecord(&recs[i])
		if err != nil {
			return nil, err
		}
		result = append(result, t)
	}
	return result, nil
}

// GetStatistics returns per-status counts for a session.
func (s *DBStore) GetStatistics(ctx context.Context, sessionID string) (*Statistics, error) {
	type statusCount struct {
		Status string
		Count  int
	}

	var counts []statusCount
	err := s.db.WithContext(ctx).
		Model(&taskRecord{}).
		Select("status, COUNT(*) as count").
		Where("session_id = ?", sessionID).
		Group("status").
		Scan(&counts).Error
	if err != nil {
		return nil, err
	}

	stats := &Statistics{ByStatus: make(map[Status]int)}
	for _, c := range counts {
		stats.ByStatus[Status(c.Status)] = c.Count
		stats.Total += c.Count
	}
	return stats, nil
}

// Reorder bulk-updates Order for tasks belonging to the session.
func (s *DBStore) Reorder(ctx context.Context, sessionID string, idToOrder map[string]int) error {
	now := time.Now()
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for id, order := range idToOrder {
			err := tx.Model(&taskRecord{}).
				Where("id = ? AND session_id = ?", id, sessionID).
				Updates(map[string]any{
					"task_order": order,
					"updated_at": now,
				}).Error
			if err != nil {
				return err
			}
		}
		return nil
	})
}

// AreDependenciesComplete reports whether every dependency has completed.
func (s *DBStore) AreDependenciesComplete(ctx context.Context, id string) (bool, error) {
	t, err := s.Get(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	if len(t.DependsOn) == 0 {
		return true, nil
	}

	deps := make([]string, 0, len(t.DependsOn))
	seen := make(map[string]struct{}, len(t.DependsOn))
	for _, depID := range t.DependsOn {
		if _, ok := seen[depID]; ok {
			continue
		}
		seen[depID] = struct{}{}
		deps = append(deps, depID)
	}

	var completed int64
	err = s.db.WithContext(ctx).
		Model(&taskRecord{}).
		Where("id IN ? AND status = ?", deps, string(StatusCompleted)).
		Count(&completed).Error
	if err != nil {
		return false, err
	}

	return completed == int64(len(deps)), nil
}

// Ensure DBStore implements Store
var _ Store = (*DBStore)(nil)
