package task

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-memory implementation of Store.
// Suitable for development and testing. Data is lost on restart.
type MemoryStore struct {
	tasks  map[string]*WorkTask
	mu     sync.RWMutex
	closed bool
}

// NewMemoryStore creates a new in-memory task store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tasks: make(map[string]*WorkTask),
	}
}

// Close closes the store.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Ping checks if the store is healthy.
func (s *MemoryStore) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStoreClosed
	}
	return nil
}

// Create persists a new task, assigning id, order, and timestamps.
func (s *MemoryStore) Create(ctx context.Context, t *WorkTask) error {
	if t == nil {
		return ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	if _, exists := s.tasks[t.ID]; exists {
		return ErrAlreadyExists
	}

	if t.Status == "" {
		t.Status = StatusPending
	}

	now := time.Now()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now

	// The order scan and the insert happen under one critical section, so
	// concurrent creates in a session always see contiguous orders.
	if t.Order < 0 {
		t.Order = s.maxOrderLocked(t.SessionID) + 1
	}

	s.tasks[t.ID] = copyTask(t)
	return nil
}

func (s *MemoryStore) maxOrderLocked(sessionID string) int {
	max := -1
	for _, existing := range s.tasks {
		if existing.SessionID == sessionID && existing.Order > max {
			max = existing.Order
		}
	}
	return max
}

// Get retrieves a task by id.
func (s *MemoryStore) Get(ctx context.Context, id string) (*WorkTask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	t, ok := s.tasks[id]
	if !ok {
		return nil, ErrNotFound
	}

	return copyTask(t), nil
}

// Update overwrites an existing task, deriving lifecycle timestamps.
func (s *MemoryStore) Update(ctx context.Context, t *WorkTask) error {
	if t == nil || t.ID == "" {
		return ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	old, ok := s.tasks[t.ID]
	if !ok {
		return ErrNotFound
	}

	updated := copyTask(t)
	// Lifecycle timestamps are owned by the store: carry the set-once
	// values forward and derive new ones from the status transition.
	updated.CreatedAt = old.CreatedAt
	updated.StartedAt = copyTime(old.StartedAt)
	updated.CompletedAt = copyTime(old.CompletedAt)
	updated.CancelledAt = copyTime(old.CancelledAt)
	applyTransition(updated, time.Now())

	s.tasks[t.ID] = updated
	return nil
}

// UpdateStatus transitions a task's status by id.
func (s *MemoryStore) UpdateStatus(ctx context.Context, id string, status Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	t, ok := s.tasks[id]
	if !ok {
		return ErrNotFound
	}

	t.Status = status
	applyTransition(t, time.Now())
	return nil
}

// GetBySessionID returns a session's tasks ordered by Order.
func (s *MemoryStore) GetBySessionID(ctx context.Context, sessionID string) ([]*WorkTask, error) {
	return s.collect(func(t *WorkTask) bool {
		return t.SessionID == sessionID
	})
}

// GetByStatus returns a session's tasks with the given status, ordered by
// Order.
func (s *MemoryStore) GetByStatus(ctx context.Context, sessionID string, status Status) ([]*WorkTask, error) {
	return s.collect(func(t *WorkTask) bool {
		return t.SessionID == sessionID && t.Status == status
	})
}

// GetByWorkflowRunID returns tasks tagged with a workflow run.
func (s *MemoryStore) GetByWorkflowRunID(ctx context.Context, runID string) ([]*WorkTask, error) {
	return s.collect(func(t *WorkTask) bool {
		return t.WorkflowRunID == runID
	})
}

func (s *MemoryStore) collect(match func(*WorkTask) bool) ([]*WorkTask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	result := make([]*WorkTask, 0)
	for _, t := range s.tasks {
		if match(t) {
			result = append(result, copyTask(t))
		}
	}

	sortByOrder(result)
	return result, nil
}

func sortByOrder(tasks []*WorkTask) {
	sort.Slice(tasks, func(i, j int) bool {
		if tasks[i].Order != tasks[j].Order {
			return tasks[i].Order < tasks[j].Order
		}
		if !tasks[i].CreatedAt.Equal(tasks[j].CreatedAt) {
			return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
		}
		return tasks[i].ID < tasks[j].ID
	})
}

// GetStatistics returns per-status counts for a session.
func (s *MemoryStore) GetStatistics(ctx context.Context, sessionID string) (*Statistics, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	stats := &Statistics{ByStatus: make(map[Status]int)}
	for _, t := range s.tasks {
		if t.SessionID != sessionID {
			continue
		}
		stats.Total++
		stats.ByStatus[t.Status]++
	}

	return stats, nil
}

// Reorder bulk-updates Order for tasks belonging to the session.
func (s *MemoryStore) Reorder(ctx context.Context, sessionID string, idToOrder map[string]int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	now := time.Now()
	for id, order := range idToOrder {
		t, ok := s.tasks[id]
		if !ok || t.SessionID != sessionID {
			continue
		}
		t.Order = order
		t.UpdatedAt = now
	}

	return nil
}

// AreDependenciesComplete reports whether every dependency has completed.
func (s *MemoryStore) AreDependenciesComplete(ctx context.Context, id string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return false, ErrStoreClosed
	}

	t, ok := s.tasks[id]
	if !ok {
		return false, nil
	}

	for _, depID := range t.DependsOn {
		dep, ok := s.tasks[depID]
		if !ok || dep.Status != StatusCompleted {
			return false, nil
		}
	}

	return true, nil
}

// Ensure MemoryStore implements Store
var _ Store = (*MemoryStore)(nil)
