package checkpoint

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory implementation of Store.
// Suitable for development and testing. Data is lost on restart.
type MemoryStore struct {
	checkpoints map[string]*Checkpoint
	byRun       map[string][]string // checkpoint ids in save order
	mu          sync.RWMutex
	closed      bool
}

// NewMemoryStore creates a new in-memory checkpoint store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		checkpoints: make(map[string]*Checkpoint),
		byRun:       make(map[string][]string),
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

// Save persists a checkpoint.
func (s *MemoryStore) Save(ctx context.Context, cp *Checkpoint) error {
	if err := prepare(cp); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	stored := copyCheckpoint(cp)
	if _, exists := s.checkpoints[stored.ID]; !exists {
		s.byRun[stored.RunID] = append(s.byRun[stored.RunID], stored.ID)
	}
	s.checkpoints[stored.ID] = stored

	return nil
}

// Get retrieves a checkpoint by id.
func (s *MemoryStore) Get(ctx context.Context, id string) (*Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	cp, ok := s.checkpoints[id]
	if !ok {
		return nil, ErrNotFound
	}

	return copyCheckpoint(cp), nil
}

// GetLatest retrieves the most recently saved checkpoint of a run.
func (s *MemoryStore) GetLatest(ctx context.Context, runID string) (*Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	ids := s.byRun[runID]
	if len(ids) == 0 {
		return nil, ErrNotFound
	}

	return copyCheckpoint(s.checkpoints[ids[len(ids)-1]]), nil
}

// List returns all checkpoints of a run ordered by creation time.
func (s *MemoryStore) List(ctx context.Context, runID string) ([]*Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	ids := s.byRun[runID]
	result := make([]*Checkpoint, 0, len(ids))
	for _, id := range ids {
		result = append(result, copyCheckpoint(s.checkpoints[id]))
	}

	return result, nil
}

// Delete removes a checkpoint by id.
func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	cp, ok := s.checkpoints[id]
	if !ok {
		return ErrNotFound
	}

	delete(s.checkpoints, id)
	s.byRun[cp.RunID] = removeID(s.byRun[cp.RunID], id)
	if len(s.byRun[cp.RunID]) == 0 {
		delete(s.byRun, cp.RunID)
	}

	return nil
}

// DeleteOlderThan removes checkpoints created before the cutoff.
func (s *MemoryStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, ErrStoreClosed
	}

	count := 0
	for id, cp := range s.checkpoints {
		if cp.CreatedAt.Before(cutoff) {
			delete(s.checkpoints, id)
			s.byRun[cp.RunID] = removeID(s.byRun[cp.RunID], id)
			if len(s.byRun[cp.RunID]) == 0 {
				delete(s.byRun, cp.RunID)
			}
			count++
		}
	}

	return count, nil
}

func removeID(ids []string, id string) []string {
	for i, candidate := range ids {
		if candidate == id {
			return append(ids[:i], ids[i+1:]...)
		}
	}
	return ids
}

// Ensure MemoryStore implements Store
var _ Store = (*MemoryStore)(nil)
