package metrics

import (
	"context"
	"time"

	"github.com/BaSui01/stategraph/checkpoint"
	"github.com/BaSui01/stategraph/task"
)

// InstrumentCheckpointStore wraps a checkpoint store so every operation
// is recorded with its duration and outcome.
func InstrumentCheckpointStore(s checkpoint.Store, c *Collector) checkpoint.Store {
	return &checkpointStore{inner: s, collector: c}
}

type checkpointStore struct {
	inner     checkpoint.Store
	collector *Collector
}

func (s *checkpointStore) observe(op string, start time.Time, err error) {
	s.collector.RecordStoreOp("checkpoint", op, err, time.Since(start))
}

func (s *checkpointStore) Save(ctx context.Context, cp *checkpoint.Checkpoint) error {
	start := time.Now()
	err := s.inner.Save(ctx, cp)
	s.observe("save", start, err)
	return err
}

func (s *checkpointStore) Get(ctx context.Context, id string) (*checkpoint.Checkpoint, error) {
	start := time.Now()
	cp, err := s.inner.Get(ctx, id)
	s.observe("get", start, err)
	return cp, err
}

func (s *checkpointStore) GetLatest(ctx context.Context, runID string) (*checkpoint.Checkpoint, error) {
	start := time.Now()
	cp, err := s.inner.GetLatest(ctx, runID)
	s.observe("get_latest", start, err)
	return cp, err
}

func (s *checkpointStore) List(ctx context.Context, runID string) ([]*checkpoint.Checkpoint, error) {
	start := time.Now()
	cps, err := s.inner.List(ctx, runID)
	s.observe("list", start, err)
	return cps, err
}

func (s *checkpointStore) Delete(ctx context.Context, id string) error {
	start := time.Now()
	err := s.inner.Delete(ctx, id)
	s.observe("delete", start, err)
	return err
}

func (s *checkpointStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	start := time.Now()
	n, err := s.inner.DeleteOlderThan(ctx, cutoff)
	s.observe("delete_older_than", start, err)
	return n, err
}

func (s *checkpointStore) Close() error {
	return s.inner.Close()
}

func (s *checkpointStore) Ping(ctx context.Context) error {
	start := time.Now()
	err := s.inner.Ping(ctx)
	s.observe("ping", start, err)
	return err
}

// InstrumentTaskStore wraps a task store so every operation is recorded
// with its duration and outcome, successful creates count toward the
// submitted-by-type series, and successful status updates count toward
// the transition series.
func InstrumentTaskStore(s task.Store, c *Collector) task.Store {
	return &taskStore{inner: s, collector: c}
}

type taskStore struct {
	inner     task.Store
	collector *Collector
}

func (s *taskStore) observe(op string, start time.Time, err error) {
	s.collector.RecordStoreOp("task", op, err, time.Since(start))
}

func (s *taskStore) Create(ctx context.Context, t *task.WorkTask) error {
	start := time.Now()
	err := s.inner.Create(ctx, t)
	s.observe("create", start, err)
	if err == nil {
		s.collector.RecordTaskSubmitted(t.TaskType)
	}
	return err
}

func (s *taskStore) Get(ctx context.Context, id string) (*task.WorkTask, error) {
	start := time.Now()
	t, err := s.inner.Get(ctx, id)
	s.observe("get", start, err)
	return t, err
}

func (s *taskStore) Update(ctx context.Context, t *task.WorkTask) error {
	start := time.Now()
	err := s.inner.Update(ctx, t)
	s.observe("update", start, err)
	return err
}

func (s *taskStore) UpdateStatus(ctx context.Context, id string, status task.Status) error {
	start := time.Now()
	err := s.inner.UpdateStatus(ctx, id, status)
	s.observe("update_status", start, err)
	if err == nil {
		s.collector.RecordTaskTransition(string(status))
	}
	return err
}

func (s *taskStore) GetBySessionID(ctx context.Context, sessionID string) ([]*task.WorkTask, error) {
	start := time.Now()
	ts, err := s.inner.GetBySessionID(ctx, sessionID)
	s.observe("get_by_session", start, err)
	return ts, err
}

func (s *taskStore) GetByStatus(ctx context.Context, sessionID string, status task.Status) ([]*task.WorkTask, error) {
	start := time.Now()
	ts, err := s.inner.GetByStatus(ctx, sessionID, status)
	s.observe("get_by_status", start, err)
	return ts, err
}

func (s *taskStore) GetByWorkflowRunID(ctx context.Context, runID string) ([]*task.WorkTask, error) {
	start := time.Now()
	ts, err := s.inner.GetByWorkflowRunID(ctx, runID)
	s.observe("get_by_workflow_run", start, err)
	return ts, err
}

func (s *taskStore) GetStatistics(ctx context.Context, sessionID string) (*task.Statistics, error) {
	start := time.Now()
	st, err := s.inner.GetStatistics(ctx, sessionID)
	s.observe("get_statistics", start, err)
	return st, err
}

func (s *taskStore) Reorder(ctx context.Context, sessionID string, idToOrder map[string]int) error {
	start := time.Now()
	err := s.inner.Reorder(ctx, sessionID, idToOrder)
	s.observe("reorder", start, err)
	return err
}

func (s *taskStore) AreDependenciesComplete(ctx context.Context, id string) (bool, error) {
	start := time.Now()
	ok, err := s.inner.AreDependenciesComplete(ctx, id)
	s.observe("dependencies_complete", start, err)
	return ok, err
}

func (s *taskStore) Close() error {
	return s.inner.Close()
}

func (s *taskStore) Ping(ctx context.Context) error {
	start := time.Now()
	err := s.inner.Ping(ctx)
	s.observe("ping", start, err)
	return err
}
