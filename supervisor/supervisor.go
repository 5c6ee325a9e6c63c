// Package supervisor coordinates delegated work. The Supervisor persists
// tasks and feeds the worker queue, collects the results workers report,
// and answers status queries; the WorkerPool guards per-worker capacity;
// DelegateToWorkerNode and AggregateResultsNode wrap the whole cycle as
// workflow graph nodes.
//
// Task status is derived from two sources: the store carries the
// lifecycle record, and the supervisor keeps the reported results. A
// result is filed before the store status flips to its terminal value,
// so any poller that observes a Completed or Failed status will also
// find the result.
package supervisor

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/BaSui01/stategraph/task"
)

// Common errors
var (
	ErrInvalidInput  = errors.New("invalid input")
	ErrEmptyTaskList = errors.New("task list is empty")
)

// Supervisor is the submission and reporting hub between workflow code
// and workers. Safe for concurrent use.
type Supervisor struct {
	store  task.Store
	queue  task.Queue
	pool   *WorkerPool
	logger *zap.Logger

	results resultSet
}

// Option customizes a Supervisor.
type Option func(*Supervisor)

// WithWorkerPool attaches a capacity pool. When set, ReportResult
// releases the reporting worker's reservation.
func WithWorkerPool(pool *WorkerPool) Option {
	return func(s *Supervisor) { s.pool = pool }
}

// New creates a Supervisor over a task store and queue.
func New(store task.Store, queue task.Queue, logger *zap.Logger, opts ...Option) (*Supervisor, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: task store is nil", ErrInvalidInput)
	}
	if queue == nil {
		return nil, fmt.Errorf("%w: task queue is nil", ErrInvalidInput)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Supervisor{
		store:  store,
		queue:  queue,
		logger: logger.With(zap.String("component", "supervisor")),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Pool returns the attached worker pool, nil when none was configured.
func (s *Supervisor) Pool() *WorkerPool { return s.pool }

// SubmitTask persists the task and then enqueues its id for workers.
// The order matters: a worker that claims the id must be able to load
// the record. If enqueueing fails the task stays Pending in the store
// and the error is returned.
func (s *Supervisor) SubmitTask(ctx context.Context, t *task.WorkTask) (string, error) {
	if t == nil {
		return "", fmt.Errorf("%w: task is nil", ErrInvalidInput)
	}

	if err := s.store.Create(ctx, t); err != nil {
		return "", fmt.Errorf("persist task: %w", err)
	}
	if err := s.queue.Enqueue(ctx, t.ID, t.Priority); err != nil {
		return "", fmt.Errorf("enqueue task %s: %w", t.ID, err)
	}

	s.logger.Info("task submitted",
		zap.String("task_id", t.ID),
		zap.String("session_id", t.SessionID),
		zap.String("task_type", t.TaskType),
		zap.Int("priority", t.Priority),
	)
	return t.ID, nil
}

// SubmitTasks submits tasks in order and returns their ids. An empty or
// nil list is rejected with ErrEmptyTaskList. On a mid-batch failure the
// ids already submitted are returned alongside the error; those tasks
// remain live.
func (s *Supervisor) SubmitTasks(ctx context.Context, tasks []*task.WorkTask) ([]string, error) {
	if len(tasks) == 0 {
		return nil, ErrEmptyTaskList
	}

	ids := make([]string, 0, len(tasks))
	for _, t := range tasks {
		id, err := s.SubmitTask(ctx, t)
		if err != nil {
			return ids, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// ReportResult is the write path workers use when a task finishes. It
// frees the worker's pool reservation, files the result, flips the store
// status per result.Success, and drops the queue claim so the id's
// bookkeeping is fully retired. Results for cancelled tasks are filed
// but the Cancelled status stands.
func (s *Supervisor) ReportResult(ctx context.Context, result *task.Result) error {
	if result == nil || result.TaskID == "" {
		return fmt.Errorf("%w: result has no task id", ErrInvalidInput)
	}

	// The worker finished executing, so its slot is free no matter how
	// the bookkeeping below fares.
	if s.pool != nil && result.WorkerAgentID != "" {
		s.pool.Release(result.WorkerAgentID)
	}

	t, err := s.store.Get(ctx, result.TaskID)
	if err != nil {
		return fmt.Errorf("task %s: %w", result.TaskID, err)
	}

	s.results.put(result)

	if !t.Status.IsTerminal() {
		status := task.StatusCompleted
		if !result.Success {
			status = task.StatusFailed
		}
		if err := s.store.UpdateStatus(ctx, result.TaskID, status); err != nil {
			return fmt.Errorf("update task %s: %w", result.TaskID, err)
		}
	}

	if err := s.queue.Release(ctx, result.TaskID); err != nil {
		s.logger.Warn("queue claim release failed",
			zap.String("task_id", result.TaskID),
			zap.Error(err),
		)
	}

	s.logger.Info("task result reported",
		zap.String("task_id", result.TaskID),
		zap.Bool("success", result.Success),
		zap.String("worker_id", result.WorkerAgentID),
	)
	return nil
}

// GetTaskStatus resolves a task's effective status. Unknown ids are an
// error. A cancelled task stays Cancelled even if a late result arrived;
// otherwise a filed result decides Completed or Failed, and with no
// result yet the store's lifecycle status (normally Pending or
// InProgress) is returned as-is.
func (s *Supervisor) GetTaskStatus(ctx context.Context, id string) (task.Status, error) {
	t, err := s.store.Get(ctx, id)
	if err != nil {
		return "", fmt.Errorf("task %s: %w", id, err)
	}

	if t.Status == task.StatusCancelled {
		return task.StatusCancelled, nil
	}
	if res, ok := s.results.get(id); ok {
		if res.Success {
			return task.StatusCompleted, nil
		}
		return task.StatusFailed, nil
	}
	return t.Status, nil
}

// GetTaskResult returns the reported result for a task, or false when
// none has been reported. Absence is not an error; it simply means the
// task has not resolved yet.
func (s *Supervisor) GetTaskResult(id string) (*task.Result, bool) {
	return s.results.get(id)
}

// CancelTask transitions a Pending task to Cancelled and reports true.
// Tasks already terminal, or running on a worker, are left alone and
// report false without an error. Unknown ids are an error.
//
// A cancelled id may still be sitting in the queue; claimants check the
// task's status after claiming and skip cancelled work.
func (s *Supervisor) CancelTask(ctx context.Context, id string) (bool, error) {
	t, err := s.store.Get(ctx, id)
	if err != nil {
		return false, fmt.Errorf("task %s: %w", id, err)
	}
	if t.Status != task.StatusPending {
		return false, nil
	}

	if err := s.store.UpdateStatus(ctx, id, task.StatusCancelled); err != nil {
		return false, fmt.Errorf("cancel task %s: %w", id, err)
	}
	s.logger.Info("task cancelled", zap.String("task_id", id))
	return true, nil
}

// Statistics aggregates the queue's pending depth with the store's
// per-status counts for one session.
type Statistics struct {
	QueueDepth int `json:"queue_depth"`
	Total      int `json:"total"`
	Pending    int `json:"pending"`
	InProgress int `json:"in_progress"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
	Cancelled  int `json:"cancelled"`
}

// GetStatistics reports queue depth plus the session's task counts.
func (s *Supervisor) GetStatistics(ctx context.Context, sessionID string) (*Statistics, error) {
	depth, err := s.queue.Len(ctx)
	if err != nil {
		return nil, fmt.Errorf("queue depth: %w", err)
	}
	counts, err := s.store.GetStatistics(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("session %s statistics: %w", sessionID, err)
	}

	return &Statistics{
		QueueDepth: depth,
		Total:      counts.Total,
		Pending:    counts.ByStatus[task.StatusPending],
		InProgress: counts.ByStatus[task.StatusInProgress],
		Completed:  counts.ByStatus[task.StatusCompleted],
		Failed:     counts.ByStatus[task.StatusFailed],
		Cancelled:  counts.ByStatus[task.StatusCancelled],
	}, nil
}
