package task

import (
	"context"
	"errors"
)

// Common errors
var (
	ErrNotFound      = errors.New("task not found")
	ErrAlreadyExists = errors.New("task already exists")
	ErrStoreClosed   = errors.New("task store is closed")
	ErrInvalidInput  = errors.New("invalid input")
	ErrQueueClosed   = errors.New("task queue is closed")
	ErrAlreadyQueued = errors.New("task is already queued or claimed")
)

// Store is the durable record set for work tasks.
//
// Implementations serialize all mutations so that concurrent creates in the
// same session receive contiguous Order values and status transitions keep
// their set-once timestamp guarantees.
type Store interface {
	// Create persists a new task. A missing ID is generated and an
	// unassigned Order becomes max(existing session orders)+1, atomically
	// with respect to concurrent creates in the same session.
	Create(ctx context.Context, t *WorkTask) error

	// Get retrieves a task by id.
	Get(ctx context.Context, id string) (*WorkTask, error)

	// Update overwrites an existing task. Unknown ids are an error.
	// Lifecycle timestamps are derived from the status transition and set
	// only once.
	Update(ctx context.Context, t *WorkTask) error

	// UpdateStatus transitions a task's status by id.
	UpdateStatus(ctx context.Context, id string, status Status) error

	// GetBySessionID returns a session's tasks ordered by Order.
	GetBySessionID(ctx context.Context, sessionID string) ([]*WorkTask, error)

	// GetByStatus returns a session's tasks with the given status,
	// ordered by Order.
	GetByStatus(ctx context.Context, sessionID string, status Status) ([]*WorkTask, error)

	// GetByWorkflowRunID returns tasks tagged with a workflow run.
	GetByWorkflowRunID(ctx context.Context, runID string) ([]*WorkTask, error)

	// GetStatistics returns per-status counts for a session.
	GetStatistics(ctx context.Context, sessionID string) (*Statistics, error)

	// Reorder bulk-updates Order for tasks belonging to the session.
	// Ids of other sessions or unknown ids are ignored.
	Reorder(ctx context.Context, sessionID string, idToOrder map[string]int) error

	// AreDependenciesComplete reports whether every task listed in
	// DependsOn has completed. A task with no dependencies is complete.
	// An unknown task id yields false, not an error.
	AreDependenciesComplete(ctx context.Context, id string) (bool, error)

	// Close closes the store and releases resources.
	Close() error

	// Ping checks if the store is healthy.
	Ping(ctx context.Context) error
}

// Queue is the pending-work channel feeding workers. Ordering is by
// Priority (higher first) with FIFO tie-breaking, and a dequeued id stays
// claimed until Release so no task ever has two active claims.
type Queue interface {
	// Enqueue adds a task id. Ids currently pending or claimed are
	// rejected with ErrAlreadyQueued.
	Enqueue(ctx context.Context, taskID string, priority int) error

	// Dequeue claims the next task id, blocking until one is available or
	// the context is done.
	Dequeue(ctx context.Context) (string, error)

	// TryDequeue claims the next task id without blocking. The boolean
	// reports whether a task was claimed.
	TryDequeue(ctx context.Context) (string, bool, error)

	// Release drops the active claim on a task id, allowing it to be
	// enqueued again.
	Release(ctx context.Context, taskID string) error

	// Len reports the number of pending (unclaimed) task ids.
	Len(ctx context.Context) (int, error)

	// Close closes the queue. Blocked Dequeue calls return ErrQueueClosed.
	Close() error
}
