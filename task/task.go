// Package task provides durable work-task records, their stores, and the
// pending-work queue that feeds workers.
//
// A WorkTask is created by a submitter (supervisor or a delegating graph
// node), persisted in a Store, and enqueued for an external worker to
// claim. The queue guarantees at most one active claim per task even under
// concurrent pollers.
//
// Supported store backends:
// - Memory: for development and testing (default)
// - Redis: for shared deployments
// - Database: GORM-backed relational storage
package task

import (
	"time"

	"github.com/google/uuid"
)

// Status represents the lifecycle state of a work task.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// IsTerminal reports whether the status is a final state.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// OrderUnassigned marks a task whose session order has not been set yet.
// Store.Create replaces it with max(session orders)+1.
const OrderUnassigned = -1

// WorkTask is a unit of delegated work.
type WorkTask struct {
	ID                 string         `json:"id"`
	SessionID          string         `json:"session_id"`
	WorkflowRunID      string         `json:"workflow_run_id,omitempty"`
	TaskType           string         `json:"task_type"`
	Input              map[string]any `json:"input,omitempty"`
	RequiredCapability string         `json:"required_capability,omitempty"`
	Priority           int            `json:"priority"`
	DependsOn          []string       `json:"depends_on,omitempty"`
	Order              int            `json:"order"`
	Status             Status         `json:"status"`
	CreatedAt          time.Time      `json:"created_at"`
	StartedAt          *time.Time     `json:"started_at,omitempty"`
	CompletedAt        *time.Time     `json:"completed_at,omitempty"`
	CancelledAt        *time.Time     `json:"cancelled_at,omitempty"`
	UpdatedAt          time.Time      `json:"updated_at"`
}

// New creates a pending task with a fresh id and an unassigned order.
func New(sessionID, taskType string) *WorkTask {
	return &WorkTask{
		ID:        newTaskID(),
		SessionID: sessionID,
		TaskType:  taskType,
		Order:     OrderUnassigned,
		Status:    StatusPending,
	}
}

func newTaskID() string {
	return uuid.New().String()
}

// Result is the outcome an external worker produces for a task.
// Written once, read-only afterward.
type Result struct {
	TaskID        string         `json:"task_id"`
	Success       bool           `json:"success"`
	Output        map[string]any `json:"output,omitempty"`
	ErrorMessage  string         `json:"error_message,omitempty"`
	WorkerAgentID string         `json:"worker_agent_id,omitempty"`
}

// Statistics holds per-status task counts for a session.
type Statistics struct {
	Total    int            `json:"total"`
	ByStatus map[Status]int `json:"by_status"`
}

func copyTask(t *WorkTask) *WorkTask {
	if t == nil {
		return nil
	}
	out := *t
	if t.Input != nil {
		out.Input = make(map[string]any, len(t.Input))
		for k, v := range t.Input {
			out.Input[k] = v
		}
	}
	if t.DependsOn != nil {
		out.DependsOn = append([]string(nil), t.DependsOn...)
	}
	out.StartedAt = copyTime(t.StartedAt)
	out.CompletedAt = copyTime(t.CompletedAt)
	out.CancelledAt = copyTime(t.CancelledAt)
	return &out
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

// applyTransition fills the set-once lifecycle timestamps implied by a
// status change. Timestamps already set are never overwritten.
func applyTransition(t *WorkTask, now time.Time) {
	switch t.Status {
	case StatusInProgress:
		if t.StartedAt == nil {
			t.StartedAt = &now
		}
	case StatusCompleted, StatusFailed:
		if t.CompletedAt == nil {
			t.CompletedAt = &now
		}
	case StatusCancelled:
		if t.CancelledAt == nil {
			t.CancelledAt = &now
		}
	}
	t.UpdatedAt = now
}
