// Package checkpoint provides durable snapshots of workflow run state and
// the stores that persist them.
//
// A checkpoint captures the serialized state of a run together with the
// name of the node it was taken at, so a run can later be resumed from the
// node's outgoing edge without repeating completed work.
//
// Supported backends:
// - Memory: for development and testing (default)
// - Redis: for shared deployments
// - Database: GORM-backed relational storage
package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Common errors
var (
	ErrNotFound     = errors.New("checkpoint not found")
	ErrStoreClosed  = errors.New("checkpoint store is closed")
	ErrInvalidInput = errors.New("invalid input")
)

// Checkpoint is a durable snapshot of run state. Immutable once saved.
type Checkpoint struct {
	ID              string            `json:"id"`
	RunID           string            `json:"run_id"`
	NodeName        string            `json:"node_name"`
	SerializedState string            `json:"serialized_state"`
	StateVersion    int               `json:"state_version"`
	Metadata        map[string]string `json:"metadata,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
}

// Store persists checkpoints keyed by id and grouped by run.
type Store interface {
	// Save persists a checkpoint. A missing ID or CreatedAt is filled in.
	Save(ctx context.Context, cp *Checkpoint) error

	// Get retrieves a checkpoint by id.
	Get(ctx context.Context, id string) (*Checkpoint, error)

	// GetLatest retrieves the most recently saved checkpoint of a run.
	GetLatest(ctx context.Context, runID string) (*Checkpoint, error)

	// List returns all checkpoints of a run ordered by creation time.
	List(ctx context.Context, runID string) ([]*Checkpoint, error)

	// Delete removes a checkpoint by id.
	Delete(ctx context.Context, id string) error

	// DeleteOlderThan removes every checkpoint created before the cutoff,
	// across all runs, and reports how many were removed.
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error)

	// Close closes the store and releases resources.
	Close() error

	// Ping checks if the store is healthy.
	Ping(ctx context.Context) error
}

// NewCheckpointID returns a fresh checkpoint identifier.
func NewCheckpointID() string {
	return fmt.Sprintf("ckpt_%s", uuid.New().String())
}

func prepare(cp *Checkpoint) error {
	if cp == nil {
		return ErrInvalidInput
	}
	if cp.RunID == "" {
		return fmt.Errorf("%w: checkpoint run id is empty", ErrInvalidInput)
	}
	if cp.ID == "" {
		cp.ID = NewCheckpointID()
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	return nil
}

func copyCheckpoint(cp *Checkpoint) *Checkpoint {
	if cp == nil {
		return nil
	}
	out := *cp
	if cp.Metadata != nil {
		out.Metadata = make(map[string]string, len(cp.Metadata))
		for k, v := range cp.Metadata {
			out.Metadata[k] = v
		}
	}
	return &out
}
