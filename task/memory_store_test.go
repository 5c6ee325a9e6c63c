package task

import (
	"context"
	"errors"
	"testing"
	"time"
)

// TestMemoryStore exercises the in-memory task store.
func TestMemoryStore(t *testing.T) {
	store := NewMemoryStore()
	defer store.Close()

	ctx := context.Background()

	t.Run("Ping", func(t *testing.T) {
		if err := store.Ping(ctx); err != nil {
			t.Errorf("Ping failed: %v", err)
		}
	})

	t.Run("CreateAssignsSequentialOrder", func(t *testing.T) {
		for want := 0; want < 3; want++ {
			task := New("session-order", "analyze")
			if err := store.Create(ctx, task); err != nil {
				t.Fatalf("Create failed: %v", err)
			}
			if task.Order != want {
				t.Errorf("task %d: got order %d, want %d", want, task.Order, want)
			}
		}

		// A second session starts its own numbering.
		other := New("session-order-2", "analyze")
		if err := store.Create(ctx, other); err != nil {
			t.Fatalf("Create failed: %v", err)
		}
		if other.Order != 0 {
			t.Errorf("new session: got order %d, want 0", other.Order)
		}
	})

	t.Run("CreateKeepsExplicitOrder", func(t *testing.T) {
		explicit := &WorkTask{SessionID: "session-explicit", TaskType: "analyze", Order: 7}
		if err := store.Create(ctx, explicit); err != nil {
			t.Fatalf("Create failed: %v", err)
		}
		if explicit.Order != 7 {
			t.Errorf("explicit order overwritten: got %d", explicit.Order)
		}

		next := New("session-explicit", "analyze")
		if err := store.Create(ctx, next); err != nil {
			t.Fatalf("Create failed: %v", err)
		}
		if next.Order != 8 {
			t.Errorf("auto order after explicit: got %d, want 8", next.Order)
		}
	})

	t.Run("CreateFillsDefaults", func(t *testing.T) {
		task := &WorkTask{SessionID: "session-defaults", TaskType: "analyze", Order: OrderUnassigned}
		if err := store.Create(ctx, task); err != nil {
			t.Fatalf("Create failed: %v", err)
		}
		if task.ID == "" {
			t.Error("Create should generate an id")
		}
		if task.Status != StatusPending {
			t.Errorf("got status %q, want %q", task.Status, StatusPending)
		}
		if task.CreatedAt.IsZero() {
			t.Error("CreatedAt should be set")
		}
	})

	t.Run("CreateDuplicateID", func(t *testing.T) {
		task := New("session-dup", "analyze")
		if err := store.Create(ctx, task); err != nil {
			t.Fatalf("Create failed: %v", err)
		}

		dup := &WorkTask{ID: task.ID, SessionID: "session-dup", Order: OrderUnassigned}
		if err := store.Create(ctx, dup); !errors.Is(err, ErrAlreadyExists) {
			t.Errorf("got %v, want ErrAlreadyExists", err)
		}
	})

	t.Run("CreateNil", func(t *testing.T) {
		if err := store.Create(ctx, nil); !errors.Is(err, ErrInvalidInput) {
			t.Errorf("got %v, want ErrInvalidInput", err)
		}
	})

	t.Run("GetMissing", func(t *testing.T) {
		if _, err := store.Get(ctx, "no-such-task"); !errors.Is(err, ErrNotFound) {
			t.Errorf("got %v, want ErrNotFound", err)
		}
	})

	t.Run("GetReturnsCopy", func(t *testing.T) {
		task := New("session-copy", "analyze")
		task.Input = map[string]any{"target": "a"}
		if err := store.Create(ctx, task); err != nil {
			t.Fatalf("Create failed: %v", err)
		}

		got, err := store.Get(ctx, task.ID)
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		got.Input["target"] = "mutated"
		got.Status = StatusFailed

		again, err := store.Get(ctx, task.ID)
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if again.Input["target"] != "a" {
			t.Error("stored task shares Input map with caller")
		}
		if again.Status != StatusPending {
			t.Error("stored task shares struct with caller")
		}
	})

	t.Run("UpdateUnknownID", func(t *testing.T) {
		unknown := &WorkTask{ID: "ghost", SessionID: "session-x"}
		if err := store.Update(ctx, unknown); !errors.Is(err, ErrNotFound) {
			t.Errorf("got %v, want ErrNotFound", err)
		}
		if err := store.UpdateStatus(ctx, "ghost", StatusCompleted); !errors.Is(err, ErrNotFound) {
			t.Errorf("got %v, want ErrNotFound", err)
		}
	})

	t.Run("StatusTransitionTimestamps", func(t *testing.T) {
		task := New("session-transitions", "analyze")
		if err := store.Create(ctx, task); err != nil {
			t.Fatalf("Create failed: %v", err)
		}

		if err := store.UpdateStatus(ctx, task.ID, StatusInProgress); err != nil {
			t.Fatalf("UpdateStatus failed: %v", err)
		}
		started, _ := store.Get(ctx, task.ID)
		if started.StartedAt == nil {
			t.Fatal("StartedAt should be set on in_progress")
		}
		if started.CompletedAt != nil || started.CancelledAt != nil {
			t.Error("only StartedAt should be set")
		}

		time.Sleep(10 * time.Millisecond)
		if err := store.UpdateStatus(ctx, task.ID, StatusCompleted); err != nil {
			t.Fatalf("UpdateStatus failed: %v", err)
		}
		completed, _ := store.Get(ctx, task.ID)
		if completed.CompletedAt == nil {
			t.Fatal("CompletedAt should be set on completed")
		}
		if !completed.StartedAt.Equal(*started.StartedAt) {
			t.Error("StartedAt should not change after it is set")
		}

		// A repeated transition must not move the set-once timestamp.
		firstCompletion := *completed.CompletedAt
		time.Sleep(10 * time.Millisecond)
		if err := store.UpdateStatus(ctx, task.ID, StatusCompleted); err != nil {
			t.Fatalf("UpdateStatus failed: %v", err)
		}
		again, _ := store.Get(ctx, task.ID)
		if !again.CompletedAt.Equal(firstCompletion) {
			t.Error("CompletedAt should be set only once")
		}
	})

	t.Run("FailureSetsCompletedAt", func(t *testing.T) {
		task := New("session-transitions", "analyze")
		if err := store.Create(ctx, task); err != nil {
			t.Fatalf("Create failed: %v", err)
		}
		if err := store.UpdateStatus(ctx, task.ID, StatusFailed); err != nil {
			t.Fatalf("UpdateStatus failed: %v", err)
		}
		got, _ := store.Get(ctx, task.ID)
		if got.CompletedAt == nil {
			t.Error("failed tasks should record CompletedAt")
		}
	})

	t.Run("CancellationSetsCancelledAt", func(t *testing.T) {
		task := New("session-transitions", "analyze")
		if err := store.Create(ctx, task); err != nil {
			t.Fatalf("Create failed: %v", err)
		}
		if err := store.UpdateStatus(ctx, task.ID, StatusCancelled); err != nil {
			t.Fatalf("UpdateStatus failed: %v", err)
		}
		got, _ := store.Get(ctx, task.ID)
		if got.CancelledAt == nil {
			t.Error("cancelled tasks should record CancelledAt")
		}
		if got.CompletedAt != nil {
			t.Error("cancellation should not set CompletedAt")
		}
	})

	t.Run("UpdateOwnsLifecycleTimestamps", func(t *testing.T) {
		task := New("session-update", "analyze")
		if err := store.Create(ctx, task); err != nil {
			t.Fatalf("Create failed: %v", err)
		}

		bogus := time.Now().Add(-24 * time.Hour)
		modified := copyTask(task)
		modified.Priority = 9
		modified.Status = StatusInProgress
		modified.StartedAt = &bogus
		if err := store.Update(ctx, modified); err != nil {
			t.Fatalf("Update failed: %v", err)
		}

		got, _ := store.Get(ctx, task.ID)
		if got.Priority != 9 {
			t.Errorf("Priority not updated: got %d", got.Priority)
		}
		if got.StartedAt == nil {
			t.Fatal("StartedAt should be derived from the transition")
		}
		if got.StartedAt.Equal(bogus) {
			t.Error("caller-supplied StartedAt should be ignored")
		}
	})

	t.Run("GetBySessionIDOrdering", func(t *testing.T) {
		ids := make([]string, 0, 4)
		for i := 0; i < 4; i++ {
			task := New("session-listing", "analyze")
			if err := store.Create(ctx, task); err != nil {
				t.Fatalf("Create failed: %v", err)
			}
			ids = append(ids, task.ID)
		}

		tasks, err := store.GetBySessionID(ctx, "session-listing")
		if err != nil {
			t.Fatalf("GetBySessionID failed: %v", err)
		}
		if len(tasks) != 4 {
			t.Fatalf("got %d tasks, want 4", len(tasks))
		}
		for i, task := range tasks {
			if task.Order != i {
				t.Errorf("position %d: got order %d", i, task.Order)
			}
			if task.ID != ids[i] {
				t.Errorf("position %d: got id %s, want %s", i, task.ID, ids[i])
			}
		}
	})

	t.Run("GetByStatus", func(t *testing.T) {
		done := New("session-status", "analyze")
		pending := New("session-status", "analyze")
		if err := store.Create(ctx, done); err != nil {
			t.Fatalf("Create failed: %v", err)
		}
		if err := store.Create(ctx, pending); err != nil {
			t.Fatalf("Create failed: %v", err)
		}
		if err := store.UpdateStatus(ctx, done.ID, StatusCompleted); err != nil {
			t.Fatalf("UpdateStatus failed: %v", err)
		}

		tasks, err := store.GetByStatus(ctx, "session-status", StatusCompleted)
		if err != nil {
			t.Fatalf("GetByStatus failed: %v", err)
		}
		if len(tasks) != 1 || tasks[0].ID != done.ID {
			t.Errorf("expected only the completed task, got %d tasks", len(tasks))
		}
	})

	t.Run("GetByWorkflowRunID", func(t *testing.T) {
		inRun := New("session-run", "analyze")
		inRun.WorkflowRunID = "run-42"
		outside := New("session-run", "analyze")
		if err := store.Create(ctx, inRun); err != nil {
			t.Fatalf("Create failed: %v", err)
		}
		if err := store.Create(ctx, outside); err != nil {
			t.Fatalf("Create failed: %v", err)
		}

		tasks, err := store.GetByWorkflowRunID(ctx, "run-42")
		if err != nil {
			t.Fatalf("GetByWorkflowRunID failed: %v", err)
		}
		if len(tasks) != 1 || tasks[0].ID != inRun.ID {
			t.Errorf("expected only the tagged task, got %d tasks", len(tasks))
		}
	})

	t.Run("GetStatistics", func(t *testing.T) {
		statuses := []Status{StatusPending, StatusPending, StatusCompleted, StatusFailed}
		for _, status := range statuses {
			task := New("session-stats", "analyze")
			if err := store.Create(ctx, task); err != nil {
				t.Fatalf("Create failed: %v", err)
			}
			if status != StatusPending {
				if err := store.UpdateStatus(ctx, task.ID, status); err != nil {
					t.Fatalf("UpdateStatus failed: %v", err)
				}
			}
		}

		stats, err := store.GetStatistics(ctx, "session-stats")
		if err != nil {
			t.Fatalf("GetStatistics failed: %v", err)
		}
		if stats.Total != 4 {
			t.Errorf("got total %d, want 4", stats.Total)
		}
		if stats.ByStatus[StatusPending] != 2 {
			t.Errorf("got %d pending, want 2", stats.ByStatus[StatusPending])
		}
		if stats.ByStatus[StatusCompleted] != 1 || stats.ByStatus[StatusFailed] != 1 {
			t.Errorf("unexpected status counts: %+v", stats.ByStatus)
		}
	})

	t.Run("Reorder", func(t *testing.T) {
		first := New("session-reorder", "analyze")
		second := New("session-reorder", "analyze")
		foreign := New("session-reorder-other", "analyze")
		for _, task := range []*WorkTask{first, second, foreign} {
			if err := store.Create(ctx, task); err != nil {
				t.Fatalf("Create failed: %v", err)
			}
		}

		err := store.Reorder(ctx, "session-reorder", map[string]int{
			first.ID:   1,
			second.ID:  0,
			foreign.ID: 99,
			"ghost":    5,
		})
		if err != nil {
			t.Fatalf("Reorder failed: %v", err)
		}

		tasks, err := store.GetBySessionID(ctx, "session-reorder")
		if err != nil {
			t.Fatalf("GetBySessionID failed: %v", err)
		}
		if tasks[0].ID != second.ID || tasks[1].ID != first.ID {
			t.Error("Reorder did not swap the tasks")
		}

		untouched, _ := store.Get(ctx, foreign.ID)
		if untouched.Order == 99 {
			t.Error("Reorder should ignore ids from other sessions")
		}
	})

	t.Run("AreDependenciesComplete", func(t *testing.T) {
		depA := New("session-deps", "dep")
		depB := New("session-deps", "dep")
		for _, task := range []*WorkTask{depA, depB} {
			if err := store.Create(ctx, task); err != nil {
				t.Fatalf("Create failed: %v", err)
			}
		}

		noDeps := New("session-deps", "main")
		if err := store.Create(ctx, noDeps); err != nil {
			t.Fatalf("Create failed: %v", err)
		}
		if ok, err := store.AreDependenciesComplete(ctx, noDeps.ID); err != nil || !ok {
			t.Errorf("no dependencies: got (%v, %v), want (true, nil)", ok, err)
		}

		dependent := New("session-deps", "main")
		dependent.DependsOn = []string{depA.ID, depB.ID}
		if err := store.Create(ctx, dependent); err != nil {
			t.Fatalf("Create failed: %v", err)
		}

		if ok, err := store.AreDependenciesComplete(ctx, dependent.ID); err != nil || ok {
			t.Errorf("incomplete deps: got (%v, %v), want (false, nil)", ok, err)
		}

		if err := store.UpdateStatus(ctx, depA.ID, StatusCompleted); err != nil {
			t.Fatalf("UpdateStatus failed: %v", err)
		}
		if ok, _ := store.AreDependenciesComplete(ctx, dependent.ID); ok {
			t.Error("one incomplete dependency should yield false")
		}

		if err := store.UpdateStatus(ctx, depB.ID, StatusCompleted); err != nil {
			t.Fatalf("UpdateStatus failed: %v", err)
		}
		if ok, err := store.AreDependenciesComplete(ctx, dependent.ID); err != nil || !ok {
			t.Errorf("all deps complete: got (%v, %v), want (true, nil)", ok, err)
		}

		// Unknown task and unknown dependency ids report false, not an error.
		if ok, err := store.AreDependenciesComplete(ctx, "ghost"); err != nil || ok {
			t.Errorf("unknown task: got (%v, %v), want (false, nil)", ok, err)
		}
		phantom := New("session-deps", "main")
		phantom.DependsOn = []string{"no-such-dep"}
		if err := store.Create(ctx, phantom); err != nil {
			t.Fatalf("Create failed: %v", err)
		}
		if ok, err := store.AreDependenciesComplete(ctx, phantom.ID); err != nil || ok {
			t.Errorf("unknown dep: got (%v, %v), want (false, nil)", ok, err)
		}
	})
}

func TestMemoryStoreClosed(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	task := New("session-closed", "analyze")
	if err := store.Create(ctx, task); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	if err := store.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	if err := store.Create(ctx, New("session-closed", "x")); !errors.Is(err, ErrStoreClosed) {
		t.Errorf("Create: got %v, want ErrStoreClosed", err)
	}
	if _, err := store.Get(ctx, task.ID); !errors.Is(err, ErrStoreClosed) {
		t.Errorf("Get: got %v, want ErrStoreClosed", err)
	}
	if err := store.UpdateStatus(ctx, task.ID, StatusCompleted); !errors.Is(err, ErrStoreClosed) {
		t.Errorf("UpdateStatus: got %v, want ErrStoreClosed", err)
	}
	if _, err := store.GetBySessionID(ctx, "session-closed"); !errors.Is(err, ErrStoreClosed) {
		t.Errorf("GetBySessionID: got %v, want ErrStoreClosed", err)
	}
	if err := store.Ping(ctx); !errors.Is(err, ErrStoreClosed) {
		t.Errorf("Ping: got %v, want ErrStoreClosed", err)
	}
}
