package supervisor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/stategraph/task"
)

func newTestSupervisor(t *testing.T, opts ...Option) (*Supervisor, task.Store, task.Queue) {
	t.Helper()

	store := task.NewMemoryStore()
	queue := task.NewMemoryQueue()
	t.Cleanup(func() {
		_ = queue.Close()
		_ = store.Close()
	})

	sup, err := New(store, queue, zap.NewNop(), opts...)
	require.NoError(t, err)
	return sup, store, queue
}

func TestNew_Validation(t *testing.T) {
	_, err := New(nil, task.NewMemoryQueue(), zap.NewNop())
	require.ErrorIs(t, err, ErrInvalidInput)

	_, err = New(task.NewMemoryStore(), nil, zap.NewNop())
	require.ErrorIs(t, err, ErrInvalidInput)
}

func TestSupervisor_SubmitTaskPersistsThenEnqueues(t *testing.T) {
	sup, store, queue := newTestSupervisor(t)

	wt := task.New("sess-1", "research")
	wt.Priority = 3
	id, err := sup.SubmitTask(t.Context(), wt)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	stored, err := store.Get(t.Context(), id)
	require.NoError(t, err)
	assert.Equal(t, task.StatusPending, stored.Status)
	assert.Equal(t, 0, stored.Order)

	depth, err := queue.Len(t.Context())
	require.NoError(t, err)
	assert.Equal(t, 1, depth)

	claimed, err := queue.Dequeue(t.Context())
	require.NoError(t, err)
	assert.Equal(t, id, claimed)
}

func TestSupervisor_SubmitTaskNil(t *testing.T) {
	sup, _, _ := newTestSupervisor(t)

	_, err := sup.SubmitTask(t.Context(), nil)
	require.ErrorIs(t, err, ErrInvalidInput)
}

func TestSupervisor_SubmitTasks(t *testing.T) {
	sup, store, queue := newTestSupervisor(t)

	_, err := sup.SubmitTasks(t.Context(), nil)
	require.ErrorIs(t, err, ErrEmptyTaskList)
	_, err = sup.SubmitTasks(t.Context(), []*task.WorkTask{})
	require.ErrorIs(t, err, ErrEmptyTaskList)

	ids, err := sup.SubmitTasks(t.Context(), []*task.WorkTask{
		task.New("sess-1", "search"),
		task.New("sess-1", "summarize"),
		task.New("sess-1", "review"),
	})
	require.NoError(t, err)
	require.Len(t, ids, 3)

	for i, id := range ids {
		stored, err := store.Get(t.Context(), id)
		require.NoError(t, err)
		assert.Equal(t, i, stored.Order)
	}

	depth, err := queue.Len(t.Context())
	require.NoError(t, err)
	assert.Equal(t, 3, depth)
}

func TestSupervisor_SubmitTasksMidBatchFailure(t *testing.T) {
	sup, _, _ := newTestSupervisor(t)

	first := task.New("sess-1", "search")
	duplicate := task.New("sess-1", "search")
	duplicate.ID = first.ID

	ids, err := sup.SubmitTasks(t.Context(), []*task.WorkTask{first, duplicate})
	require.ErrorIs(t, err, task.ErrAlreadyExists)
	assert.Equal(t, []string{first.ID}, ids, "ids submitted before the failure stay live")
}

func TestSupervisor_GetTaskStatusLifecycle(t *testing.T) {
	sup, store, _ := newTestSupervisor(t)

	_, err := sup.GetTaskStatus(t.Context(), "ghost")
	require.ErrorIs(t, err, task.ErrNotFound)

	id, err := sup.SubmitTask(t.Context(), task.New("sess-1", "search"))
	require.NoError(t, err)

	status, err := sup.GetTaskStatus(t.Context(), id)
	require.NoError(t, err)
	assert.Equal(t, task.StatusPending, status, "no result yet means pending")

	require.NoError(t, store.UpdateStatus(t.Context(), id, task.StatusInProgress))
	status, err = sup.GetTaskStatus(t.Context(), id)
	require.NoError(t, err)
	assert.Equal(t, task.StatusInProgress, status)

	require.NoError(t, sup.ReportResult(t.Context(), &task.Result{TaskID: id, Success: true}))
	status, err = sup.GetTaskStatus(t.Context(), id)
	require.NoError(t, err)
	assert.Equal(t, task.StatusCompleted, status)
}

func TestSupervisor_FailedResultYieldsFailedStatus(t *testing.T) {
	sup, store, _ := newTestSupervisor(t)

	id, err := sup.SubmitTask(t.Context(), task.New("sess-1", "search"))
	require.NoError(t, err)

	require.NoError(t, sup.ReportResult(t.Context(), &task.Result{
		TaskID:       id,
		Success:      false,
		ErrorMessage: "upstream timeout",
	}))

	status, err := sup.GetTaskStatus(t.Context(), id)
	require.NoError(t, err)
	assert.Equal(t, task.StatusFailed, status)

	stored, err := store.Get(t.Context(), id)
	require.NoError(t, err)
	assert.Equal(t, task.StatusFailed, stored.Status)
	assert.NotNil(t, stored.CompletedAt)

	res, ok := sup.GetTaskResult(id)
	require.True(t, ok)
	assert.Equal(t, "upstream timeout", res.ErrorMessage)
}

func TestSupervisor_CancelledStatusOutlivesLateResult(t *testing.T) {
	sup, store, _ := newTestSupervisor(t)

	id, err := sup.SubmitTask(t.Context(), task.New("sess-1", "search"))
	require.NoError(t, err)

	cancelled, err := sup.CancelTask(t.Context(), id)
	require.NoError(t, err)
	require.True(t, cancelled)

	// A worker that claimed the id before the cancel may still report.
	require.NoError(t, sup.ReportResult(t.Context(), &task.Result{TaskID: id, Success: true}))

	status, err := sup.GetTaskStatus(t.Context(), id)
	require.NoError(t, err)
	assert.Equal(t, task.StatusCancelled, status, "cancellation is preserved over a late result")

	stored, err := store.Get(t.Context(), id)
	require.NoError(t, err)
	assert.Equal(t, task.StatusCancelled, stored.Status)

	_, ok := sup.GetTaskResult(id)
	assert.True(t, ok, "the late result is still filed")
}

func TestSupervisor_GetTaskResult(t *testing.T) {
	sup, _, _ := newTestSupervisor(t)

	id, err := sup.SubmitTask(t.Context(), task.New("sess-1", "search"))
	require.NoError(t, err)

	_, ok := sup.GetTaskResult(id)
	assert.False(t, ok, "no result before the worker reports")

	require.NoError(t, sup.ReportResult(t.Context(), &task.Result{
		TaskID:  id,
		Success: true,
		Output:  map[string]any{"answer": 42},
	}))

	res, ok := sup.GetTaskResult(id)
	require.True(t, ok)
	assert.Equal(t, 42, res.Output["answer"])

	// Mutating the returned copy must not reach the stored result.
	res.Output["answer"] = 0
	again, ok := sup.GetTaskResult(id)
	require.True(t, ok)
	assert.Equal(t, 42, again.Output["answer"])
}

func TestSupervisor_CancelTask(t *testing.T) {
	sup, store, _ := newTestSupervisor(t)

	_, err := sup.CancelTask(t.Context(), "ghost")
	require.ErrorIs(t, err, task.ErrNotFound)

	id, err := sup.SubmitTask(t.Context(), task.New("sess-1", "search"))
	require.NoError(t, err)

	cancelled, err := sup.CancelTask(t.Context(), id)
	require.NoError(t, err)
	assert.True(t, cancelled)

	stored, err := store.Get(t.Context(), id)
	require.NoError(t, err)
	assert.Equal(t, task.StatusCancelled, stored.Status)
	assert.NotNil(t, stored.CancelledAt)

	// Cancelling again is a no-op, not an error.
	cancelled, err = sup.CancelTask(t.Context(), id)
	require.NoError(t, err)
	assert.False(t, cancelled)

	running, err := sup.SubmitTask(t.Context(), task.New("sess-1", "search"))
	require.NoError(t, err)
	require.NoError(t, store.UpdateStatus(t.Context(), running, task.StatusInProgress))
	cancelled, err = sup.CancelTask(t.Context(), running)
	require.NoError(t, err)
	assert.False(t, cancelled, "work already on a worker is not cancellable")
}

func TestSupervisor_ReportResultValidation(t *testing.T) {
	sup, _, _ := newTestSupervisor(t)

	require.ErrorIs(t, sup.ReportResult(t.Context(), nil), ErrInvalidInput)
	require.ErrorIs(t, sup.ReportResult(t.Context(), &task.Result{}), ErrInvalidInput)
	require.ErrorIs(t, sup.ReportResult(t.Context(), &task.Result{TaskID: "ghost"}), task.ErrNotFound)
}

func TestSupervisor_ReportResultReleasesPoolAndClaim(t *testing.T) {
	pool := NewWorkerPool(zap.NewNop())
	require.NoError(t, pool.AddWorker("worker-1", 1))

	sup, _, queue := newTestSupervisor(t, WithWorkerPool(pool))

	id, err := sup.SubmitTask(t.Context(), task.New("sess-1", "search"))
	require.NoError(t, err)

	claimed, err := queue.Dequeue(t.Context())
	require.NoError(t, err)
	require.Equal(t, id, claimed)
	require.True(t, pool.Reserve("worker-1"))

	require.NoError(t, sup.ReportResult(t.Context(), &task.Result{
		TaskID:        id,
		Success:       true,
		WorkerAgentID: "worker-1",
	}))

	active, _, ok := pool.Load("worker-1")
	require.True(t, ok)
	assert.Equal(t, 0, active, "the worker slot frees on report")
	assert.Equal(t, int64(1), pool.Statistics().TasksProcessed)

	// The queue claim is gone; the id could be enqueued again.
	require.NoError(t, queue.Enqueue(t.Context(), id, 0))
}

func TestSupervisor_GetStatistics(t *testing.T) {
	sup, _, queue := newTestSupervisor(t)

	ids, err := sup.SubmitTasks(t.Context(), []*task.WorkTask{
		task.New("sess-1", "search"),
		task.New("sess-1", "summarize"),
		task.New("sess-1", "review"),
	})
	require.NoError(t, err)

	claimed, err := queue.Dequeue(t.Context())
	require.NoError(t, err)
	require.Equal(t, ids[0], claimed)
	require.NoError(t, sup.ReportResult(t.Context(), &task.Result{TaskID: ids[0], Success: true}))

	cancelled, err := sup.CancelTask(t.Context(), ids[1])
	require.NoError(t, err)
	require.True(t, cancelled)

	stats, err := sup.GetStatistics(t.Context(), "sess-1")
	require.NoError(t, err)
	assert.Equal(t, 2, stats.QueueDepth, "the cancelled id still occupies the queue until claimed")
	assert.Equal(t, 3, stats.Total)
	assert.Equal(t, 1, stats.Pending)
	assert.Equal(t, 0, stats.InProgress)
	assert.Equal(t, 1, stats.Completed)
	assert.Equal(t, 0, stats.Failed)
	assert.Equal(t, 1, stats.Cancelled)

	// Counts are per session; an unknown session is all zeroes.
	empty, err := sup.GetStatistics(t.Context(), "other")
	require.NoError(t, err)
	assert.Equal(t, 0, empty.Total)
	assert.Equal(t, 2, empty.QueueDepth, "queue depth is global")
}
