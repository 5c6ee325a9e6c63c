package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/stategraph/checkpoint"
	"github.com/BaSui01/stategraph/task"
)

func TestInstrumentCheckpointStore(t *testing.T) {
	c := NewCollector("test", zap.NewNop())
	store := InstrumentCheckpointStore(checkpoint.NewMemoryStore(), c)
	t.Cleanup(func() { store.Close() })

	cp := &checkpoint.Checkpoint{RunID: "run-1", NodeName: "fetch", SerializedState: "{}"}
	require.NoError(t, store.Save(t.Context(), cp))

	got, err := store.Get(t.Context(), cp.ID)
	require.NoError(t, err)
	assert.Equal(t, cp.ID, got.ID)

	_, err = store.Get(t.Context(), "ghost")
	require.ErrorIs(t, err, checkpoint.ErrNotFound)

	assert.Equal(t, 1.0,
		testutil.ToFloat64(c.storeOpsTotal.WithLabelValues("checkpoint", "save", OutcomeOK)))
	assert.Equal(t, 1.0,
		testutil.ToFloat64(c.storeOpsTotal.WithLabelValues("checkpoint", "get", OutcomeOK)))
	assert.Equal(t, 1.0,
		testutil.ToFloat64(c.storeOpsTotal.WithLabelValues("checkpoint", "get", OutcomeError)))
}

func TestInstrumentTaskStore(t *testing.T) {
	c := NewCollector("test", zap.NewNop())
	store := InstrumentTaskStore(task.NewMemoryStore(), c)
	t.Cleanup(func() { store.Close() })

	wt := task.New("session-1", "research")
	require.NoError(t, store.Create(t.Context(), wt))
	require.NoError(t, store.UpdateStatus(t.Context(), wt.ID, task.StatusInProgress))

	// A failed operation counts toward the error series, not the
	// lifecycle counters.
	err := store.UpdateStatus(t.Context(), "ghost", task.StatusCompleted)
	require.ErrorIs(t, err, task.ErrNotFound)

	assert.Equal(t, 1.0, testutil.ToFloat64(c.tasksSubmitted.WithLabelValues("research")))
	assert.Equal(t, 1.0,
		testutil.ToFloat64(c.taskTransitions.WithLabelValues(string(task.StatusInProgress))))
	assert.Equal(t, 0.0,
		testutil.ToFloat64(c.taskTransitions.WithLabelValues(string(task.StatusCompleted))))

	assert.Equal(t, 1.0,
		testutil.ToFloat64(c.storeOpsTotal.WithLabelValues("task", "create", OutcomeOK)))
	assert.Equal(t, 1.0,
		testutil.ToFloat64(c.storeOpsTotal.WithLabelValues("task", "update_status", OutcomeOK)))
	assert.Equal(t, 1.0,
		testutil.ToFloat64(c.storeOpsTotal.WithLabelValues("task", "update_status", OutcomeError)))
}

// The wrapped store still behaves like the store it wraps.
func TestInstrumentTaskStore_Passthrough(t *testing.T) {
	c := NewCollector("test", zap.NewNop())
	store := InstrumentTaskStore(task.NewMemoryStore(), c)
	t.Cleanup(func() { store.Close() })

	first := task.New("session-1", "research")
	second := task.New("session-1", "summarize")
	second.DependsOn = []string{first.ID}

	require.NoError(t, store.Create(t.Context(), first))
	require.NoError(t, store.Create(t.Context(), second))

	ready, err := store.AreDependenciesComplete(t.Context(), second.ID)
	require.NoError(t, err)
	assert.False(t, ready)

	require.NoError(t, store.UpdateStatus(t.Context(), first.ID, task.StatusInProgress))
	require.NoError(t, store.UpdateStatus(t.Context(), first.ID, task.StatusCompleted))

	ready, err = store.AreDependenciesComplete(t.Context(), second.ID)
	require.NoError(t, err)
	assert.True(t, ready)

	stats, err := store.GetStatistics(t.Context(), "session-1")
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Total)
}
