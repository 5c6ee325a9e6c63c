package checkpoint

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore_SaveAndGet(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	defer store.Close()

	cp := &Checkpoint{
		RunID:           "run-1",
		NodeName:        "middle",
		SerializedState: `{"value":5}`,
		StateVersion:    1,
		Metadata:        map[string]string{"source": "test"},
	}
	require.NoError(t, store.Save(context.Background(), cp))
	assert.NotEmpty(t, cp.ID)
	assert.False(t, cp.CreatedAt.IsZero())

	got, err := store.Get(context.Background(), cp.ID)
	require.NoError(t, err)
	assert.Equal(t, cp.RunID, got.RunID)
	assert.Equal(t, cp.NodeName, got.NodeName)
	assert.Equal(t, cp.SerializedState, got.SerializedState)
	assert.Equal(t, cp.Metadata, got.Metadata)
}

func TestMemoryStore_SavedCheckpointIsIsolated(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	defer store.Close()

	cp := &Checkpoint{RunID: "run-1", Metadata: map[string]string{"k": "v"}}
	require.NoError(t, store.Save(context.Background(), cp))

	// Mutating the caller's copy must not affect the stored checkpoint.
	cp.Metadata["k"] = "changed"
	cp.NodeName = "changed"

	got, err := store.Get(context.Background(), cp.ID)
	require.NoError(t, err)
	assert.Equal(t, "v", got.Metadata["k"])
	assert.Empty(t, got.NodeName)
}

func TestMemoryStore_GetMissing(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	defer store.Close()

	_, err := store.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_SaveValidation(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	defer store.Close()

	assert.ErrorIs(t, store.Save(context.Background(), nil), ErrInvalidInput)
	assert.ErrorIs(t, store.Save(context.Background(), &Checkpoint{}), ErrInvalidInput)
}

func TestMemoryStore_GetLatestAndListOrder(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	defer store.Close()

	ctx := context.Background()
	for i := 1; i <= 3; i++ {
		cp := &Checkpoint{RunID: "run-1", StateVersion: i}
		require.NoError(t, store.Save(ctx, cp))
	}
	require.NoError(t, store.Save(ctx, &Checkpoint{RunID: "run-2", StateVersion: 9}))

	latest, err := store.GetLatest(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, 3, latest.StateVersion)

	list, err := store.List(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, list, 3)
	for i, cp := range list {
		assert.Equal(t, i+1, cp.StateVersion)
	}

	_, err = store.GetLatest(ctx, "run-absent")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_Delete(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	defer store.Close()

	ctx := context.Background()
	cp := &Checkpoint{RunID: "run-1"}
	require.NoError(t, store.Save(ctx, cp))

	require.NoError(t, store.Delete(ctx, cp.ID))
	_, err := store.Get(ctx, cp.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, store.Delete(ctx, cp.ID), ErrNotFound)
}

func TestMemoryStore_DeleteOlderThan(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	defer store.Close()

	ctx := context.Background()
	now := time.Now()

	old1 := &Checkpoint{RunID: "run-1", CreatedAt: now.Add(-2 * time.Hour)}
	old2 := &Checkpoint{RunID: "run-2", CreatedAt: now.Add(-90 * time.Minute)}
	fresh := &Checkpoint{RunID: "run-1", CreatedAt: now}
	require.NoError(t, store.Save(ctx, old1))
	require.NoError(t, store.Save(ctx, old2))
	require.NoError(t, store.Save(ctx, fresh))

	count, err := store.DeleteOlderThan(ctx, now.Add(-1*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	_, err = store.Get(ctx, old1.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = store.Get(ctx, fresh.ID)
	assert.NoError(t, err)

	latest, err := store.GetLatest(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, fresh.ID, latest.ID)
}

func TestMemoryStore_ClosedStore(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	require.NoError(t, store.Close())

	ctx := context.Background()
	assert.ErrorIs(t, store.Ping(ctx), ErrStoreClosed)
	assert.ErrorIs(t, store.Save(ctx, &Checkpoint{RunID: "r"}), ErrStoreClosed)
	_, err := store.Get(ctx, "x")
	assert.ErrorIs(t, err, ErrStoreClosed)
	_, err = store.GetLatest(ctx, "r")
	assert.ErrorIs(t, err, ErrStoreClosed)
}
