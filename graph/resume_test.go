package graph

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/stategraph/checkpoint"
)

// orderedStore records the order of saves relative to node executions.
type orderedStore struct {
	*checkpoint.MemoryStore
	mu  *sync.Mutex
	log *[]string
}

func (s *orderedStore) Save(ctx context.Context, cp *checkpoint.Checkpoint) error {
	if err := s.MemoryStore.Save(ctx, cp); err != nil {
		return err
	}
	s.mu.Lock()
	*s.log = append(*s.log, "save:"+cp.NodeName)
	s.mu.Unlock()
	return nil
}

func buildAdders(t *testing.T, opts ...CompileOption) *CompiledGraph[testState] {
	t.Helper()

	b := New[testState]("adders")
	require.NoError(t, b.AddNode("start", addOne))
	require.NoError(t, b.AddNode("middle", addOne))
	require.NoError(t, b.AddNode("end", addOne))
	require.NoError(t, b.AddEdge("start", "middle"))
	require.NoError(t, b.AddEdge("middle", "end"))
	require.NoError(t, b.SetEntryPoint("start"))

	g, err := b.Compile(opts...)
	require.NoError(t, err)
	return g
}

func TestCompiledGraph_ResumeContinuesFromOutgoingEdge(t *testing.T) {
	t.Parallel()

	store := checkpoint.NewMemoryStore()
	g := buildAdders(t, WithCheckpointing(store, 1))

	// A checkpoint recorded after "middle" completed with Value=5.
	cp := &checkpoint.Checkpoint{
		RunID:           "run-resume",
		NodeName:        "middle",
		SerializedState: `{"value":5}`,
		StateVersion:    2,
	}
	require.NoError(t, store.Save(context.Background(), cp))

	// Only "end" runs: 5 becomes 6. Re-running "middle" would give 7.
	final, err := g.Resume(context.Background(), cp.ID)
	require.NoError(t, err)
	assert.Equal(t, 6, final.Value)
}

func TestCompiledGraph_ResumeEmitsEdgeTraversalFirst(t *testing.T) {
	t.Parallel()

	store := checkpoint.NewMemoryStore()
	g := buildAdders(t, WithCheckpointing(store, 1))

	cp := &checkpoint.Checkpoint{
		RunID:           "run-stream",
		NodeName:        "middle",
		SerializedState: `{"value":5}`,
	}
	require.NoError(t, store.Save(context.Background(), cp))

	events, err := g.StreamResume(context.Background(), cp.ID)
	require.NoError(t, err)

	collected := collectEvents(t, events)
	require.NotEmpty(t, collected)
	first := collected[0]
	assert.Equal(t, EventEdgeTraversed, first.Type)
	assert.Equal(t, "middle", first.NodeName)
	assert.Equal(t, "end", first.Target)

	// "middle" is never re-started.
	for _, ev := range eventsOfType(collected, EventNodeStarted) {
		assert.NotEqual(t, "middle", ev.NodeName)
	}
}

func TestCompiledGraph_ResumeWithoutStoreIsConfigurationError(t *testing.T) {
	t.Parallel()

	g := buildAdders(t)

	_, err := g.Resume(context.Background(), "ckpt_whatever")
	require.Error(t, err)
	assert.True(t, IsCode(err, ErrCodeConfiguration))

	_, err = g.ResumeFromLatest(context.Background(), "run-x")
	require.Error(t, err)
	assert.True(t, IsCode(err, ErrCodeConfiguration))
}

func TestCompiledGraph_ResumeUnknownCheckpoint(t *testing.T) {
	t.Parallel()

	store := checkpoint.NewMemoryStore()
	g := buildAdders(t, WithCheckpointing(store, 1))

	_, err := g.Resume(context.Background(), "ckpt_missing")
	require.Error(t, err)
	assert.True(t, IsCode(err, ErrCodeNotFound))

	_, err = g.ResumeFromLatest(context.Background(), "run-without-checkpoints")
	require.Error(t, err)
	assert.True(t, IsCode(err, ErrCodeNotFound))
}

func TestCompiledGraph_ResumeFromLatest(t *testing.T) {
	t.Parallel()

	store := checkpoint.NewMemoryStore()
	g := buildAdders(t, WithCheckpointing(store, 1))

	ctx := context.Background()
	require.NoError(t, store.Save(ctx, &checkpoint.Checkpoint{
		RunID:           "run-latest",
		NodeName:        "start",
		SerializedState: `{"value":1}`,
		StateVersion:    1,
	}))
	require.NoError(t, store.Save(ctx, &checkpoint.Checkpoint{
		RunID:           "run-latest",
		NodeName:        "middle",
		SerializedState: `{"value":2}`,
		StateVersion:    2,
	}))

	// The later checkpoint wins: middle's edge leads to end, 2 becomes 3.
	final, err := g.ResumeFromLatest(ctx, "run-latest")
	require.NoError(t, err)
	assert.Equal(t, 3, final.Value)
}

func TestCompiledGraph_CheckpointEveryNthCompletedNode(t *testing.T) {
	t.Parallel()

	store := checkpoint.NewMemoryStore()

	b := New[testState]("countdown")
	require.NoError(t, b.AddNode("loop", addOne))
	require.NoError(t, b.AddConditionalEdge("loop", func(ctx context.Context, s testState) (EdgeDecision, error) {
		if s.Value >= 5 {
			return EdgeDecision{TargetNode: End}, nil
		}
		return EdgeDecision{TargetNode: "loop"}, nil
	}))
	require.NoError(t, b.SetEntryPoint("loop"))
	g, err := b.Compile(WithCheckpointing(store, 2))
	require.NoError(t, err)

	ctx := context.Background()
	final, err := g.Invoke(ctx, testState{}, WithRunID("run-interval"))
	require.NoError(t, err)
	assert.Equal(t, 5, final.Value)

	// Five completed executions with interval 2: checkpoints after the
	// second and fourth.
	list, err := store.List(ctx, "run-interval")
	require.NoError(t, err)
	require.Len(t, list, 2)

	assert.Equal(t, "loop", list[0].NodeName)
	assert.Equal(t, 1, list[0].StateVersion)
	assert.Equal(t, `{"value":2}`, list[0].SerializedState)
	assert.Equal(t, "2", list[0].Metadata["steps"])

	assert.Equal(t, 2, list[1].StateVersion)
	assert.Equal(t, `{"value":4}`, list[1].SerializedState)
	assert.Equal(t, "4", list[1].Metadata["steps"])
}

func TestCompiledGraph_CheckpointWriteLandsBeforeAdvancing(t *testing.T) {
	t.Parallel()

	var log []string
	var mu sync.Mutex
	store := &orderedStore{MemoryStore: checkpoint.NewMemoryStore(), mu: &mu, log: &log}

	record := func(name string) NodeFunc[testState] {
		return func(ctx context.Context, s testState) (testState, error) {
			mu.Lock()
			log = append(log, "run:"+name)
			mu.Unlock()
			return s, nil
		}
	}

	b := New[testState]("ordered")
	require.NoError(t, b.AddNode("start", record("start")))
	require.NoError(t, b.AddNode("middle", record("middle")))
	require.NoError(t, b.AddNode("end", record("end")))
	require.NoError(t, b.AddEdge("start", "middle"))
	require.NoError(t, b.AddEdge("middle", "end"))
	require.NoError(t, b.SetEntryPoint("start"))
	g, err := b.Compile(WithCheckpointing(store, 1))
	require.NoError(t, err)

	_, err = g.Invoke(context.Background(), testState{})
	require.NoError(t, err)

	assert.Equal(t, []string{
		"run:start", "save:start",
		"run:middle", "save:middle",
		"run:end", "save:end",
	}, log)
}

func TestCompiledGraph_CheckpointWriteFailureStopsRun(t *testing.T) {
	t.Parallel()

	store := checkpoint.NewMemoryStore()
	require.NoError(t, store.Close())

	g := buildAdders(t, WithCheckpointing(store, 1))
	_, err := g.Invoke(context.Background(), testState{})
	require.Error(t, err)
	assert.True(t, IsCode(err, ErrCodeCheckpoint))
}

func TestCompiledGraph_ResumeKeepsRunID(t *testing.T) {
	t.Parallel()

	store := checkpoint.NewMemoryStore()
	g := buildAdders(t, WithCheckpointing(store, 1))

	ctx := context.Background()
	cp := &checkpoint.Checkpoint{
		RunID:           "run-keep",
		NodeName:        "middle",
		SerializedState: `{"value":5}`,
		StateVersion:    2,
	}
	require.NoError(t, store.Save(ctx, cp))

	_, err := g.Resume(ctx, cp.ID)
	require.NoError(t, err)

	// The resumed run's own checkpoint lands under the same run id and
	// continues the version sequence.
	list, err := store.List(ctx, "run-keep")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "end", list[1].NodeName)
	assert.Equal(t, 3, list[1].StateVersion)
	assert.Equal(t, `{"value":6}`, list[1].SerializedState)
}
