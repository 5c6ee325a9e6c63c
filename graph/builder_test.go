package graph

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testState struct {
	Value int      `json:"value"`
	Path  []string `json:"path,omitempty"`
}

func passthrough(ctx context.Context, s testState) (testState, error) {
	return s, nil
}

func visit(name string) NodeFunc[testState] {
	return func(ctx context.Context, s testState) (testState, error) {
		s.Path = append(s.Path, name)
		return s, nil
	}
}

func addOne(ctx context.Context, s testState) (testState, error) {
	s.Value++
	return s, nil
}

func TestBuilder_AddNode(t *testing.T) {
	t.Parallel()

	b := New[testState]("build")
	require.NoError(t, b.AddNode("start", passthrough))

	err := b.AddNode("start", passthrough)
	require.Error(t, err)
	assert.True(t, IsCode(err, ErrCodeConfiguration))

	assert.Error(t, b.AddNode("", passthrough))
	assert.Error(t, b.AddNode(End, passthrough))
	assert.Error(t, b.AddNode("broken", nil))
}

func TestBuilder_AddConditionalEdge(t *testing.T) {
	t.Parallel()

	router := func(ctx context.Context, s testState) (EdgeDecision, error) {
		return EdgeDecision{TargetNode: End}, nil
	}

	b := New[testState]("build")
	require.NoError(t, b.AddNode("start", passthrough))
	require.NoError(t, b.AddConditionalEdge("start", router))

	// At most one conditional edge per node.
	err := b.AddConditionalEdge("start", router)
	require.Error(t, err)
	assert.True(t, IsCode(err, ErrCodeConfiguration))

	assert.Error(t, b.AddConditionalEdge("", router))
	assert.Error(t, b.AddConditionalEdge("start", nil))
}

func TestBuilder_EdgesAllowForwardReferences(t *testing.T) {
	t.Parallel()

	b := New[testState]("build")
	// Edge added before either endpoint exists.
	require.NoError(t, b.AddEdge("start", "middle"))
	require.NoError(t, b.AddNode("start", passthrough))
	require.NoError(t, b.AddNode("middle", passthrough))
	require.NoError(t, b.SetEntryPoint("start"))

	g, err := b.Compile()
	require.NoError(t, err)
	assert.Equal(t, "start", g.EntryPoint())
	assert.True(t, g.HasNode("middle"))
}

func TestBuilder_CompileValidation(t *testing.T) {
	t.Parallel()

	t.Run("no nodes", func(t *testing.T) {
		_, err := New[testState]("empty").Compile()
		require.Error(t, err)
		assert.True(t, IsCode(err, ErrCodeConfiguration))
	})

	t.Run("entry unset", func(t *testing.T) {
		b := New[testState]("g")
		require.NoError(t, b.AddNode("start", passthrough))
		_, err := b.Compile()
		require.Error(t, err)
		assert.True(t, IsCode(err, ErrCodeConfiguration))
	})

	t.Run("entry unknown", func(t *testing.T) {
		b := New[testState]("g")
		require.NoError(t, b.AddNode("start", passthrough))
		require.NoError(t, b.SetEntryPoint("ghost"))
		_, err := b.Compile()
		require.Error(t, err)
		assert.True(t, IsCode(err, ErrCodeConfiguration))
	})

	t.Run("edge target unknown", func(t *testing.T) {
		b := New[testState]("g")
		require.NoError(t, b.AddNode("start", passthrough))
		require.NoError(t, b.AddEdge("start", "ghost"))
		require.NoError(t, b.SetEntryPoint("start"))
		_, err := b.Compile()
		require.Error(t, err)
		assert.True(t, IsCode(err, ErrCodeConfiguration))
	})

	t.Run("edge source unknown", func(t *testing.T) {
		b := New[testState]("g")
		require.NoError(t, b.AddNode("start", passthrough))
		require.NoError(t, b.AddEdge("ghost", "start"))
		require.NoError(t, b.SetEntryPoint("start"))
		_, err := b.Compile()
		require.Error(t, err)
	})

	t.Run("edge to End is valid", func(t *testing.T) {
		b := New[testState]("g")
		require.NoError(t, b.AddNode("start", passthrough))
		require.NoError(t, b.AddEdge("start", End))
		require.NoError(t, b.SetEntryPoint("start"))
		_, err := b.Compile()
		require.NoError(t, err)
	})

	t.Run("conditional edge source unknown", func(t *testing.T) {
		b := New[testState]("g")
		require.NoError(t, b.AddNode("start", passthrough))
		require.NoError(t, b.AddConditionalEdge("ghost", func(ctx context.Context, s testState) (EdgeDecision, error) {
			return EdgeDecision{TargetNode: End}, nil
		}))
		require.NoError(t, b.SetEntryPoint("start"))
		_, err := b.Compile()
		require.Error(t, err)
	})

	t.Run("exit point unknown", func(t *testing.T) {
		b := New[testState]("g")
		require.NoError(t, b.AddNode("start", passthrough))
		require.NoError(t, b.SetExitPoint("ghost"))
		require.NoError(t, b.SetEntryPoint("start"))
		_, err := b.Compile()
		require.Error(t, err)
	})

	t.Run("non-positive max steps", func(t *testing.T) {
		b := New[testState]("g")
		require.NoError(t, b.AddNode("start", passthrough))
		require.NoError(t, b.SetEntryPoint("start"))
		_, err := b.Compile(WithMaxSteps(0))
		require.Error(t, err)
		assert.True(t, IsCode(err, ErrCodeConfiguration))
	})
}

func TestBuilder_SelfLoopCompiles(t *testing.T) {
	t.Parallel()

	// Cyclic graphs are legitimate; the step ceiling bounds them at run
	// time instead of a static acyclicity check.
	b := New[testState]("loop")
	require.NoError(t, b.AddNode("loop", passthrough))
	require.NoError(t, b.AddEdge("loop", "loop"))
	require.NoError(t, b.SetEntryPoint("loop"))

	_, err := b.Compile(WithMaxSteps(3))
	require.NoError(t, err)
}
