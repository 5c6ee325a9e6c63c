// Package graph is the build, compile, and execute engine for node and
// edge state machines over a caller defined state type.
//
// A Builder collects named state-transform nodes, plain edges, and
// per-node conditional edges, then Compile produces an immutable
// CompiledGraph. Execution walks the graph strictly sequentially from the
// entry point, emitting a lazy event stream, optionally writing
// checkpoints a run can later be resumed from.
package graph

import (
	"context"

	"go.uber.org/zap"
)

// End is the synthetic terminal state of every execution. A node with no
// outgoing edges transitions to End; a conditional edge may route to it
// explicitly.
const End = "__end__"

// NodeFunc transforms the run state. It receives the execution context
// and must honor its cancellation.
type NodeFunc[S any] func(ctx context.Context, state S) (S, error)

// EdgeDecision is the routing outcome of a conditional edge.
type EdgeDecision struct {
	// TargetNode names the node to transition to, or End.
	TargetNode string
}

// RouterFunc chooses the next node from the current state. It takes
// precedence over the node's plain edges.
type RouterFunc[S any] func(ctx context.Context, state S) (EdgeDecision, error)

// Builder assembles a graph definition. Edges may reference nodes added
// later; endpoints are validated at Compile, not at add time.
type Builder[S any] struct {
	name        string
	nodes       map[string]NodeFunc[S]
	edges       map[string][]string
	conditional map[string]RouterFunc[S]
	entry       string
	exits       map[string]struct{}
	logger      *zap.Logger
}

// New creates a graph builder.
func New[S any](name string) *Builder[S] {
	return &Builder[S]{
		name:        name,
		nodes:       make(map[string]NodeFunc[S]),
		edges:       make(map[string][]string),
		conditional: make(map[string]RouterFunc[S]),
		exits:       make(map[string]struct{}),
		logger:      zap.NewNop(),
	}
}

// WithLogger sets the logger used by the builder and the compiled graph.
func (b *Builder[S]) WithLogger(logger *zap.Logger) *Builder[S] {
	if logger != nil {
		b.logger = logger
	}
	return b
}

// AddNode registers a named state-transform node. Fails if the name is
// already taken, empty, or reserved.
func (b *Builder[S]) AddNode(name string, fn NodeFunc[S]) error {
	if name == "" {
		return configErrorf("node name is empty")
	}
	if name == End {
		return configErrorf("node name %q is reserved", End)
	}
	if fn == nil {
		return configErrorf("node %q has no function", name)
	}
	if _, exists := b.nodes[name]; exists {
		return configErrorf("node %q already exists", name)
	}
	b.nodes[name] = fn
	return nil
}

// AddEdge adds a directed edge. The first edge added for a node is the
// one taken during execution; endpoints may be forward references and are
// checked at Compile.
func (b *Builder[S]) AddEdge(from, to string) error {
	if from == "" || to == "" {
		return configErrorf("edge endpoints must be named, got %q -> %q", from, to)
	}
	b.edges[from] = append(b.edges[from], to)
	return nil
}

// AddConditionalEdge sets the routing function for a node. A node has at
// most one; it outranks the node's plain edges.
func (b *Builder[S]) AddConditionalEdge(from string, fn RouterFunc[S]) error {
	if from == "" {
		return configErrorf("conditional edge source must be named")
	}
	if fn == nil {
		return configErrorf("conditional edge for %q has no function", from)
	}
	if _, exists := b.conditional[from]; exists {
		return configErrorf("conditional edge for %q already exists", from)
	}
	b.conditional[from] = fn
	return nil
}

// SetEntryPoint names the node execution starts at. Existence is checked
// at Compile.
func (b *Builder[S]) SetEntryPoint(name string) error {
	if name == "" {
		return configErrorf("entry point name is empty")
	}
	b.entry = name
	return nil
}

// SetExitPoint marks a node whose completion ends the run. An exit mark
// outranks the node's plain edges but not its conditional edge. May be
// called for several nodes.
func (b *Builder[S]) SetExitPoint(name string) error {
	if name == "" {
		return configErrorf("exit point name is empty")
	}
	b.exits[name] = struct{}{}
	return nil
}

// Compile validates the definition and produces an immutable executable
// graph. It fails if the entry point is unset or unknown, or any edge
// endpoint, conditional edge source, or exit point names a missing node.
func (b *Builder[S]) Compile(opts ...CompileOption) (*CompiledGraph[S], error) {
	if len(b.nodes) == 0 {
		return nil, configErrorf("graph %q has no nodes", b.name)
	}
	if b.entry == "" {
		return nil, configErrorf("graph %q has no entry point", b.name)
	}
	if _, ok := b.nodes[b.entry]; !ok {
		return nil, configErrorf("entry point %q is not a node", b.entry)
	}
	for from, targets := range b.edges {
		if _, ok := b.nodes[from]; !ok {
			return nil, configErrorf("edge source %q is not a node", from)
		}
		for _, to := range targets {
			if to == End {
				continue
			}
			if _, ok := b.nodes[to]; !ok {
				return nil, configErrorf("edge target %q is not a node", to)
			}
		}
	}
	for from := range b.conditional {
		if _, ok := b.nodes[from]; !ok {
			return nil, configErrorf("conditional edge source %q is not a node", from)
		}
	}
	for name := range b.exits {
		if _, ok := b.nodes[name]; !ok {
			return nil, configErrorf("exit point %q is not a node", name)
		}
	}

	g := &CompiledGraph[S]{
		name:          b.name,
		nodes:         make(map[string]NodeFunc[S], len(b.nodes)),
		edges:         make(map[string][]string, len(b.edges)),
		conditional:   make(map[string]RouterFunc[S], len(b.conditional)),
		entry:         b.entry,
		exits:         make(map[string]struct{}, len(b.exits)),
		compileConfig: compileConfig{maxSteps: DefaultMaxSteps},
		logger:        b.logger,
	}
	for name, fn := range b.nodes {
		g.nodes[name] = fn
	}
	for from, targets := range b.edges {
		g.edges[from] = append([]string(nil), targets...)
	}
	for from, fn := range b.conditional {
		g.conditional[from] = fn
	}
	for name := range b.exits {
		g.exits[name] = struct{}{}
	}

	for _, opt := range opts {
		opt(&g.compileConfig)
	}
	if err := g.finishCompile(); err != nil {
		return nil, err
	}

	g.logger.Info("graph compiled",
		zap.String("graph", g.name),
		zap.Int("nodes", len(g.nodes)),
		zap.String("entry", g.entry),
	)
	return g, nil
}
