package graph

import (
	"time"

	oteltrace "go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/BaSui01/stategraph/checkpoint"
)

// DefaultMaxSteps is the step ceiling applied when none is configured.
// The ceiling is the safety net for cyclic graphs; no static cycle
// detection is performed, so legitimate retry-until-condition loops
// compile and run.
const DefaultMaxSteps = 100

// compileConfig carries executor settings chosen at Compile.
type compileConfig struct {
	maxSteps   int
	store      checkpoint.Store
	interval   int
	serializer checkpoint.StateSerializer
	tracer     oteltrace.Tracer
	observer   Observer
}

// CompileOption configures the compiled graph's executor.
type CompileOption func(*compileConfig)

// WithMaxSteps sets the run's step ceiling. A run that completes this
// many node executions without reaching End fails with a bound-exceeded
// error.
func WithMaxSteps(n int) CompileOption {
	return func(c *compileConfig) {
		c.maxSteps = n
	}
}

// WithCheckpointing enables checkpoint writes to the store after every
// interval-th completed node execution. The write completes before the
// executor advances, so a crash never loses more than the work done since
// the last checkpoint.
func WithCheckpointing(store checkpoint.Store, interval int) CompileOption {
	return func(c *compileConfig) {
		c.store = store
		c.interval = interval
	}
}

// WithStateSerializer overrides the JSON state serializer used for
// checkpoints.
func WithStateSerializer(s checkpoint.StateSerializer) CompileOption {
	return func(c *compileConfig) {
		c.serializer = s
	}
}

// WithTracer enables a span around each node execution.
func WithTracer(t oteltrace.Tracer) CompileOption {
	return func(c *compileConfig) {
		c.tracer = t
	}
}

// Outcome labels handed to an Observer.
const (
	OutcomeCompleted = "completed"
	OutcomeFailed    = "failed"
	OutcomeCancelled = "cancelled"
)

// Observer receives execution outcomes, one call per finished node and
// one per finished run. Implementations must be safe for concurrent use
// and must not block; the executor calls them inline.
type Observer interface {
	RunFinished(graph, outcome string, elapsed time.Duration)
	NodeFinished(graph, node, outcome string, elapsed time.Duration)
}

// WithObserver registers an execution outcome observer.
func WithObserver(o Observer) CompileOption {
	return func(c *compileConfig) {
		c.observer = o
	}
}

// CompiledGraph is an immutable, executable graph definition. It is safe
// for concurrent use; each Invoke, Stream, or Resume is an independent
// run over its own state.
type CompiledGraph[S any] struct {
	name        string
	nodes       map[string]NodeFunc[S]
	edges       map[string][]string
	conditional map[string]RouterFunc[S]
	entry       string
	exits       map[string]struct{}

	compileConfig
	logger *zap.Logger
}

// finishCompile applies defaults and validates executor settings.
func (g *CompiledGraph[S]) finishCompile() error {
	if g.maxSteps <= 0 {
		return configErrorf("max steps must be positive, got %d", g.maxSteps)
	}
	if g.store != nil {
		if g.interval <= 0 {
			g.interval = 1
		}
		if g.serializer == nil {
			g.serializer = checkpoint.NewJSONSerializer()
		}
	}
	if g.logger == nil {
		g.logger = zap.NewNop()
	}
	g.logger = g.logger.With(zap.String("component", "graph"))
	return nil
}

// Name returns the graph's name.
func (g *CompiledGraph[S]) Name() string {
	return g.name
}

// EntryPoint returns the node execution starts at.
func (g *CompiledGraph[S]) EntryPoint() string {
	return g.entry
}

// HasNode reports whether the graph contains the named node.
func (g *CompiledGraph[S]) HasNode(name string) bool {
	_, ok := g.nodes[name]
	return ok
}
