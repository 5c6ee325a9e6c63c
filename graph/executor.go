package graph

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	oteltrace "go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/BaSui01/stategraph/checkpoint"
)

// runConfig carries per-run settings.
type runConfig struct {
	runID string
}

// RunOption configures a single execution.
type RunOption func(*runConfig)

// WithRunID pins the run identifier used for checkpoint grouping. By
// default each run gets a fresh id; a resumed run keeps its checkpoint's.
func WithRunID(id string) RunOption {
	return func(c *runConfig) {
		if id != "" {
			c.runID = id
		}
	}
}

func newRunID() string {
	return fmt.Sprintf("run_%s", uuid.New().String())
}

// Stream executes the graph from its entry point and returns the run's
// event stream: a finite, ordered, single-pass sequence ending in either
// an Error or a GraphCompleted event. Events are produced as execution
// proceeds and the executor blocks until each is consumed; cancel the
// context to abandon a stream early.
func (g *CompiledGraph[S]) Stream(ctx context.Context, initial S, opts ...RunOption) <-chan Event[S] {
	cfg := runConfig{runID: newRunID()}
	for _, opt := range opts {
		opt(&cfg)
	}

	ch := make(chan Event[S])
	go g.run(ctx, cfg.runID, initial, g.entry, false, 0, ch)
	return ch
}

// Invoke executes the graph and returns the final state, or the error
// from the run's first Error event.
func (g *CompiledGraph[S]) Invoke(ctx context.Context, initial S, opts ...RunOption) (S, error) {
	return g.drain(ctx, g.Stream(ctx, initial, opts...))
}

// Resume loads a checkpoint and continues the run from the recorded
// node's outgoing edge; the recorded node itself is not re-run. Resuming
// without a configured store is a configuration error; an unknown
// checkpoint id is a not-found error.
func (g *CompiledGraph[S]) Resume(ctx context.Context, checkpointID string, opts ...RunOption) (S, error) {
	events, err := g.StreamResume(ctx, checkpointID, opts...)
	if err != nil {
		var zero S
		return zero, err
	}
	return g.drain(ctx, events)
}

// StreamResume is Resume exposing the event stream instead of draining
// it.
func (g *CompiledGraph[S]) StreamResume(ctx context.Context, checkpointID string, opts ...RunOption) (<-chan Event[S], error) {
	if g.store == nil {
		return nil, configErrorf("resume requires a checkpoint store")
	}
	cp, err := g.store.Get(ctx, checkpointID)
	if err != nil {
		if errors.Is(err, checkpoint.ErrNotFound) {
			return nil, NewError(ErrCodeNotFound, fmt.Sprintf("checkpoint %q not found", checkpointID)).WithCause(err)
		}
		return nil, NewError(ErrCodeCheckpoint, "checkpoint load failed").WithCause(err)
	}
	return g.resumeFrom(ctx, cp, opts...)
}

// ResumeFromLatest resumes from the most recent checkpoint of a run.
func (g *CompiledGraph[S]) ResumeFromLatest(ctx context.Context, runID string, opts ...RunOption) (S, error) {
	var zero S
	if g.store == nil {
		return zero, configErrorf("resume requires a checkpoint store")
	}
	cp, err := g.store.GetLatest(ctx, runID)
	if err != nil {
		if errors.Is(err, checkpoint.ErrNotFound) {
			return zero, NewError(ErrCodeNotFound, fmt.Sprintf("run %q has no checkpoints", runID)).WithCause(err)
		}
		return zero, NewError(ErrCodeCheckpoint, "checkpoint load failed").WithCause(err)
	}
	events, err := g.resumeFrom(ctx, cp, opts...)
	if err != nil {
		return zero, err
	}
	return g.drain(ctx, events)
}

func (g *CompiledGraph[S]) resumeFrom(ctx context.Context, cp *checkpoint.Checkpoint, opts ...RunOption) (<-chan Event[S], error) {
	if cp.NodeName != End {
		if _, ok := g.nodes[cp.NodeName]; !ok {
			return nil, NewError(ErrCodeNotFound, fmt.Sprintf("checkpoint node %q is not part of the graph", cp.NodeName))
		}
	}

	var state S
	if err := g.serializer.Deserialize(cp.SerializedState, &state); err != nil {
		return nil, NewError(ErrCodeCheckpoint, "state deserialization failed").WithCause(err)
	}

	cfg := runConfig{runID: cp.RunID}
	for _, opt := range opts {
		opt(&cfg)
	}

	ch := make(chan Event[S])
	go g.run(ctx, cfg.runID, state, cp.NodeName, true, cp.StateVersion, ch)
	return ch, nil
}

// drain consumes a stream down to its terminal event.
func (g *CompiledGraph[S]) drain(ctx context.Context, events <-chan Event[S]) (S, error) {
	var zero S
	for ev := range events {
		switch ev.Type {
		case EventError:
			return zero, ev.Err
		case EventGraphCompleted:
			return ev.State, nil
		}
	}
	// The stream closed without a terminal event, which only happens when
	// the context ended while the executor was emitting.
	err := ctx.Err()
	if err == nil {
		err = context.Canceled
	}
	return zero, NewError(ErrCodeCancelled, "execution cancelled").WithCause(err)
}

// run is the execution state machine. States are the node names plus the
// synthetic End; each iteration executes the current node, checkpoints if
// due, routes, and advances. Execution within a run is strictly
// sequential.
func (g *CompiledGraph[S]) run(ctx context.Context, runID string, state S, startNode string, resumed bool, stateVersion int, ch chan<- Event[S]) {
	defer close(ch)

	runStart := time.Now()
	logger := g.logger.With(zap.String("graph", g.name), zap.String("run_id", runID))
	logger.Info("graph execution started",
		zap.String("node", startNode),
		zap.Bool("resumed", resumed),
	)

	// An abandoned stream counts as cancelled; every other exit path
	// overwrites the outcome before returning.
	outcome := OutcomeCancelled
	if g.observer != nil {
		defer func() {
			g.observer.RunFinished(g.name, outcome, time.Since(runStart))
		}()
	}

	emit := func(ev Event[S]) bool {
		select {
		case ch <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}
	fail := func(node string, elapsed time.Duration, gerr *Error) {
		if gerr.Code == ErrCodeCancelled {
			outcome = OutcomeCancelled
		} else {
			outcome = OutcomeFailed
		}
		logger.Error("graph execution failed",
			zap.String("node", node),
			zap.String("code", string(gerr.Code)),
			zap.Error(gerr),
		)
		emit(Event[S]{NodeName: node, Type: EventError, State: state, Duration: elapsed, Err: gerr})
	}

	current := startNode
	steps := 0

	// A resumed run continues from the checkpointed node's outgoing edge
	// without re-running the node itself.
	if resumed && current != End {
		next, rerr := g.route(ctx, current, state)
		if rerr != nil {
			fail(current, 0, rerr)
			return
		}
		if !emit(Event[S]{NodeName: current, Target: next, Type: EventEdgeTraversed, State: state}) {
			return
		}
		current = next
	}

	for current != End {
		if err := ctx.Err(); err != nil {
			fail(current, 0, NewError(ErrCodeCancelled, "execution cancelled").WithNode(current).WithCause(err))
			return
		}
		fn, ok := g.nodes[current]
		if !ok {
			fail(current, 0, NewError(ErrCodeNotFound, "node is not part of the graph").WithNode(current))
			return
		}

		if !emit(Event[S]{NodeName: current, Type: EventNodeStarted, State: state}) {
			return
		}

		start := time.Now()
		newState, err := g.executeNode(ctx, runID, current, fn, state)
		elapsed := time.Since(start)
		if err != nil {
			code, verb := ErrCodeNodeFailure, "failed"
			if ctx.Err() != nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				code, verb = ErrCodeCancelled, "cancelled"
			}
			g.observeNode(current, verb, elapsed)
			fail(current, elapsed, NewError(code, fmt.Sprintf("%s after %s", verb, elapsed)).WithNode(current).WithCause(err))
			return
		}
		state = newState
		steps++
		g.observeNode(current, OutcomeCompleted, elapsed)

		if !emit(Event[S]{NodeName: current, Type: EventNodeCompleted, State: state, Duration: elapsed}) {
			return
		}

		// The checkpoint write must land before the executor advances;
		// that is the recoverability contract.
		if g.store != nil && steps%g.interval == 0 {
			stateVersion++
			if cerr := g.saveCheckpoint(ctx, runID, current, state, stateVersion, steps); cerr != nil {
				fail(current, elapsed, cerr)
				return
			}
		}

		next, rerr := g.route(ctx, current, state)
		if rerr != nil {
			fail(current, 0, rerr)
			return
		}
		if !emit(Event[S]{NodeName: current, Target: next, Type: EventEdgeTraversed, State: state}) {
			return
		}

		if next != End && steps >= g.maxSteps {
			fail(current, 0, NewError(ErrCodeBoundExceeded,
				fmt.Sprintf("reached max steps %d before completion", g.maxSteps)).WithNode(current))
			return
		}
		current = next
	}

	outcome = OutcomeCompleted
	logger.Info("graph execution completed",
		zap.Int("steps", steps),
		zap.Duration("elapsed", time.Since(runStart)),
	)
	emit(Event[S]{NodeName: End, Type: EventGraphCompleted, State: state, Duration: time.Since(runStart)})
}

func (g *CompiledGraph[S]) observeNode(node, outcome string, elapsed time.Duration) {
	if g.observer != nil {
		g.observer.NodeFinished(g.name, node, outcome, elapsed)
	}
}

// executeNode runs one node function, wrapped in a span when tracing is
// configured.
func (g *CompiledGraph[S]) executeNode(ctx context.Context, runID, name string, fn NodeFunc[S], state S) (S, error) {
	if g.tracer != nil {
		var span oteltrace.Span
		ctx, span = g.tracer.Start(ctx, "graph.node",
			oteltrace.WithAttributes(
				attribute.String("graph.name", g.name),
				attribute.String("graph.node", name),
				attribute.String("graph.run_id", runID),
			),
		)
		defer span.End()

		newState, err := fn(ctx, state)
		if err != nil {
			span.RecordError(err)
		}
		return newState, err
	}
	return fn(ctx, state)
}

// route picks the next node after from: the conditional edge when one is
// set, then an exit mark, then the first configured plain edge, then End.
// Only one outgoing edge is ever taken; this layer does no fan-out.
func (g *CompiledGraph[S]) route(ctx context.Context, from string, state S) (string, *Error) {
	if router, ok := g.conditional[from]; ok {
		decision, err := router(ctx, state)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return "", NewError(ErrCodeCancelled, "routing cancelled").WithNode(from).WithCause(err)
			}
			return "", NewError(ErrCodeNodeFailure, "conditional edge failed").WithNode(from).WithCause(err)
		}
		target := decision.TargetNode
		if target == "" {
			return "", NewError(ErrCodeNotFound, "conditional edge returned an empty target").WithNode(from)
		}
		if target != End {
			if _, ok := g.nodes[target]; !ok {
				return "", NewError(ErrCodeNotFound, fmt.Sprintf("conditional edge target %q is not a node", target)).WithNode(from)
			}
		}
		return target, nil
	}
	if _, ok := g.exits[from]; ok {
		return End, nil
	}
	if targets := g.edges[from]; len(targets) > 0 {
		return targets[0], nil
	}
	return End, nil
}

func (g *CompiledGraph[S]) saveCheckpoint(ctx context.Context, runID, nodeName string, state S, version, steps int) *Error {
	data, err := g.serializer.Serialize(state)
	if err != nil {
		return NewError(ErrCodeCheckpoint, "state serialization failed").WithNode(nodeName).WithCause(err)
	}

	cp := &checkpoint.Checkpoint{
		RunID:           runID,
		NodeName:        nodeName,
		SerializedState: data,
		StateVersion:    version,
		Metadata: map[string]string{
			"graph": g.name,
			"steps": strconv.Itoa(steps),
		},
	}
	if err := g.store.Save(ctx, cp); err != nil {
		return NewError(ErrCodeCheckpoint, "checkpoint write failed").WithNode(nodeName).WithCause(err)
	}

	g.logger.Debug("checkpoint saved",
		zap.String("run_id", runID),
		zap.String("checkpoint_id", cp.ID),
		zap.String("node", nodeName),
		zap.Int("state_version", version),
	)
	return nil
}
