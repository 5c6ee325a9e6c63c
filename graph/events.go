package graph

import "time"

// EventType identifies the kind of execution event.
type EventType string

const (
	// EventNodeStarted is emitted before a node function runs.
	EventNodeStarted EventType = "node_started"
	// EventNodeCompleted is emitted after a node function returns,
	// carrying the elapsed time.
	EventNodeCompleted EventType = "node_completed"
	// EventEdgeTraversed is emitted when the executor moves between
	// nodes, carrying the chosen target.
	EventEdgeTraversed EventType = "edge_traversed"
	// EventError terminates the stream with the failure that ended the
	// run.
	EventError EventType = "error"
	// EventGraphCompleted terminates the stream after a successful run,
	// carrying the final state and total elapsed time.
	EventGraphCompleted EventType = "graph_completed"
)

// Event is one step of an execution's event stream. Each run produces a
// finite, ordered, single-pass sequence of events ending in either
// EventError or EventGraphCompleted.
//
// State is the run state as of the event. For pointer or reference typed
// states the snapshot shares the underlying object with the run.
type Event[S any] struct {
	// NodeName is the node the event concerns. End for GraphCompleted.
	NodeName string
	// Target is the destination of an EdgeTraversed event.
	Target string
	// Type is the event kind.
	Type EventType
	// State is the run state when the event was emitted.
	State S
	// Duration is the node's elapsed time on NodeCompleted and Error
	// events, and the whole run's on GraphCompleted.
	Duration time.Duration
	// Err is set on Error events.
	Err error
}
