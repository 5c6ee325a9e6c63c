package supervisor

import (
	"context"
	"fmt"
	"time"

	"github.com/BaSui01/stategraph/graph"
	"github.com/BaSui01/stategraph/task"
)

// PlanFunc turns the current state into the tasks to delegate.
// Returning an empty slice means there is nothing to hand off.
type PlanFunc[S TaskCarrier] func(ctx context.Context, state S) ([]*task.WorkTask, error)

// AggregateFunc folds the collected results back into the state once the
// aggregate node has finished polling.
type AggregateFunc[S TaskCarrier] func(ctx context.Context, state S, results map[string]*task.Result) (S, error)

// DelegateToWorkerNode builds a graph node that plans tasks from the
// state and submits them through the supervisor. When the plan yields no
// tasks the supervisor is not called at all and the state passes through
// untouched. Submitted ids land in the state's SubmittedTasks history
// and its PendingTaskIDs set.
func DelegateToWorkerNode[S TaskCarrier](sup *Supervisor, plan PlanFunc[S]) graph.NodeFunc[S] {
	return func(ctx context.Context, state S) (S, error) {
		tasks, err := plan(ctx, state)
		if err != nil {
			return state, fmt.Errorf("plan tasks: %w", err)
		}
		if len(tasks) == 0 {
			return state, nil
		}

		ids, err := sup.SubmitTasks(ctx, tasks)
		if err != nil {
			return state, fmt.Errorf("submit tasks: %w", err)
		}
		state.Tasks().recordSubmitted(ids)
		return state, nil
	}
}

// AggregateConfig paces the polling loop that waits for delegated work.
type AggregateConfig struct {
	// WaitForAll keeps polling until no pending ids remain. When false
	// the node resolves whatever it can in one pass and aggregates that.
	WaitForAll bool

	// PollInterval is the wait before the second pass; later waits
	// double up to MaxInterval.
	PollInterval time.Duration

	// MaxInterval caps the backoff.
	MaxInterval time.Duration

	// MaxWait bounds the whole waiting phase. Exceeding it fails the
	// node with the unresolved count.
	MaxWait time.Duration
}

// DefaultAggregateConfig waits for every task with a 50ms initial poll
// backing off to 2s, for at most 2 minutes.
func DefaultAggregateConfig() AggregateConfig {
	return AggregateConfig{
		WaitForAll:   true,
		PollInterval: 50 * time.Millisecond,
		MaxInterval:  2 * time.Second,
		MaxWait:      2 * time.Minute,
	}
}

func (c AggregateConfig) withDefaults() AggregateConfig {
	def := DefaultAggregateConfig()
	if c.PollInterval <= 0 {
		c.PollInterval = def.PollInterval
	}
	if c.MaxInterval < c.PollInterval {
		c.MaxInterval = def.MaxInterval
	}
	if c.MaxWait <= 0 {
		c.MaxWait = def.MaxWait
	}
	return c
}

// AggregateResultsNode builds a graph node that resolves the state's
// pending task ids against the supervisor. Completed and failed ids move
// to their respective sets and their results land in TaskResults;
// cancelled ids count as failed since no result will ever arrive. With
// WaitForAll the node polls with exponential backoff until the pending
// set is empty, honoring both the context and the MaxWait budget, and
// only then runs the aggregate function. A nil aggregate function skips
// the fold and leaves the collected results in the state.
func AggregateResultsNode[S TaskCarrier](sup *Supervisor, aggregate AggregateFunc[S], config AggregateConfig) graph.NodeFunc[S] {
	config = config.withDefaults()

	return func(ctx context.Context, state S) (S, error) {
		ts := state.Tasks()

		remaining, err := resolvePending(ctx, sup, ts)
		if err != nil {
			return state, err
		}

		if config.WaitForAll && remaining > 0 {
			deadline := time.Now().Add(config.MaxWait)
			delay := config.PollInterval

			for remaining > 0 {
				if time.Now().After(deadline) {
					return state, fmt.Errorf("aggregation gave up after %s with %d tasks unresolved",
						config.MaxWait, remaining)
				}

				select {
				case <-ctx.Done():
					return state, fmt.Errorf("aggregation cancelled: %w", ctx.Err())
				case <-time.After(delay):
				}
				if delay *= 2; delay > config.MaxInterval {
					delay = config.MaxInterval
				}

				if remaining, err = resolvePending(ctx, sup, ts); err != nil {
					return state, err
				}
			}
		}

		if aggregate == nil {
			return state, nil
		}
		out, err := aggregate(ctx, state, ts.TaskResults)
		if err != nil {
			return out, fmt.Errorf("aggregate results: %w", err)
		}
		return out, nil
	}
}

// resolvePending asks the supervisor about each pending id and moves the
// resolved ones out. It reports how many ids are still pending.
func resolvePending(ctx context.Context, sup *Supervisor, ts *TaskState) (int, error) {
	var still []string
	for _, id := range ts.PendingTaskIDs {
		status, err := sup.GetTaskStatus(ctx, id)
		if err != nil {
			return 0, fmt.Errorf("poll task %s: %w", id, err)
		}

		switch status {
		case task.StatusCompleted:
			res, _ := sup.GetTaskResult(id)
			ts.resolve(id, res, false)
		case task.StatusFailed:
			res, _ := sup.GetTaskResult(id)
			ts.resolve(id, res, true)
		case task.StatusCancelled:
			ts.resolve(id, nil, true)
		default:
			still = append(still, id)
		}
	}
	ts.PendingTaskIDs = still
	return len(still), nil
}
