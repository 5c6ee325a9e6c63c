package supervisor

import (
	"github.com/BaSui01/stategraph/task"
)

// TaskState is the delegation bookkeeping a workflow state carries so the
// delegate and aggregate nodes can fan work out to the supervisor and
// fold the results back in. Embed it in a state struct and a pointer to
// that struct satisfies TaskCarrier for free, so graphs using these
// nodes run over pointer states.
type TaskState struct {
	SubmittedTasks   []string                `json:"submitted_tasks,omitempty"`
	PendingTaskIDs   []string                `json:"pending_task_ids,omitempty"`
	CompletedTaskIDs []string                `json:"completed_task_ids,omitempty"`
	FailedTaskIDs    []string                `json:"failed_task_ids,omitempty"`
	TaskResults      map[string]*task.Result `json:"task_results,omitempty"`
}

// TaskCarrier is implemented by workflow state types that carry a
// TaskState. The delegate and aggregate nodes reach their bookkeeping
// through it without caring what else the state holds.
type TaskCarrier interface {
	Tasks() *TaskState
}

// Tasks returns the bookkeeping itself, making TaskState (and anything
// embedding it) a TaskCarrier.
func (ts *TaskState) Tasks() *TaskState { return ts }

// recordSubmitted appends freshly submitted ids to both the submitted
// history and the pending set.
func (ts *TaskState) recordSubmitted(ids []string) {
	ts.SubmittedTasks = append(ts.SubmittedTasks, ids...)
	ts.PendingTaskIDs = append(ts.PendingTaskIDs, ids...)
}

// resolve moves a pending id into the completed or failed set and files
// its result when one exists. Callers remove the id from PendingTaskIDs.
func (ts *TaskState) resolve(id string, res *task.Result, failed bool) {
	if failed {
		ts.FailedTaskIDs = append(ts.FailedTaskIDs, id)
	} else {
		ts.CompletedTaskIDs = append(ts.CompletedTaskIDs, id)
	}
	if res != nil {
		if ts.TaskResults == nil {
			ts.TaskResults = make(map[string]*task.Result)
		}
		ts.TaskResults[id] = res
	}
}
