package supervisor

import (
	"sync"

	"github.com/BaSui01/stategraph/task"
)

// resultSet is the in-memory record of reported results. Results are
// written once and handed out as copies, so a caller can never mutate a
// stored outcome.
type resultSet struct {
	mu      sync.RWMutex
	results map[string]*task.Result
}

func (r *resultSet) put(res *task.Result) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.results == nil {
		r.results = make(map[string]*task.Result)
	}
	r.results[res.TaskID] = copyResult(res)
}

func (r *resultSet) get(id string) (*task.Result, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	res, ok := r.results[id]
	if !ok {
		return nil, false
	}
	return copyResult(res), true
}

func copyResult(res *task.Result) *task.Result {
	if res == nil {
		return nil
	}
	out := *res
	if res.Output != nil {
		out.Output = make(map[string]any, len(res.Output))
		for k, v := range res.Output {
			out.Output[k] = v
		}
	}
	return &out
}
