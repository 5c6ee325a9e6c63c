// Package worker runs delegated tasks in-process. A Runtime registers
// itself as an agent, polls the task queue at a bounded rate, claims
// work, executes the handler registered for the task's type, and reports
// the outcome back through the supervisor. It is the in-process stand-in
// for an external worker fleet and honors the same contract: claim
// atomically, respect declared capacity, always report a result.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/BaSui01/stategraph/agent"
	"github.com/BaSui01/stategraph/supervisor"
	"github.com/BaSui01/stategraph/task"
)

// Common errors
var (
	ErrInvalidConfig  = errors.New("invalid worker config")
	ErrAlreadyRunning = errors.New("worker runtime is already running")
)

// WorkerFunc executes one task and returns its output. A returned error
// becomes a failed result; it never crashes the runtime.
type WorkerFunc func(ctx context.Context, t *task.WorkTask) (map[string]any, error)

// Config describes one worker runtime.
type Config struct {
	AgentID          string
	AgentType        string
	SupportedTools   []string
	SupportedIntents []string

	// MaxConcurrentTasks bounds how many tasks run at once. Values
	// below one are raised to one.
	MaxConcurrentTasks int

	// PollRate paces queue polling in polls per second.
	PollRate rate.Limit

	// HeartbeatInterval is how often the registry hears from this
	// worker.
	HeartbeatInterval time.Duration
}

// DefaultConfig returns a worker config with moderate concurrency and
// polling.
func DefaultConfig(agentID, agentType string) Config {
	return Config{
		AgentID:            agentID,
		AgentType:          agentType,
		MaxConcurrentTasks: 4,
		PollRate:           rate.Limit(20),
		HeartbeatInterval:  15 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	if c.MaxConcurrentTasks < 1 {
		c.MaxConcurrentTasks = 1
	}
	if c.PollRate <= 0 {
		c.PollRate = rate.Limit(20)
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 15 * time.Second
	}
	return c
}

// Runtime polls for work and executes it. Register handlers with Handle
// before Start; Stop drains in-flight tasks.
type Runtime struct {
	config   Config
	sup      *supervisor.Supervisor
	queue    task.Queue
	store    task.Store
	registry *agent.Registry
	pool     *supervisor.WorkerPool
	logger   *zap.Logger

	sem     *semaphore.Weighted
	limiter *rate.Limiter
	active  atomic.Int64

	mu       sync.Mutex
	handlers map[string]WorkerFunc
	running  bool
	cancel   context.CancelFunc
	group    *errgroup.Group
}

// New creates a worker runtime. The registry may be nil, in which case
// the worker neither registers nor heartbeats.
func New(config Config, sup *supervisor.Supervisor, queue task.Queue, store task.Store, registry *agent.Registry, logger *zap.Logger) (*Runtime, error) {
	if config.AgentID == "" {
		return nil, fmt.Errorf("%w: agent id is empty", ErrInvalidConfig)
	}
	if sup == nil {
		return nil, fmt.Errorf("%w: supervisor is nil", ErrInvalidConfig)
	}
	if queue == nil {
		return nil, fmt.Errorf("%w: task queue is nil", ErrInvalidConfig)
	}
	if store == nil {
		return nil, fmt.Errorf("%w: task store is nil", ErrInvalidConfig)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	config = config.withDefaults()

	return &Runtime{
		config:   config,
		sup:      sup,
		queue:    queue,
		store:    store,
		registry: registry,
		pool:     sup.Pool(),
		logger: logger.With(
			zap.String("component", "worker"),
			zap.String("worker_id", config.AgentID),
		),
		sem:      semaphore.NewWeighted(int64(config.MaxConcurrentTasks)),
		limiter:  rate.NewLimiter(config.PollRate, 1),
		handlers: make(map[string]WorkerFunc),
	}, nil
}

// Handle sets the function run for a task type. Later calls replace
// earlier ones. Handlers must be in place before Start.
func (r *Runtime) Handle(taskType string, fn WorkerFunc) error {
	if taskType == "" || fn == nil {
		return fmt.Errorf("%w: task type and handler are required", ErrInvalidConfig)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[taskType] = fn
	return nil
}

func (r *Runtime) handlerFor(taskType string) WorkerFunc {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.handlers[taskType]
}

// Start registers the worker, announces its capacity, and launches the
// poll and heartbeat loops. It returns once the loops are running.
func (r *Runtime) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return ErrAlreadyRunning
	}

	if r.registry != nil {
		if err := r.registry.Register(agent.Capabilities{
			AgentID:            r.config.AgentID,
			AgentType:          r.config.AgentType,
			SupportedTools:     r.config.SupportedTools,
			SupportedIntents:   r.config.SupportedIntents,
			MaxConcurrentTasks: r.config.MaxConcurrentTasks,
		}); err != nil {
			return fmt.Errorf("register worker: %w", err)
		}
	}
	if r.pool != nil {
		if err := r.pool.AddWorker(r.config.AgentID, r.config.MaxConcurrentTasks); err != nil {
			return fmt.Errorf("announce worker capacity: %w", err)
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	group, groupCtx := errgroup.WithContext(runCtx)
	r.cancel = cancel
	r.group = group
	r.running = true

	group.Go(func() error { return r.pollLoop(groupCtx) })
	if r.registry != nil {
		group.Go(func() error { return r.heartbeatLoop(groupCtx) })
	}

	r.logger.Info("worker started",
		zap.Int("max_concurrent", r.config.MaxConcurrentTasks),
		zap.Float64("poll_rate", float64(r.config.PollRate)),
	)
	return nil
}

// Stop cancels the loops and waits for in-flight tasks to drain, bounded
// by ctx. The worker leaves the pool and turns Unavailable in the
// registry; stopping a stopped runtime is a no-op.
func (r *Runtime) Stop(ctx context.Context) error {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return nil
	}
	r.running = false
	cancel, group := r.cancel, r.group
	r.mu.Unlock()

	cancel()

	done := make(chan error, 1)
	go func() { done <- group.Wait() }()

	select {
	case err := <-done:
		if r.pool != nil {
			r.pool.RemoveWorker(r.config.AgentID)
		}
		if r.registry != nil {
			r.registry.UpdateStatus(r.config.AgentID, agent.StatusUnavailable)
		}
		r.logger.Info("worker stopped")
		return err
	case <-ctx.Done():
		return fmt.Errorf("worker drain interrupted: %w", ctx.Err())
	}
}

// pollLoop claims work as capacity allows. A slot is acquired before the
// claim so a claimed id never waits on this worker's own backlog.
func (r *Runtime) pollLoop(ctx context.Context) error {
	for {
		if err := r.sem.Acquire(ctx, 1); err != nil {
			return nil
		}
		if err := r.limiter.Wait(ctx); err != nil {
			r.sem.Release(1)
			return nil
		}

		id, ok, err := r.queue.TryDequeue(ctx)
		if err != nil {
			r.sem.Release(1)
			if errors.Is(err, task.ErrQueueClosed) {
				return nil
			}
			r.logger.Warn("queue poll failed", zap.Error(err))
			continue
		}
		if !ok {
			r.sem.Release(1)
			continue
		}

		if !r.prepare(ctx, id) {
			r.sem.Release(1)
			continue
		}
	}
}

// prepare vets a claimed id and, when it is runnable, hands it to a task
// goroutine. It reports whether the claim consumed the held slot.
func (r *Runtime) prepare(ctx context.Context, id string) bool {
	wt, err := r.store.Get(ctx, id)
	if err != nil {
		r.logger.Error("claimed task has no record", zap.String("task_id", id), zap.Error(err))
		_ = r.queue.Release(ctx, id)
		return false
	}

	if wt.Status != task.StatusPending {
		// Usually a cancellation that landed while the id was queued.
		r.logger.Debug("skipping claimed task",
			zap.String("task_id", id),
			zap.String("status", string(wt.Status)),
		)
		_ = r.queue.Release(ctx, id)
		return false
	}

	ready, err := r.store.AreDependenciesComplete(ctx, id)
	if err != nil {
		r.logger.Warn("dependency check failed", zap.String("task_id", id), zap.Error(err))
		r.requeue(ctx, wt)
		return false
	}
	if !ready {
		r.requeue(ctx, wt)
		return false
	}

	if r.pool != nil && !r.pool.Reserve(r.config.AgentID) {
		// The shared pool is tighter than the local semaphore.
		r.requeue(ctx, wt)
		return false
	}

	if err := r.store.UpdateStatus(ctx, id, task.StatusInProgress); err != nil {
		r.logger.Error("task start transition failed", zap.String("task_id", id), zap.Error(err))
		if r.pool != nil {
			r.pool.Release(r.config.AgentID)
		}
		r.requeue(ctx, wt)
		return false
	}

	r.publishLoad(int(r.active.Add(1)))
	r.group.Go(func() error {
		defer func() {
			r.publishLoad(int(r.active.Add(-1)))
			r.sem.Release(1)
		}()
		r.runTask(ctx, wt)
		return nil
	})
	return true
}

// publishLoad mirrors the worker's in-flight count into the registry so
// capability lookups see its real availability.
func (r *Runtime) publishLoad(active int) {
	if r.registry == nil {
		return
	}
	_ = r.registry.UpdateTaskCount(r.config.AgentID, active)

	status := agent.StatusAvailable
	if active >= r.config.MaxConcurrentTasks {
		status = agent.StatusBusy
	}
	r.registry.UpdateStatus(r.config.AgentID, status)
}

// requeue drops the claim and puts the id back in line.
func (r *Runtime) requeue(ctx context.Context, wt *task.WorkTask) {
	_ = r.queue.Release(ctx, wt.ID)
	if err := r.queue.Enqueue(ctx, wt.ID, wt.Priority); err != nil && !errors.Is(err, task.ErrQueueClosed) {
		r.logger.Error("task requeue failed", zap.String("task_id", wt.ID), zap.Error(err))
	}
}

func (r *Runtime) runTask(ctx context.Context, wt *task.WorkTask) {
	result := &task.Result{
		TaskID:        wt.ID,
		WorkerAgentID: r.config.AgentID,
	}

	fn := r.handlerFor(wt.TaskType)
	if fn == nil {
		result.ErrorMessage = fmt.Sprintf("no handler for task type %q", wt.TaskType)
	} else {
		output, err := r.invoke(ctx, fn, wt)
		if err != nil {
			result.ErrorMessage = err.Error()
		} else {
			result.Success = true
			result.Output = output
		}
	}

	// The report must land even when the runtime is shutting down,
	// otherwise the task would hang InProgress forever.
	if err := r.sup.ReportResult(context.WithoutCancel(ctx), result); err != nil {
		r.logger.Error("result report failed", zap.String("task_id", wt.ID), zap.Error(err))
		return
	}

	r.logger.Debug("task finished",
		zap.String("task_id", wt.ID),
		zap.String("task_type", wt.TaskType),
		zap.Bool("success", result.Success),
	)
}

// invoke shields the runtime from handler panics.
func (r *Runtime) invoke(ctx context.Context, fn WorkerFunc, wt *task.WorkTask) (output map[string]any, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("handler panicked",
				zap.String("task_id", wt.ID),
				zap.Any("panic", rec),
			)
			err = fmt.Errorf("handler panic: %v", rec)
		}
	}()
	return fn(ctx, wt)
}

func (r *Runtime) heartbeatLoop(ctx context.Context) error {
	ticker := time.NewTicker(r.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.registry.RecordHeartbeat(r.config.AgentID)
		}
	}
}
