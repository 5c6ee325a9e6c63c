package supervisor

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// WorkerPool tracks the declared capacity and current load of every
// worker known to the supervisor. Reserve and Release are the only
// mutators of load, and both run under one lock, so concurrent
// reservations can never push a worker past its capacity.
type WorkerPool struct {
	mu        sync.Mutex
	workers   map[string]*workerSlot
	processed int64
	logger    *zap.Logger
}

type workerSlot struct {
	capacity int
	active   int
}

// NewWorkerPool creates an empty pool.
func NewWorkerPool(logger *zap.Logger) *WorkerPool {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WorkerPool{
		workers: make(map[string]*workerSlot),
		logger:  logger.With(zap.String("component", "worker_pool")),
	}
}

// AddWorker registers a worker slot with its concurrency capacity,
// normally the MaxConcurrentTasks the agent declared on registration.
// Re-adding an existing worker updates its capacity and keeps its current
// load. Capacities below one are raised to one.
func (p *WorkerPool) AddWorker(id string, maxConcurrent int) error {
	if id == "" {
		return fmt.Errorf("%w: worker id is empty", ErrInvalidInput)
	}
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if slot, ok := p.workers[id]; ok {
		slot.capacity = maxConcurrent
		p.logger.Debug("worker capacity updated",
			zap.String("worker_id", id),
			zap.Int("capacity", maxConcurrent),
		)
		return nil
	}

	p.workers[id] = &workerSlot{capacity: maxConcurrent}
	p.logger.Info("worker added",
		zap.String("worker_id", id),
		zap.Int("capacity", maxConcurrent),
	)
	return nil
}

// RemoveWorker drops a worker slot. Unknown ids are a no-op. Work already
// in flight is not interrupted; its eventual Release is simply ignored.
func (p *WorkerPool) RemoveWorker(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.workers[id]; !ok {
		p.logger.Warn("remove of unknown worker ignored", zap.String("worker_id", id))
		return
	}
	delete(p.workers, id)
	p.logger.Info("worker removed", zap.String("worker_id", id))
}

// Reserve takes one unit of the worker's capacity, reporting false when
// the worker is unknown or already fully loaded. Callers must pair every
// successful Reserve with exactly one Release.
func (p *WorkerPool) Reserve(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	slot, ok := p.workers[id]
	if !ok || slot.active >= slot.capacity {
		return false
	}
	slot.active++
	return true
}

// Release returns one unit of capacity and counts a processed task.
// Releases for unknown or idle workers are ignored.
func (p *WorkerPool) Release(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	slot, ok := p.workers[id]
	if !ok || slot.active == 0 {
		return
	}
	slot.active--
	p.processed++
}

// Load reports a worker's current load and capacity.
func (p *WorkerPool) Load(id string) (active, capacity int, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	slot, found := p.workers[id]
	if !found {
		return 0, 0, false
	}
	return slot.active, slot.capacity, true
}

// PoolStatistics is a point-in-time summary of pool occupancy. A worker
// counts as busy only when its load has reached its capacity.
type PoolStatistics struct {
	TotalWorkers     int   `json:"total_workers"`
	AvailableWorkers int   `json:"available_workers"`
	BusyWorkers      int   `json:"busy_workers"`
	TasksProcessed   int64 `json:"tasks_processed"`
}

// Statistics returns the current pool summary.
func (p *WorkerPool) Statistics() PoolStatistics {
	p.mu.Lock()
	defer p.mu.Unlock()

	stats := PoolStatistics{
		TotalWorkers:   len(p.workers),
		TasksProcessed: p.processed,
	}
	for _, slot := range p.workers {
		if slot.active >= slot.capacity {
			stats.BusyWorkers++
		} else {
			stats.AvailableWorkers++
		}
	}
	return stats
}
