// Package pool provides a bounded goroutine pool for asynchronous dispatch.
package pool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

var (
	ErrPoolClosed    = errors.New("dispatch pool is closed")
	ErrPoolSaturated = errors.New("dispatch pool is saturated")
)

// Job is a unit of asynchronous work. The error return is recorded in the
// pool statistics; it is not delivered back to the submitter.
type Job func(ctx context.Context) error

// DispatchPool runs jobs on a bounded set of worker goroutines with a
// bounded queue. Submission never blocks: when both the queue and the
// worker set are exhausted the job is refused with ErrPoolSaturated.
type DispatchPool struct {
	maxWorkers int
	jobs       chan boundJob

	// closeMu serializes Submit sends against closing the jobs channel.
	closeMu sync.RWMutex

	workerCount atomic.Int32
	activeCount atomic.Int32
	closed      atomic.Bool
	wg          sync.WaitGroup

	submitted atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	dropped   atomic.Int64

	idleTimeout  time.Duration
	panicHandler func(any)
}

type boundJob struct {
	job Job
	ctx context.Context
}

// DispatchPoolConfig configures a DispatchPool.
type DispatchPoolConfig struct {
	MaxWorkers   int           `json:"max_workers" yaml:"max_workers"`
	QueueSize    int           `json:"queue_size" yaml:"queue_size"`
	IdleTimeout  time.Duration `json:"idle_timeout" yaml:"idle_timeout"`
	PanicHandler func(any)     `json:"-" yaml:"-"`
}

// DefaultDispatchPoolConfig returns sensible defaults.
func DefaultDispatchPoolConfig() DispatchPoolConfig {
	return DispatchPoolConfig{
		MaxWorkers:  64,
		QueueSize:   1024,
		IdleTimeout: 60 * time.Second,
	}
}

// NewDispatchPool creates a dispatch pool. Workers are spawned lazily on
// demand up to MaxWorkers and retire after IdleTimeout without work.
func NewDispatchPool(config DispatchPoolConfig) *DispatchPool {
	if config.MaxWorkers <= 0 {
		config.MaxWorkers = DefaultDispatchPoolConfig().MaxWorkers
	}
	if config.QueueSize <= 0 {
		config.QueueSize = DefaultDispatchPoolConfig().QueueSize
	}
	if config.IdleTimeout <= 0 {
		config.IdleTimeout = DefaultDispatchPoolConfig().IdleTimeout
	}
	return &DispatchPool{
		maxWorkers:   config.MaxWorkers,
		jobs:         make(chan boundJob, config.QueueSize),
		idleTimeout:  config.IdleTimeout,
		panicHandler: config.PanicHandler,
	}
}

// Submit enqueues a job for asynchronous execution. It returns
// ErrPoolSaturated instead of blocking when the pool cannot accept more
// work, and ErrPoolClosed after Close.
func (p *DispatchPool) Submit(ctx context.Context, job Job) error {
	p.closeMu.RLock()
	defer p.closeMu.RUnlock()

	if p.closed.Load() {
		return ErrPoolClosed
	}

	p.submitted.Add(1)
	bound := boundJob{job: job, ctx: ctx}

	select {
	case p.jobs <- bound:
		p.ensureWorker()
		return nil
	default:
		if p.trySpawnWorker() {
			select {
			case p.jobs <- bound:
				return nil
			default:
			}
		}
		p.dropped.Add(1)
		return ErrPoolSaturated
	}
}

func (p *DispatchPool) ensureWorker() {
	if p.workerCount.Load() < int32(p.maxWorkers) {
		p.trySpawnWorker()
	}
}

func (p *DispatchPool) trySpawnWorker() bool {
	for {
		current := p.workerCount.Load()
		if current >= int32(p.maxWorkers) {
			return false
		}
		if p.workerCount.CompareAndSwap(current, current+1) {
			p.wg.Add(1)
			go p.worker()
			return true
		}
	}
}

func (p *DispatchPool) worker() {
	defer p.wg.Done()
	defer p.workerCount.Add(-1)

	timer := time.NewTimer(p.idleTimeout)
	defer timer.Stop()

	for {
		select {
		case bound, ok := <-p.jobs:
			if !ok {
				return
			}

			p.activeCount.Add(1)
			err := p.runJob(bound)
			p.activeCount.Add(-1)

			if err != nil {
				p.failed.Add(1)
			} else {
				p.completed.Add(1)
			}

			timer.Reset(p.idleTimeout)

		case <-timer.C:
			// Keep one worker resident so a quiet pool stays warm.
			if p.workerCount.Load() > 1 {
				return
			}
			timer.Reset(p.idleTimeout)
		}
	}
}

func (p *DispatchPool) runJob(bound boundJob) (err error) {
	defer func() {
		if r := recover(); r != nil {
			if p.panicHandler != nil {
				p.panicHandler(r)
			}
			err = errors.New("job panicked")
		}
	}()

	return bound.job(bound.ctx)
}

// Close stops accepting jobs and waits for in-flight jobs to finish.
func (p *DispatchPool) Close() {
	p.closeMu.Lock()
	if p.closed.Swap(true) {
		p.closeMu.Unlock()
		return
	}
	close(p.jobs)
	p.closeMu.Unlock()

	p.wg.Wait()
}

// Stats returns a snapshot of pool counters.
func (p *DispatchPool) Stats() DispatchPoolStats {
	return DispatchPoolStats{
		Workers:   int(p.workerCount.Load()),
		Active:    int(p.activeCount.Load()),
		Queued:    len(p.jobs),
		Submitted: p.submitted.Load(),
		Completed: p.completed.Load(),
		Failed:    p.failed.Load(),
		Dropped:   p.dropped.Load(),
	}
}

// DispatchPoolStats contains pool counters.
type DispatchPoolStats struct {
	Workers   int   `json:"workers"`
	Active    int   `json:"active"`
	Queued    int   `json:"queued"`
	Submitted int64 `json:"submitted"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Dropped   int64 `json:"dropped"`
}
