package task

import (
	"container/heap"
	"context"
	"sync"
)

// MemoryQueue is an in-process implementation of Queue backed by a
// priority heap. Higher priority dequeues first; equal priorities dequeue
// in enqueue order. A dequeued id stays claimed until Release, so two
// pollers can never hold the same task at once.
type MemoryQueue struct {
	mu      sync.Mutex
	pending entryHeap
	queued  map[string]struct{} // ids currently in the heap
	claimed map[string]struct{} // ids dequeued but not yet released
	seq     uint64
	notify  chan struct{}
	done    chan struct{}
	closed  bool
}

type queueEntry struct {
	taskID   string
	priority int
	seq      uint64
}

type entryHeap []queueEntry

func (h entryHeap) Len() int { return len(h) }

func (h entryHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority
	}
	return h[i].seq < h[j].seq
}

func (h entryHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *entryHeap) Push(x any) { *h = append(*h, x.(queueEntry)) }

func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	entry := old[n-1]
	*h = old[:n-1]
	return entry
}

// NewMemoryQueue creates an in-process task queue.
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{
		queued:  make(map[string]struct{}),
		claimed: make(map[string]struct{}),
		notify:  make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
}

// Enqueue adds a task id to the pending heap.
func (q *MemoryQueue) Enqueue(ctx context.Context, taskID string, priority int) error {
	if taskID == "" {
		return ErrInvalidInput
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrQueueClosed
	}
	if _, ok := q.queued[taskID]; ok {
		q.mu.Unlock()
		return ErrAlreadyQueued
	}
	if _, ok := q.claimed[taskID]; ok {
		q.mu.Unlock()
		return ErrAlreadyQueued
	}

	q.seq++
	heap.Push(&q.pending, queueEntry{taskID: taskID, priority: priority, seq: q.seq})
	q.queued[taskID] = struct{}{}
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return nil
}

// TryDequeue claims the next task id without blocking.
func (q *MemoryQueue) TryDequeue(ctx context.Context) (string, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return "", false, ErrQueueClosed
	}
	if q.pending.Len() == 0 {
		return "", false, nil
	}

	entry := heap.Pop(&q.pending).(queueEntry)
	delete(q.queued, entry.taskID)
	q.claimed[entry.taskID] = struct{}{}

	// Pass the wakeup along while work remains, so a second blocked
	// Dequeue is not stranded by the single-slot notify channel.
	if q.pending.Len() > 0 {
		select {
		case q.notify <- struct{}{}:
		default:
		}
	}

	return entry.taskID, true, nil
}

// Dequeue claims the next task id, blocking until one is available.
func (q *MemoryQueue) Dequeue(ctx context.Context) (string, error) {
	for {
		id, ok, err := q.TryDequeue(ctx)
		if err != nil {
			return "", err
		}
		if ok {
			return id, nil
		}

		select {
		case <-q.notify:
		case <-q.done:
			return "", ErrQueueClosed
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}

// Release drops the active claim on a task id.
func (q *MemoryQueue) Release(ctx context.Context, taskID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrQueueClosed
	}

	delete(q.claimed, taskID)
	return nil
}

// Len reports the number of pending (unclaimed) task ids.
func (q *MemoryQueue) Len(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return 0, ErrQueueClosed
	}
	return q.pending.Len(), nil
}

// Close closes the queue and wakes blocked Dequeue calls.
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil
	}
	q.closed = true
	close(q.done)
	return nil
}

// Ensure MemoryQueue implements Queue
var _ Queue = (*MemoryQueue)(nil)
