package sched

import (
	"sync"
	"sync/atomic"
)

// Task is a completion barrier over a batch of enqueued work. Enqueue
// increments the live count; each wrapped function decrements it on exit
// and wakes Wait once it reaches zero.
type Task struct {
	live int32 // atomic
	mu   sync.Mutex
	cond *sync.Cond
}

// NewTask creates an empty barrier.
func NewTask() *Task {
	t := &Task{}
	t.cond = sync.NewCond(&t.mu)
	return t
}

func (tk *Task) wrap(fn func()) func() {
	return func() {
		defer func() {
			if atomic.AddInt32(&tk.live, -1) == 0 {
				tk.mu.Lock()
				tk.cond.Broadcast()
				tk.mu.Unlock()
			}
		}()
		fn()
	}
}

// Enqueue increments the live count then posts the wrapped function to pool
// at priority.
func (tk *Task) Enqueue(pool *Pool, priority int, fn func()) {
	atomic.AddInt32(&tk.live, 1)
	pool.Enqueue(priority, tk.wrap(fn))
}

// EnqueueOn is Enqueue pinned to a specific thread index (see
// Pool.EnqueueOn), used to keep successive rollouts on one root bound to the
// same worker thread for cache/affinity reasons.
func (tk *Task) EnqueueOn(pool *Pool, threadIdx int, priority int, fn func()) {
	atomic.AddInt32(&tk.live, 1)
	pool.EnqueueOn(threadIdx, priority, tk.wrap(fn))
}

// Wait blocks until the live count returns to zero.
func (tk *Task) Wait() {
	tk.mu.Lock()
	for atomic.LoadInt32(&tk.live) != 0 {
		tk.cond.Wait()
	}
	tk.mu.Unlock()
}
