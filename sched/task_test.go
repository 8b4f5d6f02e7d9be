package sched

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// TestTaskWaitBlocksUntilAllWorkCompletes proves Wait() is a genuine barrier:
// it holds a worker function open on a channel so Wait cannot possibly
// return by coincidence, then releases it and checks Wait unblocks promptly.
func TestTaskWaitBlocksUntilAllWorkCompletes(t *testing.T) {
	pool := NewPool(2)
	defer pool.Shutdown()

	release := make(chan struct{})
	task := NewTask()
	task.Enqueue(pool, 0, func() {
		<-release
	})

	waitReturned := make(chan struct{})
	go func() {
		task.Wait()
		close(waitReturned)
	}()

	select {
	case <-waitReturned:
		t.Fatal("Wait returned before its only enqueued function completed")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)

	select {
	case <-waitReturned:
	case <-time.After(2 * time.Second):
		t.Fatal("Wait did not unblock after the enqueued function completed")
	}
}

func TestTaskWaitWithNoEnqueuedWorkReturnsImmediately(t *testing.T) {
	task := NewTask()
	done := make(chan struct{})
	go func() {
		task.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Wait blocked with nothing enqueued")
	}
}

// TestTaskWaitUnderConcurrentProducers enqueues a batch of work from several
// goroutines at once and confirms Wait only returns once every one of them
// has actually run, not merely once the live count first drops to zero
// transiently.
func TestTaskWaitUnderConcurrentProducers(t *testing.T) {
	pool := NewPool(4)
	defer pool.Shutdown()

	task := NewTask()
	const producers = 8
	const perProducer = 50
	var ran int32

	var wg sync.WaitGroup
	wg.Add(producers)
	for p := 0; p < producers; p++ {
		go func() {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				task.Enqueue(pool, i%3, func() {
					atomic.AddInt32(&ran, 1)
				})
			}
		}()
	}
	wg.Wait()

	task.Wait()
	assert.Equal(t, int32(producers*perProducer), atomic.LoadInt32(&ran))
}

func TestTaskEnqueueOnUsesPinnedThread(t *testing.T) {
	pool := NewPool(3)
	defer pool.Shutdown()

	task := NewTask()
	var ran int32
	task.EnqueueOn(pool, 1, 0, func() {
		atomic.AddInt32(&ran, 1)
	})
	task.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&ran))
}
