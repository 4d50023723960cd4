// Package workers runs publish sends on a bounded set of goroutines.
package workers

import (
	"context"
	"errors"
	"sync"

	"github.com/murachue/nosteen-sub000/internal/metrics"
)

// ErrStopped is returned by Submit after Stop.
var ErrStopped = errors.New("worker pool stopped")

// WorkerPool runs jobs on a fixed number of goroutines fed by a bounded queue.
type WorkerPool struct {
	jobs chan func()

	mu      sync.RWMutex
	stopped bool

	running sync.WaitGroup // workers
	once    sync.Once
}

// NewWorkerPool starts size workers sharing a queue of queueLen jobs.
func NewWorkerPool(size, queueLen int) *WorkerPool {
	if size <= 0 {
		size = 1
	}
	wp := &WorkerPool{jobs: make(chan func(), queueLen)}
	wp.running.Add(size)
	for i := 0; i < size; i++ {
		go func() {
			defer wp.running.Done()
			for job := range wp.jobs {
				job()
				metrics.PublishJobs.Dec()
			}
		}()
	}
	return wp
}

// Submit queues job, waiting for room until ctx ends.
func (wp *WorkerPool) Submit(ctx context.Context, job func()) error {
	wp.mu.RLock()
	defer wp.mu.RUnlock()
	if wp.stopped {
		return ErrStopped
	}
	select {
	case wp.jobs <- job:
		metrics.PublishJobs.Inc()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop refuses new jobs and waits for the queued ones to finish.
func (wp *WorkerPool) Stop() {
	wp.once.Do(func() {
		wp.mu.Lock()
		wp.stopped = true
		close(wp.jobs)
		wp.mu.Unlock()
	})
	wp.running.Wait()
}
