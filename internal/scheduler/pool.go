package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// PoolMetrics tracks launch pool counters.
type PoolMetrics struct {
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Panics    int64 `json:"panics"`
}

// ErrPoolClosed is returned when a launch is submitted to a closed pool.
var ErrPoolClosed = errors.New("launch pool is closed")

// LaunchPool bounds how many scheduled runs execute at once. Each schedule
// is additionally deduplicated by the scheduler, so the pool only caps
// aggregate concurrency across distinct pipelines.
type LaunchPool struct {
	sem     chan struct{}
	wg      sync.WaitGroup
	metrics PoolMetrics
	mu      sync.Mutex
	done    chan struct{}
	closed  bool
}

// NewLaunchPool creates a pool running at most size launches concurrently.
func NewLaunchPool(size int) *LaunchPool {
	if size <= 0 {
		size = 1
	}
	return &LaunchPool{
		sem:  make(chan struct{}, size),
		done: make(chan struct{}),
	}
}

// Submit hands a launch to the pool. It blocks while the pool is saturated,
// respecting context cancellation, and returns ErrPoolClosed after Shutdown.
func (p *LaunchPool) Submit(ctx context.Context, fn func(ctx context.Context) error) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPoolClosed
	}
	p.mu.Unlock()

	select {
	case p.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	case <-p.done:
		return ErrPoolClosed
	}

	// Re-check closed after acquiring the slot in case Shutdown raced; the
	// wg.Add must happen under the lock so Shutdown's Wait cannot miss it.
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		<-p.sem
		return ErrPoolClosed
	}
	p.wg.Add(1)
	atomic.AddInt64(&p.metrics.Active, 1)
	p.mu.Unlock()

	go func() {
		defer func() {
			if r := recover(); r != nil {
				atomic.AddInt64(&p.metrics.Panics, 1)
				atomic.AddInt64(&p.metrics.Failed, 1)
			}
			atomic.AddInt64(&p.metrics.Active, -1)
			<-p.sem
			p.wg.Done()
		}()

		if err := fn(ctx); err != nil {
			atomic.AddInt64(&p.metrics.Failed, 1)
		} else {
			atomic.AddInt64(&p.metrics.Completed, 1)
		}
	}()

	return nil
}

// Wait blocks until every submitted launch has finished.
func (p *LaunchPool) Wait() {
	p.wg.Wait()
}

// Shutdown stops accepting launches and waits for active ones to finish.
func (p *LaunchPool) Shutdown() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.done)
	p.mu.Unlock()

	p.wg.Wait()
}

// Metrics returns a snapshot of the pool counters.
func (p *LaunchPool) Metrics() PoolMetrics {
	return PoolMetrics{
		Active:    atomic.LoadInt64(&p.metrics.Active),
		Completed: atomic.LoadInt64(&p.metrics.Completed),
		Failed:    atomic.LoadInt64(&p.metrics.Failed),
		Panics:    atomic.LoadInt64(&p.metrics.Panics),
	}
}
