package engine

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// Pool is the bounded worker pool §5 describes: "a bounded worker pool
// (configurable core/max threads, bounded queue, caller-runs overflow
// policy) plus a separate scheduled pool for timers." Grounded on
// pkg/execution/worker.go's Worker (a fixed maxConcurrentSteps gate
// plus a currentSteps map), generalized from that single-counter gate
// into a core/overflow/caller-runs tier the way a Java-style
// ThreadPoolExecutor does it — using golang.org/x/sync/semaphore's
// Weighted instead of a hand-rolled buffered-channel semaphore, since
// the teacher's own gate is too coarse for a mixed core-workflow +
// async-handler workload.
type Pool struct {
	queue chan func()
	sem   *semaphore.Weighted
	quit  chan struct{}
	wg    sync.WaitGroup
}

// NewPool starts cfg.CoreWorkers long-lived goroutines draining the
// queue, bounds total concurrent executions (core plus overflow) at
// cfg.MaxWorkers, and sizes the queue at cfg.QueueCapacity.
func NewPool(cfg Config) *Pool {
	p := &Pool{
		queue: make(chan func(), cfg.QueueCapacity),
		sem:   semaphore.NewWeighted(int64(cfg.MaxWorkers)),
		quit:  make(chan struct{}),
	}
	for i := 0; i < cfg.CoreWorkers; i++ {
		p.wg.Add(1)
		go p.coreLoop()
	}
	return p
}

func (p *Pool) coreLoop() {
	defer p.wg.Done()
	for {
		select {
		case <-p.quit:
			return
		case fn := <-p.queue:
			p.run(fn)
		}
	}
}

func (p *Pool) run(fn func()) {
	_ = p.sem.Acquire(context.Background(), 1)
	defer p.sem.Release(1)
	fn()
}

// Submit enqueues fn. If the bounded queue is full, an overflow
// goroutine runs it (still bounded by the MaxWorkers semaphore); if
// even that capacity is saturated, fn runs synchronously on the
// caller's own goroutine (the caller-runs policy), trading latency for
// never blocking indefinitely or silently dropping work.
func (p *Pool) Submit(fn func()) {
	select {
	case p.queue <- fn:
		return
	default:
	}

	if p.sem.TryAcquire(1) {
		go func() {
			defer p.sem.Release(1)
			fn()
		}()
		return
	}
	fn()
}

// Schedule runs fn on the pool after d elapses, implementing §5's
// "separate scheduled pool for timers" without dedicating a worker to
// the wait itself.
func (p *Pool) Schedule(d time.Duration, fn func()) *time.Timer {
	return time.AfterFunc(d, func() { p.Submit(fn) })
}

// Shutdown stops the core loops and waits up to grace for them to
// drain in-flight work.
func (p *Pool) Shutdown(grace time.Duration) {
	close(p.quit)
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(grace):
	}
}
