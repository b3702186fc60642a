// Package processing runs background work on a fixed number of worker
// goroutines fed by a buffered channel.
package processing

import (
	"context"
	"errors"
	"sync"

	"github.com/dharsanguruparan/markdrop/internal/logger"
	"github.com/dharsanguruparan/markdrop/internal/metrics"
)

var (
	// ErrQueueFull is returned when the buffer has no room. Submit never
	// blocks the caller.
	ErrQueueFull = errors.New("processing queue full")
	// ErrStopped is returned after Stop.
	ErrStopped = errors.New("processing pool stopped")
)

// Task is one unit of work. ctx is the pool's context.
type Task func(ctx context.Context)

type job struct {
	id  string
	run Task
}

// Pool consumes Tasks with a bounded number of workers.
type Pool struct {
	queue   chan job
	workers int

	mu      sync.RWMutex
	stopped bool
	wg      sync.WaitGroup
}

// New builds a Pool. depth <= 0 ties the queue capacity to the worker count.
func New(workers, depth int) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if depth <= 0 {
		depth = workers * 4
	}
	return &Pool{
		queue:   make(chan job, depth),
		workers: workers,
	}
}

// Workers is the number of worker goroutines.
func (p *Pool) Workers() int {
	return p.workers
}

// Start launches the worker goroutines. They exit when ctx is done or the
// pool is stopped.
func (p *Pool) Start(ctx context.Context) {
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx)
	}
}

// Submit queues fn under id. It fails fast with ErrQueueFull instead of
// blocking when every slot is taken.
func (p *Pool) Submit(id string, fn Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		return ErrStopped
	}
	select {
	case p.queue <- job{id: id, run: fn}:
		metrics.QueueDepth.Inc()
		return nil
	default:
		return ErrQueueFull
	}
}

// Pending is the number of queued tasks not yet picked up.
func (p *Pool) Pending() int {
	return len(p.queue)
}

// Stop closes the queue and waits for the workers. Workers finish what is
// already queued unless their context is canceled first.
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.stopped {
		p.stopped = true
		close(p.queue)
	}
	p.mu.Unlock()
	p.wg.Wait()
}

func (p *Pool) worker(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case j, ok := <-p.queue:
			if !ok {
				return
			}
			metrics.QueueDepth.Dec()
			p.process(ctx, j)
		}
	}
}

func (p *Pool) process(ctx context.Context, j job) {
	defer func() {
		if r := recover(); r != nil {
			logger.FromContext(ctx).WithField(logger.FieldJobID, j.id).Errorf("worker task panicked: %v", r)
		}
	}()
	j.run(ctx)
}
