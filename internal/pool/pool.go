// Package pool provides the bounded worker pool shared by reads, cache
// writes and batch flushes.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

var (
	// ErrQueueFull is returned by TrySubmit when no queue slot is free.
	ErrQueueFull = errors.New("worker pool queue is full")
	// ErrPoolStopped is returned for submissions after Stop.
	ErrPoolStopped = errors.New("worker pool is stopped")
	// ErrStopTimeout is returned when in-flight tasks outlive the stop timeout.
	ErrStopTimeout = errors.New("worker pool stop timed out")
)

const (
	defaultWorkers = 8
	defaultQueue   = 1024
)

// Task is a unit of work. ctx is cancelled when Stop gives up waiting.
type Task func(ctx context.Context)

// Stats is a point-in-time view of the pool.
type Stats struct {
	Workers    int
	QueueSize  int
	QueueDepth int
	Submitted  int64
	Completed  int64
	Rejected   int64
	Panics     int64
}

// Pool runs tasks on a fixed set of workers fed by a bounded queue.
type Pool struct {
	workers int
	tasks   chan Task
	quit    chan struct{}
	logger  zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.RWMutex
	stopped  bool
	stopOnce sync.Once
	stopErr  error
	wg       sync.WaitGroup

	submitted atomic.Int64
	completed atomic.Int64
	rejected  atomic.Int64
	panics    atomic.Int64
}

// New starts a pool with the given number of workers and queue capacity.
func New(workers, queue int, logger zerolog.Logger) *Pool {
	if workers <= 0 {
		workers = defaultWorkers
	}
	if queue <= 0 {
		queue = defaultQueue
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		workers: workers,
		tasks:   make(chan Task, queue),
		quit:    make(chan struct{}),
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
	}
	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go p.worker()
	}
	return p
}

// Submit queues task, blocking while the queue is full.
func (p *Pool) Submit(ctx context.Context, task Task) error {
	if task == nil {
		return fmt.Errorf("task must not be nil")
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		return ErrPoolStopped
	}
	select {
	case p.tasks <- task:
		p.submitted.Add(1)
		return nil
	case <-p.quit:
		return ErrPoolStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TrySubmit queues task without blocking.
func (p *Pool) TrySubmit(task Task) error {
	if task == nil {
		return fmt.Errorf("task must not be nil")
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		return ErrPoolStopped
	}
	select {
	case p.tasks <- task:
		p.submitted.Add(1)
		return nil
	default:
		p.rejected.Add(1)
		return ErrQueueFull
	}
}

// QueueDepth returns the number of queued tasks.
func (p *Pool) QueueDepth() int {
	return len(p.tasks)
}

// Stats returns pool counters.
func (p *Pool) Stats() Stats {
	return Stats{
		Workers:    p.workers,
		QueueSize:  cap(p.tasks),
		QueueDepth: len(p.tasks),
		Submitted:  p.submitted.Load(),
		Completed:  p.completed.Load(),
		Rejected:   p.rejected.Load(),
		Panics:     p.panics.Load(),
	}
}

// Stop rejects new work, runs the queued tasks and waits for the workers.
// When timeout elapses first, task contexts are cancelled and ErrStopTimeout
// is returned; the workers still exit once their tasks return.
func (p *Pool) Stop(timeout time.Duration) error {
	p.stopOnce.Do(func() {
		close(p.quit)
		p.mu.Lock()
		p.stopped = true
		close(p.tasks)
		p.mu.Unlock()

		done := make(chan struct{})
		go func() {
			p.wg.Wait()
			close(done)
		}()
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		select {
		case <-done:
			p.cancel()
		case <-timer.C:
			p.cancel()
			p.stopErr = ErrStopTimeout
		}
	})
	return p.stopErr
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for task := range p.tasks {
		p.run(task)
	}
}

func (p *Pool) run(task Task) {
	defer func() {
		p.completed.Add(1)
		if r := recover(); r != nil {
			p.panics.Add(1)
			p.logger.Error().Interface("panic", r).Msg("worker task panicked")
		}
	}()
	task(p.ctx)
}
