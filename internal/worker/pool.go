package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/lobby-ratings/internal/config"
	"github.com/lobby-ratings/pkg/metrics"
)

// ErrPoolClosed is returned when submitting to a pool that is shutting down.
var ErrPoolClosed = errors.New("worker pool closed")

// Task is a unit of blocking work run by the pool.
type Task func(ctx context.Context)

// Pool runs blocking I/O off the callers' goroutines. Tasks run on a fixed
// set of workers reading a bounded queue.
type Pool struct {
	tasks   chan Task
	workers int
	logger  *slog.Logger

	mu       sync.RWMutex
	closed   bool
	started  bool
	wg       sync.WaitGroup
	inflight sync.WaitGroup
}

// NewPool creates a pool sized by cfg. Call Start before submitting.
func NewPool(cfg *config.WorkersConfig, logger *slog.Logger) *Pool {
	workers := cfg.Count
	if workers < 1 {
		workers = 1
	}
	return &Pool{
		tasks:   make(chan Task, max(cfg.QueueSize, 0)),
		workers: workers,
		logger:  logger,
	}
}

// Start launches the workers. Tasks receive ctx.
func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return
	}
	p.started = true

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.run(ctx, i)
	}
	p.logger.Info("worker pool started", "workers", p.workers, "queue_size", cap(p.tasks))
}

func (p *Pool) run(ctx context.Context, id int) {
	defer p.wg.Done()
	for task := range p.tasks {
		metrics.UpdatePoolQueueDepth(len(p.tasks))
		p.execute(ctx, id, task)
	}
}

func (p *Pool) execute(ctx context.Context, id int, task Task) {
	defer p.inflight.Done()
	p.guard(ctx, id, task)
}

func (p *Pool) guard(ctx context.Context, id int, task Task) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("worker task panicked", "worker_id", id, "panic", fmt.Sprint(r))
		}
	}()
	task(ctx)
}

// Submit queues a task, waiting for room until ctx is done.
func (p *Pool) Submit(ctx context.Context, task Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPoolClosed
	}

	p.inflight.Add(1)
	select {
	case p.tasks <- task:
		metrics.RecordPoolTask("queued")
		metrics.UpdatePoolQueueDepth(len(p.tasks))
		return nil
	case <-ctx.Done():
		p.inflight.Done()
		return ctx.Err()
	}
}

// TrySubmit queues a task without blocking and reports whether it was
// accepted. A full queue is not an error; callers choose their overflow.
func (p *Pool) TrySubmit(task Task) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return false
	}

	p.inflight.Add(1)
	select {
	case p.tasks <- task:
		metrics.RecordPoolTask("queued")
		metrics.UpdatePoolQueueDepth(len(p.tasks))
		return true
	default:
		p.inflight.Done()
		return false
	}
}

// Go runs task on the pool, or on its own goroutine when the queue is full
// or the pool is closed. The task always runs.
func (p *Pool) Go(ctx context.Context, task Task) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		metrics.RecordPoolTask("overflow")
		go p.guard(ctx, -1, task)
		return
	}

	p.inflight.Add(1)
	select {
	case p.tasks <- task:
		metrics.RecordPoolTask("queued")
		metrics.UpdatePoolQueueDepth(len(p.tasks))
	default:
		metrics.RecordPoolTask("overflow")
		go p.execute(ctx, -1, task)
	}
}

// Shutdown stops accepting tasks, drains the queue and waits for every
// running task, or until ctx is done.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.tasks)
	started := p.started
	p.mu.Unlock()

	if !started {
		for task := range p.tasks {
			p.execute(ctx, -1, task)
		}
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		p.inflight.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("worker pool stopped")
		return nil
	case <-ctx.Done():
		p.logger.Warn("worker pool shutdown timed out")
		return fmt.Errorf("shutdown timed out: %w", ctx.Err())
	}
}
