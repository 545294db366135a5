package worker

import (
	"context"
	"log/slog"
	"sync"
)

// Task represents a work item
type Task interface {
	Execute(ctx context.Context) error
}

// TaskFunc adapts a function to the Task interface
type TaskFunc func(ctx context.Context) error

// Execute calls f(ctx)
func (f TaskFunc) Execute(ctx context.Context) error {
	return f(ctx)
}

// Pool runs tasks on a fixed number of goroutines. Errors and panics stay
// inside the task that caused them.
type Pool struct {
	workers   int
	taskQueue chan Task
	wg        sync.WaitGroup
	ctx       context.Context
	cancel    context.CancelFunc
	startOnce sync.Once
	stopOnce  sync.Once
	logger    *slog.Logger
}

// NewPool creates a new worker pool whose task context derives from parent.
// A nil logger uses slog.Default.
func NewPool(parent context.Context, workers int, logger *slog.Logger) *Pool {
	if workers < 1 {
		workers = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(parent)
	return &Pool{
		workers:   workers,
		taskQueue: make(chan Task, workers*2),
		ctx:       ctx,
		cancel:    cancel,
		logger:    logger,
	}
}

// Start starts the worker pool
func (p *Pool) Start() {
	p.startOnce.Do(func() {
		for i := 0; i < p.workers; i++ {
			p.wg.Add(1)
			go p.worker()
		}
	})
}

// Stop cancels the task context and waits for running tasks to return.
// Queued tasks that have not started are dropped.
func (p *Pool) Stop() {
	p.stopOnce.Do(func() {
		p.cancel()
		p.wg.Wait()
	})
}

// Submit queues a task, blocking while the queue is full. It returns false
// once the pool is stopping.
func (p *Pool) Submit(task Task) bool {
	select {
	case <-p.ctx.Done():
		return false
	default:
	}

	select {
	case p.taskQueue <- task:
		return true
	case <-p.ctx.Done():
		return false
	}
}

// worker runs a worker goroutine
func (p *Pool) worker() {
	defer p.wg.Done()
	for {
		select {
		case task := <-p.taskQueue:
			if task != nil {
				p.run(task)
			}
		case <-p.ctx.Done():
			return
		}
	}
}

func (p *Pool) run(task Task) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("worker: task panicked", "panic", r)
		}
	}()
	if err := task.Execute(p.ctx); err != nil {
		p.logger.Debug("worker: task returned error", "error", err)
	}
}
