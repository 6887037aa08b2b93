package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/Devika21/email-campaign-scheduler/internal/queue"
)

// Pool manages a fixed number of worker goroutines that execute delivery
// tasks. A shared pacing limiter allows at most one handler start per
// inter-send delay, independent of pool size, so throughput is bounded both
// by concurrency and by a minimum spacing between sends.
type Pool struct {
	numWorkers int
	tasks      chan queue.Task
	handler    *Handler
	queue      *queue.Queue
	limiter    *rate.Limiter
	logger     *slog.Logger
	wg         sync.WaitGroup
}

// NewPool creates a worker pool. interSendDelay <= 0 disables pacing.
func NewPool(numWorkers int, interSendDelay time.Duration, handler *Handler, q *queue.Queue, logger *slog.Logger) *Pool {
	limit := rate.Inf
	if interSendDelay > 0 {
		limit = rate.Every(interSendDelay)
	}
	return &Pool{
		numWorkers: numWorkers,
		tasks:      make(chan queue.Task, numWorkers*2),
		handler:    handler,
		queue:      q,
		limiter:    rate.NewLimiter(limit, 1),
		logger:     logger,
	}
}

// Start launches all worker goroutines. They read from the task channel
// until it is closed.
func (p *Pool) Start(ctx context.Context) {
	for i := 0; i < p.numWorkers; i++ {
		p.wg.Add(1)
		go p.worker(ctx)
	}
	p.logger.Info("worker pool started", "num_workers", p.numWorkers)
}

// Submit sends a claimed task to the worker pool.
func (p *Pool) Submit(task queue.Task) {
	p.tasks <- task
}

// Stop closes the task channel and waits for in-flight handlers to finish.
func (p *Pool) Stop() {
	close(p.tasks)
	p.wg.Wait()
	p.logger.Info("worker pool stopped")
}

// worker executes tasks one at a time, routing the outcome back to the
// queue: nil completes the task, an error re-schedules it with backoff.
func (p *Pool) worker(ctx context.Context) {
	defer p.wg.Done()

	for task := range p.tasks {
		if err := p.limiter.Wait(ctx); err != nil {
			// Shutting down. The claimed task is dropped here; the
			// reconciliation sweep re-enqueues its recipient.
			return
		}

		if err := p.handler.Handle(ctx, task); err != nil {
			p.logger.Error("task handler failed", "error", err, "task_id", task.ID)
			if rerr := p.queue.Retry(ctx, task); rerr != nil {
				p.logger.Error("failed to re-queue task", "error", rerr, "task_id", task.ID)
			}
			continue
		}

		if err := p.queue.Complete(ctx, task); err != nil {
			p.logger.Error("failed to complete task", "error", err, "task_id", task.ID)
		}
	}
}
