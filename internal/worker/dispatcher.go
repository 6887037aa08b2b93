package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/Devika21/email-campaign-scheduler/internal/queue"
)

// Dispatcher continuously polls the task queue for due tasks and feeds them
// to the worker pool. Multiple dispatcher processes may poll the same queue;
// the claim step keeps any task on exactly one of them.
type Dispatcher struct {
	queue        *queue.Queue
	pool         *Pool
	logger       *slog.Logger
	pollInterval time.Duration
	batchSize    int64
}

func NewDispatcher(q *queue.Queue, pool *Pool, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		queue:        q,
		pool:         pool,
		logger:       logger,
		pollInterval: 100 * time.Millisecond,
		batchSize:    10,
	}
}

// Start begins the polling loop. It runs until the context is cancelled.
func (d *Dispatcher) Start(ctx context.Context) {
	d.logger.Info("dispatcher started")

	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			d.logger.Info("dispatcher stopping")
			return
		case <-ticker.C:
			d.poll(ctx)
		}
	}
}

func (d *Dispatcher) poll(ctx context.Context) {
	tasks, err := d.queue.ClaimDue(ctx, d.batchSize)
	if err != nil {
		d.logger.Error("failed to poll task queue", "error", err)
		return
	}

	for _, task := range tasks {
		d.pool.Submit(task)
	}
}
