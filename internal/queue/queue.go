package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Devika21/email-campaign-scheduler/internal/clock"
)

// Redis keys. The sorted set holds task ids scored by due time (unix ms);
// payloads live in a hash so the id alone carries the dedupe identity.
const (
	TasksKey = "email_tasks"
	dataKey  = "email_tasks:data"
	doneKey  = "email_tasks:done"
)

const (
	// MaxAttempts is the queue-level retry budget per task.
	MaxAttempts = 5
	// backoffBase is the first retry delay; it doubles per attempt.
	backoffBase = 5 * time.Second

	// maxDoneSet bounds the completed-id set before Prune clears it.
	maxDoneSet = 5000
)

// Lua script for atomic enqueue with identity dedupe.
// 1. Reject if the id already completed
// 2. ZADD NX — reject if the id is already queued
// 3. Store the payload only when the id was actually added
var enqueueScript = redis.NewScript(`
local tasks = KEYS[1]
local data = KEYS[2]
local done = KEYS[3]
local id = ARGV[1]
local score = ARGV[2]
local payload = ARGV[3]

if redis.call('SISMEMBER', done, id) == 1 then
    return 0
end

local added = redis.call('ZADD', tasks, 'NX', score, id)
if added == 1 then
    redis.call('HSET', data, id, payload)
end
return added
`)

// Lua script for the reconciliation path: forget any previous completion of
// this id, then enqueue as usual. ZADD NX still rejects an id that is
// currently queued.
var reinstateScript = redis.NewScript(`
local tasks = KEYS[1]
local data = KEYS[2]
local done = KEYS[3]
local id = ARGV[1]
local score = ARGV[2]
local payload = ARGV[3]

redis.call('SREM', done, id)

local added = redis.call('ZADD', tasks, 'NX', score, id)
if added == 1 then
    redis.call('HSET', data, id, payload)
end
return added
`)

// Queue is a durable delayed task queue on Redis. Tasks become visible to
// ClaimDue once their due time elapses; each task is claimed by exactly one
// consumer at a time. Delivery is at-least-once — the handler's idempotency
// gate is what makes re-execution safe.
type Queue struct {
	client *redis.Client
	clock  clock.Clock
	logger *slog.Logger
}

func New(client *redis.Client, clk clock.Clock, logger *slog.Logger) *Queue {
	return &Queue{
		client: client,
		clock:  clk,
		logger: logger,
	}
}

// Enqueue schedules a task to become due after delay. An empty id means the
// default identity {campaignID}-{recipientID}; enqueueing an id that is
// already queued or already completed is a silent no-op, which prevents
// duplicate scheduling of the same logical send.
func (q *Queue) Enqueue(ctx context.Context, task Task, delay time.Duration, id string) (string, error) {
	if id == "" {
		id = task.DefaultID()
	}
	task.ID = id
	if task.Attempt == 0 {
		task.Attempt = 1
	}

	payload, err := json.Marshal(task)
	if err != nil {
		return "", fmt.Errorf("marshaling task %s: %w", id, err)
	}

	score := q.clock.Now().Add(delay).UnixMilli()
	added, err := enqueueScript.Run(ctx, q.client,
		[]string{TasksKey, dataKey, doneKey},
		id, score, payload,
	).Int64()
	if err != nil {
		return "", fmt.Errorf("enqueueing task %s: %w", id, err)
	}

	if added == 0 {
		q.logger.Debug("task already queued or completed, skipping",
			"task_id", id,
		)
		return id, nil
	}

	q.logger.Debug("task enqueued",
		"task_id", id,
		"campaign_id", task.CampaignID,
		"delay_ms", delay.Milliseconds(),
	)
	return id, nil
}

// Reinstate schedules a task under its default identity even if that id was
// completed or discarded before. The done set can hold the id of a recipient
// that is still PENDING — a throttle deferral completes the original task
// once the replacement is enqueued, and an exhausted retry budget discards
// the task outright — and a plain Enqueue would be rejected there forever.
// The reconciliation sweep uses this to recover such recipients when the
// replacement task is lost. An id that is currently queued still collides.
func (q *Queue) Reinstate(ctx context.Context, task Task, delay time.Duration) (string, error) {
	id := task.DefaultID()
	task.ID = id
	if task.Attempt == 0 {
		task.Attempt = 1
	}

	payload, err := json.Marshal(task)
	if err != nil {
		return "", fmt.Errorf("marshaling task %s: %w", id, err)
	}

	score := q.clock.Now().Add(delay).UnixMilli()
	added, err := reinstateScript.Run(ctx, q.client,
		[]string{TasksKey, dataKey, doneKey},
		id, score, payload,
	).Int64()
	if err != nil {
		return "", fmt.Errorf("reinstating task %s: %w", id, err)
	}

	if added == 1 {
		q.logger.Info("task reinstated",
			"task_id", id,
			"campaign_id", task.CampaignID,
			"delay_ms", delay.Milliseconds(),
		)
	}
	return id, nil
}

// ClaimDue fetches up to limit due tasks and claims them exclusively. A task
// whose ZRem returns 0 was already claimed by a concurrent worker and is
// skipped.
func (q *Queue) ClaimDue(ctx context.Context, limit int64) ([]Task, error) {
	now := q.clock.Now().UnixMilli()

	ids, err := q.client.ZRangeByScore(ctx, TasksKey, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now, 10),
		Count: limit,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("polling task queue: %w", err)
	}

	var tasks []Task
	for _, id := range ids {
		removed, err := q.client.ZRem(ctx, TasksKey, id).Result()
		if err != nil {
			q.logger.Error("failed to claim task", "error", err, "task_id", id)
			continue
		}
		if removed == 0 {
			// Another worker already claimed this task
			continue
		}

		payload, err := q.client.HGet(ctx, dataKey, id).Result()
		if err != nil {
			q.logger.Error("claimed task has no payload", "error", err, "task_id", id)
			continue
		}

		var task Task
		if err := json.Unmarshal([]byte(payload), &task); err != nil {
			q.logger.Error("failed to unmarshal task", "error", err, "task_id", id)
			q.client.HDel(ctx, dataKey, id)
			continue
		}

		tasks = append(tasks, task)
	}

	return tasks, nil
}

// Complete marks a claimed task as terminally handled. The id joins the done
// set so a late duplicate enqueue with the same identity is rejected rather
// than re-run.
func (q *Queue) Complete(ctx context.Context, task Task) error {
	pipe := q.client.Pipeline()
	pipe.SAdd(ctx, doneKey, task.ID)
	pipe.HDel(ctx, dataKey, task.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("completing task %s: %w", task.ID, err)
	}
	return nil
}

// Retry re-schedules a claimed task after a handler error, with exponential
// backoff. Once the attempt budget is spent the task is discarded. This is
// the queue's own retry mechanism for transient failures — distinct from the
// throttle requeue, which goes through Enqueue with a fresh id.
func (q *Queue) Retry(ctx context.Context, task Task) error {
	if task.Attempt >= MaxAttempts {
		q.logger.Warn("task exhausted retry budget, discarding",
			"task_id", task.ID,
			"campaign_id", task.CampaignID,
			"attempts", task.Attempt,
		)
		return q.Complete(ctx, task)
	}

	task.Attempt++
	delay := Backoff(task.Attempt)

	payload, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("marshaling retry of task %s: %w", task.ID, err)
	}

	score := q.clock.Now().Add(delay).UnixMilli()
	pipe := q.client.Pipeline()
	pipe.ZAdd(ctx, TasksKey, redis.Z{Score: float64(score), Member: task.ID})
	pipe.HSet(ctx, dataKey, task.ID, payload)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("re-queueing task %s: %w", task.ID, err)
	}

	q.logger.Info("task scheduled for retry",
		"task_id", task.ID,
		"attempt", task.Attempt,
		"delay_ms", delay.Milliseconds(),
	)
	return nil
}

// Backoff returns the delay before the given attempt number runs:
// 5s before attempt 2, 10s before attempt 3, doubling from there.
func Backoff(attempt int) time.Duration {
	d := backoffBase
	for i := 2; i < attempt; i++ {
		d *= 2
	}
	return d
}

// Depth returns the number of tasks currently waiting in the queue.
func (q *Queue) Depth(ctx context.Context) (int64, error) {
	return q.client.ZCard(ctx, TasksKey).Result()
}

// Prune clears the completed-id set once it grows past its bound. Losing the
// done set only weakens enqueue dedupe for already-finished tasks; their
// recipients are terminal, so a re-run would no-op at the idempotency gate.
func (q *Queue) Prune(ctx context.Context) error {
	n, err := q.client.SCard(ctx, doneKey).Result()
	if err != nil {
		return fmt.Errorf("sizing done set: %w", err)
	}
	if n <= maxDoneSet {
		return nil
	}
	if err := q.client.Del(ctx, doneKey).Err(); err != nil {
		return fmt.Errorf("pruning done set: %w", err)
	}
	q.logger.Info("pruned completed task ids", "count", n)
	return nil
}
