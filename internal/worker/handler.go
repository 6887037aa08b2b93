package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/Devika21/email-campaign-scheduler/internal/clock"
	"github.com/Devika21/email-campaign-scheduler/internal/domain"
	"github.com/Devika21/email-campaign-scheduler/internal/mailer"
	"github.com/Devika21/email-campaign-scheduler/internal/queue"
	"github.com/Devika21/email-campaign-scheduler/internal/store"
	ws "github.com/Devika21/email-campaign-scheduler/internal/websocket"
)

// RecordStore is the slice of the persistence layer the handler needs: the
// idempotency read plus the atomic terminal-outcome commit.
type RecordStore interface {
	GetRecipient(ctx context.Context, id string) (*domain.Recipient, error)
	CommitOutcome(ctx context.Context, rec store.OutcomeRecord) error
}

// RateWindow is the shared per-sender hourly counter the handler consults.
type RateWindow interface {
	UnderLimit(ctx context.Context, sender string, limit int) (bool, error)
	Increment(ctx context.Context, sender string) (int64, error)
	UntilNextWindow() time.Duration
}

// Handler executes one delivery task. It is safe to invoke more than once
// for the same task identity: the recipient-status gate turns at-least-once
// task delivery into at-most-one effective send.
type Handler struct {
	store     RecordStore
	queue     *queue.Queue
	rate      RateWindow
	transport mailer.Transport
	clock     clock.Clock
	hub       *ws.Hub
	logger    *slog.Logger
}

func NewHandler(rs RecordStore, q *queue.Queue, rate RateWindow, transport mailer.Transport, clk clock.Clock, hub *ws.Hub, logger *slog.Logger) *Handler {
	return &Handler{
		store:     rs,
		queue:     q,
		rate:      rate,
		transport: transport,
		clock:     clk,
		hub:       hub,
		logger:    logger,
	}
}

// Handle runs the per-task protocol: idempotency gate, rate gate, send,
// transactional commit. A nil return completes the task; an error hands it
// to the queue's own retry/backoff.
func (h *Handler) Handle(ctx context.Context, task queue.Task) error {
	// Idempotency gate: a missing or already-terminal recipient means this
	// task identity was handled before (or its data is gone). Nothing to do.
	rec, err := h.store.GetRecipient(ctx, task.RecipientID)
	if err != nil {
		return fmt.Errorf("reading recipient %s: %w", task.RecipientID, err)
	}
	if rec == nil || rec.Status != domain.RecipientPending {
		h.logger.Debug("recipient already handled, skipping",
			"task_id", task.ID,
			"recipient_id", task.RecipientID,
		)
		return nil
	}

	// Rate gate: at or over the sender's hourly cap, the recipient's turn is
	// deferred as a unit — no send, no failure, task re-scheduled for the
	// next hour window under a fresh id so it doesn't collide with this one.
	under, err := h.rate.UnderLimit(ctx, task.FromEmail, task.HourlyLimit)
	if err != nil {
		return fmt.Errorf("checking rate window for %s: %w", task.FromEmail, err)
	}
	if !under {
		return h.deferSend(ctx, task)
	}

	messageID, sendErr := h.transport.Send(ctx, mailer.Message{
		From:    task.FromEmail,
		To:      task.ToEmail,
		Subject: task.Subject,
		HTML:    task.Body,
	})

	if sendErr != nil {
		return h.commitFailure(ctx, task, sendErr)
	}
	return h.commitSuccess(ctx, task, messageID)
}

// deferSend re-enqueues an equivalent task for the top of the next hour
// window and completes the current one; throttling is not an error.
func (h *Handler) deferSend(ctx context.Context, task queue.Task) error {
	delay := h.rate.UntilNextWindow()
	retryID := fmt.Sprintf("%s-retry-%d", task.DefaultID(), h.clock.Now().UnixMilli())

	requeued := task
	requeued.Attempt = 0
	if _, err := h.queue.Enqueue(ctx, requeued, delay, retryID); err != nil {
		return fmt.Errorf("deferring throttled task %s: %w", task.ID, err)
	}

	h.logger.Info("sender at hourly cap, deferring send",
		"task_id", task.ID,
		"from", task.FromEmail,
		"deferred_ms", delay.Milliseconds(),
	)
	h.broadcast("send_deferred", task, "")
	return nil
}

func (h *Handler) commitSuccess(ctx context.Context, task queue.Task, messageID string) error {
	err := h.store.CommitOutcome(ctx, store.OutcomeRecord{
		CampaignID:  task.CampaignID,
		RecipientID: task.RecipientID,
		UserID:      task.UserID,
		ToEmail:     task.ToEmail,
		FromEmail:   task.FromEmail,
		Subject:     task.Subject,
		Body:        task.Body,
		Status:      domain.RecipientSent,
		MessageID:   messageID,
		SentAt:      h.clock.Now(),
	})
	if err != nil {
		// The send already happened; a queue retry of this task will no-op at
		// the gate once the commit eventually lands. If the commit itself
		// keeps failing the recipient stays PENDING and a later attempt may
		// send again — accepted at-least-once transport risk.
		return fmt.Errorf("committing send of %s: %w", task.RecipientID, err)
	}

	// Count the send only after the commit is durable. An increment failure
	// is logged, not retried: re-running the task would no-op at the gate
	// without ever reaching this point again.
	if _, err := h.rate.Increment(ctx, task.FromEmail); err != nil {
		h.logger.Warn("failed to count send in rate window", "error", err, "from", task.FromEmail)
	}

	h.logger.Info("email sent",
		"task_id", task.ID,
		"campaign_id", task.CampaignID,
		"to", task.ToEmail,
		"order_index", task.OrderIndex,
		"message_id", messageID,
	)
	h.broadcast("send_success", task, "")
	return nil
}

func (h *Handler) commitFailure(ctx context.Context, task queue.Task, sendErr error) error {
	err := h.store.CommitOutcome(ctx, store.OutcomeRecord{
		CampaignID:   task.CampaignID,
		RecipientID:  task.RecipientID,
		UserID:       task.UserID,
		ToEmail:      task.ToEmail,
		FromEmail:    task.FromEmail,
		Subject:      task.Subject,
		Body:         task.Body,
		Status:       domain.RecipientFailed,
		ErrorMessage: sendErr.Error(),
		SentAt:       h.clock.Now(),
	})
	if err != nil {
		return fmt.Errorf("committing failure of %s: %w", task.RecipientID, err)
	}

	h.logger.Warn("email send failed",
		"task_id", task.ID,
		"campaign_id", task.CampaignID,
		"to", task.ToEmail,
		"error", sendErr,
	)
	h.broadcast("send_failed", task, sendErr.Error())

	// Surface the transport failure so the queue applies its own backoff.
	// The recipient is already FAILED, so every retry after this one no-ops
	// at the gate — only the first failure has an effect.
	return fmt.Errorf("sending to %s: %w", task.ToEmail, sendErr)
}

func (h *Handler) broadcast(eventType string, task queue.Task, errMsg string) {
	if h.hub == nil {
		return
	}
	h.hub.Broadcast(ws.SendEvent{
		Type:        eventType,
		CampaignID:  task.CampaignID,
		RecipientID: task.RecipientID,
		To:          task.ToEmail,
		From:        task.FromEmail,
		Subject:     task.Subject,
		OrderIndex:  task.OrderIndex,
		Error:       errMsg,
		Timestamp:   h.clock.Now(),
	})
}
