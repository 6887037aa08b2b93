package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Devika21/email-campaign-scheduler/internal/clock"
	"github.com/Devika21/email-campaign-scheduler/internal/domain"
	"github.com/Devika21/email-campaign-scheduler/internal/queue"
)

// ErrNoValidRecipients is returned when normalization leaves an empty
// recipient set.
var ErrNoValidRecipients = errors.New("no valid recipients")

// RecordStore is the slice of the persistence layer the scheduler needs.
type RecordStore interface {
	CreateCampaign(ctx context.Context, c *domain.Campaign) error
	BulkCreateRecipients(ctx context.Context, recipients []domain.Recipient) error
	UpdateCampaignStatus(ctx context.Context, campaignID, status string) error
	ListActiveCampaigns(ctx context.Context) ([]domain.Campaign, error)
	ListPendingRecipients(ctx context.Context, campaignID string) ([]domain.Recipient, error)
}

// ScheduleInput is a campaign submission. Zero DelayBetweenMs or HourlyLimit
// fall back to the scheduler defaults.
type ScheduleInput struct {
	UserID         string
	Subject        string
	Body           string
	FromEmail      string
	Recipients     []string
	StartTime      time.Time
	DelayBetweenMs int
	HourlyLimit    int
}

// CampaignScheduler turns a campaign submission into campaign and recipient
// records plus one time-offset delivery task per recipient.
type CampaignScheduler struct {
	store  RecordStore
	queue  *queue.Queue
	clock  clock.Clock
	logger *slog.Logger

	defaultDelayMs     int
	defaultHourlyLimit int
}

func NewCampaignScheduler(store RecordStore, q *queue.Queue, clk clock.Clock, logger *slog.Logger, defaultDelayMs, defaultHourlyLimit int) *CampaignScheduler {
	return &CampaignScheduler{
		store:              store,
		queue:              q,
		clock:              clk,
		logger:             logger,
		defaultDelayMs:     defaultDelayMs,
		defaultHourlyLimit: defaultHourlyLimit,
	}
}

// Schedule creates the campaign, bulk-creates its recipients and enqueues one
// delivery task per recipient at offset max(0, start-now) + i*delay. The
// campaign advances to IN_PROGRESS only after every task is enqueued; a
// partial enqueue leaves it SCHEDULED for Reconcile to finish.
func (s *CampaignScheduler) Schedule(ctx context.Context, input ScheduleInput) (string, error) {
	emails := NormalizeRecipients(input.Recipients)
	if len(emails) == 0 {
		return "", ErrNoValidRecipients
	}

	delayMs := input.DelayBetweenMs
	if delayMs <= 0 {
		delayMs = s.defaultDelayMs
	}
	hourlyLimit := input.HourlyLimit
	if hourlyLimit <= 0 {
		hourlyLimit = s.defaultHourlyLimit
	}

	now := s.clock.Now()
	campaign := &domain.Campaign{
		ID:              uuid.NewString(),
		UserID:          input.UserID,
		Subject:         input.Subject,
		Body:            input.Body,
		FromEmail:       input.FromEmail,
		StartTime:       input.StartTime,
		DelayBetweenMs:  delayMs,
		HourlyLimit:     hourlyLimit,
		TotalRecipients: len(emails),
		Status:          domain.CampaignScheduled,
	}

	if err := s.store.CreateCampaign(ctx, campaign); err != nil {
		return "", fmt.Errorf("creating campaign: %w", err)
	}

	recipients := make([]domain.Recipient, len(emails))
	for i, email := range emails {
		recipients[i] = domain.Recipient{
			ID:         uuid.NewString(),
			CampaignID: campaign.ID,
			Email:      email,
			OrderIndex: i,
			Status:     domain.RecipientPending,
		}
	}

	if err := s.store.BulkCreateRecipients(ctx, recipients); err != nil {
		return "", fmt.Errorf("creating recipients: %w", err)
	}

	base := input.StartTime.Sub(now)
	if base < 0 {
		base = 0
	}

	for i, rec := range recipients {
		delay := base + time.Duration(i)*time.Duration(delayMs)*time.Millisecond
		if _, err := s.queue.Enqueue(ctx, s.taskFor(campaign, rec), delay, ""); err != nil {
			// Campaign stays SCHEDULED; the reconciliation sweep re-enqueues
			// the remaining recipients.
			return campaign.ID, fmt.Errorf("enqueueing recipient %d: %w", i, err)
		}
	}

	if err := s.store.UpdateCampaignStatus(ctx, campaign.ID, domain.CampaignInProgress); err != nil {
		return campaign.ID, fmt.Errorf("advancing campaign to in progress: %w", err)
	}

	s.logger.Info("campaign scheduled",
		"campaign_id", campaign.ID,
		"user_id", input.UserID,
		"recipients", len(recipients),
		"start_time", input.StartTime,
		"delay_between_ms", delayMs,
	)
	return campaign.ID, nil
}

// Reconcile re-enqueues tasks for PENDING recipients of active campaigns and
// advances stuck SCHEDULED campaigns. Task-id collision makes it safe to run
// against campaigns whose tasks already exist, so the sweep can run on a
// timer from every worker process. Reinstate is used rather than Enqueue
// because a PENDING recipient's default id can sit in the completed set — a
// lost throttle-deferral replacement or an exhausted retry budget both leave
// it there — and the sweep must still recover the recipient.
func (s *CampaignScheduler) Reconcile(ctx context.Context) error {
	campaigns, err := s.store.ListActiveCampaigns(ctx)
	if err != nil {
		return fmt.Errorf("listing active campaigns: %w", err)
	}

	now := s.clock.Now()
	for _, c := range campaigns {
		pending, err := s.store.ListPendingRecipients(ctx, c.ID)
		if err != nil {
			return fmt.Errorf("listing pending recipients of %s: %w", c.ID, err)
		}

		for _, rec := range pending {
			due := c.StartTime.Add(time.Duration(rec.OrderIndex) * time.Duration(c.DelayBetweenMs) * time.Millisecond)
			delay := due.Sub(now)
			if delay < 0 {
				delay = 0
			}
			if _, err := s.queue.Reinstate(ctx, s.taskFor(&c, rec), delay); err != nil {
				return fmt.Errorf("re-enqueueing recipient %s: %w", rec.ID, err)
			}
		}

		if c.Status == domain.CampaignScheduled {
			if err := s.store.UpdateCampaignStatus(ctx, c.ID, domain.CampaignInProgress); err != nil {
				return fmt.Errorf("advancing campaign %s: %w", c.ID, err)
			}
			s.logger.Info("reconciled stuck campaign",
				"campaign_id", c.ID,
				"pending_recipients", len(pending),
			)
		}
	}

	return nil
}

func (s *CampaignScheduler) taskFor(c *domain.Campaign, rec domain.Recipient) queue.Task {
	return queue.Task{
		CampaignID:  c.ID,
		RecipientID: rec.ID,
		ToEmail:     rec.Email,
		FromEmail:   c.FromEmail,
		Subject:     c.Subject,
		Body:        c.Body,
		OrderIndex:  rec.OrderIndex,
		UserID:      c.UserID,
		HourlyLimit: c.HourlyLimit,
	}
}

// NormalizeRecipients lower-cases and trims addresses, drops empties and
// deduplicates while preserving first-seen order.
func NormalizeRecipients(raw []string) []string {
	seen := make(map[string]struct{}, len(raw))
	out := make([]string, 0, len(raw))
	for _, addr := range raw {
		email := strings.ToLower(strings.TrimSpace(addr))
		if email == "" {
			continue
		}
		if _, ok := seen[email]; ok {
			continue
		}
		seen[email] = struct{}{}
		out = append(out, email)
	}
	return out
}
