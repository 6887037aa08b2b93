package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/Devika21/email-campaign-scheduler/internal/domain"
)

// CreateCampaign inserts a new campaign and fills in its timestamps.
func (s *Postgres) CreateCampaign(ctx context.Context, c *domain.Campaign) error {
	err := s.pool.QueryRow(ctx, `
		INSERT INTO email_campaigns
			(id, user_id, subject, body, from_email, start_time, delay_between_ms, hourly_limit, total_recipients, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING created_at, updated_at
	`, c.ID, c.UserID, c.Subject, c.Body, c.FromEmail, c.StartTime,
		c.DelayBetweenMs, c.HourlyLimit, c.TotalRecipients, c.Status,
	).Scan(&c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("inserting campaign: %w", err)
	}
	return nil
}

// BulkCreateRecipients inserts the campaign's deduplicated recipient list in
// one CopyFrom round trip.
func (s *Postgres) BulkCreateRecipients(ctx context.Context, recipients []domain.Recipient) error {
	rows := make([][]interface{}, len(recipients))
	for i, r := range recipients {
		rows[i] = []interface{}{r.ID, r.CampaignID, r.Email, r.OrderIndex, r.Status}
	}

	_, err := s.pool.CopyFrom(ctx,
		pgx.Identifier{"campaign_recipients"},
		[]string{"id", "campaign_id", "email", "order_index", "status"},
		pgx.CopyFromRows(rows),
	)
	if err != nil {
		return fmt.Errorf("bulk inserting recipients: %w", err)
	}
	return nil
}

// UpdateCampaignStatus transitions a campaign's status.
func (s *Postgres) UpdateCampaignStatus(ctx context.Context, campaignID, status string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE email_campaigns SET status = $2, updated_at = NOW() WHERE id = $1
	`, campaignID, status)
	if err != nil {
		return fmt.Errorf("updating campaign status: %w", err)
	}
	return nil
}

// GetRecipient returns a recipient by id, or nil when it does not exist.
func (s *Postgres) GetRecipient(ctx context.Context, id string) (*domain.Recipient, error) {
	var r domain.Recipient
	err := s.pool.QueryRow(ctx, `
		SELECT id, campaign_id, email, order_index, status, sent_at, created_at
		FROM campaign_recipients WHERE id = $1
	`, id).Scan(&r.ID, &r.CampaignID, &r.Email, &r.OrderIndex, &r.Status, &r.SentAt, &r.CreatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("querying recipient: %w", err)
	}
	return &r, nil
}

// OutcomeRecord is one terminal send outcome: the recipient's new status plus
// the audit row written alongside it.
type OutcomeRecord struct {
	CampaignID   string
	RecipientID  string
	UserID       string
	ToEmail      string
	FromEmail    string
	Subject      string
	Body         string
	Status       string
	MessageID    string
	ErrorMessage string
	SentAt       time.Time
}

// CommitOutcome applies a terminal outcome as one transaction: flip the
// recipient out of PENDING, insert the sent_emails audit row and bump the
// campaign's processed counter. The recipient update is conditional on
// status = PENDING; zero affected rows means another worker finalized this
// recipient first, and the whole commit becomes a no-op.
func (s *Postgres) CommitOutcome(ctx context.Context, rec OutcomeRecord) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var sentAt *time.Time
	if rec.Status == domain.RecipientSent {
		sentAt = &rec.SentAt
	}

	tag, err := tx.Exec(ctx, `
		UPDATE campaign_recipients SET status = $2, sent_at = $3
		WHERE id = $1 AND status = 'PENDING'
	`, rec.RecipientID, rec.Status, sentAt)
	if err != nil {
		return fmt.Errorf("updating recipient status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Already terminal — lose the race quietly, write nothing.
		return nil
	}

	var msgID, errMsg *string
	if rec.MessageID != "" {
		msgID = &rec.MessageID
	}
	if rec.ErrorMessage != "" {
		errMsg = &rec.ErrorMessage
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO sent_emails
			(id, campaign_id, user_id, to_email, from_email, subject, body, status, message_id, error_message, sent_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, uuid.NewString(), rec.CampaignID, rec.UserID, rec.ToEmail, rec.FromEmail,
		rec.Subject, rec.Body, rec.Status, msgID, errMsg, rec.SentAt)
	if err != nil {
		return fmt.Errorf("inserting sent email record: %w", err)
	}

	_, err = tx.Exec(ctx, `
		UPDATE email_campaigns SET processed_count = processed_count + 1, updated_at = NOW()
		WHERE id = $1
	`, rec.CampaignID)
	if err != nil {
		return fmt.Errorf("incrementing processed count: %w", err)
	}

	_, err = tx.Exec(ctx, `
		UPDATE email_campaigns SET status = 'COMPLETED', updated_at = NOW()
		WHERE id = $1 AND status = 'IN_PROGRESS' AND processed_count >= total_recipients
	`, rec.CampaignID)
	if err != nil {
		return fmt.Errorf("completing campaign: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing outcome: %w", err)
	}
	return nil
}

// ListActiveCampaigns returns campaigns that may still have sends in flight.
func (s *Postgres) ListActiveCampaigns(ctx context.Context) ([]domain.Campaign, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, user_id, subject, body, from_email, start_time, delay_between_ms,
		       hourly_limit, total_recipients, processed_count, status, created_at, updated_at
		FROM email_campaigns
		WHERE status IN ('SCHEDULED', 'IN_PROGRESS')
		ORDER BY start_time ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("querying active campaigns: %w", err)
	}
	defer rows.Close()

	return scanCampaigns(rows)
}

// ListPendingRecipients returns a campaign's PENDING recipients in send order.
func (s *Postgres) ListPendingRecipients(ctx context.Context, campaignID string) ([]domain.Recipient, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, campaign_id, email, order_index, status, sent_at, created_at
		FROM campaign_recipients
		WHERE campaign_id = $1 AND status = 'PENDING'
		ORDER BY order_index ASC
	`, campaignID)
	if err != nil {
		return nil, fmt.Errorf("querying pending recipients: %w", err)
	}
	defer rows.Close()

	return scanRecipients(rows)
}

// ListCampaignsByUser returns all of a user's campaigns, newest first.
func (s *Postgres) ListCampaignsByUser(ctx context.Context, userID string) ([]domain.Campaign, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, user_id, subject, body, from_email, start_time, delay_between_ms,
		       hourly_limit, total_recipients, processed_count, status, created_at, updated_at
		FROM email_campaigns
		WHERE user_id = $1
		ORDER BY created_at DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("querying campaigns: %w", err)
	}
	defer rows.Close()

	return scanCampaigns(rows)
}

// GetCampaignDetail returns a campaign with its full recipient list, scoped
// to the owning user. Nil when not found.
func (s *Postgres) GetCampaignDetail(ctx context.Context, campaignID, userID string) (*domain.CampaignDetail, error) {
	var c domain.Campaign
	err := s.pool.QueryRow(ctx, `
		SELECT id, user_id, subject, body, from_email, start_time, delay_between_ms,
		       hourly_limit, total_recipients, processed_count, status, created_at, updated_at
		FROM email_campaigns
		WHERE id = $1 AND user_id = $2
	`, campaignID, userID).Scan(
		&c.ID, &c.UserID, &c.Subject, &c.Body, &c.FromEmail, &c.StartTime,
		&c.DelayBetweenMs, &c.HourlyLimit, &c.TotalRecipients, &c.ProcessedCount,
		&c.Status, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("querying campaign: %w", err)
	}

	rows, err := s.pool.Query(ctx, `
		SELECT id, campaign_id, email, order_index, status, sent_at, created_at
		FROM campaign_recipients
		WHERE campaign_id = $1
		ORDER BY order_index ASC
	`, campaignID)
	if err != nil {
		return nil, fmt.Errorf("querying campaign recipients: %w", err)
	}
	defer rows.Close()

	recipients, err := scanRecipients(rows)
	if err != nil {
		return nil, err
	}

	return &domain.CampaignDetail{Campaign: c, Recipients: recipients}, nil
}

// ListScheduled projects a user's pending sends with their computed scheduled
// time. The time is derived from the campaign's stored start time and delay
// (start + order_index*delay), never from the wall clock at read time.
func (s *Postgres) ListScheduled(ctx context.Context, userID string) ([]domain.ScheduledSend, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT r.id, r.campaign_id, r.email, r.order_index,
		       c.subject, c.start_time, c.delay_between_ms, c.status
		FROM campaign_recipients r
		JOIN email_campaigns c ON c.id = r.campaign_id
		WHERE c.user_id = $1
		  AND c.status IN ('SCHEDULED', 'IN_PROGRESS')
		  AND r.status = 'PENDING'
		ORDER BY c.start_time ASC, r.order_index ASC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("querying scheduled sends: %w", err)
	}
	defer rows.Close()

	sends := []domain.ScheduledSend{}
	for rows.Next() {
		var (
			send           domain.ScheduledSend
			orderIndex     int
			startTime      time.Time
			delayMs        int
			campaignStatus string
		)
		err := rows.Scan(&send.RecipientID, &send.CampaignID, &send.To, &orderIndex,
			&send.Subject, &startTime, &delayMs, &campaignStatus)
		if err != nil {
			return nil, fmt.Errorf("scanning scheduled send: %w", err)
		}

		send.ScheduledTime = startTime.Add(time.Duration(orderIndex) * time.Duration(delayMs) * time.Millisecond)
		if campaignStatus == domain.CampaignInProgress {
			send.Status = "pending"
		} else {
			send.Status = "scheduled"
		}
		sends = append(sends, send)
	}

	return sends, nil
}

// ListSent returns a user's sent-email audit records, newest first.
func (s *Postgres) ListSent(ctx context.Context, userID string, limit int) ([]domain.SentEmail, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.pool.Query(ctx, `
		SELECT id, campaign_id, user_id, to_email, from_email, subject, status, message_id, error_message, sent_at
		FROM sent_emails
		WHERE user_id = $1
		ORDER BY sent_at DESC
		LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying sent emails: %w", err)
	}
	defer rows.Close()

	emails := []domain.SentEmail{}
	for rows.Next() {
		var e domain.SentEmail
		err := rows.Scan(&e.ID, &e.CampaignID, &e.UserID, &e.ToEmail, &e.FromEmail,
			&e.Subject, &e.Status, &e.MessageID, &e.ErrorMessage, &e.SentAt)
		if err != nil {
			return nil, fmt.Errorf("scanning sent email: %w", err)
		}
		emails = append(emails, e)
	}

	return emails, nil
}

func scanCampaigns(rows pgx.Rows) ([]domain.Campaign, error) {
	campaigns := []domain.Campaign{}
	for rows.Next() {
		var c domain.Campaign
		err := rows.Scan(
			&c.ID, &c.UserID, &c.Subject, &c.Body, &c.FromEmail, &c.StartTime,
			&c.DelayBetweenMs, &c.HourlyLimit, &c.TotalRecipients, &c.ProcessedCount,
			&c.Status, &c.CreatedAt, &c.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scanning campaign: %w", err)
		}
		campaigns = append(campaigns, c)
	}
	return campaigns, nil
}

func scanRecipients(rows pgx.Rows) ([]domain.Recipient, error) {
	recipients := []domain.Recipient{}
	for rows.Next() {
		var r domain.Recipient
		err := rows.Scan(&r.ID, &r.CampaignID, &r.Email, &r.OrderIndex, &r.Status, &r.SentAt, &r.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("scanning recipient: %w", err)
		}
		recipients = append(recipients, r)
	}
	return recipients, nil
}
