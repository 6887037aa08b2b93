package domain

import (
	"time"
)

// Recipient statuses. PENDING is the only non-terminal state; a recipient is
// never revisited once SENT or FAILED. This is the idempotency anchor for
// task re-execution.
const (
	RecipientPending = "PENDING"
	RecipientSent    = "SENT"
	RecipientFailed  = "FAILED"
)

// Recipient is one deduplicated address within a campaign. OrderIndex is the
// 0-based position in the normalized recipient list and defines the send
// sequence.
type Recipient struct {
	ID         string     `json:"id"`
	CampaignID string     `json:"campaign_id"`
	Email      string     `json:"email"`
	OrderIndex int        `json:"order_index"`
	Status     string     `json:"status"`
	SentAt     *time.Time `json:"sent_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

// ScheduledSend is the read projection for pending sends. ScheduledTime is
// derived from the campaign's stored start time and delay, never from the
// wall clock at query time.
type ScheduledSend struct {
	RecipientID   string    `json:"recipient_id"`
	CampaignID    string    `json:"campaign_id"`
	To            string    `json:"to"`
	Subject       string    `json:"subject"`
	ScheduledTime time.Time `json:"scheduled_time"`
	Status        string    `json:"status"`
}
