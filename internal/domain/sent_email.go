package domain

import (
	"time"
)

// SentEmail is the audit record written in the same transaction as the
// recipient's terminal status change. Status mirrors the recipient outcome.
type SentEmail struct {
	ID           string    `json:"id"`
	CampaignID   string    `json:"campaign_id"`
	UserID       string    `json:"user_id"`
	ToEmail      string    `json:"to"`
	FromEmail    string    `json:"from"`
	Subject      string    `json:"subject"`
	Body         string    `json:"-"`
	Status       string    `json:"status"`
	MessageID    *string   `json:"message_id,omitempty"`
	ErrorMessage *string   `json:"error_message,omitempty"`
	SentAt       time.Time `json:"sent_at"`
}
