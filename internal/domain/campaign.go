package domain

import (
	"time"
)

// Campaign statuses. Transitions are one-way:
// SCHEDULED -> IN_PROGRESS -> COMPLETED | FAILED.
const (
	CampaignScheduled  = "SCHEDULED"
	CampaignInProgress = "IN_PROGRESS"
	CampaignCompleted  = "COMPLETED"
	CampaignFailed     = "FAILED"
)

// Campaign is a single bulk-send request: one subject/body/sender and many
// recipients. Immutable after creation except Status and ProcessedCount.
type Campaign struct {
	ID              string    `json:"id"`
	UserID          string    `json:"user_id"`
	Subject         string    `json:"subject"`
	Body            string    `json:"body"`
	FromEmail       string    `json:"from_email"`
	StartTime       time.Time `json:"start_time"`
	DelayBetweenMs  int       `json:"delay_between_ms"`
	HourlyLimit     int       `json:"hourly_limit"`
	TotalRecipients int       `json:"total_recipients"`
	ProcessedCount  int       `json:"processed_count"`
	Status          string    `json:"status"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

type ScheduleCampaignRequest struct {
	Subject        string   `json:"subject"`
	Body           string   `json:"body"`
	FromEmail      string   `json:"from_email"`
	Recipients     []string `json:"recipients"`
	StartTime      string   `json:"start_time"`
	DelayBetweenMs *int     `json:"delay_between_ms,omitempty"`
	HourlyLimit    *int     `json:"hourly_limit,omitempty"`
}

type ScheduleCampaignResponse struct {
	CampaignID string `json:"campaign_id"`
}

// CampaignDetail is a campaign plus its full recipient list, ordered by
// order index.
type CampaignDetail struct {
	Campaign
	Recipients []Recipient `json:"recipients"`
}
