package store

import (
	"context"
	"fmt"
)

// CampaignMetrics holds aggregated send statistics for the dashboard.
type CampaignMetrics struct {
	TotalCampaigns  int     `json:"total_campaigns"`
	ActiveCampaigns int     `json:"active_campaigns"`
	TotalSends      int     `json:"total_sends"`
	SentCount       int     `json:"sent_count"`
	FailedCount     int     `json:"failed_count"`
	SuccessRate     float64 `json:"success_rate"`
	PendingCount    int     `json:"pending_count"`
}

// GetCampaignMetrics returns aggregated send statistics from the database.
func (s *Postgres) GetCampaignMetrics(ctx context.Context) (*CampaignMetrics, error) {
	var m CampaignMetrics

	err := s.pool.QueryRow(ctx, `
		SELECT
			COUNT(*) AS total,
			COUNT(*) FILTER (WHERE status IN ('SCHEDULED', 'IN_PROGRESS')) AS active
		FROM email_campaigns
	`).Scan(&m.TotalCampaigns, &m.ActiveCampaigns)
	if err != nil {
		return nil, fmt.Errorf("querying campaign counts: %w", err)
	}

	err = s.pool.QueryRow(ctx, `
		SELECT
			COUNT(*) AS total,
			COUNT(*) FILTER (WHERE status = 'SENT') AS sent,
			COUNT(*) FILTER (WHERE status = 'FAILED') AS failed
		FROM sent_emails
	`).Scan(&m.TotalSends, &m.SentCount, &m.FailedCount)
	if err != nil {
		return nil, fmt.Errorf("querying send counts: %w", err)
	}

	if m.TotalSends > 0 {
		m.SuccessRate = float64(m.SentCount) / float64(m.TotalSends) * 100
	}

	err = s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM campaign_recipients WHERE status = 'PENDING'
	`).Scan(&m.PendingCount)
	if err != nil {
		return nil, fmt.Errorf("querying pending recipients: %w", err)
	}

	return &m, nil
}
