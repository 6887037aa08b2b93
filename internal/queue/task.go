package queue

// Task is a single scheduled email send queued in Redis. Subject, body and
// addresses are snapshotted at enqueue time, not re-read from the campaign
// later.
type Task struct {
	ID          string `json:"id"`
	CampaignID  string `json:"campaign_id"`
	RecipientID string `json:"recipient_id"`
	ToEmail     string `json:"to_email"`
	FromEmail   string `json:"from_email"`
	Subject     string `json:"subject"`
	Body        string `json:"body"`
	OrderIndex  int    `json:"order_index"`
	UserID      string `json:"user_id"`
	HourlyLimit int    `json:"hourly_limit"`
	Attempt     int    `json:"attempt"`
}

// DefaultID is the deterministic task identity. A second enqueue for the same
// recipient collides on this id unless the caller supplies an override.
func (t Task) DefaultID() string {
	return t.CampaignID + "-" + t.RecipientID
}
