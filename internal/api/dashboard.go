package api

import (
	"net/http"

	"github.com/Devika21/email-campaign-scheduler/internal/queue"
	"github.com/Devika21/email-campaign-scheduler/internal/store"
	ws "github.com/Devika21/email-campaign-scheduler/internal/websocket"
)

type MetricsHandler struct {
	store *store.Postgres
	queue *queue.Queue
	hub   *ws.Hub
}

func NewMetricsHandler(s *store.Postgres, q *queue.Queue, hub *ws.Hub) *MetricsHandler {
	return &MetricsHandler{store: s, queue: q, hub: hub}
}

// Metrics returns aggregated system metrics for the dashboard.
func (h *MetricsHandler) Metrics(w http.ResponseWriter, r *http.Request) {
	metrics, err := h.store.GetCampaignMetrics(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to get metrics")
		return
	}

	queueDepth, err := h.queue.Depth(r.Context())
	if err != nil {
		queueDepth = 0
	}

	type metricsResponse struct {
		store.CampaignMetrics
		QueueDepth       int64 `json:"queue_depth"`
		WebSocketClients int   `json:"websocket_clients"`
	}

	respondJSON(w, http.StatusOK, metricsResponse{
		CampaignMetrics:  *metrics,
		QueueDepth:       queueDepth,
		WebSocketClients: h.hub.ClientCount(),
	})
}
