package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/Devika21/email-campaign-scheduler/internal/engine"
	"github.com/Devika21/email-campaign-scheduler/internal/queue"
	"github.com/Devika21/email-campaign-scheduler/internal/store"
	ws "github.com/Devika21/email-campaign-scheduler/internal/websocket"
)

// NewRouter creates and configures the HTTP router.
func NewRouter(pg *store.Postgres, scheduler *engine.CampaignScheduler, q *queue.Queue, hub *ws.Hub) http.Handler {
	r := chi.NewRouter()

	// Middleware stack
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Heartbeat("/ping"))

	// CORS for dashboard
	r.Use(corsMiddleware)

	campaignHandler := NewCampaignHandler(pg, scheduler)
	metricsHandler := NewMetricsHandler(pg, q, hub)

	// WebSocket endpoint for live send events
	r.Get("/ws", hub.HandleWebSocket)

	// API routes
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", HealthHandler())

		r.Route("/campaigns", func(r chi.Router) {
			r.Post("/", campaignHandler.Schedule)
			r.Get("/", campaignHandler.List)
			r.Get("/{id}", campaignHandler.Get)
		})

		r.Get("/scheduled", campaignHandler.Scheduled)
		r.Get("/sent", campaignHandler.Sent)
		r.Get("/metrics", metricsHandler.Metrics)
	})

	return r
}

// corsMiddleware adds CORS headers for dashboard development.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-User-ID")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
