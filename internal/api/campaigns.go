package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/Devika21/email-campaign-scheduler/internal/domain"
	"github.com/Devika21/email-campaign-scheduler/internal/engine"
	"github.com/Devika21/email-campaign-scheduler/internal/store"
)

type CampaignHandler struct {
	store     *store.Postgres
	scheduler *engine.CampaignScheduler
}

func NewCampaignHandler(s *store.Postgres, scheduler *engine.CampaignScheduler) *CampaignHandler {
	return &CampaignHandler{store: s, scheduler: scheduler}
}

// Schedule accepts a campaign submission and enqueues its delivery tasks.
func (h *CampaignHandler) Schedule(w http.ResponseWriter, r *http.Request) {
	uid := userID(r)
	if uid == "" {
		respondError(w, http.StatusUnauthorized, "missing user identity")
		return
	}

	var req domain.ScheduleCampaignRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if req.Subject == "" || req.Body == "" || req.FromEmail == "" {
		respondError(w, http.StatusBadRequest, "subject, body and from_email are required")
		return
	}
	if len(req.Recipients) == 0 {
		respondError(w, http.StatusBadRequest, "at least one recipient is required")
		return
	}

	startTime, err := time.Parse(time.RFC3339, req.StartTime)
	if err != nil {
		respondError(w, http.StatusBadRequest, "start_time must be RFC 3339")
		return
	}

	input := engine.ScheduleInput{
		UserID:     uid,
		Subject:    req.Subject,
		Body:       req.Body,
		FromEmail:  req.FromEmail,
		Recipients: req.Recipients,
		StartTime:  startTime,
	}
	if req.DelayBetweenMs != nil {
		input.DelayBetweenMs = *req.DelayBetweenMs
	}
	if req.HourlyLimit != nil {
		input.HourlyLimit = *req.HourlyLimit
	}

	campaignID, err := h.scheduler.Schedule(r.Context(), input)
	if err != nil {
		if errors.Is(err, engine.ErrNoValidRecipients) {
			respondError(w, http.StatusBadRequest, "no valid recipients")
			return
		}
		respondError(w, http.StatusInternalServerError, "failed to schedule campaign")
		return
	}

	respondJSON(w, http.StatusCreated, domain.ScheduleCampaignResponse{CampaignID: campaignID})
}

// List returns the caller's campaigns.
func (h *CampaignHandler) List(w http.ResponseWriter, r *http.Request) {
	uid := userID(r)
	if uid == "" {
		respondError(w, http.StatusUnauthorized, "missing user identity")
		return
	}

	campaigns, err := h.store.ListCampaignsByUser(r.Context(), uid)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to list campaigns")
		return
	}

	respondJSON(w, http.StatusOK, campaigns)
}

// Get returns one campaign with its recipient list.
func (h *CampaignHandler) Get(w http.ResponseWriter, r *http.Request) {
	uid := userID(r)
	if uid == "" {
		respondError(w, http.StatusUnauthorized, "missing user identity")
		return
	}

	detail, err := h.store.GetCampaignDetail(r.Context(), chi.URLParam(r, "id"), uid)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to get campaign")
		return
	}
	if detail == nil {
		respondError(w, http.StatusNotFound, "campaign not found")
		return
	}

	respondJSON(w, http.StatusOK, detail)
}

// Scheduled returns the caller's pending sends with their derived scheduled
// times.
func (h *CampaignHandler) Scheduled(w http.ResponseWriter, r *http.Request) {
	uid := userID(r)
	if uid == "" {
		respondError(w, http.StatusUnauthorized, "missing user identity")
		return
	}

	sends, err := h.store.ListScheduled(r.Context(), uid)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to list scheduled sends")
		return
	}

	respondJSON(w, http.StatusOK, sends)
}

// Sent returns the caller's sent-email audit records.
func (h *CampaignHandler) Sent(w http.ResponseWriter, r *http.Request) {
	uid := userID(r)
	if uid == "" {
		respondError(w, http.StatusUnauthorized, "missing user identity")
		return
	}

	limit := 100
	if s := r.URL.Query().Get("limit"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n > 0 {
			limit = n
		}
	}

	sent, err := h.store.ListSent(r.Context(), uid, limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to list sent emails")
		return
	}

	respondJSON(w, http.StatusOK, sent)
}
