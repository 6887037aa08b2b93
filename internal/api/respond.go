package api

import (
	"encoding/json"
	"net/http"
)

func respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

// userID extracts the caller identity injected by the upstream auth gateway.
// Authentication itself is outside this service.
func userID(r *http.Request) string {
	return r.Header.Get("X-User-ID")
}
