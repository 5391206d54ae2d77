package token

import (
	"encoding/json"
	"log/slog"
	"net/http"
)

// Handler serves GET /api/token?roomName=&participantName=.
// A nil issuer means credentials are not configured.
type Handler struct {
	Issuer *Issuer
}

func (h Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	room := q.Get("roomName")
	if room == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Missing roomName parameter"})
		return
	}
	identity := q.Get("participantName")
	if identity == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Missing participantName parameter"})
		return
	}
	if h.Issuer == nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "Server configuration error: missing room credentials"})
		return
	}

	tok, err := h.Issuer.Issue(room, identity)
	if err != nil {
		slog.Error("generate token", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "Failed to generate token"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"token": tok})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
