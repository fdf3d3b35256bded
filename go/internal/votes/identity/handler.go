package identity

import (
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog/log"
)

// Handler exposes anonymous sign-in over HTTP.
type Handler struct {
	issuer *Issuer
}

// NewHandler creates a new sign-in handler
func NewHandler(issuer *Issuer) *Handler {
	return &Handler{issuer: issuer}
}

// HandleSignInAnonymously handles POST /api/auth/anonymous
func (h *Handler) HandleSignInAnonymously(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	grant, err := h.issuer.IssueAnonymous()
	if err != nil {
		log.Error().Err(err).Msg("failed to issue anonymous identity")
		http.Error(w, "Failed to sign in", http.StatusInternalServerError)
		return
	}

	log.Info().
		Str("participant_id", string(grant.ParticipantID)).
		Time("expires_at", grant.ExpiresAt).
		Msg("issued anonymous identity")

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(grant); err != nil {
		log.Error().Err(err).Msg("failed to encode sign-in response")
	}
}

// RegisterRoutes registers identity routes with an HTTP mux
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/api/auth/anonymous", h.HandleSignInAnonymously)
}
