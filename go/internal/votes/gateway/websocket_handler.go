package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/mcdev12/livevote/go/internal/models"
	"github.com/mcdev12/livevote/go/internal/votes/table"
)

// TokenVerifier resolves a session token to the participant it was issued to.
type TokenVerifier interface {
	Verify(token string) (models.ParticipantID, error)
}

// WebSocketHandler handles WebSocket upgrade requests for vote rooms
type WebSocketHandler struct {
	connectionManager *ConnectionManager
	verifier          TokenVerifier
}

// NewWebSocketHandler creates a new WebSocket handler
func NewWebSocketHandler(cm *ConnectionManager, verifier TokenVerifier) *WebSocketHandler {
	return &WebSocketHandler{
		connectionManager: cm,
		verifier:          verifier,
	}
}

// HandleVoteConnection handles GET /ws/votes?room=&token=
func (h *WebSocketHandler) HandleVoteConnection(w http.ResponseWriter, r *http.Request) {
	room := r.URL.Query().Get("room")
	if room == "" {
		room = table.DefaultRoom
	}
	if !table.ValidRoom(room) {
		http.Error(w, "invalid room", http.StatusBadRequest)
		return
	}

	token := bearerToken(r)
	if token == "" {
		http.Error(w, "token is required", http.StatusUnauthorized)
		return
	}
	participantID, err := h.verifier.Verify(token)
	if err != nil {
		log.Warn().Err(err).Str("room", room).Msg("rejected websocket connection with invalid token")
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	if err := h.connectionManager.UpgradeConnection(w, r, participantID, room); err != nil {
		if errors.Is(err, ErrAlreadyConnected) {
			http.Error(w, "participant already connected", http.StatusConflict)
			return
		}
		// The upgrader has already written an HTTP error to the client.
		log.Error().
			Err(err).
			Str("room", room).
			Str("participant_id", string(participantID)).
			Msg("failed to upgrade WebSocket connection")
		return
	}
}

// HandleConnectionStats returns statistics about active connections
func (h *WebSocketHandler) HandleConnectionStats(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(h.connectionManager.GetConnectionStats()); err != nil {
		log.Error().Err(err).Msg("failed to encode connection stats")
	}
}

// RegisterRoutes registers WebSocket routes with an HTTP mux
func (h *WebSocketHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/ws/votes", h.HandleVoteConnection)
	mux.HandleFunc("/ws/stats", h.HandleConnectionStats)
}

// bearerToken reads the session token from the Authorization header, falling
// back to the token query parameter for clients that cannot set headers.
func bearerToken(r *http.Request) string {
	if header := r.Header.Get("Authorization"); header != "" {
		if token, ok := strings.CutPrefix(header, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
	}
	return r.URL.Query().Get("token")
}
