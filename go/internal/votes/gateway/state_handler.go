package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/mcdev12/livevote/go/internal/models"
	"github.com/mcdev12/livevote/go/internal/votes/table"
)

// SnapshotProvider reads the current table of a room
type SnapshotProvider interface {
	Snapshot(ctx context.Context, room string) (models.VoteTable, error)
}

// RoomVotesResponse is the read-only view of a room
type RoomVotesResponse struct {
	Room  string           `json:"room"`
	Votes models.VoteTable `json:"votes"`
	Order []string         `json:"order"`
}

// StateHandler handles HTTP requests for room state
type StateHandler struct {
	provider SnapshotProvider
}

// NewStateHandler creates a new state handler
func NewStateHandler(provider SnapshotProvider) *StateHandler {
	return &StateHandler{provider: provider}
}

// HandleGetRoomVotes handles GET /api/rooms/{room}/votes
func (h *StateHandler) HandleGetRoomVotes(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	room := extractRoomFromPath(r.URL.Path)
	if room == "" {
		http.NotFound(w, r)
		return
	}
	if !table.ValidRoom(room) {
		http.Error(w, "Invalid room", http.StatusBadRequest)
		return
	}

	votes, err := h.provider.Snapshot(r.Context(), room)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		log.Error().Err(err).Str("room", room).Msg("failed to get room votes")
		http.Error(w, "Failed to get room votes", http.StatusInternalServerError)
		return
	}

	resp := RoomVotesResponse{Room: room, Votes: votes, Order: make([]string, 0, len(votes))}
	for _, key := range votes.Keys() {
		resp.Order = append(resp.Order, string(key))
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		log.Error().Err(err).Msg("failed to encode room votes response")
	}
}

// RegisterStateRoutes registers state-related HTTP routes
func (h *StateHandler) RegisterStateRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/api/rooms/", h.HandleGetRoomVotes)
}

// extractRoomFromPath extracts the room from a path like /api/rooms/{room}/votes
func extractRoomFromPath(path string) string {
	const prefix = "/api/rooms/"
	const suffix = "/votes"

	if !strings.HasPrefix(path, prefix) || !strings.HasSuffix(path, suffix) {
		return ""
	}
	if len(path) <= len(prefix)+len(suffix) {
		return ""
	}
	return path[len(prefix) : len(path)-len(suffix)]
}
