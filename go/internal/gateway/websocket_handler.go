package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/quickpitch/go/internal/rtc"
	"github.com/mcdev12/quickpitch/go/internal/syncerr"
)

// WebSocketHandler handles websocket upgrade requests for room connections.
type WebSocketHandler struct {
	connectionManager *ConnectionManager
}

func NewWebSocketHandler(cm *ConnectionManager) *WebSocketHandler {
	return &WebSocketHandler{
		connectionManager: cm,
	}
}

// HandleRoomConnection handles GET /ws/room?room_id=&client_key=&user_id=
func (h *WebSocketHandler) HandleRoomConnection(w http.ResponseWriter, r *http.Request) {
	req, err := joinRequestFromQuery(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	conn, err := h.connectionManager.Open(r.Context(), req)
	if err != nil {
		log.Error().
			Err(err).
			Str("room_id", req.RoomID).
			Str("client_key", req.ClientKey).
			Msg("failed to join room")
		if errors.Is(err, syncerr.ErrConfiguration) {
			http.Error(w, "failed to join room", http.StatusBadRequest)
			return
		}
		if err := h.connectionManager.Reject(w, r, req.RoomID, err); err != nil {
			log.Warn().Err(err).Str("room_id", req.RoomID).Msg("failed to report join error")
		}
		return
	}

	if err := h.connectionManager.Attach(w, r, conn); err != nil {
		// The upgrader has already replied to the client.
		log.Error().
			Err(err).
			Str("room_id", req.RoomID).
			Str("client_key", req.ClientKey).
			Msg("failed to upgrade WebSocket connection")
	}
}

// joinRequestFromQuery reads the join parameters. A missing client_key gets a
// fresh one so reconnecting tabs never share a presence document.
func joinRequestFromQuery(r *http.Request) (JoinRequest, error) {
	q := r.URL.Query()
	req := JoinRequest{
		RoomID:      q.Get("room_id"),
		ClientKey:   q.Get("client_key"),
		DisplayName: q.Get("name"),
		Tracks: rtc.LocalTracks{
			Audio: boolParam(q.Get("audio"), true),
			Video: boolParam(q.Get("video"), true),
		},
	}
	if req.RoomID == "" {
		return JoinRequest{}, errors.New("room_id is required")
	}
	if req.ClientKey == "" {
		req.ClientKey = uuid.New().String()
	}
	if userID := q.Get("user_id"); userID != "" {
		req.UserID = &userID
	}
	return req, nil
}

func boolParam(raw string, fallback bool) bool {
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return fallback
	}
	return v
}

// HandleConnectionStats handles GET /ws/stats
func (h *WebSocketHandler) HandleConnectionStats(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(h.connectionManager.GetConnectionStats()); err != nil {
		log.Error().Err(err).Msg("failed to encode connection stats")
	}
}

func (h *WebSocketHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /ws/room", h.HandleRoomConnection)
	mux.HandleFunc("GET /ws/stats", h.HandleConnectionStats)
}
