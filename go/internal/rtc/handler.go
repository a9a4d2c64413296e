package rtc

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/mcdev12/quickpitch/go/internal/syncerr"
)

// TokenHandler issues call tokens over HTTP.
type TokenHandler struct {
	issuer *TokenIssuer
}

func NewTokenHandler(issuer *TokenIssuer) *TokenHandler {
	return &TokenHandler{issuer: issuer}
}

type tokenRequest struct {
	ChannelName string `json:"channelName"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// HandleToken handles POST /api/rtc/token
func (h *TokenHandler) HandleToken(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<12)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}

	token, err := h.issuer.Issue(req.ChannelName)
	switch {
	case errors.Is(err, ErrChannelRequired):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "Channel name is required"})
	case errors.Is(err, syncerr.ErrConfiguration):
		log.Error().Err(err).Msg("call tokens are not configured")
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "Server configuration error"})
	case err != nil:
		log.Error().Err(err).Str("channel", req.ChannelName).Msg("failed to generate call token")
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "Failed to generate token"})
	default:
		writeJSON(w, http.StatusOK, token)
	}
}

func (h *TokenHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/rtc/token", h.HandleToken)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode response")
	}
}
