package analysis

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/rs/zerolog/log"

	"github.com/mcdev12/quickpitch/go/internal/models"
	"github.com/mcdev12/quickpitch/go/internal/syncerr"
)

// Handler serves slide analyses over HTTP.
type Handler struct {
	app *App
}

func NewHandler(app *App) *Handler {
	return &Handler{app: app}
}

type analyzeRequest struct {
	ImageURLs []string `json:"imageUrls"`
	UserID    string   `json:"userId"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// HandleAnalyze handles POST /api/analyses
func (h *Handler) HandleAnalyze(w http.ResponseWriter, r *http.Request) {
	var req analyzeRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}

	result, err := h.app.Analyze(r.Context(), req.UserID, req.ImageURLs)
	switch {
	case errors.Is(err, ErrNoImages):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: ErrNoImages.Error()})
		return
	case errors.Is(err, syncerr.ErrConfiguration):
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: h.app.ConfigStatus().Error})
		return
	case err != nil:
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// HandleHistory handles GET /api/analyses?user_id=
func (h *Handler) HandleHistory(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "user_id is required"})
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	history, err := h.app.History(r.Context(), userID, limit)
	if err != nil {
		log.Error().Err(err).Str("user_id", userID).Msg("failed to list analyses")
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "Failed to fetch analyses"})
		return
	}
	if history == nil {
		history = []models.Analysis{}
	}
	writeJSON(w, http.StatusOK, history)
}

// HandleConfig handles GET /api/analyses/config
func (h *Handler) HandleConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.app.ConfigStatus())
}

func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/analyses", h.HandleAnalyze)
	mux.HandleFunc("GET /api/analyses", h.HandleHistory)
	mux.HandleFunc("GET /api/analyses/config", h.HandleConfig)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode response")
	}
}
