package slides

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/quickpitch/go/internal/models"
)

// Handler serves the deck over HTTP.
type Handler struct {
	app *App
}

func NewHandler(app *App) *Handler {
	return &Handler{app: app}
}

type uploadRequest struct {
	ImageURL string `json:"image_url"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// HandleList handles GET /api/slides
func (h *Handler) HandleList(w http.ResponseWriter, r *http.Request) {
	deck, err := h.app.ListImages(r.Context())
	if err != nil {
		log.Error().Err(err).Msg("failed to list slides")
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "Failed to fetch images"})
		return
	}
	if deck == nil {
		deck = []models.Slide{}
	}
	writeJSON(w, http.StatusOK, deck)
}

// HandleUpload handles POST /api/slides
func (h *Handler) HandleUpload(w http.ResponseWriter, r *http.Request) {
	var req uploadRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}

	slide, err := h.app.UploadImage(r.Context(), req.ImageURL)
	if errors.Is(err, ErrInvalidImageURL) {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	if err != nil {
		log.Error().Err(err).Msg("failed to upload slide")
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "Failed to upload image"})
		return
	}
	writeJSON(w, http.StatusCreated, slide)
}

// HandleDelete handles DELETE /api/slides/{id}
func (h *Handler) HandleDelete(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid slide id"})
		return
	}

	err = h.app.DeleteImage(r.Context(), id)
	if errors.Is(err, ErrNotFound) {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: err.Error()})
		return
	}
	if err != nil {
		log.Error().Err(err).Str("slide_id", id.String()).Msg("failed to delete slide")
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "Failed to delete image"})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/slides", h.HandleList)
	mux.HandleFunc("POST /api/slides", h.HandleUpload)
	mux.HandleFunc("DELETE /api/slides/{id}", h.HandleDelete)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode response")
	}
}
