package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/quickpitch/go/internal/models"
	"github.com/mcdev12/quickpitch/go/internal/presence"
	"github.com/mcdev12/quickpitch/go/internal/presentation"
	"github.com/mcdev12/quickpitch/go/internal/room"
	"github.com/mcdev12/quickpitch/go/internal/roomtimer"
)

// StateProvider reads room state without joining the room.
type StateProvider interface {
	GetRoomState(ctx context.Context, roomID string) (*RoomStateResponse, error)
	GetActiveRooms(ctx context.Context) ([]RoomSummary, error)
}

// RoomStateResponse is what a late joiner or a dashboard sees for a room.
type RoomStateResponse struct {
	RoomID       string             `json:"room_id"`
	Participants int                `json:"participants"`
	Presentation presentation.State `json:"presentation"`
	ActiveSlide  *models.Slide      `json:"active_slide,omitempty"`
	Timer        roomtimer.Status   `json:"timer"`
}

type RoomSummary struct {
	RoomID           string `json:"room_id"`
	LocalSessions    int    `json:"local_sessions"`
	PresentationOn   bool   `json:"presentation_active"`
	TimerPhase       string `json:"timer_phase"`
	RemainingSeconds int    `json:"remaining_seconds"`
}

// RoomStateProvider derives room state from the presence medium and the
// timer store.
type RoomStateProvider struct {
	deps     room.Deps
	duration time.Duration
	registry *room.Registry
}

func NewRoomStateProvider(deps room.Deps, duration time.Duration, registry *room.Registry) *RoomStateProvider {
	if duration <= 0 {
		duration = roomtimer.DefaultConfig("", false).Duration
	}
	if deps.Clock == nil {
		deps.Clock = clockwork.NewRealClock()
	}
	return &RoomStateProvider{deps: deps, duration: duration, registry: registry}
}

func (p *RoomStateProvider) GetRoomState(ctx context.Context, roomID string) (*RoomStateResponse, error) {
	snap, err := presence.Peek(ctx, p.deps.Medium, roomID)
	if err != nil {
		return nil, fmt.Errorf("peek presence: %w", err)
	}

	state, err := presentation.Derive(snap)
	if err != nil {
		log.Warn().Err(err).Str("room_id", roomID).Msg("invalid presence state, reporting presentation as inactive")
		state = presentation.State{}
	}

	resp := &RoomStateResponse{
		RoomID:       roomID,
		Participants: len(snap.Members),
		Presentation: state,
	}

	if state.IsPresentationActive {
		deck, err := p.deps.Images.ListImages(ctx)
		if err != nil {
			return nil, fmt.Errorf("list images: %w", err)
		}
		models.SortSlides(deck)
		if state.ActiveSlideIndex < len(deck) {
			resp.ActiveSlide = &deck[state.ActiveSlideIndex]
		}
	}

	var start *time.Time
	timer, err := p.deps.Timers.Get(ctx, roomID)
	switch {
	case errors.Is(err, roomtimer.ErrNotFound):
	case err != nil:
		return nil, fmt.Errorf("get room timer: %w", err)
	default:
		start = timer.StartTime
	}
	resp.Timer = timerStatus(p.duration, start, p.deps.Clock.Now(), resp.Participants)
	return resp, nil
}

func (p *RoomStateProvider) GetActiveRooms(ctx context.Context) ([]RoomSummary, error) {
	counts := p.registry.RoomCounts()
	summaries := make([]RoomSummary, 0, len(counts))
	for _, roomID := range p.registry.RoomIDs() {
		state, err := p.GetRoomState(ctx, roomID)
		if err != nil {
			return nil, err
		}
		summaries = append(summaries, RoomSummary{
			RoomID:           roomID,
			LocalSessions:    counts[roomID],
			PresentationOn:   state.Presentation.IsPresentationActive,
			TimerPhase:       string(state.Timer.Phase),
			RemainingSeconds: state.Timer.RemainingSeconds,
		})
	}
	return summaries, nil
}

func timerStatus(duration time.Duration, start *time.Time, now time.Time, participants int) roomtimer.Status {
	phase := roomtimer.PhaseAt(duration, start, now)
	remaining := roomtimer.Remaining(duration, start, now)
	return roomtimer.Status{
		Phase:            phase,
		RemainingSeconds: int(remaining / time.Second),
		Display:          roomtimer.Display(phase, remaining, participants),
		Urgency:          roomtimer.UrgencyOf(remaining),
		StartTime:        start,
	}
}

// StateHandler serves room state over HTTP.
type StateHandler struct {
	stateProvider StateProvider
}

func NewStateHandler(provider StateProvider) *StateHandler {
	return &StateHandler{
		stateProvider: provider,
	}
}

// HandleGetRoomState handles GET /api/rooms/{id}/state
func (h *StateHandler) HandleGetRoomState(w http.ResponseWriter, r *http.Request) {
	roomID := r.PathValue("id")
	if roomID == "" {
		http.Error(w, "Room ID is required", http.StatusBadRequest)
		return
	}

	state, err := h.stateProvider.GetRoomState(r.Context(), roomID)
	if err != nil {
		log.Error().Err(err).Str("room_id", roomID).Msg("failed to get room state")
		status := http.StatusInternalServerError
		if errors.Is(err, presence.ErrPeekUnsupported) {
			status = http.StatusNotImplemented
		}
		http.Error(w, "Failed to get room state", status)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(state); err != nil {
		log.Error().Err(err).Msg("failed to encode room state response")
	}
}

// HandleGetActiveRooms handles GET /api/rooms/active
func (h *StateHandler) HandleGetActiveRooms(w http.ResponseWriter, r *http.Request) {
	rooms, err := h.stateProvider.GetActiveRooms(r.Context())
	if err != nil {
		log.Error().Err(err).Msg("failed to get active rooms")
		http.Error(w, "Failed to get active rooms", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(rooms); err != nil {
		log.Error().Err(err).Msg("failed to encode active rooms response")
	}
}

func (h *StateHandler) RegisterStateRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/rooms/active", h.HandleGetActiveRooms)
	mux.HandleFunc("GET /api/rooms/{id}/state", h.HandleGetRoomState)
}
