package gateway

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/mcdev12/quickpitch/go/internal/models"
	"github.com/mcdev12/quickpitch/go/internal/room"
	"github.com/mcdev12/quickpitch/go/internal/slides"
)

// DeckSource is the shared slide deck.
type DeckSource interface {
	ListImages(ctx context.Context) ([]models.Slide, error)
	Invalidate(ctx context.Context)
}

// Service is the room gateway: websocket sessions, room state and deck
// change fan-out.
type Service struct {
	connectionManager *ConnectionManager
	wsHandler         *WebSocketHandler
	stateHandler      *StateHandler
	registry          *room.Registry
	deck              DeckSource
	notifier          slides.Notifier

	unsubscribe func()
}

type Config struct {
	ConnectionConfig ConnectionConfig
}

func DefaultConfig() Config {
	return Config{
		ConnectionConfig: DefaultConnectionConfig(),
	}
}

// NewService wires the gateway. notifier may be nil when slides never change
// at runtime.
func NewService(config Config, deps room.Deps, deck DeckSource, notifier slides.Notifier) *Service {
	registry := room.NewRegistry()
	connectionManager := NewConnectionManager(config.ConnectionConfig, deps, registry)

	return &Service{
		connectionManager: connectionManager,
		wsHandler:         NewWebSocketHandler(connectionManager),
		stateHandler:      NewStateHandler(NewRoomStateProvider(deps, config.ConnectionConfig.MeetingDuration, registry)),
		registry:          registry,
		deck:              deck,
		notifier:          notifier,
	}
}

// Start runs the gateway until ctx is done, then releases every session.
func (s *Service) Start(ctx context.Context) error {
	log.Info().Msg("starting room gateway service")

	if s.notifier != nil {
		unsubscribe, err := s.notifier.Subscribe(s.handleDeckChange)
		if err != nil {
			return fmt.Errorf("subscribe to slide changes: %w", err)
		}
		s.unsubscribe = unsubscribe
	}

	go s.connectionManager.Start(ctx)

	<-ctx.Done()

	log.Info().Msg("room gateway service shutting down")
	return s.Stop()
}

// Stop unsubscribes from slide changes and leaves every room.
func (s *Service) Stop() error {
	if s.unsubscribe != nil {
		s.unsubscribe()
		s.unsubscribe = nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.connectionManager.CloseAll(ctx); err != nil {
		log.Error().Err(err).Msg("failed to leave rooms cleanly")
		return err
	}
	log.Info().Msg("room gateway service stopped")
	return nil
}

// handleDeckChange reloads the deck in every joined session and tells every
// room about it.
func (s *Service) handleDeckChange(ctx context.Context, change slides.Change) {
	if s.deck != nil {
		s.deck.Invalidate(ctx)
	}
	if err := s.registry.RefreshDecks(ctx); err != nil {
		log.Warn().Err(err).Msg("some sessions kept a stale deck")
	}

	var deck []models.Slide
	if s.deck != nil {
		var err error
		if deck, err = s.deck.ListImages(ctx); err != nil {
			log.Error().Err(err).Msg("failed to load changed deck")
			return
		}
	}
	if deck == nil {
		deck = []models.Slide{}
	}

	for _, roomID := range s.connectionManager.RoomIDs() {
		event, err := newEvent(roomID, EventTypeDeckChanged, DeckChangedPayload{Change: change, Slides: deck})
		if err != nil {
			log.Error().Err(err).Msg("failed to build deck change event")
			return
		}
		s.connectionManager.BroadcastToRoom(roomID, event)
	}

	log.Info().
		Str("action", string(change.Action)).
		Str("slide_id", change.SlideID.String()).
		Int("slides", len(deck)).
		Msg("slide deck changed")
}

func (s *Service) RegisterRoutes(mux *http.ServeMux) {
	s.wsHandler.RegisterRoutes(mux)
	s.stateHandler.RegisterStateRoutes(mux)
	log.Info().Msg("room gateway routes registered")
}

func (s *Service) GetStats() map[string]interface{} {
	stats := s.connectionManager.GetConnectionStats()
	stats["service"] = "room_gateway"
	stats["status"] = "running"
	return stats
}

// Connections exposes the connection manager, mostly for tests and admin tools.
func (s *Service) Connections() *ConnectionManager {
	return s.connectionManager
}
