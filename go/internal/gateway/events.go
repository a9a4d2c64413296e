package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mcdev12/quickpitch/go/internal/models"
	"github.com/mcdev12/quickpitch/go/internal/presentation"
	"github.com/mcdev12/quickpitch/go/internal/roomtimer"
	"github.com/mcdev12/quickpitch/go/internal/rtc"
	"github.com/mcdev12/quickpitch/go/internal/slides"
)

// RoomEvent is the envelope of every server to client message.
type RoomEvent struct {
	ID        string          `json:"id"`
	RoomID    string          `json:"room_id"`
	Type      EventType       `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// EventType represents the type of room event
type EventType string

const (
	EventTypeJoined            EventType = "joined"
	EventTypePresentationState EventType = "presentation_state"
	EventTypeTimer             EventType = "timer"
	EventTypeTimerExpired      EventType = "timer_expired"
	EventTypeDeckChanged       EventType = "deck_changed"
	EventTypeError             EventType = "error"
)

// JoinedPayload is sent once after the session joined.
type JoinedPayload struct {
	ClientKey string          `json:"client_key"`
	IsHost    bool            `json:"is_host"`
	Tracks    rtc.LocalTracks `json:"tracks"`
	Slides    []models.Slide  `json:"slides"`
}

type PresentationStatePayload struct {
	presentation.State
	Phase       presentation.Phase `json:"phase"`
	ActiveSlide *models.Slide      `json:"active_slide,omitempty"`
}

type TimerPayload = roomtimer.Status

type TimerExpiredPayload struct {
	Message string `json:"message"`
}

type DeckChangedPayload struct {
	Change slides.Change  `json:"change"`
	Slides []models.Slide `json:"slides"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

const timerExpiredMessage = "Meeting time has expired!"

func newEvent(roomID string, eventType EventType, payload any) (*RoomEvent, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s payload: %w", eventType, err)
	}
	return &RoomEvent{
		ID:        uuid.New().String(),
		RoomID:    roomID,
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}, nil
}

// CommandType is what a client asks its session to do.
type CommandType string

const (
	CommandTogglePresentation CommandType = "toggle_presentation"
	CommandNextImage          CommandType = "next_image"
	CommandPreviousImage      CommandType = "previous_image"
	CommandParticipants       CommandType = "participants"
	CommandLeave              CommandType = "leave"
)

var ErrUnknownCommand = errors.New("unknown command")

// ClientCommand is a client to server message.
type ClientCommand struct {
	Type CommandType     `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

type ParticipantsData struct {
	Count int `json:"count"`
}

// parseCommand decodes and validates a client message.
func parseCommand(raw []byte) (ClientCommand, error) {
	var cmd ClientCommand
	if err := json.Unmarshal(raw, &cmd); err != nil {
		return ClientCommand{}, fmt.Errorf("invalid message: %w", err)
	}

	switch cmd.Type {
	case CommandTogglePresentation, CommandNextImage, CommandPreviousImage, CommandLeave:
		return cmd, nil
	case CommandParticipants:
		if _, err := cmd.participants(); err != nil {
			return ClientCommand{}, err
		}
		return cmd, nil
	default:
		return ClientCommand{}, fmt.Errorf("%w: %q", ErrUnknownCommand, cmd.Type)
	}
}

func (c ClientCommand) participants() (int, error) {
	var data ParticipantsData
	if len(c.Data) == 0 {
		return 0, errors.New("participants command needs a count")
	}
	if err := json.Unmarshal(c.Data, &data); err != nil {
		return 0, fmt.Errorf("invalid participants data: %w", err)
	}
	if data.Count < 0 {
		return 0, errors.New("participant count cannot be negative")
	}
	return data.Count, nil
}
