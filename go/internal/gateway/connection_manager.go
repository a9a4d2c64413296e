package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/quickpitch/go/internal/presentation"
	"github.com/mcdev12/quickpitch/go/internal/room"
	"github.com/mcdev12/quickpitch/go/internal/roomtimer"
	"github.com/mcdev12/quickpitch/go/internal/rtc"
)

// ConnectionManager owns the websocket connections of every room joined
// through this process. Each connection drives one room session.
type ConnectionManager struct {
	rooms map[string]map[*Connection]bool
	mu    sync.RWMutex

	upgrader websocket.Upgrader
	config   ConnectionConfig

	deps     room.Deps
	registry *room.Registry

	broadcastCh chan BroadcastMessage
}

// Connection is one client in one room.
type Connection struct {
	ID        string
	ClientKey string
	RoomID    string
	Conn      *websocket.Conn
	Session   *room.Session
	Call      *rtc.ReportedSession
	Manager   *ConnectionManager

	ConnectedAt time.Time

	send      chan []byte
	done      chan struct{}
	left      chan struct{}
	closeOnce sync.Once
}

// ConnectionConfig holds the websocket and room session settings.
type ConnectionConfig struct {
	WriteTimeout    time.Duration
	ReadTimeout     time.Duration
	PingInterval    time.Duration
	MaxMessageSize  int64
	ReadBufferSize  int
	WriteBufferSize int
	SendBufferSize  int
	CheckOrigin     func(r *http.Request) bool

	// Meeting length and countdown resolution for new sessions. Zero keeps
	// the room timer defaults.
	MeetingDuration time.Duration
	TickInterval    time.Duration
}

type BroadcastMessage struct {
	RoomID string
	Event  *RoomEvent
}

// JoinRequest identifies a client joining a room.
type JoinRequest struct {
	RoomID      string
	ClientKey   string
	UserID      *string
	DisplayName string
	Tracks      rtc.LocalTracks
}

func DefaultConnectionConfig() ConnectionConfig {
	return ConnectionConfig{
		WriteTimeout:    10 * time.Second,
		ReadTimeout:     60 * time.Second,
		PingInterval:    30 * time.Second,
		MaxMessageSize:  1024,
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		SendBufferSize:  256,
		CheckOrigin: func(r *http.Request) bool {
			// Origins are enforced by the CORS layer in front of the gateway.
			return true
		},
	}
}

func NewConnectionManager(config ConnectionConfig, deps room.Deps, registry *room.Registry) *ConnectionManager {
	if config.SendBufferSize <= 0 {
		config.SendBufferSize = DefaultConnectionConfig().SendBufferSize
	}
	if registry == nil {
		registry = room.NewRegistry()
	}
	return &ConnectionManager{
		rooms: make(map[string]map[*Connection]bool),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  config.ReadBufferSize,
			WriteBufferSize: config.WriteBufferSize,
			CheckOrigin:     config.CheckOrigin,
		},
		config:      config,
		deps:        deps,
		registry:    registry,
		broadcastCh: make(chan BroadcastMessage, 1000),
	}
}

// Start processes broadcasts until ctx is done.
func (cm *ConnectionManager) Start(ctx context.Context) {
	log.Info().Msg("connection manager started")

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("connection manager shutting down")
			return
		case message := <-cm.broadcastCh:
			cm.handleBroadcast(message)
		}
	}
}

// Open joins a room session for req and registers its connection. The
// connection has no websocket yet; events queue until Attach.
func (cm *ConnectionManager) Open(ctx context.Context, req JoinRequest) (*Connection, error) {
	call := rtc.NewReportedSession()
	session, err := room.NewSession(room.Config{
		RoomID:       req.RoomID,
		ClientKey:    req.ClientKey,
		UserID:       req.UserID,
		DisplayName:  req.DisplayName,
		Tracks:       req.Tracks,
		Duration:     cm.config.MeetingDuration,
		TickInterval: cm.config.TickInterval,
	}, cm.deps, call)
	if err != nil {
		return nil, err
	}

	conn := &Connection{
		ID:          uuid.New().String(),
		ClientKey:   req.ClientKey,
		RoomID:      req.RoomID,
		Session:     session,
		Call:        call,
		Manager:     cm,
		ConnectedAt: time.Now(),
		send:        make(chan []byte, cm.config.SendBufferSize),
		done:        make(chan struct{}),
		left:        make(chan struct{}),
	}

	session.OnPresentationChange(conn.sendPresentation)
	session.OnTimerChange(func(status roomtimer.Status) {
		conn.sendEvent(EventTypeTimer, status)
	})
	session.OnTimerExpired(func() {
		conn.sendEvent(EventTypeTimerExpired, TimerExpiredPayload{Message: timerExpiredMessage})
	})

	if err := session.Join(ctx); err != nil {
		return nil, fmt.Errorf("join room: %w", err)
	}
	cm.registerConnection(conn)

	pres := session.Presentation()
	conn.sendEvent(EventTypeJoined, JoinedPayload{
		ClientKey: conn.ClientKey,
		IsHost:    call.IsHost(),
		Tracks:    session.Tracks(),
		Slides:    pres.Deck(),
	})
	conn.sendPresentation(pres.State(), pres.Phase())
	conn.sendEvent(EventTypeTimer, session.Timer().Status())
	return conn, nil
}

// Attach upgrades the HTTP request and starts pumping conn over it. The
// session is released when the upgrade fails.
func (cm *ConnectionManager) Attach(w http.ResponseWriter, r *http.Request, conn *Connection) error {
	ws, err := cm.upgrader.Upgrade(w, r, nil)
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to upgrade connection: %w", err)
	}
	conn.Conn = ws

	go conn.writePump()
	go conn.readPump()

	log.Info().
		Str("connection_id", conn.ID).
		Str("client_key", conn.ClientKey).
		Str("room_id", conn.RoomID).
		Msg("WebSocket connection established")
	return nil
}

// Reject upgrades the request only to tell the client why it could not join,
// then closes the socket.
func (cm *ConnectionManager) Reject(w http.ResponseWriter, r *http.Request, roomID string, cause error) error {
	ws, err := cm.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return fmt.Errorf("failed to upgrade connection: %w", err)
	}
	defer ws.Close()

	event, err := newEvent(roomID, EventTypeError, ErrorPayload{Code: "join_failed", Message: cause.Error()})
	if err != nil {
		return err
	}
	ws.SetWriteDeadline(time.Now().Add(cm.config.WriteTimeout))
	if err := ws.WriteJSON(event); err != nil {
		return fmt.Errorf("failed to send join error: %w", err)
	}
	return ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "join failed"))
}

func (cm *ConnectionManager) registerConnection(conn *Connection) {
	cm.mu.Lock()
	if cm.rooms[conn.RoomID] == nil {
		cm.rooms[conn.RoomID] = make(map[*Connection]bool)
	}
	cm.rooms[conn.RoomID][conn] = true
	total := len(cm.rooms[conn.RoomID])
	cm.mu.Unlock()

	cm.registry.Add(conn.Session)

	log.Debug().
		Str("connection_id", conn.ID).
		Str("room_id", conn.RoomID).
		Int("total_connections", total).
		Msg("connection registered")
}

func (cm *ConnectionManager) unregisterConnection(conn *Connection) {
	cm.mu.Lock()
	connections, exists := cm.rooms[conn.RoomID]
	if exists {
		delete(connections, conn)
		if len(connections) == 0 {
			delete(cm.rooms, conn.RoomID)
		}
	}
	cm.mu.Unlock()

	cm.registry.Remove(conn.Session)

	if exists {
		log.Info().
			Str("connection_id", conn.ID).
			Str("client_key", conn.ClientKey).
			Str("room_id", conn.RoomID).
			Msg("connection unregistered")
	}
}

// BroadcastToRoom queues event for every connection in roomID.
func (cm *ConnectionManager) BroadcastToRoom(roomID string, event *RoomEvent) {
	select {
	case cm.broadcastCh <- BroadcastMessage{RoomID: roomID, Event: event}:
	default:
		log.Warn().Str("room_id", roomID).Msg("broadcast channel full, dropping message")
	}
}

func (cm *ConnectionManager) handleBroadcast(message BroadcastMessage) {
	targets := cm.Connections(message.RoomID)
	if len(targets) == 0 {
		return
	}

	data, err := json.Marshal(message.Event)
	if err != nil {
		log.Error().Err(err).Msg("failed to marshal event for broadcast")
		return
	}
	for _, conn := range targets {
		conn.enqueue(data)
	}

	log.Debug().
		Str("event_type", string(message.Event.Type)).
		Str("room_id", message.RoomID).
		Int("connections", len(targets)).
		Msg("event broadcasted")
}

// Connections returns a snapshot of the connections in roomID.
func (cm *ConnectionManager) Connections(roomID string) []*Connection {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	out := make([]*Connection, 0, len(cm.rooms[roomID]))
	for conn := range cm.rooms[roomID] {
		out = append(out, conn)
	}
	return out
}

// RoomIDs returns the rooms with at least one connection.
func (cm *ConnectionManager) RoomIDs() []string {
	return cm.registry.RoomIDs()
}

// CloseAll closes every connection and releases every session.
func (cm *ConnectionManager) CloseAll(ctx context.Context) error {
	cm.mu.RLock()
	var all []*Connection
	for _, connections := range cm.rooms {
		for conn := range connections {
			all = append(all, conn)
		}
	}
	cm.mu.RUnlock()

	for _, conn := range all {
		conn.Close()
	}
	return cm.registry.LeaveAll(ctx)
}

func (cm *ConnectionManager) GetConnectionStats() map[string]interface{} {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	totalConnections := 0
	roomCounts := make(map[string]int)
	for roomID, connections := range cm.rooms {
		totalConnections += len(connections)
		roomCounts[roomID] = len(connections)
	}
	sessions, _ := cm.registry.Count()

	return map[string]interface{}{
		"total_connections": totalConnections,
		"active_rooms":      len(cm.rooms),
		"room_connections":  roomCounts,
		"joined_sessions":   sessions,
	}
}

// Close stops the connection and releases its session in the background.
// It is safe to call from session callbacks and more than once.
func (c *Connection) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.Manager.unregisterConnection(c)
		if c.Conn != nil {
			c.Conn.Close()
		}

		go func() {
			defer close(c.left)
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := c.Session.Leave(ctx); err != nil {
				log.Warn().Err(err).Str("connection_id", c.ID).Msg("failed to leave room cleanly")
			}
		}()
	})
}

// Left is closed once the session has been released after Close.
func (c *Connection) Left() <-chan struct{} {
	return c.left
}

// enqueue drops slow clients instead of blocking the sender.
func (c *Connection) enqueue(data []byte) {
	select {
	case <-c.done:
		return
	default:
	}

	select {
	case c.send <- data:
	case <-c.done:
	default:
		log.Warn().
			Str("connection_id", c.ID).
			Str("client_key", c.ClientKey).
			Msg("connection send buffer full, closing connection")
		c.Close()
	}
}

func (c *Connection) sendEvent(eventType EventType, payload any) {
	event, err := newEvent(c.RoomID, eventType, payload)
	if err != nil {
		log.Error().Err(err).Str("connection_id", c.ID).Msg("failed to build event")
		return
	}
	data, err := json.Marshal(event)
	if err != nil {
		log.Error().Err(err).Str("connection_id", c.ID).Msg("failed to marshal event")
		return
	}
	c.enqueue(data)
}

func (c *Connection) sendPresentation(state presentation.State, phase presentation.Phase) {
	payload := PresentationStatePayload{State: state, Phase: phase}
	if pres := c.Session.Presentation(); pres != nil {
		if slide, ok := pres.ActiveSlide(); ok {
			payload.ActiveSlide = &slide
		}
	}
	c.sendEvent(EventTypePresentationState, payload)
}

func (c *Connection) sendError(code string, err error) {
	c.sendEvent(EventTypeError, ErrorPayload{Code: code, Message: err.Error()})
}

// handleClientMessage parses and runs one client command. Rejected commands
// are answered with an error event.
func (c *Connection) handleClientMessage(ctx context.Context, message []byte) {
	cmd, err := parseCommand(message)
	if err != nil {
		log.Debug().Err(err).Str("connection_id", c.ID).Msg("rejected client message")
		c.sendError("invalid_command", err)
		return
	}
	if err := c.dispatch(ctx, cmd); err != nil {
		c.sendError(errorCode(err), err)
	}
}

func (c *Connection) dispatch(ctx context.Context, cmd ClientCommand) error {
	pres := c.Session.Presentation()
	if pres == nil {
		return presentation.ErrNotJoined
	}

	switch cmd.Type {
	case CommandTogglePresentation:
		return pres.TogglePresentation(ctx)
	case CommandNextImage:
		return pres.NextImage(ctx)
	case CommandPreviousImage:
		return pres.PreviousImage(ctx)
	case CommandParticipants:
		count, err := cmd.participants()
		if err != nil {
			return err
		}
		c.Call.Report(count)
		return nil
	case CommandLeave:
		c.Close()
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrUnknownCommand, cmd.Type)
	}
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, presentation.ErrNotHost):
		return "not_host"
	case errors.Is(err, presentation.ErrNotPresenter):
		return "not_presenter"
	case errors.Is(err, presentation.ErrNotJoined), errors.Is(err, room.ErrClosed):
		return "not_joined"
	case errors.Is(err, ErrUnknownCommand):
		return "invalid_command"
	default:
		return "internal"
	}
}

func (c *Connection) writePump() {
	ticker := time.NewTicker(c.Manager.config.PingInterval)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case <-c.done:
			c.Conn.SetWriteDeadline(time.Now().Add(c.Manager.config.WriteTimeout))
			c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
			return

		case message := <-c.send:
			c.Conn.SetWriteDeadline(time.Now().Add(c.Manager.config.WriteTimeout))
			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Error().
					Err(err).
					Str("connection_id", c.ID).
					Msg("failed to write message to WebSocket")
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(c.Manager.config.WriteTimeout))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.Error().
					Err(err).
					Str("connection_id", c.ID).
					Msg("failed to send ping")
				return
			}
		}
	}
}

func (c *Connection) readPump() {
	defer c.Close()

	c.Conn.SetReadLimit(c.Manager.config.MaxMessageSize)
	c.Conn.SetReadDeadline(time.Now().Add(c.Manager.config.ReadTimeout))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(c.Manager.config.ReadTimeout))
		return nil
	})

	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Error().
					Err(err).
					Str("connection_id", c.ID).
					Msg("unexpected WebSocket close error")
			}
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), c.Manager.config.WriteTimeout)
		c.handleClientMessage(ctx, message)
		cancel()
		c.Conn.SetReadDeadline(time.Now().Add(c.Manager.config.ReadTimeout))
	}
}
