package slides

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
)

// ChangedSubject carries deck mutations between gateway instances.
const ChangedSubject = "slides.changed"

// Action is the kind of deck mutation.
type Action string

const (
	ActionUploaded Action = "uploaded"
	ActionDeleted  Action = "deleted"
)

// Change describes one deck mutation.
type Change struct {
	Action    Action    `json:"action"`
	SlideID   uuid.UUID `json:"slide_id"`
	ChangedAt time.Time `json:"changed_at"`
}

// ChangeHandler reacts to a deck mutation.
type ChangeHandler func(ctx context.Context, change Change)

// Notifier fans deck changes out to every interested process.
type Notifier interface {
	Publish(ctx context.Context, change Change) error
	Subscribe(handler ChangeHandler) (func(), error)
}

// NATSNotifier publishes changes on a core NATS subject.
type NATSNotifier struct {
	conn    *nats.Conn
	subject string
}

func NewNATSNotifier(conn *nats.Conn) *NATSNotifier {
	return &NATSNotifier{conn: conn, subject: ChangedSubject}
}

func (n *NATSNotifier) Publish(ctx context.Context, change Change) error {
	data, err := json.Marshal(change)
	if err != nil {
		return fmt.Errorf("failed to marshal deck change: %w", err)
	}
	if err := n.conn.Publish(n.subject, data); err != nil {
		return fmt.Errorf("failed to publish deck change: %w", err)
	}

	log.Debug().
		Str("subject", n.subject).
		Str("action", string(change.Action)).
		Str("slide_id", change.SlideID.String()).
		Msg("published deck change")
	return nil
}

// Subscribe runs handler for every change published by any process,
// including this one. The returned function unsubscribes.
func (n *NATSNotifier) Subscribe(handler ChangeHandler) (func(), error) {
	sub, err := n.conn.Subscribe(n.subject, func(msg *nats.Msg) {
		var change Change
		if err := json.Unmarshal(msg.Data, &change); err != nil {
			log.Error().Err(err).Str("subject", msg.Subject).Msg("failed to unmarshal deck change")
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		handler(ctx, change)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", n.subject, err)
	}

	log.Info().Str("subject", n.subject).Msg("subscribed to deck changes")
	return func() {
		if err := sub.Unsubscribe(); err != nil {
			log.Warn().Err(err).Str("subject", n.subject).Msg("failed to unsubscribe from deck changes")
		}
	}, nil
}

// LocalNotifier delivers changes to handlers in this process only.
type LocalNotifier struct {
	mu       sync.Mutex
	nextID   int
	handlers map[int]ChangeHandler
}

func NewLocalNotifier() *LocalNotifier {
	return &LocalNotifier{handlers: make(map[int]ChangeHandler)}
}

func (n *LocalNotifier) Publish(ctx context.Context, change Change) error {
	n.mu.Lock()
	handlers := make([]ChangeHandler, 0, len(n.handlers))
	for _, h := range n.handlers {
		handlers = append(handlers, h)
	}
	n.mu.Unlock()

	for _, h := range handlers {
		h(ctx, change)
	}
	return nil
}

func (n *LocalNotifier) Subscribe(handler ChangeHandler) (func(), error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	id := n.nextID
	n.nextID++
	n.handlers[id] = handler
	return func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		delete(n.handlers, id)
	}, nil
}
