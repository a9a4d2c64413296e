package roomtimer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/lib/pq"
	"github.com/rs/zerolog/log"
)

type NotifierConfig struct {
	DatabaseURL      string        // Postgres DSN for LISTEN/NOTIFY
	NotifyChannel    string        // Channel the room_timers trigger notifies on
	FallbackInterval time.Duration // How often every watcher is told to re-read
	PingInterval     time.Duration
	ListenTimeout    time.Duration // How long to wait for the first LISTEN
}

func DefaultNotifierConfig() NotifierConfig {
	return NotifierConfig{
		NotifyChannel:    "room_timers_changed",
		FallbackInterval: 30 * time.Second,
		PingInterval:     90 * time.Second,
		ListenTimeout:    10 * time.Second,
	}
}

// listener is the part of *pq.Listener the notifier uses.
type listener interface {
	Listen(channel string) error
	NotificationChannel() <-chan *pq.Notification
	Ping() error
	Close() error
}

// Notifier fans Postgres notifications about room timers out to watchers.
// The payload of each notification is the room id.
type Notifier struct {
	listener listener
	cfg      NotifierConfig

	mu   sync.Mutex
	subs map[string]map[chan struct{}]struct{}
}

func NewNotifier(cfg NotifierConfig) (*Notifier, error) {
	l := pq.NewListener(
		cfg.DatabaseURL,
		10*time.Second,
		time.Minute,
		func(ev pq.ListenerEventType, err error) {
			if err != nil {
				log.Error().Err(err).Msg("room timer listener event")
			}
		},
	)
	return newNotifier(l, cfg)
}

// newNotifier starts listening on l. On failure l is closed, which also stops
// its reconnect loop.
func newNotifier(l listener, cfg NotifierConfig) (*Notifier, error) {
	if cfg.ListenTimeout <= 0 {
		cfg.ListenTimeout = DefaultNotifierConfig().ListenTimeout
	}

	// Listen blocks until the first connection succeeds.
	listened := make(chan error, 1)
	go func() { listened <- l.Listen(cfg.NotifyChannel) }()

	var err error
	select {
	case err = <-listened:
	case <-time.After(cfg.ListenTimeout):
		err = fmt.Errorf("no connection after %s", cfg.ListenTimeout)
	}
	if err != nil {
		if closeErr := l.Close(); closeErr != nil {
			log.Debug().Err(closeErr).Msg("closing room timer listener")
		}
		return nil, fmt.Errorf("failed to listen to channel: %w", err)
	}

	log.Info().
		Str("channel", cfg.NotifyChannel).
		Msg("listening for room timer changes")

	return &Notifier{
		listener: l,
		cfg:      cfg,
		subs:     make(map[string]map[chan struct{}]struct{}),
	}, nil
}

// Start dispatches notifications until ctx is cancelled.
func (n *Notifier) Start(ctx context.Context) error {
	pingTicker := time.NewTicker(n.cfg.PingInterval)
	fallbackTicker := time.NewTicker(n.cfg.FallbackInterval)
	defer pingTicker.Stop()
	defer fallbackTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("room timer notifier shutting down")
			return n.Stop()
		case note := <-n.listener.NotificationChannel():
			if note == nil {
				// Connection was re-established; notifications may have been missed.
				n.broadcast()
				continue
			}
			n.notify(note.Extra)
		case <-fallbackTicker.C:
			n.broadcast()
		case <-pingTicker.C:
			if err := n.listener.Ping(); err != nil {
				log.Error().Err(err).Msg("failed to ping room timer listener")
			}
		}
	}
}

func (n *Notifier) Stop() error {
	return n.listener.Close()
}

// Subscribe returns a channel signalled on changes to roomID. It is closed
// when ctx is done.
func (n *Notifier) Subscribe(ctx context.Context, roomID string) <-chan struct{} {
	ch := make(chan struct{}, 1)

	n.mu.Lock()
	if n.subs[roomID] == nil {
		n.subs[roomID] = make(map[chan struct{}]struct{})
	}
	n.subs[roomID][ch] = struct{}{}
	n.mu.Unlock()

	go func() {
		<-ctx.Done()
		n.mu.Lock()
		delete(n.subs[roomID], ch)
		if len(n.subs[roomID]) == 0 {
			delete(n.subs, roomID)
		}
		close(ch)
		n.mu.Unlock()
	}()

	return ch
}

func (n *Notifier) notify(roomID string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for ch := range n.subs[roomID] {
		signal(ch)
	}
}

func (n *Notifier) broadcast() {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, room := range n.subs {
		for ch := range room {
			signal(ch)
		}
	}
}
