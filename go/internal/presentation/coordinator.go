package presentation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/mcdev12/quickpitch/go/internal/metrics"
	"github.com/mcdev12/quickpitch/go/internal/models"
	"github.com/mcdev12/quickpitch/go/internal/presence"
	"github.com/mcdev12/quickpitch/go/internal/syncerr"
)

var (
	ErrNotHost      = errors.New("only the host can toggle the presentation")
	ErrNotPresenter = errors.New("only the presenter can change slides")
	ErrNotJoined    = errors.New("presentation not joined")
)

// ImageLister provides the ordered slide deck of the room.
type ImageLister interface {
	ListImages(ctx context.Context) ([]models.Slide, error)
}

// Config identifies the local client in a room.
type Config struct {
	RoomID    string
	ClientKey string
	UserID    *string
	IsHost    bool
}

// ChangeFunc is called with the displayed state whenever it changes.
type ChangeFunc func(State, Phase)

// Coordinator keeps one client's view of the room presentation in sync with
// everyone else's through the presence medium.
type Coordinator struct {
	config Config
	medium presence.Medium
	images ImageLister

	mu        sync.Mutex
	channel   presence.Channel
	deck      []models.Slide
	local     models.PresenceMember
	state     State
	phase     Phase
	joined    bool
	left      bool
	listeners []ChangeFunc

	publishMu sync.Mutex
	leaveOnce sync.Once
	leaveErr  error
}

// NewCoordinator builds a coordinator for one client in one room.
func NewCoordinator(config Config, medium presence.Medium, images ImageLister) (*Coordinator, error) {
	if config.RoomID == "" || config.ClientKey == "" {
		return nil, syncerr.ErrConfiguration
	}
	return &Coordinator{
		config: config,
		medium: medium,
		images: images,
		local: models.PresenceMember{
			ClientKey: config.ClientKey,
			UserID:    config.UserID,
		},
		phase: PhaseIdle,
	}, nil
}

// Join loads the deck, subscribes to the room and publishes the initial
// not-presenting document. Joining twice is a no-op.
func (c *Coordinator) Join(ctx context.Context) error {
	c.mu.Lock()
	if c.joined || c.left {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	deck, err := c.images.ListImages(ctx)
	if err != nil {
		return fmt.Errorf("list images: %w", err)
	}
	models.SortSlides(deck)

	ch, err := c.medium.Subscribe(ctx, c.config.RoomID, c.config.ClientKey)
	if err != nil {
		return fmt.Errorf("subscribe presence: %w", err)
	}

	c.mu.Lock()
	c.channel = ch
	c.deck = deck
	c.joined = true
	c.phase = PhaseReady
	c.mu.Unlock()

	ch.OnSync(c.handleSnapshot)

	if err := c.publish(ctx); err != nil {
		// The medium resends our document on reconnect; keep going.
		log.Warn().Err(err).Str("room_id", c.config.RoomID).Msg("initial presence publish failed")
	}

	log.Info().
		Str("room_id", c.config.RoomID).
		Str("client_key", c.config.ClientKey).
		Bool("is_host", c.config.IsHost).
		Int("slides", len(deck)).
		Msg("joined presentation")
	return nil
}

// TogglePresentation flips the host's presenting intent.
func (c *Coordinator) TogglePresentation(ctx context.Context) error {
	if !c.config.IsHost {
		return ErrNotHost
	}

	c.mu.Lock()
	if !c.joined || c.left {
		c.mu.Unlock()
		return ErrNotJoined
	}
	c.local.IsPresenting = !c.local.IsPresenting
	presenting := c.local.IsPresenting
	c.mu.Unlock()

	log.Debug().
		Str("room_id", c.config.RoomID).
		Bool("presenting", presenting).
		Msg("presentation toggled")

	return c.publish(ctx)
}

// NextImage advances the presenter to the next slide. At the last slide, or
// with an empty deck, it does nothing.
func (c *Coordinator) NextImage(ctx context.Context) error {
	return c.step(ctx, 1)
}

// PreviousImage moves the presenter back one slide. At the first slide it does nothing.
func (c *Coordinator) PreviousImage(ctx context.Context) error {
	return c.step(ctx, -1)
}

func (c *Coordinator) step(ctx context.Context, delta int) error {
	c.mu.Lock()
	if !c.joined || c.left {
		c.mu.Unlock()
		return ErrNotJoined
	}
	if !c.state.IsPresenter(c.config.ClientKey) {
		c.mu.Unlock()
		return ErrNotPresenter
	}

	next := c.local.CurrentSlideIndex + delta
	if len(c.deck) == 0 || next < 0 || next > len(c.deck)-1 {
		c.mu.Unlock()
		return nil
	}
	c.local.CurrentSlideIndex = next
	c.mu.Unlock()

	return c.publish(ctx)
}

// RefreshDeck reloads the slides after they changed elsewhere and pulls the
// local slide index back inside the new deck.
func (c *Coordinator) RefreshDeck(ctx context.Context) error {
	deck, err := c.images.ListImages(ctx)
	if err != nil {
		return fmt.Errorf("list images: %w", err)
	}
	models.SortSlides(deck)

	c.mu.Lock()
	if c.left {
		c.mu.Unlock()
		return nil
	}
	c.deck = deck
	last := len(deck) - 1
	if last < 0 {
		last = 0
	}
	clamped := c.local.CurrentSlideIndex > last
	if clamped {
		c.local.CurrentSlideIndex = last
	}
	republish := clamped && c.local.IsPresenting && c.joined
	c.mu.Unlock()

	if republish {
		return c.publish(ctx)
	}
	return nil
}

// OnChange registers fn to be called when the displayed state or phase changes.
func (c *Coordinator) OnChange(fn ChangeFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, fn)
}

// State returns the derived room presentation.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Phase returns the local client's role.
func (c *Coordinator) Phase() Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

// Deck returns a copy of the ordered slides.
func (c *Coordinator) Deck() []models.Slide {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]models.Slide(nil), c.deck...)
}

// ActiveSlide returns the slide everyone should be looking at.
func (c *Coordinator) ActiveSlide() (models.Slide, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.state.IsPresentationActive || c.state.ActiveSlideIndex >= len(c.deck) {
		return models.Slide{}, false
	}
	return c.deck[c.state.ActiveSlideIndex], true
}

// Leave untracks the client and stops snapshot delivery. Only the first call
// has any effect.
func (c *Coordinator) Leave(ctx context.Context) error {
	c.leaveOnce.Do(func() {
		c.mu.Lock()
		c.left = true
		ch := c.channel
		c.channel = nil
		c.phase = PhaseIdle
		c.state = State{}
		c.mu.Unlock()

		if ch != nil {
			c.leaveErr = ch.Unsubscribe(ctx)
		}
		log.Info().
			Str("room_id", c.config.RoomID).
			Str("client_key", c.config.ClientKey).
			Msg("left presentation")
	})
	return c.leaveErr
}

// handleSnapshot recomputes the displayed state. It also drops local
// presenting intent that lost the tie-break, but only once our own presenting
// document is visible in the snapshot, so a stale echo cannot undo a toggle.
func (c *Coordinator) handleSnapshot(snap presence.Snapshot) {
	state, err := Derive(snap)
	if err != nil {
		metrics.SyncErrors.WithLabelValues("derive").Inc()
		log.Error().Err(err).Str("room_id", c.config.RoomID).Msg("invalid presence state, showing presentation as inactive")
		state = State{}
	}

	own, tracked, ownErr := snap.Member(c.config.ClientKey)

	c.mu.Lock()
	if c.left {
		c.mu.Unlock()
		return
	}

	revert := c.local.IsPresenting &&
		tracked && ownErr == nil && own.IsPresenting &&
		state.IsPresentationActive && !state.IsPresenter(c.config.ClientKey)
	if revert {
		c.local.IsPresenting = false
	}

	phase := phaseFor(state, c.config.ClientKey)
	changed := !state.Equal(c.state) || phase != c.phase
	c.state = state
	c.phase = phase
	listeners := append([]ChangeFunc(nil), c.listeners...)
	c.mu.Unlock()

	if revert {
		metrics.PresenceReverts.Inc()
		log.Info().
			Str("room_id", c.config.RoomID).
			Str("client_key", c.config.ClientKey).
			Str("presenter", *state.PresenterClientKey).
			Msg("another client is presenting, reverting local intent")

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := c.publish(ctx); err != nil {
			log.Warn().Err(err).Str("room_id", c.config.RoomID).Msg("failed to publish reverted intent")
		}
		cancel()
	}

	if changed {
		for _, fn := range listeners {
			fn(state, phase)
		}
	}
}

// publish sends the latest local intent. Publishes are serialized so the
// last one on the wire always carries the newest intent.
func (c *Coordinator) publish(ctx context.Context) error {
	c.publishMu.Lock()
	defer c.publishMu.Unlock()

	c.mu.Lock()
	ch := c.channel
	member := c.local
	c.mu.Unlock()
	if ch == nil {
		return ErrNotJoined
	}

	doc, err := presence.Encode(member)
	if err != nil {
		return err
	}
	if err := ch.Publish(ctx, doc); err != nil {
		if syncerr.IsTransient(err) {
			metrics.SyncErrors.WithLabelValues("publish").Inc()
		}
		return fmt.Errorf("publish presence: %w", err)
	}
	return nil
}
