package room

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/quickpitch/go/internal/presence"
	"github.com/mcdev12/quickpitch/go/internal/presentation"
	"github.com/mcdev12/quickpitch/go/internal/roomtimer"
	"github.com/mcdev12/quickpitch/go/internal/rtc"
	"github.com/mcdev12/quickpitch/go/internal/syncerr"
)

var ErrClosed = errors.New("room session closed")

// Config identifies one participant joining one room.
type Config struct {
	RoomID       string
	ClientKey    string
	UserID       *string
	DisplayName  string
	Tracks       rtc.LocalTracks
	Duration     time.Duration
	TickInterval time.Duration
}

// Deps are the shared backends every session in the process uses.
type Deps struct {
	Medium presence.Medium
	Images presentation.ImageLister
	Timers roomtimer.Store
	Clock  clockwork.Clock
}

// Session is a participant's full presence in a room: the call, the shared
// presentation and the meeting timer.
type Session struct {
	config Config
	deps   Deps
	call   rtc.Session

	mu           sync.Mutex
	presentation *presentation.Coordinator
	timer        *roomtimer.Coordinator
	tracks       rtc.LocalTracks
	joining      bool
	joined       bool
	left         bool
	presFns      []presentation.ChangeFunc
	timerFns     []func(roomtimer.Status)
	expiredFns   []func()

	leaveOnce sync.Once
	leaveErr  error
}

// NewSession prepares a session. Nothing is joined until Join.
func NewSession(config Config, deps Deps, call rtc.Session) (*Session, error) {
	if config.RoomID == "" || config.ClientKey == "" {
		return nil, syncerr.ErrConfiguration
	}
	if deps.Medium == nil || deps.Images == nil || deps.Timers == nil || call == nil {
		return nil, fmt.Errorf("room session: missing dependency: %w", syncerr.ErrConfiguration)
	}
	return &Session{config: config, deps: deps, call: call}, nil
}

// Join enters the call, then the presentation and the timer. Host capability
// comes from the call identity. If any step fails everything joined so far is
// released again.
func (s *Session) Join(ctx context.Context) error {
	s.mu.Lock()
	if s.left {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.joined || s.joining {
		s.mu.Unlock()
		return nil
	}
	s.joining = true
	presFns := append([]presentation.ChangeFunc(nil), s.presFns...)
	timerFns := slices.Clone(s.timerFns)
	expiredFns := slices.Clone(s.expiredFns)
	s.mu.Unlock()

	if err := s.join(ctx, presFns, timerFns, expiredFns); err != nil {
		s.mu.Lock()
		s.joining = false
		s.mu.Unlock()
		return err
	}
	return nil
}

func (s *Session) join(ctx context.Context, presFns []presentation.ChangeFunc, timerFns []func(roomtimer.Status), expiredFns []func()) error {
	tracks, err := s.call.Join(ctx, s.config.RoomID, rtc.Credentials{
		UserID:      s.config.UserID,
		DisplayName: s.config.DisplayName,
		Tracks:      s.config.Tracks,
	})
	if err != nil {
		return fmt.Errorf("join call: %w", err)
	}
	isHost := s.call.IsHost()

	pres, err := presentation.NewCoordinator(presentation.Config{
		RoomID:    s.config.RoomID,
		ClientKey: s.config.ClientKey,
		UserID:    s.config.UserID,
		IsHost:    isHost,
	}, s.deps.Medium, s.deps.Images)
	if err != nil {
		_ = s.call.Leave(ctx)
		return err
	}

	timerConfig := roomtimer.DefaultConfig(s.config.RoomID, isHost)
	if s.config.Duration > 0 {
		timerConfig.Duration = s.config.Duration
	}
	if s.config.TickInterval > 0 {
		timerConfig.TickInterval = s.config.TickInterval
	}
	timer, err := roomtimer.NewCoordinator(timerConfig, s.deps.Timers, s.deps.Clock)
	if err != nil {
		_ = s.call.Leave(ctx)
		return err
	}

	for _, fn := range presFns {
		pres.OnChange(fn)
	}
	for _, fn := range timerFns {
		timer.OnChange(fn)
	}
	for _, fn := range expiredFns {
		timer.OnExpired(fn)
	}

	if err := timer.Join(ctx); err != nil {
		_ = s.call.Leave(ctx)
		return fmt.Errorf("join timer: %w", err)
	}
	if err := pres.Join(ctx); err != nil {
		_ = timer.Leave(ctx)
		_ = s.call.Leave(ctx)
		return fmt.Errorf("join presentation: %w", err)
	}

	s.call.OnParticipantsChanged(func(count int) {
		observeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := timer.ObserveParticipants(observeCtx, count); err != nil {
			log.Warn().Err(err).Str("room_id", s.config.RoomID).Int("participants", count).Msg("failed to start room timer")
		}
	})

	s.mu.Lock()
	if s.left {
		s.mu.Unlock()
		_ = pres.Leave(ctx)
		_ = timer.Leave(ctx)
		return ErrClosed
	}
	s.presentation = pres
	s.timer = timer
	s.tracks = tracks
	s.joined = true
	s.joining = false
	s.mu.Unlock()

	log.Info().
		Str("room_id", s.config.RoomID).
		Str("client_key", s.config.ClientKey).
		Bool("is_host", isHost).
		Msg("joined room")
	return nil
}

// OnPresentationChange registers fn for presentation state changes. It may be
// called before or after Join.
func (s *Session) OnPresentationChange(fn presentation.ChangeFunc) {
	s.mu.Lock()
	s.presFns = append(s.presFns, fn)
	pres := s.presentation
	s.mu.Unlock()
	if pres != nil {
		pres.OnChange(fn)
	}
}

func (s *Session) OnTimerChange(fn func(roomtimer.Status)) {
	s.mu.Lock()
	s.timerFns = append(s.timerFns, fn)
	timer := s.timer
	s.mu.Unlock()
	if timer != nil {
		timer.OnChange(fn)
	}
}

// OnTimerExpired registers fn to run once when the meeting time runs out.
func (s *Session) OnTimerExpired(fn func()) {
	s.mu.Lock()
	s.expiredFns = append(s.expiredFns, fn)
	timer := s.timer
	s.mu.Unlock()
	if timer != nil {
		timer.OnExpired(fn)
	}
}

func (s *Session) RoomID() string    { return s.config.RoomID }
func (s *Session) ClientKey() string { return s.config.ClientKey }
func (s *Session) Call() rtc.Session { return s.call }

// Presentation returns the presentation coordinator, nil before Join.
func (s *Session) Presentation() *presentation.Coordinator {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.presentation
}

// Timer returns the timer coordinator, nil before Join.
func (s *Session) Timer() *roomtimer.Coordinator {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timer
}

func (s *Session) Tracks() rtc.LocalTracks {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tracks
}

// Leave releases the presentation, the timer and the call. Every part is
// released even if an earlier one fails; later calls return the first result.
func (s *Session) Leave(ctx context.Context) error {
	s.leaveOnce.Do(func() {
		s.mu.Lock()
		s.left = true
		pres, timer := s.presentation, s.timer
		s.mu.Unlock()

		var errs []error
		if pres != nil {
			errs = append(errs, pres.Leave(ctx))
		}
		if timer != nil {
			errs = append(errs, timer.Leave(ctx))
		}
		errs = append(errs, s.call.Leave(ctx))
		s.leaveErr = errors.Join(errs...)

		log.Info().
			Str("room_id", s.config.RoomID).
			Str("client_key", s.config.ClientKey).
			Msg("left room")
	})
	return s.leaveErr
}
