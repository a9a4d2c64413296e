package rtc

import (
	"context"
	"errors"
	"slices"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/mcdev12/quickpitch/go/internal/syncerr"
)

var ErrNotJoined = errors.New("rtc session not joined")

// LocalTracks describes which local media tracks were published on join.
type LocalTracks struct {
	Audio bool `json:"audio"`
	Video bool `json:"video"`
}

// Credentials identify the participant joining a call.
type Credentials struct {
	UserID      *string
	DisplayName string
	Tracks      LocalTracks
}

// Session is one participant's connection to a room's audio/video call.
// A session is created per join and released on Leave; it is never shared
// between rooms.
type Session interface {
	Join(ctx context.Context, roomID string, creds Credentials) (LocalTracks, error)
	// OnParticipantsChanged registers fn to receive the participant count,
	// local participant included, whenever it changes.
	OnParticipantsChanged(fn func(int))
	ParticipantCount() int
	IsHost() bool
	Leave(ctx context.Context) error
}

// ReportedSession is a Session whose media lives in the browser. The client
// reports the size of its participant list and the session relays changes.
type ReportedSession struct {
	mu        sync.Mutex
	roomID    string
	creds     Credentials
	count     int
	joined    bool
	left      bool
	listeners []func(int)
}

var _ Session = (*ReportedSession)(nil)

func NewReportedSession() *ReportedSession {
	return &ReportedSession{count: 1}
}

func (s *ReportedSession) Join(ctx context.Context, roomID string, creds Credentials) (LocalTracks, error) {
	if roomID == "" {
		return LocalTracks{}, syncerr.ErrConfiguration
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.left {
		return LocalTracks{}, ErrNotJoined
	}
	if s.joined {
		return s.creds.Tracks, nil
	}
	s.roomID = roomID
	s.creds = creds
	s.joined = true

	log.Debug().
		Str("room_id", roomID).
		Bool("audio", creds.Tracks.Audio).
		Bool("video", creds.Tracks.Video).
		Msg("joined call")
	return creds.Tracks, nil
}

// Report records the number of participants the client currently sees.
// Counts below one are treated as just the local participant.
func (s *ReportedSession) Report(count int) {
	if count < 1 {
		count = 1
	}

	s.mu.Lock()
	if !s.joined || s.left || s.count == count {
		s.mu.Unlock()
		return
	}
	s.count = count
	fns := slices.Clone(s.listeners)
	s.mu.Unlock()

	for _, fn := range fns {
		fn(count)
	}
}

func (s *ReportedSession) OnParticipantsChanged(fn func(int)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

func (s *ReportedSession) ParticipantCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count
}

// IsHost reports whether the participant joined as an authenticated user.
func (s *ReportedSession) IsHost() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.creds.UserID != nil && *s.creds.UserID != ""
}

func (s *ReportedSession) Leave(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.left {
		return nil
	}
	s.left = true
	s.listeners = nil
	if s.joined {
		log.Debug().Str("room_id", s.roomID).Msg("left call")
	}
	return nil
}
