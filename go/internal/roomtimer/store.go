package roomtimer

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/mcdev12/quickpitch/go/internal/models"
)

// ErrNotFound is returned when a room has no timer row.
var ErrNotFound = errors.New("room timer not found")

// Store persists one timer per room.
type Store interface {
	// Get reads the timer for roomID or returns ErrNotFound.
	Get(ctx context.Context, roomID string) (models.RoomTimer, error)
	// InsertIfAbsent creates an unstarted timer. An existing row is left alone.
	InsertIfAbsent(ctx context.Context, roomID string) error
	// StartIfUnset records start only when no start time exists yet. It
	// reports whether this call's value was the one stored.
	StartIfUnset(ctx context.Context, roomID string, start time.Time) (bool, error)
	// Watch signals on the returned channel whenever the room's timer
	// changes. The channel is closed when ctx is done.
	Watch(ctx context.Context, roomID string) (<-chan struct{}, error)
}

// MemoryStore keeps timers in process.
type MemoryStore struct {
	mu       sync.Mutex
	clock    clockwork.Clock
	timers   map[string]models.RoomTimer
	watchers map[string]map[chan struct{}]struct{}
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore(clock clockwork.Clock) *MemoryStore {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &MemoryStore{
		clock:    clock,
		timers:   make(map[string]models.RoomTimer),
		watchers: make(map[string]map[chan struct{}]struct{}),
	}
}

func (s *MemoryStore) Get(ctx context.Context, roomID string) (models.RoomTimer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.timers[roomID]
	if !ok {
		return models.RoomTimer{}, ErrNotFound
	}
	return t, nil
}

func (s *MemoryStore) InsertIfAbsent(ctx context.Context, roomID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.timers[roomID]; ok {
		return nil
	}
	s.timers[roomID] = models.RoomTimer{RoomID: roomID, CreatedAt: s.clock.Now()}
	s.notifyLocked(roomID)
	return nil
}

func (s *MemoryStore) StartIfUnset(ctx context.Context, roomID string, start time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.timers[roomID]
	if ok && t.StartTime != nil {
		return false, nil
	}
	if !ok {
		t = models.RoomTimer{RoomID: roomID, CreatedAt: s.clock.Now()}
	}
	t.StartTime = &start
	s.timers[roomID] = t
	s.notifyLocked(roomID)
	return true, nil
}

func (s *MemoryStore) Watch(ctx context.Context, roomID string) (<-chan struct{}, error) {
	ch := make(chan struct{}, 1)

	s.mu.Lock()
	if s.watchers[roomID] == nil {
		s.watchers[roomID] = make(map[chan struct{}]struct{})
	}
	s.watchers[roomID][ch] = struct{}{}
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		delete(s.watchers[roomID], ch)
		if len(s.watchers[roomID]) == 0 {
			delete(s.watchers, roomID)
		}
		close(ch)
		s.mu.Unlock()
	}()

	return ch, nil
}

// notifyLocked must be called with s.mu held.
func (s *MemoryStore) notifyLocked(roomID string) {
	for ch := range s.watchers[roomID] {
		signal(ch)
	}
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
