package room

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/mcdev12/quickpitch/go/internal/metrics"
)

// Registry tracks the sessions joined through this process.
type Registry struct {
	mu    sync.RWMutex
	rooms map[string]map[*Session]struct{}
}

func NewRegistry() *Registry {
	return &Registry{rooms: make(map[string]map[*Session]struct{})}
}

func (r *Registry) Add(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sessions := r.rooms[s.RoomID()]
	if sessions == nil {
		sessions = make(map[*Session]struct{})
		r.rooms[s.RoomID()] = sessions
	}
	if _, ok := sessions[s]; ok {
		return
	}
	sessions[s] = struct{}{}
	metrics.ActiveSessions.Inc()
}

func (r *Registry) Remove(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sessions, ok := r.rooms[s.RoomID()]
	if !ok {
		return
	}
	if _, ok := sessions[s]; !ok {
		return
	}
	delete(sessions, s)
	metrics.ActiveSessions.Dec()
	if len(sessions) == 0 {
		delete(r.rooms, s.RoomID())
	}
}

// Sessions returns the sessions of one room.
func (r *Registry) Sessions(roomID string) []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Session, 0, len(r.rooms[roomID]))
	for s := range r.rooms[roomID] {
		out = append(out, s)
	}
	return out
}

func (r *Registry) all() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Session
	for _, sessions := range r.rooms {
		for s := range sessions {
			out = append(out, s)
		}
	}
	return out
}

// Count returns the number of sessions and rooms.
func (r *Registry) Count() (sessions, rooms int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, s := range r.rooms {
		sessions += len(s)
	}
	return sessions, len(r.rooms)
}

// RoomCounts maps each room to its number of local sessions.
func (r *Registry) RoomCounts() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]int, len(r.rooms))
	for id, s := range r.rooms {
		out[id] = len(s)
	}
	return out
}

// RoomIDs returns the rooms with at least one session, sorted.
func (r *Registry) RoomIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.rooms))
	for id := range r.rooms {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// RefreshDecks reloads the slide deck of every joined session.
func (r *Registry) RefreshDecks(ctx context.Context) error {
	var errs []error
	for _, s := range r.all() {
		pres := s.Presentation()
		if pres == nil {
			continue
		}
		if err := pres.RefreshDeck(ctx); err != nil {
			log.Warn().Err(err).Str("room_id", s.RoomID()).Str("client_key", s.ClientKey()).Msg("failed to refresh deck")
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LeaveAll releases every session, used on shutdown.
func (r *Registry) LeaveAll(ctx context.Context) error {
	var errs []error
	for _, s := range r.all() {
		errs = append(errs, s.Leave(ctx))
		r.Remove(s)
	}
	return errors.Join(errs...)
}
