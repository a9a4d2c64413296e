package presence

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/mcdev12/quickpitch/go/internal/metrics"
)

// Hub is an in-process presence medium. All rooms live in one process, which
// makes it suitable for single node deployments and for tests.
type Hub struct {
	mu    sync.Mutex
	rooms map[string]*hubRoom
}

type hubRoom struct {
	revision uint64
	docs     map[string]json.RawMessage
	channels map[*hubChannel]struct{}
	// refs counts the open channels per client key. The document stays
	// tracked until the last of them unsubscribes.
	refs map[string]int
}

type queuedSnapshot struct {
	snap  Snapshot
	force bool
}

type hubChannel struct {
	hub       *Hub
	roomID    string
	clientKey string

	mu        sync.Mutex
	fn        SyncFunc
	queue     []queuedSnapshot
	delivered uint64
	sent      bool
	closed    bool

	wake   chan struct{}
	done   chan struct{}
	exited chan struct{}
	once   sync.Once
}

// NewHub creates an empty in-process medium.
func NewHub() *Hub {
	return &Hub{rooms: make(map[string]*hubRoom)}
}

// Subscribe joins a room. Channels opened for the same pair share one member
// document, and each of them receives its own snapshots.
func (h *Hub) Subscribe(ctx context.Context, roomID, clientKey string) (Channel, error) {
	if err := validateIdentity(roomID, clientKey); err != nil {
		return nil, err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	room := h.room(roomID)
	ch := &hubChannel{
		hub:       h,
		roomID:    roomID,
		clientKey: clientKey,
		wake:      make(chan struct{}, 1),
		done:      make(chan struct{}),
		exited:    make(chan struct{}),
	}
	room.channels[ch] = struct{}{}
	room.refs[clientKey]++
	go ch.dispatch()

	log.Debug().
		Str("room_id", roomID).
		Str("client_key", clientKey).
		Int("channels", len(room.channels)).
		Int("refs", room.refs[clientKey]).
		Msg("presence channel opened")

	return ch, nil
}

// Peek returns the current snapshot of a room.
func (h *Hub) Peek(ctx context.Context, roomID string) (Snapshot, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	room, ok := h.rooms[roomID]
	if !ok {
		return Snapshot{RoomID: roomID, Members: map[string]json.RawMessage{}}, nil
	}
	return room.snapshot(roomID), nil
}

// Resync redelivers the current snapshot of a room to every open channel, the
// way a reconnecting medium does.
func (h *Hub) Resync(roomID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	room, ok := h.rooms[roomID]
	if !ok {
		return
	}
	snap := room.snapshot(roomID)
	for ch := range room.channels {
		ch.offer(snap, true)
	}
}

// room must be called with h.mu held.
func (h *Hub) room(roomID string) *hubRoom {
	room, ok := h.rooms[roomID]
	if !ok {
		room = &hubRoom{
			docs:     make(map[string]json.RawMessage),
			channels: make(map[*hubChannel]struct{}),
			refs:     make(map[string]int),
		}
		h.rooms[roomID] = room
	}
	return room
}

func (r *hubRoom) snapshot(roomID string) Snapshot {
	return Snapshot{RoomID: roomID, Revision: r.revision, Members: copyMembers(r.docs)}
}

// broadcast must be called with the hub lock held so every channel sees
// revisions in the same order.
func (r *hubRoom) broadcast(roomID string) {
	snap := r.snapshot(roomID)
	for ch := range r.channels {
		ch.offer(snap, false)
	}
}

func (c *hubChannel) Publish(ctx context.Context, doc json.RawMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.hub.mu.Lock()
	defer c.hub.mu.Unlock()

	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrClosed
	}

	room := c.hub.room(c.roomID)
	room.docs[c.clientKey] = append(json.RawMessage(nil), doc...)
	room.revision++
	room.broadcast(c.roomID)
	metrics.PresencePublishes.WithLabelValues("memory").Inc()
	return nil
}

func (c *hubChannel) OnSync(fn SyncFunc) {
	c.hub.mu.Lock()
	defer c.hub.mu.Unlock()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.fn = fn
	c.mu.Unlock()

	c.offer(c.hub.room(c.roomID).snapshot(c.roomID), true)
}

func (c *hubChannel) Unsubscribe(ctx context.Context) error {
	c.once.Do(func() {
		c.hub.mu.Lock()
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()

		if room, ok := c.hub.rooms[c.roomID]; ok {
			delete(room.channels, c)
			room.refs[c.clientKey]--
			if room.refs[c.clientKey] <= 0 {
				delete(room.refs, c.clientKey)
				if _, tracked := room.docs[c.clientKey]; tracked {
					delete(room.docs, c.clientKey)
					room.revision++
					room.broadcast(c.roomID)
				}
			}
			if len(room.channels) == 0 && len(room.docs) == 0 {
				delete(c.hub.rooms, c.roomID)
			}
		}
		c.hub.mu.Unlock()

		close(c.done)
		<-c.exited

		log.Debug().
			Str("room_id", c.roomID).
			Str("client_key", c.clientKey).
			Msg("presence channel closed")
	})
	return nil
}

// offer queues s for delivery in revision order.
func (c *hubChannel) offer(s Snapshot, force bool) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.queue = append(c.queue, queuedSnapshot{snap: s, force: force})
	c.mu.Unlock()

	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *hubChannel) dispatch() {
	defer close(c.exited)

	for {
		select {
		case <-c.done:
			return
		case <-c.wake:
		}

		for {
			c.mu.Lock()
			if c.fn == nil || len(c.queue) == 0 {
				// Snapshots wait until a handler is registered.
				c.mu.Unlock()
				break
			}
			next, fn := c.queue[0], c.fn
			c.queue = c.queue[1:]
			deliver := !c.sent || next.force || next.snap.Revision > c.delivered
			if deliver {
				c.sent = true
				c.delivered = next.snap.Revision
			}
			c.mu.Unlock()

			if !deliver {
				continue
			}
			select {
			case <-c.done:
				return
			default:
			}
			metrics.PresenceSnapshots.WithLabelValues("memory").Inc()
			fn(next.snap)
		}
	}
}
