package presence

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/quickpitch/go/internal/metrics"
	"github.com/mcdev12/quickpitch/go/internal/syncerr"
)

// JetStreamConfig holds configuration for the NATS key-value presence medium
type JetStreamConfig struct {
	URL               string
	Bucket            string
	HeartbeatInterval time.Duration // How often each client re-puts its document
	StaleAfter        time.Duration // Documents older than this count as disconnected
	BucketTTL         time.Duration
	MaxReconnects     int
	ReconnectWait     time.Duration
}

// DefaultJetStreamConfig returns default presence medium configuration
func DefaultJetStreamConfig() JetStreamConfig {
	return JetStreamConfig{
		URL:               nats.DefaultURL,
		Bucket:            "ROOM_PRESENCE",
		HeartbeatInterval: 5 * time.Second,
		StaleAfter:        15 * time.Second,
		BucketTTL:         time.Minute,
		MaxReconnects:     -1, // Infinite
		ReconnectWait:     2 * time.Second,
	}
}

// JetStreamMedium stores one key per room member in a JetStream KV bucket and
// builds snapshots from a per-member key watcher.
type JetStreamMedium struct {
	nc     *nats.Conn
	kv     jetstream.KeyValue
	config JetStreamConfig
	clock  clockwork.Clock

	mu      sync.Mutex
	members map[string]*jsMember
}

// NewJetStreamMedium connects to NATS and creates the presence bucket if needed.
func NewJetStreamMedium(ctx context.Context, config JetStreamConfig) (*JetStreamMedium, error) {
	m := newJetStreamMedium(nil, config, clockwork.NewRealClock())

	opts := []nats.Option{
		nats.Name("quickpitch-presence"),
		nats.MaxReconnects(config.MaxReconnects),
		nats.ReconnectWait(config.ReconnectWait),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Error().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected, resyncing presence")
			go m.resync()
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			log.Error().Err(err).Msg("NATS error")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("create JetStream context: %w", err)
	}

	kv, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      config.Bucket,
		Description: "Room presence documents",
		History:     1,
		TTL:         config.BucketTTL,
		Storage:     jetstream.MemoryStorage,
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("ensure presence bucket: %w", err)
	}

	m.nc = nc
	m.kv = kv

	log.Info().
		Str("bucket", config.Bucket).
		Dur("heartbeat", config.HeartbeatInterval).
		Dur("stale_after", config.StaleAfter).
		Msg("presence medium ready")

	return m, nil
}

func newJetStreamMedium(kv jetstream.KeyValue, config JetStreamConfig, clock clockwork.Clock) *JetStreamMedium {
	return &JetStreamMedium{
		kv:      kv,
		config:  config,
		clock:   clock,
		members: make(map[string]*jsMember),
	}
}

// Conn exposes the NATS connection so other components can share it.
func (m *JetStreamMedium) Conn() *nats.Conn {
	return m.nc
}

// Close untracks every member and closes the NATS connection.
func (m *JetStreamMedium) Close(ctx context.Context) error {
	m.mu.Lock()
	open := make([]*jsMember, 0, len(m.members))
	for key, member := range m.members {
		open = append(open, member)
		delete(m.members, key)
	}
	m.mu.Unlock()

	for _, member := range open {
		if err := member.close(ctx); err != nil {
			log.Warn().Err(err).Str("key", member.key).Msg("failed to untrack presence on close")
		}
	}
	if m.nc != nil {
		m.nc.Close()
	}
	return nil
}

// Subscribe joins a room. Channels opened for the same pair share one member
// key and one watcher; each receives its own snapshots.
func (m *JetStreamMedium) Subscribe(ctx context.Context, roomID, clientKey string) (Channel, error) {
	if err := validateIdentity(roomID, clientKey); err != nil {
		return nil, err
	}

	key := memberKey(roomID, clientKey)

	m.mu.Lock()
	defer m.mu.Unlock()

	member, ok := m.members[key]
	if !ok {
		member = &jsMember{
			medium:    m,
			roomID:    roomID,
			clientKey: clientKey,
			key:       key,
			entries:   make(map[string]jsEntry),
			handles:   make(map[*jsChannel]struct{}),
			done:      make(chan struct{}),
		}
		if err := member.restartWatch(); err != nil {
			return nil, err
		}

		member.wg.Add(1)
		go member.heartbeat()
		m.members[key] = member
	}

	ch := &jsChannel{member: member}
	member.mu.Lock()
	member.handles[ch] = struct{}{}
	member.mu.Unlock()
	return ch, nil
}

// Peek reads the live members of a room from the bucket. Staleness is judged
// against the newest document in the room so both sides of the comparison
// come from the server clock.
func (m *JetStreamMedium) Peek(ctx context.Context, roomID string) (Snapshot, error) {
	w, err := m.kv.Watch(ctx, roomPattern(roomID), jetstream.IgnoreDeletes())
	if err != nil {
		return Snapshot{}, syncerr.Transient("peek", err)
	}
	defer w.Stop()

	entries := make(map[string]jsEntry)
	var revision uint64
	var newest time.Time
	for {
		select {
		case <-ctx.Done():
			return Snapshot{}, syncerr.Transient("peek", ctx.Err())
		case entry, ok := <-w.Updates():
			if !ok || entry == nil {
				return Snapshot{
					RoomID:   roomID,
					Revision: revision,
					Members:  liveMembers(entries, newest, m.config.StaleAfter),
				}, nil
			}
			clientKey, err := clientFromKey(entry.Key())
			if err != nil {
				continue
			}
			entries[clientKey] = jsEntry{value: entry.Value(), seen: entry.Created()}
			if entry.Created().After(newest) {
				newest = entry.Created()
			}
			if entry.Revision() > revision {
				revision = entry.Revision()
			}
		}
	}
}

func (m *JetStreamMedium) resync() {
	m.mu.Lock()
	open := make([]*jsMember, 0, len(m.members))
	for _, member := range m.members {
		open = append(open, member)
	}
	m.mu.Unlock()

	for _, member := range open {
		if err := member.restartWatch(); err != nil {
			log.Error().Err(err).Str("room_id", member.roomID).Msg("failed to restart presence watcher")
			continue
		}
		member.republish()
	}
}

// release drops ch from its member and reports whether it was the last one.
// The member is forgotten in the same critical section so a concurrent
// Subscribe starts a fresh one.
func (m *JetStreamMedium) release(ch *jsChannel) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	member := ch.member
	member.mu.Lock()
	delete(member.handles, ch)
	last := len(member.handles) == 0
	member.mu.Unlock()

	if last && m.members[member.key] == member {
		delete(m.members, member.key)
	}
	return last
}

type jsEntry struct {
	value json.RawMessage
	// seen is when the document was last written, on the clock of whoever
	// compares it.
	seen time.Time
}

// jsMember is one tracked client key: its document, watcher and heartbeat.
type jsMember struct {
	medium    *JetStreamMedium
	roomID    string
	clientKey string
	key       string

	mu          sync.Mutex
	handles     map[*jsChannel]struct{}
	doc         json.RawMessage
	entries     map[string]jsEntry
	ready       bool
	last        map[string]json.RawMessage
	revision    uint64
	generation  uint64
	watchCancel context.CancelFunc
	closed      bool

	deliverMu sync.Mutex
	delivered uint64

	done chan struct{}
	wg   sync.WaitGroup
	once sync.Once
}

// restartWatch replaces the key watcher. The new watcher replays every live
// key, so the next snapshot is a full resync.
func (c *jsMember) restartWatch() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}
	if c.watchCancel != nil {
		c.watchCancel()
	}

	ctx, cancel := context.WithCancel(context.Background())
	w, err := c.medium.kv.Watch(ctx, roomPattern(c.roomID))
	if err != nil {
		cancel()
		return syncerr.Transient("watch", err)
	}

	c.generation++
	c.watchCancel = cancel
	c.entries = make(map[string]jsEntry)
	c.ready = false

	c.wg.Add(1)
	go c.consume(ctx, c.generation, w)
	return nil
}

func (c *jsMember) consume(ctx context.Context, generation uint64, w jetstream.KeyWatcher) {
	defer c.wg.Done()
	defer w.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case entry, ok := <-w.Updates():
			if !ok {
				return
			}
			c.apply(generation, entry)
		}
	}
}

func (c *jsMember) apply(generation uint64, entry jetstream.KeyValueEntry) {
	c.mu.Lock()
	if generation != c.generation || c.closed {
		c.mu.Unlock()
		return
	}

	force := false
	if entry == nil {
		// End of the initial replay.
		c.ready = true
		force = true
	} else {
		clientKey, err := clientFromKey(entry.Key())
		if err != nil {
			c.mu.Unlock()
			log.Warn().Err(err).Str("key", entry.Key()).Msg("ignoring malformed presence key")
			return
		}
		switch entry.Operation() {
		case jetstream.KeyValuePut:
			// Receive time on the local clock. The server's timestamp may be skewed.
			c.entries[clientKey] = jsEntry{value: entry.Value(), seen: c.medium.clock.Now()}
		case jetstream.KeyValueDelete, jetstream.KeyValuePurge:
			delete(c.entries, clientKey)
		}
	}

	snap, ok := c.emitLocked(force)
	c.mu.Unlock()

	if ok {
		c.deliver(snap)
	}
}

// emitLocked builds a snapshot when membership changed or force is set.
// Must be called with c.mu held.
func (c *jsMember) emitLocked(force bool) (Snapshot, bool) {
	if !c.ready || len(c.handles) == 0 {
		return Snapshot{}, false
	}
	members := liveMembers(c.entries, c.medium.clock.Now(), c.medium.config.StaleAfter)
	if !force && membersEqual(members, c.last) {
		return Snapshot{}, false
	}
	c.revision++
	c.last = members
	return Snapshot{RoomID: c.roomID, Revision: c.revision, Members: copyMembers(members)}, true
}

// deliver hands snap to every registered handler in revision order.
func (c *jsMember) deliver(snap Snapshot) {
	c.deliverMu.Lock()
	defer c.deliverMu.Unlock()

	if snap.Revision <= c.delivered {
		return
	}
	select {
	case <-c.done:
		return
	default:
	}
	c.delivered = snap.Revision

	c.mu.Lock()
	fns := make([]SyncFunc, 0, len(c.handles))
	for ch := range c.handles {
		if ch.fn != nil {
			fns = append(fns, ch.fn)
		}
	}
	c.mu.Unlock()

	for _, fn := range fns {
		metrics.PresenceSnapshots.WithLabelValues("jetstream").Inc()
		fn(snap)
	}
}

func (c *jsMember) heartbeat() {
	defer c.wg.Done()

	ticker := c.medium.clock.NewTicker(c.medium.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.Chan():
			c.republish()

			// Stale members drop out without a delete event.
			c.mu.Lock()
			snap, ok := c.emitLocked(false)
			c.mu.Unlock()
			if ok {
				c.deliver(snap)
			}
		}
	}
}

func (c *jsMember) republish() {
	c.mu.Lock()
	doc := c.doc
	closed := c.closed
	c.mu.Unlock()
	if doc == nil || closed {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.medium.config.HeartbeatInterval)
	defer cancel()
	if _, err := c.medium.kv.Put(ctx, c.key, doc); err != nil {
		metrics.SyncErrors.WithLabelValues("heartbeat").Inc()
		log.Warn().Err(err).Str("room_id", c.roomID).Str("client_key", c.clientKey).Msg("presence heartbeat failed")
	}
}

func (c *jsMember) publish(ctx context.Context, doc json.RawMessage) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.doc = append(json.RawMessage(nil), doc...)
	c.mu.Unlock()

	if _, err := c.medium.kv.Put(ctx, c.key, doc); err != nil {
		return syncerr.Transient("publish", err)
	}
	metrics.PresencePublishes.WithLabelValues("jetstream").Inc()
	return nil
}

// close stops the watcher and heartbeat and deletes the member's key.
func (c *jsMember) close(ctx context.Context) error {
	var err error
	c.once.Do(func() {
		c.mu.Lock()
		c.closed = true
		if c.watchCancel != nil {
			c.watchCancel()
		}
		c.mu.Unlock()

		close(c.done)
		c.wg.Wait()

		if delErr := c.medium.kv.Delete(ctx, c.key); delErr != nil {
			err = syncerr.Transient("untrack", delErr)
			return
		}

		log.Debug().
			Str("room_id", c.roomID).
			Str("client_key", c.clientKey).
			Msg("presence untracked")
	})
	return err
}

// jsChannel is one subscriber's handle on a member.
type jsChannel struct {
	member *jsMember
	fn     SyncFunc // guarded by member.mu
	once   sync.Once
}

func (ch *jsChannel) Publish(ctx context.Context, doc json.RawMessage) error {
	return ch.member.publish(ctx, doc)
}

func (ch *jsChannel) OnSync(fn SyncFunc) {
	c := ch.member
	c.mu.Lock()
	if _, open := c.handles[ch]; !open || c.closed {
		c.mu.Unlock()
		return
	}
	ch.fn = fn
	snap, ok := c.emitLocked(true)
	c.mu.Unlock()

	if ok {
		c.deliver(snap)
	}
}

// Unsubscribe stops deliveries to this handle. The member's key is deleted
// once its last handle is gone.
func (ch *jsChannel) Unsubscribe(ctx context.Context) error {
	var err error
	ch.once.Do(func() {
		c := ch.member
		last := c.medium.release(ch)

		// Wait out a delivery that may still hold this handle's callback.
		c.deliverMu.Lock()
		c.deliverMu.Unlock()

		if last {
			err = c.close(ctx)
		}
	})
	return err
}

var keyEncoding = base64.RawURLEncoding

// memberKey maps a room member to a KV key. Both parts are encoded so any id
// is a valid key token.
func memberKey(roomID, clientKey string) string {
	return keyEncoding.EncodeToString([]byte(roomID)) + "." + keyEncoding.EncodeToString([]byte(clientKey))
}

func roomPattern(roomID string) string {
	return keyEncoding.EncodeToString([]byte(roomID)) + ".*"
}

func clientFromKey(key string) (string, error) {
	parts := strings.Split(key, ".")
	if len(parts) != 2 {
		return "", fmt.Errorf("unexpected presence key %q", key)
	}
	raw, err := keyEncoding.DecodeString(parts[1])
	if err != nil {
		return "", fmt.Errorf("decode presence key %q: %w", key, err)
	}
	return string(raw), nil
}

func liveMembers(entries map[string]jsEntry, now time.Time, staleAfter time.Duration) map[string]json.RawMessage {
	members := make(map[string]json.RawMessage, len(entries))
	for clientKey, entry := range entries {
		if staleAfter > 0 && now.Sub(entry.seen) > staleAfter {
			continue
		}
		members[clientKey] = entry.value
	}
	return members
}

func membersEqual(a, b map[string]json.RawMessage) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		other, ok := b[k]
		if !ok || !bytes.Equal(v, other) {
			return false
		}
	}
	return true
}
