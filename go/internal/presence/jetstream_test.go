package presence

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/nats-io/nats.go/jetstream"
)

// memoryKV is the part of a JetStream bucket the medium uses, kept in memory.
// Timestamps come from its own clock, standing in for the server's.
type memoryKV struct {
	jetstream.KeyValue
	clock clockwork.Clock

	mu       sync.Mutex
	revision uint64
	data     map[string]kvEntry
	watchers map[*kvWatcher]struct{}
}

func newMemoryKV(clock clockwork.Clock) *memoryKV {
	return &memoryKV{
		clock:    clock,
		data:     make(map[string]kvEntry),
		watchers: make(map[*kvWatcher]struct{}),
	}
}

type kvEntry struct {
	key      string
	value    []byte
	revision uint64
	created  time.Time
	op       jetstream.KeyValueOp
}

func (e kvEntry) Bucket() string { return "ROOM_PRESENCE" }
func (e kvEntry) Key() string { return e.key }
func (e kvEntry) Value() []byte { return e.value }
func (e kvEntry) Revision() uint64 { return e.revision }
func (e kvEntry) Created() time.Time { return e.created }
func (e kvEntry) Delta() uint64 { return 0 }
func (e kvEntry) Operation() jetstream.KeyValueOp { return e.op }

type kvWatcher struct {
	kv      *memoryKV
	prefix  string
	updates chan jetstream.KeyValueEntry
}

func (w *kvWatcher) Updates() <-chan jetstream.KeyValueEntry { return w.updates }

func (w *kvWatcher) Stop() error {
	w.kv.mu.Lock()
	defer w.kv.mu.Unlock()
	delete(w.kv.watchers, w)
	return nil
}

func (kv *memoryKV) Watch(ctx context.Context, keys string, opts ...jetstream.WatchOpt) (jetstream.KeyWatcher, error) {
	kv.mu.Lock()
	defer kv.mu.Unlock()

	w := &kvWatcher{kv: kv, prefix: strings.TrimSuffix(keys, "*"), updates: make(chan jetstream.KeyValueEntry, 256)}
	for key, e := range kv.data {
		if strings.HasPrefix(key, w.prefix) {
			w.updates <- e
		}
	}
	w.updates <- nil
	kv.watchers[w] = struct{}{}
	return w, nil
}

func (kv *memoryKV) Put(ctx context.Context, key string, value []byte) (uint64, error) {
	kv.mu.Lock()
	defer kv.mu.Unlock()

	kv.revision++
	e := kvEntry{key: key, value: append([]byte(nil), value...), revision: kv.revision, created: kv.clock.Now(), op: jetstream.KeyValuePut}
	kv.data[key] = e
	kv.notify(e)
	return e.revision, nil
}

func (kv *memoryKV) Delete(ctx context.Context, key string, opts ...jetstream.KVDeleteOpt) error {
	kv.mu.Lock()
	defer kv.mu.Unlock()

	kv.revision++
	delete(kv.data, key)
	kv.notify(kvEntry{key: key, revision: kv.revision, created: kv.clock.Now(), op: jetstream.KeyValueDelete})
	return nil
}

func (kv *memoryKV) has(key string) bool {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	_, ok := kv.data[key]
	return ok
}

// notify must be called with kv.mu held.
func (kv *memoryKV) notify(e kvEntry) {
	for w := range kv.watchers {
		if !strings.HasPrefix(e.key, w.prefix) {
			continue
		}
		select {
		case w.updates <- e:
		default:
		}
	}
}

func testJetStreamConfig() JetStreamConfig {
	config := DefaultJetStreamConfig()
	config.HeartbeatInterval = 5 * time.Second
	config.StaleAfter = 15 * time.Second
	return config
}

func TestMemberKeyRoundTrip(t *testing.T) {
	tests := []struct {
		room   string
		client string
	}{
		{"room-1", "user-a"},
		{"pitch night", "5f0c.b2"},
		{"ünïcode", "*>"},
	}

	for _, tt := range tests {
		key := memberKey(tt.room, tt.client)
		if strings.Count(key, ".") != 1 {
			t.Errorf("key %q must have exactly one separator", key)
		}
		if !strings.HasPrefix(key, strings.TrimSuffix(roomPattern(tt.room), "*")) {
			t.Errorf("key %q does not match room pattern %q", key, roomPattern(tt.room))
		}
		got, err := clientFromKey(key)
		if err != nil {
			t.Fatalf("clientFromKey(%q): %v", key, err)
		}
		if got != tt.client {
			t.Errorf("clientFromKey = %q, want %q", got, tt.client)
		}
	}
}

func TestClientFromKeyRejectsMalformed(t *testing.T) {
	for _, key := range []string{"nodot", "a.b.c", "cm9vbQ.!!"} {
		if _, err := clientFromKey(key); err == nil {
			t.Errorf("expected error for %q", key)
		}
	}
}

// TestLiveMembersDropsStaleDocuments covers disconnect detection for clients
// that stopped heartbeating without deleting their key.
func TestLiveMembersDropsStaleDocuments(t *testing.T) {
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	entries := map[string]jsEntry{
		"fresh": {value: json.RawMessage(`{}`), seen: now.Add(-3 * time.Second)},
		"stale": {value: json.RawMessage(`{}`), seen: now.Add(-20 * time.Second)},
	}

	members := liveMembers(entries, now, 15*time.Second)
	if _, ok := members["fresh"]; !ok {
		t.Errorf("expected fresh member to be live")
	}
	if _, ok := members["stale"]; ok {
		t.Errorf("expected stale member to be dropped")
	}
}

func TestMembersEqual(t *testing.T) {
	a := map[string]json.RawMessage{"x": json.RawMessage(`{"currentSlideIndex":1}`)}
	b := map[string]json.RawMessage{"x": json.RawMessage(`{"currentSlideIndex":1}`)}
	c := map[string]json.RawMessage{"x": json.RawMessage(`{"currentSlideIndex":2}`)}

	if !membersEqual(a, b) {
		t.Errorf("expected equal maps")
	}
	if membersEqual(a, c) {
		t.Errorf("expected different documents to differ")
	}
	if membersEqual(a, nil) {
		t.Errorf("expected non-empty and nil to differ")
	}
}

// TestJetStreamSharedClientKey opens two channels for one client key. Both
// receive snapshots, and the key is only deleted when the second one leaves.
func TestJetStreamSharedClientKey(t *testing.T) {
	clock := clockwork.NewFakeClock()
	kv := newMemoryKV(clock)
	m := newJetStreamMedium(kv, testJetStreamConfig(), clock)
	ctx := context.Background()
	defer m.Close(ctx)

	tab1, err := m.Subscribe(ctx, "demo", "user-1")
	if err != nil {
		t.Fatalf("subscribe tab1: %v", err)
	}
	tab2, err := m.Subscribe(ctx, "demo", "user-1")
	if err != nil {
		t.Fatalf("subscribe tab2: %v", err)
	}
	host, err := m.Subscribe(ctx, "demo", "host-z")
	if err != nil {
		t.Fatalf("subscribe host: %v", err)
	}

	r1, r2 := newRecorder(), newRecorder()
	tab1.OnSync(r1.sync)
	tab2.OnSync(r2.sync)

	if err := tab1.Publish(ctx, json.RawMessage(`{"isPresenting":false,"currentSlideIndex":0}`)); err != nil {
		t.Fatalf("publish tab1: %v", err)
	}
	if err := host.Publish(ctx, json.RawMessage(`{"isPresenting":true,"currentSlideIndex":0}`)); err != nil {
		t.Fatalf("publish host: %v", err)
	}
	r1.waitFor(t, hasMembers("user-1", "host-z"))
	r2.waitFor(t, hasMembers("user-1", "host-z"))

	if err := tab1.Unsubscribe(ctx); err != nil {
		t.Fatalf("unsubscribe tab1: %v", err)
	}
	if !kv.has(memberKey("demo", "user-1")) {
		t.Fatalf("user-1 untracked while tab2 still holds it")
	}

	if err := host.Publish(ctx, json.RawMessage(`{"isPresenting":true,"currentSlideIndex":1}`)); err != nil {
		t.Fatalf("publish host: %v", err)
	}
	r2.waitFor(t, func(s Snapshot) bool {
		return string(s.Members["host-z"]) == `{"isPresenting":true,"currentSlideIndex":1}`
	})

	if err := tab2.Unsubscribe(ctx); err != nil {
		t.Fatalf("unsubscribe tab2: %v", err)
	}
	if kv.has(memberKey("demo", "user-1")) {
		t.Errorf("user-1 still tracked after its last channel left")
	}
	_ = host.Unsubscribe(ctx)
}

// TestJetStreamStalenessUsesLocalClock runs the server clock an hour behind.
// Fresh documents stay live, and a member that stops writing drops out after
// StaleAfter on the local clock.
func TestJetStreamStalenessUsesLocalClock(t *testing.T) {
	local := clockwork.NewFakeClock()
	server := clockwork.NewFakeClockAt(local.Now().Add(-time.Hour))
	kv := newMemoryKV(server)
	m := newJetStreamMedium(kv, testJetStreamConfig(), local)
	ctx := context.Background()
	defer m.Close(ctx)

	// A member that wrote once and went away without deleting its key.
	if _, err := kv.Put(ctx, memberKey("demo", "ghost"), []byte(`{"isPresenting":false,"currentSlideIndex":0}`)); err != nil {
		t.Fatalf("put ghost: %v", err)
	}

	ch, err := m.Subscribe(ctx, "demo", "a")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	r := newRecorder()
	ch.OnSync(r.sync)
	if err := ch.Publish(ctx, json.RawMessage(`{"isPresenting":false,"currentSlideIndex":0}`)); err != nil {
		t.Fatalf("publish: %v", err)
	}
	r.waitFor(t, hasMembers("a", "ghost"))

	blockCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := local.BlockUntilContext(blockCtx, 1); err != nil {
		t.Fatalf("heartbeat ticker not started: %v", err)
	}
	local.Advance(20 * time.Second)
	r.waitFor(t, hasMembers("a"))
}

func TestJetStreamPeekJudgesStalenessOnServerClock(t *testing.T) {
	server := clockwork.NewFakeClockAt(time.Now().Add(-time.Hour))
	kv := newMemoryKV(server)
	m := newJetStreamMedium(kv, testJetStreamConfig(), clockwork.NewFakeClock())
	ctx := context.Background()

	_, _ = kv.Put(ctx, memberKey("demo", "old"), []byte(`{}`))
	server.Advance(time.Minute)
	_, _ = kv.Put(ctx, memberKey("demo", "new"), []byte(`{}`))

	snap, err := m.Peek(ctx, "demo")
	if err != nil {
		t.Fatalf("peek: %v", err)
	}
	if !hasMembers("new")(snap) {
		t.Errorf("expected only the fresh member, got %v", snap.Keys())
	}
}
