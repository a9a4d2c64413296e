package presence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/mcdev12/quickpitch/go/internal/models"
	"github.com/mcdev12/quickpitch/go/internal/syncerr"
)

// ErrClosed is returned when publishing on a channel after Unsubscribe.
var ErrClosed = errors.New("presence channel closed")

// ErrPeekUnsupported is returned by Peek for media that cannot be read without joining.
var ErrPeekUnsupported = errors.New("presence medium does not support peek")

// Snapshot is the full set of member documents currently present in a room.
// Revision increases with every change observed by the receiving channel.
type Snapshot struct {
	RoomID   string
	Revision uint64
	Members  map[string]json.RawMessage
}

// SyncFunc receives every snapshot delivered to a channel, in order.
type SyncFunc func(Snapshot)

// Medium opens presence channels for rooms.
type Medium interface {
	// Subscribe joins roomID as clientKey. Channels opened for the same pair
	// share one member document, each gets its own snapshots, and the document
	// is untracked when the last of them unsubscribes.
	Subscribe(ctx context.Context, roomID, clientKey string) (Channel, error)
}

// Channel is one client's membership in a room.
type Channel interface {
	// Publish replaces the client's document.
	Publish(ctx context.Context, doc json.RawMessage) error
	// OnSync registers fn and delivers the current snapshot to it. Later
	// snapshots follow on every membership or document change. fn runs on a
	// goroutine owned by the medium and must not call Unsubscribe.
	OnSync(fn SyncFunc)
	// Unsubscribe removes the client's document and stops deliveries. No
	// callback runs after it returns. Further calls are no-ops.
	Unsubscribe(ctx context.Context) error
}

type peeker interface {
	Peek(ctx context.Context, roomID string) (Snapshot, error)
}

// Peek reads the current snapshot of a room without joining it.
func Peek(ctx context.Context, m Medium, roomID string) (Snapshot, error) {
	if roomID == "" {
		return Snapshot{}, syncerr.ErrConfiguration
	}
	p, ok := m.(peeker)
	if !ok {
		return Snapshot{}, ErrPeekUnsupported
	}
	return p.Peek(ctx, roomID)
}

// Keys returns the member keys of a snapshot in lexicographic order.
func (s Snapshot) Keys() []string {
	keys := make([]string, 0, len(s.Members))
	for k := range s.Members {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Member decodes the document published under clientKey.
func (s Snapshot) Member(clientKey string) (models.PresenceMember, bool, error) {
	raw, ok := s.Members[clientKey]
	if !ok {
		return models.PresenceMember{}, false, nil
	}
	var m models.PresenceMember
	if err := json.Unmarshal(raw, &m); err != nil {
		return models.PresenceMember{}, true, fmt.Errorf("decode member %s: %w", clientKey, err)
	}
	m.ClientKey = clientKey
	return m, true, nil
}

// Encode marshals a member document for Publish.
func Encode(m models.PresenceMember) (json.RawMessage, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode member: %w", err)
	}
	return data, nil
}

func validateIdentity(roomID, clientKey string) error {
	if roomID == "" || clientKey == "" {
		return syncerr.ErrConfiguration
	}
	return nil
}

func copyMembers(in map[string]json.RawMessage) map[string]json.RawMessage {
	out := make(map[string]json.RawMessage, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
