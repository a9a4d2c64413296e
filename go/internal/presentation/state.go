package presentation

import (
	"fmt"

	"github.com/mcdev12/quickpitch/go/internal/presence"
	"github.com/mcdev12/quickpitch/go/internal/syncerr"
)

// Phase is the local client's role in the room presentation.
type Phase string

const (
	PhaseIdle       Phase = "idle"
	PhaseReady      Phase = "ready"
	PhasePresenting Phase = "presenting"
	PhaseWatching   Phase = "watching"
)

// State is the presentation everyone in a room displays. It is derived from a
// presence snapshot and never stored.
type State struct {
	IsPresentationActive bool    `json:"is_presentation_active"`
	ActiveSlideIndex     int     `json:"active_slide_index"`
	PresenterClientKey   *string `json:"presenter_client_key,omitempty"`
}

// Equal compares two derived states by value.
func (s State) Equal(other State) bool {
	if s.IsPresentationActive != other.IsPresentationActive || s.ActiveSlideIndex != other.ActiveSlideIndex {
		return false
	}
	if s.PresenterClientKey == nil || other.PresenterClientKey == nil {
		return s.PresenterClientKey == nil && other.PresenterClientKey == nil
	}
	return *s.PresenterClientKey == *other.PresenterClientKey
}

// IsPresenter reports whether clientKey is the current presenter.
func (s State) IsPresenter(clientKey string) bool {
	return s.IsPresentationActive && s.PresenterClientKey != nil && *s.PresenterClientKey == clientKey
}

// Derive computes the room presentation from a snapshot. When several members
// claim to present, the lexicographically smallest client key wins. Documents
// that cannot be decoded are ignored.
func Derive(snap presence.Snapshot) (State, error) {
	for _, key := range snap.Keys() {
		member, _, err := snap.Member(key)
		if err != nil || !member.IsPresenting {
			continue
		}
		if err := member.Validate(); err != nil {
			return State{}, fmt.Errorf("%w: presenter %s: %v", syncerr.ErrInvariantViolation, key, err)
		}
		presenter := key
		return State{
			IsPresentationActive: true,
			ActiveSlideIndex:     member.CurrentSlideIndex,
			PresenterClientKey:   &presenter,
		}, nil
	}
	return State{}, nil
}

func phaseFor(state State, clientKey string) Phase {
	switch {
	case !state.IsPresentationActive:
		return PhaseReady
	case state.IsPresenter(clientKey):
		return PhasePresenting
	default:
		return PhaseWatching
	}
}
