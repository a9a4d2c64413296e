package presentation

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/mcdev12/quickpitch/go/internal/presence"
	"github.com/mcdev12/quickpitch/go/internal/syncerr"
)

func snapshotOf(members map[string]string) presence.Snapshot {
	raw := make(map[string]json.RawMessage, len(members))
	for k, v := range members {
		raw[k] = json.RawMessage(v)
	}
	return presence.Snapshot{RoomID: "demo", Revision: 1, Members: raw}
}

func TestDerive(t *testing.T) {
	tests := []struct {
		name      string
		members   map[string]string
		active    bool
		index     int
		presenter string
	}{
		{
			name:    "empty room",
			members: map[string]string{},
		},
		{
			name: "nobody presenting",
			members: map[string]string{
				"a": `{"isPresenting":false,"currentSlideIndex":3}`,
				"b": `{"isPresenting":false,"currentSlideIndex":0}`,
			},
		},
		{
			name: "single presenter",
			members: map[string]string{
				"a": `{"isPresenting":false,"currentSlideIndex":0}`,
				"b": `{"isPresenting":true,"currentSlideIndex":2}`,
			},
			active:    true,
			index:     2,
			presenter: "b",
		},
		{
			name: "smallest key wins",
			members: map[string]string{
				"zed":   `{"isPresenting":true,"currentSlideIndex":4}`,
				"alpha": `{"isPresenting":true,"currentSlideIndex":1}`,
				"mid":   `{"isPresenting":true,"currentSlideIndex":7}`,
			},
			active:    true,
			index:     1,
			presenter: "alpha",
		},
		{
			name: "undecodable documents are skipped",
			members: map[string]string{
				"a": `not json`,
				"b": `{"isPresenting":true,"currentSlideIndex":0}`,
			},
			active:    true,
			index:     0,
			presenter: "b",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			state, err := Derive(snapshotOf(tt.members))
			if err != nil {
				t.Fatalf("Derive: %v", err)
			}
			if state.IsPresentationActive != tt.active {
				t.Errorf("active = %v, want %v", state.IsPresentationActive, tt.active)
			}
			if state.ActiveSlideIndex != tt.index {
				t.Errorf("index = %d, want %d", state.ActiveSlideIndex, tt.index)
			}
			if tt.presenter == "" {
				if state.PresenterClientKey != nil {
					t.Errorf("expected no presenter, got %q", *state.PresenterClientKey)
				}
				return
			}
			if state.PresenterClientKey == nil || *state.PresenterClientKey != tt.presenter {
				t.Errorf("presenter = %v, want %q", state.PresenterClientKey, tt.presenter)
			}
		})
	}
}

// TestDeriveConverges checks that the reducer only depends on the snapshot
// content, so every client holding the same snapshot shows the same thing.
func TestDeriveConverges(t *testing.T) {
	members := map[string]string{
		"c": `{"isPresenting":true,"currentSlideIndex":5}`,
		"a": `{"isPresenting":true,"currentSlideIndex":2}`,
		"b": `{"isPresenting":false,"currentSlideIndex":0}`,
	}

	first, err := Derive(snapshotOf(members))
	if err != nil {
		t.Fatalf("Derive: %v", err)
	}
	for i := 0; i < 20; i++ {
		again, err := Derive(snapshotOf(members))
		if err != nil {
			t.Fatalf("Derive: %v", err)
		}
		if !again.Equal(first) {
			t.Fatalf("derived state changed between runs: %+v vs %+v", first, again)
		}
	}
}

func TestDeriveRejectsNegativeIndex(t *testing.T) {
	_, err := Derive(snapshotOf(map[string]string{
		"a": `{"isPresenting":true,"currentSlideIndex":-1}`,
	}))
	if !errors.Is(err, syncerr.ErrInvariantViolation) {
		t.Fatalf("expected invariant violation, got %v", err)
	}
}

func TestStateEqual(t *testing.T) {
	a, b := "a", "a"
	other := "b"

	if !(State{PresenterClientKey: &a}).Equal(State{PresenterClientKey: &b}) {
		t.Errorf("expected equal presenter keys by value")
	}
	if (State{PresenterClientKey: &a}).Equal(State{PresenterClientKey: &other}) {
		t.Errorf("expected different presenters to differ")
	}
	if (State{PresenterClientKey: &a}).Equal(State{}) {
		t.Errorf("expected nil and non-nil presenter to differ")
	}
}
