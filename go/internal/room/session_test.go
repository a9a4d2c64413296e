package room

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/mcdev12/quickpitch/go/internal/models"
	"github.com/mcdev12/quickpitch/go/internal/presence"
	"github.com/mcdev12/quickpitch/go/internal/presentation"
	"github.com/mcdev12/quickpitch/go/internal/roomtimer"
	"github.com/mcdev12/quickpitch/go/internal/rtc"
	"github.com/mcdev12/quickpitch/go/internal/syncerr"
)

type deck struct {
	mu     sync.Mutex
	slides []models.Slide
}

func newDeck(n int) *deck {
	d := &deck{}
	d.set(n)
	return d
}

func (d *deck) set(n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.slides = nil
	for i := 0; i < n; i++ {
		d.slides = append(d.slides, models.Slide{
			ID:        uuid.New(),
			ImageURL:  fmt.Sprintf("https://cdn.example.com/slide-%d.png", i),
			SortOrder: i,
		})
	}
}

func (d *deck) ListImages(ctx context.Context) ([]models.Slide, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]models.Slide(nil), d.slides...), nil
}

type fixture struct {
	hub   *presence.Hub
	store *roomtimer.MemoryStore
	clock *clockwork.FakeClock
	deck  *deck
}

func newFixture() *fixture {
	clock := clockwork.NewFakeClock()
	return &fixture{
		hub:   presence.NewHub(),
		store: roomtimer.NewMemoryStore(clock),
		clock: clock,
		deck:  newDeck(3),
	}
}

func (f *fixture) deps() Deps {
	return Deps{Medium: f.hub, Images: f.deck, Timers: f.store, Clock: f.clock}
}

func (f *fixture) join(t *testing.T, key string, userID *string) (*Session, *rtc.ReportedSession) {
	t.Helper()
	call := rtc.NewReportedSession()
	s, err := NewSession(Config{RoomID: "demo", ClientKey: key, UserID: userID}, f.deps(), call)
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	if err := s.Join(context.Background()); err != nil {
		t.Fatalf("Join: %v", err)
	}
	t.Cleanup(func() { _ = s.Leave(context.Background()) })
	return s, call
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestNewSessionValidates(t *testing.T) {
	f := newFixture()
	if _, err := NewSession(Config{ClientKey: "a"}, f.deps(), rtc.NewReportedSession()); !errors.Is(err, syncerr.ErrConfiguration) {
		t.Errorf("missing room: got %v", err)
	}
	if _, err := NewSession(Config{RoomID: "demo", ClientKey: "a"}, Deps{}, rtc.NewReportedSession()); !errors.Is(err, syncerr.ErrConfiguration) {
		t.Errorf("missing deps: got %v", err)
	}
}

func TestHostComesFromCallIdentity(t *testing.T) {
	f := newFixture()
	user := "founder"
	host, _ := f.join(t, "h", &user)
	guest, _ := f.join(t, "g", nil)

	if err := host.Presentation().TogglePresentation(context.Background()); err != nil {
		t.Fatalf("host toggle: %v", err)
	}
	if err := guest.Presentation().TogglePresentation(context.Background()); !errors.Is(err, presentation.ErrNotHost) {
		t.Fatalf("guest toggle: got %v", err)
	}
	eventually(t, "guest watching", func() bool {
		return guest.Presentation().Phase() == presentation.PhaseWatching
	})
}

// TestParticipantReportStartsSharedTimer has the guest's call report a second
// participant. The host's countdown picks up the same start time.
func TestParticipantReportStartsSharedTimer(t *testing.T) {
	f := newFixture()
	user := "founder"
	host, _ := f.join(t, "h", &user)
	guest, guestCall := f.join(t, "g", nil)

	guestCall.Report(2)

	gs := guest.Timer().Status()
	if gs.Phase != roomtimer.PhaseRunning || gs.StartTime == nil {
		t.Fatalf("guest timer not running: %+v", gs)
	}
	eventually(t, "host timer start", func() bool {
		hs := host.Timer().Status()
		return hs.StartTime != nil && hs.StartTime.Equal(*gs.StartTime)
	})
}

func TestListenersRegisteredBeforeJoin(t *testing.T) {
	f := newFixture()
	user := "founder"
	call := rtc.NewReportedSession()
	s, err := NewSession(Config{RoomID: "demo", ClientKey: "h", UserID: &user}, f.deps(), call)
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	changes := make(chan presentation.State, 16)
	s.OnPresentationChange(func(st presentation.State, _ presentation.Phase) {
		select {
		case changes <- st:
		default:
		}
	})
	timerChanges := make(chan roomtimer.Status, 16)
	s.OnTimerChange(func(st roomtimer.Status) {
		select {
		case timerChanges <- st:
		default:
		}
	})
	if err := s.Join(context.Background()); err != nil {
		t.Fatalf("Join: %v", err)
	}
	defer s.Leave(context.Background())

	if err := s.Presentation().TogglePresentation(context.Background()); err != nil {
		t.Fatalf("toggle: %v", err)
	}
	select {
	case st := <-changes:
		if !st.IsPresentationActive {
			t.Errorf("expected an active presentation, got %+v", st)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("presentation listener never called")
	}

	call.Report(2)
	select {
	case st := <-timerChanges:
		if st.Display == "" {
			t.Errorf("empty timer display")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timer listener never called")
	}
}

func TestLeaveReleasesEverything(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	s, call := f.join(t, "a", nil)

	if err := s.Leave(ctx); err != nil {
		t.Fatalf("Leave: %v", err)
	}
	if err := s.Leave(ctx); err != nil {
		t.Fatalf("second Leave: %v", err)
	}
	snap, err := presence.Peek(ctx, f.hub, "demo")
	if err != nil {
		t.Fatalf("Peek: %v", err)
	}
	if len(snap.Members) != 0 {
		t.Errorf("presence still tracks %v", snap.Keys())
	}
	if _, err := call.Join(ctx, "demo", rtc.Credentials{}); !errors.Is(err, rtc.ErrNotJoined) {
		t.Errorf("call should be released, got %v", err)
	}
	if err := s.Join(ctx); !errors.Is(err, ErrClosed) {
		t.Errorf("join after leave: got %v", err)
	}
}

func TestRegistry(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	reg := NewRegistry()

	a, _ := f.join(t, "a", nil)
	b, _ := f.join(t, "b", nil)
	reg.Add(a)
	reg.Add(a)
	reg.Add(b)

	if n, rooms := reg.Count(); n != 2 || rooms != 1 {
		t.Fatalf("Count = %d sessions / %d rooms, want 2 / 1", n, rooms)
	}
	if got := reg.RoomCounts()["demo"]; got != 2 {
		t.Errorf("RoomCounts[demo] = %d", got)
	}

	f.deck.set(5)
	if err := reg.RefreshDecks(ctx); err != nil {
		t.Fatalf("RefreshDecks: %v", err)
	}
	if got := len(a.Presentation().Deck()); got != 5 {
		t.Errorf("deck not refreshed, %d slides", got)
	}

	reg.Remove(a)
	reg.Remove(a)
	if n, _ := reg.Count(); n != 1 {
		t.Errorf("Count after remove = %d", n)
	}
	if err := reg.LeaveAll(ctx); err != nil {
		t.Fatalf("LeaveAll: %v", err)
	}
	if n, rooms := reg.Count(); n != 0 || rooms != 0 {
		t.Errorf("registry not empty: %d / %d", n, rooms)
	}
	if ids := reg.RoomIDs(); len(ids) != 0 {
		t.Errorf("RoomIDs = %v", ids)
	}
}
