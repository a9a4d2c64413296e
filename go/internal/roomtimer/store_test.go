package roomtimer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
)

func TestMemoryStoreInsertIfAbsentIsIdempotent(t *testing.T) {
	store := NewMemoryStore(clockwork.NewFakeClock())
	ctx := context.Background()

	if _, err := store.Get(ctx, "demo"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := store.InsertIfAbsent(ctx, "demo"); err != nil {
			t.Fatalf("InsertIfAbsent: %v", err)
		}
	}
	timer, err := store.Get(ctx, "demo")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if timer.Started() {
		t.Errorf("fresh timer must not be started")
	}
}

// TestMemoryStoreStartIfUnsetHasOneWinner runs many concurrent start
// attempts against one room.
func TestMemoryStoreStartIfUnsetHasOneWinner(t *testing.T) {
	store := NewMemoryStore(clockwork.NewFakeClock())
	ctx := context.Background()
	_ = store.InsertIfAbsent(ctx, "demo")

	const attempts = 50
	base := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners []time.Time
	)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			start := base.Add(time.Duration(i) * time.Millisecond)
			won, err := store.StartIfUnset(ctx, "demo", start)
			if err != nil {
				t.Errorf("StartIfUnset: %v", err)
				return
			}
			if won {
				mu.Lock()
				winners = append(winners, start)
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	if len(winners) != 1 {
		t.Fatalf("got %d winners, want 1", len(winners))
	}
	timer, _ := store.Get(ctx, "demo")
	if timer.StartTime == nil || !timer.StartTime.Equal(winners[0]) {
		t.Errorf("stored start %v does not match winner %v", timer.StartTime, winners[0])
	}

	won, _ := store.StartIfUnset(ctx, "demo", base.Add(time.Hour))
	if won {
		t.Errorf("a started timer must not be overwritten")
	}
}

func TestMemoryStoreStartCreatesMissingRow(t *testing.T) {
	store := NewMemoryStore(clockwork.NewFakeClock())
	ctx := context.Background()

	won, err := store.StartIfUnset(ctx, "guest-first", time.Now())
	if err != nil || !won {
		t.Fatalf("expected to win on a missing row, won=%v err=%v", won, err)
	}
	if err := store.InsertIfAbsent(ctx, "guest-first"); err != nil {
		t.Fatalf("InsertIfAbsent: %v", err)
	}
	timer, _ := store.Get(ctx, "guest-first")
	if !timer.Started() {
		t.Errorf("late insert must not clear the start time")
	}
}

func TestMemoryStoreWatch(t *testing.T) {
	store := NewMemoryStore(clockwork.NewFakeClock())
	ctx, cancel := context.WithCancel(context.Background())

	changes, err := store.Watch(ctx, "demo")
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}
	_, _ = store.StartIfUnset(context.Background(), "demo", time.Now())

	select {
	case <-changes:
	case <-time.After(time.Second):
		t.Fatalf("expected a change signal")
	}

	cancel()
	select {
	case _, ok := <-changes:
		if ok {
			// A buffered signal may still be pending; the close follows.
			<-changes
		}
	case <-time.After(time.Second):
		t.Fatalf("expected watch channel to close")
	}
}
