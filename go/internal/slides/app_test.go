package slides

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"

	"github.com/mcdev12/quickpitch/go/internal/models"
)

type mapCache struct {
	mu      sync.Mutex
	deck    []models.Slide
	ok      bool
	getErr  error
	gets    int
	deletes int
}

func (c *mapCache) Get(ctx context.Context) ([]models.Slide, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gets++
	if c.getErr != nil {
		return nil, false, c.getErr
	}
	return append([]models.Slide(nil), c.deck...), c.ok, nil
}

func (c *mapCache) Set(ctx context.Context, deck []models.Slide) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deck = append([]models.Slide(nil), deck...)
	c.ok = true
	return nil
}

func (c *mapCache) Invalidate(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deck, c.ok = nil, false
	c.deletes++
	return nil
}

type countingRepo struct {
	*MemoryRepository
	lists int
}

func (r *countingRepo) ListImages(ctx context.Context) ([]models.Slide, error) {
	r.lists++
	return r.MemoryRepository.ListImages(ctx)
}

func TestUploadAppendsToEnd(t *testing.T) {
	ctx := context.Background()
	app := NewApp(NewMemoryRepository(), nil, nil)

	urls := []string{
		"https://cdn.example.com/a.png",
		"https://cdn.example.com/b.png",
		"https://cdn.example.com/c.png",
	}
	for i, u := range urls {
		s, err := app.UploadImage(ctx, u)
		if err != nil {
			t.Fatalf("UploadImage: %v", err)
		}
		if s.SortOrder != i {
			t.Errorf("slide %d got sort order %d", i, s.SortOrder)
		}
	}

	deck, err := app.ListImages(ctx)
	if err != nil {
		t.Fatalf("ListImages: %v", err)
	}
	for i, s := range deck {
		if s.ImageURL != urls[i] {
			t.Errorf("deck[%d] = %s, want %s", i, s.ImageURL, urls[i])
		}
	}
}

func TestUploadRejectsInvalidURL(t *testing.T) {
	app := NewApp(NewMemoryRepository(), nil, nil)
	for _, raw := range []string{"", "   ", "not a url", "/relative.png", "ftp://cdn.example.com/a.png"} {
		if _, err := app.UploadImage(context.Background(), raw); !errors.Is(err, ErrInvalidImageURL) {
			t.Errorf("UploadImage(%q) = %v, want ErrInvalidImageURL", raw, err)
		}
	}
}

func TestListUsesCache(t *testing.T) {
	ctx := context.Background()
	repo := &countingRepo{MemoryRepository: NewMemoryRepository("https://cdn.example.com/a.png")}
	cache := &mapCache{}
	app := NewApp(repo, cache, nil)

	for i := 0; i < 3; i++ {
		if _, err := app.ListImages(ctx); err != nil {
			t.Fatalf("ListImages: %v", err)
		}
	}
	if repo.lists != 1 {
		t.Errorf("repository listed %d times, want 1", repo.lists)
	}
}

func TestCacheErrorFallsBackToRepository(t *testing.T) {
	ctx := context.Background()
	repo := &countingRepo{MemoryRepository: NewMemoryRepository("https://cdn.example.com/a.png")}
	app := NewApp(repo, &mapCache{getErr: errors.New("redis down")}, nil)

	deck, err := app.ListImages(ctx)
	if err != nil {
		t.Fatalf("ListImages: %v", err)
	}
	if len(deck) != 1 || repo.lists != 1 {
		t.Errorf("expected repository read, deck=%d lists=%d", len(deck), repo.lists)
	}
}

func TestMutationsInvalidateAndNotify(t *testing.T) {
	ctx := context.Background()
	cache := &mapCache{}
	notifier := NewLocalNotifier()
	app := NewApp(NewMemoryRepository(), cache, notifier)

	var changes []Change
	unsubscribe, err := notifier.Subscribe(func(ctx context.Context, c Change) {
		changes = append(changes, c)
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer unsubscribe()

	if _, err := app.ListImages(ctx); err != nil {
		t.Fatalf("ListImages: %v", err)
	}
	s, err := app.UploadImage(ctx, "https://cdn.example.com/a.png")
	if err != nil {
		t.Fatalf("UploadImage: %v", err)
	}
	if err := app.DeleteImage(ctx, s.ID); err != nil {
		t.Fatalf("DeleteImage: %v", err)
	}

	if cache.deletes != 2 {
		t.Errorf("cache invalidated %d times, want 2", cache.deletes)
	}
	if len(changes) != 2 || changes[0].Action != ActionUploaded || changes[1].Action != ActionDeleted {
		t.Fatalf("unexpected changes %+v", changes)
	}
	if changes[1].SlideID != s.ID {
		t.Errorf("delete announced %s, want %s", changes[1].SlideID, s.ID)
	}
}

func TestDeleteMissing(t *testing.T) {
	app := NewApp(NewMemoryRepository(), nil, nil)
	if err := app.DeleteImage(context.Background(), uuid.New()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestLocalNotifierUnsubscribe(t *testing.T) {
	n := NewLocalNotifier()
	calls := 0
	unsubscribe, _ := n.Subscribe(func(context.Context, Change) { calls++ })
	_ = n.Publish(context.Background(), Change{Action: ActionUploaded})
	unsubscribe()
	_ = n.Publish(context.Background(), Change{Action: ActionDeleted})
	if calls != 1 {
		t.Errorf("handler called %d times, want 1", calls)
	}
}

func TestDeckKey(t *testing.T) {
	if got := deckKey("quickpitch"); got != "quickpitch:slides:deck" {
		t.Errorf("deckKey = %q", got)
	}
}
