package slides

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/quickpitch/go/internal/metrics"
	"github.com/mcdev12/quickpitch/go/internal/models"
)

var ErrInvalidImageURL = errors.New("image url must be an absolute http(s) url")

// ImageRepository is what the app needs from storage.
type ImageRepository interface {
	ListImages(ctx context.Context) ([]models.Slide, error)
	UploadImage(ctx context.Context, imageURL string) (models.Slide, error)
	DeleteImage(ctx context.Context, id uuid.UUID) error
}

// DeckCache caches the ordered deck.
type DeckCache interface {
	Get(ctx context.Context) ([]models.Slide, bool, error)
	Set(ctx context.Context, deck []models.Slide) error
	Invalidate(ctx context.Context) error
}

// App handles deck reads and mutations. cache and notifier are optional.
type App struct {
	repo     ImageRepository
	cache    DeckCache
	notifier Notifier
	clock    clockwork.Clock
}

func NewApp(repo ImageRepository, cache DeckCache, notifier Notifier) *App {
	return &App{
		repo:     repo,
		cache:    cache,
		notifier: notifier,
		clock:    clockwork.NewRealClock(),
	}
}

// ListImages returns the deck ordered by sort order, then id.
func (a *App) ListImages(ctx context.Context) ([]models.Slide, error) {
	if a.cache != nil {
		deck, ok, err := a.cache.Get(ctx)
		switch {
		case err != nil:
			metrics.DeckCacheLookups.WithLabelValues("error").Inc()
			log.Warn().Err(err).Msg("deck cache read failed")
		case ok:
			metrics.DeckCacheLookups.WithLabelValues("hit").Inc()
			models.SortSlides(deck)
			return deck, nil
		default:
			metrics.DeckCacheLookups.WithLabelValues("miss").Inc()
		}
	}

	deck, err := a.repo.ListImages(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list images: %w", err)
	}
	models.SortSlides(deck)

	if a.cache != nil {
		if err := a.cache.Set(ctx, deck); err != nil {
			log.Warn().Err(err).Msg("deck cache write failed")
		}
	}
	return deck, nil
}

// UploadImage appends an image that is already in object storage.
func (a *App) UploadImage(ctx context.Context, imageURL string) (models.Slide, error) {
	imageURL = strings.TrimSpace(imageURL)
	if err := validateImageURL(imageURL); err != nil {
		return models.Slide{}, fmt.Errorf("validation failed: %w", err)
	}

	slide, err := a.repo.UploadImage(ctx, imageURL)
	if err != nil {
		return models.Slide{}, err
	}

	log.Info().Str("slide_id", slide.ID.String()).Int("sort_order", slide.SortOrder).Msg("uploaded slide")
	a.changed(ctx, ActionUploaded, slide.ID)
	return slide, nil
}

func (a *App) DeleteImage(ctx context.Context, id uuid.UUID) error {
	if err := a.repo.DeleteImage(ctx, id); err != nil {
		return err
	}

	log.Info().Str("slide_id", id.String()).Msg("deleted slide")
	a.changed(ctx, ActionDeleted, id)
	return nil
}

// Invalidate drops the cached deck.
func (a *App) Invalidate(ctx context.Context) {
	if a.cache == nil {
		return
	}
	if err := a.cache.Invalidate(ctx); err != nil {
		log.Warn().Err(err).Msg("deck cache invalidation failed")
	}
}

// changed runs after a committed mutation. Failures only delay other
// clients' refresh, so they are logged.
func (a *App) changed(ctx context.Context, action Action, id uuid.UUID) {
	a.Invalidate(ctx)
	if a.notifier == nil {
		return
	}
	change := Change{Action: action, SlideID: id, ChangedAt: a.clock.Now().UTC()}
	if err := a.notifier.Publish(ctx, change); err != nil {
		log.Error().Err(err).Str("slide_id", id.String()).Msg("failed to announce deck change")
	}
}

func validateImageURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return ErrInvalidImageURL
	}
	return nil
}
