package slides

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/mcdev12/quickpitch/go/internal/models"
)

//go:embed schema/postgres.sql
var postgresSchema string

var ErrNotFound = errors.New("slide not found")

// DBTX is satisfied by *pgxpool.Pool, *pgx.Conn and pgx.Tx.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const (
	listImagesSQL = `SELECT id, image_url, sort_order, created_at
FROM presentation_images
ORDER BY sort_order, id`

	// New images go to the end of the deck.
	insertImageSQL = `INSERT INTO presentation_images (id, image_url, sort_order)
SELECT $1, $2, COALESCE(MAX(sort_order), -1) + 1 FROM presentation_images
RETURNING id, image_url, sort_order, created_at`

	deleteImageSQL = `DELETE FROM presentation_images WHERE id = $1`
)

// Repository reads and writes the deck in Postgres.
type Repository struct {
	db DBTX
}

func NewRepository(db DBTX) *Repository {
	return &Repository{db: db}
}

// EnsureSchema creates the image table if it does not exist.
func (r *Repository) EnsureSchema(ctx context.Context) error {
	if _, err := r.db.Exec(ctx, postgresSchema); err != nil {
		return fmt.Errorf("apply slides schema: %w", err)
	}
	return nil
}

// ListImages returns the deck ordered by sort order, then id.
func (r *Repository) ListImages(ctx context.Context) ([]models.Slide, error) {
	rows, err := r.db.Query(ctx, listImagesSQL)
	if err != nil {
		return nil, fmt.Errorf("failed to list images: %w", err)
	}
	defer rows.Close()

	var deck []models.Slide
	for rows.Next() {
		var s models.Slide
		if err := rows.Scan(&s.ID, &s.ImageURL, &s.SortOrder, &s.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan image: %w", err)
		}
		deck = append(deck, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list images: %w", err)
	}
	return deck, nil
}

// UploadImage records an already stored image at the end of the deck.
func (r *Repository) UploadImage(ctx context.Context, imageURL string) (models.Slide, error) {
	var s models.Slide
	err := r.db.QueryRow(ctx, insertImageSQL, uuid.New(), imageURL).
		Scan(&s.ID, &s.ImageURL, &s.SortOrder, &s.CreatedAt)
	if err != nil {
		return models.Slide{}, fmt.Errorf("failed to insert image: %w", err)
	}
	return s, nil
}

func (r *Repository) DeleteImage(ctx context.Context, id uuid.UUID) error {
	tag, err := r.db.Exec(ctx, deleteImageSQL, id)
	if err != nil {
		return fmt.Errorf("failed to delete image: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// MemoryRepository keeps the deck in process. It backs local runs without a
// database and the package tests.
type MemoryRepository struct {
	mu     sync.Mutex
	slides []models.Slide
	now    func() time.Time
}

func NewMemoryRepository(seed ...string) *MemoryRepository {
	r := &MemoryRepository{now: time.Now}
	for _, u := range seed {
		_, _ = r.UploadImage(context.Background(), u)
	}
	return r
}

func (r *MemoryRepository) ListImages(ctx context.Context) ([]models.Slide, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	deck := append([]models.Slide(nil), r.slides...)
	models.SortSlides(deck)
	return deck, nil
}

func (r *MemoryRepository) UploadImage(ctx context.Context, imageURL string) (models.Slide, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	next := 0
	for _, s := range r.slides {
		if s.SortOrder >= next {
			next = s.SortOrder + 1
		}
	}
	s := models.Slide{ID: uuid.New(), ImageURL: imageURL, SortOrder: next, CreatedAt: r.now().UTC()}
	r.slides = append(r.slides, s)
	return s, nil
}

func (r *MemoryRepository) DeleteImage(ctx context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, s := range r.slides {
		if s.ID == id {
			r.slides = append(r.slides[:i], r.slides[i+1:]...)
			return nil
		}
	}
	return ErrNotFound
}
