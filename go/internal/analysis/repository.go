package analysis

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"github.com/sqlc-dev/pqtype"

	"github.com/mcdev12/quickpitch/go/internal/models"
)

//go:embed schema/postgres.sql
var postgresSchema string

const (
	insertAnalysisSQL = `INSERT INTO image_analyses (id, user_id, analysis, image_count, image_urls)
VALUES ($1, $2, $3, $4, $5)
RETURNING created_at`

	listAnalysesSQL = `SELECT id, user_id, analysis, image_count, image_urls, created_at
FROM image_analyses
WHERE user_id = $1
ORDER BY created_at DESC
LIMIT $2`
)

// Repository stores analyses in Postgres through database/sql.
type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) Close() error {
	return r.db.Close()
}

func (r *Repository) EnsureSchema(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, postgresSchema); err != nil {
		return fmt.Errorf("apply analysis schema: %w", err)
	}
	return nil
}

// Create inserts a and fills in its id and creation time.
func (r *Repository) Create(ctx context.Context, a models.Analysis) (models.Analysis, error) {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	urls, err := toNullRawMessage(a.ImageURLs)
	if err != nil {
		return models.Analysis{}, err
	}

	err = r.db.QueryRowContext(ctx, insertAnalysisSQL, a.ID, a.UserID, a.Analysis, a.ImageCount, urls).
		Scan(&a.CreatedAt)
	if err != nil {
		return models.Analysis{}, fmt.Errorf("failed to store analysis: %w", err)
	}
	return a, nil
}

// ListByUser returns the newest analyses of a user first.
func (r *Repository) ListByUser(ctx context.Context, userID string, limit int) ([]models.Analysis, error) {
	rows, err := r.db.QueryContext(ctx, listAnalysesSQL, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list analyses: %w", err)
	}
	defer rows.Close()

	var out []models.Analysis
	for rows.Next() {
		var (
			a    models.Analysis
			urls pqtype.NullRawMessage
		)
		if err := rows.Scan(&a.ID, &a.UserID, &a.Analysis, &a.ImageCount, &urls, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan analysis: %w", err)
		}
		if a.ImageURLs, err = fromNullRawMessage(urls); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list analyses: %w", err)
	}
	return out, nil
}

func toNullRawMessage(urls []string) (pqtype.NullRawMessage, error) {
	if len(urls) == 0 {
		return pqtype.NullRawMessage{}, nil
	}
	data, err := json.Marshal(urls)
	if err != nil {
		return pqtype.NullRawMessage{}, fmt.Errorf("failed to marshal image urls: %w", err)
	}
	return pqtype.NullRawMessage{RawMessage: data, Valid: true}, nil
}

func fromNullRawMessage(m pqtype.NullRawMessage) ([]string, error) {
	if !m.Valid || len(m.RawMessage) == 0 {
		return nil, nil
	}
	var urls []string
	if err := json.Unmarshal(m.RawMessage, &urls); err != nil {
		return nil, fmt.Errorf("failed to unmarshal image urls: %w", err)
	}
	return urls, nil
}
