package models

import (
	"time"

	"github.com/google/uuid"
)

// Analysis is stored feedback on a set of slide images.
type Analysis struct {
	ID         uuid.UUID `json:"id"`
	UserID     string    `json:"user_id"`
	Analysis   string    `json:"analysis"`
	ImageCount int       `json:"image_count"`
	ImageURLs  []string  `json:"image_urls"`
	CreatedAt  time.Time `json:"created_at"`
}
