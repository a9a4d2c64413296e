package models

import (
	"sort"
	"time"

	"github.com/google/uuid"
)

// Slide is one image of the shared presentation deck.
type Slide struct {
	ID        uuid.UUID `json:"id"`
	ImageURL  string    `json:"image_url"`
	SortOrder int       `json:"sort_order"`
	CreatedAt time.Time `json:"created_at"`
}

// SortSlides orders a deck by sort order, breaking ties by id so every
// client sees the same sequence.
func SortSlides(deck []Slide) {
	sort.SliceStable(deck, func(i, j int) bool {
		if deck[i].SortOrder != deck[j].SortOrder {
			return deck[i].SortOrder < deck[j].SortOrder
		}
		return deck[i].ID.String() < deck[j].ID.String()
	})
}
