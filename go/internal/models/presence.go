package models

import (
	"errors"
	"fmt"
)

// PresenceMember is the state document a client publishes under its own
// client key. Every publish replaces the whole document.
type PresenceMember struct {
	ClientKey         string  `json:"-"`
	IsPresenting      bool    `json:"isPresenting"`
	CurrentSlideIndex int     `json:"currentSlideIndex"`
	UserID            *string `json:"userId,omitempty"`
}

var ErrInvalidPresenceMember = errors.New("invalid presence member")

// Validate checks the member document invariants.
func (m PresenceMember) Validate() error {
	if m.ClientKey == "" {
		return fmt.Errorf("%w: empty client key", ErrInvalidPresenceMember)
	}
	if m.CurrentSlideIndex < 0 {
		return fmt.Errorf("%w: negative slide index %d", ErrInvalidPresenceMember, m.CurrentSlideIndex)
	}
	return nil
}
