package models

import "time"

// RoomTimer is the persisted meeting clock for a room. A nil StartTime means
// the meeting has not started.
type RoomTimer struct {
	RoomID    string     `json:"room_id"`
	StartTime *time.Time `json:"start_time,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

// Started reports whether a start time has been recorded.
func (t RoomTimer) Started() bool {
	return t.StartTime != nil
}
