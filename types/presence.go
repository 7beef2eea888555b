package types

import "time"

// Presence is the advisory online state of a user, there is at most one row per user.
type Presence struct {
	UserId      string    `json:"user_id" gorm:"primaryKey;size:255"`
	IsOnline    bool      `json:"is_online" gorm:"index;not null"`
	CurrentRoom string    `json:"current_room,omitempty" gorm:"size:100"`
	LastSeen    time.Time `json:"last_seen"`
}
