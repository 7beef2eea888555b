package types

import "time"

// Room is a named scope for messages. The name is unique and never changes, rooms are not deleted by the core.
type Room struct {
	Id        uint      `json:"id" gorm:"primaryKey"`
	Name      string    `json:"name" gorm:"size:100;uniqueIndex;not null"`
	CreatedAt time.Time `json:"created_at"`
}

// RoomMembership is the durable user/room pair used for the offline notification fan-out. It is unrelated to the
// set of live connections subscribed to a room.
type RoomMembership struct {
	UserId   string    `json:"user_id" gorm:"primaryKey;size:255"`
	RoomId   uint      `json:"room_id" gorm:"primaryKey;index"`
	JoinedAt time.Time `json:"joined_at"`
}
