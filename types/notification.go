package types

import "time"

type NotificationKind string

const (
	NotificationKindMessage  NotificationKind = "message"
	NotificationKindMention  NotificationKind = "mention"
	NotificationKindReaction NotificationKind = "reaction"
	NotificationKindTyping   NotificationKind = "typing"
	NotificationKindSystem   NotificationKind = "system"
)

func (k NotificationKind) Valid() bool {
	switch k {
	case NotificationKindMessage, NotificationKindMention, NotificationKindReaction, NotificationKindTyping,
		NotificationKindSystem:
		return true
	}
	return false
}

// Notification alerts a user about activity that happened while they were offline. Only the read flag is ever
// mutated.
type Notification struct {
	Id          uint             `json:"id" gorm:"primaryKey"`
	RecipientId string           `json:"recipient_id" gorm:"size:255;not null;index:idx_notifications_recipient_read"`
	SenderId    string           `json:"sender_id,omitempty" gorm:"size:255"`
	Kind        NotificationKind `json:"notification_type" gorm:"size:20;not null"`
	Title       string           `json:"title" gorm:"size:200;not null"`
	Body        string           `json:"message"`
	IsRead      bool             `json:"is_read" gorm:"not null;index:idx_notifications_recipient_read"`
	MessageId   *uint            `json:"related_message_id,omitempty"`
	RoomName    string           `json:"room_name,omitempty" gorm:"size:100"`
	CreatedAt   time.Time        `json:"created_at" gorm:"index"`
}
