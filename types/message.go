package types

import (
	"strings"
	"time"
)

type MessageKind string

const (
	MessageKindText  MessageKind = "text"
	MessageKindImage MessageKind = "image"
	MessageKindFile  MessageKind = "file"
	MessageKindAudio MessageKind = "audio"
	MessageKindVideo MessageKind = "video"
)

func (k MessageKind) Valid() bool {
	switch k {
	case MessageKindText, MessageKindImage, MessageKindFile, MessageKindAudio, MessageKindVideo:
		return true
	}
	return false
}

// MessageKindFromMime maps a MIME type to the kind of a file message.
func MessageKindFromMime(mimeType string) MessageKind {
	switch {
	case strings.HasPrefix(mimeType, "image/"):
		return MessageKindImage
	case strings.HasPrefix(mimeType, "audio/"):
		return MessageKindAudio
	case strings.HasPrefix(mimeType, "video/"):
		return MessageKindVideo
	}
	return MessageKindFile
}

// Message is a persisted chat message. Text messages carry a Body, all other kinds a file reference. The id is
// assigned by the store in insertion order, the timestamp is set (in UTC) when the message is persisted.
type Message struct {
	Id        uint        `json:"id" gorm:"primaryKey"`
	RoomId    uint        `json:"room_id" gorm:"index;not null"`
	UserId    string      `json:"user_id" gorm:"index;size:255;not null"`
	Nick      string      `json:"nick" gorm:"size:150"` // sender display name at the time of sending
	Kind      MessageKind `json:"message_type" gorm:"size:10;not null"`
	Body      string      `json:"message"`
	FileUrl   string      `json:"file_url,omitempty"`
	FileName  string      `json:"file_name,omitempty" gorm:"size:255"`
	FileSize  int64       `json:"file_size,omitempty"`
	MimeType  string      `json:"mime_type,omitempty" gorm:"size:100"`
	Timestamp time.Time   `json:"timestamp" gorm:"index"`
}

func (m *Message) IsFile() bool {
	return m.Kind != MessageKindText && m.Kind != ""
}
