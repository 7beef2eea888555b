package types

import "time"

const (
	WireTypeConnection  = "connection"
	WireTypeChatMessage = "chat_message"
	WireTypeError       = "error"
)

// InboundMessage is the only event a client sends: {"message": "..."}. The type is optional and, if given, must be
// "chat_message".
type InboundMessage struct {
	Type    string `mapstructure:"type"`
	Message string `mapstructure:"message"`
}

type WireConnection struct {
	Type     string `json:"type"`
	Message  string `json:"message"`
	Username string `json:"username"`
}

func NewWireConnection(nick, room string) WireConnection {
	return WireConnection{
		Type:     WireTypeConnection,
		Message:  nick + " connected to " + room,
		Username: nick,
	}
}

// WireChatMessage is broadcast for every persisted message. The file fields are only set for file messages.
type WireChatMessage struct {
	Type        string `json:"type"`
	Message     string `json:"message"`
	Username    string `json:"username"`
	Timestamp   string `json:"timestamp"`
	MessageId   uint   `json:"message_id"`
	MessageType string `json:"message_type,omitempty"`
	FileUrl     string `json:"file_url,omitempty"`
	FileName    string `json:"file_name,omitempty"`
	FileSize    int64  `json:"file_size,omitempty"`
	MimeType    string `json:"mime_type,omitempty"`
}

func NewWireChatMessage(msg *Message) WireChatMessage {
	wire := WireChatMessage{
		Type:      WireTypeChatMessage,
		Message:   msg.Body,
		Username:  msg.Nick,
		Timestamp: msg.Timestamp.UTC().Format(time.RFC3339Nano),
		MessageId: msg.Id,
	}
	if msg.IsFile() {
		wire.MessageType = string(msg.Kind)
		wire.FileUrl = msg.FileUrl
		wire.FileName = msg.FileName
		wire.FileSize = msg.FileSize
		wire.MimeType = msg.MimeType
	}
	return wire
}

type WireError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func NewWireError(reason string) WireError {
	return WireError{Type: WireTypeError, Message: reason}
}
