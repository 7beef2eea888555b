package chat

import (
	"encoding/json"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/mitchellh/mapstructure"
	"github.com/roomchat/roomchat/types"
)

// MaxMessageLength is the maximum number of characters (not bytes) of a text message.
const MaxMessageLength = 1000

const (
	ReasonEmpty         = "empty message"
	ReasonInvalidFormat = "invalid format"
	ReasonBlank         = "message content cannot be empty"
	ReasonTooLong       = "message too long"
	ReasonUnsupported   = "unsupported event type"
	ReasonNoFile        = "file is required"
	ReasonInternal      = "internal server error"
)

var roomNameRe = regexp.MustCompile(`^[A-Za-z0-9_-]{1,100}$`)

// ValidRoomName reports whether name can be used as a room name.
func ValidRoomName(name string) bool {
	return roomNameRe.MatchString(name)
}

// ValidationError is returned for input that is rejected before anything is persisted. The reason is sent back to
// the client as is.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return e.Reason
}

func invalid(reason string) error {
	return &ValidationError{Reason: reason}
}

// ParseInbound validates a raw inbound payload and returns the trimmed message body.
func ParseInbound(payload []byte) (string, error) {
	if len(payload) == 0 {
		return "", invalid(ReasonEmpty)
	}
	raw := make(map[string]interface{})
	if err := json.Unmarshal(payload, &raw); err != nil || raw == nil {
		return "", invalid(ReasonInvalidFormat)
	}
	msg := types.InboundMessage{}
	md := mapstructure.Metadata{}
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{Result: &msg, Metadata: &md})
	if err != nil {
		return "", err
	}
	if err := decoder.Decode(raw); err != nil {
		return "", invalid(ReasonInvalidFormat)
	}
	if msg.Type != "" && msg.Type != types.WireTypeChatMessage {
		return "", invalid(ReasonUnsupported)
	}
	for _, unset := range md.Unset {
		if strings.EqualFold(unset, "message") {
			return "", invalid(ReasonInvalidFormat)
		}
	}
	body := strings.TrimSpace(msg.Message)
	if body == "" {
		return "", invalid(ReasonBlank)
	}
	if utf8.RuneCountInString(body) > MaxMessageLength {
		return "", invalid(ReasonTooLong)
	}
	return body, nil
}
