package chat

import (
	"strings"
	"time"
	"unicode/utf8"
)

// MaxBodyLength is the maximum number of characters accepted in a message body.
const MaxBodyLength = 500

// Message is an immutable chat message bound to one room. ID is assigned by the
// store and strictly increases within a room.
type Message struct {
	ID        int64     `json:"id"`
	RoomID    int32     `json:"room_id"`
	Sender    string    `json:"sender"`
	Body      string    `json:"message"`
	CreatedAt time.Time `json:"timestamp"`
}

// ValidateMessage checks sender and body in the order the send path requires:
// emptiness first, then body length.
func ValidateMessage(sender, body string) error {
	if strings.TrimSpace(sender) == "" {
		return &ValidationError{Field: "sender", Reason: "must not be empty"}
	}
	if strings.TrimSpace(body) == "" {
		return &ValidationError{Field: "message", Reason: "must not be empty"}
	}
	if utf8.RuneCountInString(body) > MaxBodyLength {
		return &ValidationError{Field: "message", Reason: "must be at most 500 characters"}
	}
	return nil
}
