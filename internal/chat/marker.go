package chat

import "time"

// ReadMarker records the last message a user considers read in a room. A nil
// LastReadMessageID means nothing has been read yet. The id is not checked
// against the room's log; a future or foreign id is stored as given.
type ReadMarker struct {
	RoomID            int32     `json:"room_id"`
	User              string    `json:"username"`
	LastReadMessageID *int64    `json:"last_read_message_id"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// UnreadPolicy selects which messages count as unread.
type UnreadPolicy int

const (
	// UnreadAllSenders counts every message after the marker, including the
	// user's own.
	UnreadAllSenders UnreadPolicy = iota
	// UnreadOthersOnly ignores messages the user sent.
	UnreadOthersOnly
)

// ParseUnreadPolicy maps a configuration value to a policy. Unknown values fall
// back to UnreadAllSenders.
func ParseUnreadPolicy(v string) UnreadPolicy {
	if v == "others" {
		return UnreadOthersOnly
	}
	return UnreadAllSenders
}

func (p UnreadPolicy) String() string {
	if p == UnreadOthersOnly {
		return "others"
	}
	return "all"
}
