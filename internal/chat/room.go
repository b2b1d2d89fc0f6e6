package chat

import (
	"slices"
	"strings"
)

// Pair is the canonical identity of a 1:1 room: two distinct participants in
// ascending order. Two pairs are the same room iff they compare equal.
type Pair [2]string

// Canonicalize trims, drops blanks, sorts and deduplicates participants. It
// returns ErrInvalidParticipantCount unless exactly two remain.
func Canonicalize(participants []string) (Pair, error) {
	cleaned := make([]string, 0, len(participants))
	for _, p := range participants {
		if p = strings.TrimSpace(p); p != "" {
			cleaned = append(cleaned, p)
		}
	}
	slices.Sort(cleaned)
	cleaned = slices.Compact(cleaned)
	if len(cleaned) != 2 {
		return Pair{}, ErrInvalidParticipantCount
	}
	return Pair{cleaned[0], cleaned[1]}, nil
}

// Room is a conversation scope. Participants starts with the canonical pair and
// grows only by appending senders that were not yet members.
type Room struct {
	ID           int32    `json:"id"`
	Pair         Pair     `json:"-"`
	Participants []string `json:"participants"`
}

// HasParticipant reports whether user is a member of the room.
func (r Room) HasParticipant(user string) bool {
	return slices.Contains(r.Participants, user)
}

// RoomUnread pairs a room with the unread count of one user.
type RoomUnread struct {
	Room        Room
	UnreadCount int64
}
