package chat

import "context"

// Repository is the persistence collaborator of the Service. Implementations
// live in internal/store.
//
// AppendMessage and UpsertReadMarker must check room existence as part of the
// same atomic write and return ErrRoomNotFound when the room is missing.
// FindOrCreateRoom, AddParticipant and UpsertReadMarker must be safe under
// concurrent calls for the same key.
type Repository interface {
	AppendMessage(ctx context.Context, roomID int32, sender, body string) (Message, error)
	ListMessages(ctx context.Context, roomID int32) ([]Message, error)
	CountMessagesAfter(ctx context.Context, roomID int32, after *int64, excludeSender string) (int64, error)
	MaxMessageID(ctx context.Context, roomID int32) (*int64, error)

	FindOrCreateRoom(ctx context.Context, pair Pair) (Room, error)
	GetRoom(ctx context.Context, id int32) (Room, error)
	ListRooms(ctx context.Context) ([]Room, error)
	ListRoomsForUser(ctx context.Context, user string) ([]Room, error)
	AddParticipant(ctx context.Context, roomID int32, user string) error
	DeleteRoom(ctx context.Context, id int32) error

	UpsertReadMarker(ctx context.Context, roomID int32, user string, lastReadID *int64) (ReadMarker, error)
	GetReadMarker(ctx context.Context, roomID int32, user string) (ReadMarker, bool, error)
}

// Publisher receives messages after they are durably stored.
type Publisher interface {
	Publish(msg Message)
}
