package store

import (
	"context"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Tyrowin/roomchat/internal/chat"
)

// MemoryStore keeps everything in process memory. The store-wide lock guards
// only the room index; all per-room work happens under that room's own lock,
// and room creation is serialized per canonical pair.
type MemoryStore struct {
	mu       sync.RWMutex
	rooms    map[int32]*memRoom
	byPair   map[chat.Pair]int32
	nextRoom int32

	nextMessage atomic.Int64
	pairLocks   keyedMutex[chat.Pair]
}

type memRoom struct {
	mu           sync.Mutex
	id           int32
	pair         chat.Pair
	participants []string
	messages     []chat.Message
	markers      map[string]chat.ReadMarker
	deleted      bool
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rooms:  make(map[int32]*memRoom),
		byPair: make(map[chat.Pair]int32),
	}
}

// Ping always succeeds.
func (s *MemoryStore) Ping(context.Context) error { return nil }

// Close is a no-op.
func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) room(id int32) *memRoom {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rooms[id]
}

func (r *memRoom) snapshot() chat.Room {
	return chat.Room{
		ID:           r.id,
		Pair:         r.pair,
		Participants: slices.Clone(r.participants),
	}
}

// AppendMessage assigns the next id and appends under the room lock, so ids
// within a room are observed in insertion order.
func (s *MemoryStore) AppendMessage(_ context.Context, roomID int32, sender, body string) (chat.Message, error) {
	r := s.room(roomID)
	if r == nil {
		return chat.Message{}, chat.ErrRoomNotFound
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.deleted {
		return chat.Message{}, chat.ErrRoomNotFound
	}

	msg := chat.Message{
		ID:        s.nextMessage.Add(1),
		RoomID:    roomID,
		Sender:    sender,
		Body:      body,
		CreatedAt: time.Now().UTC(),
	}
	r.messages = append(r.messages, msg)
	return msg, nil
}

// ListMessages returns a copy of the room's log. A missing room yields an
// empty list.
func (s *MemoryStore) ListMessages(_ context.Context, roomID int32) ([]chat.Message, error) {
	r := s.room(roomID)
	if r == nil {
		return []chat.Message{}, nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]chat.Message{}, r.messages...), nil
}

// CountMessagesAfter counts messages with id > after, skipping excludeSender
// when it is non-empty.
func (s *MemoryStore) CountMessagesAfter(_ context.Context, roomID int32, after *int64, excludeSender string) (int64, error) {
	r := s.room(roomID)
	if r == nil {
		return 0, nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	var n int64
	for _, m := range r.messages {
		if after != nil && m.ID <= *after {
			continue
		}
		if excludeSender != "" && m.Sender == excludeSender {
			continue
		}
		n++
	}
	return n, nil
}

// MaxMessageID returns the newest id in the room, or nil when it is empty.
func (s *MemoryStore) MaxMessageID(_ context.Context, roomID int32) (*int64, error) {
	r := s.room(roomID)
	if r == nil {
		return nil, nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.messages) == 0 {
		return nil, nil
	}
	id := r.messages[len(r.messages)-1].ID
	return &id, nil
}

// FindOrCreateRoom looks the pair up and creates the room on a miss, holding
// the pair's lock across both steps.
func (s *MemoryStore) FindOrCreateRoom(_ context.Context, pair chat.Pair) (chat.Room, error) {
	unlock := s.pairLocks.Lock(pair)
	defer unlock()

	for {
		s.mu.RLock()
		id, ok := s.byPair[pair]
		r := s.rooms[id]
		s.mu.RUnlock()

		if !ok {
			r = s.createRoom(pair)
		}

		// DeleteRoom does not take the pair lock and may tombstone r here.
		r.mu.Lock()
		if !r.deleted {
			room := r.snapshot()
			r.mu.Unlock()
			return room, nil
		}
		r.mu.Unlock()
	}
}

func (s *MemoryStore) createRoom(pair chat.Pair) *memRoom {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextRoom++
	r := &memRoom{
		id:           s.nextRoom,
		pair:         pair,
		participants: []string{pair[0], pair[1]},
		markers:      make(map[string]chat.ReadMarker),
	}
	s.rooms[r.id] = r
	s.byPair[pair] = r.id
	return r
}

// GetRoom returns the room or chat.ErrRoomNotFound.
func (s *MemoryStore) GetRoom(_ context.Context, id int32) (chat.Room, error) {
	r := s.room(id)
	if r == nil {
		return chat.Room{}, chat.ErrRoomNotFound
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.deleted {
		return chat.Room{}, chat.ErrRoomNotFound
	}
	return r.snapshot(), nil
}

func (s *MemoryStore) allRooms() []*memRoom {
	s.mu.RLock()
	rooms := make([]*memRoom, 0, len(s.rooms))
	for _, r := range s.rooms {
		rooms = append(rooms, r)
	}
	s.mu.RUnlock()

	slices.SortFunc(rooms, func(a, b *memRoom) int { return int(a.id) - int(b.id) })
	return rooms
}

// ListRooms returns all rooms ordered by id.
func (s *MemoryStore) ListRooms(context.Context) ([]chat.Room, error) {
	out := []chat.Room{}
	for _, r := range s.allRooms() {
		r.mu.Lock()
		if !r.deleted {
			out = append(out, r.snapshot())
		}
		r.mu.Unlock()
	}
	return out, nil
}

// ListRoomsForUser returns the rooms that list user as a participant.
func (s *MemoryStore) ListRoomsForUser(_ context.Context, user string) ([]chat.Room, error) {
	out := []chat.Room{}
	for _, r := range s.allRooms() {
		r.mu.Lock()
		if !r.deleted && slices.Contains(r.participants, user) {
			out = append(out, r.snapshot())
		}
		r.mu.Unlock()
	}
	return out, nil
}

// AddParticipant appends user unless already present.
func (s *MemoryStore) AddParticipant(_ context.Context, roomID int32, user string) error {
	r := s.room(roomID)
	if r == nil {
		return chat.ErrRoomNotFound
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.deleted {
		return chat.ErrRoomNotFound
	}
	if !slices.Contains(r.participants, user) {
		r.participants = append(r.participants, user)
	}
	return nil
}

// DeleteRoom drops the room with its messages and markers.
func (s *MemoryStore) DeleteRoom(_ context.Context, id int32) error {
	s.mu.Lock()
	r, ok := s.rooms[id]
	if ok {
		delete(s.rooms, id)
		delete(s.byPair, r.pair)
	}
	s.mu.Unlock()

	if !ok {
		return nil
	}
	r.mu.Lock()
	r.deleted = true
	r.messages = nil
	r.markers = nil
	r.participants = nil
	r.mu.Unlock()
	return nil
}

// UpsertReadMarker creates or replaces the (room, user) marker.
func (s *MemoryStore) UpsertReadMarker(_ context.Context, roomID int32, user string, lastReadID *int64) (chat.ReadMarker, error) {
	r := s.room(roomID)
	if r == nil {
		return chat.ReadMarker{}, chat.ErrRoomNotFound
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.deleted {
		return chat.ReadMarker{}, chat.ErrRoomNotFound
	}

	marker := chat.ReadMarker{
		RoomID:    roomID,
		User:      user,
		UpdatedAt: time.Now().UTC(),
	}
	if lastReadID != nil {
		id := *lastReadID
		marker.LastReadMessageID = &id
	}
	r.markers[user] = marker
	return marker, nil
}

// GetReadMarker returns the marker and whether it exists.
func (s *MemoryStore) GetReadMarker(_ context.Context, roomID int32, user string) (chat.ReadMarker, bool, error) {
	r := s.room(roomID)
	if r == nil {
		return chat.ReadMarker{}, false, nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	marker, ok := r.markers[user]
	return marker, ok, nil
}
