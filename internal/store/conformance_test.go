package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/Tyrowin/roomchat/internal/chat"
)

// runConformance exercises the behavior every Store implementation must share.
// newStore must return an empty store.
func runConformance(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("FindOrCreateIsIdempotent", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		first, err := s.FindOrCreateRoom(ctx, chat.Pair{"alice", "bob"})
		if err != nil {
			t.Fatalf("FindOrCreateRoom() error = %v", err)
		}
		second, err := s.FindOrCreateRoom(ctx, chat.Pair{"alice", "bob"})
		if err != nil {
			t.Fatalf("FindOrCreateRoom() error = %v", err)
		}
		if first.ID != second.ID {
			t.Errorf("expected same room, got %d and %d", first.ID, second.ID)
		}
		if got := first.Participants; len(got) != 2 || got[0] != "alice" || got[1] != "bob" {
			t.Errorf("Participants = %v, want [alice bob]", got)
		}

		other, err := s.FindOrCreateRoom(ctx, chat.Pair{"alice", "carol"})
		if err != nil {
			t.Fatalf("FindOrCreateRoom() error = %v", err)
		}
		if other.ID == first.ID {
			t.Error("different pairs must map to different rooms")
		}
	})

	t.Run("ConcurrentFindOrCreate", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		const workers = 16
		ids := make([]int32, workers)
		errs := make([]error, workers)
		var wg sync.WaitGroup
		for i := range workers {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				room, err := s.FindOrCreateRoom(ctx, chat.Pair{"dave", "erin"})
				ids[i], errs[i] = room.ID, err
			}(i)
		}
		wg.Wait()

		for i := range workers {
			if errs[i] != nil {
				t.Fatalf("worker %d: %v", i, errs[i])
			}
			if ids[i] != ids[0] {
				t.Fatalf("worker %d got room %d, want %d", i, ids[i], ids[0])
			}
		}
		rooms, err := s.ListRooms(ctx)
		if err != nil {
			t.Fatalf("ListRooms() error = %v", err)
		}
		if len(rooms) != 1 {
			t.Errorf("expected 1 room, got %d", len(rooms))
		}
	})

	t.Run("AppendAndList", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		room := mustRoom(t, s, "alice", "bob")

		var last int64
		for i, body := range []string{"hi", "hey", "how are you"} {
			msg, err := s.AppendMessage(ctx, room.ID, "alice", body)
			if err != nil {
				t.Fatalf("AppendMessage(%d) error = %v", i, err)
			}
			if msg.ID <= last {
				t.Errorf("ids must increase: %d after %d", msg.ID, last)
			}
			if msg.CreatedAt.IsZero() {
				t.Error("CreatedAt must be set")
			}
			last = msg.ID
		}

		msgs, err := s.ListMessages(ctx, room.ID)
		if err != nil {
			t.Fatalf("ListMessages() error = %v", err)
		}
		if len(msgs) != 3 {
			t.Fatalf("expected 3 messages, got %d", len(msgs))
		}
		if msgs[0].Body != "hi" || msgs[2].Body != "how are you" {
			t.Errorf("unexpected order: %+v", msgs)
		}
		for _, m := range msgs {
			if m.RoomID != room.ID {
				t.Errorf("message %d has room %d, want %d", m.ID, m.RoomID, room.ID)
			}
		}

		maxID, err := s.MaxMessageID(ctx, room.ID)
		if err != nil {
			t.Fatalf("MaxMessageID() error = %v", err)
		}
		if maxID == nil || *maxID != last {
			t.Errorf("MaxMessageID() = %v, want %d", maxID, last)
		}
	})

	t.Run("AppendToMissingRoom", func(t *testing.T) {
		s := newStore(t)
		_, err := s.AppendMessage(context.Background(), 999, "alice", "hi")
		if !errors.Is(err, chat.ErrRoomNotFound) {
			t.Errorf("expected ErrRoomNotFound, got %v", err)
		}
	})

	t.Run("EmptyRoom", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		room := mustRoom(t, s, "alice", "bob")

		msgs, err := s.ListMessages(ctx, room.ID)
		if err != nil {
			t.Fatalf("ListMessages() error = %v", err)
		}
		if msgs == nil || len(msgs) != 0 {
			t.Errorf("expected empty non-nil list, got %v", msgs)
		}
		maxID, err := s.MaxMessageID(ctx, room.ID)
		if err != nil {
			t.Fatalf("MaxMessageID() error = %v", err)
		}
		if maxID != nil {
			t.Errorf("MaxMessageID() = %d, want nil", *maxID)
		}
	})

	t.Run("RoomsAreIsolated", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		ab := mustRoom(t, s, "alice", "bob")
		ac := mustRoom(t, s, "alice", "carol")

		mustAppend(t, s, ab.ID, "alice", "to bob")
		mustAppend(t, s, ac.ID, "alice", "to carol")
		mustAppend(t, s, ac.ID, "carol", "back")

		n, err := s.CountMessagesAfter(ctx, ab.ID, nil, "")
		if err != nil {
			t.Fatalf("CountMessagesAfter() error = %v", err)
		}
		if n != 1 {
			t.Errorf("room %d count = %d, want 1", ab.ID, n)
		}
		msgs, err := s.ListMessages(ctx, ac.ID)
		if err != nil {
			t.Fatalf("ListMessages() error = %v", err)
		}
		if len(msgs) != 2 {
			t.Errorf("room %d has %d messages, want 2", ac.ID, len(msgs))
		}
	})

	t.Run("CountMessagesAfter", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		room := mustRoom(t, s, "alice", "bob")

		first := mustAppend(t, s, room.ID, "alice", "one")
		mustAppend(t, s, room.ID, "bob", "two")
		mustAppend(t, s, room.ID, "alice", "three")

		tests := []struct {
			name    string
			after   *int64
			exclude string
			want    int64
		}{
			{"all", nil, "", 3},
			{"after first", &first.ID, "", 2},
			{"exclude alice", nil, "alice", 1},
			{"after first excluding bob", &first.ID, "bob", 1},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				n, err := s.CountMessagesAfter(ctx, room.ID, tt.after, tt.exclude)
				if err != nil {
					t.Fatalf("CountMessagesAfter() error = %v", err)
				}
				if n != tt.want {
					t.Errorf("CountMessagesAfter() = %d, want %d", n, tt.want)
				}
			})
		}
	})

	t.Run("GetRoom", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		room := mustRoom(t, s, "alice", "bob")

		got, err := s.GetRoom(ctx, room.ID)
		if err != nil {
			t.Fatalf("GetRoom() error = %v", err)
		}
		if got.Pair != room.Pair {
			t.Errorf("Pair = %v, want %v", got.Pair, room.Pair)
		}
		if _, err := s.GetRoom(ctx, room.ID+100); !errors.Is(err, chat.ErrRoomNotFound) {
			t.Errorf("expected ErrRoomNotFound, got %v", err)
		}
	})

	t.Run("Participants", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		room := mustRoom(t, s, "alice", "bob")

		for _, user := range []string{"carol", "alice", "carol"} {
			if err := s.AddParticipant(ctx, room.ID, user); err != nil {
				t.Fatalf("AddParticipant(%q) error = %v", user, err)
			}
		}
		got, err := s.GetRoom(ctx, room.ID)
		if err != nil {
			t.Fatalf("GetRoom() error = %v", err)
		}
		want := []string{"alice", "bob", "carol"}
		if fmt.Sprint(got.Participants) != fmt.Sprint(want) {
			t.Errorf("Participants = %v, want %v", got.Participants, want)
		}

		rooms, err := s.ListRoomsForUser(ctx, "carol")
		if err != nil {
			t.Fatalf("ListRoomsForUser() error = %v", err)
		}
		if len(rooms) != 1 || rooms[0].ID != room.ID {
			t.Errorf("ListRoomsForUser(carol) = %+v", rooms)
		}

		if err := s.AddParticipant(ctx, room.ID+100, "zed"); !errors.Is(err, chat.ErrRoomNotFound) {
			t.Errorf("expected ErrRoomNotFound, got %v", err)
		}
	})

	t.Run("ConcurrentAppend", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		room := mustRoom(t, s, "alice", "bob")

		const workers = 32
		var wg sync.WaitGroup
		for i := range workers {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				if _, err := s.AppendMessage(ctx, room.ID, "alice", fmt.Sprintf("msg %d", i)); err != nil {
					t.Errorf("AppendMessage() error = %v", err)
				}
			}(i)
		}
		wg.Wait()

		msgs, err := s.ListMessages(ctx, room.ID)
		if err != nil {
			t.Fatalf("ListMessages() error = %v", err)
		}
		if len(msgs) != workers {
			t.Fatalf("got %d messages, want %d", len(msgs), workers)
		}
		bodies := make(map[string]bool, workers)
		for i, m := range msgs {
			if i > 0 && m.ID <= msgs[i-1].ID {
				t.Errorf("ids not strictly increasing: %d then %d", msgs[i-1].ID, m.ID)
			}
			bodies[m.Body] = true
		}
		if len(bodies) != workers {
			t.Errorf("got %d distinct bodies, want %d", len(bodies), workers)
		}
	})

	t.Run("ConcurrentAddParticipant", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		room := mustRoom(t, s, "alice", "bob")

		const joiners = 12
		var wg sync.WaitGroup
		for i := range joiners {
			// Every user joins twice to exercise the duplicate check.
			for range 2 {
				wg.Add(1)
				go func(user string) {
					defer wg.Done()
					if err := s.AddParticipant(ctx, room.ID, user); err != nil {
						t.Errorf("AddParticipant(%q) error = %v", user, err)
					}
				}(fmt.Sprintf("user%02d", i))
			}
		}
		wg.Wait()

		got, err := s.GetRoom(ctx, room.ID)
		if err != nil {
			t.Fatalf("GetRoom() error = %v", err)
		}
		if len(got.Participants) != joiners+2 {
			t.Fatalf("got %d participants, want %d: %v", len(got.Participants), joiners+2, got.Participants)
		}
		if got.Participants[0] != "alice" || got.Participants[1] != "bob" {
			t.Errorf("pair not kept first: %v", got.Participants)
		}
		seen := make(map[string]bool, len(got.Participants))
		for _, p := range got.Participants {
			if seen[p] {
				t.Errorf("duplicate participant %q", p)
			}
			seen[p] = true
		}
		for i := range joiners {
			if user := fmt.Sprintf("user%02d", i); !seen[user] {
				t.Errorf("participant %q lost", user)
			}
		}
	})

	t.Run("ListRoomsForUser", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		ab := mustRoom(t, s, "alice", "bob")
		mustRoom(t, s, "bob", "carol")
		ad := mustRoom(t, s, "alice", "dave")

		rooms, err := s.ListRoomsForUser(ctx, "alice")
		if err != nil {
			t.Fatalf("ListRoomsForUser() error = %v", err)
		}
		if len(rooms) != 2 || rooms[0].ID != ab.ID || rooms[1].ID != ad.ID {
			t.Errorf("ListRoomsForUser(alice) = %+v", rooms)
		}

		none, err := s.ListRoomsForUser(ctx, "nobody")
		if err != nil {
			t.Fatalf("ListRoomsForUser() error = %v", err)
		}
		if none == nil || len(none) != 0 {
			t.Errorf("expected empty non-nil list, got %v", none)
		}
	})

	t.Run("ReadMarkers", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		room := mustRoom(t, s, "alice", "bob")

		if _, ok, err := s.GetReadMarker(ctx, room.ID, "alice"); err != nil || ok {
			t.Fatalf("GetReadMarker() = ok %v, err %v; want no marker", ok, err)
		}

		msg := mustAppend(t, s, room.ID, "bob", "hi")
		marker, err := s.UpsertReadMarker(ctx, room.ID, "alice", &msg.ID)
		if err != nil {
			t.Fatalf("UpsertReadMarker() error = %v", err)
		}
		if marker.LastReadMessageID == nil || *marker.LastReadMessageID != msg.ID {
			t.Errorf("LastReadMessageID = %v, want %d", marker.LastReadMessageID, msg.ID)
		}

		// Markers are last-write-wins, including moving backwards.
		if _, err := s.UpsertReadMarker(ctx, room.ID, "alice", nil); err != nil {
			t.Fatalf("UpsertReadMarker(nil) error = %v", err)
		}
		got, ok, err := s.GetReadMarker(ctx, room.ID, "alice")
		if err != nil || !ok {
			t.Fatalf("GetReadMarker() = ok %v, err %v", ok, err)
		}
		if got.LastReadMessageID != nil {
			t.Errorf("LastReadMessageID = %d, want nil", *got.LastReadMessageID)
		}

		future := msg.ID + 1000
		if _, err := s.UpsertReadMarker(ctx, room.ID, "alice", &future); err != nil {
			t.Fatalf("UpsertReadMarker(future) error = %v", err)
		}
		got, _, _ = s.GetReadMarker(ctx, room.ID, "alice")
		if got.LastReadMessageID == nil || *got.LastReadMessageID != future {
			t.Errorf("LastReadMessageID = %v, want %d", got.LastReadMessageID, future)
		}

		if _, err := s.UpsertReadMarker(ctx, room.ID+100, "alice", nil); !errors.Is(err, chat.ErrRoomNotFound) {
			t.Errorf("expected ErrRoomNotFound, got %v", err)
		}
	})

	t.Run("ConcurrentUpsertKeepsOneMarker", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		room := mustRoom(t, s, "alice", "bob")

		var wg sync.WaitGroup
		for i := range 8 {
			wg.Add(1)
			go func(id int64) {
				defer wg.Done()
				if _, err := s.UpsertReadMarker(ctx, room.ID, "alice", &id); err != nil {
					t.Errorf("UpsertReadMarker() error = %v", err)
				}
			}(int64(i))
		}
		wg.Wait()

		got, ok, err := s.GetReadMarker(ctx, room.ID, "alice")
		if err != nil || !ok {
			t.Fatalf("GetReadMarker() = ok %v, err %v", ok, err)
		}
		if got.LastReadMessageID == nil || *got.LastReadMessageID < 0 || *got.LastReadMessageID > 7 {
			t.Errorf("LastReadMessageID = %v, want one of the written values", got.LastReadMessageID)
		}
	})

	t.Run("DeleteRoom", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		room := mustRoom(t, s, "alice", "bob")
		msg := mustAppend(t, s, room.ID, "alice", "hi")
		if _, err := s.UpsertReadMarker(ctx, room.ID, "bob", &msg.ID); err != nil {
			t.Fatalf("UpsertReadMarker() error = %v", err)
		}

		if err := s.DeleteRoom(ctx, room.ID); err != nil {
			t.Fatalf("DeleteRoom() error = %v", err)
		}
		if err := s.DeleteRoom(ctx, room.ID); err != nil {
			t.Errorf("second DeleteRoom() error = %v", err)
		}
		if _, err := s.GetRoom(ctx, room.ID); !errors.Is(err, chat.ErrRoomNotFound) {
			t.Errorf("expected ErrRoomNotFound after delete, got %v", err)
		}
		if _, err := s.AppendMessage(ctx, room.ID, "alice", "late"); !errors.Is(err, chat.ErrRoomNotFound) {
			t.Errorf("expected ErrRoomNotFound on append after delete, got %v", err)
		}
		if _, ok, _ := s.GetReadMarker(ctx, room.ID, "bob"); ok {
			t.Error("read marker survived room deletion")
		}

		again := mustRoom(t, s, "alice", "bob")
		if again.ID == room.ID {
			t.Errorf("recreated room reused id %d", room.ID)
		}
		msgs, err := s.ListMessages(ctx, again.ID)
		if err != nil {
			t.Fatalf("ListMessages() error = %v", err)
		}
		if len(msgs) != 0 {
			t.Errorf("recreated room has %d messages", len(msgs))
		}
	})

	t.Run("PingAndClose", func(t *testing.T) {
		s := newStore(t)
		if err := s.Ping(context.Background()); err != nil {
			t.Errorf("Ping() error = %v", err)
		}
	})
}

func mustRoom(t *testing.T, s Store, a, b string) chat.Room {
	t.Helper()
	pair, err := chat.Canonicalize([]string{a, b})
	if err != nil {
		t.Fatalf("Canonicalize() error = %v", err)
	}
	room, err := s.FindOrCreateRoom(context.Background(), pair)
	if err != nil {
		t.Fatalf("FindOrCreateRoom() error = %v", err)
	}
	return room
}

func mustAppend(t *testing.T, s Store, roomID int32, sender, body string) chat.Message {
	t.Helper()
	msg, err := s.AppendMessage(context.Background(), roomID, sender, body)
	if err != nil {
		t.Fatalf("AppendMessage() error = %v", err)
	}
	return msg
}
