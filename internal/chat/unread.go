package chat

import (
	"context"
	"strings"

	"go.opentelemetry.io/otel/attribute"

	"github.com/Tyrowin/roomchat/internal/metrics"
)

// UnreadCount returns how many messages in the room the user has not read,
// according to the service's unread policy.
func (s *Service) UnreadCount(ctx context.Context, roomID int32, user string) (int64, error) {
	if _, err := s.GetRoom(ctx, roomID); err != nil {
		return 0, err
	}
	return s.unreadCount(ctx, roomID, user)
}

func (s *Service) unreadCount(ctx context.Context, roomID int32, user string) (int64, error) {
	marker, ok, err := s.repo.GetReadMarker(ctx, roomID, user)
	if err != nil {
		return 0, persistence("get read marker", err)
	}

	var after *int64
	if ok {
		after = marker.LastReadMessageID
	}

	exclude := ""
	if s.policy == UnreadOthersOnly {
		exclude = user
	}
	return s.CountAfter(ctx, roomID, after, exclude)
}

// ListRoomsForUser returns the rooms user participates in with their unread
// counts. A blank user yields an empty list. A failed count degrades that room
// to 0 instead of failing the listing.
func (s *Service) ListRoomsForUser(ctx context.Context, user string) ([]RoomUnread, error) {
	if strings.TrimSpace(user) == "" {
		return []RoomUnread{}, nil
	}

	ctx, span := s.tracer.Start(ctx, "chat.ListRoomsForUser")
	defer span.End()

	rooms, err := s.repo.ListRoomsForUser(ctx, user)
	if err != nil {
		span.RecordError(err)
		return nil, persistence("list rooms for user", err)
	}

	out := make([]RoomUnread, 0, len(rooms))
	for _, room := range rooms {
		n, err := s.unreadCount(ctx, room.ID, user)
		if err != nil {
			metrics.UnreadDegraded.Inc()
			s.logger.Warn().Err(err).
				Int32("room_id", room.ID).
				Str("user", user).
				Msg("unread count failed; reporting 0")
			n = 0
		}
		out = append(out, RoomUnread{Room: room, UnreadCount: n})
	}
	span.SetAttributes(attribute.Int("chat.room_count", len(out)))
	return out, nil
}
