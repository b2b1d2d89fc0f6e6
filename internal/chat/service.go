// Package chat implements the send, read-marker and unread operations on top of
// a Repository and a Publisher.
package chat

import (
	"context"
	"errors"
	"strings"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/Tyrowin/roomchat/internal/metrics"
)

// Service coordinates the message store, room registry, read markers and the
// broadcast hub.
type Service struct {
	repo      Repository
	publisher Publisher
	policy    UnreadPolicy
	logger    zerolog.Logger
	tracer    trace.Tracer
}

// Option configures a Service.
type Option func(*Service)

// WithUnreadPolicy overrides the default all-senders unread policy.
func WithUnreadPolicy(p UnreadPolicy) Option {
	return func(s *Service) { s.policy = p }
}

// WithLogger sets the service logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

// NewService creates a Service. A nil publisher disables fan-out.
func NewService(repo Repository, publisher Publisher, opts ...Option) *Service {
	s := &Service{
		repo:      repo,
		publisher: publisher,
		policy:    UnreadAllSenders,
		logger:    zerolog.Nop(),
		tracer:    otel.Tracer("github.com/Tyrowin/roomchat/internal/chat"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// UnreadPolicy returns the active unread policy.
func (s *Service) UnreadPolicy() UnreadPolicy {
	return s.policy
}

// Append validates and persists a message without publishing it.
func (s *Service) Append(ctx context.Context, roomID int32, sender, body string) (Message, error) {
	if err := ValidateMessage(sender, body); err != nil {
		return Message{}, err
	}
	msg, err := s.repo.AppendMessage(ctx, roomID, sender, body)
	if err != nil {
		return Message{}, persistence("append message", err)
	}
	return msg, nil
}

// Send persists a message, records the sender as a room participant and then
// publishes the message. Nothing is published unless the insert committed, and
// a committed message is reported as sent even if fan-out reaches nobody.
func (s *Service) Send(ctx context.Context, roomID int32, sender, body string) (Message, error) {
	ctx, span := s.tracer.Start(ctx, "chat.Send", trace.WithAttributes(
		attribute.Int("chat.room_id", int(roomID)),
	))
	defer span.End()

	msg, err := s.Append(ctx, roomID, sender, body)
	if err != nil {
		metrics.SendsRejected.WithLabelValues(rejectReason(err)).Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Message{}, err
	}

	if err := s.repo.AddParticipant(ctx, roomID, msg.Sender); err != nil {
		s.logger.Warn().Err(err).
			Int32("room_id", roomID).
			Str("sender", msg.Sender).
			Msg("failed to record sender as participant")
	}

	if s.publisher != nil {
		s.publisher.Publish(msg)
	}
	metrics.MessagesSent.Inc()
	span.SetAttributes(attribute.Int64("chat.message_id", msg.ID))

	s.logger.Debug().
		Int64("id", msg.ID).
		Int32("room_id", roomID).
		Str("sender", msg.Sender).
		Msg("message sent")
	return msg, nil
}

func rejectReason(err error) string {
	switch {
	case IsValidation(err):
		return "validation"
	case errors.Is(err, ErrRoomNotFound):
		return "not_found"
	default:
		return "persistence"
	}
}

// ListMessages returns the room's messages in ascending id order.
func (s *Service) ListMessages(ctx context.Context, roomID int32) ([]Message, error) {
	if _, err := s.GetRoom(ctx, roomID); err != nil {
		return nil, err
	}
	msgs, err := s.repo.ListMessages(ctx, roomID)
	if err != nil {
		return nil, persistence("list messages", err)
	}
	return msgs, nil
}

// CountAfter counts messages in a room with id greater than after (all when
// nil), optionally ignoring one sender.
func (s *Service) CountAfter(ctx context.Context, roomID int32, after *int64, excludeSender string) (int64, error) {
	n, err := s.repo.CountMessagesAfter(ctx, roomID, after, excludeSender)
	if err != nil {
		return 0, persistence("count messages", err)
	}
	return n, nil
}

// FindOrCreateRoom returns the room for the canonical form of participants,
// creating it on first use.
func (s *Service) FindOrCreateRoom(ctx context.Context, participants []string) (Room, error) {
	pair, err := Canonicalize(participants)
	if err != nil {
		return Room{}, err
	}
	room, err := s.repo.FindOrCreateRoom(ctx, pair)
	if err != nil {
		return Room{}, persistence("find or create room", err)
	}
	return room, nil
}

// GetRoom returns a room or ErrRoomNotFound.
func (s *Service) GetRoom(ctx context.Context, id int32) (Room, error) {
	room, err := s.repo.GetRoom(ctx, id)
	if err != nil {
		return Room{}, persistence("get room", err)
	}
	return room, nil
}

// ListRooms returns every room ordered by id.
func (s *Service) ListRooms(ctx context.Context) ([]Room, error) {
	rooms, err := s.repo.ListRooms(ctx)
	if err != nil {
		return nil, persistence("list rooms", err)
	}
	return rooms, nil
}

// AddParticipant appends user to the room's participants if absent.
func (s *Service) AddParticipant(ctx context.Context, roomID int32, user string) error {
	if strings.TrimSpace(user) == "" {
		return &ValidationError{Field: "username", Reason: "must not be empty"}
	}
	return persistence("add participant", s.repo.AddParticipant(ctx, roomID, user))
}

// DeleteRoom removes a room with its messages, participants and read markers.
// Deleting a missing room is not an error.
func (s *Service) DeleteRoom(ctx context.Context, id int32) error {
	if err := s.repo.DeleteRoom(ctx, id); err != nil {
		return persistence("delete room", err)
	}
	s.logger.Info().Int32("room_id", id).Msg("room deleted")
	return nil
}

// MarkRead upserts the user's read marker. When lastReadID is nil the room's
// current maximum message id is used; a message committed between that read and
// the upsert may be marked read as well.
func (s *Service) MarkRead(ctx context.Context, roomID int32, user string, lastReadID *int64) (ReadMarker, error) {
	ctx, span := s.tracer.Start(ctx, "chat.MarkRead", trace.WithAttributes(
		attribute.Int("chat.room_id", int(roomID)),
	))
	defer span.End()

	if strings.TrimSpace(user) == "" {
		return ReadMarker{}, &ValidationError{Field: "username", Reason: "must not be empty"}
	}

	if lastReadID == nil {
		if _, err := s.GetRoom(ctx, roomID); err != nil {
			return ReadMarker{}, err
		}
		maxID, err := s.repo.MaxMessageID(ctx, roomID)
		if err != nil {
			span.RecordError(err)
			return ReadMarker{}, persistence("max message id", err)
		}
		lastReadID = maxID
	}

	marker, err := s.repo.UpsertReadMarker(ctx, roomID, user, lastReadID)
	if err != nil {
		span.RecordError(err)
		return ReadMarker{}, persistence("upsert read marker", err)
	}
	return marker, nil
}
