package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/danielgtaylor/huma/v2"

	"github.com/Tyrowin/roomchat/internal/chat"
	"github.com/Tyrowin/roomchat/internal/metrics"
)

type sendInput struct {
	Body sendRequest
}

type sendOutput struct {
	Status int
	Body   sendResult
}

type roomQueryInput struct {
	RoomID int32 `query:"room_id" required:"true" doc:"Room to read"`
}

type roomPathInput struct {
	RoomID int32 `path:"room_id"`
}

type roomListItem struct {
	RoomID       int32    `json:"room_id"`
	Participants []string `json:"participants"`
	UnreadCount  int64    `json:"unread_count"`
}

type markReadInput struct {
	RoomID int32 `path:"room_id"`
	Body   struct {
		Username          string `json:"username"`
		LastReadMessageID *int64 `json:"last_read_message_id,omitempty" doc:"Defaults to the newest message in the room"`
	}
}

type markReadOutput struct {
	Body struct {
		LastReadMessageID *int64 `json:"last_read_message_id"`
	}
}

type findRoomInput struct {
	Body struct {
		Participants []string `json:"participants" doc:"Exactly two distinct usernames"`
	}
}

type roomOutput struct {
	Body chat.Room
}

type unreadOutput struct {
	Body struct {
		RoomID      int32  `json:"room_id"`
		Username    string `json:"username"`
		UnreadCount int64  `json:"unread_count"`
	}
}

// classify maps a service error to an HTTP status and a client-safe message.
func classify(err error) (int, string) {
	var ve *chat.ValidationError
	switch {
	case errors.As(err, &ve):
		return http.StatusBadRequest, ve.Error()
	case errors.Is(err, chat.ErrInvalidParticipantCount):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, chat.ErrRoomNotFound):
		return http.StatusNotFound, err.Error()
	default:
		return http.StatusInternalServerError, "internal error"
	}
}

func errorMessage(err error) string {
	_, msg := classify(err)
	return msg
}

func (s *Server) mapErr(err error) error {
	if err == nil {
		return nil
	}
	status, msg := classify(err)
	switch status {
	case http.StatusBadRequest:
		return huma.Error400BadRequest(msg)
	case http.StatusNotFound:
		return huma.Error404NotFound(msg)
	default:
		s.logger.Error().Err(err).Msg("request failed")
		return huma.Error500InternalServerError(msg)
	}
}

// limitSends rejects sends over the client's rate limit with the send result
// shape.
func (s *Server) limitSends(ctx huma.Context, next func(huma.Context)) {
	if s.limiter.Allow(ctx.Context(), clientKey(ctx.RemoteAddr())) {
		next(ctx)
		return
	}

	metrics.SendsRejected.WithLabelValues(metrics.ReasonRateLimited).Inc()
	ctx.SetHeader("Content-Type", "application/json")
	ctx.SetHeader("Retry-After", strconv.Itoa(int(s.cfg.RateLimit.RefillInterval.Seconds()+0.5)))
	ctx.SetStatus(http.StatusTooManyRequests)
	if err := json.NewEncoder(ctx.BodyWriter()).Encode(sendResult{Error: "rate limit exceeded"}); err != nil {
		s.logger.Debug().Err(err).Msg("rate limit response write failed")
	}
}

func (s *Server) registerChatOperations(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "send-message",
		Method:      http.MethodPost,
		Path:        "/api/chat/send",
		Summary:     "Persist a message and publish it to subscribers",
		Tags:        []string{"Chat"},
		Middlewares: huma.Middlewares{s.limitSends},
	}, func(ctx context.Context, input *sendInput) (*sendOutput, error) {
		msg, err := s.service.Send(ctx, input.Body.RoomID, input.Body.Sender, input.Body.Message)
		if err != nil {
			status, text := classify(err)
			if status >= http.StatusInternalServerError {
				s.logger.Error().Err(err).Int32("room_id", input.Body.RoomID).Msg("send failed")
			}
			return &sendOutput{Status: status, Body: sendResult{Error: text}}, nil
		}
		return &sendOutput{Status: http.StatusOK, Body: sendResult{Success: true, Chat: &msg}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-messages",
		Method:      http.MethodGet,
		Path:        "/api/chat",
		Summary:     "List a room's messages in ascending id order",
		Tags:        []string{"Chat"},
	}, func(ctx context.Context, input *roomQueryInput) (*struct{ Body []chat.Message }, error) {
		msgs, err := s.service.ListMessages(ctx, input.RoomID)
		if err != nil {
			return nil, s.mapErr(err)
		}
		return &struct{ Body []chat.Message }{Body: msgs}, nil
	})
}

func (s *Server) registerRoomOperations(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "list-rooms-for-user",
		Method:      http.MethodGet,
		Path:        "/api/room/list",
		Summary:     "List a user's rooms with unread counts",
		Tags:        []string{"Rooms"},
	}, func(ctx context.Context, input *struct {
		Username string `query:"username"`
	}) (*struct{ Body []roomListItem }, error) {
		rooms, err := s.service.ListRoomsForUser(ctx, input.Username)
		if err != nil {
			return nil, s.mapErr(err)
		}
		items := make([]roomListItem, 0, len(rooms))
		for _, r := range rooms {
			items = append(items, roomListItem{
				RoomID:       r.Room.ID,
				Participants: r.Room.Participants,
				UnreadCount:  r.UnreadCount,
			})
		}
		return &struct{ Body []roomListItem }{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "mark-read",
		Method:      http.MethodPost,
		Path:        "/api/room/read/{room_id}",
		Summary:     "Set the user's read marker",
		Tags:        []string{"Rooms"},
	}, func(ctx context.Context, input *markReadInput) (*markReadOutput, error) {
		marker, err := s.service.MarkRead(ctx, input.RoomID, input.Body.Username, input.Body.LastReadMessageID)
		if err != nil {
			return nil, s.mapErr(err)
		}
		out := &markReadOutput{}
		out.Body.LastReadMessageID = marker.LastReadMessageID
		return out, nil
	})

	findOrCreate := func(ctx context.Context, input *findRoomInput) (*roomOutput, error) {
		room, err := s.service.FindOrCreateRoom(ctx, input.Body.Participants)
		if err != nil {
			return nil, s.mapErr(err)
		}
		return &roomOutput{Body: room}, nil
	}
	huma.Register(api, huma.Operation{
		OperationID: "find-or-create-room",
		Method:      http.MethodPost,
		Path:        "/api/room/find",
		Summary:     "Return the room for two participants, creating it on first use",
		Tags:        []string{"Rooms"},
	}, findOrCreate)
	huma.Register(api, huma.Operation{
		OperationID: "create-room",
		Method:      http.MethodPost,
		Path:        "/api/room",
		Summary:     "Alias of find-or-create-room",
		Tags:        []string{"Rooms"},
	}, findOrCreate)

	huma.Register(api, huma.Operation{
		OperationID: "list-rooms",
		Method:      http.MethodGet,
		Path:        "/api/room",
		Summary:     "List rooms, optionally only the one with the given id",
		Tags:        []string{"Rooms"},
	}, func(ctx context.Context, input *struct {
		ID int32 `query:"id" doc:"Only return this room"`
	}) (*struct{ Body []chat.Room }, error) {
		if input.ID != 0 {
			room, err := s.service.GetRoom(ctx, input.ID)
			if errors.Is(err, chat.ErrRoomNotFound) {
				return &struct{ Body []chat.Room }{Body: []chat.Room{}}, nil
			}
			if err != nil {
				return nil, s.mapErr(err)
			}
			return &struct{ Body []chat.Room }{Body: []chat.Room{room}}, nil
		}

		rooms, err := s.service.ListRooms(ctx)
		if err != nil {
			return nil, s.mapErr(err)
		}
		if rooms == nil {
			rooms = []chat.Room{}
		}
		return &struct{ Body []chat.Room }{Body: rooms}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-room",
		Method:      http.MethodGet,
		Path:        "/api/room/{room_id}",
		Summary:     "Get a room",
		Tags:        []string{"Rooms"},
	}, func(ctx context.Context, input *roomPathInput) (*roomOutput, error) {
		room, err := s.service.GetRoom(ctx, input.RoomID)
		if err != nil {
			return nil, s.mapErr(err)
		}
		return &roomOutput{Body: room}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-room",
		Method:        http.MethodDelete,
		Path:          "/api/room/{room_id}",
		Summary:       "Delete a room with its messages and read markers",
		Tags:          []string{"Rooms"},
		DefaultStatus: http.StatusNoContent,
	}, func(ctx context.Context, input *roomPathInput) (*struct{}, error) {
		if err := s.service.DeleteRoom(ctx, input.RoomID); err != nil {
			return nil, s.mapErr(err)
		}
		return nil, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-room-by-query",
		Method:      http.MethodDelete,
		Path:        "/api/room",
		Summary:     "Delete the room with the given id",
		Tags:        []string{"Rooms"},
	}, func(ctx context.Context, input *struct {
		ID int32 `query:"id" required:"true"`
	}) (*struct {
		Body struct {
			Message string `json:"message"`
		}
	}, error) {
		if err := s.service.DeleteRoom(ctx, input.ID); err != nil {
			return nil, s.mapErr(err)
		}
		out := &struct {
			Body struct {
				Message string `json:"message"`
			}
		}{}
		out.Body.Message = "room deleted"
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-unread-count",
		Method:      http.MethodGet,
		Path:        "/api/room/{room_id}/unread",
		Summary:     "Count the messages a user has not read in a room",
		Tags:        []string{"Rooms"},
	}, func(ctx context.Context, input *struct {
		RoomID   int32  `path:"room_id"`
		Username string `query:"username" required:"true"`
	}) (*unreadOutput, error) {
		n, err := s.service.UnreadCount(ctx, input.RoomID, input.Username)
		if err != nil {
			return nil, s.mapErr(err)
		}
		out := &unreadOutput{}
		out.Body.RoomID = input.RoomID
		out.Body.Username = input.Username
		out.Body.UnreadCount = n
		return out, nil
	})
}
