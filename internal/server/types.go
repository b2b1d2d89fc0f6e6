package server

import (
	"errors"
	"strconv"
	"strings"

	"github.com/Tyrowin/roomchat/internal/chat"
)

// Frame types written to WebSocket clients.
const (
	frameMessage = "message"
	frameOverrun = "overrun"
	frameResult  = "result"
)

// sendRequest is the send payload, both as the HTTP body and as an inbound
// WebSocket frame.
type sendRequest struct {
	RoomID  int32  `json:"room_id"`
	Sender  string `json:"sender,omitempty"`
	Message string `json:"message,omitempty"`
}

// sendResult is the outcome of one send.
type sendResult struct {
	Success bool          `json:"success"`
	Chat    *chat.Message `json:"chat,omitempty"`
	Error   string        `json:"error,omitempty"`
}

type messageFrame struct {
	Type string `json:"type"`
	chat.Message
}

type overrunFrame struct {
	Type    string `json:"type"`
	Dropped uint64 `json:"dropped"`
}

type resultFrame struct {
	Type string `json:"type"`
	sendResult
}

var errInvalidRoomID = errors.New("room_id must be an integer")

// parseRoomFilter turns an optional room_id query value into a hub filter.
func parseRoomFilter(v string) (*int32, error) {
	if v == "" {
		return nil, nil
	}
	id, err := strconv.ParseInt(v, 10, 32)
	if err != nil {
		return nil, errInvalidRoomID
	}
	room := int32(id)
	return &room, nil
}

// isExpectedCloseError checks if an error is expected during connection closure.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "websocket: close sent") ||
		strings.Contains(errStr, "broken pipe")
}
