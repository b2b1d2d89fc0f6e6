package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/Tyrowin/roomchat/internal/chat"
	"github.com/Tyrowin/roomchat/internal/config"
	"github.com/Tyrowin/roomchat/internal/hub"
	"github.com/Tyrowin/roomchat/internal/metrics"
)

const writeWait = 10 * time.Second

// Client is one WebSocket connection. The write pump drains the client's hub
// stream; the read pump turns inbound frames into sends. Both pumps write
// through writeMu.
type Client struct {
	conn           *websocket.Conn
	stream         *hub.Stream
	service        *chat.Service
	addr           string
	maxMessageSize int64
	rateLimiter    *rateLimiter
	rateLimit      config.RateLimitConfig
	pongWait       time.Duration
	logger         zerolog.Logger

	ctx     context.Context
	cancel  context.CancelFunc
	writeMu sync.Mutex
}

// NewClient wraps an upgraded connection. ctx must be the context the stream
// was subscribed with; cancel ends both pumps.
func NewClient(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, stream *hub.Stream, s *Server, addr string) *Client {
	if conn != nil {
		conn.SetReadLimit(s.cfg.MaxMessageSize)
	}

	return &Client{
		conn:           conn,
		stream:         stream,
		service:        s.service,
		addr:           addr,
		maxMessageSize: s.cfg.MaxMessageSize,
		rateLimiter:    newRateLimiter(s.cfg.RateLimit.Burst, s.cfg.RateLimit.RefillInterval),
		rateLimit:      s.cfg.RateLimit,
		pongWait:       s.pongWait,
		logger:         s.logger.With().Str("remote_addr", addr).Uint64("subscriber", stream.ID()).Logger(),
		ctx:            ctx,
		cancel:         cancel,
	}
}

// Start launches the read and write pumps.
func (c *Client) Start() {
	go c.writePump()
	go c.readPump()
}

// setupReadConnection configures read deadlines and pong handler for the WebSocket connection
func (c *Client) setupReadConnection() {
	if err := c.conn.SetReadDeadline(time.Now().Add(c.pongWait)); err != nil {
		c.logger.Warn().Err(err).Msg("failed to set initial read deadline")
	}
	c.conn.SetPongHandler(func(string) error {
		if err := c.conn.SetReadDeadline(time.Now().Add(c.pongWait)); err != nil {
			c.logger.Warn().Err(err).Msg("failed to set read deadline in pong handler")
		}
		return nil
	})
}

// handleReadError logs the read failure at a level matching its cause.
func (c *Client) handleReadError(err error) {
	switch {
	case errors.Is(err, websocket.ErrReadLimit):
		c.logger.Warn().Int64("limit", c.maxMessageSize).Msg("message exceeded maximum size")
	case websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure):
		c.logger.Debug().Err(err).Msg("client disconnected")
	case errors.Is(err, io.EOF) || isExpectedCloseError(err):
		c.logger.Debug().Err(err).Msg("client connection closed")
	case websocket.IsUnexpectedCloseError(err,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure,
		websocket.CloseMessageTooBig):
		c.logger.Warn().Err(err).Msg("unexpected WebSocket close")
	default:
		c.logger.Warn().Err(err).Msg("WebSocket read error")
	}
}

// checkRateLimit reports whether the connection may send another message.
func (c *Client) checkRateLimit() bool {
	if c.rateLimiter != nil && !c.rateLimiter.allow() {
		c.logger.Warn().
			Int("burst", c.rateLimit.Burst).
			Dur("interval", c.rateLimit.RefillInterval).
			Msg("rate limit exceeded; rejecting message")
		metrics.SendsRejected.WithLabelValues(metrics.ReasonRateLimited).Inc()
		return false
	}
	return true
}

// processMessage sends one inbound frame and returns the result to report.
func (c *Client) processMessage(rawMessage []byte) sendResult {
	var req sendRequest
	if err := json.Unmarshal(rawMessage, &req); err != nil {
		c.logger.Debug().Err(err).Msg("invalid frame")
		return sendResult{Error: "invalid message format"}
	}

	msg, err := c.service.Send(c.ctx, req.RoomID, req.Sender, req.Message)
	if err != nil {
		if status, _ := classify(err); status >= 500 {
			c.logger.Error().Err(err).Int32("room_id", req.RoomID).Msg("send failed")
		}
		return sendResult{Error: errorMessage(err)}
	}
	return sendResult{Success: true, Chat: &msg}
}

func (c *Client) readPump() {
	defer func() {
		c.cancel()
		c.closeConnection()
	}()

	c.setupReadConnection()

	for {
		_, rawMessage, err := c.conn.ReadMessage()
		if err != nil {
			c.handleReadError(err)
			return
		}

		result := sendResult{Error: "rate limit exceeded"}
		if c.checkRateLimit() {
			result = c.processMessage(rawMessage)
		}

		if !c.writeJSON(resultFrame{Type: frameResult, sendResult: result}) {
			return
		}
	}
}

func (c *Client) writePump() {
	defer func() {
		c.cancel()
		c.stream.Close()
		c.closeConnection()
	}()

	for c.processWriteEvent() {
	}
}

// processWriteEvent waits for the next stream event and returns false when the
// pump should stop processing.
func (c *Client) processWriteEvent() bool {
	ev, err := c.stream.Next(c.ctx)
	if err != nil {
		if errors.Is(err, hub.ErrClosed) {
			c.writeCloseMessage()
		}
		return false
	}

	switch ev.Kind {
	case hub.EventMessage:
		return c.writeJSON(messageFrame{Type: frameMessage, Message: ev.Message})
	case hub.EventOverrun:
		return c.writeJSON(overrunFrame{Type: frameOverrun, Dropped: ev.Dropped})
	case hub.EventKeepAlive:
		return c.handlePing()
	}
	return true
}

// closeConnection safely closes the WebSocket connection with proper error handling
func (c *Client) closeConnection() {
	if err := c.conn.Close(); err != nil {
		if !isExpectedCloseError(err) {
			c.logger.Warn().Err(err).Msg("error closing connection")
		}
	}
}

// write serializes writers and applies the write deadline.
func (c *Client) write(messageType int, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.conn.WriteMessage(messageType, data)
}

func (c *Client) writeJSON(v any) bool {
	data, err := json.Marshal(v)
	if err != nil {
		c.logger.Error().Err(err).Msg("failed to encode frame")
		return false
	}
	if err := c.write(websocket.TextMessage, data); err != nil {
		if !isExpectedCloseError(err) {
			c.logger.Warn().Err(err).Msg("error writing frame")
		}
		return false
	}
	return true
}

// writeCloseMessage sends a close message to the client
func (c *Client) writeCloseMessage() {
	if err := c.write(websocket.CloseMessage, []byte{}); err != nil {
		if !isExpectedCloseError(err) {
			c.logger.Warn().Err(err).Msg("error writing close message")
		}
	}
}

// handlePing sends a ping message to keep the connection alive
func (c *Client) handlePing() bool {
	if err := c.write(websocket.PingMessage, nil); err != nil {
		c.logger.Debug().Err(err).Msg("error writing ping")
		return false
	}
	return true
}
