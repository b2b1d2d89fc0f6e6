// Package relay forwards published messages between service instances over
// NATS so that subscribers connected to any instance see every message.
package relay

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/Tyrowin/roomchat/internal/chat"
	"github.com/Tyrowin/roomchat/internal/metrics"
)

const (
	subjectPrefix   = "chat.room."
	subjectWildcard = subjectPrefix + "*"
)

// envelope is the wire format on NATS. Origin identifies the publishing
// instance so it can skip its own messages.
type envelope struct {
	Origin  string       `json:"origin"`
	Message chat.Message `json:"message"`
}

// Subject returns the NATS subject for a room.
func Subject(roomID int32) string {
	return subjectPrefix + strconv.FormatInt(int64(roomID), 10)
}

// NATSRelay is a chat.Publisher that delivers to the local hub and mirrors
// every message to NATS. Messages from other instances are handed to the local
// hub as they arrive.
type NATSRelay struct {
	nc     *nats.Conn
	local  chat.Publisher
	origin string
	sub    *nats.Subscription
	logger zerolog.Logger
}

// Connect dials NATS, retrying up to attempts times.
func Connect(url string, attempts int, logger zerolog.Logger) (*nats.Conn, error) {
	var (
		nc  *nats.Conn
		err error
	)
	for attempt := 1; attempt <= attempts; attempt++ {
		nc, err = nats.Connect(url,
			nats.Name("roomchat"),
			nats.MaxReconnects(-1),
			nats.ReconnectWait(2*time.Second),
			nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
				logger.Warn().Err(err).Msg("NATS disconnected")
			}),
			nats.ReconnectHandler(func(nc *nats.Conn) {
				logger.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
			}),
		)
		if err == nil {
			return nc, nil
		}
		logger.Info().Int("attempt", attempt).Err(err).Msg("waiting for NATS")
		if attempt < attempts {
			time.Sleep(2 * time.Second)
		}
	}
	return nil, fmt.Errorf("connect to NATS at %s: %w", url, err)
}

// New subscribes to all room subjects and returns the relay.
func New(nc *nats.Conn, local chat.Publisher, logger zerolog.Logger) (*NATSRelay, error) {
	r := &NATSRelay{
		nc:     nc,
		local:  local,
		origin: uuid.NewString(),
		logger: logger,
	}

	sub, err := nc.Subscribe(subjectWildcard, r.handle)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", subjectWildcard, err)
	}
	r.sub = sub

	logger.Info().Str("origin", r.origin).Str("subject", subjectWildcard).Msg("relay subscribed")
	return r, nil
}

// Publish delivers msg to the local hub and forwards it to other instances. A
// NATS failure is logged; local delivery is never affected.
func (r *NATSRelay) Publish(msg chat.Message) {
	r.local.Publish(msg)

	data, err := json.Marshal(envelope{Origin: r.origin, Message: msg})
	if err != nil {
		r.logger.Error().Err(err).Int64("id", msg.ID).Msg("failed to encode relay message")
		return
	}
	if err := r.nc.Publish(Subject(msg.RoomID), data); err != nil {
		r.logger.Warn().Err(err).Int64("id", msg.ID).Msg("failed to relay message")
	}
}

func (r *NATSRelay) handle(m *nats.Msg) {
	var env envelope
	if err := json.Unmarshal(m.Data, &env); err != nil {
		r.logger.Warn().Err(err).Str("subject", m.Subject).Msg("invalid relay message")
		return
	}
	if env.Origin == r.origin {
		return
	}

	metrics.RelayReceived.Inc()
	r.local.Publish(env.Message)
}

// Close unsubscribes and drains the connection.
func (r *NATSRelay) Close() error {
	if r.sub != nil {
		if err := r.sub.Unsubscribe(); err != nil && err != nats.ErrConnectionClosed {
			r.logger.Warn().Err(err).Msg("relay unsubscribe failed")
		}
	}
	return r.nc.Drain()
}
