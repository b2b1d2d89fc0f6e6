package hub

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Tyrowin/roomchat/internal/chat"
)

// EventKind identifies what a stream yielded.
type EventKind int

const (
	// EventMessage carries a published message.
	EventMessage EventKind = iota
	// EventOverrun reports that messages were dropped because the buffer was full.
	EventOverrun
	// EventKeepAlive fires once per keep-alive interval.
	EventKeepAlive
)

func (k EventKind) String() string {
	switch k {
	case EventMessage:
		return "message"
	case EventOverrun:
		return "overrun"
	case EventKeepAlive:
		return "keepalive"
	default:
		return "unknown"
	}
}

// Event is one item of a subscription stream.
type Event struct {
	Kind    EventKind
	Message chat.Message
	Dropped uint64
}

type subscriber struct {
	id      uint64
	filter  *int32
	send    chan chat.Message
	overrun chan struct{}
	dropped atomic.Uint64
	closed  bool
}

func (s *subscriber) matches(msg chat.Message) bool {
	return s.filter == nil || *s.filter == msg.RoomID
}

// Stream is a live, optionally room-filtered view of the hub. It is meant to
// be consumed by a single goroutine.
type Stream struct {
	hub       *Hub
	sub       *subscriber
	ticker    *time.Ticker
	stopWatch func() bool
	once      sync.Once
}

func newStream(ctx context.Context, h *Hub, sub *subscriber) *Stream {
	s := &Stream{hub: h, sub: sub}
	if h.keepAlive > 0 {
		s.ticker = time.NewTicker(h.keepAlive)
	}
	s.stopWatch = context.AfterFunc(ctx, s.Close)
	return s
}

// ID returns the subscriber id, unique within the hub.
func (s *Stream) ID() uint64 {
	return s.sub.id
}

// Next blocks until the stream has something to yield: a message that passes
// the room filter, an overrun notification or a keep-alive. It returns
// ErrClosed once the stream is closed and ctx.Err() if ctx ends first.
func (s *Stream) Next(ctx context.Context) (Event, error) {
	var tick <-chan time.Time
	if s.ticker != nil {
		tick = s.ticker.C
	}

	for {
		select {
		case msg, ok := <-s.sub.send:
			if !ok {
				return Event{}, ErrClosed
			}
			if !s.sub.matches(msg) {
				continue
			}
			return Event{Kind: EventMessage, Message: msg}, nil

		case <-s.sub.overrun:
			if n := s.sub.dropped.Swap(0); n > 0 {
				return Event{Kind: EventOverrun, Dropped: n}, nil
			}

		case <-tick:
			return Event{Kind: EventKeepAlive}, nil

		case <-ctx.Done():
			return Event{}, ctx.Err()
		}
	}
}

// Close unregisters the stream and releases its buffer. It returns after the
// hub has dropped the subscriber and is safe to call more than once.
func (s *Stream) Close() {
	s.once.Do(func() {
		s.stopWatch()
		if s.ticker != nil {
			s.ticker.Stop()
		}
		s.hub.remove(s.sub)
	})
}
