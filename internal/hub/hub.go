// Package hub fans persisted chat messages out to live subscribers. Every
// subscriber owns a bounded buffer; a subscriber that falls behind loses
// messages and is told so through an overrun event instead of slowing down
// the publisher or anyone else.
package hub

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/Tyrowin/roomchat/internal/chat"
	"github.com/Tyrowin/roomchat/internal/metrics"
)

// ErrClosed is returned by Subscribe after shutdown and by Stream.Next once the
// stream has been closed.
var ErrClosed = errors.New("hub: closed")

const (
	defaultBufferSize = 256
	defaultKeepAlive  = 15 * time.Second
)

// Hub manages live subscribers and broadcasts published messages to them. All
// changes to the subscriber set and all fan-out happen on the Run loop.
type Hub struct {
	subscribers map[*subscriber]bool
	broadcast   chan chat.Message
	register    chan request
	unregister  chan request
	mutex       sync.RWMutex
	ctx         context.Context
	cancel      context.CancelFunc
	done        chan struct{}

	bufferSize int
	keepAlive  time.Duration
	logger     zerolog.Logger
	nextID     atomic.Uint64
}

// request carries a subscriber to the Run loop; ack is closed once the loop
// has applied the change.
type request struct {
	sub *subscriber
	ack chan struct{}
}

// Option configures a Hub.
type Option func(*Hub)

// WithBufferSize sets the per-subscriber buffer capacity.
func WithBufferSize(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.bufferSize = n
		}
	}
}

// WithKeepAlive sets how often streams yield a keep-alive event. Zero
// disables keep-alives.
func WithKeepAlive(d time.Duration) Option {
	return func(h *Hub) {
		if d >= 0 {
			h.keepAlive = d
		}
	}
}

// WithLogger sets the hub logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(h *Hub) { h.logger = logger }
}

// New creates a Hub. Call Run in its own goroutine before publishing.
func New(opts ...Option) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	h := &Hub{
		subscribers: make(map[*subscriber]bool),
		broadcast:   make(chan chat.Message, defaultBufferSize),
		register:    make(chan request),
		unregister:  make(chan request),
		ctx:         ctx,
		cancel:      cancel,
		done:        make(chan struct{}),
		bufferSize:  defaultBufferSize,
		keepAlive:   defaultKeepAlive,
		logger:      zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Publish queues msg for fan-out. It never waits on a subscriber buffer and
// is a no-op once the hub is shut down.
func (h *Hub) Publish(msg chat.Message) {
	select {
	case h.broadcast <- msg:
	case <-h.ctx.Done():
	}
}

// Subscribe registers a new subscriber and returns its stream. A non-nil
// filter restricts the stream to one room. The stream is closed when ctx is
// cancelled or Close is called.
func (h *Hub) Subscribe(ctx context.Context, filter *int32) (*Stream, error) {
	sub := &subscriber{
		id:      h.nextID.Add(1),
		send:    make(chan chat.Message, h.bufferSize),
		overrun: make(chan struct{}, 1),
	}
	if filter != nil {
		room := *filter
		sub.filter = &room
	}

	req := request{sub: sub, ack: make(chan struct{})}
	select {
	case h.register <- req:
	case <-h.ctx.Done():
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	<-req.ack

	return newStream(ctx, h, sub), nil
}

// remove unregisters sub and returns once the Run loop has dropped it.
func (h *Hub) remove(sub *subscriber) {
	req := request{sub: sub, ack: make(chan struct{})}
	select {
	case h.unregister <- req:
		<-req.ack
	case <-h.done:
	}
}

// Len reports the number of registered subscribers.
func (h *Hub) Len() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.subscribers)
}

// Run starts the hub's event loop. It returns after Shutdown.
func (h *Hub) Run() {
	defer close(h.done)

	for {
		select {
		case <-h.ctx.Done():
			h.shutdownSubscribers()
			return

		case req := <-h.register:
			h.mutex.Lock()
			h.subscribers[req.sub] = true
			count := len(h.subscribers)
			h.mutex.Unlock()
			close(req.ack)

			metrics.Subscribers.Inc()
			h.logger.Debug().Uint64("subscriber", req.sub.id).Int("total", count).Msg("subscriber registered")

		case req := <-h.unregister:
			h.removeSubscriber(req.sub)
			close(req.ack)

		case msg := <-h.broadcast:
			h.handleBroadcast(msg)
		}
	}
}

func (h *Hub) removeSubscriber(sub *subscriber) {
	h.mutex.Lock()
	if _, ok := h.subscribers[sub]; !ok {
		h.mutex.Unlock()
		return
	}
	delete(h.subscribers, sub)
	sub.closed = true
	count := len(h.subscribers)
	h.mutex.Unlock()

	// Close the channel after releasing the lock
	close(sub.send)
	metrics.Subscribers.Dec()
	h.logger.Debug().Uint64("subscriber", sub.id).Int("total", count).Msg("subscriber unregistered")
}

func (h *Hub) handleBroadcast(msg chat.Message) {
	for _, sub := range h.getSubscriberSnapshot() {
		h.safeSend(sub, msg)
	}
	metrics.Published.Inc()
}

// getSubscriberSnapshot returns a thread-safe snapshot of all current subscribers
func (h *Hub) getSubscriberSnapshot() []*subscriber {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	subs := make([]*subscriber, 0, len(h.subscribers))
	for sub := range h.subscribers {
		subs = append(subs, sub)
	}
	return subs
}

// safeSend offers msg to sub without blocking. A full buffer drops the
// message for that subscriber only and raises its overrun signal.
func (h *Hub) safeSend(sub *subscriber, msg chat.Message) {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	if _, exists := h.subscribers[sub]; !exists || sub.closed {
		return
	}

	select {
	case sub.send <- msg:
	default:
		if !sub.matches(msg) {
			return
		}
		dropped := sub.dropped.Add(1)
		select {
		case sub.overrun <- struct{}{}:
		default:
		}
		metrics.Overruns.Inc()
		h.logger.Warn().
			Uint64("subscriber", sub.id).
			Int64("message_id", msg.ID).
			Uint64("dropped", dropped).
			Msg("subscriber buffer full; message dropped")
	}
}

// shutdownSubscribers closes every remaining subscriber stream.
func (h *Hub) shutdownSubscribers() {
	h.mutex.Lock()
	subs := make([]*subscriber, 0, len(h.subscribers))
	for sub := range h.subscribers {
		sub.closed = true
		subs = append(subs, sub)
	}
	clear(h.subscribers)
	h.mutex.Unlock()

	for _, sub := range subs {
		close(sub.send)
		metrics.Subscribers.Dec()
	}
	h.logger.Info().Int("subscribers", len(subs)).Msg("hub closed subscriber streams")
}

// Shutdown stops the Run loop and closes every stream. It returns
// context.DeadlineExceeded if the loop does not finish within timeout.
func (h *Hub) Shutdown(timeout time.Duration) error {
	h.logger.Info().Msg("initiating hub shutdown")
	h.cancel()

	select {
	case <-h.done:
		h.logger.Info().Msg("hub shutdown completed")
		return nil
	case <-time.After(timeout):
		h.logger.Warn().Msg("hub shutdown timeout reached")
		return context.DeadlineExceeded
	}
}
