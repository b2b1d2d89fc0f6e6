package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/Tyrowin/roomchat/internal/hub"
)

// HealthHandler reports whether the store answers a ping.
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	ok := true
	if s.store != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.store.Ping(ctx); err != nil {
			s.logger.Warn().Err(err).Msg("health check failed")
			ok = false
		}
	}

	w.Header().Set("Content-Type", "application/json")
	if !ok {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	if err := json.NewEncoder(w).Encode(map[string]bool{"ok": ok}); err != nil {
		s.logger.Debug().Err(err).Msg("health response write failed")
	}
}

// WebSocketHandler subscribes to the hub, upgrades the connection and starts
// the client's pumps. An optional room_id query parameter filters the stream.
func (s *Server) WebSocketHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed. WebSocket endpoint only accepts GET requests.", http.StatusMethodNotAllowed)
		return
	}

	filter, err := parseRoomFilter(r.URL.Query().Get("room_id"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	// The connection outlives the handler, so the stream must not be tied to
	// the request context.
	ctx, cancel := context.WithCancel(context.Background())
	stream, err := s.hub.Subscribe(ctx, filter)
	if err != nil {
		cancel()
		http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		cancel()
		s.logger.Debug().Err(err).Str("remote_addr", r.RemoteAddr).Msg("WebSocket upgrade failed")
		return
	}

	NewClient(ctx, cancel, conn, stream, s, r.RemoteAddr).Start()
}

// SSEHandler streams hub events as Server-Sent Events. Messages are sent as
// "message" events, losses as "overrun" events and keep-alives as comments.
func (s *Server) SSEHandler(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	filter, err := parseRoomFilter(r.URL.Query().Get("room_id"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	stream, err := s.hub.Subscribe(r.Context(), filter)
	if err != nil {
		if errors.Is(err, hub.ErrClosed) {
			http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
		}
		return
	}
	defer stream.Close()

	// Streams outlive the server's write timeout.
	if err := http.NewResponseController(w).SetWriteDeadline(time.Time{}); err != nil && !errors.Is(err, http.ErrNotSupported) {
		s.logger.Debug().Err(err).Msg("failed to clear write deadline")
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		ev, err := stream.Next(r.Context())
		if err != nil {
			return
		}
		if err := writeEvent(w, ev); err != nil {
			s.logger.Debug().Err(err).Uint64("subscriber", stream.ID()).Msg("SSE write failed")
			return
		}
		flusher.Flush()
	}
}

func writeEvent(w http.ResponseWriter, ev hub.Event) error {
	var (
		data []byte
		err  error
	)
	switch ev.Kind {
	case hub.EventKeepAlive:
		_, err = fmt.Fprint(w, ": keep-alive\n\n")
		return err
	case hub.EventOverrun:
		data, err = json.Marshal(struct {
			Dropped uint64 `json:"dropped"`
		}{ev.Dropped})
	default:
		data, err = json.Marshal(ev.Message)
	}
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Kind, data)
	return err
}
