package server

import (
	"context"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/Tyrowin/roomchat/internal/chat"
	"github.com/Tyrowin/roomchat/internal/config"
	"github.com/Tyrowin/roomchat/internal/hub"
)

// Pinger reports whether the backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Options carries the collaborators of a Server.
type Options struct {
	Service *chat.Service
	Hub     *hub.Hub
	Store   Pinger
	// Limiter throttles HTTP sends. Defaults to a LocalLimiter built from the
	// rate limit configuration.
	Limiter SendLimiter
	Logger  zerolog.Logger
}

// Server holds the HTTP handlers and their dependencies.
type Server struct {
	cfg      config.Config
	service  *chat.Service
	hub      *hub.Hub
	store    Pinger
	limiter  SendLimiter
	origins  *originPolicy
	upgrader websocket.Upgrader
	logger   zerolog.Logger
	pongWait time.Duration
}

// New creates a Server.
func New(cfg config.Config, opts Options) *Server {
	cfg = cfg.Sanitize()
	s := &Server{
		cfg:     cfg,
		service: opts.Service,
		hub:     opts.Hub,
		store:   opts.Store,
		limiter: opts.Limiter,
		logger:  opts.Logger,
		origins: newOriginPolicy(cfg.AllowedOrigins, opts.Logger),
	}
	if s.limiter == nil {
		s.limiter = NewLocalLimiter(cfg.RateLimit.Burst, cfg.RateLimit.RefillInterval)
	}

	// Pings are driven by stream keep-alives, so the read deadline must
	// outlast at least two of them.
	s.pongWait = 60 * time.Second
	if d := 2 * cfg.KeepAliveInterval; d > s.pongWait {
		s.pongWait = d
	}

	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.origins.checkOrigin,
	}
	return s
}
