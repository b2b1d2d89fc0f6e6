package server

import (
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Routes builds the router with every application route: the REST API under
// /api, the SSE and WebSocket streams, health, metrics and the OpenAPI docs.
func (s *Server) Routes() http.Handler {
	router := chi.NewMux()

	router.Use(recordMetrics)
	router.Use(chimw.RequestID)
	router.Use(chimw.RealIP)
	router.Use(requestLogger(s.logger))
	router.Use(chimw.Recoverer)
	router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type"},
		ExposedHeaders:   []string{"Retry-After"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	cfg := huma.DefaultConfig("roomchat API", "1.0.0")
	api := humachi.New(router, cfg)

	s.registerChatOperations(api)
	s.registerRoomOperations(api)

	router.Get("/api/chat/subscribe", s.SSEHandler)
	router.Get("/ws", s.WebSocketHandler)
	router.Get("/health", s.HealthHandler)
	router.Handle("/metrics", promhttp.Handler())

	return router
}
