package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Tyrowin/roomchat/internal/chat"
	"github.com/Tyrowin/roomchat/internal/config"
	"github.com/Tyrowin/roomchat/internal/hub"
	"github.com/Tyrowin/roomchat/internal/logging"
	"github.com/Tyrowin/roomchat/internal/relay"
	"github.com/Tyrowin/roomchat/internal/server"
	"github.com/Tyrowin/roomchat/internal/store"
	"github.com/Tyrowin/roomchat/internal/telemetry"
)

const (
	serverShutdownTimeout = 10 * time.Second
	hubShutdownTimeout    = 5 * time.Second
	natsConnectAttempts   = 10
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "roomchat: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := config.Load()

	logger, logCloser, err := logging.New(logging.Options{
		Development: cfg.IsDevelopment(),
		Level:       cfg.LogLevel,
		File:        cfg.LogFile,
	})
	if err != nil {
		return fmt.Errorf("init logging: %w", err)
	}
	defer func() { _ = logCloser.Close() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Init(ctx, cfg.OTLPEndpoint)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(ctx); err != nil {
			logger.Warn().Err(err).Msg("tracer shutdown failed")
		}
	}()

	st, err := store.Open(ctx, cfg.StoreDriver, cfg.StoreDSN())
	if err != nil {
		return fmt.Errorf("open %s store: %w", cfg.StoreDriver, err)
	}
	defer func() {
		if err := st.Close(); err != nil {
			logger.Warn().Err(err).Msg("store close failed")
		}
	}()
	logger.Info().Str("driver", cfg.StoreDriver).Msg("store ready")

	h := hub.New(
		hub.WithBufferSize(cfg.SubscriberBuffer),
		hub.WithKeepAlive(cfg.KeepAliveInterval),
		hub.WithLogger(logger.With().Str("component", "hub").Logger()),
	)
	go h.Run()

	var publisher chat.Publisher = h
	if cfg.NATSURL != "" {
		nc, err := relay.Connect(cfg.NATSURL, natsConnectAttempts, logger)
		if err != nil {
			return err
		}
		r, err := relay.New(nc, h, logger.With().Str("component", "relay").Logger())
		if err != nil {
			nc.Close()
			return err
		}
		defer func() {
			if err := r.Close(); err != nil {
				logger.Warn().Err(err).Msg("relay close failed")
			}
		}()
		publisher = r
	}

	policy := chat.ParseUnreadPolicy(cfg.UnreadPolicy)
	svc := chat.NewService(st, publisher,
		chat.WithUnreadPolicy(policy),
		chat.WithLogger(logger.With().Str("component", "chat").Logger()),
	)
	logger.Info().Str("unread_policy", policy.String()).Msg("unread counting policy")

	var limiter server.SendLimiter
	if cfg.RedisURL != "" {
		client, err := server.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			return err
		}
		defer func() { _ = client.Close() }()
		limiter = server.NewRedisLimiter(client, cfg.RateLimit.Burst, cfg.RateLimit.RefillInterval, logger)
		logger.Info().Msg("using Redis send rate limiter")
	}

	srv := server.New(cfg, server.Options{
		Service: svc,
		Hub:     h,
		Store:   st,
		Limiter: limiter,
		Logger:  logger,
	})

	httpServer := server.CreateServer(cfg.Port, srv.Routes())
	// Streams never finish on their own; closing the hub ends them so that
	// Shutdown can drain.
	httpServer.RegisterOnShutdown(func() {
		if err := h.Shutdown(hubShutdownTimeout); err != nil {
			logger.Warn().Err(err).Msg("hub shutdown timed out")
		}
	})

	errCh := make(chan error, 1)
	go func() {
		if err := server.StartServer(httpServer, logger); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server: %w", err)
		}
		return nil
	case <-ctx.Done():
		logger.Info().Msg("shutdown signal received")
	}

	if err := server.ShutdownServer(httpServer, serverShutdownTimeout, logger); err != nil {
		return err
	}
	return h.Shutdown(hubShutdownTimeout)
}
