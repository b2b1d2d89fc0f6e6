package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/Tyrowin/roomchat/internal/chat"
	"github.com/Tyrowin/roomchat/internal/config"
	"github.com/Tyrowin/roomchat/internal/hub"
	"github.com/Tyrowin/roomchat/internal/server"
	"github.com/Tyrowin/roomchat/internal/store"
)

type testEnv struct {
	server  *httptest.Server
	store   *store.MemoryStore
	hub     *hub.Hub
	service *chat.Service
}

type envOptions struct {
	cfg       func(*config.Config)
	repo      func(*store.MemoryStore) chat.Repository
	keepAlive time.Duration
	buffer    int
}

// brokenRepo fails every append.
type brokenRepo struct {
	*store.MemoryStore
}

func (brokenRepo) AppendMessage(context.Context, int32, string, string) (chat.Message, error) {
	return chat.Message{}, errors.New("disk full")
}

// pingFailer is a store whose ping fails.
type pingFailer struct{}

func (pingFailer) Ping(context.Context) error { return errors.New("connection refused") }

func newTestEnv(t *testing.T, opts envOptions) *testEnv {
	t.Helper()

	hubOpts := []hub.Option{hub.WithKeepAlive(opts.keepAlive)}
	if opts.buffer > 0 {
		hubOpts = append(hubOpts, hub.WithBufferSize(opts.buffer))
	}
	h := hub.New(hubOpts...)
	go h.Run()

	mem := store.NewMemoryStore()
	var repo chat.Repository = mem
	if opts.repo != nil {
		repo = opts.repo(mem)
	}
	svc := chat.NewService(repo, h)

	cfg := config.Default()
	cfg.RateLimit = config.RateLimitConfig{Burst: 1000, RefillInterval: time.Second}
	if opts.cfg != nil {
		opts.cfg(&cfg)
	}

	env := &testEnv{store: mem, hub: h, service: svc}
	srv := server.New(cfg, server.Options{
		Service: svc,
		Hub:     h,
		Store:   mem,
		Logger:  zerolog.Nop(),
	})
	env.server = httptest.NewServer(srv.Routes())

	t.Cleanup(func() {
		env.server.Close()
		if err := h.Shutdown(time.Second); err != nil {
			t.Errorf("hub shutdown: %v", err)
		}
	})
	return env
}

func (e *testEnv) room(t *testing.T, users ...string) chat.Room {
	t.Helper()
	room, err := e.service.FindOrCreateRoom(context.Background(), users)
	if err != nil {
		t.Fatalf("FindOrCreateRoom(%v) error = %v", users, err)
	}
	return room
}

func (e *testEnv) wsURL(query string) string {
	u := "ws" + strings.TrimPrefix(e.server.URL, "http") + "/ws"
	if query != "" {
		u += "?" + query
	}
	return u
}

// do sends a JSON request and decodes the JSON response into out when out is
// non-nil. It returns the status code.
func (e *testEnv) do(t *testing.T, method, path string, body, out any) int {
	t.Helper()

	var reader io.Reader = http.NoBody
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("Failed to marshal request: %v", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, e.server.URL+path, reader)
	if err != nil {
		t.Fatalf("Failed to create request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("Failed to make request: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("%s %s: failed to decode response (status %d): %v", method, path, resp.StatusCode, err)
		}
	}
	return resp.StatusCode
}

func dial(t *testing.T, url, origin string) *websocket.Conn {
	t.Helper()
	header := http.Header{}
	header.Set("Origin", origin)
	conn, resp, err := websocket.DefaultDialer.Dial(url, header)
	if resp != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		t.Fatalf("Failed to connect to WebSocket: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	if err := conn.SetReadDeadline(time.Now().Add(2 * time.Second)); err != nil {
		t.Fatalf("Failed to set read deadline: %v", err)
	}
	var frame map[string]any
	if err := conn.ReadJSON(&frame); err != nil {
		t.Fatalf("Failed to read frame: %v", err)
	}
	return frame
}

// waitForSubscribers blocks until the hub has n subscribers.
func waitForSubscribers(t *testing.T, h *hub.Hub, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for h.Len() != n {
		if time.Now().After(deadline) {
			t.Fatalf("hub has %d subscribers, want %d", h.Len(), n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
