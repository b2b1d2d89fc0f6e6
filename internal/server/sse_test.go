package server_test

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/Tyrowin/roomchat/internal/chat"
)

type sseEvent struct {
	name    string
	data    string
	comment string
}

func openSSE(t *testing.T, url string) (*http.Response, *bufio.Reader) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		t.Fatalf("Failed to create request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Failed to open stream: %v", err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp, bufio.NewReader(resp.Body)
}

// readEvent reads one SSE block. It fails the test if nothing arrives in time.
func readEvent(t *testing.T, r *bufio.Reader) sseEvent {
	t.Helper()

	type result struct {
		ev  sseEvent
		err error
	}
	done := make(chan result, 1)
	go func() {
		var ev sseEvent
		for {
			line, err := r.ReadString('\n')
			if err != nil {
				done <- result{err: err}
				return
			}
			line = strings.TrimRight(line, "\n")
			switch {
			case line == "":
				done <- result{ev: ev}
				return
			case strings.HasPrefix(line, ":"):
				ev.comment = strings.TrimSpace(line[1:])
			case strings.HasPrefix(line, "event: "):
				ev.name = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				ev.data = strings.TrimPrefix(line, "data: ")
			}
		}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			t.Fatalf("Failed to read event: %v", res.err)
		}
		return res.ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return sseEvent{}
	}
}

// TestSSEDeliversRoomMessages verifies framing and the room filter.
func TestSSEDeliversRoomMessages(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	room := env.room(t, "alice", "bob")
	other := env.room(t, "alice", "carol")

	resp, reader := openSSE(t, fmt.Sprintf("%s/api/chat/subscribe?room_id=%d", env.server.URL, room.ID))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Expected content type text/event-stream, got %s", ct)
	}

	ctx := context.Background()
	if _, err := env.service.Send(ctx, other.ID, "alice", "not for you"); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	sent, err := env.service.Send(ctx, room.ID, "alice", "hello")
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	ev := readEvent(t, reader)
	if ev.name != "message" {
		t.Fatalf("event = %+v, want message", ev)
	}
	var got chat.Message
	if err := json.Unmarshal([]byte(ev.data), &got); err != nil {
		t.Fatalf("Failed to decode event data %q: %v", ev.data, err)
	}
	if got.ID != sent.ID || got.RoomID != room.ID || got.Sender != "alice" || got.Body != "hello" {
		t.Errorf("got %+v, want %+v", got, sent)
	}
	if !strings.Contains(ev.data, `"timestamp"`) {
		t.Errorf("event data %s lacks timestamp", ev.data)
	}
}

// TestSSEKeepAlive verifies that idle streams receive keep-alive comments.
func TestSSEKeepAlive(t *testing.T) {
	env := newTestEnv(t, envOptions{keepAlive: 20 * time.Millisecond})

	_, reader := openSSE(t, env.server.URL+"/api/chat/subscribe")
	if ev := readEvent(t, reader); ev.comment != "keep-alive" {
		t.Errorf("event = %+v, want keep-alive comment", ev)
	}
}

// TestSSERejectsMalformedRoomID verifies the 400 response.
func TestSSERejectsMalformedRoomID(t *testing.T) {
	env := newTestEnv(t, envOptions{})

	resp, err := http.Get(env.server.URL + "/api/chat/subscribe?room_id=abc")
	if err != nil {
		t.Fatalf("Failed to make request: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("Expected status %d, got %d", http.StatusBadRequest, resp.StatusCode)
	}
	if env.hub.Len() != 0 {
		t.Errorf("rejected request left %d subscribers", env.hub.Len())
	}
}

// TestSSEDisconnectUnregisters verifies that closing the response frees the
// subscriber.
func TestSSEDisconnectUnregisters(t *testing.T) {
	env := newTestEnv(t, envOptions{})

	resp, _ := openSSE(t, env.server.URL+"/api/chat/subscribe")
	waitForSubscribers(t, env.hub, 1)

	_ = resp.Body.Close()
	waitForSubscribers(t, env.hub, 0)
}
