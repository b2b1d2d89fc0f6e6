package server

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
)

func TestNormalizeOrigin(t *testing.T) {
	tests := []struct {
		in   string
		want string
		ok   bool
	}{
		{"http://localhost:8080", "http://localhost:8080", true},
		{"HTTPS://Example.COM", "https://example.com", true},
		{"https://example.com/path?q=1", "https://example.com", true},
		{"not-a-url", "", false},
		{"http://", "", false},
		{"://missing-scheme", "", false},
	}
	for _, tt := range tests {
		got, ok := normalizeOrigin(tt.in)
		if got != tt.want || ok != tt.ok {
			t.Errorf("normalizeOrigin(%q) = %q, %v; want %q, %v", tt.in, got, ok, tt.want, tt.ok)
		}
	}
}

// TestOriginPolicy verifies allow-list matching, wildcard and invalid entries.
func TestOriginPolicy(t *testing.T) {
	request := func(origin string) *http.Request {
		r := httptest.NewRequest(http.MethodGet, "/ws", http.NoBody)
		if origin != "" {
			r.Header.Set("Origin", origin)
		}
		return r
	}

	p := newOriginPolicy([]string{" https://Chat.Example ", "bogus", ""}, zerolog.Nop())
	if len(p.allowed) != 1 || p.allowAll {
		t.Fatalf("policy = %+v, want one allowed origin", p)
	}

	cases := map[string]bool{
		"https://chat.example":      true,
		"https://CHAT.example/room": true,
		"http://chat.example":       false,
		"https://chat.example:8443": false,
		"":                          false,
		"garbage":                   false,
	}
	for origin, want := range cases {
		if got := p.checkOrigin(request(origin)); got != want {
			t.Errorf("checkOrigin(%q) = %v, want %v", origin, got, want)
		}
	}

	all := newOriginPolicy([]string{"*"}, zerolog.Nop())
	if !all.checkOrigin(request("https://anything.example")) {
		t.Error("wildcard policy rejected a valid origin")
	}
	if all.checkOrigin(request("")) {
		t.Error("wildcard policy accepted a missing origin")
	}
}
