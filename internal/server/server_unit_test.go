package server

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/Tyrowin/chatrelay/internal/relay"
	"github.com/Tyrowin/chatrelay/internal/store"
)

// TestOriginPolicy tests origin normalization and matching.
func TestOriginPolicy(t *testing.T) {
	p := NewOriginPolicy([]string{"HTTP://LocalHost:8080", "not-a-url", " https://chat.example.com "}, zerolog.Nop())

	tests := []struct {
		origin string
		want   bool
	}{
		{"", true},
		{"http://localhost:8080", true},
		{"https://chat.example.com", true},
		{"https://CHAT.example.com", true},
		{"http://localhost:9090", false},
		{"https://evil.example.com", false},
		{"not-a-url", false},
		{"http://", false},
	}

	for _, tt := range tests {
		r := httptest.NewRequest("GET", "/ws", nil)
		if tt.origin != "" {
			r.Header.Set("Origin", tt.origin)
		}
		if got := p.Allowed(r); got != tt.want {
			t.Errorf("Origin %q: expected %v, got %v", tt.origin, tt.want, got)
		}
	}

	if n := len(p.Origins()); n != 2 {
		t.Errorf("Expected 2 normalized origins, got %d", n)
	}
}

// TestOriginPolicyWildcard tests that "*" allows any origin.
func TestOriginPolicyWildcard(t *testing.T) {
	p := NewOriginPolicy([]string{"*"}, zerolog.Nop())
	r := httptest.NewRequest("GET", "/ws", nil)
	r.Header.Set("Origin", "https://anywhere.example")
	if !p.Allowed(r) {
		t.Error("Expected wildcard policy to allow any origin")
	}
}

// TestRateLimiter tests burst capacity and refill.
func TestRateLimiter(t *testing.T) {
	rl := newRateLimiter(3, 150*time.Millisecond)
	for i := 0; i < 3; i++ {
		if !rl.allow() {
			t.Fatalf("Expected token %d to be available", i+1)
		}
	}
	if rl.allow() {
		t.Error("Expected limiter to be empty after burst")
	}

	time.Sleep(100 * time.Millisecond)
	if !rl.allow() {
		t.Error("Expected a token to be refilled")
	}
}

// TestRateLimiterInvalidArguments tests that bad settings still yield a
// working limiter.
func TestRateLimiterInvalidArguments(t *testing.T) {
	rl := newRateLimiter(0, 0)
	if !rl.allow() {
		t.Error("Expected one token from a zero-capacity limiter")
	}
}

// TestClientSendAfterClose tests that a closed client drops events quietly
// and that a full client refuses them.
func TestClientSendAfterClose(t *testing.T) {
	hub := NewHub(relay.New(relay.Options{Messages: store.NewMemoryStore(), Directory: store.NewMemoryStore(), Logger: zerolog.Nop()}), zerolog.Nop())
	c := newClient(nil, hub, relay.Identity{ID: "alice"}, nil, "test", Limits{SendBuffer: 1})

	if !c.Send(relay.Event{Kind: relay.EventRoster}) {
		t.Fatal("Expected first event to be queued")
	}
	if c.Send(relay.Event{Kind: relay.EventRoster}) {
		t.Error("Expected full buffer to refuse the event")
	}

	c.Close()
	c.Close()
	if !c.Send(relay.Event{Kind: relay.EventRoster}) {
		t.Error("Expected send after close to be dropped without failure")
	}
}

// TestHubShutdownWithoutClients tests that an idle hub stops promptly.
func TestHubShutdownWithoutClients(t *testing.T) {
	hub := NewHub(relay.New(relay.Options{Messages: store.NewMemoryStore(), Directory: store.NewMemoryStore(), Logger: zerolog.Nop()}), zerolog.Nop())

	stopped := make(chan struct{})
	go func() {
		hub.Run()
		close(stopped)
	}()

	if err := hub.Shutdown(2 * time.Second); err != nil {
		t.Errorf("Shutdown returned error: %v", err)
	}
	select {
	case <-stopped:
	case <-time.After(3 * time.Second):
		t.Error("Hub did not stop after shutdown")
	}

	if hub.Attach(&Client{}) {
		t.Error("Expected Attach to refuse clients after shutdown")
	}
}

// TestStatusFor tests the mapping of relay errors onto HTTP statuses.
func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{relay.ErrUnauthenticated, 401},
		{relay.ErrInvalidContent, 400},
		{relay.ErrNotFound, 404},
		{relay.ErrForbidden, 403},
		{relay.ErrStoreUnavailable, 503},
		{relay.ErrConnectionClosed, 500},
	}
	for _, tt := range tests {
		if got := statusFor(tt.err); got != tt.want {
			t.Errorf("statusFor(%v): expected %d, got %d", tt.err, tt.want, got)
		}
	}
}

// TestCreateServer tests the HTTP server timeouts.
func TestCreateServer(t *testing.T) {
	handler := http.NewServeMux()
	srv := CreateServer(":8080", handler)

	if srv.Addr != ":8080" {
		t.Errorf("Expected server addr :8080, got %s", srv.Addr)
	}
	if srv.Handler != handler {
		t.Error("Server handler not set correctly")
	}
	if srv.ReadTimeout != 15*time.Second {
		t.Errorf("Expected ReadTimeout 15s, got %v", srv.ReadTimeout)
	}
	if srv.WriteTimeout != 15*time.Second {
		t.Errorf("Expected WriteTimeout 15s, got %v", srv.WriteTimeout)
	}
	if srv.IdleTimeout != 60*time.Second {
		t.Errorf("Expected IdleTimeout 60s, got %v", srv.IdleTimeout)
	}
}
