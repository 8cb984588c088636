// Package testutil provides helpers shared by the server and client tests:
// a fully wired relay behind an httptest server, token minting, and
// websocket frame helpers.
package testutil

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/Tyrowin/chatrelay/internal/auth"
	"github.com/Tyrowin/chatrelay/internal/config"
	"github.com/Tyrowin/chatrelay/internal/protocol"
	"github.com/Tyrowin/chatrelay/internal/relay"
	"github.com/Tyrowin/chatrelay/internal/server"
	"github.com/Tyrowin/chatrelay/internal/store"
)

// Secret signs every token minted by an Env.
const Secret = "testutil-secret"

// Origin is the only browser origin an Env accepts.
const Origin = "http://localhost:8080"

// Env is a relay served over HTTP for the duration of a test.
type Env struct {
	Relay  *relay.Relay
	Store  *store.MemoryStore
	Server *server.Server
	HTTP   *httptest.Server
}

// Users and rooms present in every Env.
var (
	Users = []relay.Identity{
		{ID: "alice", DisplayName: "Alice"},
		{ID: "bob", DisplayName: "Bob"},
		{ID: "carol", DisplayName: "Carol"},
		{ID: "root", DisplayName: "Root", Role: relay.RoleAdmin},
	}
	Rooms = []relay.Room{
		{ID: "lobby", Name: "Lobby"},
		{ID: "staff", Name: "Staff", Private: true},
	}
)

// NewEnv starts a relay with an in-memory store behind an httptest server.
// limits may be zero to use the defaults. Everything is torn down when the
// test ends.
func NewEnv(t *testing.T, limits server.Limits) *Env {
	t.Helper()
	ctx := context.Background()

	mem := store.NewMemoryStore()
	for _, u := range Users {
		if err := mem.PutUser(ctx, u); err != nil {
			t.Fatalf("PutUser failed: %v", err)
		}
	}
	for _, r := range Rooms {
		if err := mem.PutRoom(ctx, r); err != nil {
			t.Fatalf("PutRoom failed: %v", err)
		}
	}

	if limits.RateLimit.Burst == 0 {
		limits.RateLimit = config.RateLimitConfig{Burst: 100, RefillInterval: time.Second}
	}

	r := relay.New(relay.Options{Messages: mem, Directory: mem, Logger: zerolog.Nop()})
	srv := server.New(server.Options{
		Relay:          r,
		Authenticator:  auth.NewTokenAuthenticator(Secret, mem),
		Logger:         zerolog.Nop(),
		AllowedOrigins: []string{Origin},
		Limits:         limits,
		Checks:         map[string]server.Pinger{},
	})
	srv.Start()
	ts := httptest.NewServer(srv.Router())

	t.Cleanup(func() {
		ts.Close()
		_ = srv.Shutdown(2 * time.Second)
	})
	return &Env{Relay: r, Store: mem, Server: srv, HTTP: ts}
}

// WSURL returns the websocket endpoint of the Env.
func (e *Env) WSURL() string {
	return "ws" + strings.TrimPrefix(e.HTTP.URL, "http") + "/ws"
}

// Token mints a valid token for userID.
func Token(t *testing.T, userID string) string {
	t.Helper()
	token, err := auth.NewToken(Secret, userID, time.Hour)
	if err != nil {
		t.Fatalf("NewToken failed: %v", err)
	}
	return token
}

// Dial opens a websocket as userID, negotiating subprotocol when non-empty.
func (e *Env) Dial(t *testing.T, userID, subprotocol string) *websocket.Conn {
	t.Helper()
	conn, resp, err := e.DialWithHeader(userID, subprotocol, nil)
	if resp != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		t.Fatalf("Failed to connect as %s: %v", userID, err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// DialWithHeader opens a websocket with the credential of userID (if
// non-empty) and any extra headers. The caller closes resp.Body.
func (e *Env) DialWithHeader(userID, subprotocol string, extra http.Header) (*websocket.Conn, *http.Response, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	if subprotocol != "" {
		dialer.Subprotocols = []string{subprotocol}
	}

	headers := http.Header{}
	headers.Set("Origin", Origin)
	for k, v := range extra {
		headers[k] = v
	}
	if userID != "" {
		token, err := auth.NewToken(Secret, userID, time.Hour)
		if err != nil {
			return nil, nil, err
		}
		headers.Set("Authorization", "Bearer "+token)
	}
	return dialer.Dial(e.WSURL(), headers)
}

// Send writes one inbound frame with the connection's negotiated codec.
func Send(t *testing.T, conn *websocket.Conn, in protocol.Inbound) {
	t.Helper()
	codec := protocol.ForSubprotocol(conn.Subprotocol())
	data, err := codec.Marshal(in)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	frameType := websocket.TextMessage
	if codec.Binary() {
		frameType = websocket.BinaryMessage
	}
	if err := conn.WriteMessage(frameType, data); err != nil {
		t.Fatalf("Failed to write frame: %v", err)
	}
}

// Reader buffers frames that arrive batched into one websocket message.
type Reader struct {
	conn    *websocket.Conn
	pending []protocol.Outbound
}

// NewReader wraps conn.
func NewReader(conn *websocket.Conn) *Reader {
	return &Reader{conn: conn}
}

// Next returns the next frame, failing the test after timeout.
func (r *Reader) Next(t *testing.T, timeout time.Duration) protocol.Outbound {
	t.Helper()
	for len(r.pending) == 0 {
		if err := r.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			t.Fatalf("SetReadDeadline failed: %v", err)
		}
		_, data, err := r.conn.ReadMessage()
		if err != nil {
			t.Fatalf("Failed to read frame: %v", err)
		}
		frames, err := protocol.DecodeOutbound(protocol.ForSubprotocol(r.conn.Subprotocol()), data)
		if err != nil {
			t.Fatalf("Failed to decode frame: %v", err)
		}
		r.pending = frames
	}
	f := r.pending[0]
	r.pending = r.pending[1:]
	return f
}

// Until skips frames until one of type typ arrives.
func (r *Reader) Until(t *testing.T, typ string, timeout time.Duration) protocol.Outbound {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			t.Fatalf("No %s frame within %s", typ, timeout)
		}
		f := r.Next(t, remaining)
		if f.Type == typ {
			return f
		}
	}
}

// Quiet fails the test if a frame of type typ arrives within wait.
func (r *Reader) Quiet(t *testing.T, typ string, wait time.Duration) {
	t.Helper()
	for _, f := range r.pending {
		if f.Type == typ {
			t.Fatalf("Unexpected %s frame: %+v", typ, f)
		}
	}
	r.pending = nil
	if err := r.conn.SetReadDeadline(time.Now().Add(wait)); err != nil {
		t.Fatalf("SetReadDeadline failed: %v", err)
	}
	for {
		_, data, err := r.conn.ReadMessage()
		if err != nil {
			// Deadline reached; the connection is unusable afterwards.
			return
		}
		frames, _ := protocol.DecodeOutbound(protocol.ForSubprotocol(r.conn.Subprotocol()), data)
		for _, f := range frames {
			if f.Type == typ {
				t.Fatalf("Unexpected %s frame: %+v", typ, f)
			}
		}
	}
}

// Eventually polls cond until it holds or two seconds pass.
func Eventually(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met within 2s")
}
