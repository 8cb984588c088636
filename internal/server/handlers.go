package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/Tyrowin/chatrelay/internal/auth"
	"github.com/Tyrowin/chatrelay/internal/config"
	"github.com/Tyrowin/chatrelay/internal/metrics"
	"github.com/Tyrowin/chatrelay/internal/protocol"
	"github.com/Tyrowin/chatrelay/internal/relay"
	"github.com/Tyrowin/chatrelay/internal/store"
)

// Limits bound what a single websocket client may consume.
type Limits struct {
	MaxMessageSize int64
	RateLimit      config.RateLimitConfig
	SendBuffer     int
	// OpTimeout bounds the store calls made for one inbound frame or
	// REST request.
	OpTimeout time.Duration
}

// LimitsFromConfig extracts the client limits from cfg.
func LimitsFromConfig(cfg *config.Config) Limits {
	return Limits{
		MaxMessageSize: cfg.MaxMessageSize,
		RateLimit:      cfg.RateLimit,
		SendBuffer:     cfg.SendBuffer,
		OpTimeout:      cfg.StoreTimeout,
	}
}

// Pinger is a dependency whose health is reported by the readiness check.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Options configures a Server.
type Options struct {
	Relay          *relay.Relay
	Authenticator  relay.Authenticator
	Logger         zerolog.Logger
	AllowedOrigins []string
	Limits         Limits
	// Checks are pinged by GET /readyz, keyed by name.
	Checks map[string]Pinger
}

// Server serves the websocket endpoint and the REST API.
type Server struct {
	relay    *relay.Relay
	authn    relay.Authenticator
	hub      *Hub
	origins  *OriginPolicy
	upgrader websocket.Upgrader
	limits   Limits
	checks   map[string]Pinger
	log      zerolog.Logger
}

// New creates a Server and its hub. Call Start before serving requests.
func New(opts Options) *Server {
	log := opts.Logger.With().Str("component", "server").Logger()
	lim := opts.Limits
	if lim.SendBuffer <= 0 {
		lim.SendBuffer = 256
	}
	if lim.MaxMessageSize <= 0 {
		lim.MaxMessageSize = 8 << 10
	}
	if lim.OpTimeout <= 0 {
		lim.OpTimeout = 5 * time.Second
	}

	s := &Server{
		relay:   opts.Relay,
		authn:   opts.Authenticator,
		hub:     NewHub(opts.Relay, opts.Logger),
		origins: NewOriginPolicy(opts.AllowedOrigins, log),
		limits:  lim,
		checks:  opts.Checks,
		log:     log,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.origins.CheckOrigin,
		Subprotocols:    protocol.Subprotocols,
	}
	log.Debug().Strs("allowed_origins", s.origins.Origins()).Msg("origin policy loaded")
	return s
}

// Hub returns the server's hub.
func (s *Server) Hub() *Hub { return s.hub }

// Start runs the hub in a separate goroutine.
func (s *Server) Start() {
	go s.hub.Run()
	s.log.Info().Msg("hub started and ready to manage websocket connections")
}

// Shutdown closes every websocket and waits for their goroutines.
func (s *Server) Shutdown(timeout time.Duration) error {
	return s.hub.Shutdown(timeout)
}

// WebSocketHandler authenticates the caller, then upgrades the connection
// and hands it to the hub. Unauthenticated callers get 401 and no upgrade.
func (s *Server) WebSocketHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed. WebSocket endpoint only accepts GET requests.", http.StatusMethodNotAllowed)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.limits.OpTimeout)
	identity, err := s.authn.Verify(ctx, auth.Credential(r))
	cancel()
	if err != nil {
		metrics.HandshakeFailures.Inc()
		s.log.Info().Err(err).Str("remote_addr", r.RemoteAddr).Msg("websocket handshake refused")
		s.Error(w, statusFor(err), err)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		metrics.HandshakeFailures.Inc()
		s.log.Info().Err(err).Str("remote_addr", r.RemoteAddr).Msg("websocket upgrade failed")
		return
	}

	codec := protocol.ForSubprotocol(ws.Subprotocol())
	client := newClient(ws, s.hub, identity, codec, r.RemoteAddr, s.limits)
	if !s.hub.Attach(client) {
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(writeWait))
		_ = ws.Close()
	}
}

// HealthHandler reports that the process is up.
func (s *Server) HealthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = fmt.Fprintf(w, "chatrelay is running!")
}

// ReadyHandler pings every configured dependency.
func (s *Server) ReadyHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), s.limits.OpTimeout)
	defer cancel()

	status := http.StatusOK
	report := make(map[string]string, len(s.checks))
	for name, p := range s.checks {
		if err := p.Ping(ctx); err != nil {
			status = http.StatusServiceUnavailable
			report[name] = err.Error()
			continue
		}
		report[name] = "ok"
	}
	s.JSON(w, status, map[string]any{
		"checks":      report,
		"connections": s.relay.Registry().ConnectionCount(),
	})
}

// PresenceHandler returns the ids of every online identity.
func (s *Server) PresenceHandler(w http.ResponseWriter, _ *http.Request) {
	s.JSON(w, http.StatusOK, map[string]any{"userIds": s.relay.CurrentRoster()})
}

// HistoryHandler returns one page of a conversation, oldest first.
// Route: /api/conversations/{kind}/{id}/messages?before=&limit=
func (s *Server) HistoryHandler(w http.ResponseWriter, r *http.Request) {
	identity, _ := auth.IdentityFrom(r.Context())

	var target relay.Target
	switch chi.URLParam(r, "kind") {
	case "dm":
		target = relay.DirectTarget(chi.URLParam(r, "id"))
	case "room":
		target = relay.RoomTarget(chi.URLParam(r, "id"))
	default:
		s.Error(w, http.StatusNotFound, relay.ErrNotFound)
		return
	}

	before, err := queryInt64(r, "before")
	if err != nil {
		s.Error(w, http.StatusBadRequest, err)
		return
	}
	limit, err := queryInt64(r, "limit")
	if err != nil {
		s.Error(w, http.StatusBadRequest, err)
		return
	}
	if limit <= 0 || limit > store.DefaultHistoryLimit {
		limit = store.DefaultHistoryLimit
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.limits.OpTimeout)
	defer cancel()
	msgs, err := s.relay.History(ctx, identity, target, before, int(limit))
	if err != nil {
		s.Error(w, statusFor(err), err)
		return
	}

	frames := make([]*protocol.MessageFrame, 0, len(msgs))
	for i := range msgs {
		frames = append(frames, protocol.NewMessageFrame(&msgs[i]))
	}
	s.JSON(w, http.StatusOK, map[string]any{"messages": frames})
}

// DeleteMessageHandler soft-deletes a message as the caller.
func (s *Server) DeleteMessageHandler(w http.ResponseWriter, r *http.Request) {
	identity, _ := auth.IdentityFrom(r.Context())

	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		s.Error(w, http.StatusBadRequest, errors.New("invalid message id"))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.limits.OpTimeout)
	defer cancel()
	deleted, err := s.relay.DeleteMessage(ctx, identity, id)
	if err != nil {
		s.Error(w, statusFor(err), err)
		return
	}
	s.JSON(w, http.StatusOK, map[string]any{"id": deleted})
}

// JSON sends a JSON response with the given status code.
func (s *Server) JSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.log.Debug().Err(err).Msg("error writing JSON response")
	}
}

// Error sends a JSON error response carrying the error's wire code.
func (s *Server) Error(w http.ResponseWriter, status int, err error) {
	code := relay.CodeOf(err)
	if status == http.StatusBadRequest {
		code = relay.CodeInvalidRequest
	}
	s.JSON(w, status, map[string]string{"code": string(code), "error": err.Error()})
}

// statusFor maps a relay error onto an HTTP status.
func statusFor(err error) int {
	switch relay.CodeOf(err) {
	case relay.CodeUnauthenticated:
		return http.StatusUnauthorized
	case relay.CodeInvalidContent:
		return http.StatusBadRequest
	case relay.CodeNotFound:
		return http.StatusNotFound
	case relay.CodeForbidden:
		return http.StatusForbidden
	case relay.CodeStoreUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func queryInt64(r *http.Request, name string) (int64, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || v < 0 {
		return 0, fmt.Errorf("invalid %s parameter", name)
	}
	return v, nil
}
