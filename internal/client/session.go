package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/Tyrowin/chatrelay/internal/protocol"
	"github.com/Tyrowin/chatrelay/internal/relay"
)

// Reconnect defaults.
const (
	DefaultMaxAttempts = 5
	DefaultRetryDelay  = 2 * time.Second
)

// ErrNotConnected is returned by operations attempted while the socket is
// down.
var ErrNotConnected = errors.New("not connected")

// Options configures a Session.
type Options struct {
	// URL is the websocket endpoint, e.g. ws://localhost:8080/ws.
	URL string
	// APIURL is the REST base URL. It defaults to URL with an http(s)
	// scheme and without the /ws suffix.
	APIURL      string
	Token       string
	Subprotocol string
	Origin      string

	MaxAttempts int
	RetryDelay  time.Duration
	TypingTTL   time.Duration

	Logger     zerolog.Logger
	HTTPClient *http.Client
}

// Session is one logged-in client. Run keeps a socket open, reconnecting
// when it drops, and folds every received frame into the View.
type Session struct {
	opts  Options
	codec protocol.Codec
	view  *View
	log   zerolog.Logger

	events chan protocol.Outbound

	mu    sync.Mutex
	ws    *websocket.Conn
	rooms map[string]struct{}

	writeMu sync.Mutex
}

// NewSession creates a session. Nothing is dialed until Run.
func NewSession(opts Options) *Session {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = DefaultRetryDelay
	}
	if opts.APIURL == "" {
		opts.APIURL = apiURLFrom(opts.URL)
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	if opts.Subprotocol == "" {
		opts.Subprotocol = protocol.JSONSubprotocol
	}

	return &Session{
		opts:   opts,
		codec:  protocol.ForSubprotocol(opts.Subprotocol),
		view:   NewView("", ViewOptions{TypingTTL: opts.TypingTTL}),
		log:    opts.Logger.With().Str("component", "client").Logger(),
		events: make(chan protocol.Outbound, 256),
		rooms:  make(map[string]struct{}),
	}
}

func apiURLFrom(wsURL string) string {
	u, err := url.Parse(wsURL)
	if err != nil {
		return ""
	}
	switch u.Scheme {
	case "wss":
		u.Scheme = "https"
	default:
		u.Scheme = "http"
	}
	u.Path = strings.TrimSuffix(u.Path, "/ws")
	u.RawQuery = ""
	return strings.TrimSuffix(u.String(), "/")
}

// View returns the session's reconciled state.
func (s *Session) View() *View { return s.view }

// Events delivers every frame after it has been applied to the View. Frames
// are dropped when nobody reads them.
func (s *Session) Events() <-chan protocol.Outbound { return s.events }

// Run connects and keeps the session connected until ctx is done. After
// MaxAttempts consecutive failed connection attempts it gives up. A refused
// credential is not retried.
func (s *Session) Run(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		s.dropConn()
	}()

	failures := 0
	for {
		err := s.connect(ctx)
		if err == nil {
			failures = 0
			err = s.readLoop(ctx)
		}
		if ctx.Err() != nil {
			return nil
		}
		if errors.Is(err, relay.ErrUnauthenticated) {
			return err
		}

		failures++
		if failures >= s.opts.MaxAttempts {
			return fmt.Errorf("giving up after %d attempts: %w", failures, err)
		}
		s.log.Warn().Err(err).Int("attempt", failures).Dur("retry_in", s.opts.RetryDelay).Msg("connection lost; reconnecting")

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(s.opts.RetryDelay):
		}
	}
}

func (s *Session) connect(ctx context.Context) error {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+s.opts.Token)
	if s.opts.Origin != "" {
		header.Set("Origin", s.opts.Origin)
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
		Subprotocols:     []string{s.opts.Subprotocol},
	}
	ws, resp, err := dialer.DialContext(ctx, s.opts.URL, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return fmt.Errorf("dial: %w", relay.ErrUnauthenticated)
		}
		return fmt.Errorf("dial: %w", err)
	}

	s.mu.Lock()
	s.ws = ws
	s.mu.Unlock()
	s.log.Info().Str("url", s.opts.URL).Str("subprotocol", ws.Subprotocol()).Msg("connected")

	if err := s.resync(ctx); err != nil {
		s.log.Warn().Err(err).Msg("resync incomplete")
	}
	return nil
}

// resync repairs state that may have gone stale while disconnected.
func (s *Session) resync(ctx context.Context) error {
	s.view.ResetPresence()
	if err := s.RequestRoster(); err != nil {
		return err
	}

	s.mu.Lock()
	rooms := make([]string, 0, len(s.rooms))
	for id := range s.rooms {
		rooms = append(rooms, id)
	}
	s.mu.Unlock()
	for _, id := range rooms {
		if err := s.write(protocol.Inbound{Type: protocol.OpRoomJoin, Ref: newRef(), RoomID: id}); err != nil {
			return err
		}
	}

	active := s.view.Active()
	if active == "" {
		return nil
	}
	msgs, err := s.History(ctx, active, 0)
	if err != nil {
		return err
	}
	s.view.Merge(active, msgs)
	return nil
}

func (s *Session) readLoop(ctx context.Context) error {
	s.mu.Lock()
	ws := s.ws
	s.mu.Unlock()
	defer s.dropConn()

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		frames, err := protocol.DecodeOutbound(s.codec, data)
		if err != nil {
			s.log.Warn().Err(err).Msg("undecodable frame")
		}
		for _, f := range frames {
			s.view.Apply(f)
			select {
			case s.events <- f:
			case <-ctx.Done():
				return ctx.Err()
			default:
				s.log.Debug().Str("type", f.Type).Msg("event channel full; dropping event")
			}
		}
	}
}

func (s *Session) dropConn() {
	s.mu.Lock()
	ws := s.ws
	s.ws = nil
	s.mu.Unlock()
	if ws != nil {
		_ = ws.Close()
	}
}

func (s *Session) write(in protocol.Inbound) error {
	s.mu.Lock()
	ws := s.ws
	s.mu.Unlock()
	if ws == nil {
		return ErrNotConnected
	}

	data, err := s.codec.Marshal(in)
	if err != nil {
		return fmt.Errorf("encode %s: %w", in.Type, err)
	}
	frameType := websocket.TextMessage
	if s.codec.Binary() {
		frameType = websocket.BinaryMessage
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := ws.SetWriteDeadline(time.Now().Add(10 * time.Second)); err != nil {
		return err
	}
	return ws.WriteMessage(frameType, data)
}

func newRef() string { return uuid.NewString() }

// Connected reports whether a socket is currently open.
func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ws != nil
}

// Join subscribes to a room. The room is re-joined after every reconnect
// until Leave.
func (s *Session) Join(roomID string) (string, error) {
	s.mu.Lock()
	s.rooms[roomID] = struct{}{}
	s.mu.Unlock()
	ref := newRef()
	return ref, s.write(protocol.Inbound{Type: protocol.OpRoomJoin, Ref: ref, RoomID: roomID})
}

// Leave unsubscribes from a room.
func (s *Session) Leave(roomID string) error {
	s.mu.Lock()
	delete(s.rooms, roomID)
	s.mu.Unlock()
	return s.write(protocol.Inbound{Type: protocol.OpRoomLeave, Ref: newRef(), RoomID: roomID})
}

// Send posts content to the conversation key and returns the request ref.
func (s *Session) Send(key ConversationKey, content string) (string, error) {
	target, ok := key.Target()
	if !ok {
		return "", fmt.Errorf("conversation %q: %w", key, relay.ErrNotFound)
	}
	ref := newRef()
	in := protocol.Inbound{Ref: ref, Content: content}
	if target.Kind == relay.TargetRoom {
		in.Type, in.RoomID = protocol.OpSendRoom, target.ID
	} else {
		in.Type, in.ReceiverID = protocol.OpSendDirect, target.ID
	}
	return ref, s.write(in)
}

// Delete asks the relay to soft-delete a message.
func (s *Session) Delete(messageID int64) (string, error) {
	ref := newRef()
	return ref, s.write(protocol.Inbound{Type: protocol.OpDeleteMessage, Ref: ref, MessageID: messageID})
}

// SetTyping signals typing start or stop in key.
func (s *Session) SetTyping(key ConversationKey, typing bool) error {
	target, ok := key.Target()
	if !ok {
		return fmt.Errorf("conversation %q: %w", key, relay.ErrNotFound)
	}
	op := protocol.OpTypingStop
	if typing {
		op = protocol.OpTypingStart
	}
	return s.write(protocol.Inbound{Type: op, Target: &protocol.TargetFrame{Kind: string(target.Kind), ID: target.ID}})
}

// RequestRoster asks for a fresh presence snapshot.
func (s *Session) RequestRoster() error {
	return s.write(protocol.Inbound{Type: protocol.OpRoster, Ref: newRef()})
}

// Activate switches the active conversation, loading its history.
func (s *Session) Activate(ctx context.Context, key ConversationKey) error {
	msgs, err := s.History(ctx, key, 0)
	if err != nil {
		return err
	}
	s.view.Activate(key, msgs)
	return nil
}

// History fetches the newest page of key older than beforeID (0 for the
// newest page), oldest first.
func (s *Session) History(ctx context.Context, key ConversationKey, beforeID int64) ([]protocol.MessageFrame, error) {
	target, ok := key.Target()
	if !ok {
		return nil, fmt.Errorf("conversation %q: %w", key, relay.ErrNotFound)
	}
	kind := "dm"
	if target.Kind == relay.TargetRoom {
		kind = "room"
	}

	endpoint := fmt.Sprintf("%s/api/conversations/%s/%s/messages", s.opts.APIURL, kind, url.PathEscape(target.ID))
	if beforeID > 0 {
		endpoint += fmt.Sprintf("?before=%d", beforeID)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+s.opts.Token)
	req.Header.Set("Accept", "application/json")

	resp, err := s.opts.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("load history: %w", errorForStatus(resp))
	}
	var body struct {
		Messages []protocol.MessageFrame `json:"messages"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode history: %w", err)
	}
	return body.Messages, nil
}

func errorForStatus(resp *http.Response) error {
	var body struct {
		Error string `json:"error"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&body)

	var base error
	switch resp.StatusCode {
	case http.StatusUnauthorized:
		base = relay.ErrUnauthenticated
	case http.StatusForbidden:
		base = relay.ErrForbidden
	case http.StatusNotFound:
		base = relay.ErrNotFound
	case http.StatusServiceUnavailable:
		base = relay.ErrStoreUnavailable
	default:
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, body.Error)
	}
	if body.Error == "" {
		return base
	}
	return fmt.Errorf("%w: %s", base, body.Error)
}
