package server

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/Tyrowin/chatrelay/internal/protocol"
	"github.com/Tyrowin/chatrelay/internal/relay"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
)

// Client is one websocket bound to an authenticated identity. It is the
// relay.Sink of its relay connection: Send queues events for the write pump
// and never blocks.
type Client struct {
	ws       *websocket.Conn
	hub      *Hub
	identity relay.Identity
	codec    protocol.Codec
	addr     string
	log      zerolog.Logger

	// conn is set by the hub before the pumps start.
	conn *relay.Connection

	mu     sync.Mutex
	send   chan relay.Event
	closed bool

	maxMessageSize int64
	rateLimiter    *rateLimiter
	opTimeout      time.Duration
}

func newClient(ws *websocket.Conn, hub *Hub, identity relay.Identity, codec protocol.Codec, addr string, lim Limits) *Client {
	if ws != nil {
		ws.SetReadLimit(lim.MaxMessageSize)
	}
	return &Client{
		ws:             ws,
		hub:            hub,
		identity:       identity,
		codec:          codec,
		addr:           addr,
		log:            hub.log.With().Str("user_id", identity.ID).Str("remote_addr", addr).Logger(),
		send:           make(chan relay.Event, lim.SendBuffer),
		maxMessageSize: lim.MaxMessageSize,
		rateLimiter:    newRateLimiterFromConfig(lim.RateLimit),
		opTimeout:      lim.OpTimeout,
	}
}

// Send queues ev for the write pump. It returns false when the buffer is
// full; events sent after Close are dropped silently.
func (c *Client) Send(ev relay.Event) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return true
	}
	select {
	case c.send <- ev:
		return true
	default:
		return false
	}
}

// Close stops the write pump, which sends a close frame and closes the
// socket. It is safe to call more than once.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

// setupReadConnection configures read deadlines and pong handler for the WebSocket connection
func (c *Client) setupReadConnection() {
	if err := c.ws.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		c.log.Warn().Err(err).Msg("error setting initial read deadline")
	}
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})
}

// handleReadError logs the read failure at a level matching its cause.
func (c *Client) handleReadError(err error) {
	switch {
	case errors.Is(err, websocket.ErrReadLimit):
		c.log.Warn().Int64("limit", c.maxMessageSize).Msg("frame exceeded maximum size")
	case websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure):
		c.log.Debug().Err(err).Msg("client disconnected")
	case errors.Is(err, io.EOF) || isExpectedCloseError(err):
		c.log.Debug().Err(err).Msg("connection closed")
	default:
		c.log.Warn().Err(err).Msg("websocket read error")
	}
}

func (c *Client) readPump() {
	defer func() {
		c.hub.release(c)
		if err := c.ws.Close(); err != nil && !isExpectedCloseError(err) {
			c.log.Debug().Err(err).Msg("error closing connection in readPump")
		}
	}()

	c.setupReadConnection()

	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			c.handleReadError(err)
			return
		}

		// Every frame costs a token, including ones that fail to decode.
		if !c.rateLimiter.allow() {
			c.log.Debug().Int("bytes", len(raw)).Msg("rate limit exceeded; discarding frame")
			c.hub.relay.FailCode(c.conn, "", relay.CodeRateLimited, "too many messages")
			continue
		}

		var in protocol.Inbound
		if err := c.codec.Unmarshal(raw, &in); err != nil {
			c.hub.relay.FailCode(c.conn, "", relay.CodeInvalidRequest, "malformed frame")
			continue
		}

		c.dispatch(in)
	}
}

// dispatch runs one inbound operation. Failures go back to this connection
// only, tagged with the operation's ref.
func (c *Client) dispatch(in protocol.Inbound) {
	ctx, cancel := context.WithTimeout(c.hub.ctx, c.opTimeout)
	defer cancel()

	r := c.hub.relay
	var err error
	switch in.Type {
	case protocol.OpRoomJoin:
		err = r.JoinRoom(ctx, c.conn, in.RoomID)
	case protocol.OpRoomLeave:
		r.LeaveRoom(c.conn, in.RoomID)
	case protocol.OpSendDirect:
		_, err = r.SendDirect(ctx, c.identity, in.ReceiverID, in.Content)
	case protocol.OpSendRoom:
		_, err = r.SendRoom(ctx, c.identity, in.RoomID, in.Content)
	case protocol.OpDeleteMessage:
		_, err = r.DeleteMessage(ctx, c.identity, in.MessageID)
	case protocol.OpTypingStart:
		err = r.TypingStart(ctx, c.conn, in.Target.Target())
	case protocol.OpTypingStop:
		err = r.TypingStop(ctx, c.conn, in.Target.Target())
	case protocol.OpRoster:
		r.PushRoster(c.conn, in.Ref)
	default:
		r.FailCode(c.conn, in.Ref, relay.CodeInvalidRequest, "unknown operation "+in.Type)
		return
	}

	if err != nil {
		c.log.Debug().Err(err).Str("op", in.Type).Str("ref", in.Ref).Msg("operation rejected")
		r.Fail(c.conn, in.Ref, err)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		if err := c.ws.Close(); err != nil && !isExpectedCloseError(err) {
			c.log.Debug().Err(err).Msg("error closing connection in writePump")
		}
	}()

	for {
		select {
		case ev, ok := <-c.send:
			if !c.writeEvents(ev, ok) {
				return
			}
		case <-ticker.C:
			if err := c.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.log.Debug().Err(err).Msg("error writing ping")
				return
			}
		}
	}
}

// writeEvents writes ev together with whatever else is already queued as a
// single websocket message. It returns false when the pump should stop.
func (c *Client) writeEvents(ev relay.Event, ok bool) bool {
	if err := c.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return false
	}

	if !ok {
		err := c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		if err != nil && !isExpectedCloseError(err) {
			c.log.Debug().Err(err).Msg("error writing close message")
		}
		return false
	}

	frameType := websocket.TextMessage
	if c.codec.Binary() {
		frameType = websocket.BinaryMessage
	}
	w, err := c.ws.NextWriter(frameType)
	if err != nil {
		c.log.Debug().Err(err).Msg("error creating writer")
		return false
	}

	if !c.writeFrame(w, ev) {
		return false
	}

	n := len(c.send)
	for i := 0; i < n; i++ {
		next, ok := <-c.send
		if !ok {
			break
		}
		if _, err := w.Write(c.codec.Separator()); err != nil {
			return false
		}
		if !c.writeFrame(w, next) {
			return false
		}
	}

	if err := w.Close(); err != nil {
		c.log.Debug().Err(err).Msg("error closing writer")
		return false
	}
	return true
}

func (c *Client) writeFrame(w io.Writer, ev relay.Event) bool {
	data, err := c.codec.Marshal(protocol.FromEvent(ev))
	if err != nil {
		c.log.Error().Err(err).Str("event", string(ev.Kind)).Msg("error encoding event")
		return true
	}
	if _, err := w.Write(data); err != nil {
		c.log.Debug().Err(err).Msg("error writing message")
		return false
	}
	return true
}

// isExpectedCloseError checks if an error is expected during connection closure.
func isExpectedCloseError(err error) bool {
	if err == nil || errors.Is(err, net.ErrClosed) || errors.Is(err, websocket.ErrCloseSent) {
		return true
	}
	return strings.Contains(err.Error(), "broken pipe")
}
