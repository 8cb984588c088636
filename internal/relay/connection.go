package relay

import (
	"sync"

	"github.com/google/uuid"
)

// EventKind names a server-to-client event.
type EventKind string

// Events emitted by the relay.
const (
	EventSessionReady    EventKind = "session.ready"
	EventMessage         EventKind = "message.new"
	EventMessageDeleted  EventKind = "message.deleted"
	EventIdentityOnline  EventKind = "presence.online"
	EventIdentityOffline EventKind = "presence.offline"
	EventRoster          EventKind = "presence.roster"
	EventTypingStart     EventKind = "typing.start"
	EventTypingStop      EventKind = "typing.stop"
	EventFailed          EventKind = "error"
)

// Event is a single server-to-client notification. Only the fields relevant
// to Kind are set.
type Event struct {
	Kind    EventKind
	Message *Message
	// Actor is the identity the event is about: the sender of a message,
	// the user coming online, the user typing.
	Actor  Identity
	Roster []string
	Target Target
	Code   Code
	Reason string
	Ref    string
}

// Sink is the transport side of a Connection. Send must not block: it
// returns false when the event could not be queued.
type Sink interface {
	Send(ev Event) bool
	Close()
}

// Connection is one live transport session bound to exactly one Identity.
type Connection struct {
	id       string
	identity Identity
	sink     Sink

	mu       sync.Mutex
	channels map[ChannelKey]struct{}
	closed   bool
}

func newConnection(identity Identity, sink Sink) *Connection {
	return &Connection{
		id:       uuid.NewString(),
		identity: identity,
		sink:     sink,
		channels: make(map[ChannelKey]struct{}),
	}
}

// ID returns the connection's unique id.
func (c *Connection) ID() string { return c.id }

// Identity returns the identity the connection was authenticated as.
func (c *Connection) Identity() Identity { return c.identity }

// Channels returns the room channels the connection is subscribed to.
func (c *Connection) Channels() []ChannelKey {
	c.mu.Lock()
	defer c.mu.Unlock()
	keys := make([]ChannelKey, 0, len(c.channels))
	for k := range c.channels {
		keys = append(keys, k)
	}
	return keys
}

// Closed reports whether the connection has been torn down.
func (c *Connection) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Connection) send(ev Event) bool {
	if c.Closed() {
		return true
	}
	return c.sink.Send(ev)
}
