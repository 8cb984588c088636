package relay

import (
	"context"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"github.com/Tyrowin/chatrelay/internal/metrics"
)

// Options configures a Relay.
type Options struct {
	Messages  MessageStore
	Directory DirectoryStore
	Logger    zerolog.Logger

	// EnforceRoomMembership requires durable room membership to join or
	// post to a private room.
	EnforceRoomMembership bool

	// Now overrides the clock used for message timestamps.
	Now func() time.Time
}

// Relay is the real-time presence and messaging relay. It owns the
// connection registry and the channel membership table; nothing else
// mutates them.
type Relay struct {
	messages  MessageStore
	directory DirectoryStore
	log       zerolog.Logger
	enforce   bool
	now       func() time.Time

	registry   *Registry
	membership *Membership
	presence   *Presence
	signals    *Signals
	resolvers  map[TargetKind]recipientResolver

	// sendLocks serialize persist+fanout per channel so every recipient
	// observes a channel's messages in persistence order.
	sendLocks [shardCount]sync.Mutex
}

// New creates a Relay.
func New(opts Options) *Relay {
	r := &Relay{
		messages:   opts.Messages,
		directory:  opts.Directory,
		log:        opts.Logger.With().Str("component", "relay").Logger(),
		enforce:    opts.EnforceRoomMembership,
		now:        opts.Now,
		membership: NewMembership(),
	}
	if r.now == nil {
		r.now = time.Now
	}
	r.presence = &Presence{deliver: r.deliver, log: r.log}
	r.registry = NewRegistry(r.presence.announce)
	r.presence.registry = r.registry
	r.resolvers = map[TargetKind]recipientResolver{
		TargetDirect: directResolver{registry: r.registry},
		TargetRoom:   roomResolver{membership: r.membership},
	}
	r.signals = &Signals{resolve: r.ResolveRecipients, deliver: r.deliver, checkRoom: r.checkRoomAccess}
	return r
}

// Registry exposes the connection registry for read-only queries.
func (r *Relay) Registry() *Registry { return r.registry }

// Membership exposes the channel membership table for read-only queries.
func (r *Relay) Membership() *Membership { return r.membership }

// Presence exposes the presence broadcaster.
func (r *Relay) Presence() *Presence { return r.presence }

// Connect binds an authenticated identity to a transport sink and registers
// the new connection. The connection receives a session.ready event and a
// roster snapshot.
func (r *Relay) Connect(identity Identity, sink Sink) *Connection {
	c := newConnection(identity, sink)
	r.registry.Register(c)
	metrics.Connections.Inc()

	r.log.Info().
		Str("conn_id", c.id).
		Str("user_id", identity.ID).
		Int("connections", r.registry.ConnectionCount()).
		Msg("connection registered")

	r.deliver(c, Event{Kind: EventSessionReady, Actor: identity})
	r.presence.PushRoster(c, "")
	return c
}

// Disconnect tears a connection down: channel subscriptions first, then the
// registry entry, then (for the identity's last connection) the offline
// announcement. It is safe to call more than once.
func (r *Relay) Disconnect(c *Connection) {
	if !r.membership.UnsubscribeAll(c) {
		return
	}
	last := r.registry.Unregister(c)
	metrics.Connections.Dec()

	r.log.Info().
		Str("conn_id", c.id).
		Str("user_id", c.identity.ID).
		Bool("last", last).
		Msg("connection unregistered")
}

// JoinRoom subscribes the connection to a room channel.
func (r *Relay) JoinRoom(ctx context.Context, c *Connection, roomID string) error {
	if err := r.checkRoomAccess(ctx, c.identity, roomID); err != nil {
		return err
	}
	if err := r.membership.Subscribe(c, RoomChannel(roomID).Key()); err != nil {
		r.reconcile(c, err)
		return err
	}
	return nil
}

// LeaveRoom unsubscribes the connection from a room channel.
func (r *Relay) LeaveRoom(c *Connection, roomID string) {
	r.membership.Unsubscribe(c, RoomChannel(roomID).Key())
}

// SendDirect persists a direct message and delivers it to every live
// connection of both the sender and the receiver.
func (r *Relay) SendDirect(ctx context.Context, sender Identity, receiverID, content string) (*Message, error) {
	body, err := validateContent(content)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(receiverID) == "" {
		return nil, fmt.Errorf("receiver: %w", ErrNotFound)
	}
	if _, err := r.directory.User(ctx, receiverID); err != nil {
		return nil, storeError("lookup receiver", err)
	}
	return r.publish(ctx, sender, DirectTarget(receiverID), body)
}

// SendRoom persists a room message and delivers it to the connections
// currently subscribed to the room. The sender sees the echo only if
// subscribed.
func (r *Relay) SendRoom(ctx context.Context, sender Identity, roomID, content string) (*Message, error) {
	body, err := validateContent(content)
	if err != nil {
		return nil, err
	}
	if err := r.checkRoomAccess(ctx, sender, roomID); err != nil {
		return nil, err
	}
	return r.publish(ctx, sender, RoomTarget(roomID), body)
}

func (r *Relay) publish(ctx context.Context, sender Identity, target Target, body string) (*Message, error) {
	ch := target.ChannelFrom(sender.ID)
	lock := r.sendLock(ch.Key())
	lock.Lock()
	defer lock.Unlock()

	start := time.Now()
	msg, err := r.messages.Create(ctx, Draft{
		SenderID:  sender.ID,
		Target:    target,
		Content:   body,
		CreatedAt: r.now().UTC(),
	})
	metrics.StoreLatency.WithLabelValues("create").Observe(time.Since(start).Seconds())
	if err != nil {
		// Nothing was persisted, so nothing is delivered.
		r.log.Warn().Err(err).Str("user_id", sender.ID).Msg("message not persisted")
		return nil, storeError("create message", err)
	}

	ev := Event{Kind: EventMessage, Message: msg, Actor: sender}
	for _, c := range r.ResolveRecipients(ch) {
		r.deliver(c, ev)
	}
	metrics.MessagesRelayed.WithLabelValues(string(target.Kind)).Inc()
	return msg, nil
}

// DeleteMessage soft-deletes a message on behalf of its sender or an
// administrator, and notifies the message's current recipients.
func (r *Relay) DeleteMessage(ctx context.Context, actor Identity, id int64) (int64, error) {
	msg, err := r.messages.Get(ctx, id)
	if err != nil {
		return 0, storeError("get message", err)
	}
	if msg.SenderID != actor.ID && !actor.Privileged() {
		return 0, ErrForbidden
	}

	lock := r.sendLock(msg.Channel().Key())
	lock.Lock()
	defer lock.Unlock()

	start := time.Now()
	deleted, err := r.messages.SoftDelete(ctx, id)
	metrics.StoreLatency.WithLabelValues("soft_delete").Observe(time.Since(start).Seconds())
	if err != nil {
		return 0, storeError("delete message", err)
	}

	ev := Event{Kind: EventMessageDeleted, Message: deleted, Actor: actor}
	for _, c := range r.ResolveRecipients(deleted.Channel()) {
		r.deliver(c, ev)
	}
	r.log.Info().Int64("message_id", id).Str("user_id", actor.ID).Msg("message deleted")
	return deleted.ID, nil
}

// History returns a page of a conversation as seen by viewer, oldest
// first. Room history follows the same access rules as joining the room.
func (r *Relay) History(ctx context.Context, viewer Identity, target Target, beforeID int64, limit int) ([]Message, error) {
	if !target.Valid() {
		return nil, fmt.Errorf("conversation: %w", ErrNotFound)
	}
	if target.Kind == TargetRoom {
		if err := r.checkRoomAccess(ctx, viewer, target.ID); err != nil {
			return nil, err
		}
	}
	start := time.Now()
	msgs, err := r.messages.History(ctx, target.ChannelFrom(viewer.ID), beforeID, limit)
	metrics.StoreLatency.WithLabelValues("history").Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, storeError("load history", err)
	}
	return msgs, nil
}

// TypingStart forwards a typing-start signal. Room targets must pass the
// same access check as a room send.
func (r *Relay) TypingStart(ctx context.Context, from *Connection, target Target) error {
	return r.signals.TypingStart(ctx, from, target)
}

// TypingStop forwards a typing-stop signal.
func (r *Relay) TypingStop(ctx context.Context, from *Connection, target Target) error {
	return r.signals.TypingStop(ctx, from, target)
}

// CurrentRoster returns the ids of every online identity.
func (r *Relay) CurrentRoster() []string {
	return r.presence.Roster()
}

// PushRoster sends a roster snapshot to one connection.
func (r *Relay) PushRoster(c *Connection, ref string) {
	r.presence.PushRoster(c, ref)
}

// Fail reports a rejected operation to the originating connection only.
func (r *Relay) Fail(c *Connection, ref string, err error) {
	code := CodeOf(err)
	metrics.OperationFailures.WithLabelValues(string(code)).Inc()
	r.deliver(c, Event{Kind: EventFailed, Code: code, Reason: err.Error(), Ref: ref})
}

// FailCode reports a rejected operation with an explicit code.
func (r *Relay) FailCode(c *Connection, ref string, code Code, reason string) {
	metrics.OperationFailures.WithLabelValues(string(code)).Inc()
	r.deliver(c, Event{Kind: EventFailed, Code: code, Reason: reason, Ref: ref})
}

func (r *Relay) checkRoomAccess(ctx context.Context, who Identity, roomID string) error {
	if strings.TrimSpace(roomID) == "" {
		return fmt.Errorf("room: %w", ErrNotFound)
	}
	room, err := r.directory.Room(ctx, roomID)
	if err != nil {
		return storeError("lookup room", err)
	}
	if !r.enforce || !room.Private || who.Privileged() {
		return nil
	}
	member, err := r.directory.IsRoomMember(ctx, who.ID, roomID)
	if err != nil {
		return storeError("check room membership", err)
	}
	if !member {
		return ErrForbidden
	}
	return nil
}

// deliver queues ev on c. A connection that cannot keep up is evicted.
func (r *Relay) deliver(c *Connection, ev Event) {
	if c.send(ev) {
		return
	}
	metrics.DeliveriesDropped.Inc()
	r.log.Warn().
		Str("conn_id", c.id).
		Str("user_id", c.identity.ID).
		Str("event", string(ev.Kind)).
		Msg("send buffer full; evicting connection")
	r.evict(c)
}

// reconcile handles a bookkeeping invariant violation by forcing the
// connection through cleanup as if it had disconnected.
func (r *Relay) reconcile(c *Connection, err error) {
	r.log.Error().Err(err).Str("conn_id", c.id).Msg("connection state out of sync; forcing cleanup")
	r.evict(c)
}

// evict runs asynchronously because it may be reached from inside a
// registry transition hook.
func (r *Relay) evict(c *Connection) {
	go func() {
		c.sink.Close()
		r.Disconnect(c)
	}()
}

func (r *Relay) sendLock(key ChannelKey) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return &r.sendLocks[h.Sum32()%shardCount]
}

func validateContent(content string) (string, error) {
	body := strings.TrimSpace(content)
	if body == "" {
		return "", fmt.Errorf("%w: message is empty", ErrInvalidContent)
	}
	if utf8.RuneCountInString(body) > MaxContentLength {
		return "", fmt.Errorf("%w: message exceeds %d characters", ErrInvalidContent, MaxContentLength)
	}
	return body, nil
}
