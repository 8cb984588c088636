// Package client is the client side of the relay: a reconciliation view of
// one session's state, a websocket session that keeps the view in sync
// across reconnects, and a sender-side typing debouncer.
package client

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Tyrowin/chatrelay/internal/protocol"
	"github.com/Tyrowin/chatrelay/internal/relay"
)

// DefaultTypingTTL is how long a typing indicator survives without a
// refreshed start or an explicit stop.
const DefaultTypingTTL = 3 * time.Second

// ConversationKey names a conversation from the local user's point of view:
// "dm:<peer>" or "room:<id>".
type ConversationKey string

// DirectKey returns the key of the DM conversation with peer.
func DirectKey(peer string) ConversationKey { return ConversationKey("dm:" + peer) }

// RoomKey returns the key of a room conversation.
func RoomKey(roomID string) ConversationKey { return ConversationKey("room:" + roomID) }

// Target converts the key into a relay target. ok is false for malformed keys.
func (k ConversationKey) Target() (relay.Target, bool) {
	kind, id, found := strings.Cut(string(k), ":")
	if !found || id == "" {
		return relay.Target{}, false
	}
	switch kind {
	case "dm":
		return relay.DirectTarget(id), true
	case "room":
		return relay.RoomTarget(id), true
	}
	return relay.Target{}, false
}

// KeyFor returns the conversation a message belongs to, as seen by self.
func KeyFor(self string, m *protocol.MessageFrame) ConversationKey {
	if m.RoomID != "" {
		return RoomKey(m.RoomID)
	}
	if m.SenderID == self {
		return DirectKey(m.ReceiverID)
	}
	return DirectKey(m.SenderID)
}

// typingKey identifies one user's indicator in one conversation.
type typingKey struct {
	user string
	conv ConversationKey
}

type typingEntry struct {
	name    string
	expires time.Time
}

// ViewOptions configures a View.
type ViewOptions struct {
	TypingTTL time.Duration
	Now       func() time.Time
}

// View is the reconciled state of one client session. It is safe for
// concurrent use.
type View struct {
	mu sync.Mutex

	self       string
	active     ConversationKey
	transcript []protocol.MessageFrame
	inActive   map[int64]int
	counted    map[int64]struct{}
	unread     map[ConversationKey]int
	online     map[string]struct{}
	typing     map[typingKey]typingEntry

	ttl time.Duration
	now func() time.Time
}

// NewView creates an empty view for the user self. self may be empty until
// session.ready arrives.
func NewView(self string, opts ViewOptions) *View {
	v := &View{
		self:     self,
		inActive: make(map[int64]int),
		counted:  make(map[int64]struct{}),
		unread:   make(map[ConversationKey]int),
		online:   make(map[string]struct{}),
		typing:   make(map[typingKey]typingEntry),
		ttl:      opts.TypingTTL,
		now:      opts.Now,
	}
	if v.ttl <= 0 {
		v.ttl = DefaultTypingTTL
	}
	if v.now == nil {
		v.now = time.Now
	}
	return v
}

// Apply folds one server frame into the view.
func (v *View) Apply(f protocol.Outbound) {
	v.mu.Lock()
	defer v.mu.Unlock()

	switch f.Type {
	case string(relay.EventSessionReady):
		if f.User != nil {
			v.self = f.User.ID
		}
	case string(relay.EventMessage):
		if f.Message != nil {
			v.receive(*f.Message)
		}
	case string(relay.EventMessageDeleted):
		if f.Message != nil {
			if i, ok := v.inActive[f.Message.ID]; ok {
				v.transcript[i] = *f.Message
			}
		}
	case string(relay.EventIdentityOnline):
		v.online[f.UserID] = struct{}{}
	case string(relay.EventIdentityOffline):
		delete(v.online, f.UserID)
		v.clearTyping(f.UserID)
	case string(relay.EventRoster):
		v.online = make(map[string]struct{}, len(f.UserIDs))
		for _, id := range f.UserIDs {
			v.online[id] = struct{}{}
		}
	case string(relay.EventTypingStart):
		if f.UserID == v.self || f.Target == nil {
			return
		}
		name := f.DisplayName
		if name == "" {
			name = f.UserID
		}
		v.typing[typingKey{f.UserID, typingConversation(f)}] = typingEntry{name: name, expires: v.now().Add(v.ttl)}
	case string(relay.EventTypingStop):
		if f.Target == nil {
			v.clearTyping(f.UserID)
			return
		}
		delete(v.typing, typingKey{f.UserID, typingConversation(f)})
	}
}

// typingConversation maps a typing frame onto the receiver's conversation
// key. A direct target names the receiver, so the conversation is keyed by
// the typing user.
func typingConversation(f protocol.Outbound) ConversationKey {
	if f.Target.Kind == string(relay.TargetDirect) {
		return DirectKey(f.UserID)
	}
	return RoomKey(f.Target.ID)
}

func (v *View) clearTyping(userID string) {
	for k := range v.typing {
		if k.user == userID {
			delete(v.typing, k)
		}
	}
}

func (v *View) receive(m protocol.MessageFrame) {
	key := KeyFor(v.self, &m)
	delete(v.typing, typingKey{m.SenderID, key})

	if key == v.active {
		v.counted[m.ID] = struct{}{}
		v.insert(m)
		return
	}
	if m.SenderID == v.self {
		return
	}
	if _, seen := v.counted[m.ID]; seen {
		return
	}
	v.counted[m.ID] = struct{}{}
	v.unread[key]++
}

// insert adds m to the active transcript unless its id is already there,
// keeping the transcript in ascending id order.
func (v *View) insert(m protocol.MessageFrame) {
	if i, ok := v.inActive[m.ID]; ok {
		if m.Deleted {
			v.transcript[i] = m
		}
		return
	}

	n := len(v.transcript)
	if n == 0 || v.transcript[n-1].ID < m.ID {
		v.transcript = append(v.transcript, m)
		v.inActive[m.ID] = n
		return
	}

	v.transcript = append(v.transcript, m)
	sort.Slice(v.transcript, func(i, j int) bool { return v.transcript[i].ID < v.transcript[j].ID })
	for i := range v.transcript {
		v.inActive[v.transcript[i].ID] = i
	}
}

// Activate makes key the active conversation, replaces the transcript with
// history and resets the conversation's unread count to zero.
func (v *View) Activate(key ConversationKey, history []protocol.MessageFrame) {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.active = key
	v.transcript = nil
	v.inActive = make(map[int64]int)
	v.unread[key] = 0
	for _, m := range history {
		v.counted[m.ID] = struct{}{}
		v.insert(m)
	}
}

// Merge adds messages of the active conversation, dropping ids already
// present. Messages of other conversations are ignored.
func (v *View) Merge(key ConversationKey, msgs []protocol.MessageFrame) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if key != v.active {
		return
	}
	for _, m := range msgs {
		v.counted[m.ID] = struct{}{}
		v.insert(m)
	}
}

// ResetPresence forgets every online and typing user. Called on reconnect,
// before the fresh roster arrives.
func (v *View) ResetPresence() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.online = make(map[string]struct{})
	v.typing = make(map[typingKey]typingEntry)
}

// Self returns the local user id.
func (v *View) Self() string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.self
}

// Active returns the active conversation key.
func (v *View) Active() ConversationKey {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.active
}

// Transcript returns a copy of the active conversation's messages.
func (v *View) Transcript() []protocol.MessageFrame {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]protocol.MessageFrame(nil), v.transcript...)
}

// Unread returns the unread count of key.
func (v *View) Unread(key ConversationKey) int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.unread[key]
}

// Online returns the online user ids in sorted order.
func (v *View) Online() []string {
	v.mu.Lock()
	defer v.mu.Unlock()
	ids := make([]string, 0, len(v.online))
	for id := range v.online {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// IsOnline reports whether id is in the online set.
func (v *View) IsOnline(id string) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	_, ok := v.online[id]
	return ok
}

// Typing returns the display names of users currently typing in key.
// Indicators older than the typing TTL are dropped.
func (v *View) Typing(key ConversationKey) []string {
	v.mu.Lock()
	defer v.mu.Unlock()

	now := v.now()
	var names []string
	for k, e := range v.typing {
		if !now.Before(e.expires) {
			delete(v.typing, k)
			continue
		}
		if k.conv == key {
			names = append(names, e.name)
		}
	}
	sort.Strings(names)
	return names
}
