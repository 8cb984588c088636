// Package relay defines the identities, channels, and messages that flow
// through the real-time presence and messaging relay.
package relay

import (
	"context"
	"sort"
	"strings"
	"time"
)

// Tombstone replaces the content of a soft-deleted message.
const Tombstone = "This message was deleted"

// MaxContentLength is the largest accepted message body, counted in
// characters after surrounding whitespace is trimmed.
const MaxContentLength = 2000

// Role is the privilege level of an Identity.
type Role string

// Known roles.
const (
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
)

// Identity is an authenticated user as seen by the relay. The relay only
// reads it; it never changes for the lifetime of a connection.
type Identity struct {
	ID          string
	DisplayName string
	Avatar      string
	Role        Role
}

// Privileged reports whether the identity may act on other users' messages.
func (i Identity) Privileged() bool {
	return i.Role == RoleAdmin
}

// TargetKind tells a direct target from a room target.
type TargetKind string

// Target kinds.
const (
	TargetDirect TargetKind = "direct"
	TargetRoom   TargetKind = "room"
)

// Target addresses either a user (direct) or a room.
type Target struct {
	Kind TargetKind
	ID   string
}

// DirectTarget addresses the user with the given id.
func DirectTarget(userID string) Target {
	return Target{Kind: TargetDirect, ID: userID}
}

// RoomTarget addresses the room with the given id.
func RoomTarget(roomID string) Target {
	return Target{Kind: TargetRoom, ID: roomID}
}

// Valid reports whether the target has a known kind and a non-empty id.
func (t Target) Valid() bool {
	return (t.Kind == TargetDirect || t.Kind == TargetRoom) && strings.TrimSpace(t.ID) != ""
}

// ChannelFrom returns the delivery channel for a signal sent by from to t.
func (t Target) ChannelFrom(from string) Channel {
	if t.Kind == TargetRoom {
		return RoomChannel(t.ID)
	}
	return DirectChannel(from, t.ID)
}

// Channel is an addressable delivery target: an unordered pair of users or a room.
type Channel struct {
	Kind   TargetKind
	Users  [2]string
	RoomID string
}

// DirectChannel returns the channel shared by users a and b. The pair is
// unordered: DirectChannel(a, b) == DirectChannel(b, a).
func DirectChannel(a, b string) Channel {
	pair := []string{a, b}
	sort.Strings(pair)
	return Channel{Kind: TargetDirect, Users: [2]string{pair[0], pair[1]}}
}

// RoomChannel returns the channel of a room.
func RoomChannel(roomID string) Channel {
	return Channel{Kind: TargetRoom, RoomID: roomID}
}

// ChannelKey is the string form of a Channel, usable as a map key.
type ChannelKey string

// Key returns the channel's key: "dm:<a>|<b>" or "room:<id>".
func (c Channel) Key() ChannelKey {
	if c.Kind == TargetRoom {
		return ChannelKey("room:" + c.RoomID)
	}
	return ChannelKey("dm:" + c.Users[0] + "|" + c.Users[1])
}

// Message is a persisted chat message. Exactly one of ReceiverID and RoomID
// is set.
type Message struct {
	ID         int64
	SenderID   string
	ReceiverID string
	RoomID     string
	Content    string
	CreatedAt  time.Time
	Deleted    bool
}

// Target returns where the message was sent.
func (m *Message) Target() Target {
	if m.RoomID != "" {
		return RoomTarget(m.RoomID)
	}
	return DirectTarget(m.ReceiverID)
}

// Channel returns the channel the message belongs to.
func (m *Message) Channel() Channel {
	return m.Target().ChannelFrom(m.SenderID)
}

// Draft is a validated message that has not been persisted yet.
type Draft struct {
	SenderID  string
	Target    Target
	Content   string
	CreatedAt time.Time
}

// Room is the directory's view of a room.
type Room struct {
	ID        string
	Name      string
	Private   bool
	CreatedBy string
}

// Authenticator turns a bearer credential into an Identity. It returns an
// error wrapping ErrUnauthenticated when the credential is missing or invalid.
type Authenticator interface {
	Verify(ctx context.Context, credential string) (Identity, error)
}

// MessageStore persists and queries messages. Lookups of missing messages
// return ErrNotFound.
type MessageStore interface {
	Create(ctx context.Context, draft Draft) (*Message, error)
	Get(ctx context.Context, id int64) (*Message, error)
	SoftDelete(ctx context.Context, id int64) (*Message, error)
	History(ctx context.Context, ch Channel, beforeID int64, limit int) ([]Message, error)
}

// DirectoryStore owns user profiles, rooms, and durable room membership.
type DirectoryStore interface {
	User(ctx context.Context, id string) (*Identity, error)
	Room(ctx context.Context, id string) (*Room, error)
	IsRoomMember(ctx context.Context, userID, roomID string) (bool, error)
}
