// Package protocol defines the frames exchanged over a relay websocket and
// the codecs that put them on the wire.
//
// Every frame is a flat envelope: a "type" naming the operation or event, an
// optional client-chosen "ref" echoed back on errors, and the fields that
// type uses. Field names are shared by the JSON and CBOR codecs.
package protocol

import (
	"time"

	"github.com/Tyrowin/chatrelay/internal/relay"
)

// Inbound operation types.
const (
	OpRoomJoin      = "room.join"
	OpRoomLeave     = "room.leave"
	OpSendDirect    = "message.direct"
	OpSendRoom      = "message.room"
	OpDeleteMessage = "message.delete"
	OpTypingStart   = "typing.start"
	OpTypingStop    = "typing.stop"
	OpRoster        = "presence.roster"
)

// TargetFrame addresses a user ("direct") or a room ("room").
type TargetFrame struct {
	Kind string `json:"kind"`
	ID   string `json:"id"`
}

// Target converts the frame into a relay target.
func (t *TargetFrame) Target() relay.Target {
	if t == nil {
		return relay.Target{}
	}
	return relay.Target{Kind: relay.TargetKind(t.Kind), ID: t.ID}
}

func targetFrame(t relay.Target) *TargetFrame {
	if t.Kind == "" {
		return nil
	}
	return &TargetFrame{Kind: string(t.Kind), ID: t.ID}
}

// Inbound is a client-to-server frame.
type Inbound struct {
	Type       string       `json:"type"`
	Ref        string       `json:"ref,omitempty"`
	RoomID     string       `json:"roomId,omitempty"`
	ReceiverID string       `json:"receiverId,omitempty"`
	Content    string       `json:"content,omitempty"`
	MessageID  int64        `json:"messageId,omitempty"`
	Target     *TargetFrame `json:"target,omitempty"`
}

// UserFrame is the public profile of an identity.
type UserFrame struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName,omitempty"`
	Avatar      string `json:"avatar,omitempty"`
	Role        string `json:"role,omitempty"`
}

// MessageFrame is a persisted message on the wire.
type MessageFrame struct {
	ID         int64     `json:"id"`
	SenderID   string    `json:"senderId"`
	ReceiverID string    `json:"receiverId,omitempty"`
	RoomID     string    `json:"roomId,omitempty"`
	Content    string    `json:"content"`
	CreatedAt  time.Time `json:"createdAt"`
	Deleted    bool      `json:"deleted,omitempty"`
}

// NewMessageFrame converts a relay message.
func NewMessageFrame(m *relay.Message) *MessageFrame {
	if m == nil {
		return nil
	}
	return &MessageFrame{
		ID:         m.ID,
		SenderID:   m.SenderID,
		ReceiverID: m.ReceiverID,
		RoomID:     m.RoomID,
		Content:    m.Content,
		CreatedAt:  m.CreatedAt,
		Deleted:    m.Deleted,
	}
}

// Message converts the frame back into a relay message.
func (m *MessageFrame) Message() relay.Message {
	return relay.Message{
		ID:         m.ID,
		SenderID:   m.SenderID,
		ReceiverID: m.ReceiverID,
		RoomID:     m.RoomID,
		Content:    m.Content,
		CreatedAt:  m.CreatedAt,
		Deleted:    m.Deleted,
	}
}

// Outbound is a server-to-client frame. Type is one of the relay event kinds.
type Outbound struct {
	Type        string        `json:"type"`
	Ref         string        `json:"ref,omitempty"`
	User        *UserFrame    `json:"user,omitempty"`
	Message     *MessageFrame `json:"message,omitempty"`
	UserID      string        `json:"userId,omitempty"`
	DisplayName string        `json:"displayName,omitempty"`
	UserIDs     []string      `json:"userIds,omitempty"`
	Target      *TargetFrame  `json:"target,omitempty"`
	Code        string        `json:"code,omitempty"`
	Reason      string        `json:"reason,omitempty"`
}

// FromEvent converts a relay event into its wire frame.
func FromEvent(ev relay.Event) Outbound {
	out := Outbound{Type: string(ev.Kind), Ref: ev.Ref}
	switch ev.Kind {
	case relay.EventSessionReady:
		out.User = &UserFrame{
			ID:          ev.Actor.ID,
			DisplayName: ev.Actor.DisplayName,
			Avatar:      ev.Actor.Avatar,
			Role:        string(ev.Actor.Role),
		}
	case relay.EventMessage, relay.EventMessageDeleted:
		out.Message = NewMessageFrame(ev.Message)
	case relay.EventIdentityOnline, relay.EventIdentityOffline:
		out.UserID = ev.Actor.ID
	case relay.EventRoster:
		out.UserIDs = append([]string(nil), ev.Roster...)
	case relay.EventTypingStart:
		out.UserID = ev.Actor.ID
		out.DisplayName = ev.Actor.DisplayName
		out.Target = targetFrame(ev.Target)
	case relay.EventTypingStop:
		out.UserID = ev.Actor.ID
		out.Target = targetFrame(ev.Target)
	case relay.EventFailed:
		out.Code = string(ev.Code)
		out.Reason = ev.Reason
	}
	return out
}
