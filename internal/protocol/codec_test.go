package protocol

import (
	"testing"
	"time"

	"github.com/Tyrowin/chatrelay/internal/relay"
)

// TestForSubprotocol tests codec negotiation, including the JSON fallback.
func TestForSubprotocol(t *testing.T) {
	tests := []struct {
		name   string
		want   string
		binary bool
	}{
		{"", JSONSubprotocol, false},
		{JSONSubprotocol, JSONSubprotocol, false},
		{CBORSubprotocol, CBORSubprotocol, true},
		{"chatrelay.v9.xml", JSONSubprotocol, false},
	}

	for _, tt := range tests {
		c := ForSubprotocol(tt.name)
		if c.Subprotocol() != tt.want {
			t.Errorf("ForSubprotocol(%q): expected %q, got %q", tt.name, tt.want, c.Subprotocol())
		}
		if c.Binary() != tt.binary {
			t.Errorf("ForSubprotocol(%q): expected binary=%v, got %v", tt.name, tt.binary, c.Binary())
		}
	}
}

// TestDecodeOutboundBatched tests that frames batched into one websocket
// message with the codec's separator are all read back, for both codecs.
func TestDecodeOutboundBatched(t *testing.T) {
	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	frames := []Outbound{
		FromEvent(relay.Event{Kind: relay.EventIdentityOnline, Actor: relay.Identity{ID: "alice"}}),
		FromEvent(relay.Event{Kind: relay.EventMessage, Message: &relay.Message{
			ID: 7, SenderID: "alice", ReceiverID: "bob", Content: "hi", CreatedAt: created,
		}}),
		FromEvent(relay.Event{Kind: relay.EventRoster, Roster: []string{"alice", "bob"}}),
	}

	for _, codec := range []Codec{JSON, CBOR} {
		t.Run(codec.Subprotocol(), func(t *testing.T) {
			var batch []byte
			for i, f := range frames {
				data, err := codec.Marshal(f)
				if err != nil {
					t.Fatalf("Marshal failed: %v", err)
				}
				if i > 0 {
					batch = append(batch, codec.Separator()...)
				}
				batch = append(batch, data...)
			}

			got, err := DecodeOutbound(codec, batch)
			if err != nil {
				t.Fatalf("DecodeOutbound failed: %v", err)
			}
			if len(got) != len(frames) {
				t.Fatalf("Expected %d frames, got %d", len(frames), len(got))
			}
			if got[0].Type != "presence.online" || got[0].UserID != "alice" {
				t.Errorf("Expected presence.online for alice, got %+v", got[0])
			}
			if got[1].Message == nil || got[1].Message.ID != 7 || !got[1].Message.CreatedAt.Equal(created) {
				t.Errorf("Expected message 7 created at %v, got %+v", created, got[1].Message)
			}
			if len(got[2].UserIDs) != 2 {
				t.Errorf("Expected 2 roster entries, got %v", got[2].UserIDs)
			}
		})
	}
}

// TestInboundUnmarshal tests decoding of a client operation.
func TestInboundUnmarshal(t *testing.T) {
	raw := []byte(`{"type":"typing.start","ref":"r1","target":{"kind":"room","id":"lobby"}}`)

	var in Inbound
	if err := JSON.Unmarshal(raw, &in); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if in.Type != OpTypingStart || in.Ref != "r1" {
		t.Errorf("Expected typing.start with ref r1, got %q / %q", in.Type, in.Ref)
	}
	if got := in.Target.Target(); got != relay.RoomTarget("lobby") {
		t.Errorf("Expected room target lobby, got %+v", got)
	}

	var empty Inbound
	if got := empty.Target.Target(); got.Valid() {
		t.Errorf("Expected missing target to be invalid, got %+v", got)
	}
}

// TestFromEventFailure tests that failures carry code, reason and ref.
func TestFromEventFailure(t *testing.T) {
	out := FromEvent(relay.Event{
		Kind:   relay.EventFailed,
		Code:   relay.CodeInvalidContent,
		Reason: "message is empty",
		Ref:    "abc",
	})
	if out.Type != "error" || out.Code != "invalid_content" || out.Reason != "message is empty" || out.Ref != "abc" {
		t.Errorf("Unexpected failure frame: %+v", out)
	}
	if out.Message != nil {
		t.Errorf("Expected no message object on failure, got %+v", out.Message)
	}
}
