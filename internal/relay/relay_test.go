package relay_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/Tyrowin/chatrelay/internal/relay"
	"github.com/Tyrowin/chatrelay/internal/store"
)

// recordingSink collects delivered events. When full is set, Send refuses.
type recordingSink struct {
	mu     sync.Mutex
	events []relay.Event
	full   bool
	closed bool
}

func (s *recordingSink) Send(ev relay.Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.full {
		return false
	}
	s.events = append(s.events, ev)
	return true
}

func (s *recordingSink) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}

func (s *recordingSink) ofKind(kind relay.EventKind) []relay.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []relay.Event
	for _, ev := range s.events {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

func (s *recordingSink) reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = nil
}

func (s *recordingSink) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// failingStore fails every Create while fail is set.
type failingStore struct {
	*store.MemoryStore
	fail bool
}

func (f *failingStore) Create(ctx context.Context, d relay.Draft) (*relay.Message, error) {
	if f.fail {
		return nil, errors.New("disk on fire")
	}
	return f.MemoryStore.Create(ctx, d)
}

type fixture struct {
	relay *relay.Relay
	store *failingStore
}

func newFixture(t *testing.T, enforce bool) *fixture {
	t.Helper()
	ctx := context.Background()
	mem := store.NewMemoryStore()
	for _, u := range []relay.Identity{
		{ID: "alice", DisplayName: "Alice"},
		{ID: "bob", DisplayName: "Bob"},
		{ID: "carol", DisplayName: "Carol"},
		{ID: "root", DisplayName: "Root", Role: relay.RoleAdmin},
	} {
		if err := mem.PutUser(ctx, u); err != nil {
			t.Fatalf("PutUser failed: %v", err)
		}
	}
	if err := mem.PutRoom(ctx, relay.Room{ID: "lobby", Name: "Lobby"}); err != nil {
		t.Fatalf("PutRoom failed: %v", err)
	}
	if err := mem.PutRoom(ctx, relay.Room{ID: "staff", Name: "Staff", Private: true}); err != nil {
		t.Fatalf("PutRoom failed: %v", err)
	}
	if err := mem.AddRoomMember(ctx, "staff", "alice"); err != nil {
		t.Fatalf("AddRoomMember failed: %v", err)
	}

	fs := &failingStore{MemoryStore: mem}
	r := relay.New(relay.Options{
		Messages:              fs,
		Directory:             mem,
		Logger:                zerolog.Nop(),
		EnforceRoomMembership: enforce,
	})
	return &fixture{relay: r, store: fs}
}

func (f *fixture) connect(id string) (*relay.Connection, *recordingSink) {
	sink := &recordingSink{}
	c := f.relay.Connect(relay.Identity{ID: id, DisplayName: strings.ToUpper(id[:1]) + id[1:]}, sink)
	return c, sink
}

func eventually(t *testing.T, cond func() bool) {
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

// TestConnectSendsReadyAndRoster tests the events a new connection receives.
func TestConnectSendsReadyAndRoster(t *testing.T) {
	f := newFixture(t, false)
	f.connect("bob")
	_, alice := f.connect("alice")

	ready := alice.ofKind(relay.EventSessionReady)
	if len(ready) != 1 || ready[0].Actor.ID != "alice" {
		t.Fatalf("Expected one session.ready for alice, got %+v", ready)
	}
	roster := alice.ofKind(relay.EventRoster)
	if len(roster) != 1 {
		t.Fatalf("Expected one roster snapshot, got %d", len(roster))
	}
	if got := strings.Join(roster[0].Roster, ","); got != "alice,bob" {
		t.Errorf("Expected roster alice,bob, got %s", got)
	}
}

// TestPresenceExactlyOnce tests that extra connections and partial
// disconnects of an identity produce no presence events.
func TestPresenceExactlyOnce(t *testing.T) {
	f := newFixture(t, false)
	_, observer := f.connect("bob")
	observer.reset()

	c1, _ := f.connect("alice")
	c2, _ := f.connect("alice")
	if n := len(observer.ofKind(relay.EventIdentityOnline)); n != 1 {
		t.Errorf("Expected 1 online event, got %d", n)
	}

	f.relay.Disconnect(c1)
	if n := len(observer.ofKind(relay.EventIdentityOffline)); n != 0 {
		t.Errorf("Expected no offline event while a connection remains, got %d", n)
	}

	f.relay.Disconnect(c2)
	f.relay.Disconnect(c2)
	offline := observer.ofKind(relay.EventIdentityOffline)
	if len(offline) != 1 || offline[0].Actor.ID != "alice" {
		t.Errorf("Expected 1 offline event for alice, got %+v", offline)
	}
	if got := f.relay.CurrentRoster(); len(got) != 1 || got[0] != "bob" {
		t.Errorf("Expected roster [bob], got %v", got)
	}
}

// TestSendDirectReachesEveryConnection tests that a DM reaches all
// connections of sender and receiver and nobody else.
func TestSendDirectReachesEveryConnection(t *testing.T) {
	f := newFixture(t, false)
	_, a1 := f.connect("alice")
	_, a2 := f.connect("alice")
	_, b1 := f.connect("bob")
	_, c1 := f.connect("carol")

	msg, err := f.relay.SendDirect(context.Background(), relay.Identity{ID: "alice"}, "bob", "  hello  ")
	if err != nil {
		t.Fatalf("SendDirect failed: %v", err)
	}
	if msg.Content != "hello" {
		t.Errorf("Expected trimmed content, got %q", msg.Content)
	}

	for name, sink := range map[string]*recordingSink{"alice#1": a1, "alice#2": a2, "bob": b1} {
		got := sink.ofKind(relay.EventMessage)
		if len(got) != 1 || got[0].Message.ID != msg.ID {
			t.Errorf("%s: expected message %d once, got %+v", name, msg.ID, got)
		}
	}
	if n := len(c1.ofKind(relay.EventMessage)); n != 0 {
		t.Errorf("Expected carol to receive nothing, got %d messages", n)
	}
}

// TestSendDirectToOfflineUser tests that an offline receiver still gets the
// message persisted.
func TestSendDirectToOfflineUser(t *testing.T) {
	f := newFixture(t, false)
	_, a := f.connect("alice")

	msg, err := f.relay.SendDirect(context.Background(), relay.Identity{ID: "alice"}, "bob", "later")
	if err != nil {
		t.Fatalf("SendDirect failed: %v", err)
	}
	if n := len(a.ofKind(relay.EventMessage)); n != 1 {
		t.Errorf("Expected sender echo, got %d", n)
	}
	if _, err := f.store.Get(context.Background(), msg.ID); err != nil {
		t.Errorf("Expected message to be persisted, got %v", err)
	}
}

// TestSendDirectUnknownReceiver tests that unknown receivers are rejected.
func TestSendDirectUnknownReceiver(t *testing.T) {
	f := newFixture(t, false)
	_, a := f.connect("alice")

	_, err := f.relay.SendDirect(context.Background(), relay.Identity{ID: "alice"}, "mallory", "hi")
	if !errors.Is(err, relay.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
	if n := len(a.ofKind(relay.EventMessage)); n != 0 {
		t.Errorf("Expected nothing delivered, got %d", n)
	}
}

// TestContentValidation tests the accepted and rejected message bodies.
func TestContentValidation(t *testing.T) {
	f := newFixture(t, false)
	alice := relay.Identity{ID: "alice"}
	ctx := context.Background()

	tests := []struct {
		name    string
		content string
		wantErr bool
	}{
		{"empty", "", true},
		{"whitespace", " \n\t ", true},
		{"too long", strings.Repeat("x", relay.MaxContentLength+1), true},
		{"max length", strings.Repeat("x", relay.MaxContentLength), false},
		{"max length multibyte", strings.Repeat("é", relay.MaxContentLength), false},
		{"padded max length", "  " + strings.Repeat("x", relay.MaxContentLength) + "  ", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.relay.SendDirect(ctx, alice, "bob", tt.content)
			if tt.wantErr && !errors.Is(err, relay.ErrInvalidContent) {
				t.Errorf("Expected ErrInvalidContent, got %v", err)
			}
			if !tt.wantErr && err != nil {
				t.Errorf("Expected success, got %v", err)
			}
		})
	}
}

// TestStoreFailureDeliversNothing tests that a failed persist is reported
// as store_unavailable and nothing is fanned out.
func TestStoreFailureDeliversNothing(t *testing.T) {
	f := newFixture(t, false)
	_, a := f.connect("alice")
	_, b := f.connect("bob")
	f.store.fail = true

	_, err := f.relay.SendDirect(context.Background(), relay.Identity{ID: "alice"}, "bob", "hi")
	if !errors.Is(err, relay.ErrStoreUnavailable) {
		t.Fatalf("Expected ErrStoreUnavailable, got %v", err)
	}
	if relay.CodeOf(err) != relay.CodeStoreUnavailable {
		t.Errorf("Expected code store_unavailable, got %s", relay.CodeOf(err))
	}
	if len(a.ofKind(relay.EventMessage))+len(b.ofKind(relay.EventMessage)) != 0 {
		t.Error("Expected no deliveries after a store failure")
	}
}

// TestRoomDeliveryFollowsSubscriptions tests that room messages reach only
// subscribed connections, including the sender's echo.
func TestRoomDeliveryFollowsSubscriptions(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	alice, aSink := f.connect("alice")
	bob1, b1Sink := f.connect("bob")
	_, b2Sink := f.connect("bob")

	if err := f.relay.JoinRoom(ctx, bob1, "lobby"); err != nil {
		t.Fatalf("JoinRoom failed: %v", err)
	}

	if _, err := f.relay.SendRoom(ctx, alice.Identity(), "lobby", "first"); err != nil {
		t.Fatalf("SendRoom failed: %v", err)
	}
	if n := len(aSink.ofKind(relay.EventMessage)); n != 0 {
		t.Errorf("Expected unsubscribed sender to get no echo, got %d", n)
	}
	if n := len(b1Sink.ofKind(relay.EventMessage)); n != 1 {
		t.Errorf("Expected subscribed connection to get 1 message, got %d", n)
	}
	if n := len(b2Sink.ofKind(relay.EventMessage)); n != 0 {
		t.Errorf("Expected bob's other connection to get nothing, got %d", n)
	}

	if err := f.relay.JoinRoom(ctx, alice, "lobby"); err != nil {
		t.Fatalf("JoinRoom failed: %v", err)
	}
	f.relay.LeaveRoom(bob1, "lobby")
	if _, err := f.relay.SendRoom(ctx, alice.Identity(), "lobby", "second"); err != nil {
		t.Fatalf("SendRoom failed: %v", err)
	}
	if n := len(aSink.ofKind(relay.EventMessage)); n != 1 {
		t.Errorf("Expected subscribed sender to get its echo, got %d", n)
	}
	if n := len(b1Sink.ofKind(relay.EventMessage)); n != 1 {
		t.Errorf("Expected no delivery after leaving, got %d total", n)
	}

	if err := f.relay.JoinRoom(ctx, alice, "attic"); !errors.Is(err, relay.ErrNotFound) {
		t.Errorf("Expected ErrNotFound joining unknown room, got %v", err)
	}
}

// TestPrivateRoomMembership tests that private rooms require durable
// membership when enforcement is on.
func TestPrivateRoomMembership(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	alice, _ := f.connect("alice")
	bob, _ := f.connect("bob")

	if err := f.relay.JoinRoom(ctx, alice, "staff"); err != nil {
		t.Errorf("Expected member to join, got %v", err)
	}
	if err := f.relay.JoinRoom(ctx, bob, "staff"); !errors.Is(err, relay.ErrForbidden) {
		t.Errorf("Expected ErrForbidden for non-member, got %v", err)
	}
	if _, err := f.relay.SendRoom(ctx, bob.Identity(), "staff", "let me in"); !errors.Is(err, relay.ErrForbidden) {
		t.Errorf("Expected ErrForbidden posting as non-member, got %v", err)
	}
	admin := relay.Identity{ID: "root", Role: relay.RoleAdmin}
	if _, err := f.relay.SendRoom(ctx, admin, "staff", "hello staff"); err != nil {
		t.Errorf("Expected admin to post, got %v", err)
	}
	if err := f.relay.JoinRoom(ctx, bob, "lobby"); err != nil {
		t.Errorf("Expected public room join, got %v", err)
	}
}

// TestChannelOrdering tests that concurrent senders' messages arrive at
// every subscriber in persistence order.
func TestChannelOrdering(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()

	var sinks []*recordingSink
	for _, id := range []string{"alice", "bob", "carol"} {
		c, sink := f.connect(id)
		if err := f.relay.JoinRoom(ctx, c, "lobby"); err != nil {
			t.Fatalf("JoinRoom failed: %v", err)
		}
		sinks = append(sinks, sink)
	}

	var wg sync.WaitGroup
	for _, id := range []string{"alice", "bob", "carol"} {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			for i := 0; i < 30; i++ {
				if _, err := f.relay.SendRoom(ctx, relay.Identity{ID: id}, "lobby", "msg"); err != nil {
					t.Errorf("SendRoom failed: %v", err)
					return
				}
			}
		}(id)
	}
	wg.Wait()

	for i, sink := range sinks {
		msgs := sink.ofKind(relay.EventMessage)
		if len(msgs) != 90 {
			t.Errorf("Subscriber %d: expected 90 messages, got %d", i, len(msgs))
		}
		for j := 1; j < len(msgs); j++ {
			if msgs[j].Message.ID <= msgs[j-1].Message.ID {
				t.Fatalf("Subscriber %d: message %d out of order (%d after %d)", i, j, msgs[j].Message.ID, msgs[j-1].Message.ID)
			}
		}
	}
}

// TestDeleteMessage tests ownership checks, the tombstone, and the
// message.deleted broadcast.
func TestDeleteMessage(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	_, aSink := f.connect("alice")
	_, bSink := f.connect("bob")

	msg, err := f.relay.SendDirect(ctx, relay.Identity{ID: "alice"}, "bob", "oops")
	if err != nil {
		t.Fatalf("SendDirect failed: %v", err)
	}

	if _, err := f.relay.DeleteMessage(ctx, relay.Identity{ID: "bob"}, msg.ID); !errors.Is(err, relay.ErrForbidden) {
		t.Errorf("Expected ErrForbidden for non-sender, got %v", err)
	}
	if _, err := f.relay.DeleteMessage(ctx, relay.Identity{ID: "alice"}, 9999); !errors.Is(err, relay.ErrNotFound) {
		t.Errorf("Expected ErrNotFound for missing message, got %v", err)
	}

	id, err := f.relay.DeleteMessage(ctx, relay.Identity{ID: "alice"}, msg.ID)
	if err != nil {
		t.Fatalf("DeleteMessage failed: %v", err)
	}
	if id != msg.ID {
		t.Errorf("Expected deleted id %d, got %d", msg.ID, id)
	}
	stored, _ := f.store.Get(ctx, msg.ID)
	if !stored.Deleted || stored.Content != relay.Tombstone {
		t.Errorf("Expected tombstone, got %+v", stored)
	}
	for name, sink := range map[string]*recordingSink{"alice": aSink, "bob": bSink} {
		got := sink.ofKind(relay.EventMessageDeleted)
		if len(got) != 1 || got[0].Message.Content != relay.Tombstone {
			t.Errorf("%s: expected one message.deleted with tombstone, got %+v", name, got)
		}
	}

	other, _ := f.relay.SendDirect(ctx, relay.Identity{ID: "bob"}, "carol", "hi")
	if _, err := f.relay.DeleteMessage(ctx, relay.Identity{ID: "root", Role: relay.RoleAdmin}, other.ID); err != nil {
		t.Errorf("Expected admin delete to succeed, got %v", err)
	}
}

// TestTypingSignals tests recipient resolution for typing indicators.
func TestTypingSignals(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	alice1, _ := f.connect("alice")
	_, a2Sink := f.connect("alice")
	bob, bSink := f.connect("bob")
	_, cSink := f.connect("carol")

	if err := f.relay.TypingStart(ctx, alice1, relay.DirectTarget("bob")); err != nil {
		t.Fatalf("TypingStart failed: %v", err)
	}
	got := bSink.ofKind(relay.EventTypingStart)
	if len(got) != 1 || got[0].Actor.ID != "alice" || got[0].Target != relay.DirectTarget("bob") {
		t.Errorf("Expected bob to see alice typing, got %+v", got)
	}
	if n := len(a2Sink.ofKind(relay.EventTypingStart)); n != 0 {
		t.Errorf("Expected alice's other connection to see nothing, got %d", n)
	}
	if n := len(cSink.ofKind(relay.EventTypingStart)); n != 0 {
		t.Errorf("Expected carol to see nothing, got %d", n)
	}

	if err := f.relay.JoinRoom(ctx, bob, "lobby"); err != nil {
		t.Fatalf("JoinRoom failed: %v", err)
	}
	if err := f.relay.TypingStop(ctx, alice1, relay.RoomTarget("lobby")); err != nil {
		t.Fatalf("TypingStop failed: %v", err)
	}
	if n := len(bSink.ofKind(relay.EventTypingStop)); n != 1 {
		t.Errorf("Expected bob to see typing.stop in lobby, got %d", n)
	}

	if err := f.relay.TypingStart(ctx, alice1, relay.Target{Kind: "channel", ID: "x"}); !errors.Is(err, relay.ErrNotFound) {
		t.Errorf("Expected ErrNotFound for invalid target, got %v", err)
	}
}

// TestTypingSignalsPrivateRoom tests that typing into a room follows the
// same access rules as posting to it.
func TestTypingSignalsPrivateRoom(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	alice, aSink := f.connect("alice")
	bob, _ := f.connect("bob")

	if err := f.relay.JoinRoom(ctx, alice, "staff"); err != nil {
		t.Fatalf("JoinRoom failed: %v", err)
	}

	if err := f.relay.TypingStart(ctx, bob, relay.RoomTarget("staff")); !errors.Is(err, relay.ErrForbidden) {
		t.Errorf("Expected ErrForbidden for non-member, got %v", err)
	}
	if n := len(aSink.ofKind(relay.EventTypingStart)); n != 0 {
		t.Errorf("Expected no typing.start from a non-member, got %d", n)
	}
	if err := f.relay.TypingStart(ctx, bob, relay.RoomTarget("attic")); !errors.Is(err, relay.ErrNotFound) {
		t.Errorf("Expected ErrNotFound for unknown room, got %v", err)
	}

	root := f.relay.Connect(relay.Identity{ID: "root", Role: relay.RoleAdmin}, &recordingSink{})
	if err := f.relay.TypingStart(ctx, root, relay.RoomTarget("staff")); err != nil {
		t.Errorf("Expected admin to signal in a private room, got %v", err)
	}
	if n := len(aSink.ofKind(relay.EventTypingStart)); n != 1 {
		t.Errorf("Expected alice to see the admin typing, got %d", n)
	}
}

// TestSlowConsumerEvicted tests that a connection whose buffer is full is
// closed and cleaned up.
func TestSlowConsumerEvicted(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	_, aSink := f.connect("alice")
	slow, slowSink := f.connect("bob")
	if err := f.relay.JoinRoom(ctx, slow, "lobby"); err != nil {
		t.Fatalf("JoinRoom failed: %v", err)
	}
	aSink.reset()

	slowSink.mu.Lock()
	slowSink.full = true
	slowSink.mu.Unlock()

	if _, err := f.relay.SendRoom(ctx, relay.Identity{ID: "alice"}, "lobby", "flood"); err != nil {
		t.Fatalf("SendRoom failed: %v", err)
	}

	eventually(t, func() bool { return slowSink.isClosed() && slow.Closed() })
	eventually(t, func() bool { return !f.relay.Registry().IsOnline("bob") })
	if n := len(f.relay.Membership().SubscribersOf(relay.RoomChannel("lobby").Key())); n != 0 {
		t.Errorf("Expected evicted connection to be unsubscribed, got %d subscribers", n)
	}
	eventually(t, func() bool { return len(aSink.ofKind(relay.EventIdentityOffline)) == 1 })
}

// TestJoinAfterDisconnect tests that a torn-down connection cannot rejoin.
func TestJoinAfterDisconnect(t *testing.T) {
	f := newFixture(t, false)
	c, _ := f.connect("alice")
	f.relay.Disconnect(c)

	err := f.relay.JoinRoom(context.Background(), c, "lobby")
	if !errors.Is(err, relay.ErrConnectionClosed) {
		t.Errorf("Expected ErrConnectionClosed, got %v", err)
	}
	if n := len(f.relay.Membership().SubscribersOf(relay.RoomChannel("lobby").Key())); n != 0 {
		t.Errorf("Expected no subscribers, got %d", n)
	}
}

// TestHistory tests conversation history with tombstones and access checks.
func TestHistory(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	alice := relay.Identity{ID: "alice"}

	first, _ := f.relay.SendDirect(ctx, alice, "bob", "one")
	if _, err := f.relay.SendDirect(ctx, relay.Identity{ID: "bob"}, "alice", "two"); err != nil {
		t.Fatalf("SendDirect failed: %v", err)
	}
	if _, err := f.relay.DeleteMessage(ctx, alice, first.ID); err != nil {
		t.Fatalf("DeleteMessage failed: %v", err)
	}

	msgs, err := f.relay.History(ctx, relay.Identity{ID: "bob"}, relay.DirectTarget("alice"), 0, 0)
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}
	if len(msgs) != 2 || msgs[0].Content != relay.Tombstone || msgs[1].Content != "two" {
		t.Errorf("Expected tombstone then two, got %+v", msgs)
	}

	if _, err := f.relay.History(ctx, relay.Identity{ID: "bob"}, relay.RoomTarget("staff"), 0, 0); !errors.Is(err, relay.ErrForbidden) {
		t.Errorf("Expected ErrForbidden for private room history, got %v", err)
	}
	if _, err := f.relay.History(ctx, alice, relay.Target{}, 0, 0); !errors.Is(err, relay.ErrNotFound) {
		t.Errorf("Expected ErrNotFound for invalid conversation, got %v", err)
	}
}

// TestFailReportsToOriginOnly tests that operation failures reach only the
// originating connection with the error's code and ref.
func TestFailReportsToOriginOnly(t *testing.T) {
	f := newFixture(t, false)
	alice, aSink := f.connect("alice")
	_, other := f.connect("alice")

	f.relay.Fail(alice, "ref-1", relay.ErrForbidden)

	got := aSink.ofKind(relay.EventFailed)
	if len(got) != 1 || got[0].Code != relay.CodeForbidden || got[0].Ref != "ref-1" {
		t.Errorf("Expected forbidden failure with ref-1, got %+v", got)
	}
	if n := len(other.ofKind(relay.EventFailed)); n != 0 {
		t.Errorf("Expected other connection to see no failure, got %d", n)
	}
}
