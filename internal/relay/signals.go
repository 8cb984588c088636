package relay

import (
	"context"

	"github.com/Tyrowin/chatrelay/internal/metrics"
)

// Signals forwards typing indicators. Nothing is stored and nothing is
// acknowledged; expiry of a stale indicator is the receiving client's job.
type Signals struct {
	resolve func(ch Channel) []*Connection
	deliver func(c *Connection, ev Event)
	// checkRoom applies the same access rules as room sends.
	checkRoom func(ctx context.Context, who Identity, roomID string) error
}

// TypingStart forwards a typing-start signal from the connection's identity
// to the target's recipients.
func (s *Signals) TypingStart(ctx context.Context, from *Connection, target Target) error {
	return s.forward(ctx, from, target, EventTypingStart)
}

// TypingStop forwards a typing-stop signal.
func (s *Signals) TypingStop(ctx context.Context, from *Connection, target Target) error {
	return s.forward(ctx, from, target, EventTypingStop)
}

func (s *Signals) forward(ctx context.Context, from *Connection, target Target, kind EventKind) error {
	if !target.Valid() {
		return ErrNotFound
	}
	sender := from.Identity()
	if target.Kind == TargetRoom && s.checkRoom != nil {
		if err := s.checkRoom(ctx, sender, target.ID); err != nil {
			return err
		}
	}
	ev := Event{Kind: kind, Actor: sender, Target: target}

	// Recipients resolve like messages, minus the typing user's own
	// connections.
	for _, c := range s.resolve(target.ChannelFrom(sender.ID)) {
		if c.Identity().ID == sender.ID {
			continue
		}
		s.deliver(c, ev)
	}

	state := "start"
	if kind == EventTypingStop {
		state = "stop"
	}
	metrics.TypingSignals.WithLabelValues(state).Inc()
	return nil
}
