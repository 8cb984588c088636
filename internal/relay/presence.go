package relay

import (
	"github.com/rs/zerolog"

	"github.com/Tyrowin/chatrelay/internal/metrics"
)

// Presence announces online/offline transitions and answers roster queries.
// It holds no state of its own: the roster is always recomputed from the
// registry.
type Presence struct {
	registry *Registry
	deliver  func(c *Connection, ev Event)
	log      zerolog.Logger
}

// announce is the registry's transition hook. It runs with the identity's
// registry entry locked, so announcements for one identity go out in order.
func (p *Presence) announce(t Transition) {
	kind, state := EventIdentityOffline, "offline"
	if t.Online {
		kind, state = EventIdentityOnline, "online"
		metrics.OnlineIdentities.Inc()
	} else {
		metrics.OnlineIdentities.Dec()
	}
	metrics.PresenceTransitions.WithLabelValues(state).Inc()

	p.log.Debug().
		Str("user_id", t.Identity.ID).
		Str("state", state).
		Msg("presence transition")

	ev := Event{Kind: kind, Actor: t.Identity}
	for _, c := range p.registry.AllConnections() {
		p.deliver(c, ev)
	}
}

// Roster returns the ids of every online identity. It has no side effects.
func (p *Presence) Roster() []string {
	return p.registry.AllOnlineIdentities()
}

// PushRoster sends the current roster to a single connection.
func (p *Presence) PushRoster(c *Connection, ref string) {
	p.deliver(c, Event{Kind: EventRoster, Roster: p.Roster(), Ref: ref})
}
