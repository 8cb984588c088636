package relay

// recipientResolver turns a channel into the connections that should
// receive traffic for it.
type recipientResolver interface {
	resolve(ch Channel) []*Connection
}

// directResolver delivers to every live connection of both users, resolved
// from the registry at send time.
type directResolver struct {
	registry *Registry
}

func (d directResolver) resolve(ch Channel) []*Connection {
	conns := d.registry.ConnectionsFor(ch.Users[0])
	if ch.Users[1] != ch.Users[0] {
		conns = append(conns, d.registry.ConnectionsFor(ch.Users[1])...)
	}
	return conns
}

// roomResolver delivers to the connections currently subscribed to the room.
type roomResolver struct {
	membership *Membership
}

func (r roomResolver) resolve(ch Channel) []*Connection {
	return r.membership.SubscribersOf(ch.Key())
}

// ResolveRecipients returns the connections that receive traffic for ch.
func (r *Relay) ResolveRecipients(ch Channel) []*Connection {
	res, ok := r.resolvers[ch.Kind]
	if !ok {
		return nil
	}
	return res.resolve(ch)
}
