package relay

import (
	"hash/fnv"
	"sync"
)

// Membership tracks which connections are subscribed to which room channels.
// It is runtime state only; durable room membership lives in the
// DirectoryStore.
//
// Lock order is connection first, then channel shard. A connection's
// subscription set and the channel index are always updated together, and a
// closed connection can never gain a subscription.
type Membership struct {
	shards [shardCount]membershipShard
}

type membershipShard struct {
	mu       sync.RWMutex
	channels map[ChannelKey]map[string]*Connection
}

// NewMembership creates an empty subscription table.
func NewMembership() *Membership {
	m := &Membership{}
	for i := range m.shards {
		m.shards[i].channels = make(map[ChannelKey]map[string]*Connection)
	}
	return m
}

func (m *Membership) shard(key ChannelKey) *membershipShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return &m.shards[h.Sum32()%shardCount]
}

// Subscribe adds c to the channel's subscribers. Subscribing twice is a no-op.
// It fails with ErrConnectionClosed once c has been torn down.
func (m *Membership) Subscribe(c *Connection, key ChannelKey) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrConnectionClosed
	}
	if _, ok := c.channels[key]; ok {
		return nil
	}
	c.channels[key] = struct{}{}

	s := m.shard(key)
	s.mu.Lock()
	subs, ok := s.channels[key]
	if !ok {
		subs = make(map[string]*Connection)
		s.channels[key] = subs
	}
	subs[c.id] = c
	s.mu.Unlock()
	return nil
}

// Unsubscribe removes c from the channel's subscribers, if present.
func (m *Membership) Unsubscribe(c *Connection, key ChannelKey) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.channels[key]; !ok {
		return
	}
	delete(c.channels, key)
	m.remove(c, key)
}

// UnsubscribeAll removes c from every channel and marks it closed, so that
// no later Subscribe can leave a dangling subscription. It reports whether
// this call performed the teardown.
func (m *Membership) UnsubscribeAll(c *Connection) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.closed = true
	for key := range c.channels {
		m.remove(c, key)
	}
	c.channels = make(map[ChannelKey]struct{})
	return true
}

func (m *Membership) remove(c *Connection, key ChannelKey) {
	s := m.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	subs := s.channels[key]
	delete(subs, c.id)
	if len(subs) == 0 {
		delete(s.channels, key)
	}
}

// SubscribersOf returns the connections subscribed to the channel.
func (m *Membership) SubscribersOf(key ChannelKey) []*Connection {
	s := m.shard(key)
	s.mu.RLock()
	defer s.mu.RUnlock()
	subs := s.channels[key]
	out := make([]*Connection, 0, len(subs))
	for _, c := range subs {
		out = append(out, c)
	}
	return out
}

// IsSubscribed reports whether c is subscribed to the channel.
func (m *Membership) IsSubscribed(c *Connection, key ChannelKey) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.channels[key]
	return ok
}
