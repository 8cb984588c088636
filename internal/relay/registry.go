package relay

import (
	"hash/fnv"
	"sort"
	"sync"
	"sync/atomic"
)

const shardCount = 32

// Transition is an identity crossing between zero and one live connections.
type Transition struct {
	Identity Identity
	Online   bool
}

// Registry tracks the set of live connections of every identity.
//
// Each identity has its own entry with its own lock, so register and
// unregister for one identity are serialized without a global lock. Readers
// use an immutable snapshot of the entry and never take the entry lock.
// The transition hook runs with the entry lock held, which orders online and
// offline announcements for one identity the same way they happened.
type Registry struct {
	shards       [shardCount]registryShard
	onTransition func(Transition)
}

type registryShard struct {
	mu      sync.RWMutex
	entries map[string]*presenceEntry
}

type presenceEntry struct {
	mu       sync.Mutex
	identity Identity
	conns    map[string]*Connection
	dead     bool
	snapshot atomic.Pointer[[]*Connection]
}

// NewRegistry creates an empty registry. onTransition, if non-nil, is called
// exactly once per online or offline transition.
func NewRegistry(onTransition func(Transition)) *Registry {
	r := &Registry{onTransition: onTransition}
	for i := range r.shards {
		r.shards[i].entries = make(map[string]*presenceEntry)
	}
	return r
}

func (r *Registry) shard(identityID string) *registryShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(identityID))
	return &r.shards[h.Sum32()%shardCount]
}

func (s *registryShard) lookup(identityID string) *presenceEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.entries[identityID]
}

func (s *registryShard) lookupOrCreate(identity Identity) *presenceEntry {
	if e := s.lookup(identity.ID); e != nil {
		return e
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[identity.ID]; ok {
		return e
	}
	e := &presenceEntry{identity: identity, conns: make(map[string]*Connection)}
	s.entries[identity.ID] = e
	return e
}

// publish must be called with e.mu held.
func (e *presenceEntry) publish() {
	conns := make([]*Connection, 0, len(e.conns))
	for _, c := range e.conns {
		conns = append(conns, c)
	}
	e.snapshot.Store(&conns)
}

func (e *presenceEntry) connections() []*Connection {
	if p := e.snapshot.Load(); p != nil {
		return *p
	}
	return nil
}

// Register adds c to its identity's connection set. It reports whether this
// was the identity's first connection.
func (r *Registry) Register(c *Connection) bool {
	s := r.shard(c.identity.ID)
	for {
		e := s.lookupOrCreate(c.identity)
		e.mu.Lock()
		if e.dead {
			// Lost a race with the last unregister; the entry is gone.
			e.mu.Unlock()
			continue
		}
		first := len(e.conns) == 0
		e.conns[c.id] = c
		e.publish()
		if first && r.onTransition != nil {
			r.onTransition(Transition{Identity: c.identity, Online: true})
		}
		e.mu.Unlock()
		return first
	}
}

// Unregister removes c from its identity's connection set. It reports
// whether this was the identity's last connection. Unregistering a
// connection that is not registered is a no-op.
func (r *Registry) Unregister(c *Connection) bool {
	s := r.shard(c.identity.ID)
	e := s.lookup(c.identity.ID)
	if e == nil {
		return false
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.dead {
		return false
	}
	if _, ok := e.conns[c.id]; !ok {
		return false
	}
	delete(e.conns, c.id)
	e.publish()
	if len(e.conns) > 0 {
		return false
	}

	// The entry stays in the shard until the offline hook has returned, so a
	// concurrent Register blocks on e.mu and announces online afterwards.
	e.dead = true
	if r.onTransition != nil {
		r.onTransition(Transition{Identity: c.identity, Online: false})
	}
	s.mu.Lock()
	if s.entries[c.identity.ID] == e {
		delete(s.entries, c.identity.ID)
	}
	s.mu.Unlock()
	return true
}

// ConnectionsFor returns the live connections of an identity. The result is
// empty for offline or unknown identities.
func (r *Registry) ConnectionsFor(identityID string) []*Connection {
	e := r.shard(identityID).lookup(identityID)
	if e == nil {
		return nil
	}
	conns := e.connections()
	out := make([]*Connection, len(conns))
	copy(out, conns)
	return out
}

// IsOnline reports whether the identity has at least one live connection.
func (r *Registry) IsOnline(identityID string) bool {
	e := r.shard(identityID).lookup(identityID)
	return e != nil && len(e.connections()) > 0
}

// AllOnlineIdentities returns the sorted ids of every online identity.
func (r *Registry) AllOnlineIdentities() []string {
	ids := make([]string, 0)
	r.each(func(e *presenceEntry, conns []*Connection) {
		if len(conns) > 0 {
			ids = append(ids, e.identity.ID)
		}
	})
	sort.Strings(ids)
	return ids
}

// AllConnections returns every live connection.
func (r *Registry) AllConnections() []*Connection {
	var out []*Connection
	r.each(func(_ *presenceEntry, conns []*Connection) {
		out = append(out, conns...)
	})
	return out
}

// ConnectionCount returns the number of live connections.
func (r *Registry) ConnectionCount() int {
	n := 0
	r.each(func(_ *presenceEntry, conns []*Connection) {
		n += len(conns)
	})
	return n
}

func (r *Registry) each(fn func(e *presenceEntry, conns []*Connection)) {
	for i := range r.shards {
		s := &r.shards[i]
		s.mu.RLock()
		entries := make([]*presenceEntry, 0, len(s.entries))
		for _, e := range s.entries {
			entries = append(entries, e)
		}
		s.mu.RUnlock()
		for _, e := range entries {
			fn(e, e.connections())
		}
	}
}
