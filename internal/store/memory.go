package store

import (
	"context"
	"sort"
	"sync"

	"github.com/Tyrowin/chatrelay/internal/relay"
)

// MemoryStore keeps messages and directory data in process memory.
type MemoryStore struct {
	mu       sync.RWMutex
	nextID   int64
	messages map[int64]*relay.Message
	byConv   map[string][]int64
	users    map[string]relay.Identity
	rooms    map[string]relay.Room
	members  map[string]map[string]struct{}
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		messages: make(map[int64]*relay.Message),
		byConv:   make(map[string][]int64),
		users:    make(map[string]relay.Identity),
		rooms:    make(map[string]relay.Room),
		members:  make(map[string]map[string]struct{}),
	}
}

// Create assigns the next id and stores the message.
func (s *MemoryStore) Create(_ context.Context, draft relay.Draft) (*relay.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	msg := draftMessage(draft)
	msg.ID = s.nextID
	s.messages[msg.ID] = msg
	key := conversationKey(msg.Channel())
	s.byConv[key] = append(s.byConv[key], msg.ID)

	out := *msg
	return &out, nil
}

// Get returns a copy of the message with the given id.
func (s *MemoryStore) Get(_ context.Context, id int64) (*relay.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msg, ok := s.messages[id]
	if !ok {
		return nil, relay.ErrNotFound
	}
	out := *msg
	return &out, nil
}

// SoftDelete replaces the content with the tombstone and sets the flag.
func (s *MemoryStore) SoftDelete(_ context.Context, id int64) (*relay.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, ok := s.messages[id]
	if !ok {
		return nil, relay.ErrNotFound
	}
	msg.Content = relay.Tombstone
	msg.Deleted = true
	out := *msg
	return &out, nil
}

// History returns up to limit messages of the channel with ids below
// beforeID (or the newest, when beforeID is zero), oldest first.
func (s *MemoryStore) History(_ context.Context, ch relay.Channel, beforeID int64, limit int) ([]relay.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	limit = clampLimit(limit)
	ids := s.byConv[conversationKey(ch)]
	out := make([]relay.Message, 0, limit)
	for i := len(ids) - 1; i >= 0 && len(out) < limit; i-- {
		if beforeID > 0 && ids[i] >= beforeID {
			continue
		}
		out = append(out, *s.messages[ids[i]])
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// User returns the profile of a user.
func (s *MemoryStore) User(_ context.Context, id string) (*relay.Identity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return nil, relay.ErrNotFound
	}
	return &u, nil
}

// Room returns a room.
func (s *MemoryStore) Room(_ context.Context, id string) (*relay.Room, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rooms[id]
	if !ok {
		return nil, relay.ErrNotFound
	}
	return &r, nil
}

// IsRoomMember reports durable membership of a user in a room.
func (s *MemoryStore) IsRoomMember(_ context.Context, userID, roomID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.members[roomID][userID]
	return ok, nil
}

// PutUser inserts or replaces a user.
func (s *MemoryStore) PutUser(_ context.Context, user relay.Identity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if user.Role == "" {
		user.Role = relay.RoleUser
	}
	s.users[user.ID] = user
	return nil
}

// PutRoom inserts or replaces a room.
func (s *MemoryStore) PutRoom(_ context.Context, room relay.Room) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rooms[room.ID] = room
	return nil
}

// AddRoomMember records durable room membership.
func (s *MemoryStore) AddRoomMember(_ context.Context, roomID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rooms[roomID]; !ok {
		return relay.ErrNotFound
	}
	set, ok := s.members[roomID]
	if !ok {
		set = make(map[string]struct{})
		s.members[roomID] = set
	}
	set[userID] = struct{}{}
	return nil
}
