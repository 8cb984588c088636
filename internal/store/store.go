// Package store provides MessageStore and DirectoryStore implementations
// backed by memory, SQLite, PostgreSQL, and Redis.
package store

import (
	"context"

	"github.com/Tyrowin/chatrelay/internal/relay"
)

// DefaultHistoryLimit caps history queries that do not ask for less.
const DefaultHistoryLimit = 100

// Seeder writes directory records. Every DirectoryStore in this package
// implements it so development fixtures can be loaded at startup.
type Seeder interface {
	PutUser(ctx context.Context, user relay.Identity) error
	PutRoom(ctx context.Context, room relay.Room) error
	AddRoomMember(ctx context.Context, roomID, userID string) error
}

// Directory is a DirectoryStore that can also be seeded.
type Directory interface {
	relay.DirectoryStore
	Seeder
}

func clampLimit(limit int) int {
	if limit <= 0 || limit > DefaultHistoryLimit {
		return DefaultHistoryLimit
	}
	return limit
}

// conversationKey is the persisted form of a message's channel.
func conversationKey(ch relay.Channel) string {
	return string(ch.Key())
}
