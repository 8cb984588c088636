package config

import (
	"context"
	"fmt"

	"github.com/Tyrowin/chatrelay/internal/relay"
	"github.com/Tyrowin/chatrelay/internal/store"
)

// SeedUser is a directory user declared in the config file.
type SeedUser struct {
	ID          string `yaml:"id"`
	DisplayName string `yaml:"display_name"`
	Avatar      string `yaml:"avatar"`
	Role        string `yaml:"role"`
}

// SeedRoom is a room declared in the config file, with its durable members.
type SeedRoom struct {
	ID        string   `yaml:"id"`
	Name      string   `yaml:"name"`
	Private   bool     `yaml:"private"`
	CreatedBy string   `yaml:"created_by"`
	Members   []string `yaml:"members"`
}

// Seed is a set of directory fixtures for development setups.
type Seed struct {
	Users []SeedUser `yaml:"users"`
	Rooms []SeedRoom `yaml:"rooms"`
}

// Empty reports whether the seed declares nothing.
func (s Seed) Empty() bool {
	return len(s.Users) == 0 && len(s.Rooms) == 0
}

func (s Seed) validate() error {
	for i, u := range s.Users {
		if u.ID == "" {
			return fmt.Errorf("directory.users[%d]: id is required", i)
		}
		switch relay.Role(u.Role) {
		case "", relay.RoleUser, relay.RoleAdmin:
		default:
			return fmt.Errorf("directory.users[%d]: unknown role %q", i, u.Role)
		}
	}
	for i, r := range s.Rooms {
		if r.ID == "" {
			return fmt.Errorf("directory.rooms[%d]: id is required", i)
		}
	}
	return nil
}

// Apply writes the fixtures into the directory. Existing records with the
// same ids are replaced.
func (s Seed) Apply(ctx context.Context, seeder store.Seeder) error {
	for _, u := range s.Users {
		err := seeder.PutUser(ctx, relay.Identity{
			ID:          u.ID,
			DisplayName: u.DisplayName,
			Avatar:      u.Avatar,
			Role:        relay.Role(u.Role),
		})
		if err != nil {
			return fmt.Errorf("seed user %s: %w", u.ID, err)
		}
	}
	for _, r := range s.Rooms {
		name := r.Name
		if name == "" {
			name = r.ID
		}
		err := seeder.PutRoom(ctx, relay.Room{ID: r.ID, Name: name, Private: r.Private, CreatedBy: r.CreatedBy})
		if err != nil {
			return fmt.Errorf("seed room %s: %w", r.ID, err)
		}
		for _, member := range r.Members {
			if err := seeder.AddRoomMember(ctx, r.ID, member); err != nil {
				return fmt.Errorf("seed member %s of %s: %w", member, r.ID, err)
			}
		}
	}
	return nil
}
