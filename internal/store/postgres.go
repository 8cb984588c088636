package store

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Tyrowin/chatrelay/internal/relay"
)

// PostgresStore handles PostgreSQL database operations.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL store with a connection pool
// and applies the schema.
func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	s := &PostgresStore{pool: pool}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
	CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		display_name TEXT NOT NULL DEFAULT '',
		avatar TEXT NOT NULL DEFAULT '',
		role TEXT NOT NULL DEFAULT 'user'
	);

	CREATE TABLE IF NOT EXISTS rooms (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		is_private BOOLEAN NOT NULL DEFAULT FALSE,
		created_by TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS room_members (
		room_id TEXT NOT NULL REFERENCES rooms(id) ON DELETE CASCADE,
		user_id TEXT NOT NULL,
		PRIMARY KEY (room_id, user_id)
	);

	CREATE TABLE IF NOT EXISTS messages (
		id BIGSERIAL PRIMARY KEY,
		conversation TEXT NOT NULL,
		sender_id TEXT NOT NULL,
		receiver_id TEXT NOT NULL DEFAULT '',
		room_id TEXT NOT NULL DEFAULT '',
		content TEXT NOT NULL,
		is_deleted BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMPTZ NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation, id);
	`)
	return err
}

// Close closes the database connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

// Ping checks the database connection.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Create inserts a message and returns it with its assigned id.
func (s *PostgresStore) Create(ctx context.Context, draft relay.Draft) (*relay.Message, error) {
	msg := draftMessage(draft)
	err := s.pool.QueryRow(ctx, `
		INSERT INTO messages (conversation, sender_id, receiver_id, room_id, content, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id
	`, conversationKey(msg.Channel()), msg.SenderID, msg.ReceiverID, msg.RoomID, msg.Content, msg.CreatedAt).Scan(&msg.ID)
	if err != nil {
		return nil, err
	}
	return msg, nil
}

// Get retrieves a message by id.
func (s *PostgresStore) Get(ctx context.Context, id int64) (*relay.Message, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, sender_id, receiver_id, room_id, content, is_deleted, created_at
		FROM messages WHERE id = $1
	`, id)
	msg, err := scanMessage(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, relay.ErrNotFound
	}
	return msg, err
}

// SoftDelete tombstones a message.
func (s *PostgresStore) SoftDelete(ctx context.Context, id int64) (*relay.Message, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE messages SET content = $1, is_deleted = TRUE WHERE id = $2
		RETURNING id, sender_id, receiver_id, room_id, content, is_deleted, created_at
	`, relay.Tombstone, id)
	msg, err := scanMessage(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, relay.ErrNotFound
	}
	return msg, err
}

// History returns messages of a channel, oldest first.
func (s *PostgresStore) History(ctx context.Context, ch relay.Channel, beforeID int64, limit int) ([]relay.Message, error) {
	if beforeID <= 0 {
		beforeID = 1<<63 - 1
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, sender_id, receiver_id, room_id, content, is_deleted, created_at FROM (
			SELECT * FROM messages
			WHERE conversation = $1 AND id < $2
			ORDER BY id DESC LIMIT $3
		) recent ORDER BY id ASC
	`, conversationKey(ch), beforeID, clampLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]relay.Message, 0)
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *msg)
	}
	return out, rows.Err()
}

// User retrieves a user profile.
func (s *PostgresStore) User(ctx context.Context, id string) (*relay.Identity, error) {
	u := &relay.Identity{}
	var role string
	err := s.pool.QueryRow(ctx, `
		SELECT id, display_name, avatar, role FROM users WHERE id = $1
	`, id).Scan(&u.ID, &u.DisplayName, &u.Avatar, &role)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, relay.ErrNotFound
		}
		return nil, err
	}
	u.Role = relay.Role(role)
	return u, nil
}

// Room retrieves a room.
func (s *PostgresStore) Room(ctx context.Context, id string) (*relay.Room, error) {
	r := &relay.Room{}
	err := s.pool.QueryRow(ctx, `
		SELECT id, name, is_private, created_by FROM rooms WHERE id = $1
	`, id).Scan(&r.ID, &r.Name, &r.Private, &r.CreatedBy)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, relay.ErrNotFound
		}
		return nil, err
	}
	return r, nil
}

// IsRoomMember reports durable membership.
func (s *PostgresStore) IsRoomMember(ctx context.Context, userID, roomID string) (bool, error) {
	var member bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM room_members WHERE room_id = $1 AND user_id = $2)
	`, roomID, userID).Scan(&member)
	return member, err
}

// PutUser inserts or replaces a user.
func (s *PostgresStore) PutUser(ctx context.Context, user relay.Identity) error {
	if user.Role == "" {
		user.Role = relay.RoleUser
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO users (id, display_name, avatar, role) VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET display_name = EXCLUDED.display_name,
			avatar = EXCLUDED.avatar, role = EXCLUDED.role
	`, user.ID, user.DisplayName, user.Avatar, string(user.Role))
	return err
}

// PutRoom inserts or replaces a room.
func (s *PostgresStore) PutRoom(ctx context.Context, room relay.Room) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO rooms (id, name, is_private, created_by) VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name,
			is_private = EXCLUDED.is_private, created_by = EXCLUDED.created_by
	`, room.ID, room.Name, room.Private, room.CreatedBy)
	return err
}

// AddRoomMember records durable membership.
func (s *PostgresStore) AddRoomMember(ctx context.Context, roomID, userID string) error {
	if _, err := s.Room(ctx, roomID); err != nil {
		return err
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO room_members (room_id, user_id) VALUES ($1, $2)
		ON CONFLICT DO NOTHING
	`, roomID, userID)
	return err
}
