package store

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/Tyrowin/chatrelay/internal/relay"
)

// SQLiteStore handles SQLite database operations for messages and the
// directory.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (creating if needed) the database at dbPath.
// If dbPath is empty, defaults to "./data/chatrelay.db".
func NewSQLiteStore(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	if dbPath == "" {
		dbPath = "./data/chatrelay.db"
	}

	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, err
	}
	// SQLite allows one writer; a single connection keeps id assignment
	// and inserts strictly ordered.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

func (s *SQLiteStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		display_name TEXT NOT NULL DEFAULT '',
		avatar TEXT NOT NULL DEFAULT '',
		role TEXT NOT NULL DEFAULT 'user'
	);

	CREATE TABLE IF NOT EXISTS rooms (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		is_private INTEGER NOT NULL DEFAULT 0,
		created_by TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS room_members (
		room_id TEXT NOT NULL REFERENCES rooms(id) ON DELETE CASCADE,
		user_id TEXT NOT NULL,
		PRIMARY KEY (room_id, user_id)
	);

	CREATE TABLE IF NOT EXISTS messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		conversation TEXT NOT NULL,
		sender_id TEXT NOT NULL,
		receiver_id TEXT NOT NULL DEFAULT '',
		room_id TEXT NOT NULL DEFAULT '',
		content TEXT NOT NULL,
		is_deleted INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation, id);
	`
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Ping checks the database connection.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Create inserts a message and returns it with its assigned id.
func (s *SQLiteStore) Create(ctx context.Context, draft relay.Draft) (*relay.Message, error) {
	msg := draftMessage(draft)
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (conversation, sender_id, receiver_id, room_id, content, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, conversationKey(msg.Channel()), msg.SenderID, msg.ReceiverID, msg.RoomID, msg.Content, msg.CreatedAt)
	if err != nil {
		return nil, err
	}
	msg.ID, err = res.LastInsertId()
	if err != nil {
		return nil, err
	}
	return msg, nil
}

// Get retrieves a message by id.
func (s *SQLiteStore) Get(ctx context.Context, id int64) (*relay.Message, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, sender_id, receiver_id, room_id, content, is_deleted, created_at
		FROM messages WHERE id = ?
	`, id)
	msg, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, relay.ErrNotFound
	}
	return msg, err
}

// SoftDelete tombstones a message.
func (s *SQLiteStore) SoftDelete(ctx context.Context, id int64) (*relay.Message, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE messages SET content = ?, is_deleted = 1 WHERE id = ?
	`, relay.Tombstone, id)
	if err != nil {
		return nil, err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return nil, relay.ErrNotFound
	}
	return s.Get(ctx, id)
}

// History returns messages of a channel, oldest first.
func (s *SQLiteStore) History(ctx context.Context, ch relay.Channel, beforeID int64, limit int) ([]relay.Message, error) {
	if beforeID <= 0 {
		beforeID = 1<<63 - 1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, sender_id, receiver_id, room_id, content, is_deleted, created_at FROM (
			SELECT * FROM messages
			WHERE conversation = ? AND id < ?
			ORDER BY id DESC LIMIT ?
		) ORDER BY id ASC
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
func (s *SQLiteStore) User(ctx context.Context, id string) (*relay.Identity, error) {
	u := &relay.Identity{}
	var role string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, display_name, avatar, role FROM users WHERE id = ?
	`, id).Scan(&u.ID, &u.DisplayName, &u.Avatar, &role)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, relay.ErrNotFound
		}
		return nil, err
	}
	u.Role = relay.Role(role)
	return u, nil
}

// Room retrieves a room.
func (s *SQLiteStore) Room(ctx context.Context, id string) (*relay.Room, error) {
	r := &relay.Room{}
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, is_private, created_by FROM rooms WHERE id = ?
	`, id).Scan(&r.ID, &r.Name, &r.Private, &r.CreatedBy)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, relay.ErrNotFound
		}
		return nil, err
	}
	return r, nil
}

// IsRoomMember reports durable membership.
func (s *SQLiteStore) IsRoomMember(ctx context.Context, userID, roomID string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM room_members WHERE room_id = ? AND user_id = ?
	`, roomID, userID).Scan(&n)
	return n > 0, err
}

// PutUser inserts or replaces a user.
func (s *SQLiteStore) PutUser(ctx context.Context, user relay.Identity) error {
	if user.Role == "" {
		user.Role = relay.RoleUser
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, display_name, avatar, role) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET display_name = excluded.display_name,
			avatar = excluded.avatar, role = excluded.role
	`, user.ID, user.DisplayName, user.Avatar, string(user.Role))
	return err
}

// PutRoom inserts or replaces a room.
func (s *SQLiteStore) PutRoom(ctx context.Context, room relay.Room) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO rooms (id, name, is_private, created_by) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name,
			is_private = excluded.is_private, created_by = excluded.created_by
	`, room.ID, room.Name, room.Private, room.CreatedBy)
	return err
}

// AddRoomMember records durable membership.
func (s *SQLiteStore) AddRoomMember(ctx context.Context, roomID, userID string) error {
	if _, err := s.Room(ctx, roomID); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO room_members (room_id, user_id) VALUES (?, ?)
	`, roomID, userID)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (*relay.Message, error) {
	msg := &relay.Message{}
	var createdAt time.Time
	if err := row.Scan(
		&msg.ID,
		&msg.SenderID,
		&msg.ReceiverID,
		&msg.RoomID,
		&msg.Content,
		&msg.Deleted,
		&createdAt,
	); err != nil {
		return nil, err
	}
	msg.CreatedAt = createdAt.UTC()
	return msg, nil
}

func draftMessage(draft relay.Draft) *relay.Message {
	msg := &relay.Message{
		SenderID:  draft.SenderID,
		Content:   draft.Content,
		CreatedAt: draft.CreatedAt.UTC(),
	}
	if draft.Target.Kind == relay.TargetRoom {
		msg.RoomID = draft.Target.ID
	} else {
		msg.ReceiverID = draft.Target.ID
	}
	return msg
}
