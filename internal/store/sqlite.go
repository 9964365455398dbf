// ABOUTME: SQLite implementation of the Directory interface using modernc.org/sqlite
// ABOUTME: Provides room/member/message persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/cognilab/cogni-relay/internal/room"
)

// SQLiteDirectory implements the Directory interface using SQLite
type SQLiteDirectory struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteDirectory creates a new SQLite directory at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteDirectory(path string) (*SQLiteDirectory, error) {
	logger := slog.Default().With("component", "store")

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// A single pooled connection keeps :memory: databases coherent and
	// sidesteps SQLITE_BUSY under concurrent writers.
	db.SetMaxOpenConns(1)

	// WAL for better concurrent read performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteDirectory{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite directory initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteDirectory) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS rooms (
			id         TEXT PRIMARY KEY,
			name       TEXT NOT NULL,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		);

		CREATE TABLE IF NOT EXISTS members (
			room_id   TEXT NOT NULL,
			user_id   TEXT NOT NULL,
			username  TEXT NOT NULL,
			joined_at DATETIME NOT NULL,
			last_seen DATETIME NOT NULL,

			PRIMARY KEY (room_id, user_id),
			FOREIGN KEY (room_id) REFERENCES rooms(id)
		);

		CREATE INDEX IF NOT EXISTS idx_members_room ON members(room_id);

		CREATE TABLE IF NOT EXISTS messages (
			id         TEXT PRIMARY KEY,
			room_id    TEXT NOT NULL,
			sender     TEXT NOT NULL,
			user_id    TEXT,
			content    TEXT NOT NULL,
			automated  INTEGER NOT NULL DEFAULT 0,
			system     INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL,

			FOREIGN KEY (room_id) REFERENCES rooms(id)
		);

		CREATE INDEX IF NOT EXISTS idx_messages_room_created
			ON messages(room_id, created_at);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("executing schema: %w", err)
	}
	return nil
}

// UpsertRoom records a room, updating its name if it already exists.
func (s *SQLiteDirectory) UpsertRoom(ctx context.Context, id, name string) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO rooms (id, name, created_at, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name, updated_at = excluded.updated_at`,
		id, name, now, now)
	if err != nil {
		return fmt.Errorf("upserting room: %w", err)
	}
	return nil
}

// GetRoom returns a room by ID, or ErrNotFound.
func (s *SQLiteDirectory) GetRoom(ctx context.Context, id string) (*Room, error) {
	var r Room
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, created_at, updated_at FROM rooms WHERE id = ?`, id).
		Scan(&r.ID, &r.Name, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying room: %w", err)
	}
	return &r, nil
}

// ListRooms returns all known rooms ordered by creation time.
func (s *SQLiteDirectory) ListRooms(ctx context.Context) ([]*Room, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, created_at, updated_at FROM rooms ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("querying rooms: %w", err)
	}
	defer rows.Close()

	var out []*Room
	for rows.Next() {
		var r Room
		if err := rows.Scan(&r.ID, &r.Name, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning room: %w", err)
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}

// UpsertMember records a membership, refreshing last_seen on rejoin.
func (s *SQLiteDirectory) UpsertMember(ctx context.Context, roomID, userID, username string) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO members (room_id, user_id, username, joined_at, last_seen)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(room_id, user_id) DO UPDATE SET
			username = excluded.username, last_seen = excluded.last_seen`,
		roomID, userID, username, now, now)
	if err != nil {
		return fmt.Errorf("upserting member: %w", err)
	}
	return nil
}

// ListMembers returns a room's members ordered by join time.
func (s *SQLiteDirectory) ListMembers(ctx context.Context, roomID string) ([]*Member, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT room_id, user_id, username, joined_at, last_seen
		FROM members WHERE room_id = ? ORDER BY joined_at`, roomID)
	if err != nil {
		return nil, fmt.Errorf("querying members: %w", err)
	}
	defer rows.Close()

	var out []*Member
	for rows.Next() {
		var m Member
		if err := rows.Scan(&m.RoomID, &m.UserID, &m.Username, &m.JoinedAt, &m.LastSeen); err != nil {
			return nil, fmt.Errorf("scanning member: %w", err)
		}
		out = append(out, &m)
	}
	return out, rows.Err()
}

// SaveMessage archives a chat message.
func (s *SQLiteDirectory) SaveMessage(ctx context.Context, roomID string, msg *room.Message) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (id, room_id, sender, user_id, content, automated, system, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`,
		msg.ID, roomID, msg.Sender, msg.UserID, msg.Text,
		boolToInt(msg.Automated), boolToInt(msg.System), msg.Timestamp.UTC())
	if err != nil {
		return fmt.Errorf("saving message: %w", err)
	}
	return nil
}

// RecentMessages returns up to limit archived messages, oldest first.
func (s *SQLiteDirectory) RecentMessages(ctx context.Context, roomID string, limit int) ([]*ArchivedMessage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, room_id, sender, COALESCE(user_id, ''), content, automated, system, created_at
		FROM (
			SELECT * FROM messages WHERE room_id = ?
			ORDER BY created_at DESC LIMIT ?
		) ORDER BY created_at ASC`, roomID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	var out []*ArchivedMessage
	for rows.Next() {
		var m ArchivedMessage
		var automated, system int
		if err := rows.Scan(&m.ID, &m.RoomID, &m.Sender, &m.UserID, &m.Content,
			&automated, &system, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning message: %w", err)
		}
		m.Automated = automated != 0
		m.System = system != 0
		out = append(out, &m)
	}
	return out, rows.Err()
}

// Close closes the underlying database.
func (s *SQLiteDirectory) Close() error {
	return s.db.Close()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
