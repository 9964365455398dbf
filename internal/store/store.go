// ABOUTME: Directory interface and data types for cogni-relay persistence
// ABOUTME: Rooms and members are durable; messages are archived for audit

package store

import (
	"context"
	"errors"
	"time"

	"github.com/cognilab/cogni-relay/internal/room"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// Room is a durable room record. Rooms outlive their in-memory state: an
// emptied room disappears from the registry but stays in the directory.
type Room struct {
	ID        string
	Name      string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Member is a user known to have joined a room at some point.
type Member struct {
	RoomID   string
	UserID   string
	Username string
	JoinedAt time.Time
	LastSeen time.Time
}

// ArchivedMessage is a persisted chat message row.
type ArchivedMessage struct {
	ID        string
	RoomID    string
	Sender    string
	UserID    string
	Content   string
	Automated bool
	System    bool
	CreatedAt time.Time
}

// Directory is the persistence interface for rooms, members, and the
// message archive.
type Directory interface {
	// UpsertRoom records a room, updating its name and timestamp if it
	// already exists.
	UpsertRoom(ctx context.Context, id, name string) error

	// GetRoom returns a room by ID, or ErrNotFound.
	GetRoom(ctx context.Context, id string) (*Room, error)

	// ListRooms returns all known rooms ordered by creation time.
	ListRooms(ctx context.Context) ([]*Room, error)

	// UpsertMember records a user's membership, refreshing last_seen.
	UpsertMember(ctx context.Context, roomID, userID, username string) error

	// ListMembers returns a room's members ordered by join time.
	ListMembers(ctx context.Context, roomID string) ([]*Member, error)

	// SaveMessage archives a message. Ephemeral status messages are the
	// caller's responsibility to filter out.
	SaveMessage(ctx context.Context, roomID string, msg *room.Message) error

	// RecentMessages returns up to limit archived messages for a room,
	// oldest first.
	RecentMessages(ctx context.Context, roomID string, limit int) ([]*ArchivedMessage, error)

	// Close releases the underlying database.
	Close() error
}
