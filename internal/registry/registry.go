// ABOUTME: Tracks which connections belong to which room and participant
// ABOUTME: Multiplexes multiple tabs per user via per-participant connection counts

package registry

import (
	"log/slog"
	"sync"
	"time"
)

// Connection is a single live connection (one tab) joined to a room.
type Connection struct {
	ID       string
	UserID   string
	Username string
	Room     string
	JoinedAt time.Time
}

// Participant is a user's presence in a room. Connections counts live tabs;
// a participant leaves the room only when it reaches zero.
type Participant struct {
	UserID      string
	Username    string
	Connections int
}

// JoinResult reports whether a join was the participant's first live
// connection, so callers broadcast a "joined" notice once per participant.
type JoinResult struct {
	IsNewParticipant bool
}

// LeaveResult reports what a leave removed. Room and Username identify the
// affected room/participant for broadcast purposes.
type LeaveResult struct {
	Room               string
	UserID             string
	Username           string
	ParticipantRemoved bool
	RoomEmptied        bool // room deleted (no participants, not retained)
}

// Registry owns connection and participant bookkeeping. A room exists here
// iff it has at least one connection or an in-flight generation job has
// retained it.
type Registry struct {
	mu     sync.RWMutex
	conns  map[string]*Connection
	rooms  map[string]*roomEntry
	logger *slog.Logger
}

type roomEntry struct {
	participants map[string]*Participant // userID -> participant
	retained     int                     // in-flight jobs deferring deletion
}

// New creates an empty registry. Pass nil logger for default.
func New(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		conns:  make(map[string]*Connection),
		rooms:  make(map[string]*roomEntry),
		logger: logger.With("component", "registry"),
	}
}

// Join registers a connection in a room, creating the room and participant
// lazily. If the connection was already joined somewhere it is moved (the
// previous membership is released first). Returns whether this is the
// participant's first live connection in the room.
func (r *Registry) Join(roomID, userID, username, connID string) JoinResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.conns[connID]; ok {
		r.leaveLocked(existing)
	}

	entry, ok := r.rooms[roomID]
	if !ok {
		entry = &roomEntry{participants: make(map[string]*Participant)}
		r.rooms[roomID] = entry
	}

	p, ok := entry.participants[userID]
	if !ok {
		p = &Participant{UserID: userID, Username: username}
		entry.participants[userID] = p
	}
	p.Connections++

	r.conns[connID] = &Connection{
		ID:       connID,
		UserID:   userID,
		Username: username,
		Room:     roomID,
		JoinedAt: time.Now(),
	}

	r.logger.Debug("connection joined",
		"room", roomID,
		"user_id", userID,
		"username", username,
		"connections", p.Connections)

	return JoinResult{IsNewParticipant: p.Connections == 1}
}

// Leave releases a connection. Unknown connection IDs are a no-op, so
// disconnect and explicit leave_room can both call it safely.
func (r *Registry) Leave(connID string) LeaveResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, ok := r.conns[connID]
	if !ok {
		return LeaveResult{}
	}
	delete(r.conns, connID)
	return r.leaveLocked(conn)
}

// leaveLocked removes a connection's room membership. Must hold mu.
func (r *Registry) leaveLocked(conn *Connection) LeaveResult {
	res := LeaveResult{Room: conn.Room, UserID: conn.UserID, Username: conn.Username}

	entry, ok := r.rooms[conn.Room]
	if !ok {
		return res
	}
	p, ok := entry.participants[conn.UserID]
	if !ok {
		return res
	}

	p.Connections--
	if p.Connections > 0 {
		return res
	}

	delete(entry.participants, conn.UserID)
	res.ParticipantRemoved = true

	if len(entry.participants) == 0 && entry.retained == 0 {
		delete(r.rooms, conn.Room)
		res.RoomEmptied = true
		r.logger.Debug("room removed", "room", conn.Room)
	}
	return res
}

// Retain defers deletion of a room while a generation job targets it. The
// room entry is created if absent so a job can finish against a room whose
// last participant already left.
func (r *Registry) Retain(roomID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.rooms[roomID]
	if !ok {
		entry = &roomEntry{participants: make(map[string]*Participant)}
		r.rooms[roomID] = entry
	}
	entry.retained++
}

// ReleaseRetain drops one retain count. Returns true if this deleted the
// room (it was empty and no other job retains it), so the caller can drop
// the room's history state as well.
func (r *Registry) ReleaseRetain(roomID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.rooms[roomID]
	if !ok {
		return false
	}
	if entry.retained > 0 {
		entry.retained--
	}
	if len(entry.participants) == 0 && entry.retained == 0 {
		delete(r.rooms, roomID)
		r.logger.Debug("room removed after job completion", "room", roomID)
		return true
	}
	return false
}

// Exists reports whether the room is present in the registry.
func (r *Registry) Exists(roomID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.rooms[roomID]
	return ok
}

// Participants returns the room's participants. Order is unspecified.
func (r *Registry) Participants(roomID string) []Participant {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.rooms[roomID]
	if !ok {
		return nil
	}
	out := make([]Participant, 0, len(entry.participants))
	for _, p := range entry.participants {
		out = append(out, *p)
	}
	return out
}

// Usernames returns the display names of the room's participants, for
// user_joined/user_left roster payloads.
func (r *Registry) Usernames(roomID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.rooms[roomID]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(entry.participants))
	for _, p := range entry.participants {
		out = append(out, p.Username)
	}
	return out
}

// Connection returns the connection with the given ID, or nil.
func (r *Registry) Connection(connID string) *Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conn, ok := r.conns[connID]
	if !ok {
		return nil
	}
	c := *conn
	return &c
}

// Stats returns current room and connection counts for periodic logging.
func (r *Registry) Stats() (rooms, connections int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms), len(r.conns)
}
