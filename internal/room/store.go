// ABOUTME: Per-room bounded message history and generation lock/queue
// ABOUTME: Ring-buffer eviction; at most one active generation job per room

package room

import (
	"log/slog"
	"sync"
	"time"
)

// DefaultHistoryCap is the default ring buffer capacity per room.
const DefaultHistoryCap = 200

// Store holds per-room state: a bounded message history and the generation
// lock plus FIFO queue of pending triggers. All methods are atomic; room
// entries are created lazily on first append or acquire and removed via Drop.
type Store struct {
	mu     sync.Mutex
	rooms  map[string]*state
	cap    int
	logger *slog.Logger
}

// state is the per-room entry. History is a ring: start indexes the oldest
// message, count how many slots are filled.
type state struct {
	history []Message
	start   int
	count   int

	jobActive bool
	queue     []*Trigger
}

// NewStore creates a room state store. historyCap <= 0 selects
// DefaultHistoryCap. Pass nil logger for default.
func NewStore(historyCap int, logger *slog.Logger) *Store {
	if historyCap <= 0 {
		historyCap = DefaultHistoryCap
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		rooms:  make(map[string]*state),
		cap:    historyCap,
		logger: logger.With("component", "room-store"),
	}
}

// Append adds a message to the room's history, evicting the oldest entry once
// the cap is exceeded. Never blocks on slow readers; Recent returns copies.
func (s *Store) Append(roomID string, msg Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.ensure(roomID)
	if st.count < s.cap {
		st.history[(st.start+st.count)%s.cap] = msg
		st.count++
		return
	}
	// Full: overwrite the oldest slot and advance start.
	st.history[st.start] = msg
	st.start = (st.start + 1) % s.cap
}

// Recent returns up to n most recent messages in arrival order. The returned
// slice is a copy and safe to hold across later appends.
func (s *Store) Recent(roomID string, n int) []Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.rooms[roomID]
	if !ok || n <= 0 {
		return nil
	}
	if n > st.count {
		n = st.count
	}
	out := make([]Message, n)
	first := st.start + st.count - n
	for i := range n {
		out[i] = st.history[(first+i)%s.cap]
	}
	return out
}

// Len returns the number of messages currently held for the room.
func (s *Store) Len(roomID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.rooms[roomID]
	if !ok {
		return 0
	}
	return st.count
}

// TryAcquireJob attempts to take the room's generation lock for the given
// trigger. If no job is active the lock is taken and true is returned; the
// caller must eventually call Release. Otherwise the trigger joins the room's
// FIFO queue and false is returned; the orchestrator picks it up from
// Release when the active job completes.
func (s *Store) TryAcquireJob(roomID string, trigger *Trigger) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.ensure(roomID)
	if st.jobActive {
		trigger.EnqueuedAt = time.Now()
		st.queue = append(st.queue, trigger)
		s.logger.Debug("generation trigger queued",
			"room", roomID,
			"queue_len", len(st.queue))
		return false
	}
	st.jobActive = true
	return true
}

// Release drops the room's generation lock. If a trigger is queued it is
// dequeued, the lock is immediately re-taken on its behalf, and the trigger
// is returned so the caller can start the next job. Returns nil when the
// queue is empty.
func (s *Store) Release(roomID string) *Trigger {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.rooms[roomID]
	if !ok {
		return nil
	}
	if len(st.queue) == 0 {
		st.jobActive = false
		return nil
	}
	next := st.queue[0]
	st.queue = st.queue[1:]
	return next
}

// JobActive reports whether a generation job currently holds the room's lock.
func (s *Store) JobActive(roomID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.rooms[roomID]
	return ok && st.jobActive
}

// Drop removes all state for a room, including any queued triggers. Called
// when the room is deleted from the registry.
func (s *Store) Drop(roomID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rooms, roomID)
}

// ensure returns the room entry, creating it if absent. Must hold mu.
func (s *Store) ensure(roomID string) *state {
	st, ok := s.rooms[roomID]
	if !ok {
		st = &state{history: make([]Message, s.cap)}
		s.rooms[roomID] = st
	}
	return st
}
