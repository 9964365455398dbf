// ABOUTME: Ordered room broadcast with delivery receipts
// ABOUTME: Appends to room history first, then fans out to subscriber connections

package relay

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/cognilab/cogni-relay/internal/room"
)

// ErrUnknownRoom is returned when relaying to a room that is not in the
// registry. Reported via the sender's ack; never fatal.
var ErrUnknownRoom = errors.New("unknown room")

const (
	// subscriberBufferSize is the channel buffer for each connection.
	subscriberBufferSize = 64

	// archiveTimeout bounds background archive writes so persistence
	// survives the triggering request's context.
	archiveTimeout = 5 * time.Second
)

// EventType discriminates relay events on the wire-agnostic contract.
type EventType int

const (
	// EventMessage carries a complete room message (human, system,
	// automated, or ephemeral status).
	EventMessage EventType = iota
	// EventDelta carries one streaming text increment of an in-progress
	// automated message, correlated by MessageID.
	EventDelta
	// EventJoined and EventLeft carry roster changes.
	EventJoined
	EventLeft
	// EventStatus signals the assistant's pipeline state (thinking or
	// searching) ahead of its final message.
	EventStatus
)

// Status states published while a generation job is in flight.
const (
	StateThinking  = "thinking"
	StateSearching = "searching"
)

// Event is one item delivered to a subscribed connection.
type Event struct {
	Type    EventType
	Message *room.Message

	// Delta fields (EventDelta).
	MessageID string
	Delta     string

	// Roster fields (EventJoined/EventLeft).
	Username     string
	Participants []string

	// State field (EventStatus).
	State string
}

// Receipt acknowledges a relayed message back to its sender.
type Receipt struct {
	Delivered      bool
	Timestamp      time.Time
	RecipientCount int
}

// RoomChecker is what the relay needs from the connection registry.
type RoomChecker interface {
	Exists(roomID string) bool
}

// Archiver persists non-ephemeral messages. Implementations must tolerate
// being called concurrently; failures are logged and never block delivery.
type Archiver interface {
	SaveMessage(ctx context.Context, roomID string, msg *room.Message) error
}

// Relay performs ordered broadcast within a room. A message is appended to
// the room's history before fan-out, so every subscriber observes messages
// in append order. Slow subscribers drop events rather than block the room.
type Relay struct {
	mu          sync.RWMutex
	subscribers map[string]map[string]chan *Event // roomID -> connID -> ch

	registry RoomChecker
	rooms    *room.Store
	archiver Archiver // optional
	logger   *slog.Logger
}

// New creates a relay. archiver may be nil. Pass nil logger for default.
func New(reg RoomChecker, rooms *room.Store, archiver Archiver, logger *slog.Logger) *Relay {
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{
		subscribers: make(map[string]map[string]chan *Event),
		registry:    reg,
		rooms:       rooms,
		archiver:    archiver,
		logger:      logger.With("component", "relay"),
	}
}

// Subscribe registers a connection for events in a room and returns its
// delivery channel. One subscription per connection per room; resubscribing
// replaces the previous channel.
func (r *Relay) Subscribe(roomID, connID string) <-chan *Event {
	r.mu.Lock()
	defer r.mu.Unlock()

	subs, ok := r.subscribers[roomID]
	if !ok {
		subs = make(map[string]chan *Event)
		r.subscribers[roomID] = subs
	}
	if old, ok := subs[connID]; ok {
		close(old)
	}
	ch := make(chan *Event, subscriberBufferSize)
	subs[connID] = ch
	return ch
}

// Unsubscribe removes a connection's subscription and closes its channel.
// Unknown IDs are a no-op.
func (r *Relay) Unsubscribe(roomID, connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	subs, ok := r.subscribers[roomID]
	if !ok {
		return
	}
	ch, ok := subs[connID]
	if !ok {
		return
	}
	delete(subs, connID)
	close(ch)
	if len(subs) == 0 {
		delete(r.subscribers, roomID)
	}
}

// Relay appends a message to the room's history and broadcasts it. For
// human-authored messages the originating connection is excluded (no echo);
// automated, system, and status messages reach every connection including
// the origin. Returns ErrUnknownRoom if the room is not in the registry.
//
// Append and fan-out happen under one lock, so concurrent senders reach
// subscribers in the order their messages landed in history.
func (r *Relay) Relay(ctx context.Context, roomID string, msg room.Message, originConnID string) (Receipt, error) {
	if !r.registry.Exists(roomID) {
		return Receipt{Timestamp: msg.Timestamp}, ErrUnknownRoom
	}

	exclude := originConnID
	if msg.Automated || msg.System {
		exclude = ""
	}
	m := msg

	r.mu.Lock()
	r.rooms.Append(roomID, msg)
	n := r.publishLocked(roomID, &Event{Type: EventMessage, Message: &m}, exclude)
	r.mu.Unlock()

	if r.archiver != nil && !msg.Status {
		go r.archive(roomID, msg)
	}

	return Receipt{Delivered: true, Timestamp: msg.Timestamp, RecipientCount: n}, nil
}

// PublishDelta broadcasts one streaming increment of an in-progress message
// to every connection in the room. Deltas are not appended to history; the
// final message carries the full text.
func (r *Relay) PublishDelta(roomID, messageID, delta string) {
	r.publish(roomID, &Event{Type: EventDelta, MessageID: messageID, Delta: delta}, "")
}

// PublishStatus appends an ephemeral status entry to the room's history and
// broadcasts the pipeline state to every connection. Status entries are never
// archived; they are superseded by the final message, not edited into it.
func (r *Relay) PublishStatus(roomID, state string, msg room.Message) {
	if !r.registry.Exists(roomID) {
		return
	}
	m := msg
	r.mu.Lock()
	r.rooms.Append(roomID, msg)
	r.publishLocked(roomID, &Event{Type: EventStatus, State: state, Message: &m}, "")
	r.mu.Unlock()
}

// PublishRoster broadcasts a user_joined/user_left roster event to every
// connection in the room.
func (r *Relay) PublishRoster(roomID string, evType EventType, username string, participants []string) {
	r.publish(roomID, &Event{
		Type:         evType,
		Username:     username,
		Participants: participants,
	}, "")
}

// publish fans an event out to the room's subscribers under the relay lock.
func (r *Relay) publish(roomID string, ev *Event, excludeConn string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.publishLocked(roomID, ev, excludeConn)
}

// publishLocked fans an event out to the room's subscribers, skipping
// excludeConn when non-empty. Returns the number of connections the event
// was handed to. Non-blocking: events are dropped for subscribers whose
// channels are full, so holding the lock here never stalls on a slow reader.
func (r *Relay) publishLocked(roomID string, ev *Event, excludeConn string) int {
	subs, ok := r.subscribers[roomID]
	if !ok || len(subs) == 0 {
		return 0
	}

	delivered := 0
	for id, ch := range subs {
		if excludeConn != "" && id == excludeConn {
			continue
		}
		select {
		case ch <- ev:
			delivered++
		default:
			r.logger.Debug("dropped event for slow connection", "room", roomID)
		}
	}
	return delivered
}

// archive writes a message with its own timeout context so persistence
// continues even if the request context is cancelled.
func (r *Relay) archive(roomID string, msg room.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), archiveTimeout)
	defer cancel()

	if err := r.archiver.SaveMessage(ctx, roomID, &msg); err != nil {
		r.logger.Error("failed to archive message",
			"error", err,
			"room", roomID,
			"message_id", msg.ID)
	}
}

// Close closes all subscriber channels.
func (r *Relay) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for roomID, subs := range r.subscribers {
		for connID, ch := range subs {
			close(ch)
			delete(subs, connID)
		}
		delete(r.subscribers, roomID)
	}
}
