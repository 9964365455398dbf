// ABOUTME: Message and Trigger types shared by the relay and orchestration layers
// ABOUTME: Messages are append-only; ephemeral status entries are distinct messages

package room

import "time"

// Message is a single entry in a room's history. Messages are appended only
// and never mutated; an ephemeral "thinking"/"searching" status entry is a
// distinct message superseded by the final answer, not edited into it.
type Message struct {
	ID        string
	Sender    string // display label shown to the room
	UserID    string // empty for automated and system messages
	Text      string
	Timestamp time.Time
	Automated bool // produced by the assistant
	System    bool // join/leave notices
	Status    bool // ephemeral status entry, excluded from prompts and archive
}

// Trigger is a pending generation request for a room. History is the room
// history as it stood when the trigger was enqueued, so queued triggers are
// evaluated against the context their message arrived in.
type Trigger struct {
	Message    Message
	History    []Message
	EnqueuedAt time.Time
}
