// Package server is the WebSocket transport for the relay.
//
// # Overview
//
// The server package owns the HTTP listener and the per-connection lifecycle.
// It translates between the JSON wire protocol and the internal room, relay,
// and orchestrator packages. One Server instance serves all rooms.
//
// # Wire Protocol
//
// Every frame is a JSON envelope:
//
//	{"event": "send_message", "ack": "a1", "data": {"text": "hello"}}
//
// Client events:
//
//   - join_room: {roomId, userId?, username?, token?} - join (or switch to) a room
//   - leave_room: {} - leave the current room
//   - send_message: {roomId?, message} - relay a message to the room
//
// Server events:
//
//   - ack: {delivered, timestamp, recipientCount?, error?} - reply to a
//     client event carrying an ack id
//   - receive_message: a full message (live or replayed)
//   - message_delta: {id, delta} - one streamed chunk of an in-flight response
//   - status: {state} - "thinking" or "searching", ahead of the reply
//   - user_joined / user_left: {username, participants} - roster changes
//
// # Connection Lifecycle
//
// Each accepted socket gets a conn with a single writer goroutine (writePump)
// and a read loop. All outbound frames funnel through a bounded channel;
// frames for a hopelessly slow socket are dropped rather than blocking the
// room. Pings keep idle connections alive.
//
// On join the server acks first, then replays recent history (minus ephemeral
// status lines), then broadcasts the roster if a new participant appeared.
// A room with no live history replays from the message archive instead, so
// rejoining an emptied room restores its context.
// A connection belongs to at most one room; joining another leaves the first.
//
// # Auth
//
// When a token verifier is configured, join_room must carry a signed token
// and the identity comes from its claims. Without a verifier, connections are
// anonymous and identity is derived from the supplied username, so multiple
// tabs of the same user count as one participant.
//
// # Endpoints
//
//   - GET /ws - WebSocket upgrade
//   - GET /health - liveness
//   - GET /health/ready - readiness
//   - GET /rooms - directory listing with live participant counts
//
// # Lifecycle
//
//	srv := server.New(addr, deps, logger)
//	err := srv.Run(ctx)
//
// Run blocks until the context is canceled, then shuts down the HTTP server,
// closes the relay, waits for in-flight generation jobs, and closes the
// directory.
package server
