// Package relay fans messages out to room subscribers.
//
// # Overview
//
// The Relay is the single broadcast path for a room: it appends the message
// to the room's in-memory history, archives it, and delivers an event to
// every subscriber. Human messages skip the originating connection; automated
// and system messages reach everyone. Ephemeral status lines are delivered
// but never archived.
//
// # Subscriptions
//
//	events := relay.Subscribe(roomID, connID)
//
// Each subscriber gets a buffered channel. A subscriber that stops draining
// loses events rather than blocking the room. Unsubscribe closes the channel.
//
// Besides full messages the relay publishes deltas (streamed generation
// chunks, never stored) and roster events (joins and leaves).
package relay
