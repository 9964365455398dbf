// ABOUTME: Wire-level envelope and payload types for the WebSocket protocol
// ABOUTME: Client events carry an optional ack ID echoed back in the reply

package server

import (
	"encoding/json"
	"time"
)

// Client-to-server event names.
const (
	eventJoinRoom    = "join_room"
	eventLeaveRoom   = "leave_room"
	eventSendMessage = "send_message"
)

// Server-to-client event names.
const (
	eventUserJoined     = "user_joined"
	eventUserLeft       = "user_left"
	eventReceiveMessage = "receive_message"
	eventMessageDelta   = "message_delta"
	eventStatus         = "status"
	eventAck            = "ack"
)

// envelope is the frame wrapper in both directions. Ack, when set on a
// client frame, is echoed on the corresponding ack frame.
type envelope struct {
	Event string          `json:"event"`
	Ack   string          `json:"ack,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// joinRoomPayload is the client's join_room request. UserID is honored only
// in anonymous mode; with a verifier configured, identity comes from Token.
type joinRoomPayload struct {
	RoomID   string `json:"roomId"`
	UserID   string `json:"userId,omitempty"`
	Username string `json:"username"`
	Token    string `json:"token,omitempty"`
}

// sendMessagePayload is the client's send_message request. RoomID, when
// present, must name the room the connection has joined; sender identity is
// always taken from the connection, never from the payload.
type sendMessagePayload struct {
	RoomID  string `json:"roomId,omitempty"`
	Message string `json:"message"`
}

// ackPayload acknowledges a client event. RecipientCount is how many other
// connections the message was handed to.
type ackPayload struct {
	Delivered      bool      `json:"delivered"`
	Timestamp      time.Time `json:"timestamp,omitempty"`
	RecipientCount int       `json:"recipientCount,omitempty"`
	Error          string    `json:"error,omitempty"`
}

// messagePayload is a complete room message pushed to clients. ID correlates
// the final message with any message_delta frames that preceded it.
type messagePayload struct {
	ID        string    `json:"id"`
	Sender    string    `json:"sender"`
	UserID    string    `json:"userId,omitempty"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
	Automated bool      `json:"isAutomated,omitempty"`
	System    bool      `json:"isSystem,omitempty"`
}

// deltaPayload is one streaming increment of an in-progress message.
type deltaPayload struct {
	ID    string `json:"id"`
	Delta string `json:"delta"`
}

// statusPayload signals the assistant pipeline state ahead of its reply.
type statusPayload struct {
	State string `json:"state"`
}

// rosterPayload announces a participant joining or leaving.
type rosterPayload struct {
	Username     string   `json:"username"`
	Participants []string `json:"participants"`
}

// mustEnvelope marshals an event into an outbound frame. Payload types are
// all locally defined, so marshaling cannot fail.
func mustEnvelope(event, ack string, payload any) []byte {
	data, _ := json.Marshal(payload)
	frame, _ := json.Marshal(envelope{Event: event, Ack: ack, Data: data})
	return frame
}
