// ABOUTME: Per-connection WebSocket lifecycle: read loop, write pump, event handling
// ABOUTME: One writer goroutine per socket; relay events are forwarded into it

package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/cognilab/cogni-relay/internal/relay"
	"github.com/cognilab/cogni-relay/internal/room"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	maxFrameSize = 64 * 1024

	// outboundBufferSize bounds frames waiting on the socket writer.
	outboundBufferSize = 256
)

// conn is one live WebSocket connection. It belongs to at most one room at a
// time; joining another room leaves the first.
type conn struct {
	id     string
	ws     *websocket.Conn
	server *Server
	logger *slog.Logger

	outbound chan []byte
	done     chan struct{}

	// current room membership, accessed only from the read loop
	roomID   string
	userID   string
	username string
	events   <-chan *relay.Event
	stopFwd  chan struct{}
}

func newConn(ws *websocket.Conn, s *Server) *conn {
	id := uuid.NewString()
	return &conn{
		id:       id,
		ws:       ws,
		server:   s,
		logger:   s.logger.With("conn", id),
		outbound: make(chan []byte, outboundBufferSize),
		done:     make(chan struct{}),
	}
}

// serve runs the connection until the socket closes or the server stops.
func (c *conn) serve(ctx context.Context) {
	go c.writePump()
	c.readLoop(ctx)

	c.leaveRoom(true)
	close(c.done)
	_ = c.ws.Close()
}

// send queues a frame for the writer. Drops the frame if the connection is
// closing or the writer is hopelessly behind.
func (c *conn) send(frame []byte) {
	select {
	case c.outbound <- frame:
	case <-c.done:
	default:
		c.logger.Debug("dropping frame for slow connection")
	}
}

// writePump owns all writes to the socket, including pings.
func (c *conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case frame := <-c.outbound:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

// readLoop parses inbound envelopes and dispatches them.
func (c *conn) readLoop(ctx context.Context) {
	c.ws.SetReadLimit(maxFrameSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debug("connection closed unexpectedly", "error", err)
			}
			return
		}

		var env envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.sendAckError(env.Ack, "malformed frame")
			continue
		}

		switch env.Event {
		case eventJoinRoom:
			c.handleJoin(ctx, env)
		case eventLeaveRoom:
			c.handleLeave(env)
		case eventSendMessage:
			c.handleSend(ctx, env)
		default:
			c.sendAckError(env.Ack, "unknown event: "+env.Event)
		}
	}
}

func (c *conn) handleJoin(ctx context.Context, env envelope) {
	var p joinRoomPayload
	if err := json.Unmarshal(env.Data, &p); err != nil || p.RoomID == "" {
		c.sendAckError(env.Ack, "invalid join_room payload")
		return
	}

	userID, username, err := c.server.identify(p)
	if err != nil {
		c.sendAckError(env.Ack, err.Error())
		return
	}

	// One room per connection: switching rooms leaves the old one first.
	c.leaveRoom(true)

	res := c.server.registry.Join(p.RoomID, userID, username, c.id)
	c.roomID = p.RoomID
	c.userID = userID
	c.username = username

	c.server.recordMembership(ctx, p.RoomID, userID, username)

	c.events = c.server.relay.Subscribe(p.RoomID, c.id)
	c.stopFwd = make(chan struct{})
	go c.forwardEvents(c.events, c.stopFwd)

	// Ack first: the client sees its join confirmed, then the replay, then
	// the roster broadcast.
	c.send(mustEnvelope(eventAck, env.Ack, ackPayload{Delivered: true, Timestamp: time.Now()}))

	c.replayHistory(ctx, p.RoomID)

	if res.IsNewParticipant {
		c.server.relay.PublishRoster(p.RoomID, relay.EventJoined, username, c.server.registry.Usernames(p.RoomID))
	}

	c.logger.Info("joined room", "room", p.RoomID, "username", username)
}

func (c *conn) handleLeave(env envelope) {
	c.leaveRoom(false)
	c.send(mustEnvelope(eventAck, env.Ack, ackPayload{Delivered: true, Timestamp: time.Now()}))
}

func (c *conn) handleSend(ctx context.Context, env envelope) {
	if c.roomID == "" {
		c.sendAckError(env.Ack, "not joined to a room")
		return
	}
	var p sendMessagePayload
	if err := json.Unmarshal(env.Data, &p); err != nil || p.Message == "" {
		c.sendAckError(env.Ack, "invalid send_message payload")
		return
	}
	if p.RoomID != "" && p.RoomID != c.roomID {
		c.sendAckError(env.Ack, "not joined to room "+p.RoomID)
		return
	}

	msg := room.Message{
		ID:        uuid.NewString(),
		Sender:    c.username,
		UserID:    c.userID,
		Text:      p.Message,
		Timestamp: time.Now(),
	}

	receipt, err := c.server.relay.Relay(ctx, c.roomID, msg, c.id)
	if err != nil {
		c.sendAckError(env.Ack, err.Error())
		return
	}
	c.send(mustEnvelope(eventAck, env.Ack, ackPayload{
		Delivered:      receipt.Delivered,
		Timestamp:      receipt.Timestamp,
		RecipientCount: receipt.RecipientCount,
	}))

	c.server.orchestrator.HandleMessage(ctx, c.roomID, msg)
}

// leaveRoom tears down the connection's room membership. silent suppresses
// nothing: roster broadcasts always go out when a participant disappears; the
// flag only marks teardown paths that have no ack to send.
func (c *conn) leaveRoom(silent bool) {
	if c.roomID == "" {
		return
	}
	roomID := c.roomID

	close(c.stopFwd)
	c.server.relay.Unsubscribe(roomID, c.id)

	res := c.server.registry.Leave(c.id)
	if res.ParticipantRemoved && !res.RoomEmptied {
		c.server.relay.PublishRoster(roomID, relay.EventLeft, res.Username, c.server.registry.Usernames(roomID))
	}
	if res.RoomEmptied {
		c.server.rooms.Drop(roomID)
	}

	c.roomID = ""
	c.userID = ""
	c.username = ""
	c.events = nil
	c.stopFwd = nil

	if !silent {
		c.logger.Info("left room", "room", roomID)
	}
}

// forwardEvents translates relay events into wire frames. Runs until the
// subscription channel closes or the membership is torn down.
func (c *conn) forwardEvents(events <-chan *relay.Event, stop chan struct{}) {
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			if frame := encodeEvent(ev); frame != nil {
				c.send(frame)
			}
		case <-stop:
			return
		case <-c.done:
			return
		}
	}
}

// replayHistory pushes the room's recent messages to a freshly joined
// connection. Ephemeral status entries are skipped. A room with no live
// history falls back to the archive, so rejoining an emptied room still
// restores its context.
func (c *conn) replayHistory(ctx context.Context, roomID string) {
	recent := c.server.rooms.Recent(roomID, c.server.historyCap)
	if len(recent) == 0 {
		c.replayArchive(ctx, roomID)
		return
	}
	for _, m := range recent {
		if m.Status {
			continue
		}
		c.send(mustEnvelope(eventReceiveMessage, "", messagePayloadFrom(&m)))
	}
}

// replayArchive replays persisted messages for a room whose in-memory state
// is gone. Best effort: a missing directory or an unknown room just means
// nothing to replay.
func (c *conn) replayArchive(ctx context.Context, roomID string) {
	d := c.server.directory
	if d == nil {
		return
	}
	if _, err := d.GetRoom(ctx, roomID); err != nil {
		return
	}
	msgs, err := d.RecentMessages(ctx, roomID, c.server.historyCap)
	if err != nil {
		c.logger.Warn("failed to load archived messages", "room", roomID, "error", err)
		return
	}
	for _, am := range msgs {
		c.send(mustEnvelope(eventReceiveMessage, "", messagePayload{
			ID:        am.ID,
			Sender:    am.Sender,
			UserID:    am.UserID,
			Message:   am.Content,
			Timestamp: am.CreatedAt,
			Automated: am.Automated,
			System:    am.System,
		}))
	}
}

func (c *conn) sendAckError(ack, msg string) {
	c.send(mustEnvelope(eventAck, ack, ackPayload{Delivered: false, Error: msg}))
}

// encodeEvent maps a relay event to its wire frame. Returns nil for event
// types this transport doesn't surface.
func encodeEvent(ev *relay.Event) []byte {
	switch ev.Type {
	case relay.EventMessage:
		return mustEnvelope(eventReceiveMessage, "", messagePayloadFrom(ev.Message))
	case relay.EventDelta:
		return mustEnvelope(eventMessageDelta, "", deltaPayload{ID: ev.MessageID, Delta: ev.Delta})
	case relay.EventStatus:
		return mustEnvelope(eventStatus, "", statusPayload{State: ev.State})
	case relay.EventJoined:
		return mustEnvelope(eventUserJoined, "", rosterPayload{Username: ev.Username, Participants: ev.Participants})
	case relay.EventLeft:
		return mustEnvelope(eventUserLeft, "", rosterPayload{Username: ev.Username, Participants: ev.Participants})
	}
	return nil
}

func messagePayloadFrom(m *room.Message) messagePayload {
	return messagePayload{
		ID:        m.ID,
		Sender:    m.Sender,
		UserID:    m.UserID,
		Message:   m.Text,
		Timestamp: m.Timestamp,
		Automated: m.Automated,
		System:    m.System,
	}
}
