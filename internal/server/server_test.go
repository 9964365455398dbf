// ABOUTME: WebSocket protocol tests against an in-process server
// ABOUTME: Covers join/roster flow, message relay acks, replay, and auth

package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cognilab/cogni-relay/internal/auth"
	"github.com/cognilab/cogni-relay/internal/decision"
	"github.com/cognilab/cogni-relay/internal/orchestrator"
	"github.com/cognilab/cogni-relay/internal/persona"
	"github.com/cognilab/cogni-relay/internal/registry"
	"github.com/cognilab/cogni-relay/internal/relay"
	"github.com/cognilab/cogni-relay/internal/room"
	"github.com/cognilab/cogni-relay/internal/search"
	"github.com/cognilab/cogni-relay/internal/store"
	"github.com/cognilab/cogni-relay/internal/taskrouter"
)

// declineAll keeps the assistant quiet so roster/relay assertions stay clean.
type declineAll struct{}

func (declineAll) ShouldRespond(_ context.Context, _ string, _ []room.Message) (decision.Verdict, error) {
	return decision.Verdict{Respond: false, Confidence: 100, Reasoning: "test"}, nil
}

func newTestServer(t *testing.T, verifier auth.TokenVerifier, dir store.Directory) (*Server, *httptest.Server) {
	t.Helper()

	reg := registry.New(nil)
	rooms := room.NewStore(50, nil)
	rel := relay.New(reg, rooms, dir, nil)
	t.Cleanup(rel.Close)

	orch := orchestrator.New(reg, rooms, rel,
		decision.NewEngine("Quietbot", declineAll{}, nil),
		taskrouter.New(nil, nil),
		search.NewAugmenter(nil, 3, "basic", nil),
		nil,
		orchestrator.Config{Persona: &persona.Persona{Name: "Quietbot"}},
		nil)

	s := New("localhost:0", Deps{
		Registry:     reg,
		Rooms:        rooms,
		Relay:        rel,
		Orchestrator: orch,
		Directory:    dir,
		Verifier:     verifier,
		HistoryCap:   50,
	}, nil)

	srv := httptest.NewServer(http.HandlerFunc(s.handleWS))
	t.Cleanup(srv.Close)
	return s, srv
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

func sendEvent(t *testing.T, ws *websocket.Conn, event, ack string, payload any) {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	frame, err := json.Marshal(envelope{Event: event, Ack: ack, Data: data})
	require.NoError(t, err)
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, frame))
}

// readEvent reads frames until one matches the wanted event name.
func readEvent(t *testing.T, ws *websocket.Conn, want string) envelope {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	require.NoError(t, ws.SetReadDeadline(deadline))
	for {
		_, data, err := ws.ReadMessage()
		require.NoError(t, err, "waiting for %q", want)

		var env envelope
		require.NoError(t, json.Unmarshal(data, &env))
		if env.Event == want {
			return env
		}
	}
}

func join(t *testing.T, ws *websocket.Conn, roomID, username string) {
	t.Helper()
	sendEvent(t, ws, eventJoinRoom, "j1", joinRoomPayload{RoomID: roomID, Username: username})
	env := readEvent(t, ws, eventAck)
	var ack ackPayload
	require.NoError(t, json.Unmarshal(env.Data, &ack))
	require.True(t, ack.Delivered, "join failed: %s", ack.Error)
}

func TestServer_JoinBroadcastsRoster(t *testing.T) {
	_, srv := newTestServer(t, nil, nil)

	alice := dial(t, srv)
	join(t, alice, "general", "alice")

	// Alice sees her own user_joined event.
	env := readEvent(t, alice, eventUserJoined)
	var roster rosterPayload
	require.NoError(t, json.Unmarshal(env.Data, &roster))
	assert.Equal(t, "alice", roster.Username)
	assert.Equal(t, []string{"alice"}, roster.Participants)

	bob := dial(t, srv)
	join(t, bob, "general", "bob")

	env = readEvent(t, alice, eventUserJoined)
	require.NoError(t, json.Unmarshal(env.Data, &roster))
	assert.Equal(t, "bob", roster.Username)
	assert.ElementsMatch(t, []string{"alice", "bob"}, roster.Participants)
}

func TestServer_SecondTabDoesNotRebroadcastJoin(t *testing.T) {
	s, srv := newTestServer(t, nil, nil)

	tab1 := dial(t, srv)
	join(t, tab1, "general", "alice")
	readEvent(t, tab1, eventUserJoined)

	tab2 := dial(t, srv)
	join(t, tab2, "general", "alice")

	// No second user_joined lands on tab1; verify via registry state and a
	// quiet read window.
	_ = tab1.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	_, data, err := tab1.ReadMessage()
	if err == nil {
		var env envelope
		require.NoError(t, json.Unmarshal(data, &env))
		assert.NotEqual(t, eventUserJoined, env.Event, "second tab must not rebroadcast user_joined")
	}

	ps := s.registry.Participants("general")
	require.Len(t, ps, 1)
	assert.Equal(t, 2, ps[0].Connections)
}

func TestServer_SendMessageAckAndNoEcho(t *testing.T) {
	_, srv := newTestServer(t, nil, nil)

	alice := dial(t, srv)
	join(t, alice, "general", "alice")
	bob := dial(t, srv)
	join(t, bob, "general", "bob")
	readEvent(t, bob, eventUserJoined)

	sendEvent(t, bob, eventSendMessage, "m1", sendMessagePayload{Message: "hello room"})

	env := readEvent(t, bob, eventAck)
	assert.Equal(t, "m1", env.Ack)
	var ack ackPayload
	require.NoError(t, json.Unmarshal(env.Data, &ack))
	assert.True(t, ack.Delivered)
	assert.Equal(t, 1, ack.RecipientCount)
	assert.False(t, ack.Timestamp.IsZero())

	// Alice receives it; bob must not get his own message back.
	env = readEvent(t, alice, eventReceiveMessage)
	var msg messagePayload
	require.NoError(t, json.Unmarshal(env.Data, &msg))
	assert.Equal(t, "bob", msg.Sender)
	assert.Equal(t, "hello room", msg.Message)

	// Bob may see assistant traffic, but never his own message back.
	deadline := time.Now().Add(300 * time.Millisecond)
	for time.Now().Before(deadline) {
		_ = bob.SetReadDeadline(deadline)
		_, data, err := bob.ReadMessage()
		if err != nil {
			break
		}
		var echoed envelope
		require.NoError(t, json.Unmarshal(data, &echoed))
		if echoed.Event != eventReceiveMessage {
			continue
		}
		var m messagePayload
		require.NoError(t, json.Unmarshal(echoed.Data, &m))
		assert.NotEqual(t, "bob", m.Sender, "sender must not receive an echo")
	}
}

func TestServer_StatusPrecedesAssistantReply(t *testing.T) {
	_, srv := newTestServer(t, nil, nil)

	alice := dial(t, srv)
	join(t, alice, "lab", "alice")

	// First message in an empty room always draws a reply; with no
	// generator configured that reply is the apology, preceded by a
	// thinking status frame.
	sendEvent(t, alice, eventSendMessage, "m1", sendMessagePayload{Message: "hello?"})

	env := readEvent(t, alice, eventStatus)
	var status statusPayload
	require.NoError(t, json.Unmarshal(env.Data, &status))
	assert.Equal(t, "thinking", status.State)

	env = readEvent(t, alice, eventReceiveMessage)
	var msg messagePayload
	require.NoError(t, json.Unmarshal(env.Data, &msg))
	assert.Equal(t, "Quietbot", msg.Sender)
	assert.True(t, msg.Automated)
}

func TestServer_SendToOtherRoomRejected(t *testing.T) {
	_, srv := newTestServer(t, nil, nil)

	ws := dial(t, srv)
	join(t, ws, "general", "alice")
	sendEvent(t, ws, eventSendMessage, "m1", sendMessagePayload{RoomID: "other", Message: "hi"})

	env := readEvent(t, ws, eventAck)
	var ack ackPayload
	require.NoError(t, json.Unmarshal(env.Data, &ack))
	assert.False(t, ack.Delivered)
	assert.Contains(t, ack.Error, "not joined")
}

func TestServer_SendWithoutJoinFails(t *testing.T) {
	_, srv := newTestServer(t, nil, nil)

	ws := dial(t, srv)
	sendEvent(t, ws, eventSendMessage, "m1", sendMessagePayload{Message: "hi"})

	env := readEvent(t, ws, eventAck)
	var ack ackPayload
	require.NoError(t, json.Unmarshal(env.Data, &ack))
	assert.False(t, ack.Delivered)
	assert.Contains(t, ack.Error, "not joined")
}

func TestServer_HistoryReplayOnJoin(t *testing.T) {
	_, srv := newTestServer(t, nil, nil)

	alice := dial(t, srv)
	join(t, alice, "general", "alice")
	sendEvent(t, alice, eventSendMessage, "m1", sendMessagePayload{Message: "first"})
	readEvent(t, alice, eventAck)
	sendEvent(t, alice, eventSendMessage, "m2", sendMessagePayload{Message: "second"})
	readEvent(t, alice, eventAck)

	bob := dial(t, srv)
	join(t, bob, "general", "bob")

	// Replay preserves order; assistant messages may be interleaved.
	var human []string
	for len(human) < 2 {
		env := readEvent(t, bob, eventReceiveMessage)
		var msg messagePayload
		require.NoError(t, json.Unmarshal(env.Data, &msg))
		if msg.Automated {
			continue
		}
		human = append(human, msg.Message)
	}
	assert.Equal(t, []string{"first", "second"}, human)
}

func newTestDirectory(t *testing.T) *store.SQLiteDirectory {
	t.Helper()
	d, err := store.NewSQLiteDirectory(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })
	return d
}

func TestServer_ArchiveReplayAfterRoomEmptied(t *testing.T) {
	dir := newTestDirectory(t)
	s, srv := newTestServer(t, nil, dir)

	alice := dial(t, srv)
	join(t, alice, "general", "alice")
	sendEvent(t, alice, eventSendMessage, "m1", sendMessagePayload{Message: "for the record"})
	readEvent(t, alice, eventAck)

	// Archiving is asynchronous; wait for the row before emptying the room.
	require.Eventually(t, func() bool {
		msgs, err := dir.RecentMessages(t.Context(), "general", 10)
		return err == nil && len(msgs) >= 1
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, alice.Close())
	require.Eventually(t, func() bool {
		return !s.registry.Exists("general") && s.rooms.Len("general") == 0
	}, time.Second, 10*time.Millisecond)

	// A later join finds no live history and replays from the archive.
	bob := dial(t, srv)
	join(t, bob, "general", "bob")

	env := readEvent(t, bob, eventReceiveMessage)
	var msg messagePayload
	require.NoError(t, json.Unmarshal(env.Data, &msg))
	assert.Equal(t, "alice", msg.Sender)
	assert.Equal(t, "for the record", msg.Message)
}

func TestServer_RoomsEndpoint(t *testing.T) {
	dir := newTestDirectory(t)
	s, srv := newTestServer(t, nil, dir)

	alice := dial(t, srv)
	join(t, alice, "general", "alice")

	rec := httptest.NewRecorder()
	s.handleRooms(rec, httptest.NewRequest(http.MethodGet, "/rooms", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var rooms []roomSummary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &rooms))
	require.Len(t, rooms, 1)
	assert.Equal(t, "general", rooms[0].ID)
	assert.Equal(t, []string{"alice"}, rooms[0].Members)
	assert.Equal(t, 1, rooms[0].Participants)
}

func TestServer_RoomsEndpointWithoutDirectory(t *testing.T) {
	s, _ := newTestServer(t, nil, nil)

	rec := httptest.NewRecorder()
	s.handleRooms(rec, httptest.NewRequest(http.MethodGet, "/rooms", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_DisconnectBroadcastsLeave(t *testing.T) {
	s, srv := newTestServer(t, nil, nil)

	alice := dial(t, srv)
	join(t, alice, "general", "alice")
	bob := dial(t, srv)
	join(t, bob, "general", "bob")

	require.NoError(t, bob.Close())

	env := readEvent(t, alice, eventUserLeft)
	var roster rosterPayload
	require.NoError(t, json.Unmarshal(env.Data, &roster))
	assert.Equal(t, "bob", roster.Username)
	assert.Equal(t, []string{"alice"}, roster.Participants)

	assert.Eventually(t, func() bool {
		ps := s.registry.Participants("general")
		return len(ps) == 1
	}, time.Second, 10*time.Millisecond)
}

func TestServer_LastLeaveDropsRoomState(t *testing.T) {
	s, srv := newTestServer(t, nil, nil)

	alice := dial(t, srv)
	join(t, alice, "general", "alice")
	sendEvent(t, alice, eventSendMessage, "m1", sendMessagePayload{Message: "hi"})
	readEvent(t, alice, eventAck)

	require.NoError(t, alice.Close())

	assert.Eventually(t, func() bool {
		return !s.registry.Exists("general") && s.rooms.Len("general") == 0
	}, time.Second, 10*time.Millisecond)
}

func TestServer_JoinWithValidToken(t *testing.T) {
	verifier := auth.NewJWTVerifier([]byte("test-secret"))
	_, srv := newTestServer(t, verifier, nil)

	token, err := verifier.Generate(auth.Identity{UserID: "u1", Username: "alice"}, time.Hour)
	require.NoError(t, err)

	ws := dial(t, srv)
	sendEvent(t, ws, eventJoinRoom, "j1", joinRoomPayload{RoomID: "general", Token: token})
	env := readEvent(t, ws, eventAck)
	var ack ackPayload
	require.NoError(t, json.Unmarshal(env.Data, &ack))
	assert.True(t, ack.Delivered)

	joined := readEvent(t, ws, eventUserJoined)
	var roster rosterPayload
	require.NoError(t, json.Unmarshal(joined.Data, &roster))
	assert.Equal(t, "alice", roster.Username)
}

func TestServer_JoinWithBadTokenRejected(t *testing.T) {
	_, srv := newTestServer(t, auth.NewJWTVerifier([]byte("test-secret")), nil)

	ws := dial(t, srv)
	sendEvent(t, ws, eventJoinRoom, "j1", joinRoomPayload{RoomID: "general", Token: "garbage"})

	env := readEvent(t, ws, eventAck)
	var ack ackPayload
	require.NoError(t, json.Unmarshal(env.Data, &ack))
	assert.False(t, ack.Delivered)
	assert.Contains(t, ack.Error, "authentication failed")
}

func TestServer_UnknownEventGetsErrorAck(t *testing.T) {
	_, srv := newTestServer(t, nil, nil)

	ws := dial(t, srv)
	sendEvent(t, ws, "dance", "x1", struct{}{})

	env := readEvent(t, ws, eventAck)
	var ack ackPayload
	require.NoError(t, json.Unmarshal(env.Data, &ack))
	assert.False(t, ack.Delivered)
	assert.Contains(t, ack.Error, "unknown event")
}

func TestServer_HealthEndpoints(t *testing.T) {
	s, _ := newTestServer(t, nil, nil)

	rec := httptest.NewRecorder()
	s.handleHealth(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	s.handleReady(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "rooms")
}
