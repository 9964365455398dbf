// ABOUTME: Tests for ordered room broadcast and delivery receipts
// ABOUTME: Covers echo exclusion, recipient counts, archiving, and slow consumers

package relay

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cognilab/cogni-relay/internal/room"
)

type fakeChecker struct {
	rooms map[string]bool
}

func (f *fakeChecker) Exists(roomID string) bool { return f.rooms[roomID] }

type recordingArchiver struct {
	mu    sync.Mutex
	saved []room.Message
}

func (a *recordingArchiver) SaveMessage(_ context.Context, _ string, msg *room.Message) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.saved = append(a.saved, *msg)
	return nil
}

func (a *recordingArchiver) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.saved)
}

func (a *recordingArchiver) first() room.Message {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.saved[0]
}

func newTestRelay(rooms ...string) (*Relay, *room.Store) {
	checker := &fakeChecker{rooms: make(map[string]bool)}
	for _, r := range rooms {
		checker.rooms[r] = true
	}
	store := room.NewStore(50, nil)
	return New(checker, store, nil, nil), store
}

func humanMessage(id, text string) room.Message {
	return room.Message{ID: id, Sender: "alice", UserID: "u1", Text: text, Timestamp: time.Now()}
}

func TestRelay_HumanMessageExcludesOrigin(t *testing.T) {
	r, _ := newTestRelay("general")
	defer r.Close()

	origin := r.Subscribe("general", "c1")
	other := r.Subscribe("general", "c2")

	receipt, err := r.Relay(t.Context(), "general", humanMessage("m1", "hello"), "c1")
	require.NoError(t, err)
	assert.True(t, receipt.Delivered)
	assert.Equal(t, 1, receipt.RecipientCount)

	select {
	case ev := <-other:
		assert.Equal(t, EventMessage, ev.Type)
		assert.Equal(t, "m1", ev.Message.ID)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}

	select {
	case <-origin:
		t.Fatal("origin connection should not receive its own message")
	case <-time.After(100 * time.Millisecond):
		// Expected: no echo
	}
}

func TestRelay_AutomatedMessageReachesEveryone(t *testing.T) {
	r, _ := newTestRelay("general")
	defer r.Close()

	ch1 := r.Subscribe("general", "c1")
	ch2 := r.Subscribe("general", "c2")

	msg := room.Message{ID: "a1", Sender: "Cogni", Text: "answer", Timestamp: time.Now(), Automated: true}
	receipt, err := r.Relay(t.Context(), "general", msg, "c1")
	require.NoError(t, err)
	assert.Equal(t, 2, receipt.RecipientCount)

	for i, ch := range []<-chan *Event{ch1, ch2} {
		select {
		case ev := <-ch:
			assert.Equal(t, "a1", ev.Message.ID, "subscriber %d got wrong event", i)
		case <-time.After(time.Second):
			t.Fatalf("subscriber %d timed out", i)
		}
	}
}

func TestRelay_UnknownRoomReturnsError(t *testing.T) {
	r, store := newTestRelay("general")
	defer r.Close()

	receipt, err := r.Relay(t.Context(), "nowhere", humanMessage("m1", "hi"), "c1")
	assert.ErrorIs(t, err, ErrUnknownRoom)
	assert.False(t, receipt.Delivered)

	// Nothing may be appended for an unknown room.
	assert.Equal(t, 0, store.Len("nowhere"))
}

func TestRelay_AppendsToHistoryBeforeFanout(t *testing.T) {
	r, store := newTestRelay("general")
	defer r.Close()

	_, err := r.Relay(t.Context(), "general", humanMessage("m1", "hello"), "")
	require.NoError(t, err)

	recent := store.Recent("general", 10)
	require.Len(t, recent, 1)
	assert.Equal(t, "m1", recent[0].ID)
}

func TestRelay_ZeroSubscribersStillDelivers(t *testing.T) {
	r, store := newTestRelay("general")
	defer r.Close()

	receipt, err := r.Relay(t.Context(), "general", humanMessage("m1", "into the void"), "")
	require.NoError(t, err)
	assert.True(t, receipt.Delivered)
	assert.Equal(t, 0, receipt.RecipientCount)
	assert.Equal(t, 1, store.Len("general"))
}

func TestRelay_ArchivesNonStatusMessages(t *testing.T) {
	checker := &fakeChecker{rooms: map[string]bool{"general": true}}
	archiver := &recordingArchiver{}
	r := New(checker, room.NewStore(50, nil), archiver, nil)
	defer r.Close()

	_, err := r.Relay(t.Context(), "general", humanMessage("m1", "keep me"), "")
	require.NoError(t, err)

	status := room.Message{ID: "s1", Sender: "Cogni", Text: "Thinking...", Timestamp: time.Now(), Automated: true, Status: true}
	r.PublishStatus("general", StateThinking, status)

	assert.Eventually(t, func() bool { return archiver.count() == 1 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, "m1", archiver.first().ID)
}

func TestRelay_PublishStatusAppendsAndBroadcastsState(t *testing.T) {
	r, store := newTestRelay("general")
	defer r.Close()

	ch := r.Subscribe("general", "c1")

	status := room.Message{ID: "s1", Sender: "Cogni", Text: "Searching for information...", Timestamp: time.Now(), Automated: true, Status: true}
	r.PublishStatus("general", StateSearching, status)

	select {
	case ev := <-ch:
		assert.Equal(t, EventStatus, ev.Type)
		assert.Equal(t, StateSearching, ev.State)
		require.NotNil(t, ev.Message)
		assert.True(t, ev.Message.Status)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for status event")
	}

	// The status entry lands in history so a job's state is visible there,
	// but replay and archival both skip it.
	assert.Equal(t, 1, store.Len("general"))
}

func TestRelay_ConcurrentSendersDeliverInAppendOrder(t *testing.T) {
	r, store := newTestRelay("general")
	defer r.Close()

	ch := r.Subscribe("general", "obs")

	const senders = 3
	const perSender = 10

	var wg sync.WaitGroup
	for s := 0; s < senders; s++ {
		wg.Add(1)
		go func(s int) {
			defer wg.Done()
			for i := 0; i < perSender; i++ {
				id := string(rune('a'+s)) + "-" + string(rune('0'+i))
				_, err := r.Relay(context.Background(), "general", humanMessage(id, "x"), "")
				assert.NoError(t, err)
			}
		}(s)
	}
	wg.Wait()

	// Well under the subscriber buffer, so nothing was dropped and the
	// delivery sequence must match history exactly.
	history := store.Recent("general", senders*perSender)
	require.Len(t, history, senders*perSender)
	for _, want := range history {
		select {
		case ev := <-ch:
			require.Equal(t, EventMessage, ev.Type)
			assert.Equal(t, want.ID, ev.Message.ID)
		case <-time.After(time.Second):
			t.Fatal("fewer events delivered than appended")
		}
	}
}

func TestRelay_SlowConsumerDoesNotBlockPublisher(t *testing.T) {
	r, _ := newTestRelay("general")
	defer r.Close()

	// Never read from this subscription; its buffer fills and overflow drops.
	r.Subscribe("general", "slow")

	done := make(chan struct{})
	go func() {
		for i := 0; i < subscriberBufferSize*2; i++ {
			_, _ = r.Relay(context.Background(), "general", humanMessage("m", "spam"), "")
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publisher blocked on slow consumer")
	}
}

func TestRelay_PublishDeltaReachesAllConnections(t *testing.T) {
	r, store := newTestRelay("general")
	defer r.Close()

	ch := r.Subscribe("general", "c1")

	r.PublishDelta("general", "msg-1", "Hel")
	r.PublishDelta("general", "msg-1", "lo")

	for _, want := range []string{"Hel", "lo"} {
		select {
		case ev := <-ch:
			assert.Equal(t, EventDelta, ev.Type)
			assert.Equal(t, "msg-1", ev.MessageID)
			assert.Equal(t, want, ev.Delta)
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for delta")
		}
	}

	// Deltas never land in history.
	assert.Equal(t, 0, store.Len("general"))
}

func TestRelay_PublishRoster(t *testing.T) {
	r, _ := newTestRelay("general")
	defer r.Close()

	ch := r.Subscribe("general", "c1")

	r.PublishRoster("general", EventJoined, "bob", []string{"alice", "bob"})

	select {
	case ev := <-ch:
		assert.Equal(t, EventJoined, ev.Type)
		assert.Equal(t, "bob", ev.Username)
		assert.Equal(t, []string{"alice", "bob"}, ev.Participants)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for roster event")
	}
}

func TestRelay_UnsubscribeClosesChannel(t *testing.T) {
	r, _ := newTestRelay("general")
	defer r.Close()

	ch := r.Subscribe("general", "c1")
	r.Unsubscribe("general", "c1")

	_, ok := <-ch
	assert.False(t, ok)

	// Double unsubscribe is safe.
	r.Unsubscribe("general", "c1")
}

func TestRelay_ResubscribeReplacesChannel(t *testing.T) {
	r, _ := newTestRelay("general")
	defer r.Close()

	old := r.Subscribe("general", "c1")
	fresh := r.Subscribe("general", "c1")

	_, ok := <-old
	assert.False(t, ok, "old channel should be closed")

	receipt, err := r.Relay(t.Context(), "general", humanMessage("m1", "hi"), "")
	require.NoError(t, err)
	assert.Equal(t, 1, receipt.RecipientCount)

	select {
	case ev := <-fresh:
		assert.Equal(t, "m1", ev.Message.ID)
	case <-time.After(time.Second):
		t.Fatal("timed out on fresh channel")
	}
}
