// ABOUTME: Tests for the per-room history ring and generation lock/queue
// ABOUTME: Covers eviction order, snapshot copies, and FIFO trigger handoff

package room

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func makeMessage(id, text string) Message {
	return Message{ID: id, Sender: "alice", Text: text, Timestamp: time.Now()}
}

func TestStore_AppendAndRecent(t *testing.T) {
	s := NewStore(10, nil)

	s.Append("r1", makeMessage("m1", "first"))
	s.Append("r1", makeMessage("m2", "second"))
	s.Append("r1", makeMessage("m3", "third"))

	recent := s.Recent("r1", 10)
	require.Len(t, recent, 3)
	assert.Equal(t, "m1", recent[0].ID)
	assert.Equal(t, "m3", recent[2].ID)

	// A smaller window returns the newest messages.
	tail := s.Recent("r1", 2)
	require.Len(t, tail, 2)
	assert.Equal(t, "m2", tail[0].ID)
	assert.Equal(t, "m3", tail[1].ID)
}

func TestStore_RingEvictsOldest(t *testing.T) {
	s := NewStore(3, nil)

	for i := 1; i <= 5; i++ {
		s.Append("r1", makeMessage(fmt.Sprintf("m%d", i), "text"))
	}

	recent := s.Recent("r1", 10)
	require.Len(t, recent, 3)
	assert.Equal(t, "m3", recent[0].ID)
	assert.Equal(t, "m4", recent[1].ID)
	assert.Equal(t, "m5", recent[2].ID)
	assert.Equal(t, 3, s.Len("r1"))
}

func TestStore_RecentReturnsCopy(t *testing.T) {
	s := NewStore(5, nil)
	s.Append("r1", makeMessage("m1", "original"))

	snapshot := s.Recent("r1", 5)
	require.Len(t, snapshot, 1)

	// Later appends must not show through the snapshot.
	for i := 0; i < 10; i++ {
		s.Append("r1", makeMessage(fmt.Sprintf("later-%d", i), "noise"))
	}
	assert.Equal(t, "m1", snapshot[0].ID)
	assert.Equal(t, "original", snapshot[0].Text)
}

func TestStore_RecentUnknownRoom(t *testing.T) {
	s := NewStore(5, nil)
	assert.Nil(t, s.Recent("nope", 5))
	assert.Equal(t, 0, s.Len("nope"))
}

func TestStore_TryAcquireJobTakesLock(t *testing.T) {
	s := NewStore(5, nil)

	ok := s.TryAcquireJob("r1", &Trigger{Message: makeMessage("m1", "hi")})
	require.True(t, ok)
	assert.True(t, s.JobActive("r1"))

	next := s.Release("r1")
	assert.Nil(t, next)
	assert.False(t, s.JobActive("r1"))
}

func TestStore_SecondAcquireQueuesFIFO(t *testing.T) {
	s := NewStore(5, nil)

	require.True(t, s.TryAcquireJob("r1", &Trigger{Message: makeMessage("m1", "first")}))
	assert.False(t, s.TryAcquireJob("r1", &Trigger{Message: makeMessage("m2", "second")}))
	assert.False(t, s.TryAcquireJob("r1", &Trigger{Message: makeMessage("m3", "third")}))

	// Release hands the lock straight to the queue head.
	next := s.Release("r1")
	require.NotNil(t, next)
	assert.Equal(t, "m2", next.Message.ID)
	assert.True(t, s.JobActive("r1"))

	next = s.Release("r1")
	require.NotNil(t, next)
	assert.Equal(t, "m3", next.Message.ID)

	assert.Nil(t, s.Release("r1"))
	assert.False(t, s.JobActive("r1"))
}

func TestStore_QueuedTriggerKeepsEnqueueTimeHistory(t *testing.T) {
	s := NewStore(10, nil)

	s.Append("r1", makeMessage("m1", "first"))
	require.True(t, s.TryAcquireJob("r1", &Trigger{
		Message: makeMessage("m1", "first"),
		History: s.Recent("r1", 10),
	}))

	s.Append("r1", makeMessage("m2", "second"))
	queued := &Trigger{
		Message: makeMessage("m2", "second"),
		History: s.Recent("r1", 10),
	}
	require.False(t, s.TryAcquireJob("r1", queued))

	// More messages land while the first job runs.
	s.Append("r1", makeMessage("m3", "third"))

	next := s.Release("r1")
	require.NotNil(t, next)
	require.Len(t, next.History, 2)
	assert.Equal(t, "m2", next.History[1].ID)
}

func TestStore_DropClearsEverything(t *testing.T) {
	s := NewStore(5, nil)

	s.Append("r1", makeMessage("m1", "hi"))
	require.True(t, s.TryAcquireJob("r1", &Trigger{Message: makeMessage("m1", "hi")}))
	require.False(t, s.TryAcquireJob("r1", &Trigger{Message: makeMessage("m2", "queued")}))

	s.Drop("r1")

	assert.Equal(t, 0, s.Len("r1"))
	assert.False(t, s.JobActive("r1"))
	assert.Nil(t, s.Release("r1"))
}

func TestStore_RoomsAreIsolated(t *testing.T) {
	s := NewStore(5, nil)

	require.True(t, s.TryAcquireJob("r1", &Trigger{Message: makeMessage("m1", "hi")}))
	require.True(t, s.TryAcquireJob("r2", &Trigger{Message: makeMessage("m2", "yo")}))

	s.Append("r1", makeMessage("m1", "hi"))
	assert.Equal(t, 1, s.Len("r1"))
	assert.Equal(t, 0, s.Len("r2"))
}
