package admission

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestQueues(t *testing.T, maxSize int) (*Queues, *time.Time) {
	t.Helper()
	qs := NewQueues(maxSize, 5*time.Minute)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	qs.SetClock(func() time.Time { return now })
	return qs, &now
}

func TestEnqueueOrdering(t *testing.T) {
	qs, now := newTestQueues(t, 10)

	pos, depth, ok := qs.Enqueue("inst", "alice", "u1")
	require.True(t, ok)
	assert.Equal(t, 0, pos)
	assert.Equal(t, 1, depth)

	*now = now.Add(time.Second)
	pos, depth, ok = qs.Enqueue("inst", "bob", "u2")
	require.True(t, ok)
	assert.Equal(t, 1, pos)
	assert.Equal(t, 2, depth)

	head := qs.Peek("inst")
	require.NotNil(t, head)
	assert.Equal(t, "alice", head.CharacterID)
	assert.NotEmpty(t, head.AttemptID)
}

func TestEnqueueTiesBreakOnCharacterID(t *testing.T) {
	qs, _ := newTestQueues(t, 10)
	qs.Enqueue("inst", "zed", "u1")
	qs.Enqueue("inst", "amy", "u2")

	// Same enqueue instant, lexically smaller character first.
	assert.Equal(t, 0, qs.PositionOf("inst", "amy"))
	assert.Equal(t, 1, qs.PositionOf("inst", "zed"))
}

func TestEnqueueIsIdempotent(t *testing.T) {
	qs, now := newTestQueues(t, 10)
	qs.Enqueue("inst", "alice", "u1")
	*now = now.Add(time.Second)
	qs.Enqueue("inst", "bob", "u2")

	pos, depth, ok := qs.Enqueue("inst", "alice", "u1")
	require.True(t, ok)
	assert.Equal(t, 0, pos, "re-enqueue keeps the original position")
	assert.Equal(t, 2, depth)
}

func TestEnqueueFull(t *testing.T) {
	qs, _ := newTestQueues(t, 2)
	qs.Enqueue("inst", "a", "u1")
	qs.Enqueue("inst", "b", "u2")

	_, depth, ok := qs.Enqueue("inst", "c", "u3")
	assert.False(t, ok)
	assert.Equal(t, 2, depth)

	// A full queue still accepts re-checks from queued characters.
	_, _, ok = qs.Enqueue("inst", "a", "u1")
	assert.True(t, ok)
}

func TestDequeueHead(t *testing.T) {
	qs, now := newTestQueues(t, 10)
	assert.Nil(t, qs.DequeueHead("inst"))

	qs.Enqueue("inst", "alice", "u1")
	*now = now.Add(time.Second)
	qs.Enqueue("inst", "bob", "u2")

	e := qs.DequeueHead("inst")
	require.NotNil(t, e)
	assert.Equal(t, "alice", e.CharacterID)
	assert.Equal(t, 0, qs.PositionOf("inst", "bob"))
	assert.Equal(t, -1, qs.PositionOf("inst", "alice"))
}

func TestRemoveEverywhere(t *testing.T) {
	qs, _ := newTestQueues(t, 10)
	qs.Enqueue("inst-1", "alice", "u1")
	qs.Enqueue("inst-2", "alice", "u1")
	qs.Enqueue("inst-2", "bob", "u2")

	require.True(t, qs.IsQueued("alice"))
	qs.RemoveEverywhere("alice")
	assert.False(t, qs.IsQueued("alice"))
	assert.Equal(t, 0, qs.Depth("inst-1"))
	assert.Equal(t, 1, qs.Depth("inst-2"))
}

func TestReapExpired(t *testing.T) {
	qs, now := newTestQueues(t, 10)
	qs.Enqueue("inst", "old", "u1")
	*now = now.Add(3 * time.Minute)
	qs.Enqueue("inst", "fresh", "u2")

	*now = now.Add(3 * time.Minute)
	assert.Equal(t, 1, qs.ReapExpired())
	assert.Equal(t, -1, qs.PositionOf("inst", "old"))
	assert.Equal(t, 0, qs.PositionOf("inst", "fresh"))
}
