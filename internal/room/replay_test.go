package room

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pointdeck/backend/internal/models"
)

func bufferWith(t0 time.Time, depth int, ids ...uint64) *ReplayBuffer {
	b := NewReplayBuffer(depth, 5*time.Minute)
	for _, id := range ids {
		b.Append(models.Event{EventID: id, PublishedAt: t0})
	}
	return b
}

func TestReplaySinceReturnsNewerEvents(t *testing.T) {
	t0 := time.Now()
	b := bufferWith(t0, 1024, 41, 42, 43, 44)

	events, ok := b.Since(42, t0)
	require.True(t, ok)
	require.Len(t, events, 2)
	assert.Equal(t, uint64(43), events[0].EventID)
	assert.Equal(t, uint64(44), events[1].EventID)
}

func TestReplaySinceAtHeadReturnsNothing(t *testing.T) {
	t0 := time.Now()
	b := bufferWith(t0, 1024, 1, 2, 3)

	events, ok := b.Since(3, t0)
	require.True(t, ok)
	assert.Empty(t, events)
}

func TestReplaySinceBelowFloorFailsContinuity(t *testing.T) {
	t0 := time.Now()
	b := bufferWith(t0, 1024, 10, 11, 12)

	_, ok := b.Since(3, t0)
	assert.False(t, ok, "position older than the floor requires a full resync")
}

func TestReplaySinceJustBeforeFloorIsContinuous(t *testing.T) {
	t0 := time.Now()
	b := bufferWith(t0, 1024, 10, 11)

	events, ok := b.Since(9, t0)
	require.True(t, ok)
	assert.Len(t, events, 2)
}

func TestReplayEmptyBufferFailsContinuity(t *testing.T) {
	b := NewReplayBuffer(1024, 5*time.Minute)

	_, ok := b.Since(0, time.Now())
	assert.False(t, ok)
}

func TestReplayDepthEviction(t *testing.T) {
	t0 := time.Now()
	b := NewReplayBuffer(3, 5*time.Minute)
	for id := uint64(1); id <= 5; id++ {
		b.Append(models.Event{EventID: id, PublishedAt: t0})
	}

	assert.Equal(t, 3, b.Len(t0))
	_, ok := b.Since(1, t0)
	assert.False(t, ok, "events 1-2 were evicted by depth")

	events, ok := b.Since(2, t0)
	require.True(t, ok)
	assert.Len(t, events, 3)
}

func TestReplayWindowEviction(t *testing.T) {
	t0 := time.Now()
	b := NewReplayBuffer(1024, 5*time.Minute)
	b.Append(models.Event{EventID: 1, PublishedAt: t0})
	b.Append(models.Event{EventID: 2, PublishedAt: t0.Add(4 * time.Minute)})

	// At t0+6m the first event is outside the 5 minute window.
	now := t0.Add(6 * time.Minute)
	assert.Equal(t, 1, b.Len(now))

	_, ok := b.Since(0, now)
	assert.False(t, ok)

	events, ok := b.Since(1, now)
	require.True(t, ok)
	assert.Len(t, events, 1)
}
