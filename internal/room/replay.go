package room

import (
	"time"

	"github.com/pointdeck/backend/internal/models"
)

// ReplayBuffer is a per-room ring of recent broadcasts keyed by event id,
// used to serve reconnection catch-up without involving the store. It
// retains at most depth events and at most window of history, whichever is
// smaller. Only the owning actor goroutine touches it, so it is unlocked.
type ReplayBuffer struct {
	depth  int
	window time.Duration
	events []models.Event
}

// NewReplayBuffer creates a buffer bounded by depth events and window time.
func NewReplayBuffer(depth int, window time.Duration) *ReplayBuffer {
	return &ReplayBuffer{depth: depth, window: window}
}

// Append records one broadcast, evicting over-depth entries.
func (b *ReplayBuffer) Append(ev models.Event) {
	b.events = append(b.events, ev)
	if len(b.events) > b.depth {
		b.events = b.events[len(b.events)-b.depth:]
	}
}

// Since returns the retained events with EventID > lastEventID, in event-id
// order. The second return is false when continuity cannot be proven: the
// requested position is older than the buffer floor (or the buffer is
// empty), in which case the caller must flag a full resync.
func (b *ReplayBuffer) Since(lastEventID uint64, now time.Time) ([]models.Event, bool) {
	b.evictExpired(now)
	if len(b.events) == 0 {
		return nil, false
	}
	floor := b.events[0].EventID
	if lastEventID+1 < floor {
		return nil, false
	}

	var out []models.Event
	for _, ev := range b.events {
		if ev.EventID > lastEventID {
			out = append(out, ev)
		}
	}
	return out, true
}

// Len reports the number of retained events after window eviction.
func (b *ReplayBuffer) Len(now time.Time) int {
	b.evictExpired(now)
	return len(b.events)
}

func (b *ReplayBuffer) evictExpired(now time.Time) {
	cutoff := now.Add(-b.window)
	i := 0
	for i < len(b.events) && b.events[i].PublishedAt.Before(cutoff) {
		i++
	}
	if i > 0 {
		b.events = b.events[i:]
	}
}
