// Package bus provides the cross-node fan-out for room-scoped event frames.
// Local delivery to sessions on this node is the connection registry's job;
// a subscription only yields frames published by other nodes, with pod-id
// echo suppression inside each implementation.
package bus

import "encoding/json"

// ChannelPrefix is the only pub/sub namespace used by the core: one channel
// per room, "room:{roomId}".
const ChannelPrefix = "room:"

// Channel returns the pub/sub channel name for a room.
func Channel(roomID string) string {
	return ChannelPrefix + roomID
}

// Handle cancels one room subscription.
type Handle interface {
	Unsubscribe()
}

// Bus publishes and subscribes room-scoped frames. Publish is
// fire-and-forget: it returns once the broker accepted the message. Within
// one room, subscribers observe frames in broker order; across rooms no
// ordering is guaranteed.
type Bus interface {
	Publish(roomID string, eventID uint64, frame []byte) error
	Subscribe(roomID string, onFrame func(frame []byte)) (Handle, error)
	Close()
}

// envelope wraps a frame with the sender pod id so each node can ignore its
// own publishes when they come back from the broker.
type envelope struct {
	PodID   string          `json:"podId"`
	RoomID  string          `json:"roomId"`
	EventID uint64          `json:"eventId,omitempty"`
	Frame   json.RawMessage `json:"frame"`
}
