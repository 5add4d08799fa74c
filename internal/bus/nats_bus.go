package bus

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
)

// Compile-time check that NATSDirectBus implements Bus.
var _ Bus = (*NATSDirectBus)(nil)

// NATSDirectBus implements Bus over a native NATS connection. Reconnection
// with backoff is configured on the connection itself (see the factory);
// NATS re-establishes subscriptions after a reconnect, so the gap only
// loses remote events; clients recover through the replay path.
type NATSDirectBus struct {
	conn  *nats.Conn
	podID string

	mu   sync.Mutex
	subs map[string]*nats.Subscription
}

// NewNATSDirectBus creates a bus backed by the given NATS connection.
func NewNATSDirectBus(conn *nats.Conn) *NATSDirectBus {
	return &NATSDirectBus{
		conn:  conn,
		podID: uuid.New().String(),
		subs:  make(map[string]*nats.Subscription),
	}
}

// Publish sends one frame on the room subject.
func (b *NATSDirectBus) Publish(roomID string, eventID uint64, frame []byte) error {
	env := envelope{PodID: b.podID, RoomID: roomID, EventID: eventID, Frame: json.RawMessage(frame)}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("bus: marshal envelope: %w", err)
	}
	if err := b.conn.Publish(Channel(roomID), data); err != nil {
		return fmt.Errorf("bus: nats publish: %w", err)
	}
	return nil
}

// Subscribe delivers remote-origin frames for one room. NATS delivers
// messages for one subject to one subscription in publish order.
func (b *NATSDirectBus) Subscribe(roomID string, onFrame func(frame []byte)) (Handle, error) {
	subject := Channel(roomID)
	sub, err := b.conn.Subscribe(subject, func(msg *nats.Msg) {
		var env envelope
		if err := json.Unmarshal(msg.Data, &env); err != nil {
			slog.Warn("bus: failed to unmarshal nats envelope", "subject", subject, "err", err)
			return
		}
		if env.PodID == b.podID {
			return
		}
		onFrame(env.Frame)
	})
	if err != nil {
		return nil, fmt.Errorf("bus: nats subscribe to %s: %w", subject, err)
	}

	b.mu.Lock()
	b.subs[subject] = sub
	b.mu.Unlock()

	return &natsHandle{bus: b, subject: subject, sub: sub}, nil
}

// Close unsubscribes everything and closes the connection.
func (b *NATSDirectBus) Close() {
	b.mu.Lock()
	for _, sub := range b.subs {
		_ = sub.Unsubscribe()
	}
	b.subs = make(map[string]*nats.Subscription)
	b.mu.Unlock()
	b.conn.Close()
}

type natsHandle struct {
	bus     *NATSDirectBus
	subject string
	sub     *nats.Subscription
}

func (h *natsHandle) Unsubscribe() {
	_ = h.sub.Unsubscribe()
	h.bus.mu.Lock()
	if h.bus.subs[h.subject] == h.sub {
		delete(h.bus.subs, h.subject)
	}
	h.bus.mu.Unlock()
}
