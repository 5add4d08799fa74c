package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
)

// Compile-time check that WatermillBus implements Bus.
var _ Bus = (*WatermillBus)(nil)

// WatermillBus implements Bus over any Watermill publisher/subscriber pair
// (gochannel in-process, NATS via watermill-nats, or the SQL backend).
type WatermillBus struct {
	pub   message.Publisher
	sub   message.Subscriber
	podID string

	ctx    context.Context
	cancel context.CancelFunc

	mu   sync.Mutex
	subs map[string]*watermillHandle // channel -> active subscription
}

// NewWatermillBus creates a bus over the given publisher and subscriber.
// The podID uniquely identifies this process so its own publishes are
// ignored when the broker loops them back.
func NewWatermillBus(pub message.Publisher, sub message.Subscriber) *WatermillBus {
	ctx, cancel := context.WithCancel(context.Background())
	return &WatermillBus{
		pub:    pub,
		sub:    sub,
		podID:  watermill.NewUUID(),
		ctx:    ctx,
		cancel: cancel,
		subs:   make(map[string]*watermillHandle),
	}
}

// Publish sends one frame to the room channel. Fire-and-forget: it returns
// once the broker accepted the message.
func (b *WatermillBus) Publish(roomID string, eventID uint64, frame []byte) error {
	env := envelope{PodID: b.podID, RoomID: roomID, EventID: eventID, Frame: json.RawMessage(frame)}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("bus: marshal envelope: %w", err)
	}
	wm := message.NewMessage(watermill.NewUUID(), data)
	if err := b.pub.Publish(Channel(roomID), wm); err != nil {
		return fmt.Errorf("bus: publish to %s: %w", Channel(roomID), err)
	}
	return nil
}

// Subscribe starts delivering remote-origin frames for one room. Frames for
// one room are delivered in broker order; the consumer goroutine never
// reorders within a channel.
func (b *WatermillBus) Subscribe(roomID string, onFrame func(frame []byte)) (Handle, error) {
	channel := Channel(roomID)

	ctx, cancel := context.WithCancel(b.ctx)
	msgs, err := b.sub.Subscribe(ctx, channel)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("bus: subscribe to %s: %w", channel, err)
	}

	h := &watermillHandle{bus: b, channel: channel, cancel: cancel}
	b.mu.Lock()
	b.subs[channel] = h
	b.mu.Unlock()

	go b.consume(ctx, channel, msgs, onFrame)
	return h, nil
}

// Close cancels all subscriptions and closes the publisher and subscriber.
func (b *WatermillBus) Close() {
	b.cancel()
	if err := b.pub.Close(); err != nil {
		slog.Warn("bus: error closing publisher", "err", err)
	}
	if err := b.sub.Close(); err != nil {
		slog.Warn("bus: error closing subscriber", "err", err)
	}
}

func (b *WatermillBus) consume(ctx context.Context, channel string, msgs <-chan *message.Message, onFrame func([]byte)) {
	for {
		select {
		case <-ctx.Done():
			return
		case wm, ok := <-msgs:
			if !ok {
				return
			}
			wm.Ack()

			var env envelope
			if err := json.Unmarshal(wm.Payload, &env); err != nil {
				slog.Warn("bus: failed to unmarshal envelope", "channel", channel, "err", err)
				continue
			}
			if env.PodID == b.podID {
				continue
			}
			onFrame(env.Frame)
		}
	}
}

type watermillHandle struct {
	bus     *WatermillBus
	channel string
	cancel  context.CancelFunc
}

func (h *watermillHandle) Unsubscribe() {
	h.cancel()
	h.bus.mu.Lock()
	if h.bus.subs[h.channel] == h {
		delete(h.bus.subs, h.channel)
	}
	h.bus.mu.Unlock()
}
