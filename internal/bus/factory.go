package bus

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	wmnats "github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"
	watermillsql "github.com/ThreeDotsLabs/watermill-sql/v3/pkg/sql"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/nats-io/nats.go"
	"go.uber.org/fx"

	"github.com/pointdeck/backend/internal/config"
)

// Module is the fx module for the event bus.
var Module = fx.Module("bus",
	fx.Provide(NewBusFx),
)

// NewBusFx creates the Bus for the configured backend and registers its
// lifecycle with fx.
func NewBusFx(lc fx.Lifecycle, pool *pgxpool.Pool, cfg *config.Config) (Bus, error) {
	var (
		b   Bus
		err error
	)
	switch cfg.BusType {
	case "nats":
		b, err = newNATSBus(cfg)
	default:
		b, err = newWatermillBus(cfg, pool)
	}
	if err != nil {
		return nil, err
	}

	lc.Append(fx.Hook{
		OnStop: func(_ context.Context) error {
			b.Close()
			return nil
		},
	})
	return b, nil
}

// reconnectDelay backs off exponentially from 1s, capped at 16s.
func reconnectDelay(attempts int) time.Duration {
	d := time.Second << uint(attempts)
	if d > 16*time.Second || d <= 0 {
		return 16 * time.Second
	}
	return d
}

func natsOptions(cfg *config.Config) []nats.Option {
	opts := []nats.Option{
		nats.MaxReconnects(-1),
		nats.RetryOnFailedConnect(true),
		nats.CustomReconnectDelay(reconnectDelay),
		nats.ReconnectHandler(func(conn *nats.Conn) {
			slog.Info("bus: reconnected to NATS", "url", conn.ConnectedUrl())
		}),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			slog.Warn("bus: NATS connection lost", "err", err)
		}),
	}
	if cfg.NatsCredentials != "" {
		opts = append(opts, nats.UserCredentials(cfg.NatsCredentials))
	}
	return opts
}

// newNATSBus creates a NATSDirectBus over a native NATS connection.
func newNATSBus(cfg *config.Config) (Bus, error) {
	if cfg.NatsURL == "" {
		return nil, fmt.Errorf("bus: BusType is \"nats\" but NatsURL is empty")
	}

	slog.Info("bus: connecting to NATS (direct)", "url", cfg.NatsURL)
	conn, err := nats.Connect(cfg.NatsURL, natsOptions(cfg)...)
	if err != nil {
		return nil, fmt.Errorf("bus: connect to NATS: %w", err)
	}
	return NewNATSDirectBus(conn), nil
}

// newWatermillBus creates a WatermillBus for the gochannel, jetstream, or
// sql backends.
func newWatermillBus(cfg *config.Config, pool *pgxpool.Pool) (Bus, error) {
	logger := watermill.NewSlogLogger(slog.Default())

	pub, sub, err := createPubSub(cfg, pool, logger)
	if err != nil {
		return nil, fmt.Errorf("bus: create pub/sub: %w", err)
	}
	return NewWatermillBus(pub, sub), nil
}

// createPubSub builds the Watermill Publisher and Subscriber for non-direct
// backends.
func createPubSub(cfg *config.Config, pool *pgxpool.Pool, logger watermill.LoggerAdapter) (message.Publisher, message.Subscriber, error) {
	switch cfg.BusType {
	case "gochannel", "":
		ch := gochannel.NewGoChannel(
			gochannel.Config{OutputChannelBuffer: 256},
			logger,
		)
		return ch, ch, nil

	case "jetstream":
		if cfg.NatsURL == "" {
			return nil, nil, fmt.Errorf("bus: BusType is \"jetstream\" but NatsURL is empty")
		}

		marshaler := &wmnats.GobMarshaler{}
		jsConfig := wmnats.JetStreamConfig{AutoProvision: true}

		pub, err := wmnats.NewPublisher(wmnats.PublisherConfig{
			URL:         cfg.NatsURL,
			NatsOptions: natsOptions(cfg),
			Marshaler:   marshaler,
			JetStream:   jsConfig,
		}, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("bus: create jetstream publisher: %w", err)
		}

		sub, err := wmnats.NewSubscriber(wmnats.SubscriberConfig{
			URL:            cfg.NatsURL,
			CloseTimeout:   30 * time.Second,
			AckWaitTimeout: 30 * time.Second,
			NatsOptions:    natsOptions(cfg),
			Unmarshaler:    marshaler,
			JetStream:      jsConfig,
		}, logger)
		if err != nil {
			_ = pub.Close()
			return nil, nil, fmt.Errorf("bus: create jetstream subscriber: %w", err)
		}

		return pub, sub, nil

	case "sql":
		if pool == nil {
			return nil, nil, fmt.Errorf("bus: BusType is \"sql\" but pgxpool is nil")
		}

		db := stdlib.OpenDBFromPool(pool)

		schemaAdapter := watermillsql.DefaultPostgreSQLSchema{}
		offsetsAdapter := watermillsql.DefaultPostgreSQLOffsetsAdapter{}

		pub, err := watermillsql.NewPublisher(
			db,
			watermillsql.PublisherConfig{
				SchemaAdapter:        schemaAdapter,
				AutoInitializeSchema: true,
			},
			logger,
		)
		if err != nil {
			return nil, nil, fmt.Errorf("bus: create sql publisher: %w", err)
		}

		sub, err := watermillsql.NewSubscriber(
			db,
			watermillsql.SubscriberConfig{
				SchemaAdapter:    schemaAdapter,
				OffsetsAdapter:   offsetsAdapter,
				InitializeSchema: true,
			},
			logger,
		)
		if err != nil {
			_ = pub.Close()
			return nil, nil, fmt.Errorf("bus: create sql subscriber: %w", err)
		}

		return pub, sub, nil

	default:
		return nil, nil, fmt.Errorf("bus: unknown BusType %q (valid: gochannel, nats, jetstream, sql)", cfg.BusType)
	}
}
