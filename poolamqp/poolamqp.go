// Package poolamqp wires a resource pool of *amqp091.Channel on top of a
// single *amqp091.Connection, the use case the pool's own examples started
// from: channels are cheap to recreate but not free, and RabbitMQ clients
// typically want a small reusable set rather than one channel per goroutine.
package poolamqp

import (
	"context"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	pool "github.com/posidoni/resource-pool"
)

// Config adapts pool.Config to the amqp091 channel use case. Conn and a
// positive SizeMax are required; everything else has a usable zero value.
type Config struct {
	Conn        *amqp.Connection
	InitialSize int
	SizeMax     int64
	Logger      *zap.Logger

	// Confirm puts every channel into publisher-confirm mode when true.
	Confirm bool
}

// New builds a pool.Pool[*amqp091.Channel] backed by cfg.Conn. The allocator
// opens a fresh channel (optionally confirm mode); the release handler
// rejects a channel that has been closed underneath the pool, so it is
// destroyed instead of recycled (outstanding consumers are not cancelled);
// the destroy handler closes the channel.
func New(ctx context.Context, cfg Config) (pool.Pool[*amqp.Channel], error) {
	if cfg.Conn == nil {
		return nil, fmt.Errorf("poolamqp: Config.Conn is required")
	}

	return pool.New[*amqp.Channel](ctx, pool.Config[*amqp.Channel]{
		Allocator: func(_ context.Context) (*amqp.Channel, error) {
			ch, err := cfg.Conn.Channel()
			if err != nil {
				return nil, fmt.Errorf("poolamqp: open channel: %w", err)
			}
			if cfg.Confirm {
				if err := ch.Confirm(false); err != nil {
					_ = ch.Close()
					return nil, fmt.Errorf("poolamqp: enable confirms: %w", err)
				}
			}
			return ch, nil
		},
		InitialSize: cfg.InitialSize,
		SizeMax:     cfg.SizeMax,
		ReleaseHandler: func(_ context.Context, ch *amqp.Channel) error {
			if ch.IsClosed() {
				return fmt.Errorf("poolamqp: channel closed underneath the pool")
			}
			return nil
		},
		DestroyHandler: func(_ context.Context, ch *amqp.Channel) error {
			return ch.Close()
		},
		EvictionPredicate: func(ch *amqp.Channel, _ pool.Metrics) bool {
			return ch.IsClosed()
		},
		Logger: cfg.Logger,
	})
}
