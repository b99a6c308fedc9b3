package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"ledger-backend/internal/market"
	"ledger-backend/internal/rpc"
)

const (
	// streamMaxLen is the approximate length kept by XADD MAXLEN ~
	streamMaxLen int64 = 10000
	queueSize          = 1024
)

// EventBus publishes ledger events on Pub/Sub channels and appends them to a
// stream for late readers. Keys:
//
//	<prefix>:events            every event
//	<prefix>:market:<id>       events of one market
//	<prefix>:stream            capped stream of every event
type EventBus struct {
	rdb    *redis.Client
	prefix string
	queue  chan market.Event
	logger *zap.Logger
}

// NewEventBus creates a bus; call Run to start publishing.
func NewEventBus(c *Client, prefix string, logger *zap.Logger) *EventBus {
	return newEventBus(c.Underlying(), prefix, logger)
}

func newEventBus(rdb *redis.Client, prefix string, logger *zap.Logger) *EventBus {
	return &EventBus{
		rdb:    rdb,
		prefix: prefix,
		queue:  make(chan market.Event, queueSize),
		logger: logger.With(zap.String("component", "event_bus")),
	}
}

func (b *EventBus) allChannel() string { return b.prefix + ":events" }
func (b *EventBus) streamKey() string  { return b.prefix + ":stream" }

func (b *EventBus) marketChannel(id common.Address) string {
	return b.prefix + ":market:" + id.Hex()
}

// Enqueue hands an event to the publisher without blocking; it reports
// false when the queue is full and the event was dropped. It is meant to be
// passed to market.Ledger.Subscribe.
func (b *EventBus) Enqueue(ev market.Event) bool {
	select {
	case b.queue <- ev:
		return true
	default:
		b.logger.Warn("event queue full, dropping event",
			zap.String("event", ev.ID), zap.String("kind", string(ev.Kind)))
		return false
	}
}

// Run publishes queued events until ctx is done
func (b *EventBus) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-b.queue:
			if err := b.Publish(ctx, ev); err != nil {
				b.logger.Error("failed to publish event", zap.String("event", ev.ID), zap.Error(err))
			}
		}
	}
}

// Publish sends one event to both channels and the stream in a pipeline
func (b *EventBus) Publish(ctx context.Context, ev market.Event) error {
	payload, err := json.Marshal(rpc.NewEventView(ev))
	if err != nil {
		return fmt.Errorf("redis: marshal event %s: %w", ev.ID, err)
	}

	pipe := b.rdb.Pipeline()
	pipe.Publish(ctx, b.allChannel(), payload)
	pipe.Publish(ctx, b.marketChannel(ev.MarketID), payload)
	pipe.XAdd(ctx, &redis.XAddArgs{
		Stream: b.streamKey(),
		MaxLen: streamMaxLen,
		Approx: true,
		Values: map[string]interface{}{"payload": payload},
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: publish event %s: %w", ev.ID, err)
	}
	return nil
}

// Subscribe streams events of one market, or of every market when id is
// nil. The channel is closed when ctx is done.
func (b *EventBus) Subscribe(ctx context.Context, id *common.Address) (<-chan rpc.EventView, error) {
	channel := b.allChannel()
	if id != nil {
		channel = b.marketChannel(*id)
	}

	pubsub := b.rdb.Subscribe(ctx, channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("redis: subscribe %s: %w", channel, err)
	}

	out := make(chan rpc.EventView, 128)
	go func() {
		defer close(out)
		defer pubsub.Close()

		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var ev rpc.EventView
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					b.logger.Warn("malformed event payload", zap.String("channel", channel), zap.Error(err))
					continue
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out, nil
}
