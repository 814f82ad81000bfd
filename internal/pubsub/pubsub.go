// Package pubsub generalizes the Redis publish/subscribe pattern used
// throughout the worker: cancellation propagation and streaming fan-out both
// publish small JSON envelopes on a channel (or channel pattern) and forward
// delivered messages to a callback for as long as the caller's context lives.
package pubsub

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"

	"github.com/swiftgrid/worker/internal/platform/logger"
)

// Bus publishes and subscribes to Redis pub/sub channels.
type Bus struct {
	rdb *redis.Client
	log *logger.Logger
}

func New(rdb *redis.Client, log *logger.Logger) *Bus {
	return &Bus{rdb: rdb, log: log.With("component", "pubsub")}
}

// Publish JSON-encodes v and publishes it on channel.
func (b *Bus) Publish(ctx context.Context, channel string, v interface{}) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.rdb.Publish(ctx, channel, payload).Err()
}

// PublishRaw publishes a pre-encoded payload, used where callers only need to
// signal presence (e.g. cancellation, where the message body is irrelevant).
func (b *Bus) PublishRaw(ctx context.Context, channel string, payload string) error {
	return b.rdb.Publish(ctx, channel, payload).Err()
}

// Subscribe subscribes to an exact channel and forwards every message to
// onMsg until ctx is done or the subscription's channel closes.
func (b *Bus) Subscribe(ctx context.Context, channel string, onMsg func(payload string)) error {
	sub := b.rdb.Subscribe(ctx, channel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return err
	}
	go b.forward(ctx, sub, onMsg)
	return nil
}

// PSubscribe subscribes to a glob pattern (e.g. "cancel:*") and forwards
// every message, together with the concrete channel it arrived on.
func (b *Bus) PSubscribe(ctx context.Context, pattern string, onMsg func(channel, payload string)) error {
	sub := b.rdb.PSubscribe(ctx, pattern)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return err
	}
	go func() {
		defer func() { _ = sub.Close() }()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				onMsg(msg.Channel, msg.Payload)
			}
		}
	}()
	return nil
}

func (b *Bus) forward(ctx context.Context, sub *redis.PubSub, onMsg func(payload string)) {
	defer func() { _ = sub.Close() }()
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			onMsg(msg.Payload)
		}
	}
}
