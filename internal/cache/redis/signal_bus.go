package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/routecache/internal/domain"
)

// updateBuffer bounds the payloads held for a slow listener. Once full the
// relay stops reading and Redis buffers on the server side.
const updateBuffer = 128

// PoolUpdateBus carries pool update messages over Redis Pub/Sub. Delivery is
// at-most-once: a registry that is not subscribed when an update is
// published never sees it and must rely on the next bootstrap.
type PoolUpdateBus struct {
	rdb *redis.Client
}

// NewPoolUpdateBus creates a PoolUpdateBus on the given Client.
func NewPoolUpdateBus(c *Client) *PoolUpdateBus {
	return &PoolUpdateBus{rdb: c.Underlying()}
}

// Publish sends an encoded payload to channel.
func (b *PoolUpdateBus) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := b.rdb.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("redis: publish %s: %w", channel, err)
	}
	return nil
}

// PublishUpdate encodes u and publishes it on domain.PoolUpdatedTopic.
func (b *PoolUpdateBus) PublishUpdate(ctx context.Context, u domain.PoolUpdate) error {
	if u.Chain == "" {
		return fmt.Errorf("redis: pool update without chain")
	}
	data, err := json.Marshal(u)
	if err != nil {
		return fmt.Errorf("redis: encode pool update: %w", err)
	}
	return b.Publish(ctx, domain.PoolUpdatedTopic, data)
}

// Subscribe listens on channel and relays payloads in delivery order. Payloads
// are passed through undecoded so the registry can account for malformed
// messages itself. The returned channel closes when ctx is cancelled or the
// connection is torn down.
func (b *PoolUpdateBus) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	sub := b.rdb.Subscribe(ctx, channel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("redis: subscribe %s: %w", channel, err)
	}

	out := make(chan []byte, updateBuffer)
	go b.relay(ctx, sub, out)
	return out, nil
}

func (b *PoolUpdateBus) relay(ctx context.Context, sub *redis.PubSub, out chan<- []byte) {
	defer close(out)
	defer sub.Close()

	in := sub.Channel()
	for {
		var msg *redis.Message
		select {
		case <-ctx.Done():
			return
		case m, ok := <-in:
			if !ok {
				return
			}
			msg = m
		}
		select {
		case out <- []byte(msg.Payload):
		case <-ctx.Done():
			return
		}
	}
}

var _ domain.SignalBus = (*PoolUpdateBus)(nil)
