package timeline

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/redis/go-redis/v9"
)

const relayChannelPrefix = "orderdesk:timeline:"

// RedisRelay publishes committed events over Redis pub/sub so that every
// instance's hub sees them.
type RedisRelay struct {
	client *redis.Client
	logger *slog.Logger
}

// NewRedisRelay constructs a relay.
func NewRedisRelay(client *redis.Client, logger *slog.Logger) *RedisRelay {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisRelay{client: client, logger: logger}
}

// Publish sends ev on the order's channel.
func (r *RedisRelay) Publish(ctx context.Context, ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return r.client.Publish(ctx, relayChannelPrefix+ev.OrderID, payload).Err()
}

// Run forwards relayed events into hub until ctx is cancelled.
func (r *RedisRelay) Run(ctx context.Context, hub *Hub) error {
	pubsub := r.client.PSubscribe(ctx, relayChannelPrefix+"*")
	defer func() {
		_ = pubsub.Close()
	}()
	if _, err := pubsub.Receive(ctx); err != nil {
		return err
	}
	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var ev Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				r.logger.Warn("timeline relay decode", slog.String("channel", msg.Channel), slog.Any("error", err))
				continue
			}
			if ev.OrderID != strings.TrimPrefix(msg.Channel, relayChannelPrefix) {
				continue
			}
			_ = hub.Publish(ctx, ev)
		}
	}
}
