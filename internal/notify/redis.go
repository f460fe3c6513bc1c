package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/xtrntr/spotexchange/internal/models"
)

type redisPublisherClient interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

// RedisPublisher publishes each trade event on one channel per recipient,
// named "<prefix>.<user id>"
type RedisPublisher struct {
	client redisPublisherClient
	prefix string
}

// NewRedisPublisher wraps a go-redis client
func NewRedisPublisher(client redis.Cmdable, prefix string) *RedisPublisher {
	return &RedisPublisher{client: client, prefix: prefix}
}

// Channel returns the channel userID's events go to
func (p *RedisPublisher) Channel(userID int64) string {
	return fmt.Sprintf("%s.%d", p.prefix, userID)
}

// Publish sends event to every recipient's channel
func (p *RedisPublisher) Publish(ctx context.Context, event models.TradeEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}
	for _, userID := range event.Recipients {
		if err := p.client.Publish(ctx, p.Channel(userID), payload).Err(); err != nil {
			return fmt.Errorf("failed to publish to %s: %w", p.Channel(userID), err)
		}
	}
	return nil
}
