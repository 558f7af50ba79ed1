package events

import (
	"context"
	"fmt"

	"github.com/go-redis/redis/v8"
)

// RedisPublisher publishes events on a Redis pub/sub channel per target role,
// plus one channel carrying everything.
type RedisPublisher struct {
	client *redis.Client
	prefix string
}

// NewRedisPublisher connects to the Redis server at url (redis://…).
func NewRedisPublisher(ctx context.Context, url, prefix string) (*RedisPublisher, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	if prefix == "" {
		prefix = "questionflow"
	}
	return &RedisPublisher{client: client, prefix: prefix}, nil
}

// Publish sends e to <prefix>:events and, when routed, <prefix>:role:<target>.
func (p *RedisPublisher) Publish(ctx context.Context, e Event) error {
	body, err := encode(e)
	if err != nil {
		return err
	}
	if err := p.client.Publish(ctx, p.prefix+":events", body).Err(); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	if e.TargetRole != "" {
		if err := p.client.Publish(ctx, p.prefix+":role:"+string(e.TargetRole), body).Err(); err != nil {
			return fmt.Errorf("redis publish: %w", err)
		}
	}
	return nil
}

// Close releases the connection pool.
func (p *RedisPublisher) Close() error {
	return p.client.Close()
}
