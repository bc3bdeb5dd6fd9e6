package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

const DefaultChannel = "cgt:completions"

// RedisDispatcher publishes completions on a pub/sub channel.
type RedisDispatcher struct {
	rdb     redis.UniversalClient
	channel string
}

func NewRedisDispatcher(rdb redis.UniversalClient, channel string) *RedisDispatcher {
	if channel == "" {
		channel = DefaultChannel
	}
	return &RedisDispatcher{rdb: rdb, channel: channel}
}

func (d *RedisDispatcher) Dispatch(ctx context.Context, c Completion) error {
	payload, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal completion: %w", err)
	}
	if err := d.rdb.Publish(ctx, d.channel, payload).Err(); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}
