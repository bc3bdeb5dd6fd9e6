package lease

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const DefaultKeyPrefix = "cgt:lease:"

// Deletes the key only while it still holds our owner token.
var releaseScript = redis.NewScript(`
	if redis.call('GET', KEYS[1]) == ARGV[1] then
		return redis.call('DEL', KEYS[1])
	end
	return 0
`)

// RedisLeaser holds leases in Redis so several processes sharing one
// database can evaluate without stepping on each other.
type RedisLeaser struct {
	rdb    redis.UniversalClient
	prefix string
	ttl    time.Duration
}

func NewRedisLeaser(rdb redis.UniversalClient, prefix string, ttl time.Duration) *RedisLeaser {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisLeaser{rdb: rdb, prefix: prefix, ttl: ttl}
}

func (l *RedisLeaser) key(testID string) string {
	return l.prefix + testID
}

func (l *RedisLeaser) Acquire(ctx context.Context, testID string) (Lease, error) {
	owner, err := newOwner()
	if err != nil {
		return nil, err
	}
	ok, err := l.rdb.SetNX(ctx, l.key(testID), owner, l.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("redis lease: %w", err)
	}
	if !ok {
		return nil, ErrConflict
	}
	return &redisLease{leaser: l, key: l.key(testID), owner: owner}, nil
}

type redisLease struct {
	leaser *RedisLeaser
	key    string
	owner  string
}

func (l *redisLease) Owner() string {
	return l.owner
}

func (l *redisLease) Release(ctx context.Context) error {
	if err := releaseScript.Run(ctx, l.leaser.rdb, []string{l.key}, l.owner).Err(); err != nil {
		return fmt.Errorf("redis release: %w", err)
	}
	return nil
}
