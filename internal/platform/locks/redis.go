package locks

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the key only if this holder still owns it, so a
// release after TTL expiry cannot drop someone else's lock.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker implements Locker on Redis with SET NX PX, for deployments
// running more than one engine instance against the same queue.
type RedisLocker struct {
	client *redis.Client
	prefix string
}

// NewRedisLocker creates a RedisLocker from a Redis URL.
func NewRedisLocker(redisURL string) (*RedisLocker, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("locks: parse redis url: %w", err)
	}
	return &RedisLocker{
		client: redis.NewClient(opts),
		prefix: "sync:recordlock:",
	}, nil
}

// Ping verifies connectivity at startup.
func (l *RedisLocker) Ping(ctx context.Context) error {
	if err := l.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("locks: redis ping: %w", err)
	}
	return nil
}

// Close releases the underlying client.
func (l *RedisLocker) Close() error {
	return l.client.Close()
}

func (l *RedisLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	token := uuid.New().String()
	redisKey := l.prefix + key

	ok, err := l.client.SetNX(ctx, redisKey, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("locks: acquire %s: %w", key, err)
	}
	if !ok {
		return nil, ErrLockHeld
	}

	release := func() {
		// Best effort: the TTL reclaims the lock if the release is lost.
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_, _ = releaseScript.Run(ctx, l.client, []string{redisKey}, token).Result()
	}
	return release, nil
}
