package filelock

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
)

// FromEnv picks the process-wide Locker: a RedisLocker when
// AEGIS_REDIS_URL is set and parseable, otherwise the default
// FileLocker. A malformed URL degrades to flock rather than failing the
// caller; the filesystem is the source of truth either way.
func FromEnv() Locker {
	dsn := os.Getenv("AEGIS_REDIS_URL")
	if dsn == "" {
		return NewFileLocker()
	}
	opts, err := redis.ParseURL(dsn)
	if err != nil {
		log.Printf("[filelock] invalid AEGIS_REDIS_URL, falling back to flock: %v", err)
		return NewFileLocker()
	}
	return NewRedisLocker(redis.NewClient(opts), 30*time.Second)
}

// RedisLocker implements Locker via Redis SET NX PX, for deployments
// running multiple hosts against one shared rate/trust state (the
// filesystem copy each host holds is reconciled through the same
// locked critical section, never bypassed).
type RedisLocker struct {
	client     *redis.Client
	ttl        time.Duration
	retryDelay time.Duration
}

// NewRedisLocker builds a RedisLocker against an existing client. Lock
// keys expire after ttl so a crashed holder cannot wedge the lock forever.
func NewRedisLocker(client *redis.Client, ttl time.Duration) *RedisLocker {
	if ttl <= 0 {
		ttl = 10 * time.Second
	}
	return &RedisLocker{client: client, ttl: ttl, retryDelay: 20 * time.Millisecond}
}

func (l *RedisLocker) WithLock(ctx context.Context, name string, fn func() error) error {
	key := "aegis:lock:" + name
	token := fmt.Sprintf("%d", time.Now().UnixNano())

	deadline := time.Now().Add(5 * time.Second)
	for {
		ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
		if err != nil {
			return fmt.Errorf("redislock: acquire %s: %w", name, err)
		}
		if ok {
			break
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("redislock: timed out acquiring %s", name)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(l.retryDelay):
		}
	}

	defer func() {
		// Best-effort release; the TTL bounds any leak from a missed
		// delete (e.g. a killed hook process).
		cur, err := l.client.Get(ctx, key).Result()
		if err == nil && cur == token {
			_ = l.client.Del(ctx, key).Err()
		}
	}()

	return fn()
}
