package filelock

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestRedisLocker(t *testing.T) *RedisLocker {
	t.Helper()
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisLocker(client, 5*time.Second)
}

func TestRedisLocker_SerializesConcurrentSections(t *testing.T) {
	locker := newTestRedisLocker(t)
	ctx := context.Background()

	var mu sync.Mutex
	counter := 0
	inSection := 0

	var wg sync.WaitGroup
	const n = 10
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = locker.WithLock(ctx, "rate-state", func() error {
				mu.Lock()
				inSection++
				if inSection > 1 {
					t.Error("two goroutines inside the critical section")
				}
				counter++
				inSection--
				mu.Unlock()
				return nil
			})
		}()
	}
	wg.Wait()

	if counter != n {
		t.Errorf("counter = %d, want %d", counter, n)
	}
}

func TestRedisLocker_ReleasesOnReturn(t *testing.T) {
	locker := newTestRedisLocker(t)
	ctx := context.Background()

	if err := locker.WithLock(ctx, "ledger", func() error { return nil }); err != nil {
		t.Fatal(err)
	}
	// A second acquisition must not wait out the TTL.
	start := time.Now()
	if err := locker.WithLock(ctx, "ledger", func() error { return nil }); err != nil {
		t.Fatal(err)
	}
	if time.Since(start) > time.Second {
		t.Error("second acquisition blocked; lock key was not released")
	}
}
