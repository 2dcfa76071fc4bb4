package workflow

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalUserLocker_SerializesOneUser(t *testing.T) {
	locker := NewLocalUserLocker()
	var inside, maxInside int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := locker.WithUserLock(context.Background(), 7, func(ctx context.Context) error {
				n := atomic.AddInt32(&inside, 1)
				for {
					m := atomic.LoadInt32(&maxInside)
					if n <= m || atomic.CompareAndSwapInt32(&maxInside, m, n) {
						break
					}
				}
				time.Sleep(time.Millisecond)
				atomic.AddInt32(&inside, -1)
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), maxInside)

	locker.mu.Lock()
	defer locker.mu.Unlock()
	assert.Empty(t, locker.locks, "idle entries are dropped")
}

func TestLocalUserLocker_UsersAreIndependent(t *testing.T) {
	locker := NewLocalUserLocker()
	entered := make(chan struct{})
	done := make(chan struct{})

	go func() {
		_ = locker.WithUserLock(context.Background(), 1, func(ctx context.Context) error {
			<-entered
			return nil
		})
		close(done)
	}()

	err := locker.WithUserLock(context.Background(), 2, func(ctx context.Context) error {
		close(entered)
		return nil
	})
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("user 1 never finished while user 2 held its own lock")
	}
}

func TestLocalUserLocker_HonoursContextWhileWaiting(t *testing.T) {
	locker := NewLocalUserLocker()
	release := make(chan struct{})
	held := make(chan struct{})
	go func() {
		_ = locker.WithUserLock(context.Background(), 1, func(ctx context.Context) error {
			close(held)
			<-release
			return nil
		})
	}()
	<-held

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	ran := false
	err := locker.WithUserLock(ctx, 1, func(ctx context.Context) error {
		ran = true
		return nil
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, ran)
	close(release)
}

func TestRedisUserLocker_FallsBackWithoutRedis(t *testing.T) {
	locker := NewRedisUserLocker(nil, testLogger())
	ran := false
	err := locker.WithUserLock(context.Background(), 1, func(ctx context.Context) error {
		ran = true
		return nil
	})
	require.NoError(t, err)
	assert.True(t, ran)
}

func TestRedisUserLocker_Integration(t *testing.T) {
	if os.Getenv("INTEGRATION_TESTS") != "1" || os.Getenv("REDIS_ADDRESS") == "" {
		t.Skip("set INTEGRATION_TESTS=1 and REDIS_ADDRESS to run")
	}
	client := redis.NewClient(&redis.Options{Addr: os.Getenv("REDIS_ADDRESS")})
	t.Cleanup(func() { _ = client.Close() })
	require.NoError(t, client.Ping(context.Background()).Err())

	// Two lockers model two server instances; each has its own in-process lock.
	a := NewRedisUserLocker(redislock.New(client), testLogger())
	b := NewRedisUserLocker(redislock.New(client), testLogger())
	userId := int(time.Now().UnixNano() % 1_000_000)

	var inside, overlaps int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		locker := a
		if i%2 == 1 {
			locker = b
		}
		wg.Add(1)
		go func(locker *RedisUserLocker) {
			defer wg.Done()
			err := locker.WithUserLock(context.Background(), userId, func(ctx context.Context) error {
				if atomic.AddInt32(&inside, 1) > 1 {
					atomic.AddInt32(&overlaps, 1)
				}
				time.Sleep(5 * time.Millisecond)
				atomic.AddInt32(&inside, -1)
				return nil
			})
			assert.NoError(t, err)
		}(locker)
	}
	wg.Wait()
	assert.Zero(t, overlaps)
}
