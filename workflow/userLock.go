package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"bitbucket.org/mmdatafocus/immersion_backend/config"
	"github.com/bsm/redislock"
	"github.com/sirupsen/logrus"
)

// UserLocker serializes ledger read-modify-write per user. Different users never share a lock.
type UserLocker interface {
	WithUserLock(ctx context.Context, userId int, fn func(ctx context.Context) error) error
}

type userLockEntry struct {
	sem  chan struct{}
	refs int
}

// LocalUserLocker serializes within one process. Entries are dropped once nobody holds or waits on them.
type LocalUserLocker struct {
	mu    sync.Mutex
	locks map[int]*userLockEntry
}

func NewLocalUserLocker() *LocalUserLocker {
	return &LocalUserLocker{locks: map[int]*userLockEntry{}}
}

func (l *LocalUserLocker) acquire(userId int) *userLockEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.locks == nil {
		l.locks = map[int]*userLockEntry{}
	}
	e := l.locks[userId]
	if e == nil {
		e = &userLockEntry{sem: make(chan struct{}, 1)}
		l.locks[userId] = e
	}
	e.refs++
	return e
}

func (l *LocalUserLocker) release(userId int, e *userLockEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(l.locks, userId)
	}
}

func (l *LocalUserLocker) WithUserLock(ctx context.Context, userId int, fn func(ctx context.Context) error) error {
	e := l.acquire(userId)
	defer l.release(userId, e)

	select {
	case e.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-e.sem }()
	return fn(ctx)
}

func userLockKey(userId int) string {
	return fmt.Sprintf("lock:user:%d", userId)
}

// RedisUserLocker serializes across instances with redislock.
// Redis is best-effort: when it is down or the lock cannot be obtained in time, fn still runs under the
// in-process lock and the ledger version check rejects any interleaved write.
type RedisUserLocker struct {
	Client *redislock.Client
	Logger *logrus.Logger
	Local  *LocalUserLocker

	TTL          time.Duration
	RetryBackoff time.Duration
	MaxRetries   int
}

func NewRedisUserLocker(client *redislock.Client, logger *logrus.Logger) *RedisUserLocker {
	return &RedisUserLocker{
		Client:       client,
		Logger:       logger,
		Local:        NewLocalUserLocker(),
		TTL:          config.UserLockTTL(),
		RetryBackoff: 100 * time.Millisecond,
		MaxRetries:   50,
	}
}

func (l *RedisUserLocker) logger() *logrus.Logger {
	if l.Logger != nil {
		return l.Logger
	}
	return config.GetLogger()
}

func (l *RedisUserLocker) WithUserLock(ctx context.Context, userId int, fn func(ctx context.Context) error) error {
	if l.Local == nil {
		return l.withRedisLock(ctx, userId, fn)
	}
	return l.Local.WithUserLock(ctx, userId, func(ctx context.Context) error {
		return l.withRedisLock(ctx, userId, fn)
	})
}

func (l *RedisUserLocker) withRedisLock(ctx context.Context, userId int, fn func(ctx context.Context) error) error {
	client := l.Client
	if client == nil {
		client = config.GetRedisLock()
	}
	if client == nil {
		l.logger().WithFields(logrus.Fields{
			"field":   "RedisUserLocker",
			"user_id": userId,
		}).Warn("redis lock not ready; proceeding with in-process lock only")
		return fn(ctx)
	}

	lock, err := client.Obtain(ctx, userLockKey(userId), l.TTL, &redislock.Options{
		RetryStrategy: redislock.LimitRetry(redislock.LinearBackoff(l.RetryBackoff), l.MaxRetries),
	})
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		msg := "error obtaining redis lock; proceeding with in-process lock only: " + err.Error()
		if errors.Is(err, redislock.ErrNotObtained) {
			msg = "could not obtain redis lock; proceeding with in-process lock only"
		}
		l.logger().WithFields(logrus.Fields{
			"field":   "RedisUserLocker",
			"user_id": userId,
		}).Warn(msg)
		return fn(ctx)
	}
	defer func() {
		if releaseErr := lock.Release(context.WithoutCancel(ctx)); releaseErr != nil && !errors.Is(releaseErr, redislock.ErrLockNotHeld) {
			l.logger().WithFields(logrus.Fields{
				"field":   "RedisUserLocker",
				"user_id": userId,
			}).Warn("failed to release redis lock: " + releaseErr.Error())
		}
	}()
	return fn(ctx)
}
