package cluster

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/demdxx/gocast"
	"github.com/xiaoxuxiansheng/redis_lock"
)

// RedisCounters keeps the counters in redis. Compare-and-set runs under a redis lock on
// the counter, so every node sharing the redis instance sees one linear history.
type RedisCounters struct {
	client *redis_lock.Client
	prefix string
}

func NewRedisCounters(client *redis_lock.Client, prefix string) *RedisCounters {
	return &RedisCounters{client: client, prefix: prefix}
}

func (r *RedisCounters) Counter(name string) Counter {
	return &redisCounter{client: r.client, key: r.prefix + name}
}

type redisCounter struct {
	client *redis_lock.Client
	key    string
}

func (c *redisCounter) lockKey() string {
	return fmt.Sprintf("%s:lock", c.key)
}

func (c *redisCounter) Get(ctx context.Context) (uint64, error) {
	raw, err := c.client.Get(ctx, c.key)
	if errors.Is(err, redis_lock.ErrNil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("redis counter %s: %w", c.key, err)
	}
	if raw == "" {
		return 0, nil
	}
	return uint64(gocast.ToInt64(raw)), nil
}

func (c *redisCounter) CompareAndSet(ctx context.Context, expect, update uint64) (bool, error) {
	// 1. serialize writers of this counter
	lock := redis_lock.NewRedisLock(c.lockKey(), c.client)
	if err := lock.Lock(ctx); err != nil {
		return lockMiss(c.key, err)
	}
	defer func() {
		_ = lock.Unlock(ctx)
	}()

	// 2. compare
	cur, err := c.Get(ctx)
	if err != nil {
		return false, err
	}
	if cur != expect {
		return false, nil
	}

	// 3. set
	if _, err = c.client.Set(ctx, c.key, strconv.FormatUint(update, 10)); err != nil {
		return false, fmt.Errorf("redis counter %s: set: %w", c.key, err)
	}
	return true, nil
}

// lockMiss maps a failed lock attempt to a compare-and-set result. Another writer holding
// the lock is a miss the caller retries.
func lockMiss(key string, err error) (bool, error) {
	if redis_lock.IsRetryableErr(err) {
		return false, nil
	}
	return false, fmt.Errorf("redis counter %s: lock: %w", key, err)
}
