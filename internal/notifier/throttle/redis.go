package throttle

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"herald/internal/eventbus"
)

// advanceScript sets KEYS[1] to ARGV[1] (unix millis) only when that moves it
// forward, and returns the effective value. ARGV[2] is the key TTL in millis.
var advanceScript = redis.NewScript(`
local cur = tonumber(redis.call('GET', KEYS[1]) or '0')
local nxt = tonumber(ARGV[1])
if nxt > cur then
  redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
  return nxt
end
return cur
`)

// keyGrace keeps the key around for a while after the window passed.
const keyGrace = time.Hour

// RedisCoordinator keeps the window in one Redis key.
type RedisCoordinator struct {
	base
	rdb         redis.UniversalClient
	key         string
	readTimeout time.Duration
}

func NewRedis(rdb redis.UniversalClient, key string, readTimeout time.Duration, bus eventbus.Bus) *RedisCoordinator {
	if key == "" {
		key = "herald:throttle:retry_not_before"
	}
	if readTimeout <= 0 {
		readTimeout = 500 * time.Millisecond
	}
	if bus == nil {
		bus = eventbus.Nop()
	}
	return &RedisCoordinator{base: base{now: time.Now, bus: bus}, rdb: rdb, key: key, readTimeout: readTimeout}
}

func (c *RedisCoordinator) RetryNotBefore(ctx context.Context) (time.Time, error) {
	ctx, cancel := context.WithTimeout(ctx, c.readTimeout)
	defer cancel()
	v, err := c.rdb.Get(ctx, c.key).Result()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, err
	}
	return parseMillis(v)
}

func (c *RedisCoordinator) IsThrottled(ctx context.Context) (bool, time.Duration, error) {
	nb, err := c.RetryNotBefore(ctx)
	if err != nil {
		return false, 0, err
	}
	rem := Remaining(c.now(), nb)
	return rem > 0, rem, nil
}

func (c *RedisCoordinator) ThrottleUntil(ctx context.Context, until time.Time) error {
	ttl := Remaining(c.now(), until) + keyGrace
	res, err := advanceScript.Run(ctx, c.rdb, []string{c.key}, until.UnixMilli(), ttl.Milliseconds()).Int64()
	if err != nil {
		return err
	}
	if res == until.UnixMilli() {
		c.extended(until)
	}
	return nil
}

func parseMillis(v string) (time.Time, error) {
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	if ms <= 0 {
		return time.Time{}, nil
	}
	return time.UnixMilli(ms), nil
}
