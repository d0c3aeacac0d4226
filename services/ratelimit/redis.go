package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// acquireScript runs the same rolling-window state machine as applyWindows,
// atomically on the Redis side. One hash per (key, endpoint) carries the
// four counters and their window starts in epoch milliseconds.
var acquireScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local ceil = {tonumber(ARGV[2]), tonumber(ARGV[3]), tonumber(ARGV[4]), tonumber(ARGV[5])}
local dur = {tonumber(ARGV[6]), tonumber(ARGV[7]), tonumber(ARGV[8]), tonumber(ARGV[9])}
local ttl = tonumber(ARGV[10])
local cf = {'bc','mc','hc','dc'}
local sf = {'bs','ms','hs','ds'}
local counts = {}
local starts = {}
for i = 1, 4 do
  counts[i] = tonumber(redis.call('HGET', key, cf[i]) or '0') or 0
  starts[i] = tonumber(redis.call('HGET', key, sf[i]) or '0') or 0
end
local exceeded = 0
for i = 1, 4 do
  if ceil[i] >= 0 then
    if counts[i] > 0 and now - starts[i] >= dur[i] then
      counts[i] = 0
    end
    if exceeded == 0 and counts[i] >= ceil[i] then
      exceeded = i
    end
  end
end
if exceeded == 0 then
  for i = 1, 4 do
    if ceil[i] >= 0 then
      if counts[i] == 0 then
        starts[i] = now
      end
      counts[i] = counts[i] + 1
      redis.call('HSET', key, cf[i], counts[i], sf[i], starts[i])
    end
  end
  redis.call('PEXPIRE', key, ttl)
end
local allowed = 0
if exceeded == 0 then allowed = 1 end
return {allowed, exceeded, counts[1], starts[1], counts[2], starts[2], counts[3], starts[3], counts[4], starts[4]}
`)

// RedisStore is the shared-cache CounterStore. Atomicity comes from the Lua
// script executing as a single Redis command.
type RedisStore struct {
	rdb *redis.Client
}

func NewRedisStore(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb}
}

func (s *RedisStore) Acquire(ctx context.Context, key string, now time.Time, ceilings Ceilings) (AcquireResult, error) {
	args := []interface{}{
		now.UnixMilli(),
		ceilings.Burst, ceilings.Minute, ceilings.Hour, ceilings.Day,
		BurstWindowDuration.Milliseconds(),
		MinuteDuration.Milliseconds(),
		HourDuration.Milliseconds(),
		DayDuration.Milliseconds(),
		DayDuration.Milliseconds(), // hash TTL: nothing outlives the day window
	}

	raw, err := acquireScript.Run(ctx, s.rdb, []string{key}, args...).Int64Slice()
	if err != nil {
		return AcquireResult{}, fmt.Errorf("ratelimit script: %w", err)
	}
	if len(raw) != 10 {
		return AcquireResult{}, fmt.Errorf("ratelimit script: unexpected reply length %d", len(raw))
	}

	result := AcquireResult{Allowed: raw[0] == 1}
	if !result.Allowed {
		result.Exceeded = checkOrder[raw[1]-1]
	}

	for i, w := range checkOrder {
		if ceilings.For(w) < 0 {
			continue
		}
		result.Snapshots = append(result.Snapshots, WindowSnapshot{
			Window: w,
			Count:  raw[2+2*i],
			Start:  time.UnixMilli(raw[3+2*i]),
		})
	}

	return result, nil
}
