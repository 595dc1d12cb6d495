package redisclient

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// WindowUsage is the state of one sliding log before the current attempt.
type WindowUsage struct {
	HourCount int
	DayCount  int
	Last      time.Time // zero when nothing was recorded inside the retention
	Recorded  bool
}

// WindowLimits are passed to the script; a value <= 0 disables the rule.
type WindowLimits struct {
	MaxPerHour int
	MaxPerDay  int
	Cooldown   time.Duration
}

// SlidingWindow keeps one sorted set per key, scored by event time in ms.
// Members older than a day are trimmed on every call and the key carries an
// explicit TTL so idle patients cost nothing.
type SlidingWindow struct {
	client *redis.Client
}

func NewSlidingWindow(client *redis.Client) *SlidingWindow {
	return &SlidingWindow{client: client}
}

// KEYS[1] = log key
// ARGV = now_ms, max_hour, max_day, cooldown_ms, member
var slidingWindowScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local max_hour = tonumber(ARGV[2])
local max_day = tonumber(ARGV[3])
local cooldown = tonumber(ARGV[4])
local member = ARGV[5]
local hour_ms = 3600000
local day_ms = 86400000

redis.call("ZREMRANGEBYSCORE", key, "-inf", "(" .. (now - day_ms))
local hour = redis.call("ZCOUNT", key, "(" .. (now - hour_ms), "+inf")
local day = redis.call("ZCARD", key)
local last = 0
local last_raw = "0"
local top = redis.call("ZREVRANGE", key, 0, 0, "WITHSCORES")
if #top == 2 then
  last_raw = top[2]
  last = tonumber(last_raw)
end

local allowed = 1
if max_hour > 0 and hour >= max_hour then allowed = 0 end
if max_day > 0 and day >= max_day then allowed = 0 end
if cooldown > 0 and last > 0 and (now - last) < cooldown then allowed = 0 end

if allowed == 1 then
  redis.call("ZADD", key, now, member)
  local ttl = day_ms
  if cooldown > ttl then ttl = cooldown end
  redis.call("PEXPIRE", key, ttl)
end

return {allowed, hour, day, last_raw}
`)

// Apply checks the limits and records the attempt atomically. Nothing is written
// when any limit is reached.
func (w *SlidingWindow) Apply(ctx context.Context, key string, limits WindowLimits, now time.Time) (WindowUsage, error) {
	res, err := slidingWindowScript.Run(ctx, w.client, []string{"window:" + key},
		now.UnixMilli(),
		limits.MaxPerHour,
		limits.MaxPerDay,
		limits.Cooldown.Milliseconds(),
		strconv.FormatInt(now.UnixMilli(), 10)+":"+uuid.NewString(),
	).Slice()
	if err != nil {
		return WindowUsage{}, fmt.Errorf("sliding window %s: %w", key, err)
	}
	if len(res) != 4 {
		return WindowUsage{}, fmt.Errorf("sliding window %s: unexpected reply %v", key, res)
	}

	usage := WindowUsage{
		Recorded:  toInt64(res[0]) == 1,
		HourCount: int(toInt64(res[1])),
		DayCount:  int(toInt64(res[2])),
	}
	if lastMs, _ := strconv.ParseInt(fmt.Sprint(res[3]), 10, 64); lastMs > 0 {
		usage.Last = time.UnixMilli(lastMs)
	}
	return usage, nil
}

func toInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case string:
		i, _ := strconv.ParseInt(n, 10, 64)
		return i
	default:
		return 0
	}
}
