package ratelimit

import (
	"context"
	"time"

	redisclient "github.com/hackgods/waitlist-fulfillment/internal/redis"
)

// RedisStore backs the limiter with a sliding log per patient in Redis.
type RedisStore struct {
	window *redisclient.SlidingWindow
}

func NewRedisStore(window *redisclient.SlidingWindow) *RedisStore {
	return &RedisStore{window: window}
}

func (s *RedisStore) Apply(ctx context.Context, key string, rules Rules, now time.Time) (Usage, error) {
	u, err := s.window.Apply(ctx, key, redisclient.WindowLimits{
		MaxPerHour: rules.MaxPerHour,
		MaxPerDay:  rules.MaxPerDay,
		Cooldown:   rules.Cooldown,
	}, now)
	if err != nil {
		return Usage{}, err
	}
	return Usage{
		HourCount: u.HourCount,
		DayCount:  u.DayCount,
		Last:      u.Last,
		Recorded:  u.Recorded,
	}, nil
}
