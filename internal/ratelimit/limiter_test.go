package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestLimiter(rules Rules) (*Limiter, *clock) {
	c := &clock{t: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)}
	return NewLimiter(NewMemoryStore(), rules).WithClock(c.now), c
}

func TestCheckAndRecord_HourlyCap(t *testing.T) {
	l, c := newTestLimiter(Rules{MaxPerHour: 1})
	patient := uuid.New()

	d, err := l.CheckAndRecord(context.Background(), "t1", patient)
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	c.advance(10 * time.Minute)
	d, err = l.CheckAndRecord(context.Background(), "t1", patient)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, RuleHourly, d.Rule)
	assert.Equal(t, 1, d.Count)
	assert.Equal(t, 1, d.Limit)
	assert.Contains(t, d.Reason, "hourly cap")

	// the window is rolling, not aligned to the clock hour
	c.advance(51 * time.Minute)
	d, err = l.CheckAndRecord(context.Background(), "t1", patient)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestCheckAndRecord_DailyCap(t *testing.T) {
	l, c := newTestLimiter(Rules{MaxPerDay: 2})
	patient := uuid.New()

	for i := 0; i < 2; i++ {
		d, err := l.CheckAndRecord(context.Background(), "t1", patient)
		require.NoError(t, err)
		require.True(t, d.Allowed)
		c.advance(3 * time.Hour)
	}

	d, err := l.CheckAndRecord(context.Background(), "t1", patient)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, RuleDaily, d.Rule)

	c.advance(24 * time.Hour)
	d, err = l.CheckAndRecord(context.Background(), "t1", patient)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestCheckAndRecord_Cooldown(t *testing.T) {
	l, c := newTestLimiter(Rules{Cooldown: 30 * time.Minute})
	patient := uuid.New()

	_, err := l.CheckAndRecord(context.Background(), "t1", patient)
	require.NoError(t, err)

	c.advance(20 * time.Minute)
	d, err := l.CheckAndRecord(context.Background(), "t1", patient)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, RuleCooldown, d.Rule)
	assert.Equal(t, 10*time.Minute, d.RetryAfter)

	c.advance(10 * time.Minute)
	d, err = l.CheckAndRecord(context.Background(), "t1", patient)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestCheckAndRecord_RejectionDoesNotRecord(t *testing.T) {
	l, c := newTestLimiter(Rules{MaxPerHour: 1, Cooldown: 5 * time.Minute})
	patient := uuid.New()

	_, err := l.CheckAndRecord(context.Background(), "t1", patient)
	require.NoError(t, err)

	// rejected attempts inside the hour must not push the cooldown forward
	for i := 0; i < 5; i++ {
		c.advance(10 * time.Minute)
		d, err := l.CheckAndRecord(context.Background(), "t1", patient)
		require.NoError(t, err)
		require.False(t, d.Allowed)
	}

	c.advance(11 * time.Minute)
	d, err := l.CheckAndRecord(context.Background(), "t1", patient)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestCheckAndRecord_ScopedByTenantAndPatient(t *testing.T) {
	l, _ := newTestLimiter(Rules{MaxPerHour: 1})
	patient := uuid.New()

	d, _ := l.CheckAndRecord(context.Background(), "t1", patient)
	assert.True(t, d.Allowed)
	d, _ = l.CheckAndRecord(context.Background(), "t2", patient)
	assert.True(t, d.Allowed)
	d, _ = l.CheckAndRecord(context.Background(), "t1", uuid.New())
	assert.True(t, d.Allowed)
}

func TestCheckAndRecord_ConcurrentAttemptsRespectCap(t *testing.T) {
	l, _ := newTestLimiter(Rules{MaxPerHour: 3})
	patient := uuid.New()

	var wg sync.WaitGroup
	var mu sync.Mutex
	allowed := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, err := l.CheckAndRecord(context.Background(), "t1", patient)
			if err == nil && d.Allowed {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 3, allowed)
}

func TestRules_DisabledRulesAlwaysPass(t *testing.T) {
	d := Rules{}.Evaluate(Usage{HourCount: 100, DayCount: 100, Last: time.Now()}, time.Now())
	assert.True(t, d.Allowed)
}

func TestLimiter_RulesReportsConfiguration(t *testing.T) {
	rules := Rules{MaxPerHour: 2, MaxPerDay: 5, Cooldown: 30 * time.Minute}
	l := NewLimiter(NewMemoryStore(), rules)
	assert.Equal(t, rules, l.Rules())
}
