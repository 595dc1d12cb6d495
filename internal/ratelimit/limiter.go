// Package ratelimit caps how often a single patient can be notified about
// open slots: an hourly cap, a daily cap and a cooldown since the last message.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type Rule string

const (
	RuleHourly   Rule = "hourly_cap"
	RuleDaily    Rule = "daily_cap"
	RuleCooldown Rule = "cooldown"
)

// Rules configure the limiter. A value <= 0 disables that rule.
type Rules struct {
	MaxPerHour int
	MaxPerDay  int
	Cooldown   time.Duration
}

// Usage is what a Store saw for a key before the current attempt.
type Usage struct {
	HourCount int
	DayCount  int
	Last      time.Time
	Recorded  bool
}

// Decision is the outcome of one CheckAndRecord call. Reason is set on rejection.
type Decision struct {
	Allowed    bool
	Rule       Rule
	Count      int
	Limit      int
	RetryAfter time.Duration
	Reason     string
}

// Store evaluates rules and records an attempt atomically, per key. It must not
// write anything when a rule rejects the attempt.
type Store interface {
	Apply(ctx context.Context, key string, rules Rules, now time.Time) (Usage, error)
}

type Limiter struct {
	store Store
	rules Rules
	now   func() time.Time
}

func NewLimiter(store Store, rules Rules) *Limiter {
	return &Limiter{store: store, rules: rules, now: time.Now}
}

// WithClock replaces the time source; tests use it to step through windows.
func (l *Limiter) WithClock(now func() time.Time) *Limiter {
	l.now = now
	return l
}

func (l *Limiter) Rules() Rules {
	return l.rules
}

// CheckAndRecord admits one notification for the patient if every rule passes.
func (l *Limiter) CheckAndRecord(ctx context.Context, tenantID string, patientID uuid.UUID) (Decision, error) {
	now := l.now()
	usage, err := l.store.Apply(ctx, Key(tenantID, patientID), l.rules, now)
	if err != nil {
		return Decision{}, fmt.Errorf("rate limit check: %w", err)
	}
	if usage.Recorded {
		return Decision{Allowed: true}, nil
	}

	d := l.rules.Evaluate(usage, now)
	if d.Allowed {
		// the store refused but no rule explains it; keep the refusal
		d = Decision{Reason: "rate limit store rejected the attempt"}
	}
	return d, nil
}

// Evaluate reports the first rule the usage violates, in hourly, daily, cooldown order.
func (r Rules) Evaluate(u Usage, now time.Time) Decision {
	if r.MaxPerHour > 0 && u.HourCount >= r.MaxPerHour {
		return Decision{
			Rule:   RuleHourly,
			Count:  u.HourCount,
			Limit:  r.MaxPerHour,
			Reason: fmt.Sprintf("hourly cap reached: %d of %d notifications in the last hour", u.HourCount, r.MaxPerHour),
		}
	}
	if r.MaxPerDay > 0 && u.DayCount >= r.MaxPerDay {
		return Decision{
			Rule:   RuleDaily,
			Count:  u.DayCount,
			Limit:  r.MaxPerDay,
			Reason: fmt.Sprintf("daily cap reached: %d of %d notifications in the last 24h", u.DayCount, r.MaxPerDay),
		}
	}
	if r.Cooldown > 0 && !u.Last.IsZero() {
		if since := now.Sub(u.Last); since < r.Cooldown {
			return Decision{
				Rule:       RuleCooldown,
				RetryAfter: r.Cooldown - since,
				Reason:     fmt.Sprintf("cooldown active: last notification %s ago, minimum %s", since.Round(time.Second), r.Cooldown),
			}
		}
	}
	return Decision{Allowed: true}
}

// Key scopes a window to one patient of one tenant.
func Key(tenantID string, patientID uuid.UUID) string {
	return "notify:" + tenantID + ":" + patientID.String()
}
