package ratelimit

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps sliding logs in process. It is exact for a single
// instance and is what the tests and the simulator run against.
type MemoryStore struct {
	mu   sync.Mutex
	logs map[string][]time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{logs: make(map[string][]time.Time)}
}

func (s *MemoryStore) Apply(_ context.Context, key string, rules Rules, now time.Time) (Usage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	dayAgo := now.Add(-24 * time.Hour)
	hourAgo := now.Add(-time.Hour)

	kept := s.logs[key][:0]
	for _, t := range s.logs[key] {
		if !t.Before(dayAgo) {
			kept = append(kept, t)
		}
	}

	var u Usage
	for _, t := range kept {
		if t.After(hourAgo) {
			u.HourCount++
		}
		if t.After(u.Last) {
			u.Last = t
		}
	}
	u.DayCount = len(kept)

	if rules.Evaluate(u, now).Allowed {
		kept = append(kept, now)
		u.Recorded = true
	}
	if len(kept) == 0 {
		delete(s.logs, key)
	} else {
		s.logs[key] = kept
	}
	return u, nil
}
