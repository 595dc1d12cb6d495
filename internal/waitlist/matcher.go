package waitlist

import (
	"context"
	"fmt"
	"sort"
	"time"
)

const (
	DefaultMaxResults = 10
	maxResultsCeiling = 50
)

// SlotMatcher finds the waitlist entries that qualify for a freed slot.
type SlotMatcher struct {
	repo Repository
	loc  *time.Location
}

// NewSlotMatcher interprets slot times in loc; nil means UTC.
func NewSlotMatcher(repo Repository, loc *time.Location) *SlotMatcher {
	if loc == nil {
		loc = time.UTC
	}
	return &SlotMatcher{repo: repo, loc: loc}
}

// FindCandidates returns qualifying entries in priority order, oldest first
// within a priority. It has no side effects.
func (m *SlotMatcher) FindCandidates(ctx context.Context, tenantID string, slot SlotDescriptor, maxResults int) ([]WaitlistEntry, error) {
	if err := slot.Validate(); err != nil {
		return nil, err
	}
	limit := clampResults(maxResults)

	q := NewMatchQuery(tenantID, slot, m.loc, limit)
	entries, err := m.repo.ListMatchableEntries(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("list matchable entries: %w", err)
	}

	candidates := make([]WaitlistEntry, 0, len(entries))
	for i := range entries {
		if q.Matches(&entries[i]) {
			candidates = append(candidates, entries[i])
		}
	}

	SortCandidates(candidates)
	if len(candidates) > limit {
		candidates = candidates[:limit]
	}
	return candidates, nil
}

// SortCandidates orders by priority rank, then CreatedAt, then ID.
func SortCandidates(entries []WaitlistEntry) {
	sort.SliceStable(entries, func(i, j int) bool {
		a, b := &entries[i], &entries[j]
		if ra, rb := a.Priority.Rank(), b.Priority.Rank(); ra != rb {
			return ra < rb
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID.String() < b.ID.String()
	})
}

func clampResults(n int) int {
	switch {
	case n <= 0:
		return DefaultMaxResults
	case n > maxResultsCeiling:
		return maxResultsCeiling
	default:
		return n
	}
}
