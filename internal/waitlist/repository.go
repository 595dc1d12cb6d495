package waitlist

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Repository contains all store interactions the engine needs. Status changes
// are compare-and-swap: the bool result is false when the row was not in the
// expected state.
type Repository interface {
	// Waitlist entries
	GetEntry(ctx context.Context, tenantID string, id uuid.UUID) (*WaitlistEntry, error)
	GetEntryForUpdate(ctx context.Context, tenantID string, id uuid.UUID) (*WaitlistEntry, error)
	ListMatchableEntries(ctx context.Context, q MatchQuery) ([]WaitlistEntry, error)
	TransitionEntry(ctx context.Context, tenantID string, id uuid.UUID, from []EntryStatus, to EntryStatus, at time.Time) (bool, error)
	MarkEntryContacted(ctx context.Context, tenantID string, id uuid.UUID, at time.Time) (bool, error)
	MarkEntryScheduled(ctx context.Context, tenantID string, id, appointmentID uuid.UUID, at time.Time) (bool, error)

	// Holds
	CreateHold(ctx context.Context, h *Hold) error
	GetHold(ctx context.Context, tenantID string, id uuid.UUID) (*Hold, error)
	GetHoldForUpdate(ctx context.Context, tenantID string, id uuid.UUID) (*Hold, error)
	UpdateHoldStatus(ctx context.Context, tenantID string, id uuid.UUID, from, to HoldStatus, at time.Time, appointmentID *uuid.UUID) (bool, error)
	ListHolds(ctx context.Context, tenantID string, f HoldFilter, now time.Time) ([]Hold, error)
	ListActiveHoldsForEntry(ctx context.Context, tenantID string, waitlistID uuid.UUID) ([]Hold, error)
	ListActiveHoldsForSlot(ctx context.Context, tenantID string, slot SlotDescriptor) ([]Hold, error)
	HasAcceptedHoldForSlot(ctx context.Context, tenantID string, slot SlotDescriptor) (bool, error)
	ListExpiredActiveHolds(ctx context.Context, now time.Time, limit int) ([]Hold, error)

	// Notification records
	CreateNotification(ctx context.Context, n *NotificationRecord) error
	SetDeliveryReference(ctx context.Context, tenantID string, id uuid.UUID, ref string) error
	MarkNotificationFailed(ctx context.Context, tenantID string, id uuid.UUID, msg string) (bool, error)
	FindLiveNotificationForHold(ctx context.Context, tenantID string, holdID uuid.UUID) (*NotificationRecord, error)
	LatestPendingNotification(ctx context.Context, tenantID string, patientID uuid.UUID, since time.Time) (*NotificationRecord, error)
	RecordResponse(ctx context.Context, tenantID string, id uuid.UUID, resp Response, at time.Time) (bool, error)
}

// Transactor runs fn as one atomic unit; repository calls made with the ctx
// passed to fn take part in it.
type Transactor interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// MatchQuery is the slot opening expressed in the terms entries are stored in.
// Stores use it to pre-filter; Matches is the authoritative predicate.
type MatchQuery struct {
	TenantID   string
	ProviderID uuid.UUID
	LocationID uuid.UUID
	SlotDate   time.Time // civil date of the slot start, midnight UTC
	Bucket     TimeOfDay // empty when the slot is outside every bucket
	Weekday    time.Weekday
	Limit      int
}

// NewMatchQuery interprets the slot start in the clinic's time zone.
func NewMatchQuery(tenantID string, slot SlotDescriptor, loc *time.Location, limit int) MatchQuery {
	local := slot.Start.In(loc)
	bucket, _ := BucketFor(local)
	return MatchQuery{
		TenantID:   tenantID,
		ProviderID: slot.ProviderID,
		LocationID: slot.LocationID,
		SlotDate:   dateOnly(local),
		Bucket:     bucket,
		Weekday:    local.Weekday(),
		Limit:      limit,
	}
}

func (q MatchQuery) Matches(e *WaitlistEntry) bool {
	if e.TenantID != q.TenantID || e.Status != EntryActive {
		return false
	}
	if e.ProviderID != nil && *e.ProviderID != q.ProviderID {
		return false
	}
	if e.LocationID != nil && *e.LocationID != q.LocationID {
		return false
	}
	if e.PreferredStartDate != nil && dateOnly(*e.PreferredStartDate).After(q.SlotDate) {
		return false
	}
	if e.PreferredEndDate != nil && dateOnly(*e.PreferredEndDate).Before(q.SlotDate) {
		return false
	}
	if e.PreferredTimeOfDay != TimeAny && e.PreferredTimeOfDay != "" {
		if q.Bucket == "" || e.PreferredTimeOfDay != q.Bucket {
			return false
		}
	}
	if len(e.PreferredDays) > 0 {
		found := false
		for _, d := range e.PreferredDays {
			if d == q.Weekday {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// dateOnly keeps the calendar date as written, dropping clock and zone.
func dateOnly(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
