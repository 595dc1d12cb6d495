package waitlist

import (
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
)

type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// Rank orders priorities ascending: urgent first.
func (p Priority) Rank() int {
	switch p {
	case PriorityUrgent:
		return 1
	case PriorityHigh:
		return 2
	case PriorityNormal:
		return 3
	case PriorityLow:
		return 4
	default:
		return 5
	}
}

type TimeOfDay string

const (
	TimeMorning   TimeOfDay = "morning"
	TimeAfternoon TimeOfDay = "afternoon"
	TimeEvening   TimeOfDay = "evening"
	TimeAny       TimeOfDay = "any"
)

// BucketFor places a wall-clock instant into morning [06,12), afternoon [12,17)
// or evening [17,20). Anything else has no bucket.
func BucketFor(t time.Time) (TimeOfDay, bool) {
	switch h := t.Hour(); {
	case h >= 6 && h < 12:
		return TimeMorning, true
	case h >= 12 && h < 17:
		return TimeAfternoon, true
	case h >= 17 && h < 20:
		return TimeEvening, true
	default:
		return "", false
	}
}

type EntryStatus string

const (
	EntryActive    EntryStatus = "active"
	EntryContacted EntryStatus = "contacted"
	EntryMatched   EntryStatus = "matched"
	EntryScheduled EntryStatus = "scheduled"
	EntryCancelled EntryStatus = "cancelled"
	EntryExpired   EntryStatus = "expired"
)

// Resolved entries never return to the pool.
func (s EntryStatus) Resolved() bool {
	return s == EntryScheduled || s == EntryCancelled || s == EntryExpired
}

type HoldStatus string

const (
	HoldActive    HoldStatus = "active"
	HoldAccepted  HoldStatus = "accepted"
	HoldCancelled HoldStatus = "cancelled"
	HoldExpired   HoldStatus = "expired"
)

func ParseHoldStatus(s string) (HoldStatus, error) {
	switch st := HoldStatus(s); st {
	case HoldActive, HoldAccepted, HoldCancelled, HoldExpired:
		return st, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidStatus, s)
}

type NotificationStatus string

const (
	NotificationSent     NotificationStatus = "sent"
	NotificationFailed   NotificationStatus = "failed"
	NotificationAccepted NotificationStatus = "accepted"
	NotificationDeclined NotificationStatus = "declined"
)

type Response string

const (
	ResponseAccepted Response = "accepted"
	ResponseDeclined Response = "declined"
)

type ContactMethod string

const (
	MethodSMS    ContactMethod = "sms"
	MethodEmail  ContactMethod = "email"
	MethodPortal ContactMethod = "portal"
)

func ParseContactMethod(s string) (ContactMethod, error) {
	switch m := ContactMethod(s); m {
	case MethodSMS, MethodEmail, MethodPortal:
		return m, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidMethod, s)
}

// WaitlistEntry is a patient's standing request for an appointment. Nil
// provider, location and date bounds, an empty day set and TimeAny all act as
// wildcards when matching.
type WaitlistEntry struct {
	ID                     uuid.UUID
	TenantID               string
	PatientID              uuid.UUID
	ProviderID             *uuid.UUID
	AppointmentTypeID      *uuid.UUID
	LocationID             *uuid.UUID
	Reason                 string
	Priority               Priority
	PreferredStartDate     *time.Time
	PreferredEndDate       *time.Time
	PreferredTimeOfDay     TimeOfDay
	PreferredDays          []time.Weekday
	Status                 EntryStatus
	CreatedAt              time.Time
	UpdatedAt              time.Time
	LastNotifiedAt         *time.Time
	ResolvedAt             *time.Time
	ScheduledAppointmentID *uuid.UUID
}

// SlotDescriptor is the freed appointment window handed to matching.
type SlotDescriptor struct {
	ProviderID uuid.UUID
	LocationID uuid.UUID
	Start      time.Time
	End        time.Time
}

func (s SlotDescriptor) Validate() error {
	switch {
	case s.ProviderID == uuid.Nil:
		return fmt.Errorf("%w: provider_id is required", ErrInvalidSlot)
	case s.LocationID == uuid.Nil:
		return fmt.Errorf("%w: location_id is required", ErrInvalidSlot)
	case s.Start.IsZero() || s.End.IsZero():
		return fmt.Errorf("%w: start and end are required", ErrInvalidSlot)
	case !s.End.After(s.Start):
		return fmt.Errorf("%w: end must be after start", ErrInvalidSlot)
	}
	return nil
}

// Key identifies the slot for exclusive scopes.
func (s SlotDescriptor) Key(tenantID string) string {
	return "slot:" + tenantID + ":" + s.ProviderID.String() + ":" + s.LocationID.String() + ":" +
		strconv.FormatInt(s.Start.UTC().Unix(), 10)
}

// Hold reserves one slot for one waitlist entry until HoldUntil.
type Hold struct {
	ID            uuid.UUID
	TenantID      string
	WaitlistID    uuid.UUID
	ProviderID    uuid.UUID
	LocationID    uuid.UUID
	SlotStart     time.Time
	SlotEnd       time.Time
	HoldUntil     time.Time
	Status        HoldStatus
	AppointmentID *uuid.UUID
	CreatedAt     time.Time
	UpdatedAt     time.Time
	ResolvedAt    *time.Time
}

func (h *Hold) Slot() SlotDescriptor {
	return SlotDescriptor{
		ProviderID: h.ProviderID,
		LocationID: h.LocationID,
		Start:      h.SlotStart,
		End:        h.SlotEnd,
	}
}

// EffectiveStatus reports an active hold past HoldUntil as expired even when
// no sweep has persisted that yet.
func (h *Hold) EffectiveStatus(now time.Time) HoldStatus {
	if h.Status == HoldActive && !now.Before(h.HoldUntil) {
		return HoldExpired
	}
	return h.Status
}

// NotificationRecord is one dispatch attempt. Status only moves forward:
// sent to failed, accepted or declined.
type NotificationRecord struct {
	ID                uuid.UUID
	TenantID          string
	WaitlistID        uuid.UUID
	PatientID         uuid.UUID
	HoldID            *uuid.UUID
	Method            ContactMethod
	Recipient         string
	SlotStart         time.Time
	SlotEnd           time.Time
	ProviderName      string
	DeliveryReference string
	Status            NotificationStatus
	PatientResponse   *Response
	CreatedAt         time.Time
	RespondedAt       *time.Time
	ErrorMessage      string
}

// HoldFilter selects holds for listing. Status is compared against EffectiveStatus.
type HoldFilter struct {
	WaitlistID *uuid.UUID
	Status     *HoldStatus
	Limit      int
}

func entryKey(tenantID string, id uuid.UUID) string {
	return "waitlist:" + tenantID + ":" + id.String()
}
