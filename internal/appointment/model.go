package appointment

import (
	"time"

	"github.com/google/uuid"
)

type AppointmentStatus string

const (
	StatusBooked    AppointmentStatus = "booked"
	StatusCancelled AppointmentStatus = "cancelled"
)

const SourceWaitlist = "waitlist"

type Appointment struct {
	ID         uuid.UUID
	TenantID   string
	PatientID  uuid.UUID
	ProviderID uuid.UUID
	LocationID uuid.UUID
	StartTime  time.Time
	EndTime    time.Time
	Status     AppointmentStatus
	Source     string
	WaitlistID *uuid.UUID
	HoldID     *uuid.UUID
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// BookingRequest carries everything the booking record needs from an accepted hold.
type BookingRequest struct {
	TenantID   string
	PatientID  uuid.UUID
	ProviderID uuid.UUID
	LocationID uuid.UUID
	Start      time.Time
	End        time.Time
	WaitlistID uuid.UUID
	HoldID     uuid.UUID
}
