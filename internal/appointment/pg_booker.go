package appointment

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hackgods/waitlist-fulfillment/internal/db"
)

var (
	ErrSlotAlreadyBooked = errors.New("slot already has a booked appointment")
	ErrInvalidBooking    = errors.New("invalid booking request")
)

// PgBooker writes the appointment record. When called inside db.TxRunner.WithinTx
// the insert joins the caller's transaction, so a failed acceptance leaves no row.
type PgBooker struct {
	pool *pgxpool.Pool
}

func NewPgBooker(pool *pgxpool.Pool) *PgBooker {
	return &PgBooker{pool: pool}
}

func scanAppointment(row pgx.Row) (*Appointment, error) {
	var a Appointment

	err := row.Scan(
		&a.ID,
		&a.TenantID,
		&a.PatientID,
		&a.ProviderID,
		&a.LocationID,
		&a.StartTime,
		&a.EndTime,
		&a.Status,
		&a.Source,
		&a.WaitlistID,
		&a.HoldID,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (b *PgBooker) Book(ctx context.Context, req BookingRequest) (*Appointment, error) {
	if req.PatientID == uuid.Nil || req.ProviderID == uuid.Nil || !req.End.After(req.Start) {
		return nil, ErrInvalidBooking
	}

	q := db.Conn(ctx, b.pool)

	// Re-check inside the caller's scope for a booking made outside the waitlist flow.
	var exists bool
	err := q.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM appointments
			WHERE tenant_id = $1
			  AND provider_id = $2
			  AND status = 'booked'
			  AND start_time < $4
			  AND end_time > $3
		)
	`, req.TenantID, req.ProviderID, req.Start, req.End).Scan(&exists)
	if err != nil {
		return nil, fmt.Errorf("check existing booking: %w", err)
	}
	if exists {
		return nil, ErrSlotAlreadyBooked
	}

	row := q.QueryRow(ctx, `
		INSERT INTO appointments (id, tenant_id, patient_id, provider_id, location_id, start_time, end_time,
		                          status, source, waitlist_id, hold_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 'booked', $8, $9, $10, now(), now())
		RETURNING id, tenant_id, patient_id, provider_id, location_id, start_time, end_time,
		          status, source, waitlist_id, hold_id, created_at, updated_at
	`, uuid.New(), req.TenantID, req.PatientID, req.ProviderID, req.LocationID, req.Start, req.End,
		SourceWaitlist, req.WaitlistID, req.HoldID)

	appt, err := scanAppointment(row)
	if err != nil {
		if db.IsUniqueViolation(err, "") {
			return nil, ErrSlotAlreadyBooked
		}
		return nil, fmt.Errorf("insert appointment: %w", err)
	}
	return appt, nil
}
