package waitlist

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hackgods/waitlist-fulfillment/internal/db"
)

const acceptedPerSlotIndex = "holds_one_accepted_per_slot"
const liveNotificationPerHoldIndex = "notification_records_one_live_per_hold"

type PgRepository struct {
	pool *pgxpool.Pool
}

func NewPgRepository(pool *pgxpool.Pool) *PgRepository {
	return &PgRepository{pool: pool}
}

func (r *PgRepository) q(ctx context.Context) db.Querier {
	return db.Conn(ctx, r.pool)
}

// Helpers

const entryColumns = `id, tenant_id, patient_id, provider_id, appointment_type_id, location_id, reason,
	priority, preferred_start_date, preferred_end_date, preferred_time_of_day, preferred_days, status,
	created_at, updated_at, last_notified_at, resolved_at, scheduled_appointment_id`

func scanEntry(row pgx.Row) (*WaitlistEntry, error) {
	var e WaitlistEntry
	var days []int16

	err := row.Scan(
		&e.ID,
		&e.TenantID,
		&e.PatientID,
		&e.ProviderID,
		&e.AppointmentTypeID,
		&e.LocationID,
		&e.Reason,
		&e.Priority,
		&e.PreferredStartDate,
		&e.PreferredEndDate,
		&e.PreferredTimeOfDay,
		&days,
		&e.Status,
		&e.CreatedAt,
		&e.UpdatedAt,
		&e.LastNotifiedAt,
		&e.ResolvedAt,
		&e.ScheduledAppointmentID,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrEntryNotFound
		}
		return nil, err
	}

	for _, d := range days {
		e.PreferredDays = append(e.PreferredDays, time.Weekday(d))
	}
	return &e, nil
}

const holdColumns = `id, tenant_id, waitlist_id, provider_id, location_id, slot_start, slot_end, hold_until,
	status, appointment_id, created_at, updated_at, resolved_at`

func scanHold(row pgx.Row) (*Hold, error) {
	var h Hold

	err := row.Scan(
		&h.ID,
		&h.TenantID,
		&h.WaitlistID,
		&h.ProviderID,
		&h.LocationID,
		&h.SlotStart,
		&h.SlotEnd,
		&h.HoldUntil,
		&h.Status,
		&h.AppointmentID,
		&h.CreatedAt,
		&h.UpdatedAt,
		&h.ResolvedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrHoldNotFound
		}
		return nil, err
	}
	return &h, nil
}

const notificationColumns = `id, tenant_id, waitlist_id, patient_id, hold_id, method, recipient, slot_start, slot_end,
	provider_name, delivery_reference, status, patient_response, created_at, responded_at, error_message`

func scanNotification(row pgx.Row) (*NotificationRecord, error) {
	var n NotificationRecord

	err := row.Scan(
		&n.ID,
		&n.TenantID,
		&n.WaitlistID,
		&n.PatientID,
		&n.HoldID,
		&n.Method,
		&n.Recipient,
		&n.SlotStart,
		&n.SlotEnd,
		&n.ProviderName,
		&n.DeliveryReference,
		&n.Status,
		&n.PatientResponse,
		&n.CreatedAt,
		&n.RespondedAt,
		&n.ErrorMessage,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotificationNotFound
		}
		return nil, err
	}
	return &n, nil
}

func collectHolds(rows pgx.Rows) ([]Hold, error) {
	defer rows.Close()

	var result []Hold
	for rows.Next() {
		h, err := scanHold(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *h)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func statusStrings(ss []EntryStatus) []string {
	out := make([]string, len(ss))
	for i, s := range ss {
		out[i] = string(s)
	}
	return out
}

// Waitlist entries

func (r *PgRepository) GetEntry(ctx context.Context, tenantID string, id uuid.UUID) (*WaitlistEntry, error) {
	row := r.q(ctx).QueryRow(ctx, `
		SELECT `+entryColumns+`
		FROM waitlist_entries
		WHERE tenant_id = $1 AND id = $2
	`, tenantID, id)
	return scanEntry(row)
}

func (r *PgRepository) GetEntryForUpdate(ctx context.Context, tenantID string, id uuid.UUID) (*WaitlistEntry, error) {
	row := r.q(ctx).QueryRow(ctx, `
		SELECT `+entryColumns+`
		FROM waitlist_entries
		WHERE tenant_id = $1 AND id = $2
		FOR UPDATE
	`, tenantID, id)
	return scanEntry(row)
}

func (r *PgRepository) ListMatchableEntries(ctx context.Context, mq MatchQuery) ([]WaitlistEntry, error) {
	var bucket *string
	if mq.Bucket != "" {
		b := string(mq.Bucket)
		bucket = &b
	}

	rows, err := r.q(ctx).Query(ctx, `
		SELECT `+entryColumns+`
		FROM waitlist_entries
		WHERE tenant_id = $1
		  AND status = 'active'
		  AND (provider_id IS NULL OR provider_id = $2)
		  AND (location_id IS NULL OR location_id = $3)
		  AND (preferred_start_date IS NULL OR preferred_start_date <= $4::date)
		  AND (preferred_end_date IS NULL OR preferred_end_date >= $4::date)
		  AND (preferred_time_of_day = 'any' OR preferred_time_of_day = $5)
		  AND (cardinality(preferred_days) = 0 OR $6::smallint = ANY (preferred_days))
		ORDER BY CASE priority
		           WHEN 'urgent' THEN 1
		           WHEN 'high' THEN 2
		           WHEN 'normal' THEN 3
		           ELSE 4
		         END,
		         created_at,
		         id
		LIMIT $7
	`, mq.TenantID, mq.ProviderID, mq.LocationID, mq.SlotDate, bucket, int16(mq.Weekday), mq.Limit)
	if err != nil {
		return nil, fmt.Errorf("query matchable entries: %w", err)
	}
	defer rows.Close()

	var result []WaitlistEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (r *PgRepository) TransitionEntry(ctx context.Context, tenantID string, id uuid.UUID, from []EntryStatus, to EntryStatus, at time.Time) (bool, error) {
	tag, err := r.q(ctx).Exec(ctx, `
		UPDATE waitlist_entries
		SET status = $3,
		    updated_at = $5
		WHERE tenant_id = $1
		  AND id = $2
		  AND status = ANY ($4)
	`, tenantID, id, to, statusStrings(from), at)
	if err != nil {
		return false, fmt.Errorf("transition waitlist entry: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *PgRepository) MarkEntryContacted(ctx context.Context, tenantID string, id uuid.UUID, at time.Time) (bool, error) {
	tag, err := r.q(ctx).Exec(ctx, `
		UPDATE waitlist_entries
		SET status = 'contacted',
		    last_notified_at = $3,
		    updated_at = $3
		WHERE tenant_id = $1
		  AND id = $2
		  AND status IN ('active', 'contacted')
	`, tenantID, id, at)
	if err != nil {
		return false, fmt.Errorf("mark entry contacted: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *PgRepository) MarkEntryScheduled(ctx context.Context, tenantID string, id, appointmentID uuid.UUID, at time.Time) (bool, error) {
	tag, err := r.q(ctx).Exec(ctx, `
		UPDATE waitlist_entries
		SET status = 'scheduled',
		    scheduled_appointment_id = $3,
		    resolved_at = $4,
		    updated_at = $4
		WHERE tenant_id = $1
		  AND id = $2
		  AND status IN ('active', 'contacted', 'matched')
	`, tenantID, id, appointmentID, at)
	if err != nil {
		return false, fmt.Errorf("mark entry scheduled: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// Holds

func (r *PgRepository) CreateHold(ctx context.Context, h *Hold) error {
	if h.ID == uuid.Nil {
		h.ID = uuid.New()
	}
	row := r.q(ctx).QueryRow(ctx, `
		INSERT INTO holds (id, tenant_id, waitlist_id, provider_id, location_id, slot_start, slot_end,
		                   hold_until, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 'active', now(), now())
		RETURNING `+holdColumns,
		h.ID, h.TenantID, h.WaitlistID, h.ProviderID, h.LocationID, h.SlotStart, h.SlotEnd, h.HoldUntil)

	created, err := scanHold(row)
	if err != nil {
		return fmt.Errorf("insert hold: %w", err)
	}
	*h = *created
	return nil
}

func (r *PgRepository) GetHold(ctx context.Context, tenantID string, id uuid.UUID) (*Hold, error) {
	row := r.q(ctx).QueryRow(ctx, `
		SELECT `+holdColumns+`
		FROM holds
		WHERE tenant_id = $1 AND id = $2
	`, tenantID, id)
	return scanHold(row)
}

func (r *PgRepository) GetHoldForUpdate(ctx context.Context, tenantID string, id uuid.UUID) (*Hold, error) {
	row := r.q(ctx).QueryRow(ctx, `
		SELECT `+holdColumns+`
		FROM holds
		WHERE tenant_id = $1 AND id = $2
		FOR UPDATE
	`, tenantID, id)
	return scanHold(row)
}

func (r *PgRepository) UpdateHoldStatus(ctx context.Context, tenantID string, id uuid.UUID, from, to HoldStatus, at time.Time, appointmentID *uuid.UUID) (bool, error) {
	tag, err := r.q(ctx).Exec(ctx, `
		UPDATE holds
		SET status = $4,
		    appointment_id = COALESCE($5, appointment_id),
		    resolved_at = $6,
		    updated_at = $6
		WHERE tenant_id = $1
		  AND id = $2
		  AND status = $3
	`, tenantID, id, from, to, appointmentID, at)
	if err != nil {
		if db.IsUniqueViolation(err, acceptedPerSlotIndex) {
			return false, ErrSlotClaimed
		}
		return false, fmt.Errorf("update hold status: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *PgRepository) ListHolds(ctx context.Context, tenantID string, f HoldFilter, now time.Time) ([]Hold, error) {
	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 500
	}

	var status *string
	if f.Status != nil {
		s := string(*f.Status)
		status = &s
	}

	rows, err := r.q(ctx).Query(ctx, `
		SELECT `+holdColumns+`
		FROM holds
		WHERE tenant_id = $1
		  AND ($2::uuid IS NULL OR waitlist_id = $2)
		  AND (
		        $3::text IS NULL
		     OR ($3 = 'active' AND status = 'active' AND hold_until > $4)
		     OR ($3 = 'expired' AND (status = 'expired' OR (status = 'active' AND hold_until <= $4)))
		     OR ($3 NOT IN ('active', 'expired') AND status = $3)
		  )
		ORDER BY created_at DESC
		LIMIT $5
	`, tenantID, f.WaitlistID, status, now, limit)
	if err != nil {
		return nil, fmt.Errorf("list holds: %w", err)
	}
	return collectHolds(rows)
}

func (r *PgRepository) ListActiveHoldsForEntry(ctx context.Context, tenantID string, waitlistID uuid.UUID) ([]Hold, error) {
	rows, err := r.q(ctx).Query(ctx, `
		SELECT `+holdColumns+`
		FROM holds
		WHERE tenant_id = $1
		  AND waitlist_id = $2
		  AND status = 'active'
		ORDER BY created_at
	`, tenantID, waitlistID)
	if err != nil {
		return nil, fmt.Errorf("list active holds for entry: %w", err)
	}
	return collectHolds(rows)
}

func (r *PgRepository) ListActiveHoldsForSlot(ctx context.Context, tenantID string, slot SlotDescriptor) ([]Hold, error) {
	rows, err := r.q(ctx).Query(ctx, `
		SELECT `+holdColumns+`
		FROM holds
		WHERE tenant_id = $1
		  AND provider_id = $2
		  AND location_id = $3
		  AND slot_start = $4
		  AND status = 'active'
		ORDER BY created_at
	`, tenantID, slot.ProviderID, slot.LocationID, slot.Start)
	if err != nil {
		return nil, fmt.Errorf("list active holds for slot: %w", err)
	}
	return collectHolds(rows)
}

func (r *PgRepository) HasAcceptedHoldForSlot(ctx context.Context, tenantID string, slot SlotDescriptor) (bool, error) {
	var exists bool
	err := r.q(ctx).QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM holds
			WHERE tenant_id = $1
			  AND provider_id = $2
			  AND location_id = $3
			  AND slot_start = $4
			  AND status = 'accepted'
		)
	`, tenantID, slot.ProviderID, slot.LocationID, slot.Start).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check accepted hold for slot: %w", err)
	}
	return exists, nil
}

func (r *PgRepository) ListExpiredActiveHolds(ctx context.Context, now time.Time, limit int) ([]Hold, error) {
	rows, err := r.q(ctx).Query(ctx, `
		SELECT `+holdColumns+`
		FROM holds
		WHERE status = 'active'
		  AND hold_until <= $1
		ORDER BY hold_until
		LIMIT $2
	`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("list expired holds: %w", err)
	}
	return collectHolds(rows)
}

// Notification records

func (r *PgRepository) CreateNotification(ctx context.Context, n *NotificationRecord) error {
	if n.ID == uuid.Nil {
		n.ID = uuid.New()
	}
	row := r.q(ctx).QueryRow(ctx, `
		INSERT INTO notification_records (id, tenant_id, waitlist_id, patient_id, hold_id, method, recipient,
		                                  slot_start, slot_end, provider_name, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, 'sent', $11)
		RETURNING `+notificationColumns,
		n.ID, n.TenantID, n.WaitlistID, n.PatientID, n.HoldID, n.Method, n.Recipient,
		n.SlotStart, n.SlotEnd, n.ProviderName, n.CreatedAt)

	created, err := scanNotification(row)
	if err != nil {
		if db.IsUniqueViolation(err, liveNotificationPerHoldIndex) {
			return ErrAlreadyNotified
		}
		return fmt.Errorf("insert notification record: %w", err)
	}
	*n = *created
	return nil
}

func (r *PgRepository) SetDeliveryReference(ctx context.Context, tenantID string, id uuid.UUID, ref string) error {
	_, err := r.q(ctx).Exec(ctx, `
		UPDATE notification_records
		SET delivery_reference = $3
		WHERE tenant_id = $1 AND id = $2
	`, tenantID, id, ref)
	if err != nil {
		return fmt.Errorf("set delivery reference: %w", err)
	}
	return nil
}

func (r *PgRepository) MarkNotificationFailed(ctx context.Context, tenantID string, id uuid.UUID, msg string) (bool, error) {
	tag, err := r.q(ctx).Exec(ctx, `
		UPDATE notification_records
		SET status = 'failed',
		    error_message = $3
		WHERE tenant_id = $1
		  AND id = $2
		  AND status = 'sent'
	`, tenantID, id, msg)
	if err != nil {
		return false, fmt.Errorf("mark notification failed: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *PgRepository) FindLiveNotificationForHold(ctx context.Context, tenantID string, holdID uuid.UUID) (*NotificationRecord, error) {
	row := r.q(ctx).QueryRow(ctx, `
		SELECT `+notificationColumns+`
		FROM notification_records
		WHERE tenant_id = $1
		  AND hold_id = $2
		  AND status <> 'failed'
		ORDER BY created_at DESC
		LIMIT 1
	`, tenantID, holdID)
	return scanNotification(row)
}

func (r *PgRepository) LatestPendingNotification(ctx context.Context, tenantID string, patientID uuid.UUID, since time.Time) (*NotificationRecord, error) {
	row := r.q(ctx).QueryRow(ctx, `
		SELECT `+notificationColumns+`
		FROM notification_records
		WHERE tenant_id = $1
		  AND patient_id = $2
		  AND status = 'sent'
		  AND patient_response IS NULL
		  AND created_at >= $3
		ORDER BY created_at DESC
		LIMIT 1
	`, tenantID, patientID, since)
	return scanNotification(row)
}

func (r *PgRepository) RecordResponse(ctx context.Context, tenantID string, id uuid.UUID, resp Response, at time.Time) (bool, error) {
	tag, err := r.q(ctx).Exec(ctx, `
		UPDATE notification_records
		SET status = $3,
		    patient_response = $3,
		    responded_at = $4
		WHERE tenant_id = $1
		  AND id = $2
		  AND status = 'sent'
		  AND patient_response IS NULL
	`, tenantID, id, resp, at)
	if err != nil {
		return false, fmt.Errorf("record notification response: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}
