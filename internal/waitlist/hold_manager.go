package waitlist

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hackgods/waitlist-fulfillment/internal/appointment"
	"github.com/hackgods/waitlist-fulfillment/internal/audit"
	"github.com/hackgods/waitlist-fulfillment/internal/metrics"
	redisclient "github.com/hackgods/waitlist-fulfillment/internal/redis"
)

const expireBatchSize = 500

type Notifier interface {
	Send(ctx context.Context, tenantID string, entry *WaitlistEntry, slot SlotDescriptor, opts SendOptions) (DispatchResult, error)
}

// Booker creates the external appointment record. It must join the
// transaction carried by ctx so a failed acceptance leaves nothing behind.
type Booker interface {
	Book(ctx context.Context, req appointment.BookingRequest) (*appointment.Appointment, error)
}

type HoldManagerDeps struct {
	Repo     Repository
	Tx       Transactor
	Locker   redisclient.Locker
	Matcher  *SlotMatcher
	Notifier Notifier
	Booker   Booker
	Audit    *audit.Recorder
	Log      zerolog.Logger
}

// HoldManager owns hold creation and resolution, and with it slot exclusivity.
type HoldManager struct {
	repo     Repository
	tx       Transactor
	locker   redisclient.Locker
	matcher  *SlotMatcher
	notifier Notifier
	booker   Booker
	audit    *audit.Recorder
	log      zerolog.Logger
	holdTTL  time.Duration
	now      func() time.Time
}

func NewHoldManager(deps HoldManagerDeps, holdTTL time.Duration) *HoldManager {
	return &HoldManager{
		repo:     deps.Repo,
		tx:       deps.Tx,
		locker:   deps.Locker,
		matcher:  deps.Matcher,
		notifier: deps.Notifier,
		booker:   deps.Booker,
		audit:    deps.Audit,
		log:      deps.Log.With().Str("component", "hold_manager").Logger(),
		holdTTL:  holdTTL,
		now:      time.Now,
	}
}

func (m *HoldManager) WithClock(now func() time.Time) *HoldManager {
	m.now = now
	return m
}

// SlotOpeningMatch is the per-candidate result of ProcessSlotOpening. Hold is
// nil when the hold could not be stored.
type SlotOpeningMatch struct {
	WaitlistID     uuid.UUID
	PatientID      uuid.UUID
	Priority       Priority
	Hold           *Hold
	NotificationID uuid.UUID
	Outcome        Outcome
	Err            error
}

type AcceptResult struct {
	AppointmentID uuid.UUID
	Hold          *Hold
	Cancelled     []uuid.UUID // other holds released by this acceptance
}

// ProcessSlotOpening offers a freed slot to up to maxMatches candidates in rank
// order: one hold and one notification each. A candidate's failure is recorded
// on its match and never stops the rest of the batch.
func (m *HoldManager) ProcessSlotOpening(ctx context.Context, tenantID string, slot SlotDescriptor, maxMatches int) ([]SlotOpeningMatch, error) {
	if err := slot.Validate(); err != nil {
		return nil, err
	}

	claimed, err := m.repo.HasAcceptedHoldForSlot(ctx, tenantID, slot)
	if err != nil {
		return nil, fmt.Errorf("check slot: %w", err)
	}
	if claimed {
		return nil, ErrSlotClaimed
	}

	candidates, err := m.matcher.FindCandidates(ctx, tenantID, slot, maxMatches)
	if err != nil {
		return nil, err
	}
	metrics.SlotOpeningCandidates.Observe(float64(len(candidates)))

	matches := make([]SlotOpeningMatch, 0, len(candidates))
	for i := range candidates {
		matches = append(matches, m.offer(ctx, tenantID, &candidates[i], slot))
	}

	m.audit.Emit(ctx, audit.Event{
		TenantID:   tenantID,
		Type:       audit.EventSlotOpeningProcessed,
		EntityType: "slot",
		Payload: map[string]any{
			"provider_id": slot.ProviderID.String(),
			"location_id": slot.LocationID.String(),
			"slot_start":  slot.Start,
			"slot_end":    slot.End,
			"candidates":  len(candidates),
		},
	})
	m.log.Info().
		Str("tenant_id", tenantID).
		Str("provider_id", slot.ProviderID.String()).
		Time("slot_start", slot.Start).
		Int("candidates", len(candidates)).
		Msg("slot opening processed")

	return matches, nil
}

func (m *HoldManager) offer(ctx context.Context, tenantID string, entry *WaitlistEntry, slot SlotDescriptor) SlotOpeningMatch {
	match := SlotOpeningMatch{
		WaitlistID: entry.ID,
		PatientID:  entry.PatientID,
		Priority:   entry.Priority,
	}

	hold := &Hold{
		TenantID:   tenantID,
		WaitlistID: entry.ID,
		ProviderID: slot.ProviderID,
		LocationID: slot.LocationID,
		SlotStart:  slot.Start,
		SlotEnd:    slot.End,
		HoldUntil:  m.now().Add(m.holdTTL),
		Status:     HoldActive,
	}
	if err := m.repo.CreateHold(ctx, hold); err != nil {
		m.log.Error().Err(err).Str("waitlist_id", entry.ID.String()).Msg("failed to create hold")
		match.Err = fmt.Errorf("create hold: %w", err)
		match.Outcome = Classify(match.Err)
		return match
	}
	match.Hold = hold
	metrics.HoldsTotal.WithLabelValues("created").Inc()

	m.audit.Emit(ctx, audit.Event{
		TenantID:   tenantID,
		Type:       audit.EventHoldCreated,
		EntityType: "hold",
		EntityID:   audit.Ref(hold.ID),
		Payload: map[string]any{
			"waitlist_id": entry.ID.String(),
			"slot_start":  slot.Start,
			"hold_until":  hold.HoldUntil,
		},
	})

	res, err := m.notifier.Send(ctx, tenantID, entry, slot, SendOptions{
		HoldID:    &hold.ID,
		HoldUntil: &hold.HoldUntil,
	})
	match.NotificationID = res.NotificationID
	match.Outcome = Classify(err)
	match.Err = err
	if err != nil {
		m.log.Warn().Err(err).
			Str("waitlist_id", entry.ID.String()).
			Str("hold_id", hold.ID.String()).
			Str("outcome", string(match.Outcome)).
			Msg("candidate not notified")
	}
	return match
}

// AcceptHold books the held slot for the entry's patient. The read, validate
// and mutate sequence runs under the slot and entry locks and inside one
// transaction; exactly one acceptance per slot can succeed.
func (m *HoldManager) AcceptHold(ctx context.Context, tenantID string, holdID uuid.UUID) (*AcceptResult, error) {
	hold, err := m.repo.GetHold(ctx, tenantID, holdID)
	if err != nil {
		return nil, err
	}

	var (
		result  *AcceptResult
		expired bool
	)

	err = m.locker.WithLock(ctx, hold.Slot().Key(tenantID), func(ctx context.Context) error {
		return m.locker.WithLock(ctx, entryKey(tenantID, hold.WaitlistID), func(ctx context.Context) error {
			return m.tx.WithinTx(ctx, func(ctx context.Context) error {
				r, err := m.acceptLocked(ctx, tenantID, holdID)
				if errors.Is(err, ErrHoldExpired) {
					expired = true
				}
				result = r
				return err
			})
		})
	})

	if expired {
		m.expire(ctx, hold, "accept_after_expiry")
	}
	if err != nil {
		if errors.Is(err, redisclient.ErrLockNotAcquired) {
			err = ErrHoldBusy
		}
		if IsConflict(err) {
			metrics.HoldsTotal.WithLabelValues("conflict").Inc()
		}
		return nil, err
	}

	metrics.HoldsTotal.WithLabelValues("accepted").Inc()
	m.audit.Emit(ctx, audit.Event{
		TenantID:   tenantID,
		Type:       audit.EventHoldAccepted,
		EntityType: "hold",
		EntityID:   audit.Ref(holdID),
		Payload: map[string]any{
			"waitlist_id":    result.Hold.WaitlistID.String(),
			"appointment_id": result.AppointmentID.String(),
			"cancelled":      len(result.Cancelled),
		},
	})
	for _, id := range result.Cancelled {
		metrics.HoldsTotal.WithLabelValues("cancelled").Inc()
		m.audit.Emit(ctx, audit.Event{
			TenantID:   tenantID,
			Type:       audit.EventHoldCancelled,
			EntityType: "hold",
			EntityID:   audit.Ref(id),
			Payload:    map[string]any{"reason": "superseded", "accepted_hold_id": holdID.String()},
		})
	}

	return result, nil
}

func (m *HoldManager) acceptLocked(ctx context.Context, tenantID string, holdID uuid.UUID) (*AcceptResult, error) {
	now := m.now()

	hold, err := m.repo.GetHoldForUpdate(ctx, tenantID, holdID)
	if err != nil {
		return nil, err
	}
	switch hold.EffectiveStatus(now) {
	case HoldActive:
	case HoldExpired:
		return nil, ErrHoldExpired
	default:
		return nil, fmt.Errorf("%w: hold is %s", ErrHoldResolved, hold.Status)
	}

	entry, err := m.repo.GetEntryForUpdate(ctx, tenantID, hold.WaitlistID)
	if err != nil {
		return nil, err
	}
	if entry.Status.Resolved() {
		return nil, fmt.Errorf("%w: entry is %s", ErrEntryResolved, entry.Status)
	}

	slot := hold.Slot()
	claimed, err := m.repo.HasAcceptedHoldForSlot(ctx, tenantID, slot)
	if err != nil {
		return nil, fmt.Errorf("check slot: %w", err)
	}
	if claimed {
		return nil, ErrSlotClaimed
	}

	appt, err := m.booker.Book(ctx, appointment.BookingRequest{
		TenantID:   tenantID,
		PatientID:  entry.PatientID,
		ProviderID: hold.ProviderID,
		LocationID: hold.LocationID,
		Start:      hold.SlotStart,
		End:        hold.SlotEnd,
		WaitlistID: entry.ID,
		HoldID:     hold.ID,
	})
	if err != nil {
		if errors.Is(err, appointment.ErrSlotAlreadyBooked) {
			return nil, fmt.Errorf("%w: %v", ErrSlotClaimed, err)
		}
		return nil, fmt.Errorf("book appointment: %w", err)
	}

	ok, err := m.repo.UpdateHoldStatus(ctx, tenantID, hold.ID, HoldActive, HoldAccepted, now, &appt.ID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrHoldResolved
	}

	ok, err = m.repo.MarkEntryScheduled(ctx, tenantID, entry.ID, appt.ID, now)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrEntryResolved
	}

	var cancelled []uuid.UUID

	// The entry is scheduled: its other offers are moot.
	others, err := m.repo.ListActiveHoldsForEntry(ctx, tenantID, entry.ID)
	if err != nil {
		return nil, fmt.Errorf("list entry holds: %w", err)
	}
	for _, h := range others {
		if h.ID == hold.ID {
			continue
		}
		ok, err := m.repo.UpdateHoldStatus(ctx, tenantID, h.ID, HoldActive, HoldCancelled, now, nil)
		if err != nil {
			return nil, fmt.Errorf("cancel entry hold %s: %w", h.ID, err)
		}
		if ok {
			cancelled = append(cancelled, h.ID)
		}
	}

	// The slot is gone: other candidates' offers for it are moot too.
	rivals, err := m.repo.ListActiveHoldsForSlot(ctx, tenantID, slot)
	if err != nil {
		return nil, fmt.Errorf("list slot holds: %w", err)
	}
	for _, h := range rivals {
		if h.ID == hold.ID || h.WaitlistID == entry.ID {
			continue
		}
		ok, err := m.repo.UpdateHoldStatus(ctx, tenantID, h.ID, HoldActive, HoldCancelled, now, nil)
		if err != nil {
			return nil, fmt.Errorf("cancel slot hold %s: %w", h.ID, err)
		}
		if !ok {
			continue
		}
		cancelled = append(cancelled, h.ID)
		if err := m.releaseEntry(ctx, tenantID, h.WaitlistID, now, EntryContacted, EntryMatched); err != nil {
			return nil, err
		}
	}

	hold.Status = HoldAccepted
	hold.AppointmentID = &appt.ID
	hold.ResolvedAt = &now
	hold.UpdatedAt = now

	return &AcceptResult{
		AppointmentID: appt.ID,
		Hold:          hold,
		Cancelled:     cancelled,
	}, nil
}

// CancelHold withdraws an active hold. The entry goes back to active only when
// it is matched and holds nothing else.
func (m *HoldManager) CancelHold(ctx context.Context, tenantID string, holdID uuid.UUID) (*Hold, error) {
	return m.resolve(ctx, tenantID, holdID, "cancelled", EntryMatched)
}

// DeclineHold is CancelHold on behalf of the patient: a contacted entry is
// released as well, so it stays eligible for later openings.
func (m *HoldManager) DeclineHold(ctx context.Context, tenantID string, holdID uuid.UUID) (*Hold, error) {
	return m.resolve(ctx, tenantID, holdID, "declined", EntryContacted, EntryMatched)
}

// DeclineOffer releases whatever a negative reply refers to: the linked hold
// when there is one, otherwise the entry itself if it holds nothing.
func (m *HoldManager) DeclineOffer(ctx context.Context, tenantID string, waitlistID uuid.UUID, holdID *uuid.UUID) error {
	if holdID != nil {
		_, err := m.DeclineHold(ctx, tenantID, *holdID)
		if err == nil || errors.Is(err, ErrHoldResolved) || errors.Is(err, ErrHoldExpired) || errors.Is(err, ErrHoldNotFound) {
			return nil
		}
		return err
	}
	return m.tx.WithinTx(ctx, func(ctx context.Context) error {
		return m.releaseEntry(ctx, tenantID, waitlistID, m.now(), EntryContacted)
	})
}

func (m *HoldManager) resolve(ctx context.Context, tenantID string, holdID uuid.UUID, reason string, revertFrom ...EntryStatus) (*Hold, error) {
	var (
		hold    *Hold
		expired bool
	)

	err := m.tx.WithinTx(ctx, func(ctx context.Context) error {
		now := m.now()

		h, err := m.repo.GetHoldForUpdate(ctx, tenantID, holdID)
		if err != nil {
			return err
		}
		hold = h

		switch h.EffectiveStatus(now) {
		case HoldActive:
		case HoldExpired:
			expired = true
			return ErrHoldExpired
		default:
			return fmt.Errorf("%w: hold is %s", ErrHoldResolved, h.Status)
		}

		ok, err := m.repo.UpdateHoldStatus(ctx, tenantID, h.ID, HoldActive, HoldCancelled, now, nil)
		if err != nil {
			return err
		}
		if !ok {
			return ErrHoldResolved
		}
		h.Status = HoldCancelled
		h.ResolvedAt = &now
		h.UpdatedAt = now

		return m.releaseEntry(ctx, tenantID, h.WaitlistID, now, revertFrom...)
	})

	if expired {
		m.expire(ctx, hold, reason+"_after_expiry")
	}
	if err != nil {
		return nil, err
	}

	metrics.HoldsTotal.WithLabelValues("cancelled").Inc()
	m.audit.Emit(ctx, audit.Event{
		TenantID:   tenantID,
		Type:       audit.EventHoldCancelled,
		EntityType: "hold",
		EntityID:   audit.Ref(hold.ID),
		Payload:    map[string]any{"reason": reason, "waitlist_id": hold.WaitlistID.String()},
	})
	return hold, nil
}

// ExpireHolds persists the expiry of every active hold past its deadline and
// releases entries left without an offer. Lazy checks make it optional.
func (m *HoldManager) ExpireHolds(ctx context.Context) (int, error) {
	now := m.now()

	holds, err := m.repo.ListExpiredActiveHolds(ctx, now, expireBatchSize)
	if err != nil {
		return 0, fmt.Errorf("find expired holds: %w", err)
	}

	count := 0
	for i := range holds {
		if m.expire(ctx, &holds[i], "worker") {
			count++
		}
	}
	return count, nil
}

// expire flips an active hold to expired and reports whether it did. Errors are
// logged; a hold left active still reads as expired.
func (m *HoldManager) expire(ctx context.Context, h *Hold, reason string) bool {
	if h == nil {
		return false
	}

	var done bool
	err := m.tx.WithinTx(ctx, func(ctx context.Context) error {
		now := m.now()
		ok, err := m.repo.UpdateHoldStatus(ctx, h.TenantID, h.ID, HoldActive, HoldExpired, now, nil)
		if err != nil || !ok {
			return err
		}
		done = true
		return m.releaseEntry(ctx, h.TenantID, h.WaitlistID, now, EntryContacted, EntryMatched)
	})
	if err != nil {
		m.log.Error().Err(err).Str("hold_id", h.ID.String()).Msg("failed to expire hold")
		return false
	}
	if !done {
		return false
	}

	metrics.HoldsTotal.WithLabelValues("expired").Inc()
	m.audit.Emit(ctx, audit.Event{
		TenantID:   h.TenantID,
		Type:       audit.EventHoldExpired,
		EntityType: "hold",
		EntityID:   audit.Ref(h.ID),
		Payload:    map[string]any{"reason": reason, "waitlist_id": h.WaitlistID.String()},
	})
	return true
}

// releaseEntry returns the entry to active when it is in one of from and has
// no other live hold.
func (m *HoldManager) releaseEntry(ctx context.Context, tenantID string, waitlistID uuid.UUID, now time.Time, from ...EntryStatus) error {
	holds, err := m.repo.ListActiveHoldsForEntry(ctx, tenantID, waitlistID)
	if err != nil {
		return fmt.Errorf("list entry holds: %w", err)
	}
	for i := range holds {
		if holds[i].EffectiveStatus(now) == HoldActive {
			return nil
		}
	}

	if _, err := m.repo.TransitionEntry(ctx, tenantID, waitlistID, from, EntryActive, now); err != nil {
		return fmt.Errorf("release waitlist entry: %w", err)
	}
	return nil
}

// ListHolds reports holds with their effective status, so a hold past its
// deadline reads as expired whether or not a sweep has run.
func (m *HoldManager) ListHolds(ctx context.Context, tenantID string, f HoldFilter) ([]Hold, error) {
	now := m.now()

	holds, err := m.repo.ListHolds(ctx, tenantID, f, now)
	if err != nil {
		return nil, err
	}
	for i := range holds {
		holds[i].Status = holds[i].EffectiveStatus(now)
	}
	return holds, nil
}

// NotifyCandidate is a staff-initiated notification outside the slot-opening
// flow. No hold is created.
func (m *HoldManager) NotifyCandidate(ctx context.Context, tenantID string, waitlistID uuid.UUID, method ContactMethod, slot SlotDescriptor) (DispatchResult, error) {
	if method != "" {
		if _, err := ParseContactMethod(string(method)); err != nil {
			return DispatchResult{Outcome: OutcomeValidation}, err
		}
	}
	if err := slot.Validate(); err != nil {
		return DispatchResult{Outcome: OutcomeValidation}, err
	}

	entry, err := m.repo.GetEntry(ctx, tenantID, waitlistID)
	if err != nil {
		return DispatchResult{Outcome: Classify(err)}, err
	}
	if entry.Status.Resolved() {
		err := fmt.Errorf("%w: entry is %s", ErrEntryResolved, entry.Status)
		return DispatchResult{Outcome: OutcomeConflict}, err
	}

	return m.notifier.Send(ctx, tenantID, entry, slot, SendOptions{Method: method})
}
