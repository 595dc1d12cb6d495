package waitlist

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"text/template"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hackgods/waitlist-fulfillment/internal/audit"
	"github.com/hackgods/waitlist-fulfillment/internal/directory"
	"github.com/hackgods/waitlist-fulfillment/internal/gateway"
	"github.com/hackgods/waitlist-fulfillment/internal/metrics"
	"github.com/hackgods/waitlist-fulfillment/internal/ratelimit"
)

type NotificationGateway interface {
	Send(ctx context.Context, msg gateway.Message) (gateway.Receipt, error)
}

type RateLimiter interface {
	CheckAndRecord(ctx context.Context, tenantID string, patientID uuid.UUID) (ratelimit.Decision, error)
}

// Directory is read-only access to patient contact data and provider names.
type Directory interface {
	GetPatient(ctx context.Context, tenantID string, id uuid.UUID) (*directory.Patient, error)
	FindPatientByContact(ctx context.Context, tenantID, address string) (*directory.Patient, error)
	GetProvider(ctx context.Context, tenantID string, id uuid.UUID) (*directory.Clinician, error)
}

type SendOptions struct {
	Method    ContactMethod // empty: patient preference, then sms
	HoldID    *uuid.UUID
	HoldUntil *time.Time
}

// DispatchResult describes one Send call. NotificationID is set whenever a
// record was written, including failed deliveries.
type DispatchResult struct {
	Outcome        Outcome
	NotificationID uuid.UUID
	Method         ContactMethod
	Decision       *ratelimit.Decision
}

const fallbackProviderName = "your provider"

var offerTemplate = template.Must(template.New("offer").Parse(
	`Hi {{.PatientName}}, an appointment with {{.ProviderName}} has opened on {{.When}}.` +
		`{{if .HoldUntil}} We are holding it for you until {{.HoldUntil}}.{{end}}` +
		` Reply YES to book or NO to decline.`))

type offerView struct {
	PatientName  string
	ProviderName string
	When         string
	HoldUntil    string
}

type Dispatcher struct {
	repo    Repository
	dir     Directory
	limiter RateLimiter
	gw      NotificationGateway
	audit   *audit.Recorder
	log     zerolog.Logger
	loc     *time.Location
	now     func() time.Time
}

func NewDispatcher(repo Repository, dir Directory, limiter RateLimiter, gw NotificationGateway, rec *audit.Recorder, log zerolog.Logger, loc *time.Location) *Dispatcher {
	if loc == nil {
		loc = time.UTC
	}
	return &Dispatcher{
		repo:    repo,
		dir:     dir,
		limiter: limiter,
		gw:      gw,
		audit:   rec,
		log:     log.With().Str("component", "dispatcher").Logger(),
		loc:     loc,
		now:     time.Now,
	}
}

func (d *Dispatcher) WithClock(now func() time.Time) *Dispatcher {
	d.now = now
	return d
}

// Send notifies the entry's patient about slot. A rate-limited attempt touches
// nothing. Otherwise the record is written before the gateway is called, and a
// gateway error leaves it failed.
func (d *Dispatcher) Send(ctx context.Context, tenantID string, entry *WaitlistEntry, slot SlotDescriptor, opts SendOptions) (DispatchResult, error) {
	res, err := d.send(ctx, tenantID, entry, slot, opts)
	res.Outcome = Classify(err)
	if err != nil && !errors.Is(err, ErrRateLimited) && !errors.Is(err, ErrDeliveryFailed) {
		d.reject(ctx, tenantID, entry, opts, res, err)
	}
	metrics.NotificationsTotal.WithLabelValues(string(res.Outcome)).Inc()
	return res, err
}

func (d *Dispatcher) send(ctx context.Context, tenantID string, entry *WaitlistEntry, slot SlotDescriptor, opts SendOptions) (DispatchResult, error) {
	var res DispatchResult

	patient, err := d.dir.GetPatient(ctx, tenantID, entry.PatientID)
	if err != nil {
		if errors.Is(err, directory.ErrPatientNotFound) {
			return res, fmt.Errorf("%w: %s", ErrPatientNotFound, entry.PatientID)
		}
		return res, fmt.Errorf("load patient: %w", err)
	}

	method, recipient, err := resolveContact(patient, opts.Method)
	if err != nil {
		return res, err
	}
	res.Method = method

	if opts.HoldID != nil {
		existing, err := d.repo.FindLiveNotificationForHold(ctx, tenantID, *opts.HoldID)
		switch {
		case err == nil:
			res.NotificationID = existing.ID
			return res, ErrAlreadyNotified
		case !errors.Is(err, ErrNotificationNotFound):
			return res, fmt.Errorf("check existing notification: %w", err)
		}
	}

	decision, err := d.limiter.CheckAndRecord(ctx, tenantID, entry.PatientID)
	if err != nil {
		return res, err
	}
	if !decision.Allowed {
		res.Decision = &decision
		d.audit.Emit(ctx, audit.Event{
			TenantID:   tenantID,
			Type:       audit.EventNotificationLimited,
			EntityType: "waitlist_entry",
			EntityID:   audit.Ref(entry.ID),
			Payload: map[string]any{
				"patient_id": entry.PatientID.String(),
				"rule":       string(decision.Rule),
				"count":      decision.Count,
				"limit":      decision.Limit,
				"reason":     decision.Reason,
			},
		})
		return res, &RateLimitError{Decision: decision}
	}

	providerName := d.providerName(ctx, tenantID, slot.ProviderID)
	now := d.now()

	rec := &NotificationRecord{
		TenantID:     tenantID,
		WaitlistID:   entry.ID,
		PatientID:    entry.PatientID,
		HoldID:       opts.HoldID,
		Method:       method,
		Recipient:    recipient,
		SlotStart:    slot.Start,
		SlotEnd:      slot.End,
		ProviderName: providerName,
		Status:       NotificationSent,
		CreatedAt:    now,
	}
	if err := d.repo.CreateNotification(ctx, rec); err != nil {
		return res, fmt.Errorf("create notification record: %w", err)
	}
	res.NotificationID = rec.ID

	body, err := d.render(patient.Name, providerName, slot, opts.HoldUntil)
	if err != nil {
		d.fail(ctx, rec, err)
		return res, fmt.Errorf("%w: %v", ErrDeliveryFailed, err)
	}

	receipt, err := d.gw.Send(ctx, gateway.Message{
		Channel:        string(method),
		To:             recipient,
		Subject:        "An appointment slot is available",
		Body:           body,
		IdempotencyKey: rec.ID.String(),
	})
	if err != nil {
		d.fail(ctx, rec, err)
		return res, fmt.Errorf("%w: %v", ErrDeliveryFailed, err)
	}

	if err := d.repo.SetDeliveryReference(ctx, tenantID, rec.ID, receipt.Reference); err != nil {
		d.log.Warn().Err(err).Str("notification_id", rec.ID.String()).Msg("failed to store delivery reference")
	}
	if _, err := d.repo.MarkEntryContacted(ctx, tenantID, entry.ID, now); err != nil {
		d.log.Warn().Err(err).Str("waitlist_id", entry.ID.String()).Msg("failed to mark entry contacted")
	}

	d.audit.Emit(ctx, audit.Event{
		TenantID:   tenantID,
		Type:       audit.EventNotificationSent,
		EntityType: "notification",
		EntityID:   audit.Ref(rec.ID),
		Payload:    recordPayload(rec, receipt.Reference),
	})
	return res, nil
}

func (d *Dispatcher) fail(ctx context.Context, rec *NotificationRecord, cause error) {
	if _, err := d.repo.MarkNotificationFailed(ctx, rec.TenantID, rec.ID, cause.Error()); err != nil {
		d.log.Error().Err(err).Str("notification_id", rec.ID.String()).Msg("failed to mark notification failed")
	}

	payload := recordPayload(rec, "")
	payload["error"] = cause.Error()
	d.audit.Emit(ctx, audit.Event{
		TenantID:   rec.TenantID,
		Type:       audit.EventNotificationFailed,
		EntityType: "notification",
		EntityID:   audit.Ref(rec.ID),
		Payload:    payload,
	})
	d.log.Warn().Err(cause).
		Str("notification_id", rec.ID.String()).
		Str("method", string(rec.Method)).
		Msg("notification delivery failed")
}

// reject audits attempts that stopped before the gateway for any reason other
// than the rate limiter, which emits its own event.
func (d *Dispatcher) reject(ctx context.Context, tenantID string, entry *WaitlistEntry, opts SendOptions, res DispatchResult, cause error) {
	payload := map[string]any{
		"patient_id": entry.PatientID.String(),
		"outcome":    string(res.Outcome),
		"error":      cause.Error(),
	}
	if opts.HoldID != nil {
		payload["hold_id"] = opts.HoldID.String()
	}
	if res.Method != "" {
		payload["method"] = string(res.Method)
	}
	if res.NotificationID != uuid.Nil {
		payload["notification_id"] = res.NotificationID.String()
	}
	d.audit.Emit(ctx, audit.Event{
		TenantID:   tenantID,
		Type:       audit.EventNotificationRejected,
		EntityType: "waitlist_entry",
		EntityID:   audit.Ref(entry.ID),
		Payload:    payload,
	})
}

func (d *Dispatcher) providerName(ctx context.Context, tenantID string, providerID uuid.UUID) string {
	c, err := d.dir.GetProvider(ctx, tenantID, providerID)
	if err != nil {
		if !errors.Is(err, directory.ErrProviderNotFound) {
			d.log.Warn().Err(err).Str("provider_id", providerID.String()).Msg("provider lookup failed")
		}
		return fallbackProviderName
	}
	return c.Name
}

func (d *Dispatcher) render(patientName, providerName string, slot SlotDescriptor, holdUntil *time.Time) (string, error) {
	v := offerView{
		PatientName:  patientName,
		ProviderName: providerName,
		When:         slot.Start.In(d.loc).Format("Mon Jan 2 at 3:04 PM"),
	}
	if holdUntil != nil {
		v.HoldUntil = holdUntil.In(d.loc).Format("3:04 PM Jan 2")
	}

	var buf bytes.Buffer
	if err := offerTemplate.Execute(&buf, v); err != nil {
		return "", fmt.Errorf("render offer message: %w", err)
	}
	return buf.String(), nil
}

// resolveContact picks the explicit method, else the patient's preference, else sms.
func resolveContact(p *directory.Patient, explicit ContactMethod) (ContactMethod, string, error) {
	method := explicit
	if method == "" && p.PreferredContactMethod != nil {
		if m, err := ParseContactMethod(*p.PreferredContactMethod); err == nil {
			method = m
		}
	}
	if method == "" {
		method = MethodSMS
	}
	if _, err := ParseContactMethod(string(method)); err != nil {
		return "", "", err
	}

	addr, ok := p.Address(string(method))
	if !ok {
		return "", "", fmt.Errorf("%w: %s", ErrNoContactAddress, method)
	}
	return method, addr, nil
}

func recordPayload(rec *NotificationRecord, reference string) map[string]any {
	p := map[string]any{
		"waitlist_id": rec.WaitlistID.String(),
		"patient_id":  rec.PatientID.String(),
		"method":      string(rec.Method),
		"slot_start":  rec.SlotStart,
	}
	if rec.HoldID != nil {
		p["hold_id"] = rec.HoldID.String()
	}
	if reference != "" {
		p["delivery_reference"] = reference
	}
	return p
}
