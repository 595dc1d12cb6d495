// Package audit records every engine decision that touches patient contact or
// slot ownership. Sinks are external; a failing sink never fails the caller.
package audit

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	EventHoldCreated          = "HOLD_CREATED"
	EventHoldAccepted         = "HOLD_ACCEPTED"
	EventHoldCancelled        = "HOLD_CANCELLED"
	EventHoldExpired          = "HOLD_EXPIRED"
	EventNotificationSent     = "NOTIFICATION_SENT"
	EventNotificationFailed   = "NOTIFICATION_FAILED"
	EventNotificationLimited  = "NOTIFICATION_RATE_LIMITED"
	EventNotificationRejected = "NOTIFICATION_REJECTED"
	EventReplyAccepted        = "REPLY_ACCEPTED"
	EventReplyDeclined        = "REPLY_DECLINED"
	EventReplyStale           = "REPLY_STALE"
	EventSlotOpeningProcessed = "SLOT_OPENING_PROCESSED"
)

type Event struct {
	TenantID   string         `json:"tenant_id"`
	Type       string         `json:"event_type"`
	EntityType string         `json:"entity_type"` // hold, notification, waitlist_entry, slot
	EntityID   *uuid.UUID     `json:"entity_id,omitempty"`
	Payload    map[string]any `json:"payload,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

type Sink interface {
	Record(ctx context.Context, ev Event) error
}

// Recorder stamps events and swallows sink failures after logging them.
type Recorder struct {
	sink Sink
	log  zerolog.Logger
}

func NewRecorder(sink Sink, log zerolog.Logger) *Recorder {
	return &Recorder{sink: sink, log: log}
}

func (r *Recorder) Emit(ctx context.Context, ev Event) {
	if r == nil || r.sink == nil {
		return
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	if err := r.sink.Record(ctx, ev); err != nil {
		l := r.log.Warn().Err(err).Str("event_type", ev.Type).Str("tenant_id", ev.TenantID)
		if ev.EntityID != nil {
			l = l.Str("entity_id", ev.EntityID.String())
		}
		l.Msg("failed to record audit event")
	}
}

// Ref is a small helper for the EntityID field.
func Ref(id uuid.UUID) *uuid.UUID {
	return &id
}
