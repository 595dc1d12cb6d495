package waitlist

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hackgods/waitlist-fulfillment/internal/audit"
	"github.com/hackgods/waitlist-fulfillment/internal/directory"
	"github.com/hackgods/waitlist-fulfillment/internal/metrics"
)

const DefaultReplyLookback = 48 * time.Hour

type ReplyKind int

const (
	ReplyUnrecognized ReplyKind = iota
	ReplyAffirmative
	ReplyNegative
)

func (k ReplyKind) String() string {
	switch k {
	case ReplyAffirmative:
		return "affirmative"
	case ReplyNegative:
		return "negative"
	default:
		return "unrecognized"
	}
}

// Reply is a parsed inbound message. Token is the normalized text.
type Reply struct {
	Kind  ReplyKind
	Token string
}

var replyTokens = map[string]ReplyKind{
	"YES":     ReplyAffirmative,
	"Y":       ReplyAffirmative,
	"ACCEPT":  ReplyAffirmative,
	"NO":      ReplyNegative,
	"N":       ReplyNegative,
	"DECLINE": ReplyNegative,
}

// ParseReply trims, upper-cases and drops trailing punctuation before looking
// the text up. Anything but a bare token is unrecognized.
func ParseReply(raw string) Reply {
	token := strings.ToUpper(strings.TrimSpace(raw))
	token = strings.TrimRight(token, ".!?, ")
	return Reply{Kind: replyTokens[token], Token: token}
}

// ReplyAction is what a matched reply did.
type ReplyAction string

const (
	ActionAccepted ReplyAction = "accepted"
	ActionDeclined ReplyAction = "declined"
)

type ReplyOutcome struct {
	Matched        bool
	Action         ReplyAction
	NotificationID uuid.UUID
	HoldID         *uuid.UUID
}

// OfferDecliner releases the hold, or the entry, a negative reply refers to.
type OfferDecliner interface {
	DeclineOffer(ctx context.Context, tenantID string, waitlistID uuid.UUID, holdID *uuid.UUID) error
}

// ReplyResolver maps inbound free-text replies onto pending notifications.
type ReplyResolver struct {
	repo     Repository
	dir      Directory
	decliner OfferDecliner
	tx       Transactor
	audit    *audit.Recorder
	log      zerolog.Logger
	lookback time.Duration
	now      func() time.Time
}

func NewReplyResolver(repo Repository, dir Directory, decliner OfferDecliner, tx Transactor, rec *audit.Recorder, log zerolog.Logger, lookback time.Duration) *ReplyResolver {
	if lookback <= 0 {
		lookback = DefaultReplyLookback
	}
	return &ReplyResolver{
		repo:     repo,
		dir:      dir,
		decliner: decliner,
		tx:       tx,
		audit:    rec,
		log:      log.With().Str("component", "reply_resolver").Logger(),
		lookback: lookback,
		now:      time.Now,
	}
}

func (r *ReplyResolver) WithClock(now func() time.Time) *ReplyResolver {
	r.now = now
	return r
}

// ProcessReply never reports an unknown sender as an error; such replies look
// exactly like unmatched ones to the caller.
func (r *ReplyResolver) ProcessReply(ctx context.Context, tenantID, address, raw string) (ReplyOutcome, error) {
	var out ReplyOutcome

	addr := directory.NormalizeAddress(address)
	if addr == "" {
		return out, nil
	}
	patient, err := r.dir.FindPatientByContact(ctx, tenantID, addr)
	if err != nil {
		if errors.Is(err, directory.ErrPatientNotFound) {
			r.log.Debug().Str("tenant_id", tenantID).Msg("reply from unknown sender ignored")
			return out, nil
		}
		return out, fmt.Errorf("resolve sender: %w", err)
	}

	reply := ParseReply(raw)
	if reply.Kind == ReplyUnrecognized {
		metrics.RepliesTotal.WithLabelValues("unrecognized").Inc()
		return out, nil
	}

	now := r.now()
	rec, err := r.repo.LatestPendingNotification(ctx, tenantID, patient.ID, now.Add(-r.lookback))
	if err != nil {
		if errors.Is(err, ErrNotificationNotFound) {
			metrics.RepliesTotal.WithLabelValues("unmatched").Inc()
			return out, nil
		}
		return out, fmt.Errorf("find pending notification: %w", err)
	}

	resp, action, event := ResponseAccepted, ActionAccepted, audit.EventReplyAccepted
	if reply.Kind == ReplyNegative {
		resp, action, event = ResponseDeclined, ActionDeclined, audit.EventReplyDeclined
	}

	var recorded, stale bool
	err = r.tx.WithinTx(ctx, func(ctx context.Context) error {
		ok, err := r.repo.RecordResponse(ctx, tenantID, rec.ID, resp, now)
		if err != nil {
			return fmt.Errorf("record response: %w", err)
		}
		if !ok {
			// another reply resolved it first
			return nil
		}
		recorded = true

		switch reply.Kind {
		case ReplyAffirmative:
			if rec.HoldID != nil {
				live, err := r.holdIsLive(ctx, tenantID, *rec.HoldID, now)
				if err != nil {
					return err
				}
				if !live {
					// the offer is gone; the entry was already released or will be by expiry
					stale = true
					return nil
				}
			}
			if _, err := r.repo.TransitionEntry(ctx, tenantID, rec.WaitlistID,
				[]EntryStatus{EntryActive, EntryContacted}, EntryMatched, now); err != nil {
				return fmt.Errorf("mark entry matched: %w", err)
			}
		case ReplyNegative:
			if err := r.decliner.DeclineOffer(ctx, tenantID, rec.WaitlistID, rec.HoldID); err != nil {
				return fmt.Errorf("release declined offer: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return out, err
	}
	if !recorded {
		metrics.RepliesTotal.WithLabelValues("unmatched").Inc()
		return out, nil
	}
	if stale {
		r.log.Info().Str("notification_id", rec.ID.String()).Msg("affirmative reply to a closed offer")
		metrics.RepliesTotal.WithLabelValues("stale").Inc()
		r.audit.Emit(ctx, audit.Event{
			TenantID:   tenantID,
			Type:       audit.EventReplyStale,
			EntityType: "notification",
			EntityID:   audit.Ref(rec.ID),
			Payload: map[string]any{
				"waitlist_id": rec.WaitlistID.String(),
				"hold_id":     rec.HoldID.String(),
				"token":       reply.Token,
			},
		})
		return out, nil
	}

	payload := map[string]any{
		"waitlist_id": rec.WaitlistID.String(),
		"patient_id":  patient.ID.String(),
		"token":       reply.Token,
	}
	if rec.HoldID != nil {
		payload["hold_id"] = rec.HoldID.String()
	}
	r.audit.Emit(ctx, audit.Event{
		TenantID:   tenantID,
		Type:       event,
		EntityType: "notification",
		EntityID:   audit.Ref(rec.ID),
		Payload:    payload,
	})
	metrics.RepliesTotal.WithLabelValues(string(action)).Inc()

	return ReplyOutcome{
		Matched:        true,
		Action:         action,
		NotificationID: rec.ID,
		HoldID:         rec.HoldID,
	}, nil
}

func (r *ReplyResolver) holdIsLive(ctx context.Context, tenantID string, holdID uuid.UUID, now time.Time) (bool, error) {
	h, err := r.repo.GetHold(ctx, tenantID, holdID)
	if err != nil {
		if errors.Is(err, ErrHoldNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("load offered hold: %w", err)
	}
	return h.EffectiveStatus(now) == HoldActive, nil
}
