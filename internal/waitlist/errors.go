package waitlist

import (
	"errors"
	"fmt"

	"github.com/hackgods/waitlist-fulfillment/internal/ratelimit"
)

var (
	ErrInvalidSlot      = errors.New("invalid slot")
	ErrInvalidMethod    = errors.New("invalid contact method")
	ErrInvalidStatus    = errors.New("invalid status")
	ErrNoContactAddress = errors.New("patient has no address for contact method")

	ErrEntryNotFound        = errors.New("waitlist entry not found")
	ErrHoldNotFound         = errors.New("hold not found")
	ErrNotificationNotFound = errors.New("notification not found")
	ErrPatientNotFound      = errors.New("patient not found")

	ErrHoldExpired     = errors.New("hold expired")
	ErrHoldResolved    = errors.New("hold already resolved")
	ErrSlotClaimed     = errors.New("slot already claimed by another patient")
	ErrEntryResolved   = errors.New("waitlist entry already resolved")
	ErrHoldBusy        = errors.New("hold is being resolved by another request")
	ErrAlreadyNotified = errors.New("notification already sent for this hold")
	ErrRateLimited     = errors.New("notification rate limited")
	ErrDeliveryFailed  = errors.New("notification delivery failed")
)

// RateLimitError carries the limiter's decision so callers can show which rule
// suppressed the notification.
type RateLimitError struct {
	Decision ratelimit.Decision
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("%s: %s", ErrRateLimited, e.Decision.Reason)
}

func (e *RateLimitError) Unwrap() error {
	return ErrRateLimited
}

// Outcome is the structured result class callers branch on.
type Outcome string

const (
	OutcomeOK             Outcome = "ok"
	OutcomeValidation     Outcome = "validation"
	OutcomeNotFound       Outcome = "not_found"
	OutcomeConflict       Outcome = "conflict"
	OutcomeRateLimited    Outcome = "rate_limited"
	OutcomeDeliveryFailed Outcome = "delivery_failed"
	OutcomeError          Outcome = "error"
)

func Classify(err error) Outcome {
	switch {
	case err == nil:
		return OutcomeOK
	case errors.Is(err, ErrInvalidSlot),
		errors.Is(err, ErrInvalidMethod),
		errors.Is(err, ErrInvalidStatus),
		errors.Is(err, ErrNoContactAddress):
		return OutcomeValidation
	case errors.Is(err, ErrEntryNotFound),
		errors.Is(err, ErrHoldNotFound),
		errors.Is(err, ErrNotificationNotFound),
		errors.Is(err, ErrPatientNotFound):
		return OutcomeNotFound
	case IsConflict(err):
		return OutcomeConflict
	case errors.Is(err, ErrRateLimited):
		return OutcomeRateLimited
	case errors.Is(err, ErrDeliveryFailed):
		return OutcomeDeliveryFailed
	default:
		return OutcomeError
	}
}

// IsConflict reports errors that mean "someone else already resolved this";
// the caller should move on to the next candidate.
func IsConflict(err error) bool {
	return errors.Is(err, ErrHoldExpired) ||
		errors.Is(err, ErrHoldResolved) ||
		errors.Is(err, ErrSlotClaimed) ||
		errors.Is(err, ErrEntryResolved) ||
		errors.Is(err, ErrHoldBusy) ||
		errors.Is(err, ErrAlreadyNotified)
}
