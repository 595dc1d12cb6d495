package api

import (
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/waitlist-fulfillment/internal/waitlist"
)

type SlotRequest struct {
	ProviderID string    `json:"provider_id"`
	LocationID string    `json:"location_id"`
	Start      time.Time `json:"start"`
	End        time.Time `json:"end"`
}

type SlotOpeningRequest struct {
	SlotRequest
	MaxMatches int `json:"max_matches"`
}

type NotifyRequest struct {
	SlotRequest
	Method string `json:"method"`
}

type InboundReplyRequest struct {
	From string `json:"from"`
	Body string `json:"body"`
}

type HoldResponse struct {
	ID            uuid.UUID  `json:"id"`
	WaitlistID    uuid.UUID  `json:"waitlist_id"`
	ProviderID    uuid.UUID  `json:"provider_id"`
	LocationID    uuid.UUID  `json:"location_id"`
	SlotStart     time.Time  `json:"slot_start"`
	SlotEnd       time.Time  `json:"slot_end"`
	HoldUntil     time.Time  `json:"hold_until"`
	Status        string     `json:"status"`
	AppointmentID *uuid.UUID `json:"appointment_id,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	ResolvedAt    *time.Time `json:"resolved_at,omitempty"`
}

func toHoldResponse(h *waitlist.Hold) HoldResponse {
	return HoldResponse{
		ID:            h.ID,
		WaitlistID:    h.WaitlistID,
		ProviderID:    h.ProviderID,
		LocationID:    h.LocationID,
		SlotStart:     h.SlotStart,
		SlotEnd:       h.SlotEnd,
		HoldUntil:     h.HoldUntil,
		Status:        string(h.Status),
		AppointmentID: h.AppointmentID,
		CreatedAt:     h.CreatedAt,
		ResolvedAt:    h.ResolvedAt,
	}
}

type SlotMatchResponse struct {
	WaitlistID     uuid.UUID     `json:"waitlist_id"`
	PatientID      uuid.UUID     `json:"patient_id"`
	Priority       string        `json:"priority"`
	Hold           *HoldResponse `json:"hold,omitempty"`
	NotificationID *uuid.UUID    `json:"notification_id,omitempty"`
	Outcome        string        `json:"outcome"`
	Error          string        `json:"error,omitempty"`
}

type SlotOpeningResponse struct {
	Matches []SlotMatchResponse `json:"matches"`
}

type NotifyResponse struct {
	NotificationID uuid.UUID `json:"notification_id"`
	Method         string    `json:"method"`
	Outcome        string    `json:"outcome"`
}

type AcceptResponse struct {
	AppointmentID uuid.UUID    `json:"appointment_id"`
	Hold          HoldResponse `json:"hold"`
	Cancelled     []uuid.UUID  `json:"cancelled_hold_ids"`
}

type CancelResponse struct {
	OK   bool         `json:"ok"`
	Hold HoldResponse `json:"hold"`
}

type InboundReplyResponse struct {
	Matched bool   `json:"matched"`
	Action  string `json:"action,omitempty"`
}

type ListHoldsResponse struct {
	Holds []HoldResponse `json:"holds"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Outcome string `json:"outcome,omitempty"`
	Details string `json:"details,omitempty"`
	Rule    string `json:"rule,omitempty"`
}
