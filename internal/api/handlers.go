package api

import (
	"encoding/json"
	"errors"
	"math"
	"mime"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hackgods/waitlist-fulfillment/internal/waitlist"
)

type handlers struct {
	holds      HoldService
	replies    ReplyService
	log        zerolog.Logger
	maxMatches int
}

func (h *handlers) triggerSlotOpening(w http.ResponseWriter, r *http.Request) {
	var req SlotOpeningRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, ErrorResponse{Error: "invalid_request_body", Details: "could not parse JSON"})
		return
	}

	slot, ok := parseSlot(w, req.SlotRequest)
	if !ok {
		return
	}

	limit := req.MaxMatches
	if limit <= 0 {
		limit = h.maxMatches
	}

	matches, err := h.holds.ProcessSlotOpening(r.Context(), GetTenantID(r.Context()), slot, limit)
	if err != nil {
		h.writeOutcomeError(w, r, err)
		return
	}

	resp := SlotOpeningResponse{Matches: make([]SlotMatchResponse, 0, len(matches))}
	for _, m := range matches {
		item := SlotMatchResponse{
			WaitlistID: m.WaitlistID,
			PatientID:  m.PatientID,
			Priority:   string(m.Priority),
			Outcome:    string(m.Outcome),
		}
		if m.Hold != nil {
			hr := toHoldResponse(m.Hold)
			item.Hold = &hr
		}
		if m.NotificationID != uuid.Nil {
			id := m.NotificationID
			item.NotificationID = &id
		}
		if m.Err != nil {
			item.Error = publicMessage(m.Err)
		}
		resp.Matches = append(resp.Matches, item)
	}

	writeJSON(w, http.StatusOK, resp)
}

func (h *handlers) notifyCandidate(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r, "invalid_waitlist_id")
	if !ok {
		return
	}

	var req NotifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, ErrorResponse{Error: "invalid_request_body", Details: "could not parse JSON"})
		return
	}
	slot, ok := parseSlot(w, req.SlotRequest)
	if !ok {
		return
	}

	res, err := h.holds.NotifyCandidate(r.Context(), GetTenantID(r.Context()), id, waitlist.ContactMethod(req.Method), slot)
	if err != nil {
		if errors.Is(err, waitlist.ErrDeliveryFailed) && res.NotificationID != uuid.Nil {
			writeJSON(w, http.StatusBadGateway, NotifyResponse{
				NotificationID: res.NotificationID,
				Method:         string(res.Method),
				Outcome:        string(waitlist.OutcomeDeliveryFailed),
			})
			return
		}
		h.writeOutcomeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, NotifyResponse{
		NotificationID: res.NotificationID,
		Method:         string(res.Method),
		Outcome:        string(res.Outcome),
	})
}

func (h *handlers) acceptHold(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r, "invalid_hold_id")
	if !ok {
		return
	}

	res, err := h.holds.AcceptHold(r.Context(), GetTenantID(r.Context()), id)
	if err != nil {
		h.writeOutcomeError(w, r, err)
		return
	}

	cancelled := res.Cancelled
	if cancelled == nil {
		cancelled = []uuid.UUID{}
	}
	writeJSON(w, http.StatusOK, AcceptResponse{
		AppointmentID: res.AppointmentID,
		Hold:          toHoldResponse(res.Hold),
		Cancelled:     cancelled,
	})
}

func (h *handlers) cancelHold(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r, "invalid_hold_id")
	if !ok {
		return
	}

	hold, err := h.holds.CancelHold(r.Context(), GetTenantID(r.Context()), id)
	if err != nil {
		h.writeOutcomeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, CancelResponse{OK: true, Hold: toHoldResponse(hold)})
}

func (h *handlers) listHolds(w http.ResponseWriter, r *http.Request) {
	var f waitlist.HoldFilter
	q := r.URL.Query()

	if v := q.Get("waitlist_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, ErrorResponse{Error: "invalid_waitlist_id", Details: "waitlist_id must be a valid UUID"})
			return
		}
		f.WaitlistID = &id
	}
	if v := q.Get("status"); v != "" {
		st, err := waitlist.ParseHoldStatus(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, ErrorResponse{Error: "invalid_status", Details: err.Error()})
			return
		}
		f.Status = &st
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, ErrorResponse{Error: "invalid_limit", Details: "limit must be a positive integer"})
			return
		}
		f.Limit = n
	}

	holds, err := h.holds.ListHolds(r.Context(), GetTenantID(r.Context()), f)
	if err != nil {
		h.writeOutcomeError(w, r, err)
		return
	}

	resp := ListHoldsResponse{Holds: make([]HoldResponse, 0, len(holds))}
	for i := range holds {
		resp.Holds = append(resp.Holds, toHoldResponse(&holds[i]))
	}
	writeJSON(w, http.StatusOK, resp)
}

// inboundReply accepts the gateway callback as JSON or as a form post. Matched
// and unmatched replies look the same apart from the body.
func (h *handlers) inboundReply(w http.ResponseWriter, r *http.Request) {
	var req InboundReplyRequest

	ct, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	switch ct {
	case "application/x-www-form-urlencoded":
		if err := r.ParseForm(); err != nil {
			writeError(w, http.StatusBadRequest, ErrorResponse{Error: "invalid_request_body", Details: "could not parse form"})
			return
		}
		req.From = firstNonEmpty(r.PostForm.Get("from"), r.PostForm.Get("From"))
		req.Body = firstNonEmpty(r.PostForm.Get("body"), r.PostForm.Get("Body"))
	default:
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, ErrorResponse{Error: "invalid_request_body", Details: "could not parse JSON"})
			return
		}
	}

	out, err := h.replies.ProcessReply(r.Context(), GetTenantID(r.Context()), req.From, req.Body)
	if err != nil {
		h.writeOutcomeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, InboundReplyResponse{Matched: out.Matched, Action: string(out.Action)})
}

// writeOutcomeError is the single place engine errors become HTTP statuses.
func (h *handlers) writeOutcomeError(w http.ResponseWriter, r *http.Request, err error) {
	outcome := waitlist.Classify(err)
	resp := ErrorResponse{Error: string(outcome), Outcome: string(outcome), Details: publicMessage(err)}

	switch outcome {
	case waitlist.OutcomeValidation:
		writeError(w, http.StatusBadRequest, resp)
	case waitlist.OutcomeNotFound:
		writeError(w, http.StatusNotFound, resp)
	case waitlist.OutcomeConflict:
		writeError(w, http.StatusConflict, resp)
	case waitlist.OutcomeRateLimited:
		var rl *waitlist.RateLimitError
		if errors.As(err, &rl) {
			resp.Rule = string(rl.Decision.Rule)
			resp.Details = rl.Decision.Reason
			if rl.Decision.RetryAfter > 0 {
				w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(rl.Decision.RetryAfter.Seconds()))))
			}
		}
		writeError(w, http.StatusTooManyRequests, resp)
	case waitlist.OutcomeDeliveryFailed:
		writeError(w, http.StatusBadGateway, resp)
	default:
		h.log.Error().Err(err).
			Str("request_id", GetRequestID(r.Context())).
			Str("path", r.URL.Path).
			Msg("request failed")
		writeError(w, http.StatusInternalServerError, ErrorResponse{Error: "internal_error", Outcome: string(outcome)})
	}
}

// publicMessage hides store and transport internals behind the outcome class.
func publicMessage(err error) string {
	if waitlist.Classify(err) == waitlist.OutcomeError {
		return "internal error"
	}
	return err.Error()
}

func parseID(w http.ResponseWriter, r *http.Request, code string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, ErrorResponse{Error: code, Details: "id must be a valid UUID"})
		return uuid.Nil, false
	}
	return id, true
}

func parseSlot(w http.ResponseWriter, req SlotRequest) (waitlist.SlotDescriptor, bool) {
	providerID, err := uuid.Parse(req.ProviderID)
	if err != nil {
		writeError(w, http.StatusBadRequest, ErrorResponse{Error: "invalid_provider_id", Details: "provider_id must be a valid UUID"})
		return waitlist.SlotDescriptor{}, false
	}
	locationID, err := uuid.Parse(req.LocationID)
	if err != nil {
		writeError(w, http.StatusBadRequest, ErrorResponse{Error: "invalid_location_id", Details: "location_id must be a valid UUID"})
		return waitlist.SlotDescriptor{}, false
	}

	slot := waitlist.SlotDescriptor{
		ProviderID: providerID,
		LocationID: locationID,
		Start:      req.Start,
		End:        req.End,
	}
	if err := slot.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, ErrorResponse{Error: string(waitlist.OutcomeValidation), Details: err.Error()})
		return waitlist.SlotDescriptor{}, false
	}
	return slot, true
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, resp ErrorResponse) {
	writeJSON(w, status, resp)
}
