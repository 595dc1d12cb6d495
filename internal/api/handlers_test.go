package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hackgods/waitlist-fulfillment/internal/ratelimit"
	"github.com/hackgods/waitlist-fulfillment/internal/waitlist"
)

type stubHolds struct {
	tenant string
	slot   waitlist.SlotDescriptor
	max    int
	filter waitlist.HoldFilter
	method waitlist.ContactMethod

	matches []waitlist.SlotOpeningMatch
	notify  waitlist.DispatchResult
	accept  *waitlist.AcceptResult
	hold    *waitlist.Hold
	holds   []waitlist.Hold
	err     error
}

func (s *stubHolds) ProcessSlotOpening(_ context.Context, tenantID string, slot waitlist.SlotDescriptor, maxMatches int) ([]waitlist.SlotOpeningMatch, error) {
	s.tenant, s.slot, s.max = tenantID, slot, maxMatches
	return s.matches, s.err
}

func (s *stubHolds) NotifyCandidate(_ context.Context, tenantID string, _ uuid.UUID, method waitlist.ContactMethod, slot waitlist.SlotDescriptor) (waitlist.DispatchResult, error) {
	s.tenant, s.method, s.slot = tenantID, method, slot
	return s.notify, s.err
}

func (s *stubHolds) AcceptHold(_ context.Context, tenantID string, _ uuid.UUID) (*waitlist.AcceptResult, error) {
	s.tenant = tenantID
	return s.accept, s.err
}

func (s *stubHolds) CancelHold(_ context.Context, tenantID string, _ uuid.UUID) (*waitlist.Hold, error) {
	s.tenant = tenantID
	return s.hold, s.err
}

func (s *stubHolds) ListHolds(_ context.Context, tenantID string, f waitlist.HoldFilter) ([]waitlist.Hold, error) {
	s.tenant, s.filter = tenantID, f
	return s.holds, s.err
}

type stubReplies struct {
	from, body string
	out        waitlist.ReplyOutcome
	err        error
}

func (s *stubReplies) ProcessReply(_ context.Context, _, address, raw string) (waitlist.ReplyOutcome, error) {
	s.from, s.body = address, raw
	return s.out, s.err
}

func newTestRouter(holds *stubHolds, replies *stubReplies) http.Handler {
	return NewRouter(RouterConfig{
		Holds:         holds,
		Replies:       replies,
		Log:           zerolog.Nop(),
		Env:           "test",
		DefaultTenant: "default",
		MaxMatches:    10,
	})
}

func do(t *testing.T, h http.Handler, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func slotBody(extra string) string {
	return fmt.Sprintf(`{"provider_id":%q,"location_id":%q,"start":"2026-03-04T09:00:00Z","end":"2026-03-04T09:30:00Z"%s}`,
		uuid.NewString(), uuid.NewString(), extra)
}

func TestTriggerSlotOpening(t *testing.T) {
	holdID := uuid.New()
	noteID := uuid.New()
	holds := &stubHolds{matches: []waitlist.SlotOpeningMatch{
		{
			WaitlistID:     uuid.New(),
			Priority:       waitlist.PriorityUrgent,
			Hold:           &waitlist.Hold{ID: holdID, Status: waitlist.HoldActive},
			NotificationID: noteID,
			Outcome:        waitlist.OutcomeOK,
		},
		{
			WaitlistID: uuid.New(),
			Priority:   waitlist.PriorityHigh,
			Hold:       &waitlist.Hold{ID: uuid.New(), Status: waitlist.HoldActive},
			Outcome:    waitlist.OutcomeRateLimited,
			Err:        &waitlist.RateLimitError{Decision: ratelimit.Decision{Reason: "hourly cap reached"}},
		},
	}}
	h := newTestRouter(holds, &stubReplies{})

	rec := do(t, h, http.MethodPost, "/slot-openings", slotBody(""), map[string]string{"X-Tenant-ID": "clinic_a"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	resp := decode[SlotOpeningResponse](t, rec)
	require.Len(t, resp.Matches, 2)
	assert.Equal(t, holdID, resp.Matches[0].Hold.ID)
	assert.Equal(t, noteID, *resp.Matches[0].NotificationID)
	assert.Equal(t, "rate_limited", resp.Matches[1].Outcome)
	assert.Nil(t, resp.Matches[1].NotificationID)
	assert.Contains(t, resp.Matches[1].Error, "hourly cap")

	assert.Equal(t, "clinic_a", holds.tenant)
	assert.Equal(t, 10, holds.max)
	assert.Equal(t, time.Date(2026, 3, 4, 9, 0, 0, 0, time.UTC), holds.slot.Start.UTC())
}

func TestTriggerSlotOpening_Validation(t *testing.T) {
	holds := &stubHolds{}
	h := newTestRouter(holds, &stubReplies{})

	rec := do(t, h, http.MethodPost, "/slot-openings", `{"provider_id":"nope"}`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	bad := fmt.Sprintf(`{"provider_id":%q,"location_id":%q,"start":"2026-03-04T09:00:00Z","end":"2026-03-04T08:00:00Z"}`,
		uuid.NewString(), uuid.NewString())
	rec = do(t, h, http.MethodPost, "/slot-openings", bad, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "validation", decode[ErrorResponse](t, rec).Error)

	rec = do(t, h, http.MethodPost, "/slot-openings", slotBody(`,"max_matches":3`), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 3, holds.max)
	assert.Equal(t, "default", holds.tenant)
}

func TestTenantHeaderValidated(t *testing.T) {
	h := newTestRouter(&stubHolds{}, &stubReplies{})

	rec := do(t, h, http.MethodGet, "/holds", "", map[string]string{"X-Tenant-ID": "clinic-a; drop"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_tenant", decode[ErrorResponse](t, rec).Error)
}

func TestAcceptHold_OutcomeMapping(t *testing.T) {
	cases := []struct {
		err    error
		status int
		code   string
	}{
		{fmt.Errorf("accept: %w", waitlist.ErrHoldExpired), http.StatusConflict, "conflict"},
		{waitlist.ErrHoldResolved, http.StatusConflict, "conflict"},
		{waitlist.ErrHoldBusy, http.StatusConflict, "conflict"},
		{waitlist.ErrHoldNotFound, http.StatusNotFound, "not_found"},
		{errors.New("pq: connection refused"), http.StatusInternalServerError, "internal_error"},
	}
	for _, c := range cases {
		t.Run(c.code, func(t *testing.T) {
			h := newTestRouter(&stubHolds{err: c.err}, &stubReplies{})

			rec := do(t, h, http.MethodPost, "/holds/"+uuid.NewString()+"/accept", "", nil)
			assert.Equal(t, c.status, rec.Code)
			resp := decode[ErrorResponse](t, rec)
			assert.Equal(t, c.code, resp.Error)
			assert.NotContains(t, resp.Details, "connection refused")
		})
	}
}

func TestAcceptHold_Success(t *testing.T) {
	apptID := uuid.New()
	holdID := uuid.New()
	holds := &stubHolds{accept: &waitlist.AcceptResult{
		AppointmentID: apptID,
		Hold:          &waitlist.Hold{ID: holdID, Status: waitlist.HoldAccepted, AppointmentID: &apptID},
	}}
	h := newTestRouter(holds, &stubReplies{})

	rec := do(t, h, http.MethodPost, "/holds/"+holdID.String()+"/accept", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[AcceptResponse](t, rec)
	assert.Equal(t, apptID, resp.AppointmentID)
	assert.Equal(t, "accepted", resp.Hold.Status)
	assert.NotNil(t, resp.Cancelled)

	rec = do(t, h, http.MethodPost, "/holds/not-a-uuid/accept", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCancelHold(t *testing.T) {
	holds := &stubHolds{hold: &waitlist.Hold{ID: uuid.New(), Status: waitlist.HoldCancelled}}
	h := newTestRouter(holds, &stubReplies{})

	rec := do(t, h, http.MethodPost, "/holds/"+holds.hold.ID.String()+"/cancel", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[CancelResponse](t, rec)
	assert.True(t, resp.OK)
	assert.Equal(t, "cancelled", resp.Hold.Status)
}

func TestNotifyCandidate_RateLimited(t *testing.T) {
	holds := &stubHolds{err: &waitlist.RateLimitError{Decision: ratelimit.Decision{
		Rule:       ratelimit.RuleCooldown,
		RetryAfter: 90 * time.Second,
		Reason:     "cooldown active",
	}}}
	h := newTestRouter(holds, &stubReplies{})

	rec := do(t, h, http.MethodPost, "/waitlist/"+uuid.NewString()+"/notify", slotBody(`,"method":"sms"`), nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "90", rec.Header().Get("Retry-After"))

	resp := decode[ErrorResponse](t, rec)
	assert.Equal(t, "rate_limited", resp.Error)
	assert.Equal(t, "cooldown", resp.Rule)
	assert.Equal(t, "cooldown active", resp.Details)
	assert.Equal(t, waitlist.MethodSMS, holds.method)
}

func TestNotifyCandidate_DeliveryFailedReturnsRecord(t *testing.T) {
	noteID := uuid.New()
	holds := &stubHolds{
		notify: waitlist.DispatchResult{NotificationID: noteID, Method: waitlist.MethodEmail},
		err:    fmt.Errorf("%w: smtp timeout", waitlist.ErrDeliveryFailed),
	}
	h := newTestRouter(holds, &stubReplies{})

	rec := do(t, h, http.MethodPost, "/waitlist/"+uuid.NewString()+"/notify", slotBody(`,"method":"email"`), nil)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	resp := decode[NotifyResponse](t, rec)
	assert.Equal(t, noteID, resp.NotificationID)
	assert.Equal(t, "delivery_failed", resp.Outcome)
}

func TestListHolds_Filters(t *testing.T) {
	holds := &stubHolds{holds: []waitlist.Hold{{ID: uuid.New(), Status: waitlist.HoldExpired}}}
	h := newTestRouter(holds, &stubReplies{})
	wl := uuid.New()

	rec := do(t, h, http.MethodGet, "/holds?waitlist_id="+wl.String()+"&status=expired", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[ListHoldsResponse](t, rec)
	require.Len(t, resp.Holds, 1)
	assert.Equal(t, "expired", resp.Holds[0].Status)

	require.NotNil(t, holds.filter.WaitlistID)
	assert.Equal(t, wl, *holds.filter.WaitlistID)
	require.NotNil(t, holds.filter.Status)
	assert.Equal(t, waitlist.HoldExpired, *holds.filter.Status)

	rec = do(t, h, http.MethodGet, "/holds?status=pending", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestInboundReply_JSONAndForm(t *testing.T) {
	replies := &stubReplies{out: waitlist.ReplyOutcome{Matched: true, Action: waitlist.ActionAccepted}}
	h := newTestRouter(&stubHolds{}, replies)

	rec := do(t, h, http.MethodPost, "/webhooks/inbound-reply", `{"from":"+15551234567","body":"YES"}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[InboundReplyResponse](t, rec)
	assert.True(t, resp.Matched)
	assert.Equal(t, "accepted", resp.Action)

	form := url.Values{"From": {"+15557654321"}, "Body": {"no"}}
	req := httptest.NewRequest(http.MethodPost, "/webhooks/inbound-reply", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "+15557654321", replies.from)
	assert.Equal(t, "no", replies.body)
}

func TestInboundReply_UnmatchedIsOK(t *testing.T) {
	h := newTestRouter(&stubHolds{}, &stubReplies{})

	rec := do(t, h, http.MethodPost, "/webhooks/inbound-reply", `{"from":"+15550000000","body":"YES"}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"matched":false}`, rec.Body.String())
}

func TestHealthAndMetrics(t *testing.T) {
	h := newTestRouter(&stubHolds{}, &stubReplies{})

	rec := do(t, h, http.MethodGet, "/health/live", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, h, http.MethodGet, "/health/ready", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, h, http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}
