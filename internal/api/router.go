package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/hackgods/waitlist-fulfillment/internal/waitlist"
)

// HoldService is the part of waitlist.HoldManager the HTTP boundary drives.
type HoldService interface {
	ProcessSlotOpening(ctx context.Context, tenantID string, slot waitlist.SlotDescriptor, maxMatches int) ([]waitlist.SlotOpeningMatch, error)
	NotifyCandidate(ctx context.Context, tenantID string, waitlistID uuid.UUID, method waitlist.ContactMethod, slot waitlist.SlotDescriptor) (waitlist.DispatchResult, error)
	AcceptHold(ctx context.Context, tenantID string, holdID uuid.UUID) (*waitlist.AcceptResult, error)
	CancelHold(ctx context.Context, tenantID string, holdID uuid.UUID) (*waitlist.Hold, error)
	ListHolds(ctx context.Context, tenantID string, f waitlist.HoldFilter) ([]waitlist.Hold, error)
}

type ReplyService interface {
	ProcessReply(ctx context.Context, tenantID, address, raw string) (waitlist.ReplyOutcome, error)
}

type RouterConfig struct {
	Holds         HoldService
	Replies       ReplyService
	Postgres      Pinger
	Redis         RedisPinger
	Log           zerolog.Logger
	Env           string
	Version       string
	DefaultTenant string
	MaxMatches    int
}

func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(MetricsMiddleware)
	r.Use(LoggingMiddleware(cfg.Log))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	health := NewHealthHandler(cfg.Postgres, cfg.Redis, cfg.Env, cfg.Version)
	r.Get("/health/live", health.Liveness)
	r.Get("/health/ready", health.Readiness)
	r.Handle("/metrics", promhttp.Handler())

	h := &handlers{
		holds:      cfg.Holds,
		replies:    cfg.Replies,
		log:        cfg.Log,
		maxMatches: cfg.MaxMatches,
	}

	r.Group(func(r chi.Router) {
		r.Use(TenantMiddleware(cfg.DefaultTenant))

		r.Post("/slot-openings", h.triggerSlotOpening)
		r.Post("/waitlist/{id}/notify", h.notifyCandidate)
		r.Get("/holds", h.listHolds)
		r.Post("/holds/{id}/accept", h.acceptHold)
		r.Post("/holds/{id}/cancel", h.cancelHold)
		r.Post("/webhooks/inbound-reply", h.inboundReply)
	})

	return r
}
