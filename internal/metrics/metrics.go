package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	RequestCount = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "waitlist_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"path", "method", "status"},
	)

	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "waitlist_http_request_duration_seconds",
			Help:    "Histogram of response durations",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"path", "method"},
	)

	// HoldsTotal counts hold lifecycle transitions (created, accepted, cancelled, expired, conflict).
	HoldsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "waitlist_holds_total",
			Help: "Hold lifecycle transitions",
		},
		[]string{"event"},
	)

	NotificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "waitlist_notifications_total",
			Help: "Notification dispatch outcomes",
		},
		[]string{"outcome"},
	)

	RepliesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "waitlist_replies_total",
			Help: "Inbound replies by resolved action",
		},
		[]string{"action"},
	)

	SlotOpeningCandidates = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "waitlist_slot_opening_candidates",
			Help:    "Number of candidates matched per slot opening",
			Buckets: []float64{0, 1, 2, 3, 5, 10, 20, 50},
		},
	)
)

var once sync.Once

func Init() {
	once.Do(func() {
		prometheus.MustRegister(
			RequestCount,
			RequestDuration,
			HoldsTotal,
			NotificationsTotal,
			RepliesTotal,
			SlotOpeningCandidates,
		)
	})
}
