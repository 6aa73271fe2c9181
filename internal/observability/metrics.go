package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	CoursesCreatedTotal       = promauto.NewCounter(prometheus.CounterOpts{Namespace: "vtc_dispatch", Name: "courses_created_total", Help: "Courses opened for subcontracting"})
	ReservationsTotal         = promauto.NewCounter(prometheus.CounterOpts{Namespace: "vtc_dispatch", Name: "reservations_total", Help: "Successful course reservations"})
	ReservationConflictsTotal = promauto.NewCounter(prometheus.CounterOpts{Namespace: "vtc_dispatch", Name: "reservation_conflicts_total", Help: "Reservation attempts lost to a race or an existing hold"})
	ReservationsExpiredTotal  = promauto.NewCounter(prometheus.CounterOpts{Namespace: "vtc_dispatch", Name: "reservations_expired_total", Help: "Reservations reclaimed by the lazy expiry sweep"})
	PaymentsInitiatedTotal    = promauto.NewCounter(prometheus.CounterOpts{Namespace: "vtc_dispatch", Name: "payments_initiated_total", Help: "Commission checkout sessions created"})
	PaymentsFinalizedTotal    = promauto.NewCounter(prometheus.CounterOpts{Namespace: "vtc_dispatch", Name: "payments_finalized_total", Help: "Commission payments finalized into assignments"})
	WebhookEventsTotal        = promauto.NewCounter(prometheus.CounterOpts{Namespace: "vtc_dispatch", Name: "webhook_events_total", Help: "Payment webhook events received"})
	WebhookFailuresTotal      = promauto.NewCounter(prometheus.CounterOpts{Namespace: "vtc_dispatch", Name: "webhook_failures_total", Help: "Webhook deliveries acknowledged despite a processing failure"})
	RefundInvestigationsTotal = promauto.NewCounter(prometheus.CounterOpts{Namespace: "vtc_dispatch", Name: "refund_investigations_total", Help: "Paid sessions flagged for manual refund reconciliation"})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "vtc_dispatch", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "vtc_dispatch",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
