package util

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ReservationsCreatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "reservations_created_total",
		Help: "Total number of reservations created",
	})

	ReservationsRejectedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reservations_rejected_total",
		Help: "Total number of rejected reservation requests",
	}, []string{"reason"})

	ReservationTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reservation_transitions_total",
		Help: "Total number of reservation status transitions",
	}, []string{"status"})

	SpotAcquireConflictsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "spot_acquire_conflicts_total",
		Help: "Total number of lost compare-and-swap attempts on spot status",
	}, []string{"op"})

	SessionsStartedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sessions_started_total",
		Help: "Total number of charging sessions started",
	})

	SessionsFinishedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sessions_finished_total",
		Help: "Total number of charging sessions finished",
	}, []string{"status"})

	SessionProgressRejectedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "session_progress_rejected_total",
		Help: "Total number of stale or invalid progress points",
	})

	PaymentIntentsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payment_intents_total",
		Help: "Total number of payment intents created",
	}, []string{"method"})

	PaymentCallbacksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payment_callbacks_total",
		Help: "Total number of gateway callbacks by outcome",
	}, []string{"provider", "result"})

	PaymentProcessingLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "payment_processing_latency_seconds",
		Help:    "Latency of applying a payment outcome",
		Buckets: prometheus.DefBuckets,
	})

	NotificationsSentTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "notifications_sent_total",
		Help: "Total number of notifications delivered to a transport",
	}, []string{"transport"})

	NotificationsDroppedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "notifications_dropped_total",
		Help: "Total number of notifications given up on",
	}, []string{"reason"})

	SweepActionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reservation_sweep_actions_total",
		Help: "Total number of reservations changed by the sweep",
	}, []string{"action"})

	SweepDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "reservation_sweep_duration_seconds",
		Help:    "Duration of one reservation sweep",
		Buckets: prometheus.DefBuckets,
	})

	WebsocketConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "websocket_connections",
		Help: "Number of open websocket subscribers",
	})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})
)
