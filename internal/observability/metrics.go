package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "ride_booking"

// Booking outcomes used as the bookings_total label.
const (
	OutcomeBooked           = "booked"
	OutcomeNoDrivers        = "no_drivers"
	OutcomeDuplicate        = "duplicate_pending"
	OutcomeRiderUnavailable = "rider_location_unavailable"
	OutcomeError            = "error"
)

var (
	BookingsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "bookings_total", Help: "Ride booking attempts by outcome"},
		[]string{"outcome"},
	)
	BookingLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "booking_latency_seconds",
		Help:      "Time spent allocating a driver and persisting the ride",
		Buckets:   prometheus.DefBuckets,
	})
	CandidatesConsidered = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "candidates_considered",
		Help:      "Number of ranked driver candidates per booking",
		Buckets:   []float64{0, 1, 2, 3, 4, 5, 10, 20},
	})
	LocationSeedsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "location_seeds_total", Help: "Locations generated for entities without one"},
		[]string{"role"},
	)
	RideTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "ride_transitions_total", Help: "Applied ride status transitions"},
		[]string{"to"},
	)
	PostCommitFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "post_commit_failures_total", Help: "Best-effort steps after booking that failed"},
		[]string{"step"},
	)
	DriversConnected = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "drivers_connected", Help: "Drivers with an open dispatch websocket"})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
