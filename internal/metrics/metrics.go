package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "meditime"

// Metrics holds all application metrics
type Metrics struct {
	// Booking and cancellation outcomes, labelled by result
	Bookings      *prometheus.CounterVec
	Cancellations *prometheus.CounterVec

	// Claims that could not be compensated after a failed persist
	OrphanedClaims prometheus.Counter

	// Index and record disagreements, labelled by kind
	IntegrityWarnings *prometheus.CounterVec
	IntegrityRepairs  *prometheus.CounterVec

	// Payment gateway
	PaymentConfirmations *prometheus.CounterVec
	GatewayLatency       *prometheus.HistogramVec

	// Critical section wait
	LockWait prometheus.Histogram

	// HTTP
	HTTPRequests *prometheus.CounterVec
	HTTPLatency  *prometheus.HistogramVec
}

// New creates and registers all application metrics on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	return &Metrics{
		Bookings: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bookings_total",
			Help:      "Booking attempts by result",
		}, []string{"result"}),
		Cancellations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cancellations_total",
			Help:      "Cancellation attempts by result",
		}, []string{"result"}),
		OrphanedClaims: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orphaned_claims_total",
			Help:      "Slot claims left behind after a failed persist and failed compensation",
		}),
		IntegrityWarnings: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "integrity_warnings_total",
			Help:      "Availability index and appointment record disagreements",
		}, []string{"kind"}),
		IntegrityRepairs: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "integrity_repairs_total",
			Help:      "Availability index entries repaired by the integrity checker",
		}, []string{"kind"}),
		PaymentConfirmations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payment_confirmations_total",
			Help:      "Payment confirmation attempts by result",
		}, []string{"result"}),
		GatewayLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "gateway_request_duration_seconds",
			Help:      "Duration of payment gateway calls",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10},
		}, []string{"operation"}),
		LockWait: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "slot_lock_wait_seconds",
			Help:      "Time spent waiting for a provider day lock",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		}),
		HTTPRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by route and status",
		}, []string{"method", "route", "status"}),
		HTTPLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by route",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
}

// NewUnregistered is for tests and one-shot tools that never expose /metrics.
func NewUnregistered() *Metrics {
	return New(prometheus.NewRegistry())
}
