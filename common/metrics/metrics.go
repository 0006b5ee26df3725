package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTPMetrics contains HTTP-related Prometheus metrics
type HTTPMetrics struct {
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
}

// BusinessMetrics covers checkout, webhook and fulfillment outcomes.
type BusinessMetrics struct {
	CheckoutSessionsCreated *prometheus.CounterVec
	CheckoutsRejected       *prometheus.CounterVec
	WebhookEvents           *prometheus.CounterVec
	PurchasesFulfilled      *prometheus.CounterVec
	DuplicateFulfillments   prometheus.Counter
	EntitlementsGranted     prometheus.Counter
	NotificationFailures    prometheus.Counter
	PricesRotated           *prometheus.CounterVec
	StripeAPIDuration       prometheus.Histogram
}

// NewHTTPMetrics creates HTTP metrics for a service
func NewHTTPMetrics(serviceName string, reg prometheus.Registerer) *HTTPMetrics {
	factory := promauto.With(reg)
	return &HTTPMetrics{
		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: serviceName + "_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    serviceName + "_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
	}
}

// NewBusinessMetrics registers the business metrics on reg. Tests pass a
// fresh prometheus.NewRegistry().
func NewBusinessMetrics(serviceName string, reg prometheus.Registerer) *BusinessMetrics {
	factory := promauto.With(reg)
	return &BusinessMetrics{
		CheckoutSessionsCreated: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: serviceName + "_checkout_sessions_created_total",
				Help: "Checkout sessions created at the payment provider",
			},
			[]string{"purchase_type"},
		),
		CheckoutsRejected: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: serviceName + "_checkouts_rejected_total",
				Help: "Checkout requests rejected before reaching the payment provider",
			},
			[]string{"reason"},
		),
		WebhookEvents: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: serviceName + "_webhook_events_total",
				Help: "Webhook deliveries by event kind and outcome",
			},
			[]string{"kind", "outcome"},
		),
		PurchasesFulfilled: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: serviceName + "_purchases_fulfilled_total",
				Help: "Purchase rows created by fulfillment",
			},
			[]string{"purchase_type"},
		),
		DuplicateFulfillments: factory.NewCounter(
			prometheus.CounterOpts{
				Name: serviceName + "_duplicate_fulfillments_total",
				Help: "Fulfillment calls for sessions that already had a purchase",
			},
		),
		EntitlementsGranted: factory.NewCounter(
			prometheus.CounterOpts{
				Name: serviceName + "_entitlements_granted_total",
				Help: "New entitlement rows written",
			},
		),
		NotificationFailures: factory.NewCounter(
			prometheus.CounterOpts{
				Name: serviceName + "_notification_failures_total",
				Help: "Purchase confirmations that could not be sent",
			},
		),
		PricesRotated: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: serviceName + "_prices_rotated_total",
				Help: "External prices created by price sync",
			},
			[]string{"item_type"},
		),
		StripeAPIDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    serviceName + "_stripe_api_duration_seconds",
				Help:    "Stripe API call duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
		),
	}
}

// RecordHTTPRequest records an HTTP request metric
func (m *HTTPMetrics) RecordHTTPRequest(method, path, status string, duration time.Duration) {
	m.RequestsTotal.WithLabelValues(method, path, status).Inc()
	m.RequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}
