package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/timour/course-checkout/common/metrics"
	"github.com/timour/course-checkout/payments/fulfillment"
	"github.com/timour/course-checkout/payments/processor"
)

const (
	SignatureHeader = "Stripe-Signature"
	maxBodyBytes    = int64(65536)
)

// Kind is the closed set of provider events this service acts on.
type Kind string

const (
	KindIgnored                Kind = "ignored"
	KindCheckoutCompleted      Kind = "checkout_completed"
	KindSubscriptionUpdated    Kind = "subscription_updated"
	KindSubscriptionDeleted    Kind = "subscription_deleted"
	KindPaymentIntentSucceeded Kind = "payment_intent_succeeded"
	KindPaymentIntentFailed    Kind = "payment_intent_failed"
)

var eventKinds = map[string]Kind{
	"checkout.session.completed":    KindCheckoutCompleted,
	"customer.subscription.updated": KindSubscriptionUpdated,
	"customer.subscription.deleted": KindSubscriptionDeleted,
	"payment_intent.succeeded":      KindPaymentIntentSucceeded,
	"payment_intent.payment_failed": KindPaymentIntentFailed,
}

// Classify maps a provider event type to a Kind. Anything unknown is
// KindIgnored.
func Classify(eventType string) Kind {
	if k, ok := eventKinds[eventType]; ok {
		return k
	}
	return KindIgnored
}

type Verifier interface {
	VerifySignature(payload []byte, header, secret string) (*processor.Event, error)
}

type Fulfiller interface {
	FulfillCheckoutSession(ctx context.Context, sessionID string) (*fulfillment.Outcome, error)
}

type SubscriptionSyncer interface {
	SyncFromCheckout(ctx context.Context, sessionID string) error
	Sync(ctx context.Context, subscriptionID string) error
}

type handlerFunc func(ctx context.Context, event *processor.Event) error

type Config struct {
	Secret  string
	Timeout time.Duration
}

type Dispatcher struct {
	verifier  Verifier
	fulfiller Fulfiller
	subs      SubscriptionSyncer
	config    Config
	handlers  map[Kind]handlerFunc
	logger    *slog.Logger
	metrics   *metrics.BusinessMetrics
}

func NewDispatcher(verifier Verifier, fulfiller Fulfiller, subs SubscriptionSyncer, cfg Config, logger *slog.Logger, m *metrics.BusinessMetrics) *Dispatcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	d := &Dispatcher{
		verifier:  verifier,
		fulfiller: fulfiller,
		subs:      subs,
		config:    cfg,
		logger:    logger,
		metrics:   m,
	}
	d.handlers = map[Kind]handlerFunc{
		KindCheckoutCompleted:      d.handleCheckoutCompleted,
		KindSubscriptionUpdated:    d.handleSubscriptionChanged,
		KindSubscriptionDeleted:    d.handleSubscriptionChanged,
		KindPaymentIntentSucceeded: d.logPaymentIntent,
		KindPaymentIntentFailed:    d.logPaymentIntent,
	}
	return d
}

// ServeHTTP reads the raw body and answers with the status from Handle.
func (d *Dispatcher) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		d.logger.Error("failed to read webhook body", slog.Any("error", err))
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}

	status := d.Handle(r.Context(), payload, r.Header.Get(SignatureHeader))
	w.WriteHeader(status)
}

// Handle verifies, classifies and dispatches one delivery. 200 means
// processed or ignored; any other status asks the provider to retry.
func (d *Dispatcher) Handle(ctx context.Context, payload []byte, signature string) int {
	if d.config.Secret == "" {
		d.logger.Error("webhook secret not configured, rejecting event")
		d.count(KindIgnored, "unconfigured")
		return http.StatusServiceUnavailable
	}

	event, err := d.verifier.VerifySignature(payload, signature, d.config.Secret)
	if err != nil {
		d.logger.Warn("webhook signature verification failed",
			slog.Bool("security", true),
			slog.Bool("signature_present", signature != ""),
			slog.Any("error", err),
		)
		d.count(KindIgnored, "rejected")
		return http.StatusBadRequest
	}

	kind := Classify(event.Type)
	handler, ok := d.handlers[kind]
	if !ok {
		d.logger.Debug("ignoring webhook event", slog.String("event_id", event.ID), slog.String("event_type", event.Type))
		d.count(kind, "ignored")
		return http.StatusOK
	}

	ctx, cancel := context.WithTimeout(ctx, d.config.Timeout)
	defer cancel()
	ctx, span := otel.Tracer("payments").Start(ctx, "webhook."+string(kind))
	defer span.End()
	span.SetAttributes(
		attribute.String("webhook.event_id", event.ID),
		attribute.String("webhook.event_type", event.Type),
	)

	if err := handler(ctx, event); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		d.logger.Error("webhook handler failed",
			slog.String("event_id", event.ID),
			slog.String("event_type", event.Type),
			slog.Any("error", err),
		)
		d.count(kind, "error")
		return http.StatusInternalServerError
	}

	d.count(kind, "processed")
	return http.StatusOK
}

type sessionObject struct {
	ID            string `json:"id"`
	Mode          string `json:"mode"`
	PaymentStatus string `json:"payment_status"`
}

type objectRef struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

func (d *Dispatcher) handleCheckoutCompleted(ctx context.Context, event *processor.Event) error {
	var s sessionObject
	if err := json.Unmarshal(event.Data, &s); err != nil {
		return fmt.Errorf("failed to parse checkout session: %w", err)
	}
	if s.ID == "" {
		return errors.New("checkout session without id")
	}

	if processor.SessionMode(s.Mode) == processor.SessionModeSubscription {
		return d.subs.SyncFromCheckout(ctx, s.ID)
	}

	out, err := d.fulfiller.FulfillCheckoutSession(ctx, s.ID)
	if err != nil {
		return err
	}
	d.logger.Info("checkout session reconciled",
		slog.String("event_id", event.ID),
		slog.String("session_id", s.ID),
		slog.String("purchase_id", out.Purchase.ID),
		slog.Bool("duplicate", out.Duplicate),
	)
	return nil
}

func (d *Dispatcher) handleSubscriptionChanged(ctx context.Context, event *processor.Event) error {
	var sub objectRef
	if err := json.Unmarshal(event.Data, &sub); err != nil {
		return fmt.Errorf("failed to parse subscription: %w", err)
	}
	if sub.ID == "" {
		return errors.New("subscription without id")
	}
	return d.subs.Sync(ctx, sub.ID)
}

// Payment intent outcomes already show up through checkout completion.
func (d *Dispatcher) logPaymentIntent(ctx context.Context, event *processor.Event) error {
	var pi objectRef
	if err := json.Unmarshal(event.Data, &pi); err != nil {
		d.logger.Warn("unparseable payment intent", slog.String("event_id", event.ID), slog.Any("error", err))
		return nil
	}
	d.logger.Info("payment intent event",
		slog.String("event_id", event.ID),
		slog.String("event_type", event.Type),
		slog.String("payment_intent_id", pi.ID),
		slog.String("status", pi.Status),
	)
	return nil
}

func (d *Dispatcher) count(kind Kind, outcome string) {
	if d.metrics != nil {
		d.metrics.WebhookEvents.WithLabelValues(string(kind), outcome).Inc()
	}
}
