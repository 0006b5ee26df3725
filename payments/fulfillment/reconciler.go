package fulfillment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/timour/course-checkout/common/metrics"
	"github.com/timour/course-checkout/payments/catalog"
	"github.com/timour/course-checkout/payments/checkout"
	"github.com/timour/course-checkout/payments/notify"
	"github.com/timour/course-checkout/payments/processor"
)

var (
	ErrPaymentNotCompleted = errors.New("payment not completed")
	ErrInvalidMetadata     = errors.New("invalid checkout metadata")
)

type Store interface {
	GetPurchaseByPaymentReference(ctx context.Context, ref string) (*catalog.Purchase, error)
	InsertPurchase(ctx context.Context, p *catalog.Purchase) (*catalog.Purchase, bool, error)
	GrantEntitlement(ctx context.Context, e *catalog.Entitlement) (bool, error)
}

// Catalog supplies display data for confirmations. It may be a cached view.
type Catalog interface {
	GetUser(ctx context.Context, id string) (*catalog.User, error)
	GetCourse(ctx context.Context, id string) (*catalog.Course, error)
	GetCourses(ctx context.Context, ids []string) ([]*catalog.Course, error)
	GetBundle(ctx context.Context, id string) (*catalog.Bundle, error)
}

type Outcome struct {
	Purchase *catalog.Purchase
	// Duplicate is set when a purchase for the session already existed.
	Duplicate bool
	Granted   int
}

type Reconciler struct {
	gateway  processor.Gateway
	store    Store
	catalog  Catalog
	notifier notify.Notifier
	logger   *slog.Logger
	metrics  *metrics.BusinessMetrics
}

func NewReconciler(gateway processor.Gateway, store Store, cat Catalog, notifier notify.Notifier, logger *slog.Logger, m *metrics.BusinessMetrics) *Reconciler {
	return &Reconciler{gateway: gateway, store: store, catalog: cat, notifier: notifier, logger: logger, metrics: m}
}

type order struct {
	buyerID      string
	purchaseType catalog.PurchaseType
	itemID       string
	courseIDs    []string
}

// FulfillCheckoutSession records the purchase for a paid session and grants
// its entitlements. The session is re-fetched from the provider; the event
// payload is never trusted. Safe to call any number of times, concurrently:
// the purchase is unique per session and grants are insert-or-ignore.
func (r *Reconciler) FulfillCheckoutSession(ctx context.Context, sessionID string) (*Outcome, error) {
	ctx, span := otel.Tracer("payments").Start(ctx, "fulfillment.FulfillCheckoutSession")
	defer span.End()
	span.SetAttributes(attribute.String("checkout.session_id", sessionID))

	outcome, err := r.fulfill(ctx, sessionID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(
		attribute.Bool("fulfillment.duplicate", outcome.Duplicate),
		attribute.Int("fulfillment.granted", outcome.Granted),
	)
	return outcome, nil
}

func (r *Reconciler) fulfill(ctx context.Context, sessionID string) (*Outcome, error) {
	session, err := r.gateway.RetrieveSession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to retrieve session %s: %w", sessionID, err)
	}
	if session.PaymentStatus != processor.PaymentStatusPaid {
		return nil, fmt.Errorf("session %s has payment status %q: %w", sessionID, session.PaymentStatus, ErrPaymentNotCompleted)
	}

	o, err := parseMetadata(session.Metadata)
	if err != nil {
		return nil, fmt.Errorf("session %s: %w", sessionID, err)
	}

	// The session id is the payment reference; one purchase per session.
	if existing, err := r.store.GetPurchaseByPaymentReference(ctx, session.ID); err == nil {
		return r.duplicate(ctx, existing, o)
	} else if !errors.Is(err, catalog.ErrNotFound) {
		return nil, fmt.Errorf("failed to check existing purchase: %w", err)
	}

	purchase, created, err := r.store.InsertPurchase(ctx, &catalog.Purchase{
		BuyerID:                    o.buyerID,
		PurchaseType:               o.purchaseType,
		ItemID:                     o.itemID,
		PricePaidCents:             session.AmountTotalCents,
		ExternalPaymentReferenceID: session.ID,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to insert purchase for session %s: %w", session.ID, err)
	}
	if !created {
		// Lost the race to a concurrent delivery of the same event.
		return r.duplicate(ctx, purchase, o)
	}

	granted, err := r.grant(ctx, o)
	if err != nil {
		return nil, err
	}

	if r.metrics != nil {
		r.metrics.PurchasesFulfilled.WithLabelValues(string(o.purchaseType)).Inc()
	}
	r.logger.Info("purchase fulfilled",
		slog.String("session_id", session.ID),
		slog.String("purchase_id", purchase.ID),
		slog.String("buyer_id", o.buyerID),
		slog.String("purchase_type", string(o.purchaseType)),
		slog.String("item_id", o.itemID),
		slog.String("price_paid", catalog.FormatCents(purchase.PricePaidCents)),
		slog.Int("granted", granted),
	)

	r.notify(ctx, purchase, session.Currency, o)

	return &Outcome{Purchase: purchase, Granted: granted}, nil
}

// duplicate re-applies the grants so a delivery that crashed between insert
// and grant is healed by the provider's retry. Nothing new is written when
// the earlier run completed.
func (r *Reconciler) duplicate(ctx context.Context, existing *catalog.Purchase, o order) (*Outcome, error) {
	if r.metrics != nil {
		r.metrics.DuplicateFulfillments.Inc()
	}
	granted, err := r.grant(ctx, o)
	if err != nil {
		return nil, err
	}
	r.logger.Info("purchase already fulfilled",
		slog.String("session_id", existing.ExternalPaymentReferenceID),
		slog.String("purchase_id", existing.ID),
		slog.Int("regranted", granted),
	)
	return &Outcome{Purchase: existing, Duplicate: true, Granted: granted}, nil
}

func (r *Reconciler) grant(ctx context.Context, o order) (int, error) {
	var grants []*catalog.Entitlement
	switch o.purchaseType {
	case catalog.PurchaseTypeCourse:
		grants = append(grants, &catalog.Entitlement{
			BuyerID:    o.buyerID,
			CourseID:   o.itemID,
			GrantedVia: catalog.GrantedViaPurchase,
		})
	case catalog.PurchaseTypeBundle:
		for _, courseID := range o.courseIDs {
			grants = append(grants, &catalog.Entitlement{
				BuyerID:    o.buyerID,
				CourseID:   courseID,
				GrantedVia: catalog.BundleGrant(o.itemID),
			})
		}
	}

	granted := 0
	for _, e := range grants {
		created, err := r.store.GrantEntitlement(ctx, e)
		if err != nil {
			return granted, fmt.Errorf("failed to grant %s to %s: %w", e.CourseID, e.BuyerID, err)
		}
		if created {
			granted++
		}
	}
	if r.metrics != nil {
		r.metrics.EntitlementsGranted.Add(float64(granted))
	}
	return granted, nil
}

// notify never fails the fulfillment; purchase and grants are durable by now.
func (r *Reconciler) notify(ctx context.Context, purchase *catalog.Purchase, currency string, o order) {
	if r.notifier == nil {
		return
	}

	n, err := r.buildNotification(ctx, purchase, currency, o)
	if err == nil {
		err = r.notifier.NotifyPurchase(ctx, n)
	}
	if err != nil {
		if r.metrics != nil {
			r.metrics.NotificationFailures.Inc()
		}
		r.logger.Warn("purchase confirmation not sent",
			slog.String("purchase_id", purchase.ID),
			slog.Any("error", err),
		)
	}
}

func (r *Reconciler) buildNotification(ctx context.Context, purchase *catalog.Purchase, currency string, o order) (notify.Notification, error) {
	buyer, err := r.catalog.GetUser(ctx, o.buyerID)
	if err != nil {
		return notify.Notification{}, fmt.Errorf("failed to load buyer: %w", err)
	}

	n := notify.Notification{
		PurchaseID:   purchase.ID,
		SessionID:    purchase.ExternalPaymentReferenceID,
		BuyerID:      buyer.ID,
		Email:        buyer.Email,
		BuyerName:    buyer.Name,
		PurchaseType: string(o.purchaseType),
		ItemID:       o.itemID,
		PricePaid:    catalog.FormatCents(purchase.PricePaidCents),
		Currency:     currency,
	}

	switch o.purchaseType {
	case catalog.PurchaseTypeCourse:
		course, err := r.catalog.GetCourse(ctx, o.itemID)
		if err != nil {
			return n, fmt.Errorf("failed to load course: %w", err)
		}
		n.ItemName = course.Title
	case catalog.PurchaseTypeBundle:
		bundle, err := r.catalog.GetBundle(ctx, o.itemID)
		if err != nil {
			return n, fmt.Errorf("failed to load bundle: %w", err)
		}
		n.ItemName = bundle.Name
		courses, err := r.catalog.GetCourses(ctx, o.courseIDs)
		if err != nil {
			return n, fmt.Errorf("failed to load bundle courses: %w", err)
		}
		for _, c := range courses {
			n.Courses = append(n.Courses, c.Title)
		}
	}
	return n, nil
}

func parseMetadata(md map[string]string) (order, error) {
	o := order{
		buyerID:      md[checkout.MetadataBuyerID],
		purchaseType: catalog.PurchaseType(md[checkout.MetadataPurchaseType]),
		itemID:       md[checkout.MetadataItemID],
	}
	if o.buyerID == "" || o.itemID == "" {
		return o, fmt.Errorf("missing buyer or item: %w", ErrInvalidMetadata)
	}
	if !o.purchaseType.Valid() {
		return o, fmt.Errorf("unknown purchase type %q: %w", o.purchaseType, ErrInvalidMetadata)
	}
	if o.purchaseType == catalog.PurchaseTypeBundle {
		o.courseIDs = checkout.CourseIDsFromMetadata(md)
		if len(o.courseIDs) == 0 {
			return o, fmt.Errorf("bundle without course snapshot: %w", ErrInvalidMetadata)
		}
	}
	return o, nil
}
