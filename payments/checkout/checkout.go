package checkout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/timour/course-checkout/common/metrics"
	"github.com/timour/course-checkout/payments/catalog"
	"github.com/timour/course-checkout/payments/processor"
)

// Metadata keys written on every checkout session. Fulfillment reads them
// back from the re-fetched session.
const (
	MetadataBuyerID      = "buyerId"
	MetadataPurchaseType = "purchaseType"
	MetadataItemID       = "itemId"

	// MetadataCourseIDs prefixes the numbered keys holding a bundle's member
	// snapshot: courseIds_0, courseIds_1, ...
	MetadataCourseIDs = "courseIds"
)

// Keys left for the snapshot after the fixed ones above.
const maxSnapshotKeys = processor.MaxMetadataKeys - 3

var (
	ErrAuthRequired   = errors.New("authentication required")
	ErrInvalidID      = errors.New("invalid id")
	ErrBuyerNotFound  = errors.New("buyer not found")
	ErrItemNotFound   = errors.New("item not found")
	ErrAlreadyOwned   = errors.New("already owned")
	ErrBundleInactive = errors.New("bundle inactive")
	ErrBundleTooLarge = errors.New("bundle too large")
	ErrGateway        = errors.New("payment provider error")
	ErrInternal       = errors.New("internal error")
)

// Error is the only error type the Initiator returns. Code is stable and
// safe to show; Status is the HTTP status the caller should answer with.
type Error struct {
	Code    string
	Message string
	Status  int
	err     error
}

func (e *Error) Error() string { return e.Message }

func (e *Error) Unwrap() error { return e.err }

func newError(sentinel error, code string, status int, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Status: status, err: sentinel}
}

type Result struct {
	SessionID string
	URL       string
}

// Store supplies buyers and course display and pricing data. It may be
// cached.
type Store interface {
	GetUser(ctx context.Context, id string) (*catalog.User, error)
	GetCourse(ctx context.Context, id string) (*catalog.Course, error)
	GetCourses(ctx context.Context, ids []string) ([]*catalog.Course, error)
}

// BundleReader must read committed state: a bundle's Active flag and members
// are checked and snapshotted per session.
type BundleReader interface {
	GetBundle(ctx context.Context, id string) (*catalog.Bundle, error)
}

type AccessChecker interface {
	HasAccess(ctx context.Context, buyerID, courseID string) (bool, error)
}

type Config struct {
	BaseURL  string
	Currency string
}

type Initiator struct {
	store   Store
	bundles BundleReader
	gateway processor.Gateway
	access  AccessChecker
	config  Config
	logger  *slog.Logger
	metrics *metrics.BusinessMetrics
}

func NewInitiator(store Store, bundles BundleReader, gateway processor.Gateway, access AccessChecker, cfg Config, logger *slog.Logger, m *metrics.BusinessMetrics) *Initiator {
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Currency == "" {
		cfg.Currency = "usd"
	}
	return &Initiator{store: store, bundles: bundles, gateway: gateway, access: access, config: cfg, logger: logger, metrics: m}
}

// CreateCourseCheckout starts a payment session for one course. It refuses
// when the buyer already has access to it.
func (i *Initiator) CreateCourseCheckout(ctx context.Context, courseID, buyerID string) (*Result, error) {
	buyer, cerr := i.validate(ctx, courseID, buyerID)
	if cerr != nil {
		return nil, i.reject(cerr)
	}

	course, err := i.store.GetCourse(ctx, courseID)
	if err != nil {
		return nil, i.reject(i.lookupError(err, "course", courseID))
	}

	owned, err := i.access.HasAccess(ctx, buyerID, courseID)
	if err != nil {
		i.logger.Error("access check failed", slog.String("buyer_id", buyerID), slog.String("course_id", courseID), slog.Any("error", err))
		return nil, i.reject(newError(ErrInternal, "internal", http.StatusInternalServerError, "could not verify ownership"))
	}
	if owned {
		return nil, i.reject(newError(ErrAlreadyOwned, "already_owned", http.StatusConflict, "you already own this course"))
	}

	item := processor.LineItem{PriceID: course.ExternalPriceID, Quantity: 1}
	if item.PriceID == "" {
		item = processor.LineItem{
			Name:        course.Title,
			Description: course.Description,
			AmountCents: course.PriceCents,
			Quantity:    1,
		}
	}

	params := processor.SessionParams{
		Mode:              processor.SessionModePayment,
		LineItems:         []processor.LineItem{item},
		Currency:          i.config.Currency,
		SuccessURL:        i.successURL(),
		CancelURL:         fmt.Sprintf("%s/courses/%s", i.config.BaseURL, course.ID),
		CustomerEmail:     buyer.Email,
		ClientReferenceID: buyer.ID,
		Metadata: map[string]string{
			MetadataBuyerID:      buyer.ID,
			MetadataPurchaseType: string(catalog.PurchaseTypeCourse),
			MetadataItemID:       course.ID,
		},
	}
	return i.createSession(ctx, catalog.PurchaseTypeCourse, params)
}

// CreateBundleCheckout starts a payment session for a bundle and snapshots
// its current member courses into the session metadata.
func (i *Initiator) CreateBundleCheckout(ctx context.Context, bundleID, buyerID string) (*Result, error) {
	buyer, cerr := i.validate(ctx, bundleID, buyerID)
	if cerr != nil {
		return nil, i.reject(cerr)
	}

	bundle, err := i.bundles.GetBundle(ctx, bundleID)
	if err != nil {
		return nil, i.reject(i.lookupError(err, "bundle", bundleID))
	}
	if !bundle.Active {
		return nil, i.reject(newError(ErrBundleInactive, "bundle_inactive", http.StatusUnprocessableEntity, "this bundle is no longer available"))
	}
	if len(bundle.CourseIDs) == 0 {
		return nil, i.reject(newError(ErrItemNotFound, "not_found", http.StatusNotFound, "bundle %s has no courses", bundleID))
	}

	metadata := map[string]string{
		MetadataBuyerID:      buyer.ID,
		MetadataPurchaseType: string(catalog.PurchaseTypeBundle),
		MetadataItemID:       bundle.ID,
	}
	if err := PutCourseIDs(metadata, bundle.CourseIDs); err != nil {
		i.logger.Warn("bundle snapshot does not fit session metadata",
			slog.String("bundle_id", bundleID),
			slog.Int("courses", len(bundle.CourseIDs)),
		)
		return nil, i.reject(newError(ErrBundleTooLarge, "bundle_too_large", http.StatusUnprocessableEntity, "this bundle has too many courses to purchase at once"))
	}

	item := processor.LineItem{PriceID: bundle.ExternalPriceID, Quantity: 1}
	if item.PriceID == "" {
		courses, err := i.store.GetCourses(ctx, bundle.CourseIDs)
		if err != nil {
			i.logger.Error("failed to load bundle courses", slog.String("bundle_id", bundleID), slog.Any("error", err))
			return nil, i.reject(newError(ErrInternal, "internal", http.StatusInternalServerError, "could not price bundle"))
		}
		var sum int64
		for _, c := range courses {
			sum += c.PriceCents
		}
		item = processor.LineItem{
			Name:        bundle.Name,
			Description: bundle.Description,
			AmountCents: catalog.ApplyDiscount(sum, bundle.DiscountPercentage),
			Quantity:    1,
		}
	}

	params := processor.SessionParams{
		Mode:              processor.SessionModePayment,
		LineItems:         []processor.LineItem{item},
		Currency:          i.config.Currency,
		SuccessURL:        i.successURL(),
		CancelURL:         fmt.Sprintf("%s/bundles/%s", i.config.BaseURL, bundle.ID),
		CustomerEmail:     buyer.Email,
		ClientReferenceID: buyer.ID,
		Metadata:          metadata,
	}
	return i.createSession(ctx, catalog.PurchaseTypeBundle, params)
}

func snapshotKey(n int) string {
	return MetadataCourseIDs + "_" + strconv.Itoa(n)
}

// PutCourseIDs writes a bundle snapshot into md as comma-joined chunks that
// each fit the provider's metadata value limit. Order is kept as stored.
func PutCourseIDs(md map[string]string, ids []string) error {
	var chunks []string
	var b strings.Builder
	for _, id := range ids {
		if len(id) > processor.MaxMetadataValueLen {
			return fmt.Errorf("course id of %d characters: %w", len(id), ErrBundleTooLarge)
		}
		if b.Len() > 0 && b.Len()+1+len(id) > processor.MaxMetadataValueLen {
			chunks = append(chunks, b.String())
			b.Reset()
		}
		if b.Len() > 0 {
			b.WriteByte(',')
		}
		b.WriteString(id)
	}
	if b.Len() > 0 {
		chunks = append(chunks, b.String())
	}
	if len(chunks) > maxSnapshotKeys {
		return fmt.Errorf("%d courses need %d metadata keys: %w", len(ids), len(chunks), ErrBundleTooLarge)
	}

	for n, chunk := range chunks {
		md[snapshotKey(n)] = chunk
	}
	return nil
}

// CourseIDsFromMetadata reassembles a snapshot written by PutCourseIDs.
func CourseIDsFromMetadata(md map[string]string) []string {
	var ids []string
	for n := 0; ; n++ {
		chunk, ok := md[snapshotKey(n)]
		if !ok {
			return ids
		}
		ids = append(ids, splitCourseIDs(chunk)...)
	}
}

func splitCourseIDs(s string) []string {
	var ids []string
	for _, id := range strings.Split(s, ",") {
		if id = strings.TrimSpace(id); id != "" {
			ids = append(ids, id)
		}
	}
	return ids
}

func (i *Initiator) validate(ctx context.Context, itemID, buyerID string) (*catalog.User, *Error) {
	if buyerID == "" {
		return nil, newError(ErrAuthRequired, "auth_required", http.StatusUnauthorized, "sign in to purchase")
	}
	if _, err := uuid.Parse(itemID); err != nil {
		return nil, newError(ErrInvalidID, "invalid_id", http.StatusBadRequest, "invalid id %q", itemID)
	}
	// Buyer ids are UUIDs in the store; anything else cannot name a buyer.
	if _, err := uuid.Parse(buyerID); err != nil {
		return nil, newError(ErrBuyerNotFound, "buyer_not_found", http.StatusNotFound, "buyer not found")
	}

	buyer, err := i.store.GetUser(ctx, buyerID)
	if errors.Is(err, catalog.ErrNotFound) {
		return nil, newError(ErrBuyerNotFound, "buyer_not_found", http.StatusNotFound, "buyer not found")
	}
	if err != nil {
		i.logger.Error("failed to load buyer", slog.String("buyer_id", buyerID), slog.Any("error", err))
		return nil, newError(ErrInternal, "internal", http.StatusInternalServerError, "could not load buyer")
	}
	return buyer, nil
}

func (i *Initiator) lookupError(err error, kind, id string) *Error {
	if errors.Is(err, catalog.ErrNotFound) {
		return newError(ErrItemNotFound, "not_found", http.StatusNotFound, "%s not found", kind)
	}
	i.logger.Error("failed to load item", slog.String("item_type", kind), slog.String("item_id", id), slog.Any("error", err))
	return newError(ErrInternal, "internal", http.StatusInternalServerError, "could not load %s", kind)
}

func (i *Initiator) createSession(ctx context.Context, purchaseType catalog.PurchaseType, params processor.SessionParams) (*Result, error) {
	session, err := i.gateway.CreateSession(ctx, params)
	if err != nil {
		i.logger.Error("failed to create checkout session",
			slog.String("purchase_type", string(purchaseType)),
			slog.String("item_id", params.Metadata[MetadataItemID]),
			slog.Any("error", err),
		)
		return nil, i.reject(newError(ErrGateway, "gateway_error", http.StatusBadGateway, "could not start checkout, please try again"))
	}

	if i.metrics != nil {
		i.metrics.CheckoutSessionsCreated.WithLabelValues(string(purchaseType)).Inc()
	}
	i.logger.Info("checkout session created",
		slog.String("session_id", session.ID),
		slog.String("purchase_type", string(purchaseType)),
		slog.String("item_id", params.Metadata[MetadataItemID]),
		slog.String("buyer_id", params.Metadata[MetadataBuyerID]),
	)
	return &Result{SessionID: session.ID, URL: session.URL}, nil
}

func (i *Initiator) reject(e *Error) *Error {
	if i.metrics != nil {
		i.metrics.CheckoutsRejected.WithLabelValues(e.Code).Inc()
	}
	return e
}

func (i *Initiator) successURL() string {
	return i.config.BaseURL + "/checkout/success?session_id={CHECKOUT_SESSION_ID}"
}
