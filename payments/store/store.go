package store

import (
	"context"

	"github.com/timour/course-checkout/payments/catalog"
)

// CatalogStore reads courses, bundles and buyers, and persists the external
// product/price ids written by price sync.
type CatalogStore interface {
	GetCourse(ctx context.Context, id string) (*catalog.Course, error)
	GetCourses(ctx context.Context, ids []string) ([]*catalog.Course, error)
	ListCourses(ctx context.Context) ([]*catalog.Course, error)
	GetBundle(ctx context.Context, id string) (*catalog.Bundle, error)
	GetBundles(ctx context.Context, ids []string) ([]*catalog.Bundle, error)
	ListBundles(ctx context.Context) ([]*catalog.Bundle, error)
	GetUser(ctx context.Context, id string) (*catalog.User, error)

	SetCoursePricing(ctx context.Context, courseID, productID, priceID string) error
	SetBundlePricing(ctx context.Context, bundleID, productID, priceID string) error
}

// LedgerStore holds purchases. InsertPurchase is insert-or-return-existing on
// ExternalPaymentReferenceID: created is false when a row already existed and
// the existing row is returned.
type LedgerStore interface {
	InsertPurchase(ctx context.Context, p *catalog.Purchase) (stored *catalog.Purchase, created bool, err error)
	GetPurchaseByPaymentReference(ctx context.Context, ref string) (*catalog.Purchase, error)
	ListPurchases(ctx context.Context, buyerID string, purchaseType catalog.PurchaseType) ([]*catalog.Purchase, error)
}

// EntitlementStore holds grants. GrantEntitlement is insert-or-ignore on
// (BuyerID, CourseID); a second grant for the same pair is not an error.
type EntitlementStore interface {
	GrantEntitlement(ctx context.Context, e *catalog.Entitlement) (created bool, err error)
	GetEntitlement(ctx context.Context, buyerID, courseID string) (*catalog.Entitlement, error)
	ListEntitlements(ctx context.Context, buyerID string) ([]*catalog.Entitlement, error)
}

type SubscriptionStore interface {
	UpsertSubscription(ctx context.Context, s *catalog.Subscription) error
}

// Store is everything the service needs from the datastore.
type Store interface {
	CatalogStore
	LedgerStore
	EntitlementStore
	SubscriptionStore
}
