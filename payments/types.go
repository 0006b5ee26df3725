package main

import (
	"context"
	"time"

	"github.com/timour/course-checkout/payments/catalog"
	"github.com/timour/course-checkout/payments/checkout"
)

// CheckoutService starts payment sessions.
type CheckoutService interface {
	CreateCourseCheckout(ctx context.Context, courseID, buyerID string) (*checkout.Result, error)
	CreateBundleCheckout(ctx context.Context, bundleID, buyerID string) (*checkout.Result, error)
}

// AccessService answers whether a buyer may open a course.
type AccessService interface {
	HasAccess(ctx context.Context, buyerID, courseID string) (bool, error)
}

// LedgerReader serves the read-only purchase and entitlement endpoints.
type LedgerReader interface {
	GetPurchaseByPaymentReference(ctx context.Context, ref string) (*catalog.Purchase, error)
	ListEntitlements(ctx context.Context, buyerID string) ([]*catalog.Entitlement, error)
}

type checkoutRequest struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

type checkoutResponse struct {
	URL string `json:"url"`
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

const (
	statusProcessing = "processing"
	statusCompleted  = "completed"
)

type checkoutStatusResponse struct {
	Status   string            `json:"status"`
	Purchase *purchaseResponse `json:"purchase,omitempty"`
}

type purchaseResponse struct {
	ID           string    `json:"id"`
	PurchaseType string    `json:"purchaseType"`
	ItemID       string    `json:"itemId"`
	PricePaid    string    `json:"pricePaid"`
	PurchasedAt  time.Time `json:"purchasedAt"`
}

type accessResponse struct {
	CourseID  string `json:"courseId"`
	HasAccess bool   `json:"hasAccess"`
}

type entitlementResponse struct {
	CourseID   string    `json:"courseId"`
	GrantedVia string    `json:"grantedVia"`
	GrantedAt  time.Time `json:"grantedAt"`
}
