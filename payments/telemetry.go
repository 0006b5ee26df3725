package main

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/trace"

	"github.com/timour/course-checkout/payments/checkout"
)

type TelemetryMiddleware struct {
	checkout CheckoutService
	access   AccessService
}

func NewTelemetryMiddleware(c CheckoutService, a AccessService) *TelemetryMiddleware {
	return &TelemetryMiddleware{checkout: c, access: a}
}

func (t *TelemetryMiddleware) CreateCourseCheckout(ctx context.Context, courseID, buyerID string) (*checkout.Result, error) {
	span := trace.SpanFromContext(ctx)
	span.AddEvent(fmt.Sprintf("CreateCourseCheckout: course=%s", courseID))

	res, err := t.checkout.CreateCourseCheckout(ctx, courseID, buyerID)
	if err != nil {
		span.AddEvent(fmt.Sprintf("CreateCourseCheckout rejected: %v", err))
	}
	return res, err
}

func (t *TelemetryMiddleware) CreateBundleCheckout(ctx context.Context, bundleID, buyerID string) (*checkout.Result, error) {
	span := trace.SpanFromContext(ctx)
	span.AddEvent(fmt.Sprintf("CreateBundleCheckout: bundle=%s", bundleID))

	res, err := t.checkout.CreateBundleCheckout(ctx, bundleID, buyerID)
	if err != nil {
		span.AddEvent(fmt.Sprintf("CreateBundleCheckout rejected: %v", err))
	}
	return res, err
}

func (t *TelemetryMiddleware) HasAccess(ctx context.Context, buyerID, courseID string) (bool, error) {
	span := trace.SpanFromContext(ctx)
	span.AddEvent(fmt.Sprintf("HasAccess: course=%s", courseID))

	return t.access.HasAccess(ctx, buyerID, courseID)
}

var (
	_ CheckoutService = (*TelemetryMiddleware)(nil)
	_ AccessService   = (*TelemetryMiddleware)(nil)
)
