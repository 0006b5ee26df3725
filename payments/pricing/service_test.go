package pricing

import (
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/timour/course-checkout/common/logger"
	"github.com/timour/course-checkout/common/metrics"
	"github.com/timour/course-checkout/payments/catalog"
	fakegateway "github.com/timour/course-checkout/payments/processor/inmem"
	"github.com/timour/course-checkout/payments/store/inmem"
)

func setup(t *testing.T) (*Service, *fakegateway.Gateway, *inmem.Store) {
	t.Helper()
	gw := fakegateway.NewGateway()
	s := inmem.NewStore()
	m := metrics.NewBusinessMetrics("test", prometheus.NewRegistry())
	return NewService(gw, s, "usd", logger.Discard(), m), gw, s
}

func TestSyncCreatesProductAndPrice(t *testing.T) {
	svc, gw, s := setup(t)
	ctx := context.Background()
	s.PutCourse(&catalog.Course{ID: "c1", Title: "Go", PriceCents: 5000})

	course, _ := s.GetCourse(ctx, "c1")
	res, err := svc.SyncItemPricing(ctx, CourseItem(course))
	if err != nil {
		t.Fatalf("SyncItemPricing returned error: %v", err)
	}
	if res.ProductID == "" || res.PriceID == "" || !res.Changed {
		t.Fatalf("unexpected result: %+v", res)
	}

	course, _ = s.GetCourse(ctx, "c1")
	if course.ExternalProductID != res.ProductID || course.ExternalPriceID != res.PriceID {
		t.Fatalf("ids not persisted: %+v", course)
	}
	price, _ := gw.RetrievePrice(ctx, res.PriceID)
	if price.AmountCents != 5000 || !price.Active {
		t.Fatalf("unexpected price: %+v", price)
	}
}

func TestSyncIsIdempotent(t *testing.T) {
	svc, gw, s := setup(t)
	ctx := context.Background()
	s.PutCourse(&catalog.Course{ID: "c1", Title: "Go", PriceCents: 5000})

	course, _ := s.GetCourse(ctx, "c1")
	first, err := svc.SyncItemPricing(ctx, CourseItem(course))
	if err != nil {
		t.Fatalf("first sync: %v", err)
	}
	count := gw.PriceCount()

	course, _ = s.GetCourse(ctx, "c1")
	second, err := svc.SyncItemPricing(ctx, CourseItem(course))
	if err != nil {
		t.Fatalf("second sync: %v", err)
	}
	if second.PriceID != first.PriceID || second.Changed {
		t.Fatalf("expected no-op, got %+v after %+v", second, first)
	}
	if gw.PriceCount() != count {
		t.Fatalf("expected no new prices, got %d -> %d", count, gw.PriceCount())
	}
}

func TestSyncRotatesPriceOnChange(t *testing.T) {
	svc, gw, s := setup(t)
	ctx := context.Background()
	s.PutCourse(&catalog.Course{ID: "c1", Title: "Go", PriceCents: 5000})

	course, _ := s.GetCourse(ctx, "c1")
	first, err := svc.SyncItemPricing(ctx, CourseItem(course))
	if err != nil {
		t.Fatalf("first sync: %v", err)
	}

	course, _ = s.GetCourse(ctx, "c1")
	course.PriceCents = 6000
	s.PutCourse(course)

	second, err := svc.SyncItemPricing(ctx, CourseItem(course))
	if err != nil {
		t.Fatalf("second sync: %v", err)
	}
	if second.PriceID == first.PriceID {
		t.Fatalf("expected a new price id")
	}
	if second.ProductID != first.ProductID {
		t.Fatalf("product should be reused")
	}

	old, _ := gw.RetrievePrice(ctx, first.PriceID)
	if old.Active {
		t.Fatalf("previous price should be inactive")
	}
	if old.AmountCents != 5000 {
		t.Fatalf("previous price amount changed to %d", old.AmountCents)
	}
	current, _ := gw.RetrievePrice(ctx, second.PriceID)
	if current.AmountCents != 6000 || !current.Active {
		t.Fatalf("unexpected new price: %+v", current)
	}

	course, _ = s.GetCourse(ctx, "c1")
	if course.ExternalPriceID != second.PriceID {
		t.Fatalf("new price id not persisted")
	}
}

func TestSyncMirrorsProductDetails(t *testing.T) {
	svc, gw, s := setup(t)
	ctx := context.Background()
	s.PutCourse(&catalog.Course{ID: "c1", Title: "Go", Description: "Basics", PriceCents: 5000})

	course, _ := s.GetCourse(ctx, "c1")
	first, err := svc.SyncItemPricing(ctx, CourseItem(course))
	if err != nil {
		t.Fatalf("first sync: %v", err)
	}

	course, _ = s.GetCourse(ctx, "c1")
	if _, err := svc.SyncItemPricing(ctx, CourseItem(course)); err != nil {
		t.Fatalf("unchanged sync: %v", err)
	}
	if gw.ProductUpdates() != 0 {
		t.Fatalf("unchanged item should not update the product")
	}

	course.Title = "Go in Production"
	course.Description = "Services, from zero to on-call"
	s.PutCourse(course)
	res, err := svc.SyncItemPricing(ctx, CourseItem(course))
	if err != nil {
		t.Fatalf("renamed sync: %v", err)
	}
	if res.Changed || res.PriceID != first.PriceID {
		t.Fatalf("a rename must not rotate the price: %+v", res)
	}

	product, _ := gw.RetrieveProduct(ctx, first.ProductID)
	if product.Name != "Go in Production" || product.Description != "Services, from zero to on-call" {
		t.Fatalf("product not mirrored: %+v", product)
	}
	if gw.ProductUpdates() != 1 {
		t.Fatalf("expected one product update, got %d", gw.ProductUpdates())
	}
}

func TestSyncRotatesPriceOnCurrencyChange(t *testing.T) {
	svc, gw, s := setup(t)
	ctx := context.Background()
	s.PutCourse(&catalog.Course{ID: "c1", Title: "Go", PriceCents: 5000})

	course, _ := s.GetCourse(ctx, "c1")
	first, err := svc.SyncItemPricing(ctx, CourseItem(course))
	if err != nil {
		t.Fatalf("first sync: %v", err)
	}

	eur := NewService(gw, s, "eur", logger.Discard(), nil)
	course, _ = s.GetCourse(ctx, "c1")
	res, err := eur.SyncItemPricing(ctx, CourseItem(course))
	if err != nil {
		t.Fatalf("eur sync: %v", err)
	}
	if !res.Changed || res.PriceID == first.PriceID {
		t.Fatalf("expected a new price for the new currency: %+v", res)
	}
	price, _ := gw.RetrievePrice(ctx, res.PriceID)
	if price.Currency != "eur" || price.AmountCents != 5000 {
		t.Fatalf("unexpected price: %+v", price)
	}
	if old, _ := gw.RetrievePrice(ctx, first.PriceID); old.Active {
		t.Fatalf("usd price should be inactive")
	}
}

func TestSyncKeepsOldPriceWhenRotationFails(t *testing.T) {
	svc, gw, s := setup(t)
	ctx := context.Background()
	s.PutCourse(&catalog.Course{ID: "c1", Title: "Go", PriceCents: 5000})

	course, _ := s.GetCourse(ctx, "c1")
	first, err := svc.SyncItemPricing(ctx, CourseItem(course))
	if err != nil {
		t.Fatalf("first sync: %v", err)
	}

	course, _ = s.GetCourse(ctx, "c1")
	course.PriceCents = 6000
	s.PutCourse(course)

	gw.Errors["CreatePrice"] = errors.New("rate limited")
	if _, err := svc.SyncItemPricing(ctx, CourseItem(course)); err == nil {
		t.Fatalf("expected an error")
	}
	old, _ := gw.RetrievePrice(ctx, first.PriceID)
	if !old.Active {
		t.Fatalf("old price must stay active while the item still points at it")
	}
	if c, _ := s.GetCourse(ctx, "c1"); c.ExternalPriceID != first.PriceID {
		t.Fatalf("item should still point at the old price")
	}

	// The new price is stored even when deactivating the old one fails.
	delete(gw.Errors, "CreatePrice")
	gw.Errors["UpdatePrice"] = errors.New("rate limited")
	if _, err := svc.SyncItemPricing(ctx, CourseItem(course)); err == nil {
		t.Fatalf("expected the deactivation error to be reported")
	}
	c, _ := s.GetCourse(ctx, "c1")
	current, _ := gw.RetrievePrice(ctx, c.ExternalPriceID)
	if c.ExternalPriceID == first.PriceID || current.AmountCents != 6000 || !current.Active {
		t.Fatalf("new price not persisted: %+v", current)
	}
}

func TestSyncBundleUsesDiscountedAmount(t *testing.T) {
	svc, gw, s := setup(t)
	ctx := context.Background()
	s.PutBundle(&catalog.Bundle{ID: "b1", Name: "All", PriceCents: 10000, DiscountPercentage: 20, Active: true})

	bundle, _ := s.GetBundle(ctx, "b1")
	res, err := svc.SyncItemPricing(ctx, BundleItem(bundle))
	if err != nil {
		t.Fatalf("SyncItemPricing returned error: %v", err)
	}
	price, _ := gw.RetrievePrice(ctx, res.PriceID)
	if price.AmountCents != 8000 {
		t.Fatalf("expected 8000 cents, got %d", price.AmountCents)
	}
	bundle, _ = s.GetBundle(ctx, "b1")
	if bundle.ExternalPriceID != res.PriceID {
		t.Fatalf("bundle price id not persisted")
	}
}

func TestSyncPropagatesGatewayErrors(t *testing.T) {
	svc, gw, s := setup(t)
	ctx := context.Background()
	s.PutCourse(&catalog.Course{ID: "c1", Title: "Go", PriceCents: 5000})
	boom := errors.New("provider unavailable")
	gw.Errors["CreateProduct"] = boom

	course, _ := s.GetCourse(ctx, "c1")
	if _, err := svc.SyncItemPricing(ctx, CourseItem(course)); !errors.Is(err, boom) {
		t.Fatalf("expected gateway error, got %v", err)
	}

	// The retry succeeds once the provider recovers.
	delete(gw.Errors, "CreateProduct")
	if _, err := svc.SyncItemPricing(ctx, CourseItem(course)); err != nil {
		t.Fatalf("retry failed: %v", err)
	}
}

func TestJobSkipsInactiveBundlesAndReportsFailures(t *testing.T) {
	svc, gw, s := setup(t)
	ctx := context.Background()
	s.PutCourse(&catalog.Course{ID: "c1", Title: "Go", PriceCents: 5000})
	s.PutCourse(&catalog.Course{ID: "c2", Title: "Rust", PriceCents: 7000})
	s.PutBundle(&catalog.Bundle{ID: "b1", Name: "On", PriceCents: 10000, Active: true})
	s.PutBundle(&catalog.Bundle{ID: "b2", Name: "Off", PriceCents: 10000, Active: false})

	job := NewJob(svc, s, zap.NewNop())
	summary, err := job.Run(ctx)
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if summary.Synced != 3 || summary.Changed != 3 || summary.Failed != 0 {
		t.Fatalf("unexpected summary: %+v", summary)
	}
	if b, _ := s.GetBundle(ctx, "b2"); b.ExternalProductID != "" {
		t.Fatalf("inactive bundle should not be synced")
	}

	summary, err = job.Run(ctx)
	if err != nil || summary.Changed != 0 {
		t.Fatalf("second run should be a no-op: %+v, %v", summary, err)
	}

	gw.Errors["RetrievePrice"] = errors.New("timeout")
	summary, err = job.Run(ctx)
	if err == nil || summary.Failed != 3 {
		t.Fatalf("expected failures to be reported: %+v, %v", summary, err)
	}
}
