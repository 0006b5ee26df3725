package pricing

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/timour/course-checkout/common/metrics"
	"github.com/timour/course-checkout/payments/catalog"
	"github.com/timour/course-checkout/payments/processor"
)

// Store persists the external ids on the item that owns them.
type Store interface {
	SetCoursePricing(ctx context.Context, courseID, productID, priceID string) error
	SetBundlePricing(ctx context.Context, bundleID, productID, priceID string) error
}

// Item is a Course or Bundle seen through the fields price sync needs.
type Item struct {
	Type              catalog.PurchaseType
	ID                string
	Name              string
	Description       string
	AmountCents       int64
	ExternalProductID string
	ExternalPriceID   string
}

func CourseItem(c *catalog.Course) Item {
	return Item{
		Type:              catalog.PurchaseTypeCourse,
		ID:                c.ID,
		Name:              c.Title,
		Description:       c.Description,
		AmountCents:       c.PriceCents,
		ExternalProductID: c.ExternalProductID,
		ExternalPriceID:   c.ExternalPriceID,
	}
}

// BundleItem syncs the discounted amount, which is what a synced bundle
// checkout charges.
func BundleItem(b *catalog.Bundle) Item {
	return Item{
		Type:              catalog.PurchaseTypeBundle,
		ID:                b.ID,
		Name:              b.Name,
		Description:       b.Description,
		AmountCents:       b.EffectivePriceCents(),
		ExternalProductID: b.ExternalProductID,
		ExternalPriceID:   b.ExternalPriceID,
	}
}

type Result struct {
	ProductID string
	PriceID   string
	Changed   bool
}

type Service struct {
	gateway  processor.Gateway
	store    Store
	currency string
	logger   *slog.Logger
	metrics  *metrics.BusinessMetrics
}

func NewService(gateway processor.Gateway, store Store, currency string, logger *slog.Logger, m *metrics.BusinessMetrics) *Service {
	return &Service{gateway: gateway, store: store, currency: currency, logger: logger, metrics: m}
}

// SyncItemPricing makes the item's external product mirror the item and its
// external price match the internal amount in the configured currency.
// External prices are immutable, so a changed amount or currency creates a new
// price, stores it, and only then deactivates the old one. Repeated calls with
// no internal change create nothing. Errors are returned wrapped; the caller
// retries.
func (s *Service) SyncItemPricing(ctx context.Context, item Item) (*Result, error) {
	if !item.Type.Valid() {
		return nil, fmt.Errorf("unknown item type %q", item.Type)
	}

	metadata := map[string]string{
		"itemType": string(item.Type),
		"itemId":   item.ID,
	}

	if item.ExternalProductID == "" {
		product, err := s.gateway.CreateProduct(ctx, processor.ProductParams{
			Name:        item.Name,
			Description: item.Description,
			Metadata:    metadata,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create product for %s %s: %w", item.Type, item.ID, err)
		}

		price, err := s.createPrice(ctx, product.ID, item, metadata)
		if err != nil {
			return nil, err
		}
		if err := s.persist(ctx, item, product.ID, price.ID); err != nil {
			return nil, err
		}

		s.logger.Info("created external product",
			slog.String("item_type", string(item.Type)),
			slog.String("item_id", item.ID),
			slog.String("product_id", product.ID),
			slog.String("price_id", price.ID),
		)
		return &Result{ProductID: product.ID, PriceID: price.ID, Changed: true}, nil
	}

	if err := s.mirrorProduct(ctx, item, metadata); err != nil {
		return nil, err
	}

	var current *processor.Price
	if item.ExternalPriceID != "" {
		var err error
		current, err = s.gateway.RetrievePrice(ctx, item.ExternalPriceID)
		if err != nil {
			return nil, fmt.Errorf("failed to retrieve price %s: %w", item.ExternalPriceID, err)
		}
		if current.Active && current.AmountCents == item.AmountCents && strings.EqualFold(current.Currency, s.currency) {
			return &Result{ProductID: item.ExternalProductID, PriceID: item.ExternalPriceID}, nil
		}
	}

	// The item keeps pointing at a usable price until the new one is stored.
	price, err := s.createPrice(ctx, item.ExternalProductID, item, metadata)
	if err != nil {
		return nil, err
	}
	if err := s.persist(ctx, item, item.ExternalProductID, price.ID); err != nil {
		return nil, err
	}

	s.logger.Info("rotated external price",
		slog.String("item_type", string(item.Type)),
		slog.String("item_id", item.ID),
		slog.String("old_price_id", item.ExternalPriceID),
		slog.String("new_price_id", price.ID),
		slog.Int64("amount_cents", item.AmountCents),
		slog.String("currency", s.currency),
	)

	if current != nil && current.Active {
		if _, err := s.gateway.UpdatePrice(ctx, current.ID, false); err != nil {
			return nil, fmt.Errorf("new price %s is live but old price %s is still active: %w", price.ID, current.ID, err)
		}
	}
	return &Result{ProductID: item.ExternalProductID, PriceID: price.ID, Changed: true}, nil
}

// mirrorProduct pushes the item's name and description when they drifted.
func (s *Service) mirrorProduct(ctx context.Context, item Item, metadata map[string]string) error {
	product, err := s.gateway.RetrieveProduct(ctx, item.ExternalProductID)
	if err != nil {
		return fmt.Errorf("failed to retrieve product %s: %w", item.ExternalProductID, err)
	}
	// An empty description is never sent, so it is not drift either.
	if product.Name == item.Name && (item.Description == "" || product.Description == item.Description) {
		return nil
	}

	if _, err := s.gateway.UpdateProduct(ctx, product.ID, processor.ProductParams{
		Name:        item.Name,
		Description: item.Description,
		Metadata:    metadata,
	}); err != nil {
		return fmt.Errorf("failed to update product %s: %w", product.ID, err)
	}
	s.logger.Info("updated external product",
		slog.String("item_type", string(item.Type)),
		slog.String("item_id", item.ID),
		slog.String("product_id", product.ID),
	)
	return nil
}

func (s *Service) createPrice(ctx context.Context, productID string, item Item, metadata map[string]string) (*processor.Price, error) {
	price, err := s.gateway.CreatePrice(ctx, processor.PriceParams{
		ProductID:   productID,
		AmountCents: item.AmountCents,
		Currency:    s.currency,
		Metadata:    metadata,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create price for %s %s: %w", item.Type, item.ID, err)
	}
	if s.metrics != nil {
		s.metrics.PricesRotated.WithLabelValues(string(item.Type)).Inc()
	}
	return price, nil
}

func (s *Service) persist(ctx context.Context, item Item, productID, priceID string) error {
	var err error
	switch item.Type {
	case catalog.PurchaseTypeCourse:
		err = s.store.SetCoursePricing(ctx, item.ID, productID, priceID)
	case catalog.PurchaseTypeBundle:
		err = s.store.SetBundlePricing(ctx, item.ID, productID, priceID)
	}
	if err != nil {
		return fmt.Errorf("failed to persist pricing for %s %s: %w", item.Type, item.ID, err)
	}
	return nil
}
