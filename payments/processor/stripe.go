package processor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/client"
	"github.com/stripe/stripe-go/v81/webhook"

	"github.com/timour/course-checkout/common/metrics"
)

// Stripe implements Gateway with a per-instance stripe-go client instead of
// the package-level stripe.Key.
type Stripe struct {
	api     *client.API
	logger  *slog.Logger
	metrics *metrics.BusinessMetrics
}

func NewStripeProcessor(apiKey string, logger *slog.Logger, m *metrics.BusinessMetrics) *Stripe {
	api := &client.API{}
	api.Init(apiKey, nil)
	return &Stripe{
		api:     api,
		logger:  logger,
		metrics: m,
	}
}

func (s *Stripe) observe(start time.Time) {
	if s.metrics != nil {
		s.metrics.StripeAPIDuration.Observe(time.Since(start).Seconds())
	}
}

func (s *Stripe) CreateSession(ctx context.Context, p SessionParams) (*Session, error) {
	if err := ValidateMetadata(p.Metadata); err != nil {
		return nil, err
	}
	defer s.observe(time.Now())

	params := &stripe.CheckoutSessionParams{
		Mode:       stripe.String(string(p.Mode)),
		LineItems:  lineItemParams(p.LineItems, p.Currency),
		SuccessURL: stripe.String(p.SuccessURL),
		CancelURL:  stripe.String(p.CancelURL),
		Metadata:   p.Metadata,
	}
	params.Context = ctx
	if p.CustomerEmail != "" {
		params.CustomerEmail = stripe.String(p.CustomerEmail)
	}
	if p.ClientReferenceID != "" {
		params.ClientReferenceID = stripe.String(p.ClientReferenceID)
	}
	if p.Mode == SessionModeSubscription {
		// Session metadata is not copied onto the subscription.
		params.SubscriptionData = &stripe.CheckoutSessionSubscriptionDataParams{Metadata: p.Metadata}
	}

	result, err := s.api.CheckoutSessions.New(params)
	if err != nil {
		s.logger.Error("stripe checkout session creation failed", slog.Any("error", err))
		return nil, wrapStripeError("create checkout session", err)
	}

	return toSession(result), nil
}

func lineItemParams(items []LineItem, currency string) []*stripe.CheckoutSessionLineItemParams {
	lineItems := make([]*stripe.CheckoutSessionLineItemParams, 0, len(items))
	for _, item := range items {
		qty := item.Quantity
		if qty <= 0 {
			qty = 1
		}
		li := &stripe.CheckoutSessionLineItemParams{Quantity: stripe.Int64(qty)}
		if item.PriceID != "" {
			li.Price = stripe.String(item.PriceID)
		} else {
			productData := &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
				Name: stripe.String(item.Name),
			}
			if item.Description != "" {
				productData.Description = stripe.String(item.Description)
			}
			li.PriceData = &stripe.CheckoutSessionLineItemPriceDataParams{
				Currency:    stripe.String(currency),
				ProductData: productData,
				UnitAmount:  stripe.Int64(item.AmountCents),
			}
		}
		lineItems = append(lineItems, li)
	}
	return lineItems
}

func (s *Stripe) RetrieveSession(ctx context.Context, id string) (*Session, error) {
	defer s.observe(time.Now())

	params := &stripe.CheckoutSessionParams{}
	params.Context = ctx

	result, err := s.api.CheckoutSessions.Get(id, params)
	if err != nil {
		return nil, wrapStripeError("retrieve checkout session", err)
	}
	return toSession(result), nil
}

func toSession(cs *stripe.CheckoutSession) *Session {
	session := &Session{
		ID:               cs.ID,
		URL:              cs.URL,
		Mode:             SessionMode(cs.Mode),
		PaymentStatus:    string(cs.PaymentStatus),
		Status:           string(cs.Status),
		AmountTotalCents: cs.AmountTotal,
		Currency:         string(cs.Currency),
		Metadata:         cs.Metadata,
	}
	if cs.PaymentIntent != nil {
		session.PaymentIntentID = cs.PaymentIntent.ID
	}
	if cs.Subscription != nil {
		session.SubscriptionID = cs.Subscription.ID
	}
	return session
}

func (s *Stripe) RetrieveSubscription(ctx context.Context, id string) (*Subscription, error) {
	defer s.observe(time.Now())

	params := &stripe.SubscriptionParams{}
	params.Context = ctx

	result, err := s.api.Subscriptions.Get(id, params)
	if err != nil {
		return nil, wrapStripeError("retrieve subscription", err)
	}
	return &Subscription{
		ID:       result.ID,
		Status:   string(result.Status),
		Metadata: result.Metadata,
	}, nil
}

func productParams(ctx context.Context, p ProductParams) *stripe.ProductParams {
	params := &stripe.ProductParams{
		Name: stripe.String(p.Name),
	}
	params.Context = ctx
	if p.Description != "" {
		params.Description = stripe.String(p.Description)
	}
	for k, v := range p.Metadata {
		params.AddMetadata(k, v)
	}
	return params
}

func (s *Stripe) CreateProduct(ctx context.Context, p ProductParams) (*Product, error) {
	defer s.observe(time.Now())

	result, err := s.api.Products.New(productParams(ctx, p))
	if err != nil {
		return nil, wrapStripeError("create product", err)
	}
	return toProduct(result), nil
}

func (s *Stripe) RetrieveProduct(ctx context.Context, id string) (*Product, error) {
	defer s.observe(time.Now())

	params := &stripe.ProductParams{}
	params.Context = ctx

	result, err := s.api.Products.Get(id, params)
	if err != nil {
		return nil, wrapStripeError("retrieve product", err)
	}
	return toProduct(result), nil
}

func toProduct(p *stripe.Product) *Product {
	return &Product{ID: p.ID, Name: p.Name, Description: p.Description}
}

func (s *Stripe) UpdateProduct(ctx context.Context, id string, p ProductParams) (*Product, error) {
	defer s.observe(time.Now())

	result, err := s.api.Products.Update(id, productParams(ctx, p))
	if err != nil {
		return nil, wrapStripeError("update product", err)
	}
	return toProduct(result), nil
}

func (s *Stripe) CreatePrice(ctx context.Context, p PriceParams) (*Price, error) {
	defer s.observe(time.Now())

	params := &stripe.PriceParams{
		Product:    stripe.String(p.ProductID),
		UnitAmount: stripe.Int64(p.AmountCents),
		Currency:   stripe.String(p.Currency),
	}
	params.Context = ctx
	for k, v := range p.Metadata {
		params.AddMetadata(k, v)
	}

	result, err := s.api.Prices.New(params)
	if err != nil {
		return nil, wrapStripeError("create price", err)
	}
	return toPrice(result), nil
}

func (s *Stripe) RetrievePrice(ctx context.Context, id string) (*Price, error) {
	defer s.observe(time.Now())

	params := &stripe.PriceParams{}
	params.Context = ctx

	result, err := s.api.Prices.Get(id, params)
	if err != nil {
		return nil, wrapStripeError("retrieve price", err)
	}
	return toPrice(result), nil
}

func (s *Stripe) UpdatePrice(ctx context.Context, id string, active bool) (*Price, error) {
	defer s.observe(time.Now())

	params := &stripe.PriceParams{Active: stripe.Bool(active)}
	params.Context = ctx

	result, err := s.api.Prices.Update(id, params)
	if err != nil {
		return nil, wrapStripeError("update price", err)
	}
	return toPrice(result), nil
}

func toPrice(p *stripe.Price) *Price {
	price := &Price{
		ID:          p.ID,
		AmountCents: p.UnitAmount,
		Currency:    string(p.Currency),
		Active:      p.Active,
	}
	if p.Product != nil {
		price.ProductID = p.Product.ID
	}
	return price
}

// VerifySignature checks the Stripe-Signature header. An empty secret never
// verifies.
func (s *Stripe) VerifySignature(payload []byte, header, secret string) (*Event, error) {
	if secret == "" {
		return nil, fmt.Errorf("%w: signing secret not configured", ErrInvalidSignature)
	}
	if header == "" {
		return nil, fmt.Errorf("%w: missing signature header", ErrInvalidSignature)
	}

	event, err := webhook.ConstructEventWithOptions(payload, header, secret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	ev := &Event{ID: event.ID, Type: string(event.Type)}
	if event.Data != nil {
		ev.Data = event.Data.Raw
	}
	return ev, nil
}

func wrapStripeError(op string, err error) error {
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		if stripeErr.Code == stripe.ErrorCodeResourceMissing {
			return fmt.Errorf("stripe %s: %w: %s", op, ErrNotFound, stripeErr.Msg)
		}
		return fmt.Errorf("stripe %s failed (%s): %w", op, stripeErr.Code, err)
	}
	return fmt.Errorf("stripe %s failed: %w", op, err)
}

var _ Gateway = (*Stripe)(nil)
