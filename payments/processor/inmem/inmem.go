// Package inmem is a fake payment provider for tests and local runs. Prices
// follow the provider's rule: amount is fixed at creation, only Active changes.
package inmem

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/timour/course-checkout/payments/processor"
)

type Gateway struct {
	sync.Mutex

	seq            int
	productUpdates int

	sessions      map[string]*processor.Session
	sessionParams map[string]processor.SessionParams
	products      map[string]*processor.Product
	prices        map[string]*processor.Price
	subscriptions map[string]*processor.Subscription

	// Errors, keyed by method name, returned instead of doing the call.
	Errors map[string]error
}

func NewGateway() *Gateway {
	return &Gateway{
		sessions:      map[string]*processor.Session{},
		sessionParams: map[string]processor.SessionParams{},
		products:      map[string]*processor.Product{},
		prices:        map[string]*processor.Price{},
		subscriptions: map[string]*processor.Subscription{},
		Errors:        map[string]error{},
	}
}

func (g *Gateway) nextID(prefix string) string {
	g.seq++
	return fmt.Sprintf("%s_%d", prefix, g.seq)
}

func copyMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	cp := make(map[string]string, len(m))
	for k, v := range m {
		cp[k] = v
	}
	return cp
}

func (g *Gateway) CreateSession(ctx context.Context, p processor.SessionParams) (*processor.Session, error) {
	g.Lock()
	defer g.Unlock()
	if err := g.Errors["CreateSession"]; err != nil {
		return nil, err
	}
	if err := processor.ValidateMetadata(p.Metadata); err != nil {
		return nil, err
	}

	var total int64
	for _, item := range p.LineItems {
		qty := item.Quantity
		if qty <= 0 {
			qty = 1
		}
		amount := item.AmountCents
		if item.PriceID != "" {
			price, ok := g.prices[item.PriceID]
			if !ok || !price.Active {
				return nil, fmt.Errorf("price %s is not usable", item.PriceID)
			}
			amount = price.AmountCents
		}
		total += amount * qty
	}

	id := g.nextID("cs_test")
	s := &processor.Session{
		ID:               id,
		URL:              "https://checkout.example.test/c/pay/" + id,
		Mode:             p.Mode,
		PaymentStatus:    "unpaid",
		Status:           "open",
		AmountTotalCents: total,
		Currency:         p.Currency,
		Metadata:         copyMap(p.Metadata),
	}
	g.sessions[id] = s
	g.sessionParams[id] = p

	cp := *s
	return &cp, nil
}

// CompleteSession marks a session as paid, as the provider would after the
// buyer finishes the hosted checkout.
func (g *Gateway) CompleteSession(id string) {
	g.Lock()
	defer g.Unlock()
	s := g.sessions[id]
	s.PaymentStatus = processor.PaymentStatusPaid
	s.Status = "complete"
	s.PaymentIntentID = "pi_" + id
	if s.Mode == processor.SessionModeSubscription {
		subID := "sub_" + id
		s.SubscriptionID = subID
		g.subscriptions[subID] = &processor.Subscription{ID: subID, Status: "active", Metadata: copyMap(s.Metadata)}
	}
}

// PutSession stores a session as-is.
func (g *Gateway) PutSession(s *processor.Session) {
	g.Lock()
	defer g.Unlock()
	cp := *s
	cp.Metadata = copyMap(s.Metadata)
	g.sessions[s.ID] = &cp
}

func (g *Gateway) SessionParams(id string) (processor.SessionParams, bool) {
	g.Lock()
	defer g.Unlock()
	p, ok := g.sessionParams[id]
	return p, ok
}

func (g *Gateway) SessionCount() int {
	g.Lock()
	defer g.Unlock()
	return len(g.sessions)
}

func (g *Gateway) RetrieveSession(ctx context.Context, id string) (*processor.Session, error) {
	g.Lock()
	defer g.Unlock()
	if err := g.Errors["RetrieveSession"]; err != nil {
		return nil, err
	}
	s, ok := g.sessions[id]
	if !ok {
		return nil, fmt.Errorf("session %s: %w", id, processor.ErrNotFound)
	}
	cp := *s
	cp.Metadata = copyMap(s.Metadata)
	return &cp, nil
}

func (g *Gateway) PutSubscription(sub *processor.Subscription) {
	g.Lock()
	defer g.Unlock()
	cp := *sub
	g.subscriptions[sub.ID] = &cp
}

func (g *Gateway) RetrieveSubscription(ctx context.Context, id string) (*processor.Subscription, error) {
	g.Lock()
	defer g.Unlock()
	if err := g.Errors["RetrieveSubscription"]; err != nil {
		return nil, err
	}
	sub, ok := g.subscriptions[id]
	if !ok {
		return nil, fmt.Errorf("subscription %s: %w", id, processor.ErrNotFound)
	}
	cp := *sub
	cp.Metadata = copyMap(sub.Metadata)
	return &cp, nil
}

func (g *Gateway) CreateProduct(ctx context.Context, p processor.ProductParams) (*processor.Product, error) {
	g.Lock()
	defer g.Unlock()
	if err := g.Errors["CreateProduct"]; err != nil {
		return nil, err
	}
	product := &processor.Product{ID: g.nextID("prod"), Name: p.Name, Description: p.Description}
	g.products[product.ID] = product
	cp := *product
	return &cp, nil
}

func (g *Gateway) RetrieveProduct(ctx context.Context, id string) (*processor.Product, error) {
	g.Lock()
	defer g.Unlock()
	if err := g.Errors["RetrieveProduct"]; err != nil {
		return nil, err
	}
	product, ok := g.products[id]
	if !ok {
		return nil, fmt.Errorf("product %s: %w", id, processor.ErrNotFound)
	}
	cp := *product
	return &cp, nil
}

func (g *Gateway) UpdateProduct(ctx context.Context, id string, p processor.ProductParams) (*processor.Product, error) {
	g.Lock()
	defer g.Unlock()
	if err := g.Errors["UpdateProduct"]; err != nil {
		return nil, err
	}
	product, ok := g.products[id]
	if !ok {
		return nil, fmt.Errorf("product %s: %w", id, processor.ErrNotFound)
	}
	product.Name = p.Name
	product.Description = p.Description
	g.productUpdates++
	cp := *product
	return &cp, nil
}

func (g *Gateway) CreatePrice(ctx context.Context, p processor.PriceParams) (*processor.Price, error) {
	g.Lock()
	defer g.Unlock()
	if err := g.Errors["CreatePrice"]; err != nil {
		return nil, err
	}
	if _, ok := g.products[p.ProductID]; !ok {
		return nil, fmt.Errorf("product %s: %w", p.ProductID, processor.ErrNotFound)
	}
	price := &processor.Price{
		ID:          g.nextID("price"),
		ProductID:   p.ProductID,
		AmountCents: p.AmountCents,
		Currency:    p.Currency,
		Active:      true,
	}
	g.prices[price.ID] = price
	cp := *price
	return &cp, nil
}

func (g *Gateway) RetrievePrice(ctx context.Context, id string) (*processor.Price, error) {
	g.Lock()
	defer g.Unlock()
	if err := g.Errors["RetrievePrice"]; err != nil {
		return nil, err
	}
	price, ok := g.prices[id]
	if !ok {
		return nil, fmt.Errorf("price %s: %w", id, processor.ErrNotFound)
	}
	cp := *price
	return &cp, nil
}

func (g *Gateway) UpdatePrice(ctx context.Context, id string, active bool) (*processor.Price, error) {
	g.Lock()
	defer g.Unlock()
	if err := g.Errors["UpdatePrice"]; err != nil {
		return nil, err
	}
	price, ok := g.prices[id]
	if !ok {
		return nil, fmt.Errorf("price %s: %w", id, processor.ErrNotFound)
	}
	price.Active = active
	cp := *price
	return &cp, nil
}

func (g *Gateway) ProductUpdates() int {
	g.Lock()
	defer g.Unlock()
	return g.productUpdates
}

func (g *Gateway) PriceCount() int {
	g.Lock()
	defer g.Unlock()
	return len(g.prices)
}

// Sign produces the header VerifySignature accepts for payload and secret.
func Sign(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return "v1=" + hex.EncodeToString(mac.Sum(nil))
}

type eventEnvelope struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		Object json.RawMessage `json:"object"`
	} `json:"data"`
}

func (g *Gateway) VerifySignature(payload []byte, header, secret string) (*processor.Event, error) {
	if secret == "" || header == "" {
		return nil, processor.ErrInvalidSignature
	}
	if !hmac.Equal([]byte(header), []byte(Sign(payload, secret))) {
		return nil, processor.ErrInvalidSignature
	}

	var env eventEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, fmt.Errorf("malformed event: %w", err)
	}
	return &processor.Event{ID: env.ID, Type: env.Type, Data: env.Data.Object}, nil
}

var _ processor.Gateway = (*Gateway)(nil)
