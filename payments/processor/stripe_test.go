package processor

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"
)

const testSecret = "whsec_test"

func signHeader(payload []byte, secret string, ts time.Time) string {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.%s", ts.Unix(), payload)
	return fmt.Sprintf("t=%d,v1=%s", ts.Unix(), hex.EncodeToString(mac.Sum(nil)))
}

func newTestStripe() *Stripe {
	return NewStripeProcessor("sk_test_unused", slog.New(slog.NewTextHandler(io.Discard, nil)), nil)
}

var completedEvent = []byte(`{
	"id": "evt_1",
	"object": "event",
	"type": "checkout.session.completed",
	"data": {"object": {"id": "cs_test_1", "object": "checkout.session", "mode": "payment"}}
}`)

func TestVerifySignatureAcceptsValidPayload(t *testing.T) {
	s := newTestStripe()
	header := signHeader(completedEvent, testSecret, time.Now())

	event, err := s.VerifySignature(completedEvent, header, testSecret)
	if err != nil {
		t.Fatalf("VerifySignature returned error: %v", err)
	}
	if event.ID != "evt_1" || event.Type != "checkout.session.completed" {
		t.Fatalf("unexpected event %+v", event)
	}
	if len(event.Data) == 0 {
		t.Fatalf("expected raw event object")
	}
}

func TestVerifySignatureRejects(t *testing.T) {
	s := newTestStripe()
	cases := []struct {
		name   string
		header string
		secret string
	}{
		{"wrong secret", signHeader(completedEvent, "whsec_other", time.Now()), testSecret},
		{"missing header", "", testSecret},
		{"missing secret", signHeader(completedEvent, testSecret, time.Now()), ""},
		{"stale timestamp", signHeader(completedEvent, testSecret, time.Now().Add(-time.Hour)), testSecret},
		{"garbage header", "t=abc,v1=zzz", testSecret},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			_, err := s.VerifySignature(completedEvent, c.header, c.secret)
			if !errors.Is(err, ErrInvalidSignature) {
				t.Fatalf("expected ErrInvalidSignature, got %v", err)
			}
		})
	}
}

func TestLineItemParams(t *testing.T) {
	items := lineItemParams([]LineItem{
		{PriceID: "price_1"},
		{Name: "Go Basics", AmountCents: 4999, Quantity: 2},
	}, "usd")

	if len(items) != 2 {
		t.Fatalf("expected 2 line items, got %d", len(items))
	}
	if items[0].Price == nil || *items[0].Price != "price_1" || items[0].PriceData != nil {
		t.Fatalf("synced item should reference its price id")
	}
	if *items[0].Quantity != 1 {
		t.Fatalf("quantity should default to 1, got %d", *items[0].Quantity)
	}
	pd := items[1].PriceData
	if pd == nil || *pd.UnitAmount != 4999 || *pd.Currency != "usd" || *pd.ProductData.Name != "Go Basics" {
		t.Fatalf("unexpected inline price data %+v", pd)
	}
	if *items[1].Quantity != 2 {
		t.Fatalf("expected quantity 2, got %d", *items[1].Quantity)
	}
}
