package processor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

var (
	ErrInvalidSignature = errors.New("invalid webhook signature")
	ErrNotFound         = errors.New("object not found at payment provider")
	ErrInvalidMetadata  = errors.New("metadata exceeds provider limits")
)

// Provider limits on object metadata.
const (
	MaxMetadataKeys     = 50
	MaxMetadataKeyLen   = 40
	MaxMetadataValueLen = 500
)

// ValidateMetadata rejects metadata the provider would refuse.
func ValidateMetadata(md map[string]string) error {
	if len(md) > MaxMetadataKeys {
		return fmt.Errorf("%w: %d keys", ErrInvalidMetadata, len(md))
	}
	for k, v := range md {
		if len(k) > MaxMetadataKeyLen {
			return fmt.Errorf("%w: key %q too long", ErrInvalidMetadata, k)
		}
		if len(v) > MaxMetadataValueLen {
			return fmt.Errorf("%w: value of %q is %d characters", ErrInvalidMetadata, k, len(v))
		}
	}
	return nil
}

// Gateway is the boundary to the external payment provider.
type Gateway interface {
	CreateSession(ctx context.Context, params SessionParams) (*Session, error)
	RetrieveSession(ctx context.Context, id string) (*Session, error)
	RetrieveSubscription(ctx context.Context, id string) (*Subscription, error)

	CreateProduct(ctx context.Context, params ProductParams) (*Product, error)
	RetrieveProduct(ctx context.Context, id string) (*Product, error)
	UpdateProduct(ctx context.Context, id string, params ProductParams) (*Product, error)

	// Prices are immutable once created; only Active can be changed.
	CreatePrice(ctx context.Context, params PriceParams) (*Price, error)
	RetrievePrice(ctx context.Context, id string) (*Price, error)
	UpdatePrice(ctx context.Context, id string, active bool) (*Price, error)

	VerifySignature(payload []byte, header, secret string) (*Event, error)
}

type SessionMode string

const (
	SessionModePayment      SessionMode = "payment"
	SessionModeSubscription SessionMode = "subscription"
)

const PaymentStatusPaid = "paid"

// LineItem references an existing price, or carries one-off price data when
// PriceID is empty.
type LineItem struct {
	PriceID     string
	Name        string
	Description string
	AmountCents int64
	Quantity    int64
}

type SessionParams struct {
	Mode              SessionMode
	LineItems         []LineItem
	Currency          string
	SuccessURL        string
	CancelURL         string
	CustomerEmail     string
	ClientReferenceID string
	Metadata          map[string]string
}

type Session struct {
	ID               string
	URL              string
	Mode             SessionMode
	PaymentStatus    string
	Status           string
	AmountTotalCents int64
	Currency         string
	PaymentIntentID  string
	SubscriptionID   string
	Metadata         map[string]string
}

type Subscription struct {
	ID       string
	Status   string
	Metadata map[string]string
}

type ProductParams struct {
	Name        string
	Description string
	Metadata    map[string]string
}

type Product struct {
	ID          string
	Name        string
	Description string
}

type PriceParams struct {
	ProductID   string
	AmountCents int64
	Currency    string
	Metadata    map[string]string
}

type Price struct {
	ID          string
	ProductID   string
	AmountCents int64
	Currency    string
	Active      bool
}

// Event is a verified provider notification. Data holds the raw event object.
type Event struct {
	ID   string
	Type string
	Data json.RawMessage
}
